package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxlog/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	// Two max-positive samples should clamp to 32767 (not overflow).
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{32767}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	if got[0] != want[0] {
		t.Errorf("got %d, want %d", got[0], want[0])
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	// First output sample should equal first source sample.
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	// Last output sample should be close to last source sample.
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 48000, 16000)
	got := bytesToSamples(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResampleStereo16(t *testing.T) {
	// 2 stereo frames at 16kHz → 6 stereo frames (12 samples) at 48kHz
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	out := audio.ResampleStereo16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(got))
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	// Zero srcRate should return input unchanged.
	out := audio.ResampleMono16(pcm, 0, 48000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	// Zero dstRate should return input unchanged.
	out = audio.ResampleMono16(pcm, 48000, 0)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
	// Negative rates should return input unchanged.
	out = audio.ResampleMono16(pcm, -1, 48000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for negative srcRate, got len %d", len(out))
	}
}

func TestResampleStereo16_ZeroRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	out := audio.ResampleStereo16(pcm, 0, 48000)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	out = audio.ResampleStereo16(pcm, 48000, 0)
	if len(out) != len(pcm) {
		t.Errorf("expected unchanged output for zero dstRate, got len %d", len(out))
	}
}

func TestConvert_SameFormat(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	out := audio.Convert(pcm, audio.Discord, audio.Discord)
	if &out[0] != &pcm[0] {
		t.Error("expected input slice to be returned unchanged")
	}
}

func TestConvert_DiscordToSpeech(t *testing.T) {
	t.Parallel()
	// 30 stereo frames at 48 kHz → 10 mono samples at 16 kHz.
	samples := make([]int16, 60)
	for i := range samples {
		samples[i] = 1000
	}
	out := audio.Convert(samplesToBytes(samples), audio.Discord, audio.Speech)
	got := bytesToSamples(out)
	if len(got) != 10 {
		t.Fatalf("expected 10 samples, got %d", len(got))
	}
	for i, v := range got {
		if v != 1000 {
			t.Errorf("sample %d = %d, want 1000", i, v)
		}
	}
}

func TestConvert_TruncatesPartialFrame(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{10, 20, 30}) // 1.5 stereo frames
	out := audio.Convert(pcm, audio.Discord, audio.Format{SampleRate: 48000, Channels: 1})
	if got := bytesToSamples(out); len(got) != 1 || got[0] != 15 {
		t.Errorf("got %v, want [15]", got)
	}
}

func TestFormat_Durations(t *testing.T) {
	t.Parallel()
	if got := audio.Discord.BytesPerSecond(); got != 192000 {
		t.Errorf("BytesPerSecond = %d, want 192000", got)
	}
	if got := audio.Discord.Duration(192000 * 3); got != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", got)
	}
	if got := audio.Speech.BytesFor(time.Second); got != 32000 {
		t.Errorf("BytesFor = %d, want 32000", got)
	}
	// 10ms of 48 kHz stereo is 1920 bytes; 10.01ms must round down to a frame.
	if got := audio.Discord.BytesFor(10010 * time.Microsecond); got%4 != 0 {
		t.Errorf("BytesFor not frame aligned: %d", got)
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", []int16{0, 0, 0, 0}, 0},
		{"constant", []int16{300, -300, 300, -300}, 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.RMS(samplesToBytes(tt.samples)); got != tt.want {
				t.Errorf("RMS = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGate(t *testing.T) {
	t.Parallel()
	in := samplesToBytes([]int16{5, -5, 500, -500, 49, -50})
	out := audio.Gate(in, 50)
	got := bytesToSamples(out)
	want := []int16{0, 0, 500, -500, 0, -50}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
	if bytesToSamples(in)[0] != 5 {
		t.Error("Gate modified its input")
	}
}

func TestToFloat32Mono(t *testing.T) {
	t.Parallel()
	got := audio.ToFloat32Mono(samplesToBytes([]int16{16384, 0, -16384, -16384}), 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] != 0.25 || got[1] != -0.5 {
		t.Errorf("got %v, want [0.25 -0.5]", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, -1, 2, -2})
	wav := audio.EncodeWAV(pcm, audio.Speech)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	gotPCM, f, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f != audio.Speech {
		t.Errorf("format = %v, want %v", f, audio.Speech)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Errorf("pcm = %v, want %v", gotPCM, pcm)
	}
}

func TestDecodeWAV_Rejects(t *testing.T) {
	t.Parallel()
	for _, in := range [][]byte{nil, []byte("ID3\x04 not a wav file"), []byte("RIFF\x00\x00\x00\x00WAVE")} {
		if _, _, err := audio.DecodeWAV(in); !errors.Is(err, audio.ErrNotWAV) {
			t.Errorf("DecodeWAV(%q) error = %v, want ErrNotWAV", in, err)
		}
	}
}
