package normalize

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlog/internal/observe"
	"github.com/MrWong99/voxlog/pkg/audio"
	"github.com/MrWong99/voxlog/pkg/types"
	"go.opentelemetry.io/otel/metric/noop"
)

// fakeEncoder writes the raw PCM it receives (optionally padded) so tests can
// inspect exactly which bytes reached the encoder.
type fakeEncoder struct {
	mu      sync.Mutex
	calls   [][]byte
	pad     int
	failIdx map[int]bool
}

func (e *fakeEncoder) Container() string { return "raw" }

func (e *fakeEncoder) Encode(_ context.Context, pcm []byte, _ audio.Format, path string) error {
	e.mu.Lock()
	idx := len(e.calls)
	e.calls = append(e.calls, append([]byte(nil), pcm...))
	fail := e.failIdx[idx]
	e.mu.Unlock()
	if fail {
		return errors.New("boom")
	}
	out := make([]byte, len(pcm)+e.pad)
	copy(out, pcm)
	return os.WriteFile(path, out, 0o600)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// segment builds a segment of n bytes of a constant sample value.
func segment(n int, sample int16) types.Segment {
	pcm := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(sample))
	}
	return types.Segment{
		Participant: types.Participant{ID: "42", DisplayName: "Alice"},
		Seq:         3,
		PCM:         pcm,
		Format:      audio.Discord,
	}
}

func TestNormalize_TooShort(t *testing.T) {
	t.Parallel()
	enc := &fakeEncoder{}
	z := New(enc, WithMetrics(testMetrics(t)))

	seg := segment(DefaultMinBytes-4, 100)
	if !z.TooShort(seg) {
		t.Fatal("TooShort = false, want true")
	}
	units, err := z.Normalize(context.Background(), seg, t.TempDir())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(units) != 0 {
		t.Errorf("units = %d, want 0", len(units))
	}
	if len(enc.calls) != 0 {
		t.Errorf("encoder called %d times, want 0", len(enc.calls))
	}
}

func TestNormalize_SingleUnit(t *testing.T) {
	t.Parallel()
	enc := &fakeEncoder{}
	z := New(enc, WithMetrics(testMetrics(t)))
	dir := t.TempDir()

	seg := segment(audio.Discord.BytesPerSecond(), 100)
	units, err := z.Normalize(context.Background(), seg, dir)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("units = %d, want 1", len(units))
	}
	u := units[0]
	if u.Participant.ID != "42" || u.Seq != 3 || u.Index != 0 {
		t.Errorf("unit identity = %+v", u)
	}
	if u.Container != "raw" {
		t.Errorf("Container = %q, want raw", u.Container)
	}
	if u.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", u.Duration)
	}
	if filepath.Dir(u.Path) != dir {
		t.Errorf("Path %q not under %q", u.Path, dir)
	}
	if u.Size != int64(seg.Size()) {
		t.Errorf("Size = %d, want %d", u.Size, seg.Size())
	}
}

func TestNormalize_SplitsByDuration(t *testing.T) {
	t.Parallel()
	enc := &fakeEncoder{}
	z := New(enc, WithMetrics(testMetrics(t)), WithMaxUnitDuration(time.Second))

	// 2.5 seconds → 3 units.
	seg := segment(audio.Discord.BytesPerSecond()*5/2, 100)
	units, err := z.Normalize(context.Background(), seg, t.TempDir())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("units = %d, want 3", len(units))
	}
	var total int
	seen := map[string]bool{}
	for i, u := range units {
		if u.Index != i {
			t.Errorf("unit %d Index = %d", i, u.Index)
		}
		if seen[u.Path] {
			t.Errorf("duplicate path %q", u.Path)
		}
		seen[u.Path] = true
		total += len(enc.calls[i])
	}
	if total != seg.Size() {
		t.Errorf("encoded bytes = %d, want %d (no data lost in split)", total, seg.Size())
	}
	if units[2].Duration != 500*time.Millisecond {
		t.Errorf("last unit Duration = %v, want 500ms", units[2].Duration)
	}
}

func TestNormalize_SizeCeiling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failIdx   map[int]bool
		pad       int
		wantUnits int
		wantErr   error
	}{
		{name: "all too large", pad: 10_000, wantUnits: 0, wantErr: ErrUnitTooLarge},
		{name: "one encode failure", failIdx: map[int]bool{1: true}, wantUnits: 2},
		{name: "all fail", failIdx: map[int]bool{0: true, 1: true, 2: true}, wantUnits: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			enc := &fakeEncoder{pad: tc.pad, failIdx: tc.failIdx}
			bps := audio.Discord.BytesPerSecond()
			z := New(enc,
				WithMetrics(testMetrics(t)),
				WithMaxUnitDuration(time.Second),
				WithMaxUnitBytes(int64(bps+1)),
			)
			units, err := z.Normalize(context.Background(), segment(bps*3, 100), t.TempDir())
			if len(units) != tc.wantUnits {
				t.Errorf("units = %d, want %d", len(units), tc.wantUnits)
			}
			if tc.wantUnits == 0 && err == nil {
				t.Error("expected error when no unit survives")
			}
			if tc.wantUnits > 0 && err != nil {
				t.Errorf("unexpected error with surviving units: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestNormalize_TooLargeRemovesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	z := New(&fakeEncoder{pad: 4096}, WithMetrics(testMetrics(t)), WithMaxUnitBytes(2048))

	if _, err := z.Normalize(context.Background(), segment(2048, 100), dir); !errors.Is(err, ErrUnitTooLarge) {
		t.Fatalf("err = %v, want ErrUnitTooLarge", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("oversized unit file left behind: %v", entries)
	}
}

func TestNormalize_NoiseGate(t *testing.T) {
	t.Parallel()

	t.Run("quiet samples zeroed", func(t *testing.T) {
		t.Parallel()
		enc := &fakeEncoder{}
		z := New(enc, WithMetrics(testMetrics(t)), WithNoiseGate(200, 10))

		seg := segment(4096, 1000)
		// Make the first sample quiet.
		binary.LittleEndian.PutUint16(seg.PCM[0:], uint16(50))
		if _, err := z.Normalize(context.Background(), seg, t.TempDir()); err != nil {
			t.Fatal(err)
		}
		got := enc.calls[0]
		if s := int16(binary.LittleEndian.Uint16(got[0:])); s != 0 {
			t.Errorf("gated sample = %d, want 0", s)
		}
		if s := int16(binary.LittleEndian.Uint16(got[2:])); s != 1000 {
			t.Errorf("loud sample = %d, want 1000", s)
		}
		if s := int16(binary.LittleEndian.Uint16(seg.PCM[0:])); s != 50 {
			t.Error("segment PCM was modified in place")
		}
	})

	t.Run("near silent range passed through", func(t *testing.T) {
		t.Parallel()
		enc := &fakeEncoder{}
		z := New(enc, WithMetrics(testMetrics(t)), WithNoiseGate(200, 500))

		seg := segment(4096, 100)
		if _, err := z.Normalize(context.Background(), seg, t.TempDir()); err != nil {
			t.Fatal(err)
		}
		if s := int16(binary.LittleEndian.Uint16(enc.calls[0][0:])); s != 100 {
			t.Errorf("sample = %d, want unmodified 100", s)
		}
	})
}

func TestNormalize_ContextCancelled(t *testing.T) {
	t.Parallel()
	z := New(&fakeEncoder{}, WithMetrics(testMetrics(t)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := z.Normalize(ctx, segment(4096, 100), t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestUnitFileName_Sanitises(t *testing.T) {
	t.Parallel()
	seg := types.Segment{Participant: types.Participant{ID: "../evil id"}, Seq: 7}
	got := unitFileName(seg, 2, "mp3")
	if strings.ContainsAny(got, "/ ") {
		t.Errorf("unsafe file name %q", got)
	}
	if got != "___evil_id_seg007_part02.mp3" {
		t.Errorf("unitFileName = %q", got)
	}
}

func TestWAVEncoder(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "u.wav")
	enc := &WAVEncoder{}
	seg := segment(audio.Discord.BytesPerSecond(), 1000)
	if err := enc.Encode(context.Background(), seg.PCM, seg.Format, path); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	pcm, f, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f != audio.Speech {
		t.Errorf("format = %v, want %v", f, audio.Speech)
	}
	if len(pcm) != audio.Speech.BytesPerSecond() {
		t.Errorf("pcm = %d bytes, want %d", len(pcm), audio.Speech.BytesPerSecond())
	}
}

func TestMP3Encoder(t *testing.T) {
	t.Parallel()
	enc := &MP3Encoder{}
	if !enc.FFmpegAvailable() {
		t.Skip("ffmpeg not installed")
	}
	path := filepath.Join(t.TempDir(), "u.mp3")
	seg := segment(audio.Discord.BytesPerSecond(), 1000)
	if err := enc.Encode(context.Background(), seg.PCM, seg.Format, path); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() == 0 {
		t.Error("empty mp3 output")
	}
}

func TestMP3Encoder_MissingBinary(t *testing.T) {
	t.Parallel()
	enc := &MP3Encoder{FFmpegPath: filepath.Join(t.TempDir(), "no-such-ffmpeg")}
	if enc.FFmpegAvailable() {
		t.Fatal("FFmpegAvailable = true for missing binary")
	}
	err := enc.Encode(context.Background(), make([]byte, 4096), audio.Discord, filepath.Join(t.TempDir(), "x.mp3"))
	if err == nil {
		t.Error("expected error for missing ffmpeg")
	}
}
