package audio

import "time"

// Format describes the sample rate and channel count of a 16-bit
// little-endian PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Discord is the format voice packets decode to: 48 kHz interleaved stereo.
var Discord = Format{SampleRate: 48000, Channels: 2}

// Speech is the format most speech-to-text backends expect: 16 kHz mono.
var Speech = Format{SampleRate: 16000, Channels: 1}

// FrameBytes returns the number of bytes in one sample frame (one sample
// per channel).
func (f Format) FrameBytes() int {
	return f.Channels * 2
}

// BytesPerSecond returns the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameBytes()
}

// Duration returns the playback length of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// BytesFor returns the byte count covering d, rounded down to a whole sample
// frame so that slicing at the result never splits a sample.
func (f Format) BytesFor(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	fb := f.FrameBytes()
	if fb <= 0 {
		return n
	}
	return n - n%fb
}

func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is one decoded audio packet from the shared voice stream, tagged with
// the transport-level source key (the RTP SSRC on Discord).
type Frame struct {
	// SSRC identifies the producer within the channel. Zero is never valid.
	SSRC uint32

	// PCM holds 16-bit little-endian interleaved samples in Format.
	PCM []byte

	Format Format

	// Received is the wall-clock arrival time of the packet.
	Received time.Time
}

// SpeakerEvent associates a stream source with a platform user. Events arrive
// on their own channel and may lag behind the first frames of that source.
type SpeakerEvent struct {
	SSRC     uint32
	UserID   string
	Username string
}
