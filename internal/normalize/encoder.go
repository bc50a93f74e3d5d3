package normalize

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MrWong99/voxlog/pkg/audio"
)

// Encoder turns a PCM range into a file a speech-to-text service accepts.
// Implementations must be safe for concurrent use.
type Encoder interface {
	// Encode writes pcm, which is in format f, to path.
	Encode(ctx context.Context, pcm []byte, f audio.Format, path string) error

	// Container returns the file extension of the output, without the dot.
	Container() string
}

// Compile-time interface assertions.
var (
	_ Encoder = (*WAVEncoder)(nil)
	_ Encoder = (*MP3Encoder)(nil)
)

// WAVEncoder writes 16-bit PCM WAV files in the Target format. It needs no
// external tools and is the format local whisper backends read natively.
type WAVEncoder struct {
	// Target is the output format. Zero selects [audio.Speech].
	Target audio.Format
}

// Container implements [Encoder].
func (e *WAVEncoder) Container() string { return "wav" }

// Encode implements [Encoder].
func (e *WAVEncoder) Encode(ctx context.Context, pcm []byte, f audio.Format, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := e.Target
	if target == (audio.Format{}) {
		target = audio.Speech
	}
	data := audio.EncodeWAV(audio.Convert(pcm, f, target), target)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("normalize: write wav: %w", err)
	}
	return nil
}

// DefaultBitrate is the MP3 bitrate used when none is configured.
const DefaultBitrate = "64k"

// MP3Encoder pipes raw PCM through ffmpeg's libmp3lame encoder into a mono
// MP3 at a fixed bitrate.
type MP3Encoder struct {
	// FFmpegPath defaults to "ffmpeg" resolved from PATH.
	FFmpegPath string

	// Bitrate is passed to ffmpeg's -ab flag. Defaults to [DefaultBitrate].
	Bitrate string
}

// Container implements [Encoder].
func (e *MP3Encoder) Container() string { return "mp3" }

// Encode implements [Encoder].
func (e *MP3Encoder) Encode(ctx context.Context, pcm []byte, f audio.Format, path string) error {
	bin := e.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	bitrate := e.Bitrate
	if bitrate == "" {
		bitrate = DefaultBitrate
	}

	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", "pipe:0",
		"-acodec", "libmp3lame",
		"-ab", bitrate,
		"-ac", "1",
		"-y", path,
	)
	cmd.Stdin = bytes.NewReader(pcm)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(path)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("normalize: ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("normalize: ffmpeg: %w", err)
	}
	return nil
}

// FFmpegAvailable reports whether the configured ffmpeg binary can be found.
func (e *MP3Encoder) FFmpegAvailable() bool {
	bin := e.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	_, err := exec.LookPath(bin)
	return err == nil
}
