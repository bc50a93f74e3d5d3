// Package normalize converts sealed speaker segments into bounded encoded
// units for transcription: it drops segments too short to hold speech,
// splits long ones by duration, optionally noise-gates each range, encodes
// it and enforces the provider's upload size ceiling per unit.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/voxlog/internal/observe"
	"github.com/MrWong99/voxlog/pkg/audio"
	"github.com/MrWong99/voxlog/pkg/types"
)

// Defaults applied by [New].
const (
	// DefaultMinBytes is the smallest segment considered speech.
	DefaultMinBytes = 1024

	// DefaultMaxUnitDuration bounds one encoded unit.
	DefaultMaxUnitDuration = 10 * time.Minute

	// DefaultMaxUnitBytes is the upload ceiling of hosted Whisper APIs.
	DefaultMaxUnitBytes int64 = 24 * 1024 * 1024
)

// ErrUnitTooLarge is reported (joined) when an encoded unit exceeded the
// size ceiling and was dropped.
var ErrUnitTooLarge = errors.New("normalize: encoded unit exceeds size ceiling")

// Normalizer splits and encodes segments. It is safe for concurrent use.
type Normalizer struct {
	encoder         Encoder
	minBytes        int
	maxUnitDuration time.Duration
	maxUnitBytes    int64
	gateThreshold   int
	silenceRMS      float64
	metrics         *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*Normalizer)

// WithMinBytes sets the minimum raw segment size.
func WithMinBytes(n int) Option {
	return func(z *Normalizer) { z.minBytes = n }
}

// WithMaxUnitDuration sets the longest raw duration of one unit.
func WithMaxUnitDuration(d time.Duration) Option {
	return func(z *Normalizer) { z.maxUnitDuration = d }
}

// WithMaxUnitBytes sets the encoded size ceiling.
func WithMaxUnitBytes(n int64) Option {
	return func(z *Normalizer) { z.maxUnitBytes = n }
}

// WithNoiseGate enables the noise gate: samples quieter than threshold are
// zeroed unless the whole range has an RMS below silenceRMS, in which case
// the range is encoded unmodified.
func WithNoiseGate(threshold int, silenceRMS float64) Option {
	return func(z *Normalizer) {
		z.gateThreshold = threshold
		z.silenceRMS = silenceRMS
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(z *Normalizer) { z.metrics = m }
}

// New creates a Normalizer that encodes with enc.
func New(enc Encoder, opts ...Option) *Normalizer {
	z := &Normalizer{
		encoder:         enc,
		minBytes:        DefaultMinBytes,
		maxUnitDuration: DefaultMaxUnitDuration,
		maxUnitBytes:    DefaultMaxUnitBytes,
	}
	for _, o := range opts {
		o(z)
	}
	if z.metrics == nil {
		z.metrics = observe.DefaultMetrics()
	}
	return z
}

// TooShort reports whether seg is below the minimum size and must not be
// normalised.
func (z *Normalizer) TooShort(seg types.Segment) bool {
	return seg.Size() < z.minBytes
}

// Normalize encodes seg into units under dir. Too-short segments yield no
// units and no error. Units that fail to encode or exceed the size ceiling
// are dropped and logged; the returned error joins those failures and is
// non-nil only when no unit survived.
func (z *Normalizer) Normalize(ctx context.Context, seg types.Segment, dir string) ([]types.Unit, error) {
	log := observe.Logger(ctx).With("participant", seg.Participant.ID, "seq", seg.Seq)
	if z.TooShort(seg) {
		z.metrics.RecordUnitDropped(ctx, "too_short")
		log.Debug("segment below minimum size, skipped", "bytes", seg.Size(), "min_bytes", z.minBytes)
		return nil, nil
	}

	ctx, span := observe.StartSpan(ctx, "normalize.segment")
	defer span.End()
	start := time.Now()
	defer func() {
		z.metrics.NormalizeDuration.Record(ctx, time.Since(start).Seconds())
	}()

	var (
		units []types.Unit
		errs  []error
	)
	for i, r := range z.split(seg) {
		if err := ctx.Err(); err != nil {
			return units, err
		}
		pcm := seg.PCM[r[0]:r[1]:r[1]]
		pcm = z.gate(pcm)

		path := filepath.Join(dir, unitFileName(seg, i, z.encoder.Container()))
		if err := z.encoder.Encode(ctx, pcm, seg.Format, path); err != nil {
			z.metrics.RecordUnitDropped(ctx, "encode_error")
			log.Warn("unit encoding failed, dropped", "index", i, "error", err)
			errs = append(errs, fmt.Errorf("unit %d: %w", i, err))
			continue
		}

		fi, err := os.Stat(path)
		if err != nil {
			z.metrics.RecordUnitDropped(ctx, "encode_error")
			errs = append(errs, fmt.Errorf("unit %d: %w", i, err))
			continue
		}
		if z.maxUnitBytes > 0 && fi.Size() > z.maxUnitBytes {
			_ = os.Remove(path)
			z.metrics.RecordUnitDropped(ctx, "too_large")
			log.Warn("encoded unit exceeds size ceiling, dropped",
				"index", i, "bytes", fi.Size(), "max_bytes", z.maxUnitBytes)
			errs = append(errs, fmt.Errorf("unit %d (%d bytes): %w", i, fi.Size(), ErrUnitTooLarge))
			continue
		}

		z.metrics.RecordUnitEncoded(ctx, z.encoder.Container())
		units = append(units, types.Unit{
			Participant: seg.Participant,
			Seq:         seg.Seq,
			Index:       i,
			Path:        path,
			Container:   z.encoder.Container(),
			Format:      seg.Format,
			Size:        fi.Size(),
			Duration:    seg.Format.Duration(len(pcm)),
		})
	}

	if len(units) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(errs) > 0 {
		log.Info("segment partially normalised", "units", len(units), "dropped", len(errs))
	}
	return units, nil
}

// split returns consecutive [start, end) byte ranges of at most
// maxUnitDuration each, aligned to whole sample frames.
func (z *Normalizer) split(seg types.Segment) [][2]int {
	n := seg.Size()
	chunk := 0
	if z.maxUnitDuration > 0 {
		chunk = seg.Format.BytesFor(z.maxUnitDuration)
	}
	if chunk <= 0 || n <= chunk {
		return [][2]int{{0, n}}
	}
	var out [][2]int
	for start := 0; start < n; start += chunk {
		out = append(out, [2]int{start, min(start+chunk, n)})
	}
	return out
}

func (z *Normalizer) gate(pcm []byte) []byte {
	if z.gateThreshold <= 0 {
		return pcm
	}
	if audio.RMS(pcm) < z.silenceRMS {
		return pcm
	}
	return audio.Gate(pcm, z.gateThreshold)
}

// unitFileName builds a filesystem-safe, unique name for one unit.
func unitFileName(seg types.Segment, index int, container string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, seg.Participant.ID)
	return fmt.Sprintf("%s_seg%03d_part%02d.%s", id, seg.Seq, index, container)
}
