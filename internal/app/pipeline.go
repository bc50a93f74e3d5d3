package app

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/voxlog/internal/archive"
	"github.com/MrWong99/voxlog/internal/normalize"
	"github.com/MrWong99/voxlog/internal/observe"
	"github.com/MrWong99/voxlog/internal/recording"
	"github.com/MrWong99/voxlog/internal/summary"
	"github.com/MrWong99/voxlog/internal/transcribe"
	"github.com/MrWong99/voxlog/internal/transcript"
	"github.com/MrWong99/voxlog/pkg/types"
)

// Chat messages posted by the pipeline.
const (
	msgNoAudio         = "⚠️ Failed to record audio"
	msgNoTranscript    = "⚠️ Failed to get transcription"
	msgNoSummary       = "⚠️ Failed to create conversation summary"
	msgTranscriptTitle = "📝 **Transcript for:** "
	msgSummaryTitle    = "📋 **Conversation Summary:**\n\n"
)

// Pipeline is the processing side of a recording session. As a
// [recording.Processor] it turns sealed segments into transcript pieces; as a
// [recording.Finisher] it assembles, post-processes, delivers and archives
// the transcript once the session stopped.
//
// Optional stages (corrector, reformatter, summariser, archive) are skipped
// when nil.
type Pipeline struct {
	Normalizer  *normalize.Normalizer
	FanOut      *transcribe.FanOut
	Corrector   *transcript.NameCorrector
	Reformatter *transcript.Reformatter
	Summariser  summary.Summariser
	Archive     archive.Store
	Deliverer   recording.Deliverer
}

var (
	_ recording.Processor = (*Pipeline)(nil)
	_ recording.Finisher  = (*Pipeline)(nil)
)

// Process normalises seg into units and transcribes them. Unit files are
// removed once transcribed; the session directory itself is removed when
// the session closes.
func (p *Pipeline) Process(ctx context.Context, seg types.Segment, workDir string) []types.Piece {
	log := observe.Logger(ctx).With("participant", seg.Participant.ID, "seq", seg.Seq)

	units, err := p.Normalizer.Normalize(ctx, seg, workDir)
	if err != nil {
		log.Error("segment normalisation failed", "err", err, "bytes", seg.Size())
	}
	if len(units) == 0 {
		log.Debug("segment produced no units", "bytes", seg.Size())
		return nil
	}

	pieces := p.FanOut.TranscribeAll(ctx, units)
	for _, u := range units {
		if err := os.Remove(u.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove unit file", "path", u.Path, "err", err)
		}
	}
	log.Info("segment transcribed", "units", len(units), "pieces", countText(pieces))
	return pieces
}

// Finish assembles the session transcript and posts it to the channel the
// recording was started from, followed by the summary.
func (p *Pipeline) Finish(ctx context.Context, out recording.Outcome) {
	ctx, span := observe.StartSpan(ctx, "app.finish")
	defer span.End()
	log := observe.Logger(ctx)
	channel := out.Info.TextChannelID

	if out.Segments == 0 {
		log.Warn("no audio captured", "participants", len(out.Participants))
		p.deliver(ctx, channel, recording.Message{Content: msgNoAudio})
		return
	}

	tr := transcript.Assemble(out.Pieces, out.Participants...)
	if tr.Empty() {
		log.Warn("no speech transcribed", "pieces", len(out.Pieces), "participants", len(out.Participants))
		p.deliver(ctx, channel, recording.Message{Content: msgNoTranscript})
		return
	}

	if p.Corrector != nil {
		var corrections []transcript.Correction
		tr, corrections = p.Corrector.Correct(tr)
		for _, c := range corrections {
			log.Debug("name corrected", "from", c.Original, "to", c.Corrected, "confidence", c.Confidence)
		}
	}

	raw := tr.Text()
	formatted := raw
	if p.Reformatter != nil {
		formatted = p.Reformatter.Reformat(ctx, raw)
	}

	rec := &archive.Record{
		SessionID:     out.Info.SessionID,
		GuildID:       out.Info.GuildID,
		ChannelID:     out.Info.ChannelID,
		StartedAt:     out.Info.StartedAt,
		EndedAt:       out.StoppedAt,
		Participants:  speakers(out.Participants, tr),
		Transcript:    formatted,
		RawTranscript: raw,
	}
	if err := rec.Normalize(); err != nil {
		log.Error("invalid transcript record", "err", err)
		return
	}

	err := p.deliver(ctx, channel, recording.Message{
		Content:  msgTranscriptTitle + rec.Mentions(),
		FileName: archive.FileName(rec.EndedAt),
		File:     []byte(archive.Format(rec)),
	})
	if err != nil {
		// Without the transcript in the channel a lone summary is confusing.
		p.archive(ctx, rec)
		return
	}

	if p.Summariser != nil {
		text, err := p.Summariser.Summarise(ctx, raw)
		if err != nil || strings.TrimSpace(text) == "" {
			log.Error("summary failed", "err", err)
			p.deliver(ctx, channel, recording.Message{Content: msgNoSummary})
		} else {
			rec.Summary = text
			p.deliver(ctx, channel, recording.Message{Content: msgSummaryTitle + text})
		}
	}

	p.archive(ctx, rec)
	log.Info("recording processing completed",
		"participants", len(rec.Participants),
		"chars", len(formatted),
		"summary", rec.Summary != "",
		"elapsed", time.Since(out.StoppedAt).Round(time.Millisecond),
	)
}

func (p *Pipeline) deliver(ctx context.Context, channelID string, msg recording.Message) error {
	if p.Deliverer == nil || channelID == "" {
		return nil
	}
	if err := p.Deliverer.Deliver(ctx, channelID, msg); err != nil {
		observe.Logger(ctx).Error("delivery failed", "channel_id", channelID, "err", err)
		return err
	}
	return nil
}

func (p *Pipeline) archive(ctx context.Context, rec *archive.Record) {
	if p.Archive == nil {
		return
	}
	if err := p.Archive.Save(ctx, rec); err != nil {
		observe.Logger(ctx).Warn("could not archive transcript", "err", err)
		return
	}
	observe.Logger(ctx).Info("transcript archived", "id", rec.ID, "path", rec.Path)
}

// speakers returns every captured participant, with display names learned
// by the transcript filled in.
func speakers(all []types.Participant, tr transcript.Transcript) []types.Participant {
	if len(all) == 0 {
		return tr.Participants()
	}
	names := make(map[string]string)
	for _, p := range tr.Participants() {
		names[p.ID] = p.DisplayName
	}
	out := make([]types.Participant, len(all))
	for i, p := range all {
		if p.DisplayName == "" {
			p.DisplayName = names[p.ID]
		}
		out[i] = p
	}
	return out
}

func countText(pieces []types.Piece) int {
	n := 0
	for _, p := range pieces {
		if p.Status == types.PieceText {
			n++
		}
	}
	return n
}
