package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxlog/internal/archive"
	"github.com/MrWong99/voxlog/internal/normalize"
	"github.com/MrWong99/voxlog/internal/observe"
	"github.com/MrWong99/voxlog/internal/recording"
	"github.com/MrWong99/voxlog/internal/summary"
	"github.com/MrWong99/voxlog/internal/transcribe"
	"github.com/MrWong99/voxlog/internal/transcript"
	"github.com/MrWong99/voxlog/pkg/audio"
	"github.com/MrWong99/voxlog/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxlog/pkg/provider/llm/mock"
	"github.com/MrWong99/voxlog/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxlog/pkg/provider/stt/mock"
	"github.com/MrWong99/voxlog/pkg/types"
)

// ---- helpers ----

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type delivery struct {
	channelID string
	msg       recording.Message
}

// recordingDeliverer captures delivered messages.
type recordingDeliverer struct {
	mu   sync.Mutex
	msgs []delivery
	err  error
}

func (d *recordingDeliverer) Deliver(_ context.Context, channelID string, msg recording.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, delivery{channelID: channelID, msg: msg})
	return d.err
}

func (d *recordingDeliverer) sent() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery(nil), d.msgs...)
}

var (
	alice = types.Participant{ID: "1", DisplayName: "Alice"}
	bob   = types.Participant{ID: "2", DisplayName: "Bob"}
)

func testOutcome(pieces ...types.Piece) recording.Outcome {
	stopped := time.Date(2026, 5, 1, 18, 30, 0, 0, time.Local)
	return recording.Outcome{
		Info: recording.Info{
			SessionID:     "sess",
			GuildID:       "guild",
			ChannelID:     "voice",
			TextChannelID: "text",
			StartedAt:     stopped.Add(-time.Hour),
		},
		StoppedAt:    stopped,
		Participants: []types.Participant{alice, bob},
		Pieces:       pieces,
		Segments:     len(pieces),
	}
}

func piece(p types.Participant, seq int, text string) types.Piece {
	return types.Piece{Participant: p, Seq: seq, Text: text, Status: types.PieceText}
}

// ---- Process ----

func TestPipeline_Process(t *testing.T) {
	t.Parallel()

	m := testMetrics(t)
	tr := &sttmock.Transcriber{Text: " hello there "}
	p := &Pipeline{
		Normalizer: normalize.New(&normalize.WAVEncoder{}, normalize.WithMetrics(m)),
		FanOut:     transcribe.New(tr, transcribe.WithMetrics(m)),
	}

	pcm := make([]byte, audio.Discord.BytesFor(time.Second))
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}
	seg := types.Segment{Participant: alice, Seq: 1, PCM: pcm, Format: audio.Discord}

	dir := t.TempDir()
	pieces := p.Process(context.Background(), seg, dir)
	if len(pieces) != 1 {
		t.Fatalf("got %d pieces, want 1", len(pieces))
	}
	if pieces[0].Status != types.PieceText || pieces[0].Text != "hello there" {
		t.Errorf("piece = %+v", pieces[0])
	}
	if tr.CallCount() != 1 {
		t.Errorf("transcriber calls = %d, want 1", tr.CallCount())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("unit files left behind: %d", len(entries))
	}
}

func TestPipeline_ProcessTooShort(t *testing.T) {
	t.Parallel()

	m := testMetrics(t)
	tr := &sttmock.Transcriber{Text: "x"}
	p := &Pipeline{
		Normalizer: normalize.New(&normalize.WAVEncoder{}, normalize.WithMetrics(m)),
		FanOut:     transcribe.New(tr, transcribe.WithMetrics(m)),
	}

	seg := types.Segment{Participant: alice, Seq: 1, PCM: make([]byte, 100), Format: audio.Discord}
	if pieces := p.Process(context.Background(), seg, t.TempDir()); len(pieces) != 0 {
		t.Errorf("got %d pieces for a too-short segment", len(pieces))
	}
	if tr.CallCount() != 0 {
		t.Error("too-short segment reached the transcriber")
	}
}

func TestPipeline_TimedOutSpeakerIsLeftOut(t *testing.T) {
	t.Parallel()

	carol := types.Participant{ID: "3", DisplayName: "Carol"}
	m := testMetrics(t)
	tr := &sttmock.Transcriber{
		TranscribeFunc: func(ctx context.Context, req stt.Request) (string, error) {
			switch {
			case strings.HasPrefix(filepath.Base(req.Path), "1_"):
				return "alice here", nil
			case strings.HasPrefix(filepath.Base(req.Path), "2_"):
				return "bob here", nil
			}
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	d := &recordingDeliverer{}
	p := &Pipeline{
		Normalizer: normalize.New(&normalize.WAVEncoder{}, normalize.WithMetrics(m)),
		FanOut:     transcribe.New(tr, transcribe.WithUnitTimeout(50*time.Millisecond), transcribe.WithMetrics(m)),
		Deliverer:  d,
	}

	pcm := make([]byte, audio.Discord.BytesFor(time.Second))
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}
	dir := t.TempDir()
	var pieces []types.Piece
	for _, who := range []types.Participant{alice, bob, carol} {
		seg := types.Segment{Participant: who, Seq: 1, PCM: pcm, Format: audio.Discord}
		pieces = append(pieces, p.Process(context.Background(), seg, dir)...)
	}

	failed := 0
	for _, pc := range pieces {
		if pc.Status == types.PieceFailed {
			failed++
			if pc.Participant.ID != carol.ID {
				t.Errorf("failed piece for %s, want only Carol", pc.Participant.ID)
			}
		}
	}
	if len(pieces) != 3 || failed != 1 {
		t.Fatalf("pieces = %d (failed %d), want 3 with 1 failed", len(pieces), failed)
	}

	out := testOutcome(pieces...)
	out.Participants = []types.Participant{alice, bob, carol}
	p.Finish(context.Background(), out)

	msgs := d.sent()
	if len(msgs) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(msgs))
	}
	want := "**Alice:** alice here\n\n**Bob:** bob here"
	if body := string(msgs[0].msg.File); !strings.HasSuffix(body, want) || strings.Contains(body, "Carol:") {
		t.Errorf("attachment = %q, want exactly the Alice and Bob sections", body)
	}
}

// ---- Finish ----

func TestPipeline_FinishDeliversAndArchives(t *testing.T) {
	t.Parallel()

	m := testMetrics(t)
	d := &recordingDeliverer{}
	store := archive.NewFileStore(t.TempDir())
	sum := &llmmock.Provider{CompleteResponse: &llm.Response{Content: "They greeted each other."}}
	p := &Pipeline{
		Corrector:  transcript.NewNameCorrector([]string{"Grimjaw"}),
		Summariser: summary.NewLLMSummariser(sum, "summarise", summary.WithMetrics(m)),
		Archive:    store,
		Deliverer:  d,
	}

	p.Finish(context.Background(), testOutcome(
		piece(bob, 1, "hi gremjaw"),
		piece(alice, 1, "hello bob"),
		types.Piece{Participant: bob, Seq: 2, Status: types.PieceFailed, Err: errors.New("timeout")},
	))

	msgs := d.sent()
	if len(msgs) != 2 {
		t.Fatalf("delivered %d messages, want 2: %+v", len(msgs), msgs)
	}
	for _, s := range msgs {
		if s.channelID != "text" {
			t.Errorf("delivered to %q, want text channel", s.channelID)
		}
	}

	file := msgs[0].msg
	if file.Content != "📝 **Transcript for:** <@1>, <@2>" {
		t.Errorf("transcript message = %q", file.Content)
	}
	if file.FileName != "transcript_20260501_183000.txt" {
		t.Errorf("FileName = %q", file.FileName)
	}
	wantBody := "**Alice:** hello Bob\n\n**Bob:** hi Grimjaw"
	if !strings.HasSuffix(string(file.File), wantBody) {
		t.Errorf("attachment = %q, want suffix %q", file.File, wantBody)
	}
	if !strings.HasPrefix(string(file.File), "Conversation transcript from 01.05.2026 18:30\n") {
		t.Errorf("attachment header = %q", file.File)
	}

	if got := msgs[1].msg.Content; got != "📋 **Conversation Summary:**\n\nThey greeted each other." {
		t.Errorf("summary message = %q", got)
	}
	// The summariser sees the unformatted, corrected transcript.
	if calls := sum.Calls(); len(calls) != 1 || calls[0].Req.Messages[0].Content != wantBody {
		t.Errorf("summariser input = %+v", calls)
	}

	recs, err := store.List(context.Background(), "guild", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 || recs[0].Transcript != wantBody {
		t.Errorf("archived = %+v", recs)
	}
}

func TestPipeline_FinishNoSpeech(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{}
	dir := t.TempDir()
	p := &Pipeline{Archive: archive.NewFileStore(dir), Deliverer: d}

	p.Finish(context.Background(), testOutcome(
		types.Piece{Participant: alice, Seq: 1, Status: types.PieceFailed},
		types.Piece{Participant: bob, Seq: 1, Status: types.PieceEmpty},
	))

	msgs := d.sent()
	if len(msgs) != 1 || msgs[0].msg.Content != "⚠️ Failed to get transcription" {
		t.Fatalf("messages = %+v", msgs)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Error("empty transcript was archived")
	}
}

func TestPipeline_FinishNoAudio(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{}
	dir := t.TempDir()
	p := &Pipeline{Archive: archive.NewFileStore(dir), Deliverer: d}

	out := testOutcome()
	out.Participants = nil
	p.Finish(context.Background(), out)

	msgs := d.sent()
	if len(msgs) != 1 || msgs[0].msg.Content != "⚠️ Failed to record audio" {
		t.Fatalf("messages = %+v", msgs)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Error("silent session was archived")
	}
}

func TestPipeline_FinishReformatFailureKeepsContent(t *testing.T) {
	t.Parallel()

	m := testMetrics(t)
	d := &recordingDeliverer{}
	sum := &llmmock.Provider{CompleteErr: errors.New("quota")}
	p := &Pipeline{
		Reformatter: transcript.NewReformatter(&llmmock.Provider{CompleteErr: errors.New("quota")}, "reformat",
			transcript.WithReformatMetrics(m)),
		Summariser: summary.NewLLMSummariser(sum, "", summary.WithMetrics(m)),
		Deliverer:  d,
	}

	p.Finish(context.Background(), testOutcome(piece(alice, 1, "one"), piece(alice, 2, "two")))

	msgs := d.sent()
	if len(msgs) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(msgs))
	}
	want := "**Alice:** [Part 1] one\n\n[Part 2] two"
	if !strings.HasSuffix(string(msgs[0].msg.File), want) {
		t.Errorf("attachment = %q, want suffix %q", msgs[0].msg.File, want)
	}
	if msgs[1].msg.Content != "⚠️ Failed to create conversation summary" {
		t.Errorf("summary message = %q", msgs[1].msg.Content)
	}
}

func TestPipeline_FinishDeliveryFailureStillArchives(t *testing.T) {
	t.Parallel()

	d := &recordingDeliverer{err: errors.New("missing permissions")}
	store := archive.NewFileStore(t.TempDir())
	sum := &llmmock.Provider{CompleteResponse: &llm.Response{Content: "s"}}
	p := &Pipeline{
		Summariser: summary.NewLLMSummariser(sum, "", summary.WithMetrics(testMetrics(t))),
		Archive:    store,
		Deliverer:  d,
	}

	p.Finish(context.Background(), testOutcome(piece(alice, 1, "hello")))

	if len(d.sent()) != 1 {
		t.Errorf("delivered %d messages after a failed transcript post, want 1", len(d.sent()))
	}
	if len(sum.Calls()) != 0 {
		t.Error("summary generated although the transcript could not be posted")
	}
	if recs, _ := store.List(context.Background(), "guild", 0); len(recs) != 1 {
		t.Errorf("archived %d records, want 1", len(recs))
	}
}
