package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxlog/internal/observe"
	"github.com/MrWong99/voxlog/pkg/audio"
	"github.com/MrWong99/voxlog/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Seal reasons used as metric labels.
const (
	sealRotation = "rotation"
	sealStop     = "stop"
)

// Sentinel errors returned by [Session] and [Manager].
var (
	// ErrNotRecording is returned when stopping a session that already left
	// the recording state.
	ErrNotRecording = errors.New("recording: session is not recording")

	// ErrSessionActive is returned when starting a session for a guild that
	// already has one.
	ErrSessionActive = errors.New("recording: a session is already active")

	// ErrNoSession is returned when no session exists for a guild.
	ErrNoSession = errors.New("recording: no active session")
)

// State is the lifecycle state of a [Session].
type State int

const (
	// StateRecording accepts audio and rotates segments.
	StateRecording State = iota

	// StateStopping drains capture and outstanding rotation work.
	StateStopping

	// StateClosed is terminal; all resources are released.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Processor turns one sealed segment into transcript pieces. It runs off the
// ingest path and may block on encoding and network I/O. Implementations
// must be safe for concurrent use.
type Processor interface {
	Process(ctx context.Context, seg types.Segment, workDir string) []types.Piece
}

// Finisher receives a session's outcome once every segment has been
// processed. Delivery failures are the finisher's to log; the session does
// not retry.
type Finisher interface {
	Finish(ctx context.Context, out Outcome)
}

// Info identifies a session and where its results go.
type Info struct {
	SessionID     string
	GuildID       string
	ChannelID     string
	TextChannelID string
	StartedBy     string
	StartedAt     time.Time
}

// Outcome is everything a session produced.
type Outcome struct {
	Info      Info
	StoppedAt time.Time

	// Participants is every identity seen, in first-appearance order.
	Participants []types.Participant

	// Pieces holds all transcription outcomes in completion order.
	Pieces []types.Piece

	// Segments counts every segment sealed during the session. Zero means
	// no audio was captured at all.
	Segments int

	// Forced is set when the transport dropped and the session stopped on
	// its own; Cause carries the transport error.
	Forced bool
	Cause  error
}

// Status is a point-in-time view of a session for status reporting.
type Status struct {
	Info          Info
	State         State
	Elapsed       time.Duration
	Participants  int
	BufferedBytes int
	Rotations     int
	Pieces        int
}

// sessionConfig carries the dependencies of a [Session].
type sessionConfig struct {
	info      Info
	workDir   string
	capture   audio.Capture
	processor Processor
	finisher  Finisher
	interval  time.Duration
	metrics   *observe.Metrics

	// onStop runs once the voice connection is released, before the final
	// flush; onClose runs when the session is closed.
	onStop  func()
	onClose func()
}

// Session records one voice channel. It owns the identity resolver, the
// speaker buffers and the rotator; every mutation of that state happens
// under mu, so the ingest path and seal events never interleave for the
// same participant.
//
// All exported methods are safe for concurrent use.
type Session struct {
	info      Info
	workDir   string
	capture   audio.Capture
	processor Processor
	finisher  Finisher
	metrics   *observe.Metrics
	onStop    func()
	onClose   func()
	rotator   *Rotator

	// ctx outlives the request that started the session; rotation work
	// runs under it.
	ctx context.Context
	log *slog.Logger

	mu       sync.Mutex
	state    State
	resolver *Resolver
	buffers  *Buffers
	pieces   []types.Piece
	segments int
	invalid  int
	forced   bool
	cause    error
	outcome  Outcome

	jobs       sync.WaitGroup
	ingestDone chan struct{}
	closed     chan struct{}
}

func newSession(cfg sessionConfig) *Session {
	ctx := observe.WithSession(context.Background(), observe.SessionInfo{
		SessionID: cfg.info.SessionID,
		GuildID:   cfg.info.GuildID,
		ChannelID: cfg.info.ChannelID,
	})
	s := &Session{
		info:       cfg.info,
		workDir:    cfg.workDir,
		capture:    cfg.capture,
		processor:  cfg.processor,
		finisher:   cfg.finisher,
		metrics:    cfg.metrics,
		onStop:     cfg.onStop,
		onClose:    cfg.onClose,
		ctx:        ctx,
		log:        observe.Logger(ctx),
		resolver:   NewResolver(),
		buffers:    NewBuffers(audio.Discord),
		ingestDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	s.rotator = NewRotator(cfg.interval, s.rotate)
	return s
}

// start launches the ingest loop and arms the rotator.
func (s *Session) start() {
	s.metrics.ActiveSessions.Add(s.ctx, 1)
	go s.ingest()
	s.rotator.Start()
	s.log.Info("recording started", "work_dir", s.workDir)
}

// Info returns the session's identity.
func (s *Session) Info() Info { return s.info }

// Done is closed once the session reached [StateClosed].
func (s *Session) Done() <-chan struct{} { return s.closed }

// Outcome returns the final outcome. It is only meaningful after Done is
// closed.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for status reporting.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Info:          s.info,
		State:         s.state,
		Elapsed:       time.Since(s.info.StartedAt),
		Participants:  len(s.resolver.Participants()),
		BufferedBytes: s.buffers.Total() + s.resolver.PendingBytes(),
		Rotations:     s.rotator.Rotations(),
		Pieces:        len(s.pieces),
	}
}

// Stop ends the recording: it cancels rotation, leaves the voice channel,
// seals and processes everything captured, waits for outstanding rotation
// work and hands the outcome to the finisher. It blocks until the session is
// closed and returns [ErrNotRecording] if the session was already stopping.
func (s *Session) Stop(ctx context.Context) error {
	return s.stop(ctx, nil)
}

func (s *Session) stop(ctx context.Context, cause error) error {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return ErrNotRecording
	}
	s.state = StateStopping
	s.forced = cause != nil
	s.cause = cause
	s.mu.Unlock()

	defer s.close()

	s.rotator.Stop()
	if err := s.capture.Disconnect(); err != nil {
		s.log.Warn("voice disconnect failed", "error", err)
	}
	// Capture channels close on disconnect; frames already queued are still
	// ingested before the final seal.
	<-s.ingestDone
	if s.onStop != nil {
		s.onStop()
	}

	s.mu.Lock()
	segs := s.sealLocked(true)
	if len(segs) > 0 {
		s.jobs.Add(1)
	}
	s.mu.Unlock()

	if len(segs) > 0 {
		s.process(segs, sealStop)
	}
	s.jobs.Wait()

	s.mu.Lock()
	s.outcome = Outcome{
		Info:         s.info,
		StoppedAt:    time.Now(),
		Participants: s.resolver.Participants(),
		Pieces:       slices.Clone(s.pieces),
		Segments:     s.segments,
		Forced:       s.forced,
		Cause:        s.cause,
	}
	out := s.outcome
	s.mu.Unlock()

	s.log.Info("recording stopped",
		"forced", out.Forced,
		"participants", len(out.Participants),
		"pieces", len(out.Pieces),
		"dropped_invalid_frames", s.invalid,
	)

	if s.finisher != nil {
		s.finisher.Finish(observe.WithSession(ctx, observe.SessionInfo{
			SessionID: s.info.SessionID,
			GuildID:   s.info.GuildID,
			ChannelID: s.info.ChannelID,
		}), out)
	}
	return nil
}

// close releases session resources. It runs on every exit path of stop.
func (s *Session) close() {
	if err := os.RemoveAll(s.workDir); err != nil {
		s.log.Warn("failed to remove work dir", "work_dir", s.workDir, "error", err)
	}

	s.mu.Lock()
	s.state = StateClosed
	participants := len(s.resolver.Participants())
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(s.ctx, -1)
	s.metrics.ActiveParticipants.Add(s.ctx, -int64(participants))
	if s.onClose != nil {
		s.onClose()
	}
	close(s.closed)
}

// ingest is the single consumer of the capture. It runs until both capture
// channels are closed; if that happens while still recording, the transport
// went away and the session stops itself.
func (s *Session) ingest() {
	defer close(s.ingestDone)

	frames := s.capture.Frames()
	speakers := s.capture.Speakers()
	for frames != nil || speakers != nil {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			s.ingestFrame(f)
		case ev, ok := <-speakers:
			if !ok {
				speakers = nil
				continue
			}
			s.ingestSpeaker(ev)
		}
	}

	if s.State() != StateRecording {
		return
	}
	cause := s.capture.Err()
	if cause == nil {
		cause = audio.ErrDisconnected
	}
	s.log.Warn("voice transport lost, stopping session", "error", cause)
	go func() {
		if err := s.stop(s.ctx, cause); err != nil && !errors.Is(err, ErrNotRecording) {
			s.log.Error("forced stop failed", "error", err)
		}
	}()
}

func (s *Session) ingestFrame(f audio.Frame) {
	pcm := f.PCM
	if f.Format != (audio.Format{}) && f.Format != audio.Discord {
		pcm = audio.Convert(pcm, f.Format, audio.Discord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, res := s.resolver.Resolve(f.SSRC, nil)
	switch res {
	case Invalid:
		s.invalid++
	case Pending:
		s.resolver.Hold(f.SSRC, pcm)
	case Resolved:
		s.buffers.Append(p, pcm)
	}
}

func (s *Session) ingestSpeaker(ev audio.SpeakerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.resolver.Participants())
	p, held := s.resolver.Bind(ev.SSRC, types.Participant{ID: ev.UserID, DisplayName: ev.Username})
	if p.ID == "" {
		return
	}
	for _, pcm := range held {
		s.buffers.Append(p, pcm)
	}
	if after := len(s.resolver.Participants()); after > before {
		s.metrics.ActiveParticipants.Add(s.ctx, int64(after-before))
		s.log.Debug("speaker identified", "ssrc", ev.SSRC, "user_id", p.ID, "name", p.DisplayName, "promoted_frames", len(held))
	}
}

// rotate is the rotator callback. Sealing happens synchronously under the
// session lock; processing of the sealed segments runs in the background.
func (s *Session) rotate() {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return
	}
	segs := s.sealLocked(false)
	if len(segs) > 0 {
		s.jobs.Add(1)
	}
	s.mu.Unlock()

	s.metrics.Rotations.Add(s.ctx, 1)
	s.log.Info("segment rotation", "segments", len(segs))
	if len(segs) > 0 {
		go s.process(segs, sealRotation)
	}
}

// sealLocked seals every open buffer. Audio still waiting for an identity
// stays held across rotations, since the event may yet arrive; only the
// final seal attributes it to synthetic participants. Must be called with
// s.mu held.
func (s *Session) sealLocked(final bool) []types.Segment {
	if !final {
		segs := s.buffers.SealAll()
		s.segments += len(segs)
		return segs
	}
	before := len(s.resolver.Participants())
	for _, o := range s.resolver.Orphans() {
		s.log.Warn("audio without speaker identity, attributing to synthetic participant",
			"ssrc", o.SSRC, "participant", o.Participant.ID, "frames", len(o.Frames))
		for _, pcm := range o.Frames {
			s.buffers.Append(o.Participant, pcm)
		}
	}
	if after := len(s.resolver.Participants()); after > before {
		s.metrics.ActiveParticipants.Add(s.ctx, int64(after-before))
	}
	segs := s.buffers.SealAll()
	s.segments += len(segs)
	return segs
}

// process runs the processor on every segment concurrently, collects the
// pieces and marks one job done.
func (s *Session) process(segs []types.Segment, reason string) {
	defer s.jobs.Done()

	var g errgroup.Group
	for _, seg := range segs {
		s.metrics.RecordSegmentSealed(s.ctx, reason, seg.Size())
		g.Go(func() error {
			pieces := s.processor.Process(s.ctx, seg, s.workDir)
			s.mu.Lock()
			s.pieces = append(s.pieces, pieces...)
			s.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// String implements fmt.Stringer for log output.
func (s *Session) String() string {
	return fmt.Sprintf("session %s (guild %s, channel %s)", s.info.SessionID, s.info.GuildID, s.info.ChannelID)
}
