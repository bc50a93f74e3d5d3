// Package recording implements the capture side of voxlog: resolving stream
// sources to speakers, buffering their audio per rotation segment and
// driving each session through Recording → Stopping → Closed.
//
// A [Manager] owns one [Session] per guild (Discord allows a single voice
// connection per guild). Sessions share no mutable state and run fully in
// parallel.
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
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// StartParams describes a session to start.
type StartParams struct {
	GuildID       string
	ChannelID     string
	TextChannelID string
	StartedBy     string
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	Platform  audio.Platform
	Processor Processor
	Finisher  Finisher

	// RotationInterval bounds segment length. Defaults to
	// [DefaultRotationInterval].
	RotationInterval time.Duration

	// WorkDir is the parent of per-session working directories. Defaults
	// to the OS temp directory.
	WorkDir string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager manages the lifecycle of recording sessions, at most one
// recording per guild. A stopped session leaves the guild free as soon as
// its voice connection is released; its transcript keeps processing in the
// background. All exported methods are safe for concurrent use.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session // recording, keyed by guild ID
	starting map[string]struct{} // guilds with a voice join in flight
	draining map[*Session]struct{}
	interval time.Duration
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		starting: make(map[string]struct{}),
		draining: make(map[*Session]struct{}),
		interval: cfg.RotationInterval,
	}
}

// SetRotationInterval changes the interval used by sessions started from
// now on. Running sessions keep their interval.
func (m *Manager) SetRotationInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
}

// Start joins the voice channel and begins recording. It returns
// [ErrSessionActive] if the guild already has a session or one is being
// started. The guild is reserved while joining, so other guilds are not
// blocked by a slow voice connection.
func (m *Manager) Start(ctx context.Context, p StartParams) (*Session, error) {
	interval, err := m.reserve(p.GuildID)
	if err != nil {
		return nil, err
	}

	s, err := m.open(ctx, p, interval)

	m.mu.Lock()
	delete(m.starting, p.GuildID)
	if err == nil {
		m.sessions[p.GuildID] = s
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.start()
	slog.Info("session started",
		"session_id", s.info.SessionID,
		"guild_id", s.info.GuildID,
		"channel_id", s.info.ChannelID,
		"started_by", s.info.StartedBy,
	)
	return s, nil
}

// reserve claims the guild for a new session and returns the rotation
// interval to use.
func (m *Manager) reserve(guildID string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[guildID]; ok {
		return 0, fmt.Errorf("%w (id=%s)", ErrSessionActive, existing.info.SessionID)
	}
	if _, ok := m.starting[guildID]; ok {
		return 0, fmt.Errorf("%w (joining)", ErrSessionActive)
	}
	m.starting[guildID] = struct{}{}
	return m.interval, nil
}

// open creates the session's working directory and joins the voice channel.
func (m *Manager) open(ctx context.Context, p StartParams, interval time.Duration) (*Session, error) {
	info := Info{
		SessionID:     uuid.NewString(),
		GuildID:       p.GuildID,
		ChannelID:     p.ChannelID,
		TextChannelID: p.TextChannelID,
		StartedBy:     p.StartedBy,
		StartedAt:     time.Now(),
	}

	if err := os.MkdirAll(m.cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create work dir: %w", err)
	}
	workDir, err := os.MkdirTemp(m.cfg.WorkDir, "session-"+info.SessionID+"-")
	if err != nil {
		return nil, fmt.Errorf("recording: create session dir: %w", err)
	}

	capture, err := m.cfg.Platform.Connect(ctx, p.GuildID, p.ChannelID)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("recording: connect to voice channel: %w", err)
	}

	var s *Session
	s = newSession(sessionConfig{
		info:      info,
		workDir:   workDir,
		capture:   capture,
		processor: m.cfg.Processor,
		finisher:  m.cfg.Finisher,
		interval:  interval,
		metrics:   m.cfg.Metrics,
		onStop:    func() { m.release(s) },
		onClose:   func() { m.remove(s) },
	})
	return s, nil
}

// Stop stops the guild's session and blocks until its outcome has been
// delivered. Returns [ErrNoSession] if none is recording.
func (m *Manager) Stop(ctx context.Context, guildID string) error {
	s, ok := m.Get(guildID)
	if !ok {
		return ErrNoSession
	}
	return s.Stop(ctx)
}

// Get returns the guild's recording session. A session that is stopping
// is no longer returned.
func (m *Manager) Get(guildID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[guildID]
	return s, ok
}

// List returns status snapshots of all recording sessions ordered by start
// time.
func (m *Manager) List() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	slices.SortFunc(out, func(a, b Status) int {
		return a.Info.StartedAt.Compare(b.Info.StartedAt)
	})
	return out
}

// Shutdown stops every recording session concurrently so each one still
// flushes its transcript, and waits for sessions already stopping. It
// returns ctx.Err() if the deadline passes first; sessions keep finishing in
// the background.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	recording := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		recording = append(recording, s)
	}
	stopping := make([]*Session, 0, len(m.draining))
	for s := range m.draining {
		stopping = append(stopping, s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range recording {
		g.Go(func() error {
			if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotRecording) {
				return err
			}
			<-s.Done()
			return nil
		})
	}
	for _, s := range stopping {
		g.Go(func() error {
			<-s.Done()
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release frees the guild of a stopping session. A newer session for the
// same guild is left alone.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.info.GuildID]; ok && cur == s {
		delete(m.sessions, s.info.GuildID)
	}
	m.draining[s] = struct{}{}
}

// remove forgets a closed session.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.info.GuildID]; ok && cur == s {
		delete(m.sessions, s.info.GuildID)
	}
	delete(m.draining, s)
}
