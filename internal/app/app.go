// Package app wires all voxlog subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the bot and the HTTP endpoints, and Shutdown
// stops every recording (flushing its transcript) before tearing
// everything down in order.
//
// For testing, inject implementations via functional options (WithBot,
// WithProviders, WithArchive, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlog/internal/archive"
	"github.com/MrWong99/voxlog/internal/archive/postgres"
	"github.com/MrWong99/voxlog/internal/config"
	"github.com/MrWong99/voxlog/internal/discord"
	"github.com/MrWong99/voxlog/internal/discord/commands"
	"github.com/MrWong99/voxlog/internal/health"
	"github.com/MrWong99/voxlog/internal/normalize"
	"github.com/MrWong99/voxlog/internal/observe"
	"github.com/MrWong99/voxlog/internal/recording"
	"github.com/MrWong99/voxlog/internal/summary"
	"github.com/MrWong99/voxlog/internal/transcribe"
	"github.com/MrWong99/voxlog/internal/transcript"
	"github.com/MrWong99/voxlog/pkg/audio"
)

// ShutdownTimeout bounds [App.Shutdown] when the caller's context has no
// deadline.
const ShutdownTimeout = 15 * time.Second

// Bot is the chat-platform surface the app drives. [*discord.Bot]
// implements it.
type Bot interface {
	commands.Gateway
	Platform() audio.Platform
	Deliverer() *discord.ChannelDeliverer
	Router() *discord.CommandRouter
	Permissions() *discord.PermissionChecker
	Check(ctx context.Context) error
	Run(ctx context.Context) error
	Close() error
}

var _ Bot = (*discord.Bot)(nil)

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	configPath string
	level      *slog.LevelVar

	// Subsystems: initialised in New, torn down in Shutdown.
	providers *Providers
	metrics   *observe.Metrics
	archive   archive.Store
	bot       Bot
	pipeline  *Pipeline
	manager   *recording.Manager
	commands  *commands.RecordingCommands
	health    *health.Handler
	server    *http.Server

	mu      sync.Mutex
	watcher *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBot injects the chat platform instead of connecting to Discord.
func WithBot(b Bot) Option {
	return func(a *App) { a.bot = b }
}

// WithProviders injects providers instead of building them from the
// registry.
func WithProviders(p *Providers) Option {
	return func(a *App) { a.providers = p }
}

// WithArchive injects the transcript archive instead of creating one from
// config.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.archive = s }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigPath enables hot reload of the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLogLevel lets config reloads adjust the level of the default logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. New performs all
// initialisation synchronously: provider creation, archive connection,
// pipeline assembly, Discord login and command registration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Providers ─────────────────────────────────────────────────────
	if a.providers == nil {
		reg := config.NewRegistry()
		RegisterBuiltinProviders(reg)
		ps, err := BuildProviders(cfg, reg, a.metrics)
		if err != nil {
			return nil, fmt.Errorf("app: init providers: %w", err)
		}
		a.providers = ps
		a.closers = append(a.closers, ps.Close)
	}

	// ── 2. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Processing pipeline ───────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. Discord ───────────────────────────────────────────────────────
	if a.bot == nil {
		bot, err := discord.New(ctx, discord.Config{
			Token:   cfg.Discord.Token,
			GuildID: cfg.Discord.GuildID,
			RoleID:  cfg.Discord.DMRoleID,
		})
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init discord: %w", err)
		}
		a.bot = bot
	}
	// The bot closes after sessions are stopped so their results can still
	// be posted.
	a.closers = append([]func() error{a.bot.Close}, a.closers...)
	a.pipeline.Deliverer = a.bot.Deliverer()

	// ── 5. Sessions + commands ───────────────────────────────────────────
	a.manager = recording.NewManager(recording.ManagerConfig{
		Platform:         a.bot.Platform(),
		Processor:        a.pipeline,
		Finisher:         a.pipeline,
		RotationInterval: cfg.Recording.RotationInterval,
		WorkDir:          cfg.Recording.WorkDir,
		Metrics:          a.metrics,
	})
	a.commands = commands.NewRecordingCommands(ctx, a.manager, a.bot, a.bot.Permissions())
	a.commands.Register(a.bot.Router())

	// ── 6. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{{Name: "discord", Check: a.bot.Check}}
	if p, ok := a.archive.(archive.Pinger); ok {
		checkers = append(checkers, health.Checker{Name: "archive", Check: p.Ping})
	}
	a.health = health.New(checkers...).WithStatus(a.status)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initArchive sets up the file and PostgreSQL transcript stores.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive != nil {
		return nil
	}

	var stores archive.Multi
	if dir := a.cfg.Recording.ArchiveDir; dir != config.ArchiveDisabled && dir != "" {
		stores = append(stores, archive.NewFileStore(dir))
		slog.Info("archiving transcripts to directory", "dir", dir)
	}
	if dsn := a.cfg.Archive.PostgresDSN; dsn != "" {
		pg, err := postgres.Open(ctx, dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		stores = append(stores, pg)
		slog.Info("archiving transcripts to postgres")
	}

	switch len(stores) {
	case 0:
		// Nothing is archived; transcripts only go to the channel.
	case 1:
		a.archive = stores[0]
	default:
		a.archive = stores
	}
	return nil
}

// initPipeline builds the normaliser, fan-out and post-processing stages.
func (a *App) initPipeline() error {
	cfg := a.cfg
	nc := cfg.Normalizer

	var enc normalize.Encoder
	switch nc.Encoder {
	case config.EncoderWAV:
		enc = &normalize.WAVEncoder{}
	default:
		mp3 := &normalize.MP3Encoder{FFmpegPath: nc.FFmpegPath, Bitrate: nc.Bitrate}
		if !mp3.FFmpegAvailable() {
			return fmt.Errorf("ffmpeg not found at %q (required for the mp3 encoder)", nc.FFmpegPath)
		}
		enc = mp3
	}
	normOpts := []normalize.Option{
		normalize.WithMinBytes(nc.MinBytes),
		normalize.WithMaxUnitDuration(nc.MaxUnitDuration),
		normalize.WithMaxUnitBytes(nc.MaxUnitBytes),
		normalize.WithMetrics(a.metrics),
	}
	if nc.GateThreshold > 0 || nc.SilenceRMS > 0 {
		normOpts = append(normOpts, normalize.WithNoiseGate(nc.GateThreshold, nc.SilenceRMS))
	}

	tc := cfg.Transcription
	fanOut := transcribe.New(a.providers.STT,
		transcribe.WithLanguage(tc.Language),
		transcribe.WithHints(cfg.Names),
		transcribe.WithUnitTimeout(tc.UnitTimeout),
		transcribe.WithMaxConcurrency(tc.MaxConcurrency),
		transcribe.WithPlaceholders(tc.Placeholders...),
		transcribe.WithMetrics(a.metrics),
	)

	reformatPrompt, summaryPrompt := loadPrompts(cfg.Prompts)
	var reformatOpts []transcript.ReformatOption
	if t := cfg.Prompts.ReformatTemperature; t != nil {
		reformatOpts = append(reformatOpts, transcript.WithReformatTemperature(*t))
	}
	reformatOpts = append(reformatOpts, transcript.WithReformatMetrics(a.metrics))

	summaryOpts := []summary.Option{summary.WithMetrics(a.metrics)}
	if t := cfg.Prompts.SummaryTemperature; t != nil {
		summaryOpts = append(summaryOpts, summary.WithTemperature(*t))
	}

	a.pipeline = &Pipeline{
		Normalizer:  normalize.New(enc, normOpts...),
		FanOut:      fanOut,
		Corrector:   transcript.NewNameCorrector(cfg.Names),
		Reformatter: transcript.NewReformatter(a.providers.LLM, reformatPrompt, reformatOpts...),
		Summariser:  summary.NewLLMSummariser(a.providers.LLM, summaryPrompt, summaryOpts...),
		Archive:     a.archive,
	}
	return nil
}

// loadPrompts reads the prompt files. A missing reformat prompt disables
// reformatting; a missing summary prompt selects [summary.DefaultPrompt].
func loadPrompts(pc config.PromptsConfig) (reformat, summarise string) {
	return readPrompt("reformat", pc.ReformatFile), readPrompt("summary", pc.SummaryFile)
}

func readPrompt(kind, path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("prompt file not found", "kind", kind, "path", path)
		} else {
			slog.Error("failed to read prompt file", "kind", kind, "path", path, "err", err)
		}
		return ""
	}
	return string(b)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the bot and the HTTP endpoints and blocks until ctx is
// cancelled or either of them fails.
func (a *App) Run(ctx context.Context) error {
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			a.mu.Lock()
			a.watcher = w
			a.mu.Unlock()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.bot.Run(gctx)
	})

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	return g.Wait()
}

// Handler returns the HTTP handler serving metrics and health endpoints.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Manager returns the recording session manager.
func (a *App) Manager() *recording.Manager {
	return a.manager
}

// sessionStatus is the /statusz view of one recording.
type sessionStatus struct {
	SessionID     string    `json:"session_id"`
	GuildID       string    `json:"guild_id"`
	ChannelID     string    `json:"channel_id"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	ElapsedSec    float64   `json:"elapsed_seconds"`
	Participants  int       `json:"participants"`
	BufferedBytes int       `json:"buffered_bytes"`
	Rotations     int       `json:"rotations"`
	Pieces        int       `json:"pieces"`
}

func (a *App) status(context.Context) any {
	all := a.manager.List()
	out := struct {
		Guilds   int             `json:"guilds"`
		Online   bool            `json:"online"`
		Sessions []sessionStatus `json:"sessions"`
	}{
		Guilds:   a.bot.GuildCount(),
		Online:   a.bot.Ready(),
		Sessions: make([]sessionStatus, 0, len(all)),
	}
	for _, st := range all {
		out.Sessions = append(out.Sessions, sessionStatus{
			SessionID:     st.Info.SessionID,
			GuildID:       st.Info.GuildID,
			ChannelID:     st.Info.ChannelID,
			State:         st.State.String(),
			StartedAt:     st.Info.StartedAt,
			ElapsedSec:    st.Elapsed.Seconds(),
			Participants:  st.Participants,
			BufferedBytes: st.BufferedBytes,
			Rotations:     st.Rotations,
			Pieces:        st.Pieces,
		})
	}
	return out
}

// applyConfig applies the live-reloadable parts of a changed config.
func (a *App) applyConfig(old, cfg *config.Config) {
	d := config.Diff(old, cfg)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LevelFor(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	// Prompt file contents may change without the config file changing.
	reformat, summarise := loadPrompts(cfg.Prompts)
	a.pipeline.Reformatter.SetPrompt(reformat)
	if s, ok := a.pipeline.Summariser.(*summary.LLMSummariser); ok {
		s.SetPrompt(summarise)
	}

	if d.LanguageChanged {
		a.pipeline.FanOut.SetLanguage(cfg.Transcription.Language)
		slog.Info("transcription language changed", "language", cfg.Transcription.Language)
	}
	if d.NamesChanged {
		a.pipeline.Corrector.SetGlossary(cfg.Names)
		a.pipeline.FanOut.SetHints(cfg.Names)
		slog.Info("name glossary changed", "names", len(cfg.Names))
	}
	if d.RotationChanged {
		a.manager.SetRotationInterval(cfg.Recording.RotationInterval)
		slog.Info("rotation interval changed", "interval", cfg.Recording.RotationInterval)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// LevelFor maps a config log level to its slog level.
func LevelFor(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops every recording, waiting for its transcript to be
// delivered, then tears down all subsystems. It respects the context
// deadline: if ctx expires first, remaining closers are skipped and the
// context error is returned. Without a deadline [ShutdownTimeout] applies.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, ShutdownTimeout)
			defer cancel()
		}

		a.mu.Lock()
		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.mu.Unlock()

		slog.Info("shutting down", "sessions", len(a.manager.List()), "closers", len(a.closers))
		if serr := a.manager.Shutdown(ctx); serr != nil {
			slog.Warn("sessions did not stop cleanly", "err", serr)
			err = serr
		}

		for i, closer := range a.closers {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				err = ctx.Err()
				return
			}
			if cerr := closer(); cerr != nil {
				slog.Warn("shutdown closer error", "index", i, "err", cerr)
			}
		}
	})
	return err
}

// closeAll runs the closers registered so far; used when New fails midway.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
