package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultRotationInterval          = 20 * time.Minute
	DefaultArchiveDir                = "transcripts"
	DefaultMinBytes                  = 1024
	DefaultMaxUnitDuration           = 10 * time.Minute
	DefaultMaxUnitBytes        int64 = 24 * 1024 * 1024
	DefaultBitrate                   = "64k"
	DefaultFFmpegPath                = "ffmpeg"
	DefaultLanguage                  = "ru"
	DefaultUnitTimeout               = 300 * time.Second
	DefaultReformatFile              = "transcript_prompt.md"
	DefaultSummaryFile               = "prompt.md"
	DefaultReformatTemperature       = 0.0
	DefaultSummaryTemperature        = 0.7
	DefaultLLMModel                  = "gpt-4o-mini"
	DefaultSTTModel                  = "whisper-1"
	DefaultProvider                  = "openai"
)

// ArchiveDisabled as recording.archive_dir turns the file archive off.
const ArchiveDisabled = "-"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "deepgram", "whisper", "whisper-native"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides and defaults applied. An empty path
// configures the bot from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadWithEnv(strings.NewReader(""), os.Getenv)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadWithEnv(f, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The process environment is not consulted, which keeps it
// deterministic in tests.
func LoadFromReader(r io.Reader) (*Config, error) {
	return LoadWithEnv(r, func(string) string { return "" })
}

// LoadWithEnv is [LoadFromReader] with the overrides of [ApplyEnv] read
// through getenv. An empty document is valid.
func LoadWithEnv(r io.Reader, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv reads KEY=value pairs from the given .env files into the process
// environment. Variables already set win. Missing files are ignored; with no
// arguments ".env" in the working directory is tried.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays the bot's environment variables onto cfg. Non-empty
// variables take precedence over YAML values. The OPENAI_* variables only
// touch provider entries that are (or default to) openai.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	isOpenAI := func(e ProviderEntry) bool { return e.Name == "" || e.Name == DefaultProvider }

	set(&cfg.Discord.Token, "DISCORD_TOKEN")
	set(&cfg.Transcription.Language, "SPEECH_LANG")
	set(&cfg.Prompts.SummaryFile, "SUMMARY_PROMPT")

	pr := &cfg.Providers
	if isOpenAI(pr.LLM) {
		set(&pr.LLM.Model, "OPENAI_MODEL")
		set(&pr.LLM.APIKey, "OPENAI_API_KEY")
	}
	if isOpenAI(pr.STT) {
		set(&pr.STT.Model, "OPENAI_TRANSCRIBE_MODEL")
		if pr.STT.APIKey == "" {
			set(&pr.STT.APIKey, "OPENAI_API_KEY")
		}
	}
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Recording.RotationInterval == 0 {
		cfg.Recording.RotationInterval = DefaultRotationInterval
	}
	if cfg.Recording.WorkDir == "" {
		cfg.Recording.WorkDir = os.TempDir()
	}
	if cfg.Recording.ArchiveDir == "" {
		cfg.Recording.ArchiveDir = DefaultArchiveDir
	}

	n := &cfg.Normalizer
	if n.Encoder == "" {
		n.Encoder = EncoderMP3
		if cfg.Providers.STT.Name == "whisper-native" {
			n.Encoder = EncoderWAV
		}
	}
	if n.MinBytes == 0 {
		n.MinBytes = DefaultMinBytes
	}
	if n.MaxUnitDuration == 0 {
		n.MaxUnitDuration = DefaultMaxUnitDuration
	}
	if n.MaxUnitBytes == 0 {
		n.MaxUnitBytes = DefaultMaxUnitBytes
	}
	if n.Bitrate == "" {
		n.Bitrate = DefaultBitrate
	}
	if n.FFmpegPath == "" {
		n.FFmpegPath = DefaultFFmpegPath
	}

	if cfg.Transcription.Language == "" {
		cfg.Transcription.Language = DefaultLanguage
	}
	if cfg.Transcription.UnitTimeout == 0 {
		cfg.Transcription.UnitTimeout = DefaultUnitTimeout
	}

	p := &cfg.Prompts
	if p.ReformatFile == "" {
		p.ReformatFile = DefaultReformatFile
	}
	if p.SummaryFile == "" {
		p.SummaryFile = DefaultSummaryFile
	}
	if p.ReformatTemperature == nil {
		p.ReformatTemperature = ptr(DefaultReformatTemperature)
	}
	if p.SummaryTemperature == nil {
		p.SummaryTemperature = ptr(DefaultSummaryTemperature)
	}

	pr := &cfg.Providers
	if pr.STT.Name == "" {
		pr.STT.Name = DefaultProvider
	}
	if pr.STT.Name == DefaultProvider && pr.STT.Model == "" {
		pr.STT.Model = DefaultSTTModel
	}
	if pr.LLM.Name == "" {
		pr.LLM.Name = DefaultProvider
	}
	if pr.LLM.Name == DefaultProvider && pr.LLM.Model == "" {
		pr.LLM.Model = DefaultLLMModel
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required (or set DISCORD_TOKEN)"))
	}

	// Recording
	if cfg.Recording.RotationInterval < 0 {
		errs = append(errs, fmt.Errorf("recording.rotation_interval %s must not be negative", cfg.Recording.RotationInterval))
	} else if cfg.Recording.RotationInterval > 0 && cfg.Recording.RotationInterval < time.Second {
		errs = append(errs, fmt.Errorf("recording.rotation_interval %s is below the 1s minimum", cfg.Recording.RotationInterval))
	}

	// Normalizer
	n := cfg.Normalizer
	if n.Encoder != "" && !n.Encoder.IsValid() {
		errs = append(errs, fmt.Errorf("normalizer.encoder %q is invalid; valid values: mp3, wav", n.Encoder))
	}
	if n.MinBytes < 0 {
		errs = append(errs, fmt.Errorf("normalizer.min_bytes %d must not be negative", n.MinBytes))
	}
	if n.MaxUnitDuration < 0 {
		errs = append(errs, fmt.Errorf("normalizer.max_unit_duration %s must not be negative", n.MaxUnitDuration))
	}
	if n.MaxUnitBytes < 0 {
		errs = append(errs, fmt.Errorf("normalizer.max_unit_bytes %d must not be negative", n.MaxUnitBytes))
	}
	if n.GateThreshold < 0 || n.GateThreshold > 32767 {
		errs = append(errs, fmt.Errorf("normalizer.gate_threshold %d is out of range [0, 32767]", n.GateThreshold))
	}
	if n.SilenceRMS < 0 {
		errs = append(errs, fmt.Errorf("normalizer.silence_rms %.2f must not be negative", n.SilenceRMS))
	}

	// Transcription
	if cfg.Transcription.UnitTimeout < 0 {
		errs = append(errs, fmt.Errorf("transcription.unit_timeout %s must not be negative", cfg.Transcription.UnitTimeout))
	}
	if cfg.Transcription.MaxConcurrency < 0 {
		errs = append(errs, fmt.Errorf("transcription.max_concurrency %d must not be negative", cfg.Transcription.MaxConcurrency))
	}

	// Prompts
	for name, t := range map[string]*float64{
		"prompts.reformat_temperature": cfg.Prompts.ReformatTemperature,
		"prompts.summary_temperature":  cfg.Prompts.SummaryTemperature,
	} {
		if t != nil && (*t < 0 || *t > 2) {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 2]", name, *t))
		}
	}

	// Providers
	errs = append(errs, validateEntry("providers.stt", "stt", cfg.Providers.STT)...)
	errs = append(errs, validateEntry("providers.llm", "llm", cfg.Providers.LLM)...)
	for i, e := range cfg.Providers.STTFallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("providers.stt_fallbacks[%d]", i), "stt", e)...)
	}
	for i, e := range cfg.Providers.LLMFallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("providers.llm_fallbacks[%d]", i), "llm", e)...)
	}

	if cfg.Providers.STT.Name == "whisper-native" && n.Encoder == EncoderMP3 {
		errs = append(errs, errors.New("providers.stt whisper-native reads WAV only; set normalizer.encoder to wav"))
	}

	// Names
	seen := make(map[string]int, len(cfg.Names))
	for i, name := range cfg.Names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			errs = append(errs, fmt.Errorf("names[%d] is empty", i))
			continue
		}
		if prev, ok := seen[key]; ok {
			slog.Warn("duplicate glossary name", "name", name, "index", i, "first", prev)
			continue
		}
		seen[key] = i
	}

	if cfg.Archive.PostgresDSN == "" && cfg.Recording.ArchiveDir == ArchiveDisabled {
		slog.Warn("no transcript archive configured; transcripts are only posted to Discord")
	}

	return errors.Join(errs...)
}

func validateEntry(field, kind string, e ProviderEntry) []error {
	if e.Name == "" {
		return []error{fmt.Errorf("%s.name is required", field)}
	}
	validateProviderName(kind, e.Name)
	if e.Name == "openai" && e.APIKey == "" {
		return []error{fmt.Errorf("%s: provider openai requires api_key (or set OPENAI_API_KEY)", field)}
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

func ptr[T any](v T) *T { return &v }
