package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Fields that can be applied live are reported individually; everything
// else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PromptsChanged is set when a prompt file path or temperature changed.
	// Prompt file contents are reloaded on every change regardless.
	PromptsChanged bool

	LanguageChanged bool
	NamesChanged    bool
	RotationChanged bool

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether any field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PromptsChanged || d.LanguageChanged ||
		d.NamesChanged || d.RotationChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	po, pn := old.Prompts, new.Prompts
	if po.ReformatFile != pn.ReformatFile || po.SummaryFile != pn.SummaryFile ||
		!floatPtrEqual(po.ReformatTemperature, pn.ReformatTemperature) ||
		!floatPtrEqual(po.SummaryTemperature, pn.SummaryTemperature) {
		d.PromptsChanged = true
	}

	d.LanguageChanged = old.Transcription.Language != new.Transcription.Language
	d.NamesChanged = !slices.Equal(old.Names, new.Names)
	d.RotationChanged = old.Recording.RotationInterval != new.Recording.RotationInterval

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Recording.WorkDir != new.Recording.WorkDir || old.Recording.ArchiveDir != new.Recording.ArchiveDir {
		d.RestartRequired = append(d.RestartRequired, "recording")
	}
	if old.Normalizer != new.Normalizer {
		d.RestartRequired = append(d.RestartRequired, "normalizer")
	}
	to, tn := old.Transcription, new.Transcription
	if to.UnitTimeout != tn.UnitTimeout || to.MaxConcurrency != tn.MaxConcurrency || !slices.Equal(to.Placeholders, tn.Placeholders) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}

	return d
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
