package config

import (
	"slices"

	"github.com/MrWong99/echolex/internal/perf"
	"github.com/MrWong99/echolex/pkg/types"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (audio topology, backend selection) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	LanguageChanged bool
	NewLanguage     string

	ContextChanged bool
	NewContext     types.AppContext

	VocabularyChanged bool
	NewVocabulary     []string

	TargetsChanged bool
	NewTargets     perf.Targets
}

// Empty reports whether the diff carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged &&
		!d.LanguageChanged &&
		!d.ContextChanged &&
		!d.VocabularyChanged &&
		!d.TargetsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Recognition language
	if old.STT.Language != new.STT.Language {
		d.LanguageChanged = true
		d.NewLanguage = new.STT.Language
	}

	// Correction context
	if old.Context.Initial != new.Context.Initial || old.Context.Detail != new.Context.Detail {
		d.ContextChanged = true
		d.NewContext = new.Context.AppContext()
	}

	// Custom vocabulary
	if !slices.Equal(old.Context.Vocabulary, new.Context.Vocabulary) {
		d.VocabularyChanged = true
		d.NewVocabulary = new.Context.Vocabulary
	}

	// Latency targets
	if old.Perf.Targets.Resolve() != new.Perf.Targets.Resolve() {
		d.TargetsChanged = true
		d.NewTargets = new.Perf.Targets.Resolve()
	}

	return d
}
