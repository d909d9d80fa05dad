package resilience

import (
	"context"

	"github.com/MrWong99/echolex/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across
// recognition backends. Each backend has its own circuit breaker, so a
// backend that repeatedly fails to open streams is skipped until its reset
// timeout elapses.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var (
	_ stt.Provider       = (*STTFallback)(nil)
	_ stt.OfflineCapable = (*STTFallback)(nil)
)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognition backend. Fallbacks are
// tried in registration order, after the primary.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a streaming transcription session against the first
// healthy backend. If the primary fails to start the stream, subsequent
// fallbacks are tried.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// OfflineCapable reports whether any registered backend can transcribe
// without network access. One offline entry is enough: the breakers route
// around the online backends once the network goes away.
func (f *STTFallback) OfflineCapable() bool {
	for i := range f.group.entries {
		if stt.IsOfflineCapable(f.group.entries[i].value) {
			return true
		}
	}
	return false
}

// BreakerStates reports the circuit state of every registered backend,
// keyed by backend name.
func (f *STTFallback) BreakerStates() map[string]State {
	return f.group.States()
}
