package health

import (
	"context"
	"fmt"

	"github.com/MrWong99/echolex/internal/resilience"
	"github.com/MrWong99/echolex/internal/session"
)

// StateReporter is the slice of the transcription session the readiness
// probe consumes.
type StateReporter interface {
	State() session.State
}

// BreakerReporter is implemented by the recognition fallback chain.
type BreakerReporter interface {
	BreakerStates() map[string]resilience.State
}

// SessionReady returns a [Checker] named "session" that passes only while
// the transcription session is actively streaming. Idle and paused sessions
// report not ready.
func SessionReady(s StateReporter) Checker {
	return Checker{
		Name: "session",
		Check: func(_ context.Context) error {
			if st := s.State(); st != session.StateActive {
				return fmt.Errorf("session is %s", st)
			}
			return nil
		},
	}
}

// RecognitionReady returns a [Checker] named "recognition" that fails while
// any backend circuit breaker is open. Half-open breakers count as ready.
func RecognitionReady(b BreakerReporter) Checker {
	return Checker{
		Name: "recognition",
		Check: func(_ context.Context) error {
			for name, st := range b.BreakerStates() {
				if st == resilience.StateOpen {
					return fmt.Errorf("%s breaker is open", name)
				}
			}
			return nil
		},
	}
}
