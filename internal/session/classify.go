package session

import (
	"time"

	"github.com/MrWong99/echolex/pkg/provider/stt"
	"github.com/MrWong99/echolex/pkg/types"
)

// defaultRetryDelay is the wait the classifier recommends for retryable
// backend faults.
const defaultRetryDelay = time.Second

// Classify maps a backend error to the recovery action the coordinator
// should take. The mapping is a fixed table:
//
//	no speech (203), cancelled (216)  -> none
//	network class (1100-1199)         -> fallback to offline, or retry
//	                                     when no offline backend exists
//	service busy (209)                -> retry after delay
//	permission denied (301)           -> request permissions
//	anything else                     -> restart
//
// Errors that carry no backend code are treated like unmapped codes.
func Classify(err error, offlineAvailable bool) types.RecoveryAction {
	code, ok := stt.ErrorCode(err)
	if !ok {
		return types.RecoveryAction{Kind: types.RecoveryRestart}
	}
	switch {
	case code == stt.CodeNoSpeech, code == stt.CodeCancelled:
		return types.NoRecovery()
	case stt.IsNetworkCode(code):
		if offlineAvailable {
			return types.RecoveryAction{Kind: types.RecoveryFallbackToOffline}
		}
		return types.RetryAfter(defaultRetryDelay)
	case code == stt.CodeServiceBusy:
		return types.RetryAfter(defaultRetryDelay)
	case code == stt.CodePermissionDenied:
		return types.RecoveryAction{Kind: types.RecoveryRequestPermissions}
	default:
		return types.RecoveryAction{Kind: types.RecoveryRestart}
	}
}

// statusText returns the human-readable placeholder published to subscribers
// while the given recovery runs. Subscribers never see raw backend codes.
func statusText(k types.RecoveryKind) string {
	switch k {
	case types.RecoveryRetryAfterDelay:
		return "[reconnecting to recognition service]"
	case types.RecoveryFallbackToOffline:
		return "[switching to offline recognition]"
	case types.RecoveryRequestPermissions:
		return "[microphone permission required]"
	case types.RecoveryRestart:
		return "[restarting recognition]"
	default:
		return "[recognition interrupted]"
	}
}
