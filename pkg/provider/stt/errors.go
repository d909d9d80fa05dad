package stt

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all provider implementations.
var (
	// ErrSessionClosed is returned by SendAudio and SetKeywords after Close.
	ErrSessionClosed = errors.New("stt: session closed")

	// ErrNotSupported is returned for optional operations a provider does not
	// implement (e.g. mid-session keyword updates).
	ErrNotSupported = errors.New("stt: operation not supported by this provider")
)

// Backend error codes. The classifier maps these to recovery actions; any
// code not listed here is treated as unknown and classified as a restart.
const (
	// CodeNoSpeech: the backend detected no speech in the submitted audio.
	// Expected during pauses in dictation; never an actual fault.
	CodeNoSpeech = 203

	// CodeServiceBusy: the backend is temporarily over capacity.
	CodeServiceBusy = 209

	// CodeCancelled: the in-flight request was cancelled, normally by our own
	// pause/stop. Expected, never a fault.
	CodeCancelled = 216

	// CodePermissionDenied: the platform refused microphone or recognition
	// access.
	CodePermissionDenied = 301

	// Network-class codes occupy [CodeNetworkBase, CodeNetworkMax]. Concrete
	// values distinguish failure modes for logging; the classifier treats the
	// whole range identically.
	CodeNetworkBase        = 1100
	CodeNetworkUnavailable = 1110
	CodeNetworkTimeout     = 1111
	CodeNetworkMax         = 1199
)

// Error is a coded fault reported by a recognition backend. The integer code
// is the backend's own taxonomy; subscribers never see it directly — the
// classifier turns it into a recovery action and a human-readable status.
type Error struct {
	// Code identifies the fault class.
	Code int

	// Message is the backend's diagnostic text.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("stt: backend error %d: %s", e.Code, e.Message)
}

// Errf builds a coded backend error.
func Errf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the backend code from err. Returns (0, false) when err
// does not wrap an *Error.
func ErrorCode(err error) (int, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Code, true
	}
	return 0, false
}

// IsNetworkCode reports whether code falls in the network failure class.
func IsNetworkCode(code int) bool {
	return code >= CodeNetworkBase && code <= CodeNetworkMax
}
