// Package stt defines the Provider interface for speech-recognition backends.
//
// A provider wraps a real-time transcription service (a streaming cloud API
// such as Deepgram, or a local whisper.cpp instance) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts raw PCM audio chunks and emits two streams of Transcript
// values — low-latency partials for responsiveness and authoritative finals —
// plus a stream of coded backend errors for the recovery layer.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/MrWong99/echolex/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline captures at
	// 16000, the rate most recognition backends are optimised for.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// backends). Implementors may downmix multi-channel input internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "de-DE"). An empty string lets the provider auto-detect the language,
	// if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon terms (product names, identifiers, jargon).
	Keywords []string

	// InterimResults requests partial hypotheses while an utterance is still
	// in progress. Providers without interim support emit finals only.
	InterimResults bool
}

// SessionHandle represents an open streaming recognition session. It is an
// interface so that test code can provide mock implementations without a live
// backend connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw 16-bit little-endian PCM audio to the
	// provider for transcription. The chunk must match the SampleRate and
	// Channels agreed in StreamConfig. Calling SendAudio after Close returns
	// ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting low-latency interim
	// Transcript values as the provider makes preliminary guesses. The
	// channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel emitting authoritative Transcript
	// values once the provider has committed to a result. The channel is
	// closed when the session ends.
	Finals() <-chan types.Transcript

	// Errs returns a read-only channel carrying backend-reported errors.
	// Coded faults arrive as *Error values so the error classifier can map
	// them to recovery actions. The channel is buffered and closed when the
	// session ends.
	Errs() <-chan error

	// SetKeywords replaces the active vocabulary hint list without
	// restarting the session. Providers that do not support mid-session
	// updates may return ErrNotSupported. Changes take effect on a
	// best-effort basis; already-buffered audio may still use the previous
	// hints.
	SetKeywords(keywords []string) error

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials, Finals,
	// and Errs channels will be closed. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any recognition backend.
//
// Implementations must be safe for concurrent use; the session layer opens a
// fresh stream on every start/resume cycle.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session
	// (authentication failure, unsupported configuration, model not loaded,
	// or ctx already cancelled). The caller owns the SessionHandle and must
	// call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// OfflineCapable is implemented by providers that transcribe without network
// access (local whisper.cpp). The error classifier routes network-class
// failures to an offline fallback only when one is configured.
type OfflineCapable interface {
	OfflineCapable() bool
}

// IsOfflineCapable reports whether p can transcribe without a network.
func IsOfflineCapable(p Provider) bool {
	oc, ok := p.(OfflineCapable)
	return ok && oc.OfflineCapable()
}
