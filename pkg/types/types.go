// Package types defines the shared types used across all echolex packages.
//
// These types form the lingua franca between capture sources, recognition
// backends, the session state machine, the corrector, and subscribers. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Transcript represents a speech-to-text result from a recognition backend.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the full-text hypothesis for the utterance so far.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// backend does not report confidence.
	Confidence float64

	// Segments contains per-segment detail when the backend segments its
	// hypothesis. May be nil; an empty list means "no recognized segments" and
	// is valid, not an error.
	Segments []Segment

	// Alternatives contains competing hypotheses ranked by confidence, when
	// the backend provides them.
	Alternatives []Alternative

	// Words contains per-word timing detail when available. May be nil for
	// backends that don't support word-level output.
	Words []WordTiming

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Segment is one scored span of a backend hypothesis.
type Segment struct {
	// Text is the transcribed content of this span.
	Text string

	// Confidence is the backend's score for this span (0.0–1.0).
	Confidence float64

	// Start is the span's offset relative to the utterance start.
	Start time.Duration

	// Duration is the length of the span.
	Duration time.Duration
}

// Alternative is a competing full-text hypothesis.
type Alternative struct {
	Text       string
	Confidence float64
}

// WordTiming holds per-word metadata from backends that support it.
type WordTiming struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// UpdateType classifies a transcription update published to subscribers.
type UpdateType string

const (
	// UpdatePartial is an in-progress hypothesis that will likely change.
	UpdatePartial UpdateType = "partial"

	// UpdateFinal is a backend-confirmed, stable transcription for a completed
	// utterance segment.
	UpdateFinal UpdateType = "final"

	// UpdateCorrection re-issues a previously published final after the
	// corrector rewrote its text.
	UpdateCorrection UpdateType = "correction"
)

// IsValid reports whether t is one of the defined update types.
func (t UpdateType) IsValid() bool {
	switch t {
	case UpdatePartial, UpdateFinal, UpdateCorrection:
		return true
	}
	return false
}

// Update is one transcription result published to subscribers. Updates are
// immutable after publication and published exactly once, in the order the
// backend produced the underlying results.
type Update struct {
	// ID uniquely identifies this update.
	ID string

	// Timestamp is when the update was assembled.
	Timestamp time.Time

	// Type distinguishes partial, final, and correction updates.
	Type UpdateType

	// Text is the (corrected) transcription text.
	Text string

	// Confidence is the arithmetic mean of the segment confidences of the
	// underlying result, in [0, 1]. An update assembled from a result with no
	// segments has Confidence 0.
	Confidence float64

	// Alternatives carries competing hypotheses, when the backend offered any.
	Alternatives []Alternative

	// Words is per-word timing detail, populated only for final updates and
	// sorted ascending by Start.
	Words []WordTiming
}

// ContextKind enumerates the usage contexts that select a vocabulary and
// phrase-substitution table.
type ContextKind string

const (
	ContextGeneral  ContextKind = "general"
	ContextCoding   ContextKind = "coding"
	ContextEmail    ContextKind = "email"
	ContextChat     ContextKind = "chat"
	ContextMeeting  ContextKind = "meeting"
	ContextNotes    ContextKind = "notes"
	ContextDocument ContextKind = "document"
)

// IsValid reports whether k is one of the defined context kinds.
func (k ContextKind) IsValid() bool {
	switch k {
	case ContextGeneral, ContextCoding, ContextEmail, ContextChat,
		ContextMeeting, ContextNotes, ContextDocument:
		return true
	}
	return false
}

// AppContext is the active usage context driving text correction. Detail
// refines the kind: the programming language for coding, the tone for email,
// the formality for chat, the document kind for document. It is empty for
// kinds that take no detail.
type AppContext struct {
	Kind   ContextKind
	Detail string
}

// String renders the context as "kind" or "kind(detail)".
func (c AppContext) String() string {
	if c.Detail == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + "(" + c.Detail + ")"
}

// RecoveryKind enumerates the recovery actions the error classifier can
// recommend.
type RecoveryKind int

const (
	// RecoveryNone means the error is transient and expected; nothing happens.
	RecoveryNone RecoveryKind = iota

	// RecoveryRetryAfterDelay restarts the session after waiting.
	RecoveryRetryAfterDelay

	// RecoveryFallbackToOffline switches the session to an offline-capable
	// backend before restarting.
	RecoveryFallbackToOffline

	// RecoveryRequestPermissions asks the authorization collaborator to prompt
	// the user. The session is not restarted automatically.
	RecoveryRequestPermissions

	// RecoveryRestart stops and restarts the session immediately.
	RecoveryRestart
)

// String returns the human-readable name of the recovery kind.
func (k RecoveryKind) String() string {
	switch k {
	case RecoveryNone:
		return "none"
	case RecoveryRetryAfterDelay:
		return "retry_after_delay"
	case RecoveryFallbackToOffline:
		return "fallback_to_offline"
	case RecoveryRequestPermissions:
		return "request_permissions"
	case RecoveryRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// RecoveryAction is a classified response to a backend error. Produced by the
// error classifier, consumed exactly once by the recovery coordinator.
type RecoveryAction struct {
	// Kind selects the recovery behavior.
	Kind RecoveryKind

	// Delay is how long to wait before restarting. Only meaningful when Kind
	// is RecoveryRetryAfterDelay.
	Delay time.Duration
}

// NoRecovery is the zero action: do nothing.
func NoRecovery() RecoveryAction {
	return RecoveryAction{Kind: RecoveryNone}
}

// RetryAfter builds a delayed-retry action.
func RetryAfter(d time.Duration) RecoveryAction {
	return RecoveryAction{Kind: RecoveryRetryAfterDelay, Delay: d}
}
