// Package audio defines the buffer, pool, and capture abstractions for the
// echolex pipeline.
//
// The two primary abstractions are:
//
//   - [Pool] — a fixed-capacity set of reusable sample buffers shared between
//     the realtime capture context and the pipeline context.
//   - [Source] — an audio input that fills pool buffers and hands them off on
//     a channel without ever blocking its capture callback.
//
// Implementations of [Source] are provided by adapter packages (audio/pulse
// for a live PulseAudio microphone, audio/wavfile for paced file replay,
// audio/mock for scripted tests). This package lives under pkg/ because
// external capture adapters are expected to implement [Source].
package audio

import (
	"context"
	"errors"
)

// Setup failures a [Source.Start] can report. Both surface before any buffer
// flows; they are never runtime errors.
var (
	// ErrDeviceUnavailable means the input device could not be opened.
	ErrDeviceUnavailable = errors.New("audio: input device unavailable")

	// ErrPermissionDenied means the platform refused microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")
)

// Source is an audio input producing pool-backed sample buffers.
//
// Start opens the device and begins capture; it returns a typed setup error
// ([ErrDeviceUnavailable], [ErrPermissionDenied]) when the device cannot
// deliver audio, and no buffer is ever sent before Start has succeeded.
// After Stop returns, no further sends occur and the Buffers channel is
// closed. Ownership of each buffer transfers to the receiver; the receiver
// (or whatever stage it forwards to) must release it to the pool.
//
// The capture path must not block: when the pool is exhausted or the channel
// is full, the source drops the frame and counts it rather than stalling the
// device callback.
type Source interface {
	Start(ctx context.Context) error
	Stop() error

	// Buffers is the capture output. Closed after Stop.
	Buffers() <-chan *Buffer

	// Errors reports asynchronous capture faults (device vanished mid-stream).
	// Buffered; never blocks the capture path.
	Errors() <-chan error
}

// SourceStats is implemented by sources that count dropped frames.
type SourceStats interface {
	// DroppedFrames reports how many capture callbacks were discarded because
	// the pool was exhausted or the hand-off channel was full.
	DroppedFrames() int64
}
