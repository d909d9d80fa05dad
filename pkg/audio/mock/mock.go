// Package mock provides an in-memory implementation of [audio.Source] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields the test
// can set to control return values.
//
// Typical usage:
//
//	pool := audio.NewPool(1024, 16000, 4, 16)
//	src := mock.NewSource()
//	// wire src into the component under test, then:
//	b := pool.Acquire()
//	b.Samples = append(b.Samples, samples...)
//	src.Emit(b)
package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/echolex/pkg/audio"
)

// Source is a scripted implementation of [audio.Source]. Tests push buffers
// with [Source.Emit] and capture faults with [Source.Fail]; the component
// under test consumes them exactly as it would from a live device.
//
// Set the exported error fields before use; inspect the call counters after.
type Source struct {
	mu sync.Mutex

	// StartErr is returned by Start. Use audio.ErrDeviceUnavailable or
	// audio.ErrPermissionDenied to simulate setup failures.
	StartErr error

	// StopErr is returned by Stop after the channels are closed.
	StopErr error

	// CloseOnStop controls whether the first Stop closes the Buffers and
	// Errors channels. NewSource enables it.
	CloseOnStop bool

	// BuffersCh is the channel returned by Buffers.
	BuffersCh chan *audio.Buffer

	// ErrsCh is the channel returned by Errors.
	ErrsCh chan error

	// StartCalls counts Start invocations.
	StartCalls int

	// StopCalls counts Stop invocations.
	StopCalls int

	// StartCtx records the context passed to the most recent Start call.
	StartCtx context.Context

	dropped atomic.Int64
	closed  bool
}

// Compile-time interface assertions.
var (
	_ audio.Source      = (*Source)(nil)
	_ audio.SourceStats = (*Source)(nil)
)

// NewSource returns a Source with buffered channels ready for use.
func NewSource() *Source {
	return &Source{
		BuffersCh:   make(chan *audio.Buffer, 16),
		ErrsCh:      make(chan error, 16),
		CloseOnStop: true,
	}
}

// Start implements [audio.Source]. Records the call and returns StartErr.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls++
	s.StartCtx = ctx
	return s.StartErr
}

// Buffers implements [audio.Source]. Returns BuffersCh.
func (s *Source) Buffers() <-chan *audio.Buffer { return s.BuffersCh }

// Errors implements [audio.Source]. Returns ErrsCh.
func (s *Source) Errors() <-chan error { return s.ErrsCh }

// Stop implements [audio.Source]. Records the call, closes the channels on
// first invocation (when CloseOnStop is set) and returns StopErr.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	if s.CloseOnStop && !s.closed {
		s.closed = true
		close(s.BuffersCh)
		close(s.ErrsCh)
	}
	return s.StopErr
}

// Emit delivers b on the Buffers channel, blocking until the consumer
// accepts it.
func (s *Source) Emit(b *audio.Buffer) { s.BuffersCh <- b }

// Fail delivers err on the Errors channel, blocking until the consumer
// accepts it.
func (s *Source) Fail(err error) { s.ErrsCh <- err }

// AddDropped raises the dropped-frame counter by n.
func (s *Source) AddDropped(n int64) { s.dropped.Add(n) }

// DroppedFrames implements [audio.SourceStats].
func (s *Source) DroppedFrames() int64 { return s.dropped.Load() }
