package audio

import "time"

// Buffer is a fixed-capacity block of mono float32 samples flowing through
// the pipeline. Buffers are the atomic unit of audio transport: the capture
// source acquires one from a [Pool], fills it, and hands it to the processor;
// the session returns it to the pool once the recognition backend has
// consumed it.
//
// Ownership is exclusive. Exactly one stage holds a buffer at any time, and
// every acquired buffer must be released exactly once.
type Buffer struct {
	// Samples holds mono samples normalised to [-1.0, 1.0]. The length is the
	// number of samples written; the capacity is fixed by the pool.
	Samples []float32

	// SampleRate in Hz (16000 for the speech pipeline).
	SampleRate int

	// Timestamp marks when the first sample was captured, relative to
	// stream start.
	Timestamp time.Duration

	// gen is the pool acquisition generation, used to reject double releases.
	// Zero means the buffer is not currently checked out.
	gen uint64
}

// Frames returns the number of samples currently held.
func (b *Buffer) Frames() int {
	return len(b.Samples)
}

// Duration returns the play time of the held samples.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}
