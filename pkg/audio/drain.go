package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when you don't need the data from a
// streaming channel (e.g. the Levels channel of a [Processor] when no UI is
// attached).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// DrainRelease reads buffers from ch until it is closed, returning each one
// to pool. Use this after stopping a [Source] to repay buffers that were
// still in the hand-off channel.
func DrainRelease(ch <-chan *Buffer, pool *Pool) {
	for b := range ch {
		pool.Release(b)
	}
}
