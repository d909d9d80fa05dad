package audio

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pool is a reusable set of fixed-capacity sample buffers shared between the
// realtime capture context and the pipeline context. Capture acquires, the
// session releases; neither side ever mutates pool internals directly.
//
// The pool grows on demand up to a hard cap and never shrinks: buffers
// allocated to cover a burst stay available afterwards. When the cap is
// reached and the free list is empty, Acquire returns nil and the caller is
// expected to drop the frame — at speech scale one dropped buffer among
// hundreds per second is imperceptible, a stalled capture callback is not.
type Pool struct {
	frames int
	rate   int
	max    int

	mu    sync.Mutex
	free  []*Buffer
	total int
	gen   uint64

	// freed signals AcquireWait callers that a buffer was returned.
	freed chan struct{}

	acquired       atomic.Int64
	released       atomic.Int64
	dropped        atomic.Int64
	doubleReleases atomic.Int64
	highWater      atomic.Int64
}

// PoolStats is a snapshot of pool activity counters.
type PoolStats struct {
	// Acquired and Released count successful checkout/return pairs.
	Acquired, Released int64

	// Dropped counts Acquire calls that returned nil because the pool was
	// exhausted.
	Dropped int64

	// DoubleReleases counts rejected attempts to return a buffer that was not
	// checked out.
	DoubleReleases int64

	// Total is the number of buffers ever allocated; HighWater is the most
	// that were checked out simultaneously.
	Total, HighWater int
}

// NewPool creates a pool of mono buffers holding frames samples each at the
// given sample rate. initial buffers are preallocated; the pool grows on
// demand up to max total buffers. A max of zero or less than initial means
// the pool is capped at initial.
func NewPool(frames, rate, initial, max int) *Pool {
	if frames <= 0 {
		frames = 1024
	}
	if initial <= 0 {
		initial = 1
	}
	if max < initial {
		max = initial
	}
	p := &Pool{
		frames: frames,
		rate:   rate,
		max:    max,
		free:   make([]*Buffer, 0, max),
		freed:  make(chan struct{}, 1),
	}
	for range initial {
		p.free = append(p.free, p.newBuffer())
	}
	p.total = initial
	return p
}

func (p *Pool) newBuffer() *Buffer {
	return &Buffer{
		Samples:    make([]float32, 0, p.frames),
		SampleRate: p.rate,
	}
}

// Acquire checks a buffer out of the pool, growing the pool if the free list
// is empty and the cap allows. Returns nil when the pool is exhausted; the
// call never blocks, so it is safe from the realtime capture callback.
func (p *Pool) Acquire() *Buffer {
	p.mu.Lock()
	var b *Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else if p.total < p.max {
		b = p.newBuffer()
		p.total++
	}
	if b == nil {
		p.mu.Unlock()
		p.dropped.Add(1)
		return nil
	}
	p.gen++
	b.gen = p.gen
	p.mu.Unlock()

	b.Samples = b.Samples[:0]
	b.Timestamp = 0
	acq := p.acquired.Add(1)
	inUse := acq - p.released.Load()
	for {
		cur := p.highWater.Load()
		if inUse <= cur || p.highWater.CompareAndSwap(cur, inUse) {
			break
		}
	}
	return b
}

// AcquireWait is Acquire with a bounded wait: when the pool is exhausted it
// blocks until a buffer is released or the wait elapses, whichever is first.
// Returns nil on timeout. Not for use from the realtime callback unless the
// capture is explicitly configured for blocking backpressure.
func (p *Pool) AcquireWait(wait time.Duration) *Buffer {
	if b := p.Acquire(); b != nil {
		return b
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-p.freed:
			if b := p.Acquire(); b != nil {
				return b
			}
		case <-timer.C:
			return nil
		}
	}
}

// Release returns a buffer to the pool. Each acquisition must be released
// exactly once; a second release of the same checkout is rejected and
// counted, not honoured, so a stale owner can never corrupt the free list.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	if b.gen == 0 {
		p.mu.Unlock()
		p.doubleReleases.Add(1)
		return
	}
	b.gen = 0
	p.free = append(p.free, b)
	p.mu.Unlock()

	p.released.Add(1)
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	total := p.total
	p.mu.Unlock()
	return PoolStats{
		Acquired:       p.acquired.Load(),
		Released:       p.released.Load(),
		Dropped:        p.dropped.Load(),
		DoubleReleases: p.doubleReleases.Load(),
		Total:          total,
		HighWater:      int(p.highWater.Load()),
	}
}

// BufferFrames returns the per-buffer sample capacity.
func (p *Pool) BufferFrames() int {
	return p.frames
}

// SampleRate returns the sample rate stamped on pooled buffers.
func (p *Pool) SampleRate() int {
	return p.rate
}
