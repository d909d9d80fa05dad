package audio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/echolex/pkg/audio"
)

func TestPoolAcquireRelease(t *testing.T) {
	t.Parallel()

	p := audio.NewPool(1024, 16000, 2, 4)

	b := p.Acquire()
	if b == nil {
		t.Fatal("Acquire returned nil with free buffers available")
	}
	if got := len(b.Samples); got != 0 {
		t.Errorf("acquired buffer has %d samples, want 0", got)
	}
	if got := cap(b.Samples); got != 1024 {
		t.Errorf("acquired buffer capacity = %d, want 1024", got)
	}
	if b.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", b.SampleRate)
	}

	b.Samples = append(b.Samples, 0.25, -0.25)
	p.Release(b)

	stats := p.Stats()
	if stats.Acquired != 1 || stats.Released != 1 {
		t.Errorf("stats = %+v, want Acquired=1 Released=1", stats)
	}

	// The released buffer comes back empty.
	b2 := p.Acquire()
	if b2 == nil {
		t.Fatal("Acquire after Release returned nil")
	}
	if got := len(b2.Samples); got != 0 {
		t.Errorf("recycled buffer has %d samples, want 0", got)
	}
}

func TestPoolExhaustionDrops(t *testing.T) {
	t.Parallel()

	p := audio.NewPool(64, 16000, 1, 2)

	b1 := p.Acquire()
	b2 := p.Acquire() // grows to max
	if b1 == nil || b2 == nil {
		t.Fatal("Acquire returned nil below the pool cap")
	}
	if b3 := p.Acquire(); b3 != nil {
		t.Error("Acquire beyond the cap returned a buffer, want nil")
	}

	stats := p.Stats()
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
}

func TestPoolGrowthRetained(t *testing.T) {
	t.Parallel()

	p := audio.NewPool(64, 16000, 1, 8)

	// Burst: check out five buffers, forcing growth past the initial size.
	bufs := make([]*audio.Buffer, 0, 5)
	for range 5 {
		b := p.Acquire()
		if b == nil {
			t.Fatal("Acquire returned nil during growth burst")
		}
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		p.Release(b)
	}

	stats := p.Stats()
	if stats.Total != 5 {
		t.Errorf("Total after burst = %d, want 5 (pool must not shrink)", stats.Total)
	}
	if stats.HighWater != 5 {
		t.Errorf("HighWater = %d, want 5", stats.HighWater)
	}
}

func TestPoolDoubleReleaseRejected(t *testing.T) {
	t.Parallel()

	p := audio.NewPool(64, 16000, 1, 1)

	b := p.Acquire()
	p.Release(b)
	p.Release(b) // stale owner

	stats := p.Stats()
	if stats.DoubleReleases != 1 {
		t.Errorf("DoubleReleases = %d, want 1", stats.DoubleReleases)
	}
	if stats.Released != 1 {
		t.Errorf("Released = %d, want 1 (second release must not count)", stats.Released)
	}

	// The free list must not hold the buffer twice.
	b1 := p.Acquire()
	if b1 == nil {
		t.Fatal("Acquire returned nil after double release")
	}
	if b2 := p.Acquire(); b2 != nil {
		t.Error("pool yielded the same buffer to two owners after a double release")
	}
}

func TestPoolUniqueOwnership(t *testing.T) {
	t.Parallel()

	const workers = 8
	const iterations = 500

	p := audio.NewPool(64, 16000, 2, workers)

	var mu sync.Mutex
	inUse := make(map[*audio.Buffer]bool)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				b := p.Acquire()
				if b == nil {
					continue
				}
				mu.Lock()
				if inUse[b] {
					mu.Unlock()
					t.Error("pool yielded a buffer already held by another owner")
					p.Release(b)
					return
				}
				inUse[b] = true
				mu.Unlock()

				b.Samples = append(b.Samples, 1)

				mu.Lock()
				delete(inUse, b)
				mu.Unlock()
				p.Release(b)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	if stats.Acquired != stats.Released {
		t.Errorf("Acquired=%d Released=%d, want equal after all owners returned", stats.Acquired, stats.Released)
	}
	if stats.DoubleReleases != 0 {
		t.Errorf("DoubleReleases = %d, want 0", stats.DoubleReleases)
	}
}

func TestPoolAcquireWait(t *testing.T) {
	t.Parallel()

	p := audio.NewPool(64, 16000, 1, 1)
	held := p.Acquire()

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(held)
	}()

	b := p.AcquireWait(2 * time.Second)
	if b == nil {
		t.Fatal("AcquireWait timed out despite a release within the wait window")
	}
}

func TestPoolAcquireWaitTimeout(t *testing.T) {
	t.Parallel()

	p := audio.NewPool(64, 16000, 1, 1)
	_ = p.Acquire()

	start := time.Now()
	if b := p.AcquireWait(30 * time.Millisecond); b != nil {
		t.Fatal("AcquireWait returned a buffer from an exhausted pool")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("AcquireWait returned after %v, want at least the 30ms wait", elapsed)
	}
}
