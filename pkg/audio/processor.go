package audio

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// Meter computes a normalized audio level in [0, 1] from one buffer of mono
// samples. Meters must be pure: same samples, same level.
type Meter func(samples []float32) float64

// RMSLevel is the default meter: root mean square of the samples. Samples
// are already normalised to [-1, 1], so the result is in [0, 1].
func RMSLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// PeakLevel is an alternative meter: the largest absolute sample value,
// clamped to 1.
func PeakLevel(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if v := math.Abs(float64(s)); v > peak {
			peak = v
		}
	}
	return min(peak, 1)
}

// Processor consumes buffers from a capture source, computes an audio level
// per buffer, publishes the level to observers, and forwards the buffer to a
// sink. It isolates capture timing from recognition timing: the processor is
// the only stage that reads the capture channel, and its forward call is the
// ownership hand-off into the session.
type Processor struct {
	sink   func(*Buffer)
	meter  Meter
	record func(time.Duration)

	levels     chan float64
	levelDrops atomic.Int64
}

// ProcessorOption configures a [Processor].
type ProcessorOption func(*Processor)

// WithMeter replaces the default RMS meter.
func WithMeter(m Meter) ProcessorOption {
	return func(p *Processor) {
		if m != nil {
			p.meter = m
		}
	}
}

// WithLatencyRecorder installs a callback invoked with the buffer-processing
// latency of every forwarded buffer (receipt to hand-off).
func WithLatencyRecorder(record func(time.Duration)) ProcessorOption {
	return func(p *Processor) { p.record = record }
}

// WithLevelBuffer sets the capacity of the Levels channel. The default is 64.
func WithLevelBuffer(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.levels = make(chan float64, n)
		}
	}
}

// NewProcessor creates a processor forwarding buffers to sink. The sink takes
// ownership of every buffer it receives.
func NewProcessor(sink func(*Buffer), opts ...ProcessorOption) *Processor {
	p := &Processor{
		sink:   sink,
		meter:  RMSLevel,
		levels: make(chan float64, 64),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Levels is the stream of per-buffer levels in [0, 1]. Sends never block;
// levels the observer is too slow to read are dropped.
func (p *Processor) Levels() <-chan float64 {
	return p.levels
}

// LevelDrops reports how many level values were dropped on a full channel.
func (p *Processor) LevelDrops() int64 {
	return p.levelDrops.Load()
}

// Process meters one buffer, publishes its level, records the processing
// latency, and forwards the buffer to the sink. Returns the level.
func (p *Processor) Process(b *Buffer) float64 {
	start := time.Now()
	level := p.meter(b.Samples)

	select {
	case p.levels <- level:
	default:
		p.levelDrops.Add(1)
	}

	if p.record != nil {
		p.record(time.Since(start))
	}
	p.sink(b)
	return level
}

// Run pumps the capture channel through Process until in closes. After ctx
// is cancelled, remaining buffers are returned to pool instead of forwarded,
// so a shutdown never strands pool buffers in the hand-off channel. Run
// closes the Levels channel on return.
func (p *Processor) Run(ctx context.Context, in <-chan *Buffer, pool *Pool) {
	defer close(p.levels)
	for {
		select {
		case <-ctx.Done():
			for b := range in {
				pool.Release(b)
			}
			return
		case b, ok := <-in:
			if !ok {
				return
			}
			p.Process(b)
		}
	}
}
