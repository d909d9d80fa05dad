// Package wavfile replays audio from a WAV file as if it were a live capture
// device. It downmixes to mono and resamples to the pool's sample rate, so a
// recorded meeting or test fixture can drive the same pipeline as a
// microphone. In realtime mode emission is paced to the buffer duration;
// otherwise buffers are delivered as fast as the consumer takes them.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echolex/pkg/audio"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// decodeChunkFrames is the number of frames pulled from the decoder per read.
const decodeChunkFrames = 4096

// defaultAcquireWait bounds how long the replay goroutine waits for a pooled
// buffer before dropping samples.
const defaultAcquireWait = time.Second

// Option configures a Source.
type Option func(*Source)

// WithRealtime controls pacing. When true (the default) buffers are emitted
// at the rate the audio would play; when false the file is replayed as fast
// as the consumer accepts buffers.
func WithRealtime(realtime bool) Option {
	return func(s *Source) { s.realtime = realtime }
}

// WithLoop makes the source restart from the beginning of the file when it
// reaches the end instead of closing the stream.
func WithLoop(loop bool) Option {
	return func(s *Source) { s.loop = loop }
}

// WithAcquireWait sets the backpressure policy on pool exhaustion: a
// positive wait blocks replay up to that long for a buffer, a non-positive
// wait drops the frames immediately. The default is one second.
func WithAcquireWait(d time.Duration) Option {
	return func(s *Source) { s.acquireWait = d }
}

// Source replays a WAV file through pooled buffers. It implements
// audio.Source.
type Source struct {
	pool        *audio.Pool
	path        string
	realtime    bool
	loop        bool
	acquireWait time.Duration

	buffers chan *audio.Buffer
	errs    chan error
	stopCh  chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool

	wg sync.WaitGroup

	emitted atomic.Int64
	dropped atomic.Int64
}

// Compile-time interface assertions.
var (
	_ audio.Source      = (*Source)(nil)
	_ audio.SourceStats = (*Source)(nil)
)

// New creates a Source replaying the WAV file at path into buffers from pool.
func New(pool *audio.Pool, path string, opts ...Option) (*Source, error) {
	if pool == nil {
		return nil, errors.New("wavfile: pool must not be nil")
	}
	if path == "" {
		return nil, errors.New("wavfile: path must not be empty")
	}
	s := &Source{
		pool:        pool,
		path:        path,
		realtime:    true,
		acquireWait: defaultAcquireWait,
		buffers:     make(chan *audio.Buffer, 16),
		errs:        make(chan error, 8),
		stopCh:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start opens the file, validates the WAV header and begins replay. A file
// that cannot be opened wraps audio.ErrDeviceUnavailable, mirroring a capture
// device that is not present. The source stops itself when ctx is cancelled.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("wavfile: source is stopped")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("wavfile: source already started")
	}
	f, dec, err := openDecoder(s.path)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(f, dec)

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-s.stopCh:
		}
	}()

	return nil
}

// Buffers returns the replayed audio stream. The channel closes at end of
// file (unless looping) or after Stop. Consumers own received buffers and
// must release them to the pool.
func (s *Source) Buffers() <-chan *audio.Buffer { return s.buffers }

// Errors returns decode errors encountered during replay. The channel is
// closed together with Buffers.
func (s *Source) Errors() <-chan error { return s.errs }

// DroppedFrames reports samples discarded because no pooled buffer became
// available within the acquire wait.
func (s *Source) DroppedFrames() int64 { return s.dropped.Load() }

// FramesEmitted reports the total samples delivered on Buffers.
func (s *Source) FramesEmitted() int64 { return s.emitted.Load() }

// Stop halts replay and closes Buffers and Errors exactly once. Safe to call
// multiple times.
func (s *Source) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stopCh)
	if started {
		s.wg.Wait()
	} else {
		close(s.buffers)
		close(s.errs)
	}
	return nil
}

// openDecoder opens path and validates the WAV header.
func openDecoder(path string) (*os.File, *wav.Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("wavfile: open %s: %w (%v)", path, audio.ErrDeviceUnavailable, err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, nil, fmt.Errorf("wavfile: %s is not a valid wav file", path)
	}
	return f, dec, nil
}

// run is the replay goroutine. It decodes the file chunk by chunk, converts
// to mono float32 at the pool rate and emits pooled buffers.
func (s *Source) run(f *os.File, dec *wav.Decoder) {
	defer s.wg.Done()
	defer close(s.buffers)
	defer close(s.errs)
	defer func() { _ = f.Close() }()

	srcRate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)

	frames := s.pool.BufferFrames()
	rate := s.pool.SampleRate()

	intBuf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: srcRate},
		Data:           make([]int, decodeChunkFrames*channels),
		SourceBitDepth: bitDepth,
	}

	var (
		queue   []float32
		scratch []float32
		clock   int64
		next    time.Time
	)
	if s.realtime {
		next = time.Now()
	}

	stamp := func(b *audio.Buffer) {
		b.Timestamp = time.Duration(clock) * time.Second / time.Duration(rate)
	}

	// emit paces (in realtime mode) and delivers one buffer, releasing it
	// back to the pool if the source is stopped mid-send.
	emit := func(b *audio.Buffer) bool {
		if s.realtime {
			next = next.Add(b.Duration())
			if d := time.Until(next); d > 0 {
				timer := time.NewTimer(d)
				select {
				case <-s.stopCh:
					timer.Stop()
					s.pool.Release(b)
					return false
				case <-timer.C:
				}
			}
		}
		select {
		case s.buffers <- b:
			s.emitted.Add(int64(len(b.Samples)))
			return true
		case <-s.stopCh:
			s.pool.Release(b)
			return false
		}
	}

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		n, err := dec.PCMBuffer(intBuf)
		if err != nil {
			s.reportErr(fmt.Errorf("wavfile: decode %s: %w", s.path, err))
			return
		}
		if n == 0 {
			if s.loop {
				_ = f.Close()
				nf, ndec, err := openDecoder(s.path)
				if err != nil {
					s.reportErr(err)
					return
				}
				f, dec = nf, ndec
				continue
			}
			break
		}

		scratch = convertSamples(scratch[:0], intBuf.Data[:n], bitDepth)
		mono := audio.DownmixToMono(scratch, channels)
		queue = append(queue, audio.Resample(mono, srcRate, rate)...)

		off := 0
		for len(queue)-off >= frames {
			b := s.acquire()
			if b == nil {
				s.dropped.Add(int64(frames))
				clock += int64(frames)
				off += frames
				continue
			}
			stamp(b)
			b.Samples = append(b.Samples, queue[off:off+frames]...)
			clock += int64(frames)
			off += frames
			if !emit(b) {
				return
			}
		}
		queue = append(queue[:0], queue[off:]...)
	}

	// Flush the sub-buffer tail at end of file.
	if len(queue) > 0 {
		b := s.acquire()
		if b == nil {
			s.dropped.Add(int64(len(queue)))
			return
		}
		stamp(b)
		b.Samples = append(b.Samples, queue...)
		emit(b)
	}
}

// acquire honours the backpressure policy: a positive wait blocks for a
// pooled buffer, otherwise exhaustion drops immediately.
func (s *Source) acquire() *audio.Buffer {
	if s.acquireWait <= 0 {
		return s.pool.Acquire()
	}
	return s.pool.AcquireWait(s.acquireWait)
}

// reportErr delivers err to the Errors channel without blocking.
func (s *Source) reportErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// convertSamples appends src converted to [-1, 1] float32 onto dst. 8-bit WAV
// data is unsigned with a 128 offset; wider depths are signed.
func convertSamples(dst []float32, src []int, bitDepth int) []float32 {
	if bitDepth == 8 {
		for _, v := range src {
			dst = append(dst, float32(v-128)/128.0)
		}
		return dst
	}
	scale := float32(int64(1) << (bitDepth - 1))
	for _, v := range src {
		dst = append(dst, float32(v)/scale)
	}
	return dst
}
