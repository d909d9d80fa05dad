// Package pulse captures microphone audio from a PulseAudio or PipeWire
// sound server and emits pooled sample buffers.
//
// The capture callback runs on the sound server's delivery goroutine and
// never blocks: buffers come from an audio.Pool, and when the pool is
// exhausted or the consumer lags behind, samples are dropped and counted
// rather than queued.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echolex/pkg/audio"
	pulselib "github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const (
	defaultAppName      = "echolex"
	defaultMediaName    = "echolex capture"
	defaultStallTimeout = 5 * time.Second
)

// Device describes one sound server input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// ListDevices returns the input sources known to the sound server with
// default/availability metadata.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := pulselib.NewClient(
		pulselib.ClientApplicationName(defaultAppName),
		pulselib.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, classifyConnectErr(err)
	}
	defer client.Close()

	return listSources(client)
}

// listSources fetches the source list over an established client connection.
func listSources(client *pulselib.Client) ([]Device, error) {
	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("pulse: read default source: %w", err)
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, fmt.Errorf("pulse: list sources: %w", err)
	}

	devices := make([]Device, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          source.SourceName,
			Description: source.Device,
			State:       sourceStateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultID,
		})
	}
	return devices, nil
}

// matchDevice resolves a configured device term against the live device list.
// An empty term or "default" selects the server's default source. Any failure
// to produce a usable device wraps audio.ErrDeviceUnavailable.
func matchDevice(devices []Device, term string) (Device, error) {
	if len(devices) == 0 {
		return Device{}, fmt.Errorf("pulse: no input devices found: %w", audio.ErrDeviceUnavailable)
	}

	term = strings.TrimSpace(strings.ToLower(term))

	var picked *Device
	if term == "" || term == "default" {
		for i := range devices {
			if devices[i].Default {
				picked = &devices[i]
				break
			}
		}
		if picked == nil {
			return Device{}, fmt.Errorf("pulse: no default input source: %w", audio.ErrDeviceUnavailable)
		}
	} else {
		for i := range devices {
			if deviceMatches(devices[i], term) {
				picked = &devices[i]
				break
			}
		}
		if picked == nil {
			return Device{}, fmt.Errorf("pulse: device %q did not match any source: %w", term, audio.ErrDeviceUnavailable)
		}
	}

	if !picked.Available {
		return Device{}, fmt.Errorf("pulse: device %q is not available: %w", picked.ID, audio.ErrDeviceUnavailable)
	}
	if picked.Muted {
		return Device{}, fmt.Errorf("pulse: device %q is muted: %w", picked.ID, audio.ErrDeviceUnavailable)
	}
	return *picked, nil
}

// deviceMatches reports whether a search term matches a device id or description.
func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	id := strings.ToLower(device.ID)
	desc := strings.ToLower(device.Description)
	return strings.Contains(id, term) || strings.Contains(desc, term)
}

// classifyConnectErr maps a sound server connection failure onto the audio
// package sentinels: authentication problems surface as permission denials,
// everything else as an unavailable device.
func classifyConnectErr(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "authentication") {
		return fmt.Errorf("pulse: connect to sound server: %w (%v)", audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("pulse: connect to sound server: %w (%v)", audio.ErrDeviceUnavailable, err)
}

// ---- Source -----------------------------------------------------------------

// Option configures a Source.
type Option func(*Source)

// WithDevice selects the capture device by a case-insensitive substring of
// its id or description. Empty or "default" selects the server default.
func WithDevice(term string) Option {
	return func(s *Source) { s.deviceTerm = term }
}

// WithApplicationName sets the client name shown in the sound server's
// stream listings. Defaults to "echolex".
func WithApplicationName(name string) Option {
	return func(s *Source) { s.appName = name }
}

// WithMediaName sets the stream's media name. Defaults to "echolex capture".
func WithMediaName(name string) Option {
	return func(s *Source) { s.mediaName = name }
}

// WithStallTimeout sets how long the stream may go without delivering audio
// before an audio.ErrDeviceUnavailable is reported on Errors. Zero disables
// stall detection. Defaults to 5s.
func WithStallTimeout(d time.Duration) Option {
	return func(s *Source) { s.stallTimeout = d }
}

// Source captures 16-bit mono PCM from the sound server, decodes it into
// pooled float32 buffers and emits them on Buffers. It implements
// audio.Source.
type Source struct {
	pool         *audio.Pool
	appName      string
	mediaName    string
	deviceTerm   string
	stallTimeout time.Duration

	client *pulselib.Client
	stream *pulselib.RecordStream

	buffers chan *audio.Buffer
	errs    chan error
	stopCh  chan struct{}

	mu           sync.Mutex
	device       Device
	pending      *audio.Buffer
	scratch      []float32
	clockSamples int64
	started      bool
	stopped      bool

	inflight sync.WaitGroup
	wg       sync.WaitGroup

	lastData       atomic.Int64
	stalled        atomic.Bool
	framesCaptured atomic.Int64
	droppedFrames  atomic.Int64
}

// Compile-time interface assertions.
var (
	_ audio.Source      = (*Source)(nil)
	_ audio.SourceStats = (*Source)(nil)
)

// New creates a Source that fills buffers from pool. The pool's sample rate
// and buffer size determine the record stream parameters.
func New(pool *audio.Pool, opts ...Option) (*Source, error) {
	if pool == nil {
		return nil, errors.New("pulse: pool must not be nil")
	}
	s := &Source{
		pool:         pool,
		appName:      defaultAppName,
		mediaName:    defaultMediaName,
		stallTimeout: defaultStallTimeout,
		buffers:      make(chan *audio.Buffer, 128),
		errs:         make(chan error, 8),
		stopCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start connects to the sound server, resolves the configured device and
// begins capturing. Connection failures wrap audio.ErrPermissionDenied or
// audio.ErrDeviceUnavailable so callers can distinguish the two before any
// buffer flows. The source stops itself when ctx is cancelled.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("pulse: source is stopped")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("pulse: source already started")
	}
	s.started = true
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	client, err := pulselib.NewClient(
		pulselib.ClientApplicationName(s.appName),
		pulselib.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return fail(classifyConnectErr(err))
	}

	devices, err := listSources(client)
	if err != nil {
		client.Close()
		return fail(err)
	}
	device, err := matchDevice(devices, s.deviceTerm)
	if err != nil {
		client.Close()
		return fail(err)
	}
	source, err := client.SourceByID(device.ID)
	if err != nil {
		client.Close()
		return fail(fmt.Errorf("pulse: resolve source %q: %w (%v)", device.ID, audio.ErrDeviceUnavailable, err))
	}

	writer := pulselib.NewWriter(writerFunc(s.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulselib.RecordSource(source),
		pulselib.RecordMono,
		pulselib.RecordSampleRate(s.pool.SampleRate()),
		pulselib.RecordBufferFragmentSize(uint32(s.pool.BufferFrames()*2)),
		pulselib.RecordMediaName(s.mediaName),
	)
	if err != nil {
		client.Close()
		return fail(fmt.Errorf("pulse: create record stream: %w", err))
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		stream.Close()
		client.Close()
		return errors.New("pulse: source is stopped")
	}
	s.client = client
	s.stream = stream
	s.device = device
	s.mu.Unlock()

	s.lastData.Store(time.Now().UnixNano())
	stream.Start()

	if s.stallTimeout > 0 {
		s.wg.Add(1)
		go s.watchdog(s.stallTimeout)
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-s.stopCh:
		}
	}()

	return nil
}

// Buffers returns the stream of captured buffers. The channel is closed by
// Stop. Consumers own received buffers and must release them to the pool.
func (s *Source) Buffers() <-chan *audio.Buffer { return s.buffers }

// Errors returns asynchronous capture errors, such as a stalled stream.
// The channel is closed by Stop.
func (s *Source) Errors() <-chan error { return s.errs }

// DroppedFrames reports how many samples were discarded because the pool was
// exhausted or the consumer lagged behind.
func (s *Source) DroppedFrames() int64 { return s.droppedFrames.Load() }

// FramesCaptured reports the total number of samples accepted from the
// sound server.
func (s *Source) FramesCaptured() int64 { return s.framesCaptured.Load() }

// Device returns metadata about the resolved capture device. Only valid
// after a successful Start.
func (s *Source) Device() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Stop halts the stream, flushes a partially filled buffer, and closes
// Buffers and Errors exactly once. Safe to call multiple times.
func (s *Source) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.stopCh)
	stream, client := s.stream, s.client
	s.mu.Unlock()

	if stream != nil {
		stream.Stop()
		stream.Close()
	}
	if client != nil {
		client.Close()
	}

	s.inflight.Wait()
	s.wg.Wait()

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		if len(pending.Samples) > 0 {
			select {
			case s.buffers <- pending:
				pending = nil
			default:
			}
		}
		if pending != nil {
			s.pool.Release(pending)
		}
	}

	close(s.buffers)
	close(s.errs)
	return nil
}

// onPCM receives raw 16-bit PCM from the record stream, decodes it and
// distributes the samples into pooled buffers. It must never block: full
// buffers are delivered with a non-blocking send and dropped (with the
// drop counter advanced) when the consumer is behind.
func (s *Source) onPCM(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	select {
	case <-s.stopCh:
		return 0, io.EOF
	default:
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, io.EOF
	}
	// Guard Add under the same mutex as s.stopped to avoid Add/Wait races.
	s.inflight.Add(1)
	defer s.inflight.Done()

	s.lastData.Store(time.Now().UnixNano())
	s.stalled.Store(false)

	s.scratch = audio.DecodePCM16(s.scratch[:0], buf)
	samples := s.scratch
	frames := s.pool.BufferFrames()
	rate := s.pool.SampleRate()

	var full []*audio.Buffer
	for len(samples) > 0 {
		if s.pending == nil {
			b := s.pool.Acquire()
			if b == nil {
				// Pool exhausted: the remainder of this delivery is dropped,
				// but the sample clock still advances.
				n := int64(len(samples))
				s.clockSamples += n
				s.droppedFrames.Add(n)
				break
			}
			b.Timestamp = time.Duration(s.clockSamples) * time.Second / time.Duration(rate)
			s.pending = b
		}
		space := frames - len(s.pending.Samples)
		take := min(space, len(samples))
		s.pending.Samples = append(s.pending.Samples, samples[:take]...)
		s.clockSamples += int64(take)
		samples = samples[take:]
		if len(s.pending.Samples) == frames {
			full = append(full, s.pending)
			s.pending = nil
		}
	}
	s.mu.Unlock()

	s.framesCaptured.Add(int64(len(s.scratch)))

	for _, b := range full {
		select {
		case s.buffers <- b:
		default:
			s.droppedFrames.Add(int64(len(b.Samples)))
			s.pool.Release(b)
		}
	}

	return len(buf), nil
}

// watchdog reports a device-unavailable error when the stream stops
// delivering audio for longer than timeout. A stall is reported once until
// data resumes.
func (s *Source) watchdog(timeout time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastData.Load())
			if time.Since(last) > timeout && s.stalled.CompareAndSwap(false, true) {
				s.reportErr(fmt.Errorf("pulse: no audio from %q for %v: %w",
					s.Device().ID, timeout, audio.ErrDeviceUnavailable))
			}
		}
	}
}

// reportErr delivers err to the Errors channel without blocking.
func (s *Source) reportErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// sourceStateString maps source state constants to human-readable values.
func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// sourceAvailable maps source port availability to a simple boolean.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available == 0 || port.Available == 2
	}
	return true
}
