// Package session implements the recognition session at the centre of the
// transcription pipeline.
//
// A [Session] is a single-writer actor: one goroutine owns all lifecycle
// state and processes commands from a bounded queue, so no mutex guards the
// state machine. Audio buffers are posted into the queue without blocking
// the capture side; backend transcripts and errors drain into the same queue
// and are published, in backend order, through the transcript emitter.
// Backend faults are classified ([Classify]) into recovery actions executed
// asynchronously by the session's recovery coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echolex/internal/perf"
	"github.com/MrWong99/echolex/internal/transcript"
	"github.com/MrWong99/echolex/pkg/audio"
	"github.com/MrWong99/echolex/pkg/provider/stt"
	"github.com/MrWong99/echolex/pkg/types"
	"github.com/google/uuid"
)

const (
	// defaultQueueSize bounds the command queue. Audio fed beyond this is
	// dropped rather than blocking the capture side.
	defaultQueueSize = 64
)

var (
	// ErrClosed is returned by session operations after Close.
	ErrClosed = errors.New("session: closed")

	// ErrInvalidState is returned when an operation is not legal in the
	// session's current state.
	ErrInvalidState = errors.New("session: invalid state for operation")

	// ErrAuthorizationDenied is returned by Start when the authorization
	// collaborator denies speech recognition.
	ErrAuthorizationDenied = errors.New("session: authorization denied")
)

// Config configures a [Session].
type Config struct {
	// Provider is the primary recognition backend. Required.
	Provider stt.Provider

	// Offline is an optional offline-capable fallback backend. When set,
	// network-class faults switch the session to it instead of retrying
	// the primary.
	Offline stt.Provider

	// Pool is the buffer pool that fed buffers are returned to. Required.
	Pool *audio.Pool

	// Corrector applies vocabulary and phrase corrections to every result.
	// Required.
	Corrector *transcript.Corrector

	// Emitter publishes assembled updates to subscribers. Required.
	Emitter *transcript.Emitter

	// Authorize, when set, is consulted before the first stream opens. A
	// denial fails Start with [ErrAuthorizationDenied] and leaves the
	// session idle; only a grant is cached, so a later Start asks again.
	Authorize func(ctx context.Context) (bool, error)

	// Monitor records recognition latency samples. May be nil.
	Monitor *perf.Monitor

	// Language is the initial BCP-47 recognition language. Empty lets the
	// backend auto-detect.
	Language string

	// InterimResults requests partial hypotheses from the backend.
	InterimResults bool

	// QueueSize bounds the command queue. Defaults to 64 if zero.
	QueueSize int

	// Recovery tunes the recovery coordinator.
	Recovery RecoveryConfig

	// OnFault, when set, is invoked on the run loop for every backend fault
	// that triggers recovery. Keep it fast; it blocks result processing.
	OnFault func(err error, action types.RecoveryAction)
}

// Session owns one live recognition stream and the state machine around it.
//
// All mutable state belongs to the run loop goroutine. Exported methods post
// commands into the queue and, for lifecycle operations, wait for the
// loop's reply; [Session.Feed] never blocks.
type Session struct {
	cfg      Config
	cmds     chan command
	done     chan struct{}
	closing  sync.Once
	wg       sync.WaitGroup
	drainWG  sync.WaitGroup
	recovery *coordinator
	stateCh  chan State

	state     atomic.Int32
	feedDrops atomic.Int64

	// Run-loop-owned fields; never touched outside the loop.
	stream       stt.SessionHandle
	gen          uint64
	language     string
	usingOffline bool
	authorized   bool
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdPause
	cmdResume
	cmdSetLanguage
	cmdSetContext
	cmdAddVocabulary
	cmdUseOffline
	cmdFeed
	cmdResult
	cmdBackendErr
)

// command is one unit of work for the run loop. Lifecycle commands carry a
// reply channel; feed and backend commands are fire-and-forget.
type command struct {
	kind  cmdKind
	ctx   context.Context
	reply chan error

	buf        *audio.Buffer
	transcript types.Transcript
	err        error
	gen        uint64
	text       string
	words      []string
	appCtx     types.AppContext
}

// NewSession validates cfg, starts the run loop and the recovery
// coordinator, and returns the session in the idle state.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: Config.Provider is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("session: Config.Pool is required")
	}
	if cfg.Corrector == nil {
		return nil, errors.New("session: Config.Corrector is required")
	}
	if cfg.Emitter == nil {
		return nil, errors.New("session: Config.Emitter is required")
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}

	s := &Session{
		cfg:      cfg,
		cmds:     make(chan command, queue),
		done:     make(chan struct{}),
		stateCh:  make(chan State, 16),
		language: cfg.Language,
	}
	s.recovery = newCoordinator(s, cfg.Recovery)
	s.wg.Add(2)
	go s.run()
	go s.recovery.run()
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// StateChanges returns a stream of lifecycle transitions. Sends never block
// the session: a lagging consumer misses intermediate transitions, so treat
// the channel as a wake-up signal and read [Session.State] for the
// authoritative value. The channel closes when the session closes.
func (s *Session) StateChanges() <-chan State {
	return s.stateCh
}

// Start opens a recognition stream and moves the session to active.
// Starting an already-active session is a no-op. On failure the session
// stays idle and the typed cause is returned.
func (s *Session) Start(ctx context.Context) error {
	return s.do(ctx, command{kind: cmdStart})
}

// Stop tears down the in-flight stream and returns the session to idle.
// Stopping an idle session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	return s.do(ctx, command{kind: cmdStop})
}

// Pause cancels the in-flight stream but retains language, context, and
// vocabulary so Resume can open a fresh one without re-validation. Buffers
// arriving while paused are discarded, not queued. Pausing a session that
// is not active is a no-op.
func (s *Session) Pause(ctx context.Context) error {
	return s.do(ctx, command{kind: cmdPause})
}

// Resume opens a fresh stream with the retained configuration. Resuming a
// session that is not paused is a no-op.
func (s *Session) Resume(ctx context.Context) error {
	return s.do(ctx, command{kind: cmdResume})
}

// SetLanguage changes the recognition language. An active session cycles
// its stream internally; the backend cannot change locale on an in-flight
// request.
func (s *Session) SetLanguage(ctx context.Context, code string) error {
	return s.do(ctx, command{kind: cmdSetLanguage, text: code})
}

// SetContext switches the corrector to a new application context and
// refreshes the backend's keyword hints.
func (s *Session) SetContext(ctx context.Context, appCtx types.AppContext) error {
	return s.do(ctx, command{kind: cmdSetContext, appCtx: appCtx})
}

// AddVocabulary registers custom vocabulary terms with the corrector and
// refreshes the backend's keyword hints.
func (s *Session) AddVocabulary(ctx context.Context, words []string) error {
	return s.do(ctx, command{kind: cmdAddVocabulary, words: words})
}

// Feed hands an audio buffer to the session. The call never blocks: when
// the queue is full or the session is closed, the buffer is dropped and
// returned to the pool immediately. Buffers fed outside the active state
// are likewise discarded.
func (s *Session) Feed(b *audio.Buffer) {
	if b == nil {
		return
	}
	select {
	case <-s.done:
		s.cfg.Pool.Release(b)
		return
	default:
	}
	select {
	case s.cmds <- command{kind: cmdFeed, buf: b}:
	default:
		s.feedDrops.Add(1)
		s.cfg.Pool.Release(b)
	}
}

// FeedDrops returns how many buffers were dropped because the command
// queue was full.
func (s *Session) FeedDrops() int64 {
	return s.feedDrops.Load()
}

// Close shuts the session down: the stream is cancelled, queued buffers
// are returned to the pool, and the run loop exits. Close is idempotent.
func (s *Session) Close() error {
	s.closing.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

// do posts a lifecycle command and waits for the loop's reply.
func (s *Session) do(ctx context.Context, cmd command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.ctx = ctx
	cmd.reply = make(chan error, 1)

	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// post delivers a backend-originated command, giving up when the session
// shuts down first.
func (s *Session) post(cmd command) {
	select {
	case <-s.done:
		s.discard(cmd)
		return
	default:
	}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		s.discard(cmd)
	}
}

// ---- run loop ----

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			s.shutdown()
			return
		case cmd := <-s.cmds:
			s.dispatch(cmd)
		}
	}
}

func (s *Session) dispatch(cmd command) {
	switch cmd.kind {
	case cmdStart:
		cmd.reply <- s.handleStart(cmd.ctx)
	case cmdStop:
		cmd.reply <- s.handleStop()
	case cmdPause:
		cmd.reply <- s.handlePause()
	case cmdResume:
		cmd.reply <- s.handleResume(cmd.ctx)
	case cmdSetLanguage:
		cmd.reply <- s.handleSetLanguage(cmd.ctx, cmd.text)
	case cmdSetContext:
		s.cfg.Corrector.SetContext(cmd.appCtx)
		s.pushKeywords()
		cmd.reply <- nil
	case cmdAddVocabulary:
		s.cfg.Corrector.AddVocabulary(cmd.words)
		s.pushKeywords()
		cmd.reply <- nil
	case cmdUseOffline:
		s.usingOffline = true
		cmd.reply <- nil
	case cmdFeed:
		s.handleFeed(cmd.buf)
	case cmdResult:
		s.handleResult(cmd)
	case cmdBackendErr:
		s.handleBackendErr(cmd)
	}
}

func (s *Session) handleStart(ctx context.Context) error {
	switch s.State() {
	case StateActive:
		// Already transcribing; nothing to do.
		return nil
	case StateIdle:
	default:
		return fmt.Errorf("session: start while %s: %w", s.State(), ErrInvalidState)
	}

	s.setState(StateStarting)
	if err := s.ensureAuthorized(ctx); err != nil {
		s.setState(StateIdle)
		return err
	}
	began := time.Now()
	if err := s.openStream(ctx); err != nil {
		s.setState(StateIdle)
		return fmt.Errorf("session: start: %w", err)
	}
	if s.cfg.Monitor != nil {
		s.cfg.Monitor.Record(perf.OpRecognition, time.Since(began))
	}
	s.setState(StateActive)
	slog.Info("recognition session started",
		"language", s.language,
		"offline", s.usingOffline,
	)
	return nil
}

func (s *Session) handleStop() error {
	switch s.State() {
	case StateActive, StatePaused:
		s.teardown()
		slog.Info("recognition session stopped")
	}
	return nil
}

func (s *Session) handlePause() error {
	if s.State() != StateActive {
		// Pausing an idle or already-paused session is a no-op.
		return nil
	}
	s.closeStream()
	s.setState(StatePaused)
	slog.Info("recognition session paused")
	return nil
}

func (s *Session) handleResume(ctx context.Context) error {
	if s.State() != StatePaused {
		return nil
	}
	if err := s.openStream(ctx); err != nil {
		// Stay paused; the stream configuration is still retained.
		return fmt.Errorf("session: resume: %w", err)
	}
	s.setState(StateActive)
	slog.Info("recognition session resumed")
	return nil
}

func (s *Session) handleSetLanguage(ctx context.Context, code string) error {
	if code == s.language {
		return nil
	}
	s.language = code
	if s.State() != StateActive {
		// Picked up when the next stream opens.
		return nil
	}

	// The backend cannot change locale on an in-flight request: cycle the
	// stream, keeping context and vocabulary.
	s.closeStream()
	if err := s.openStream(ctx); err != nil {
		s.teardown()
		return fmt.Errorf("session: set language: %w", err)
	}
	slog.Info("recognition language changed", "language", code)
	return nil
}

func (s *Session) handleFeed(b *audio.Buffer) {
	defer s.cfg.Pool.Release(b)
	if s.State() != StateActive || s.stream == nil {
		// Paused and idle sessions discard audio rather than queueing it.
		return
	}
	pcm := audio.EncodePCM16(nil, b.Samples)
	if err := s.stream.SendAudio(pcm); err != nil {
		if errors.Is(err, stt.ErrSessionClosed) {
			return
		}
		slog.Warn("audio send failed", "error", err)
	}
}

func (s *Session) handleResult(cmd command) {
	if cmd.gen != s.gen || s.stream == nil {
		// Stale result from a stream cancelled after it fired.
		return
	}
	t := cmd.transcript
	corrected := s.cfg.Corrector.Apply(t.Text)
	if !t.IsFinal {
		s.cfg.Emitter.Publish(transcript.Assemble(t, corrected))
		return
	}

	// Finals go out verbatim; when the corrector rewrote the text, the
	// rewritten version follows as a correction update.
	final := transcript.Assemble(t, t.Text)
	s.cfg.Emitter.Publish(final)
	if corrected != t.Text {
		s.cfg.Emitter.Publish(transcript.AssembleCorrection(final, corrected))
	}
}

func (s *Session) handleBackendErr(cmd command) {
	if cmd.gen != s.gen {
		return
	}
	action := Classify(cmd.err, s.offlineAvailable())
	if action.Kind == types.RecoveryNone {
		// Expected fault (silence, our own cancellation): state untouched,
		// nothing published.
		slog.Debug("transient recognition fault", "error", cmd.err)
		return
	}

	slog.Warn("recognition backend fault", "error", cmd.err, "action", action.Kind)
	if s.cfg.OnFault != nil {
		s.cfg.OnFault(cmd.err, action)
	}
	s.teardown()
	s.cfg.Emitter.Publish(statusUpdate(statusText(action.Kind)))
	s.recovery.trigger(action)
}

// ---- stream management ----

func (s *Session) openStream(ctx context.Context) error {
	provider := s.cfg.Provider
	backend := "primary"
	if s.usingOffline && s.cfg.Offline != nil {
		provider = s.cfg.Offline
		backend = "offline"
	}

	stream, err := provider.StartStream(ctx, stt.StreamConfig{
		SampleRate:     s.cfg.Pool.SampleRate(),
		Channels:       1,
		Language:       s.language,
		Keywords:       s.cfg.Corrector.ActiveTerms(),
		InterimResults: s.cfg.InterimResults,
	})
	if err != nil {
		return fmt.Errorf("open %s stream: %w", backend, err)
	}

	s.gen++
	s.stream = stream
	s.drainWG.Add(1)
	go s.drainStream(stream, s.gen)
	return nil
}

// closeStream cancels the in-flight stream. Closing an absent stream is a
// no-op, so cancellation is idempotent.
func (s *Session) closeStream() {
	if s.stream == nil {
		return
	}
	stream := s.stream
	s.stream = nil
	s.gen++
	if err := stream.Close(); err != nil {
		slog.Warn("recognition stream close failed", "error", err)
	}
}

// teardown closes the stream and returns the session to idle through the
// stopping state.
func (s *Session) teardown() {
	s.setState(StateStopping)
	s.closeStream()
	s.setState(StateIdle)
}

// drainStream forwards the stream's transcripts and errors into the command
// queue. Everything is tagged with the stream generation so the loop can
// drop results that raced with a pause, stop, or restart. The goroutine
// exits when the backend closes its channels or the session shuts down,
// whichever comes first.
func (s *Session) drainStream(stream stt.SessionHandle, gen uint64) {
	defer s.drainWG.Done()

	partials := stream.Partials()
	finals := stream.Finals()
	errs := stream.Errs()
	for partials != nil || finals != nil || errs != nil {
		select {
		case <-s.done:
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.post(command{kind: cmdResult, transcript: t, gen: gen})
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			s.post(command{kind: cmdResult, transcript: t, gen: gen})
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.post(command{kind: cmdBackendErr, err: err, gen: gen})
		}
	}
}

// ---- helpers ----

// ensureAuthorized runs the authorization hook ahead of the first stream.
// A grant sticks for the session's lifetime; a denial does not, since the
// user may grant access between attempts.
func (s *Session) ensureAuthorized(ctx context.Context) error {
	if s.authorized || s.cfg.Authorize == nil {
		return nil
	}
	granted, err := s.cfg.Authorize(ctx)
	if err != nil {
		return fmt.Errorf("session: authorization check: %w", err)
	}
	if !granted {
		slog.Warn("recognition authorization denied")
		return ErrAuthorizationDenied
	}
	s.authorized = true
	return nil
}

// useOffline flips the session to the offline backend for all future
// streams. Called by the recovery coordinator.
func (s *Session) useOffline(ctx context.Context) error {
	return s.do(ctx, command{kind: cmdUseOffline})
}

func (s *Session) offlineAvailable() bool {
	return s.cfg.Offline != nil && stt.IsOfflineCapable(s.cfg.Offline)
}

// pushKeywords refreshes the backend's vocabulary hints after a context or
// vocabulary change. Providers without mid-stream support keep their
// start-time hints until the next stream opens.
func (s *Session) pushKeywords() {
	if s.stream == nil {
		return
	}
	err := s.stream.SetKeywords(s.cfg.Corrector.ActiveTerms())
	switch {
	case err == nil:
	case errors.Is(err, stt.ErrNotSupported):
		slog.Debug("backend does not support live keyword updates")
	default:
		slog.Warn("keyword update failed", "error", err)
	}
}

func (s *Session) setState(to State) {
	from := s.State()
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		slog.Warn("unexpected session state transition", "from", from, "to", to)
	}
	s.state.Store(int32(to))
	slog.Debug("session state changed", "from", from, "to", to)
	select {
	case s.stateCh <- to:
	default:
	}
}

// shutdown runs on the loop goroutine after Close: it cancels the stream,
// waits out the drain goroutines, and returns every queued buffer.
func (s *Session) shutdown() {
	defer close(s.stateCh)
	s.closeStream()

	drained := make(chan struct{})
	go func() {
		s.drainWG.Wait()
		close(drained)
	}()
	for {
		select {
		case cmd := <-s.cmds:
			s.discard(cmd)
		case <-drained:
			for {
				select {
				case cmd := <-s.cmds:
					s.discard(cmd)
				default:
					return
				}
			}
		}
	}
}

// discard releases a command's resources without executing it.
func (s *Session) discard(cmd command) {
	if cmd.buf != nil {
		s.cfg.Pool.Release(cmd.buf)
	}
	if cmd.reply != nil {
		cmd.reply <- ErrClosed
	}
}

// statusUpdate wraps a human-readable status line in a zero-confidence
// partial update so subscribers can display pipeline state without parsing
// backend errors.
func statusUpdate(text string) types.Update {
	return types.Update{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      types.UpdatePartial,
		Text:      text,
	}
}
