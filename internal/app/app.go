// Package app wires all EchoLex subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the capture-to-transcript pipeline until the
// context is cancelled, and Shutdown tears everything down in reverse
// order.
//
// For testing, inject mock implementations via functional options
// (WithSource, WithProvider, etc.). When an option is not provided, New
// creates real implementations from the config registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echolex/internal/config"
	"github.com/MrWong99/echolex/internal/health"
	"github.com/MrWong99/echolex/internal/observe"
	"github.com/MrWong99/echolex/internal/perf"
	"github.com/MrWong99/echolex/internal/resilience"
	"github.com/MrWong99/echolex/internal/session"
	"github.com/MrWong99/echolex/internal/transcript"
	"github.com/MrWong99/echolex/pkg/audio"
	"github.com/MrWong99/echolex/pkg/provider/stt"
	"github.com/MrWong99/echolex/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// serverStopTimeout bounds the graceful drain of the admin HTTP server once
// the run context is cancelled.
const serverStopTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the transcription
// pipeline: capture source → buffer pool → level processor → recognition
// session → corrector → update emitter.
type App struct {
	cfg       *config.Config
	providers *config.Registry

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics   *observe.Metrics
	monitor   *perf.Monitor
	pool      *audio.Pool
	corrector *transcript.Corrector
	emitter   *transcript.Emitter
	chain     *resilience.STTFallback
	source    audio.Source
	sess      *session.Session
	health    *health.Handler

	primaryName string
	offlineName string
	offline     stt.Provider

	// Option-injected backends; initRecognition falls back to the registry
	// when these are nil.
	injectedPrimary stt.Provider
	injectedOffline stt.Provider

	authorize func(ctx context.Context) (bool, error)

	usingOffline atomic.Bool
	permRequired atomic.Bool
	lastLevel    atomic.Uint64 // math.Float64bits of the latest meter level

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects a capture source instead of creating one from the
// registry.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithProvider injects the primary recognition backend instead of creating
// one from the registry.
func WithProvider(p stt.Provider) Option {
	return func(a *App) { a.injectedPrimary = p }
}

// WithOfflineProvider injects the offline fallback backend.
func WithOfflineProvider(p stt.Provider) Option {
	return func(a *App) { a.injectedOffline = p }
}

// WithMetrics injects a metrics set bound to a specific meter provider
// instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithAuthorizer sets the collaborator consulted before the first
// recognition stream opens. Without one, recognition is treated as granted.
func WithAuthorizer(fn func(ctx context.Context) (bool, error)) Option {
	return func(a *App) { a.authorize = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The registry comes
// from main.go (populated with the built-in backend and source factories).
// Use Option functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously and opens no streams; audio
// starts flowing when Run is called.
func New(ctx context.Context, cfg *config.Config, providers *config.Registry, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil {
		providers = config.NewRegistry()
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics + latency monitor ─────────────────────────────────────
	a.initTelemetry()

	// ── 2. Buffer pool ───────────────────────────────────────────────────
	if err := a.initPool(); err != nil {
		return nil, fmt.Errorf("app: init pool: %w", err)
	}

	// ── 3. Corrector + update emitter ────────────────────────────────────
	a.initTranscripts()

	// ── 4. Recognition backends ──────────────────────────────────────────
	if err := a.initRecognition(); err != nil {
		return nil, fmt.Errorf("app: init recognition: %w", err)
	}

	// ── 5. Capture source ────────────────────────────────────────────────
	if err := a.initSource(); err != nil {
		return nil, fmt.Errorf("app: init source: %w", err)
	}

	// ── 6. Recognition session ───────────────────────────────────────────
	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 7. Health endpoints ──────────────────────────────────────────────
	a.health = health.NewWithStatus(a.status,
		health.SessionReady(a.sess),
		health.RecognitionReady(a.chain),
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the metric instruments and the latency monitor,
// mirroring monitor samples into the OTel histograms.
func (a *App) initTelemetry() {
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.monitor = perf.NewMonitor(
		perf.WithRingSize(a.cfg.Perf.RingSize),
		perf.WithTargets(a.cfg.Perf.Targets.Resolve()),
		perf.WithHistogram(perf.OpBufferProcess, a.metrics.BufferProcessDuration),
		perf.WithHistogram(perf.OpRecognition, a.metrics.RecognitionDuration),
	)
}

// initPool creates the shared capture buffer pool and exposes its occupancy
// as observable gauges.
func (a *App) initPool() error {
	ac := a.cfg.Audio
	a.pool = audio.NewPool(ac.BufferFrames, ac.SampleRate, ac.Pool.Initial, ac.Pool.Max)

	reg, err := a.metrics.RegisterPoolGauges(func() (int64, int64) {
		st := a.pool.Stats()
		return st.Acquired - st.Released, int64(st.HighWater)
	})
	if err != nil {
		return fmt.Errorf("register pool gauges: %w", err)
	}
	a.closers = append(a.closers, reg.Unregister)
	return nil
}

// initTranscripts seeds the corrector from config and creates the emitter.
func (a *App) initTranscripts() {
	a.corrector = transcript.NewCorrector()
	a.corrector.SetContext(a.cfg.Context.AppContext())
	if words := a.cfg.Context.Vocabulary; len(words) > 0 {
		a.corrector.AddVocabulary(words)
	}

	a.emitter = transcript.NewEmitter()
	a.closers = append(a.closers, func() error {
		a.emitter.Close()
		return nil
	})
}

// initRecognition builds the primary backend, the optional offline
// fallback, and the breaker-guarded failover chain the session streams
// through.
func (a *App) initRecognition() error {
	primary := a.injectedPrimary
	a.primaryName = "primary"
	if primary == nil {
		name := a.cfg.STT.Provider
		p, err := a.providers.CreateSTT(name, a.cfg)
		if err != nil {
			return fmt.Errorf("create backend %q: %w", name, err)
		}
		primary = p
		a.primaryName = name
	}

	var offline stt.Provider
	a.offlineName = "offline"
	switch {
	case a.injectedOffline != nil:
		offline = a.injectedOffline
	case a.cfg.STT.Offline != "":
		p, err := a.providers.CreateSTT(a.cfg.STT.Offline, a.cfg)
		if err != nil {
			return fmt.Errorf("create offline backend %q: %w", a.cfg.STT.Offline, err)
		}
		offline = p
		a.offlineName = a.cfg.STT.Offline
	}

	chain := resilience.NewSTTFallback(primary, a.primaryName, resilience.FallbackConfig{})
	if offline != nil {
		chain.AddFallback(a.offlineName, offline)
	}
	a.chain = chain
	a.offline = offline
	return nil
}

// initSource creates the capture source from the registry unless one was
// injected.
func (a *App) initSource() error {
	if a.source != nil {
		return nil
	}
	name := a.cfg.Audio.Source
	src, err := a.providers.CreateSource(name, a.cfg, a.pool)
	if err != nil {
		return fmt.Errorf("create source %q: %w", name, err)
	}
	a.source = src
	return nil
}

// initSession assembles the recognition session around the other
// subsystems and exposes its lifecycle state as a gauge.
func (a *App) initSession() error {
	sess, err := session.NewSession(session.Config{
		Provider:       a.chain,
		Offline:        a.offline,
		Pool:           a.pool,
		Corrector:      a.corrector,
		Emitter:        a.emitter,
		Monitor:        a.monitor,
		Language:       a.cfg.STT.Language,
		InterimResults: a.cfg.STT.InterimResults,
		Authorize:      a.authorize,
		Recovery: session.RecoveryConfig{
			RetryDelay: a.cfg.Recovery.RetryDelay(),
			MaxBackoff: a.cfg.Recovery.MaxBackoff(),
			MaxRetries: a.cfg.Recovery.MaxRetries,
			OnPermissionRequired: func() {
				a.permRequired.Store(true)
				slog.Error("microphone permission required; grant access and start a new session")
			},
			OnRecovery: func(action types.RecoveryAction) {
				if action.Kind == types.RecoveryFallbackToOffline {
					a.usingOffline.Store(true)
				}
				a.metrics.RecordRecovery(context.Background(), action.Kind.String())
			},
		},
		OnFault: func(err error, action types.RecoveryAction) {
			a.metrics.RecordBackendError(context.Background(), a.backendLabel(), faultClass(err, action))
		},
	})
	if err != nil {
		return err
	}
	a.sess = sess
	a.closers = append(a.closers, sess.Close)

	reg, err := a.metrics.RegisterSessionState(func() int64 {
		return int64(sess.State())
	})
	if err != nil {
		return fmt.Errorf("register session gauge: %w", err)
	}
	a.closers = append(a.closers, reg.Unregister)
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts capture and recognition and blocks until ctx is cancelled or a
// pipeline goroutine fails. On a clean cancellation Run returns ctx.Err()
// after every pipeline goroutine has drained.
func (a *App) Run(ctx context.Context) error {
	if err := a.source.Start(ctx); err != nil {
		return fmt.Errorf("app: start capture: %w", err)
	}
	sctx, span := observe.StartSpan(ctx, "session.start")
	err := a.sess.Start(sctx)
	span.End()
	if err != nil {
		_ = a.source.Stop()
		return fmt.Errorf("app: start session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	proc := audio.NewProcessor(a.feedSession,
		audio.WithLatencyRecorder(func(d time.Duration) {
			a.monitor.Record(perf.OpBufferProcess, d)
		}),
	)

	// Feed pump: capture buffers through the level processor into the
	// session. Exits when the source closes its stream.
	g.Go(func() error {
		proc.Run(gctx, a.source.Buffers(), a.pool)
		return nil
	})

	// Level tap: retain the latest meter level for /statusz.
	g.Go(func() error {
		for lvl := range proc.Levels() {
			a.lastLevel.Store(math.Float64bits(lvl))
		}
		return nil
	})

	// Capture fault tap.
	g.Go(func() error {
		for err := range a.source.Errors() {
			slog.Warn("capture fault", "error", err)
		}
		return nil
	})

	// Update tap: count published updates by type.
	g.Go(func() error {
		a.tapUpdates(gctx)
		return nil
	})

	// Admin endpoints (health, status, metrics).
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := a.adminServer(addr)
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("admin server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				slog.Warn("admin server shutdown", "error", err)
			}
			return nil
		})
	}

	slog.Info("echolex running",
		"source", a.cfg.Audio.Source,
		"backend", a.primaryName,
		"listen", a.cfg.Server.ListenAddr,
	)

	<-gctx.Done()

	// Stopping the source closes its buffer stream, which lets the feed
	// pump drain and return every in-flight buffer to the pool.
	if err := a.source.Stop(); err != nil {
		slog.Warn("capture stop failed", "error", err)
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: run: %w", err)
	}
	return ctx.Err()
}

// feedSession hands one processed buffer to the session and counts the
// outcome. Feed never blocks; a full session queue surfaces as a drop.
func (a *App) feedSession(b *audio.Buffer) {
	before := a.sess.FeedDrops()
	a.sess.Feed(b)
	ctx := context.Background()
	if a.sess.FeedDrops() > before {
		a.metrics.RecordBufferDropped(ctx, "queue_full")
		return
	}
	a.metrics.RecordBufferProcessed(ctx)
}

// tapUpdates consumes one subscription worth of updates for metrics. The
// emitter broadcasts, so external subscribers see the same stream.
func (a *App) tapUpdates(ctx context.Context) {
	sub := a.emitter.Subscribe()
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.Updates():
			if !ok {
				return
			}
			a.metrics.RecordUpdate(ctx, string(u.Type))
			slog.Debug("transcription update",
				"type", u.Type,
				"id", u.ID,
				"confidence", u.Confidence,
			)
		}
	}
}

// adminServer assembles the health, status, and Prometheus endpoints.
func (a *App) adminServer(addr string) *http.Server {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop capture first so no new buffers enter the pipeline, then
		// end the session cleanly while the emitter still has subscribers.
		if err := a.source.Stop(); err != nil {
			slog.Warn("capture stop failed", "error", err)
		}
		if err := a.sess.Stop(ctx); err != nil && !errors.Is(err, session.ErrClosed) {
			slog.Warn("session stop failed", "error", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Subscribe returns a subscription to the live update stream. Slow
// subscribers lose updates rather than blocking the pipeline; cancel the
// subscription when done.
func (a *App) Subscribe() *transcript.Subscription {
	return a.emitter.Subscribe()
}

// Session exposes the recognition session for lifecycle control (pause,
// resume, language changes).
func (a *App) Session() *session.Session {
	return a.sess
}

// Pool exposes the shared capture buffer pool so injected sources can draw
// from it.
func (a *App) Pool() *audio.Pool {
	return a.pool
}

// Apply applies the hot-reloadable slice of a config change to the running
// pipeline. Vocabulary changes are additive: removed terms stay active
// until restart, because the corrector only grows its custom set. Changes
// the diff does not track (audio topology, backend selection) require a
// restart.
func (a *App) Apply(ctx context.Context, d config.ConfigDiff) error {
	var errs []error
	if d.LanguageChanged {
		if err := a.sess.SetLanguage(ctx, d.NewLanguage); err != nil {
			errs = append(errs, fmt.Errorf("set language: %w", err))
		}
	}
	if d.ContextChanged {
		if err := a.sess.SetContext(ctx, d.NewContext); err != nil {
			errs = append(errs, fmt.Errorf("set context: %w", err))
		}
	}
	if d.VocabularyChanged {
		if err := a.sess.AddVocabulary(ctx, d.NewVocabulary); err != nil {
			errs = append(errs, fmt.Errorf("add vocabulary: %w", err))
		}
	}
	if d.TargetsChanged {
		a.monitor.SetTargets(d.NewTargets)
	}
	return errors.Join(errs...)
}

// ─── Status ──────────────────────────────────────────────────────────────────

// pipelineStatus is the /statusz payload.
type pipelineStatus struct {
	Session            string                `json:"session"`
	UsingOffline       bool                  `json:"using_offline"`
	PermissionRequired bool                  `json:"permission_required,omitempty"`
	Level              float64               `json:"level"`
	FeedDrops          int64                 `json:"feed_drops"`
	UpdateDrops        int64                 `json:"update_drops"`
	SourceDrops        int64                 `json:"source_drops"`
	Pool               poolStatus            `json:"pool"`
	Backends           map[string]string     `json:"backends"`
	Latency            map[string]perf.Stats `json:"latency"`
}

// poolStatus summarises buffer pool occupancy for operators.
type poolStatus struct {
	InUse          int64 `json:"in_use"`
	HighWater      int   `json:"high_water"`
	Total          int   `json:"total"`
	Dropped        int64 `json:"dropped"`
	DoubleReleases int64 `json:"double_releases"`
}

// status builds the /statusz snapshot.
func (a *App) status() any {
	ps := a.pool.Stats()

	backends := make(map[string]string)
	for name, st := range a.chain.BreakerStates() {
		backends[name] = st.String()
	}

	latency := make(map[string]perf.Stats)
	for op, stats := range a.monitor.Snapshot().Ops {
		latency[string(op)] = stats
	}

	var sourceDrops int64
	if stats, ok := a.source.(audio.SourceStats); ok {
		sourceDrops = stats.DroppedFrames()
	}

	return pipelineStatus{
		Session:            a.sess.State().String(),
		UsingOffline:       a.usingOffline.Load(),
		PermissionRequired: a.permRequired.Load(),
		Level:              math.Float64frombits(a.lastLevel.Load()),
		FeedDrops:          a.sess.FeedDrops(),
		UpdateDrops:        a.emitter.Dropped(),
		SourceDrops:        sourceDrops,
		Pool: poolStatus{
			InUse:          ps.Acquired - ps.Released,
			HighWater:      ps.HighWater,
			Total:          ps.Total,
			Dropped:        ps.Dropped,
			DoubleReleases: ps.DoubleReleases,
		},
		Backends: backends,
		Latency:  latency,
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// backendLabel names the backend faults are attributed to. The label flips
// to the offline backend once the session has switched and never flips
// back, matching the session's sticky fallback.
func (a *App) backendLabel() string {
	if a.usingOffline.Load() {
		return a.offlineName
	}
	return a.primaryName
}

// faultClass maps a backend fault to the metric class attribute without
// re-deriving the classification table.
func faultClass(err error, action types.RecoveryAction) string {
	if code, ok := stt.ErrorCode(err); ok && stt.IsNetworkCode(code) {
		return "network"
	}
	switch action.Kind {
	case types.RecoveryRequestPermissions:
		return "permission"
	case types.RecoveryRetryAfterDelay:
		return "transient"
	case types.RecoveryFallbackToOffline:
		return "network"
	default:
		return "backend"
	}
}
