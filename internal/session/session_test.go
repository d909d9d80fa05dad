package session

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/echolex/internal/perf"
	"github.com/MrWong99/echolex/internal/transcript"
	"github.com/MrWong99/echolex/pkg/audio"
	"github.com/MrWong99/echolex/pkg/provider/stt"
	sttmock "github.com/MrWong99/echolex/pkg/provider/stt/mock"
	"github.com/MrWong99/echolex/pkg/types"
)

func TestNewSession_RequiresCollaborators(t *testing.T) {
	valid := func() Config {
		return Config{
			Provider:  &sttmock.Provider{},
			Pool:      audio.NewPool(160, 16000, 2, 8),
			Corrector: transcript.NewCorrector(),
			Emitter:   transcript.NewEmitter(),
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing provider", func(c *Config) { c.Provider = nil }, "Provider"},
		{"missing pool", func(c *Config) { c.Pool = nil }, "Pool"},
		{"missing corrector", func(c *Config) { c.Corrector = nil }, "Corrector"},
		{"missing emitter", func(c *Config) { c.Emitter = nil }, "Emitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if _, err := NewSession(cfg); err == nil {
				t.Fatal("expected error, got nil")
			} else if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not name %s", err, tt.want)
			}
		})
	}

	s, err := NewSession(valid())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := s.State(); got != StateIdle {
		t.Errorf("expected new session to be idle, got %s", got)
	}
	_ = s.Close()
}

func TestSession_StartOpensStream(t *testing.T) {
	env := newTestSession(t, nil)

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := env.s.State(); got != StateActive {
		t.Errorf("expected active state, got %s", got)
	}
	if got := env.provider.StartStreamCallCount(); got != 1 {
		t.Fatalf("expected 1 StartStream call, got %d", got)
	}

	cfg := env.provider.StartStreamCalls[0].Cfg
	if cfg.SampleRate != 16000 {
		t.Errorf("expected sample rate 16000, got %d", cfg.SampleRate)
	}
	if cfg.Channels != 1 {
		t.Errorf("expected mono stream, got %d channels", cfg.Channels)
	}
	if cfg.Language != "en-US" {
		t.Errorf("expected language en-US, got %q", cfg.Language)
	}
	if !cfg.InterimResults {
		t.Error("expected interim results to be requested")
	}
}

func TestSession_StartWhileActiveIsNoOp(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op, got: %v", err)
	}
	if got := env.provider.StartStreamCallCount(); got != 1 {
		t.Errorf("expected 1 StartStream call, got %d", got)
	}
}

func TestSession_StartWhilePausedFails(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.Pause(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := env.s.Start(ctx)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if got := env.s.State(); got != StatePaused {
		t.Errorf("expected session to stay paused, got %s", got)
	}
}

func TestSession_StartFailureStaysIdle(t *testing.T) {
	env := newTestSession(t, nil)
	env.provider.SessionFunc = func(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
		return nil, errors.New("dial tcp 127.0.0.1:443: connection refused")
	}

	err := env.s.Start(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "session: start") {
		t.Errorf("unexpected error text: %v", err)
	}
	if got := env.s.State(); got != StateIdle {
		t.Errorf("expected idle state after failed start, got %s", got)
	}
}

func TestSession_StartChecksAuthorization(t *testing.T) {
	var checks atomic.Int32
	var granted atomic.Bool
	env := newTestSession(t, func(cfg *Config) {
		cfg.Authorize = func(ctx context.Context) (bool, error) {
			checks.Add(1)
			return granted.Load(), nil
		}
	})
	ctx := context.Background()

	err := env.s.Start(ctx)
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", err)
	}
	if got := env.s.State(); got != StateIdle {
		t.Errorf("expected idle state after denial, got %s", got)
	}
	if got := env.provider.StartStreamCallCount(); got != 0 {
		t.Errorf("expected no stream after denial, got %d StartStream calls", got)
	}

	// The user granted access since the last attempt, so the next start
	// asks again and succeeds.
	granted.Store(true)
	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := env.s.State(); got != StateActive {
		t.Errorf("expected active state, got %s", got)
	}

	// The grant is cached: stop + start must not ask a third time.
	if err := env.s.Stop(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := checks.Load(); got != 2 {
		t.Errorf("authorization checks = %d, want 2", got)
	}
}

func TestSession_AuthorizationErrorSurfaces(t *testing.T) {
	env := newTestSession(t, func(cfg *Config) {
		cfg.Authorize = func(ctx context.Context) (bool, error) {
			return false, errors.New("prompt dismissed")
		}
	})

	err := env.s.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "prompt dismissed") {
		t.Fatalf("expected the collaborator's error, got %v", err)
	}
	if errors.Is(err, ErrAuthorizationDenied) {
		t.Error("a failed check is not a denial")
	}
	if got := env.s.State(); got != StateIdle {
		t.Errorf("expected idle state, got %s", got)
	}
}

func TestSession_StopReturnsToIdle(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.Stop(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := env.s.State(); got != StateIdle {
		t.Errorf("expected idle state, got %s", got)
	}
	if got := env.stream(t, 0).CloseCallCount; got != 1 {
		t.Errorf("expected stream to be closed once, got %d", got)
	}
	if err := env.s.Stop(ctx); err != nil {
		t.Fatalf("second stop should be a no-op, got: %v", err)
	}
}

func TestSession_LifecycleNoOpsWhileIdle(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.Stop(ctx); err != nil {
		t.Errorf("stop while idle: %v", err)
	}
	if err := env.s.Pause(ctx); err != nil {
		t.Errorf("pause while idle: %v", err)
	}
	if err := env.s.Resume(ctx); err != nil {
		t.Errorf("resume while idle: %v", err)
	}
	if got := env.s.State(); got != StateIdle {
		t.Errorf("expected idle state, got %s", got)
	}
	if got := env.provider.StartStreamCallCount(); got != 0 {
		t.Errorf("expected no streams to be opened, got %d", got)
	}
}

func TestSession_PauseDiscardsAudio(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.Pause(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := env.pool.Acquire()
	b.Samples = append(b.Samples, 0.1, 0.2)
	env.s.Feed(b)
	env.sync(t)

	if got := env.stream(t, 0).SendAudioCallCount(); got != 0 {
		t.Errorf("expected no audio while paused, got %d sends", got)
	}
	stats := env.pool.Stats()
	if stats.Acquired != stats.Released {
		t.Errorf("buffer leaked: acquired %d, released %d", stats.Acquired, stats.Released)
	}
}

func TestSession_ResumeOpensFreshStream(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.Pause(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.Resume(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.s.State(); got != StateActive {
		t.Errorf("expected active state, got %s", got)
	}
	if got := env.provider.StartStreamCallCount(); got != 2 {
		t.Fatalf("expected a fresh stream on resume, got %d StartStream calls", got)
	}

	b := env.pool.Acquire()
	b.Samples = append(b.Samples, 0.5)
	env.s.Feed(b)
	second := env.stream(t, 1)
	waitFor(t, "audio to reach the resumed stream", func() bool {
		return second.SendAudioCallCount() == 1
	})
}

func TestSession_FeedEncodesAndSendsPCM(t *testing.T) {
	env := newTestSession(t, nil)

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := env.pool.Acquire()
	b.Samples = append(b.Samples, 0.5, -0.5, 0.25, -1)
	want := audio.EncodePCM16(nil, []float32{0.5, -0.5, 0.25, -1})
	env.s.Feed(b)

	st := env.stream(t, 0)
	waitFor(t, "audio to reach the backend", func() bool {
		return st.SendAudioCallCount() == 1
	})
	if got := st.SendAudioCalls[0].Chunk; !bytes.Equal(got, want) {
		t.Errorf("sent %x, want %x", got, want)
	}
}

func TestSession_FeedOutsideActiveReturnsBuffer(t *testing.T) {
	env := newTestSession(t, nil)

	b := env.pool.Acquire()
	b.Samples = append(b.Samples, 0.3)
	env.s.Feed(b)
	env.sync(t)

	stats := env.pool.Stats()
	if stats.Acquired != stats.Released {
		t.Errorf("buffer leaked: acquired %d, released %d", stats.Acquired, stats.Released)
	}
	if got := env.provider.StartStreamCallCount(); got != 0 {
		t.Errorf("expected no stream, got %d StartStream calls", got)
	}
}

func TestSession_FeedDropsWhenQueueFull(t *testing.T) {
	env := newTestSession(t, func(cfg *Config) { cfg.QueueSize = 2 })

	gate := make(chan struct{})
	var gateOnce sync.Once
	openGate := func() { gateOnce.Do(func() { close(gate) }) }
	defer openGate()

	env.provider.SessionFunc = func(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
		<-gate
		return sttmock.NewSession(), nil
	}

	startDone := make(chan error, 1)
	go func() { startDone <- env.s.Start(context.Background()) }()
	waitFor(t, "start to reach the backend", func() bool {
		return env.provider.StartStreamCallCount() == 1
	})

	// The run loop is parked inside StartStream, so nothing drains the
	// queue: two feeds fit, the other three must be dropped.
	for i := 0; i < 5; i++ {
		b := env.pool.Acquire()
		if b == nil {
			t.Fatal("pool exhausted")
		}
		env.s.Feed(b)
	}
	if got := env.s.FeedDrops(); got != 3 {
		t.Errorf("expected 3 dropped feeds, got %d", got)
	}

	openGate()
	if err := <-startDone; err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
}

func TestSession_SetLanguageCyclesActiveStream(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.SetLanguage(ctx, "de-DE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.provider.StartStreamCallCount(); got != 2 {
		t.Fatalf("expected stream cycle, got %d StartStream calls", got)
	}
	if got := env.provider.StartStreamCalls[1].Cfg.Language; got != "de-DE" {
		t.Errorf("expected new stream language de-DE, got %q", got)
	}
	if got := env.stream(t, 0).CloseCallCount; got != 1 {
		t.Errorf("expected old stream to be closed, got %d closes", got)
	}
	if got := env.s.State(); got != StateActive {
		t.Errorf("expected session to stay active, got %s", got)
	}

	// Same code again does not cycle the stream.
	if err := env.s.SetLanguage(ctx, "de-DE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := env.provider.StartStreamCallCount(); got != 2 {
		t.Errorf("expected no extra stream, got %d StartStream calls", got)
	}
}

func TestSession_SetLanguageWhileIdleTakesEffectOnStart(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.SetLanguage(ctx, "ja-JP"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := env.provider.StartStreamCallCount(); got != 0 {
		t.Fatalf("expected no stream while idle, got %d", got)
	}

	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := env.provider.StartStreamCalls[0].Cfg.Language; got != "ja-JP" {
		t.Errorf("expected language ja-JP, got %q", got)
	}
}

func TestSession_SetContextPushesKeywords(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	appCtx := types.AppContext{Kind: types.ContextCoding, Detail: "Go"}
	if err := env.s.SetContext(ctx, appCtx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.corr.Context(); got != appCtx {
		t.Errorf("corrector context = %v, want %v", got, appCtx)
	}
	if got := len(env.stream(t, 0).SetKeywordsCalls); got == 0 {
		t.Error("expected keyword push after context switch")
	}
}

func TestSession_AddVocabularyFlowsIntoCorrections(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.AddVocabulary(ctx, []string{"EchoLex"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st := env.stream(t, 0)
	if len(st.SetKeywordsCalls) == 0 {
		t.Fatal("expected keyword push after vocabulary change")
	}
	last := st.SetKeywordsCalls[len(st.SetKeywordsCalls)-1].Keywords
	found := false
	for _, kw := range last {
		if kw == "EchoLex" {
			found = true
		}
	}
	if !found {
		t.Errorf("keywords %v do not contain EchoLex", last)
	}

	st.PartialsCh <- types.Transcript{Text: "open echolex settings"}
	u := recvUpdate(t, env.sub)
	if u.Type != types.UpdatePartial {
		t.Errorf("expected partial update, got %s", u.Type)
	}
	if u.Text != "open EchoLex settings" {
		t.Errorf("expected corrected partial, got %q", u.Text)
	}
}

func TestSession_FinalPublishesVerbatimThenCorrection(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.AddVocabulary(ctx, []string{"EchoLex"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.stream(t, 0).FinalsCh <- types.Transcript{
		Text:    "install echolex today",
		IsFinal: true,
		Segments: []types.Segment{
			{Text: "install echolex today", Confidence: 0.9},
		},
	}

	final := recvUpdate(t, env.sub)
	if final.Type != types.UpdateFinal {
		t.Fatalf("expected final update first, got %s", final.Type)
	}
	if final.Text != "install echolex today" {
		t.Errorf("final must carry the raw text, got %q", final.Text)
	}
	if final.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", final.Confidence)
	}

	correction := recvUpdate(t, env.sub)
	if correction.Type != types.UpdateCorrection {
		t.Fatalf("expected correction update second, got %s", correction.Type)
	}
	if correction.Text != "install EchoLex today" {
		t.Errorf("expected corrected text, got %q", correction.Text)
	}
	if correction.ID == final.ID {
		t.Error("correction must carry a fresh ID")
	}
}

func TestSession_CleanFinalPublishesOnce(t *testing.T) {
	env := newTestSession(t, nil)

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st := env.stream(t, 0)
	st.FinalsCh <- types.Transcript{Text: "nothing to fix here", IsFinal: true}
	first := recvUpdate(t, env.sub)
	if first.Type != types.UpdateFinal || first.Text != "nothing to fix here" {
		t.Fatalf("unexpected first update: %s %q", first.Type, first.Text)
	}

	// The next update must be the next final, not a correction.
	st.FinalsCh <- types.Transcript{Text: "and a second line", IsFinal: true}
	second := recvUpdate(t, env.sub)
	if second.Type != types.UpdateFinal || second.Text != "and a second line" {
		t.Errorf("unexpected second update: %s %q", second.Type, second.Text)
	}
}

func TestSession_StaleResultsAreDropped(t *testing.T) {
	stale := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 4),
		FinalsCh:   make(chan types.Transcript, 4),
		ErrsCh:     make(chan error, 4),
	}
	fresh := sttmock.NewSession()

	env := newTestSession(t, nil)
	var calls atomic.Int32
	env.provider.SessionFunc = func(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
		if calls.Add(1) == 1 {
			return stale, nil
		}
		return fresh, nil
	}

	ctx := context.Background()
	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.Pause(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The paused stream keeps its channels open, so anything it emits now
	// belongs to a dead generation.
	stale.FinalsCh <- types.Transcript{Text: "ghost result", IsFinal: true}
	time.Sleep(20 * time.Millisecond)

	if err := env.s.Resume(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fresh.FinalsCh <- types.Transcript{Text: "live result", IsFinal: true}

	u := recvUpdate(t, env.sub)
	if u.Text != "live result" {
		t.Errorf("expected the live result, got %q", u.Text)
	}
}

func TestSession_TransientFaultKeepsSessionLive(t *testing.T) {
	env := newTestSession(t, nil)

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st := env.stream(t, 0)
	st.ErrsCh <- stt.Errf(203, "no speech detected")
	// Give the drain a moment to forward the fault first.
	time.Sleep(10 * time.Millisecond)

	st.FinalsCh <- types.Transcript{Text: "still listening", IsFinal: true}
	u := recvUpdate(t, env.sub)
	if u.Text != "still listening" {
		t.Fatalf("expected transcript update, got %q", u.Text)
	}
	if got := env.s.State(); got != StateActive {
		t.Errorf("expected session to stay active, got %s", got)
	}
	if got := env.provider.StartStreamCallCount(); got != 1 {
		t.Errorf("expected no stream cycling, got %d StartStream calls", got)
	}
}

func TestSession_PermissionFaultPromptsWithoutRetry(t *testing.T) {
	var prompted atomic.Bool
	env := newTestSession(t, func(cfg *Config) {
		cfg.Recovery.OnPermissionRequired = func() { prompted.Store(true) }
	})

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.stream(t, 0).ErrsCh <- stt.Errf(301, "speech recognition not authorized")

	u := recvUpdate(t, env.sub)
	if u.Text != "[microphone permission required]" {
		t.Errorf("unexpected placeholder: %q", u.Text)
	}
	if u.Type != types.UpdatePartial {
		t.Errorf("placeholder must be a partial, got %s", u.Type)
	}
	if u.Confidence != 0 {
		t.Errorf("placeholder confidence must be 0, got %v", u.Confidence)
	}
	if got := env.s.State(); got != StateIdle {
		t.Errorf("expected idle state, got %s", got)
	}

	waitFor(t, "permission prompt", prompted.Load)

	// No automatic restart may follow.
	time.Sleep(30 * time.Millisecond)
	if got := env.provider.StartStreamCallCount(); got != 1 {
		t.Errorf("expected no restart attempts, got %d StartStream calls", got)
	}
	if got := env.s.State(); got != StateIdle {
		t.Errorf("expected session to stay idle, got %s", got)
	}
}

func TestSession_UnknownFaultRestartsSession(t *testing.T) {
	env := newTestSession(t, nil)

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.stream(t, 0).ErrsCh <- errors.New("decoder gave up")

	u := recvUpdate(t, env.sub)
	if u.Text != "[restarting recognition]" {
		t.Errorf("unexpected placeholder: %q", u.Text)
	}

	waitFor(t, "session restart", func() bool {
		return env.provider.StartStreamCallCount() == 2
	})
	waitFor(t, "session to become active", func() bool {
		return env.s.State() == StateActive
	})
}

func TestSession_NetworkFaultFallsBackToOffline(t *testing.T) {
	offlineStream := sttmock.NewSession()
	offline := &sttmock.Provider{Offline: true, Session: offlineStream}
	env := newTestSession(t, func(cfg *Config) { cfg.Offline = offline })

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.stream(t, 0).ErrsCh <- stt.Errf(1102, "websocket: connection reset")

	u := recvUpdate(t, env.sub)
	if u.Text != "[switching to offline recognition]" {
		t.Errorf("unexpected placeholder: %q", u.Text)
	}

	waitFor(t, "offline stream to open", func() bool {
		return offline.StartStreamCallCount() == 1
	})
	waitFor(t, "session to become active", func() bool {
		return env.s.State() == StateActive
	})
	if got := env.provider.StartStreamCallCount(); got != 1 {
		t.Errorf("expected primary backend to stay at 1 call, got %d", got)
	}
}

func TestSession_RecoveryGivesUpAfterMaxRetries(t *testing.T) {
	env := newTestSession(t, func(cfg *Config) {
		cfg.Recovery.MaxRetries = 2
		cfg.Recovery.RetryDelay = time.Millisecond
		cfg.Recovery.MaxBackoff = 4 * time.Millisecond
	})

	first := sttmock.NewSession()
	var calls atomic.Int32
	env.provider.SessionFunc = func(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
		if calls.Add(1) == 1 {
			return first, nil
		}
		return nil, stt.Errf(1105, "connection refused")
	}

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first.ErrsCh <- errors.New("stream torn down")

	u := recvUpdate(t, env.sub)
	if u.Text != "[restarting recognition]" {
		t.Errorf("unexpected placeholder: %q", u.Text)
	}
	u = recvUpdate(t, env.sub)
	if u.Text != "[recognition unavailable]" {
		t.Errorf("expected give-up placeholder, got %q", u.Text)
	}

	if got := env.s.State(); got != StateIdle {
		t.Errorf("expected idle state after giving up, got %s", got)
	}
	if got := env.provider.StartStreamCallCount(); got != 3 {
		t.Errorf("expected 1 initial + 2 retry calls, got %d", got)
	}
}

func TestSession_FaultHooksFire(t *testing.T) {
	var faults, recoveries atomic.Int32
	env := newTestSession(t, func(cfg *Config) {
		cfg.OnFault = func(err error, a types.RecoveryAction) {
			if a.Kind == types.RecoveryRetryAfterDelay {
				faults.Add(1)
			}
		}
		cfg.Recovery.OnRecovery = func(a types.RecoveryAction) {
			if a.Kind == types.RecoveryRetryAfterDelay {
				recoveries.Add(1)
			}
		}
	})

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.stream(t, 0).ErrsCh <- stt.Errf(209, "recognition service busy")

	waitFor(t, "session restart", func() bool {
		return env.provider.StartStreamCallCount() == 2 && env.s.State() == StateActive
	})
	if got := faults.Load(); got != 1 {
		t.Errorf("fault hook calls = %d, want 1", got)
	}
	if got := recoveries.Load(); got != 1 {
		t.Errorf("recovery hook calls = %d, want 1", got)
	}
}

func TestSession_BurstFaultsCoalesceIntoOneRecovery(t *testing.T) {
	var recoveries atomic.Int32
	env := newTestSession(t, func(cfg *Config) {
		cfg.Recovery.OnRecovery = func(types.RecoveryAction) { recoveries.Add(1) }
	})

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A failing stream reports its demise several times before anyone closes
	// it. Only the first fault may start a recovery; the rest are stale by
	// the time the loop sees them.
	st := env.stream(t, 0)
	st.ErrsCh <- stt.Errf(209, "recognition service busy")
	st.ErrsCh <- stt.Errf(209, "recognition service busy")
	st.ErrsCh <- stt.Errf(209, "recognition service busy")

	u := recvUpdate(t, env.sub)
	if u.Text != "[reconnecting to recognition service]" {
		t.Errorf("unexpected placeholder: %q", u.Text)
	}

	waitFor(t, "session restart", func() bool {
		return env.provider.StartStreamCallCount() == 2 && env.s.State() == StateActive
	})
	if got := recoveries.Load(); got != 1 {
		t.Errorf("recovery executions = %d, want 1", got)
	}

	// The next update must be a transcript, not a queued second placeholder.
	env.stream(t, 1).FinalsCh <- types.Transcript{Text: "back online", IsFinal: true}
	u = recvUpdate(t, env.sub)
	if u.Text != "back online" {
		t.Errorf("expected transcript after recovery, got %q", u.Text)
	}
	if got := env.provider.StartStreamCallCount(); got != 2 {
		t.Errorf("expected exactly one restart, got %d StartStream calls", got)
	}
}

func TestSession_RecordsStartLatency(t *testing.T) {
	mon := perf.NewMonitor()
	env := newTestSession(t, func(cfg *Config) { cfg.Monitor = mon })

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := mon.Statistics(perf.OpRecognition).Count; got != 1 {
		t.Errorf("expected 1 recognition latency sample, got %d", got)
	}
}

func TestSession_StateChangesSignals(t *testing.T) {
	env := newTestSession(t, nil)
	ctx := context.Background()

	if err := env.s.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.Pause(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []State{StateStarting, StateActive, StatePaused} {
		select {
		case got, ok := <-env.s.StateChanges():
			if !ok {
				t.Fatal("state stream closed early")
			}
			if got != want {
				t.Errorf("state change = %s, want %s", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s signal", want)
		}
	}

	if err := env.s.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case _, ok := <-env.s.StateChanges():
		if ok {
			t.Fatal("unexpected state change after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("state stream not closed after Close")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	env := newTestSession(t, nil)

	if err := env.s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := env.s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}

	// Feeding a closed session returns the buffer straight to the pool.
	b := env.pool.Acquire()
	env.s.Feed(b)
	stats := env.pool.Stats()
	if stats.Acquired != stats.Released {
		t.Errorf("buffer leaked: acquired %d, released %d", stats.Acquired, stats.Released)
	}
}

// ---- helpers ----

// sessionEnv bundles a session with its collaborators and records every
// stream the mock provider hands out.
type sessionEnv struct {
	s        *Session
	provider *sttmock.Provider
	pool     *audio.Pool
	corr     *transcript.Corrector
	em       *transcript.Emitter
	sub      *transcript.Subscription

	mu      sync.Mutex
	streams []*sttmock.Session
}

func newTestSession(t *testing.T, mutate func(*Config)) *sessionEnv {
	t.Helper()

	env := &sessionEnv{
		provider: &sttmock.Provider{},
		pool:     audio.NewPool(160, 16000, 4, 16),
		corr:     transcript.NewCorrector(),
		em:       transcript.NewEmitter(),
	}
	env.provider.SessionFunc = func(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
		st := sttmock.NewSession()
		env.mu.Lock()
		env.streams = append(env.streams, st)
		env.mu.Unlock()
		return st, nil
	}

	cfg := Config{
		Provider:       env.provider,
		Pool:           env.pool,
		Corrector:      env.corr,
		Emitter:        env.em,
		Language:       "en-US",
		InterimResults: true,
		Recovery: RecoveryConfig{
			RetryDelay: time.Millisecond,
			MaxBackoff: 5 * time.Millisecond,
			MaxRetries: 3,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	env.s = s
	env.sub = env.em.Subscribe()
	t.Cleanup(func() {
		_ = s.Close()
		env.em.Close()
	})
	return env
}

// stream returns the i-th stream the provider handed out.
func (env *sessionEnv) stream(t *testing.T, i int) *sttmock.Session {
	t.Helper()
	env.mu.Lock()
	defer env.mu.Unlock()
	if i >= len(env.streams) {
		t.Fatalf("stream %d not opened yet (have %d)", i, len(env.streams))
	}
	return env.streams[i]
}

// sync round-trips a no-op command through the run loop so every previously
// queued command has been handled.
func (env *sessionEnv) sync(t *testing.T) {
	t.Helper()
	if err := env.s.SetLanguage(context.Background(), "en-US"); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func recvUpdate(t *testing.T, sub *transcript.Subscription) types.Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		if !ok {
			t.Fatal("update stream closed")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return types.Update{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
