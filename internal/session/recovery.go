package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/echolex/pkg/types"
)

const (
	defaultMaxRetries = 10
	defaultMaxBackoff = 30 * time.Second
)

// RecoveryConfig tunes how the session recovers from backend faults.
// The zero value uses sensible defaults.
type RecoveryConfig struct {
	// RetryDelay is the initial wait before a restart attempt.
	// Defaults to 1 second.
	RetryDelay time.Duration

	// MaxBackoff caps the exponential backoff between failed restart
	// attempts. Defaults to 30 seconds.
	MaxBackoff time.Duration

	// MaxRetries bounds how many restart attempts are made before the
	// coordinator gives up. Defaults to 10.
	MaxRetries int

	// OnPermissionRequired is invoked when the backend reports that the
	// user revoked microphone or recognition permission. The session stays
	// idle until the caller restarts it; recovery never retries on its own
	// after a permission fault.
	OnPermissionRequired func()

	// OnRecovery, when set, is invoked once per executed recovery action,
	// before the restart attempts begin.
	OnRecovery func(a types.RecoveryAction)
}

// coordinator executes recovery actions away from the session's run loop.
// At most one recovery runs at a time; triggers arriving while one is in
// flight are dropped, since the running recovery already restores the
// session or gives up.
type coordinator struct {
	s       *Session
	cfg     RecoveryConfig
	pending chan types.RecoveryAction
}

func newCoordinator(s *Session, cfg RecoveryConfig) *coordinator {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &coordinator{
		s:       s,
		cfg:     cfg,
		pending: make(chan types.RecoveryAction, 1),
	}
}

// trigger hands an action to the coordinator without blocking the run loop.
func (c *coordinator) trigger(a types.RecoveryAction) {
	select {
	case c.pending <- a:
	default:
		// A recovery is already queued or running; it restores the
		// session either way.
	}
}

func (c *coordinator) run() {
	defer c.s.wg.Done()
	for {
		select {
		case <-c.s.done:
			return
		case a := <-c.pending:
			c.execute(a)
		}
	}
}

func (c *coordinator) execute(a types.RecoveryAction) {
	slog.Info("executing recovery", "action", a.Kind, "delay", a.Delay)
	if c.cfg.OnRecovery != nil {
		c.cfg.OnRecovery(a)
	}

	switch a.Kind {
	case types.RecoveryRetryAfterDelay:
		wait := a.Delay
		if wait <= 0 {
			wait = c.cfg.RetryDelay
		}
		c.restart(wait)

	case types.RecoveryFallbackToOffline:
		if err := c.s.useOffline(context.Background()); err != nil {
			slog.Error("offline fallback failed", "error", err)
			return
		}
		c.restart(0)

	case types.RecoveryRestart:
		_ = c.s.Stop(context.Background())
		c.restart(0)

	case types.RecoveryRequestPermissions:
		// Never auto-restart after a permission fault: retrying before
		// the user re-grants access would fail with the same error.
		if c.cfg.OnPermissionRequired != nil {
			c.cfg.OnPermissionRequired()
		}
	}
}

// restart attempts to start the session, backing off exponentially between
// failures up to MaxRetries attempts.
func (c *coordinator) restart(wait time.Duration) {
	backoff := c.cfg.RetryDelay
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if wait > 0 {
			select {
			case <-c.s.done:
				return
			case <-time.After(wait):
			}
		}

		err := c.s.Start(context.Background())
		if err == nil {
			slog.Info("recognition session recovered", "attempt", attempt)
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		slog.Warn("recovery restart failed",
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"error", err,
			"backoff", backoff,
		)

		wait = backoff
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	slog.Error("recognition recovery gave up", "max_retries", c.cfg.MaxRetries)
	c.s.cfg.Emitter.Publish(statusUpdate("[recognition unavailable]"))
}
