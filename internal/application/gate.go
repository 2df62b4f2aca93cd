package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"

	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

// Gate suspends credential-dependent work until an authenticated actor is
// available. At most one authorize/authenticate pair runs at a time; every
// caller that arrives while it runs joins it and observes its outcome.
type Gate struct {
	store         ports.CredentialStore
	authorizer    ports.Authorizer
	authenticator ports.Authenticator
	logger        *slog.Logger
	msink         metrics.MetricSink

	current atomic.Pointer[actorState]

	mu      sync.Mutex
	attempt *attempt
	last    *attempt

	// writeMu serializes writes to the credential store.
	writeMu sync.Mutex
}

type actorState struct {
	actor domain.Actor
}

// attempt is one authentication run. done is closed once actor/err are set.
type attempt struct {
	cancel  context.CancelFunc
	done    chan struct{}
	actor   domain.Authenticated
	err     error
	settled bool
	queue   []*waiter
	waiting int
}

type waiter struct {
	turn     chan struct{}
	finished chan struct{}
	granted  bool
	left     bool
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the logger for authentication attempts.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGateMetricSink sets where attempt and failure counters go.
func WithGateMetricSink(ms metrics.MetricSink) GateOption {
	return func(g *Gate) {
		if ms != nil {
			g.msink = ms
		}
	}
}

// NewGate loads the current actor from store.
func NewGate(ctx context.Context, store ports.CredentialStore, authorizer ports.Authorizer, authenticator ports.Authenticator, opts ...GateOption) (*Gate, error) {
	g := &Gate{
		store:         store,
		authorizer:    authorizer,
		authenticator: authenticator,
		logger:        slog.New(slog.DiscardHandler),
		msink:         &metrics.BlackholeSink{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "gate"))

	actor, err := store.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current actor: %w", err)
	}
	if actor == nil {
		actor = domain.Unauthenticated{}
	}
	g.current.Store(&actorState{actor: actor})

	return g, nil
}

// Current returns the last committed actor.
func (g *Gate) Current() domain.Actor {
	return g.current.Load().actor
}

// ScheduleUnlock runs onUnlocked with an authenticated actor, authenticating
// first when there is none. Callers queued behind the same attempt are
// resumed in the order they arrived. When the attempt fails, every queued
// caller receives the same *domain.FailedAuthenticationError.
func ScheduleUnlock[T any](ctx context.Context, g *Gate, onUnlocked func(context.Context, domain.Authenticated) (T, error)) (T, error) {
	var zero T
	actor, done, err := g.unlock(ctx)
	if err != nil {
		return zero, err
	}
	defer done()

	return onUnlocked(ctx, actor)
}

func (g *Gate) unlock(ctx context.Context) (domain.Authenticated, func(), error) {
	if err := ctx.Err(); err != nil {
		return domain.Authenticated{}, nil, err
	}
	if actor, ok := g.Current().(domain.Authenticated); ok {
		return actor, func() {}, nil
	}

	g.mu.Lock()
	if actor, ok := g.Current().(domain.Authenticated); ok {
		g.mu.Unlock()
		return actor, func() {}, nil
	}
	a := g.attempt
	if a == nil {
		a = g.startLocked(ctx)
	}
	w := &waiter{turn: make(chan struct{}), finished: make(chan struct{})}
	a.queue = append(a.queue, w)
	a.waiting++
	g.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		g.mu.Lock()
		if !a.settled {
			g.leaveLocked(a, w)
			g.mu.Unlock()
			return domain.Authenticated{}, nil, ctx.Err()
		}
		g.mu.Unlock()
	}

	if a.err != nil {
		return domain.Authenticated{}, nil, a.err
	}

	select {
	case <-w.turn:
	case <-ctx.Done():
		g.mu.Lock()
		granted := w.granted
		w.left = true
		g.mu.Unlock()
		if granted {
			<-w.turn
			close(w.finished)
		}
		return domain.Authenticated{}, nil, ctx.Err()
	}

	return a.actor, func() { close(w.finished) }, nil
}

func (g *Gate) startLocked(ctx context.Context) *attempt {
	attemptCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &attempt{cancel: cancel, done: make(chan struct{})}
	prev := g.last
	g.attempt = a
	g.last = a

	g.msink.IncrCounterWithLabels(MetricGateAttemptCount, 1, nil)
	go g.run(attemptCtx, a, prev)
	return a
}

// leaveLocked drops a waiter that gave up before the attempt settled. The
// attempt itself is cancelled once nobody waits on it any more.
func (g *Gate) leaveLocked(a *attempt, w *waiter) {
	w.left = true
	a.waiting--
	if a.waiting > 0 {
		return
	}
	a.cancel()
	if g.attempt == a {
		g.attempt = nil
	}
}

func (g *Gate) run(ctx context.Context, a *attempt, prev *attempt) {
	defer a.cancel()

	// A detached attempt may still be unwinding; never overlap two of them.
	if prev != nil {
		<-prev.done
	}

	g.logger.Info("authentication started")
	actor, err := g.authenticate(ctx)

	g.mu.Lock()
	if g.attempt == a {
		g.attempt = nil
	}
	if err == nil {
		g.current.Store(&actorState{actor: actor})
		a.actor = actor
	} else {
		a.err = &domain.FailedAuthenticationError{Cause: err}
	}
	a.settled = true
	queue := a.queue
	g.mu.Unlock()
	close(a.done)

	if err != nil {
		g.msink.IncrCounterWithLabels(MetricGateFailureCount, 1, nil)
		g.logger.Warn("authentication failed", slog.Int("waiters", len(queue)), slog.Any("error", err))
		return
	}
	g.logger.Info("authentication succeeded", slog.String("actor_id", actor.ID), slog.Int("waiters", len(queue)))

	for _, w := range queue {
		g.mu.Lock()
		if w.left {
			g.mu.Unlock()
			continue
		}
		w.granted = true
		g.mu.Unlock()

		close(w.turn)
		<-w.finished
	}
}

func (g *Gate) authenticate(ctx context.Context) (domain.Authenticated, error) {
	code, err := g.authorizer.Authorize(ctx)
	if err != nil {
		return domain.Authenticated{}, fmt.Errorf("authorize: %w", err)
	}

	actor, err := g.authenticator.Authenticate(ctx, code)
	if err != nil {
		return domain.Authenticated{}, fmt.Errorf("authenticate: %w", err)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.store.Remember(ctx, actor); err != nil {
		return domain.Authenticated{}, fmt.Errorf("remember actor: %w", err)
	}

	return actor, nil
}

// Invalidate drops stale when it is still the current actor, so the next
// unlock authenticates again. It reports whether the actor was dropped.
func (g *Gate) Invalidate(stale domain.Authenticated) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.Current().(domain.Authenticated)
	if !ok || current != stale {
		return false
	}
	g.current.Store(&actorState{actor: domain.Unauthenticated{}})
	g.logger.Info("actor invalidated", slog.String("actor_id", stale.ID))
	return true
}

// Logout forgets the stored credential and the current actor.
func (g *Gate) Logout(ctx context.Context) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if err := g.store.Remember(ctx, domain.Unauthenticated{}); err != nil {
		return fmt.Errorf("forget actor: %w", err)
	}

	g.mu.Lock()
	g.current.Store(&actorState{actor: domain.Unauthenticated{}})
	g.mu.Unlock()
	return nil
}
