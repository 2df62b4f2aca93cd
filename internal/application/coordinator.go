package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/bnema/rq/internal/codec"
	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

const (
	DefaultMaxAttempts = 5
	DefaultReuseTTL    = 5 * time.Second

	tracerName = "rq/application"
)

var (
	ErrInterrupted      = errors.New("request interrupted")
	ErrIdentityMismatch = errors.New("request belongs to another identity")
	ErrTooManyAttempts  = errors.New("request exceeded its attempt budget")
)

// Outcome is how a single delivery ended for the journal.
type Outcome string

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeDeduplicated Outcome = "deduplicated"
	OutcomeReused       Outcome = "reused"
	OutcomeRetained     Outcome = "retained"
	OutcomeDropped      Outcome = "dropped"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeInterrupted  Outcome = "interrupted"
)

// Report summarizes one resumption pass.
type Report struct {
	Total        int
	Delivered    int
	Deduplicated int
	Retained     int
	Dropped      int
	Skipped      int
	Interrupted  int
}

func (r *Report) add(outcome Outcome) {
	switch outcome {
	case OutcomeDelivered, OutcomeReused:
		r.Delivered++
	case OutcomeDeduplicated:
		r.Deduplicated++
	case OutcomeRetained:
		r.Retained++
	case OutcomeDropped:
		r.Dropped++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeInterrupted:
		r.Interrupted++
	}
}

type CoordinatorConfig struct {
	// MaxAttempts drops a request once it has failed this many times. Zero
	// uses DefaultMaxAttempts; a negative value never drops.
	MaxAttempts int
	// ReuseTTL is how long a successful response is served again for an
	// identical request. Zero uses DefaultReuseTTL; a negative value disables
	// reuse.
	ReuseTTL time.Duration
	// Rate paces resubmissions during a resumption pass. Zero means no limit.
	Rate  rate.Limit
	Burst int
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithCoordinatorMetricSink(ms metrics.MetricSink) CoordinatorOption {
	return func(c *Coordinator) {
		if ms != nil {
			c.msink = ms
		}
	}
}

// WithErrorSink receives every request the coordinator gives up on.
func WithErrorSink(sink ports.ErrorSink) CoordinatorOption {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

func WithClock(clock ports.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Coordinator journals outbound requests before sending them and replays
// whatever is left in the journal.
type Coordinator struct {
	journal   ports.Journal
	codec     *codec.Codec
	gate      *Gate
	transport ports.Transport
	sink      ports.ErrorSink
	clock     ports.Clock
	logger    *slog.Logger
	msink     metrics.MetricSink
	limiter   *rate.Limiter
	cfg       CoordinatorConfig

	flight singleflight.Group

	mu       sync.Mutex
	reuse    map[string]reusedResponse
	calls    map[uint64]context.CancelCauseFunc
	nextCall uint64
}

type reusedResponse struct {
	resp    domain.Response
	expires time.Time
}

type delivery struct {
	resp    domain.Response
	outcome Outcome
}

// unlocked is what a delivery through the gate returns: the response and
// the actor it was sent as.
type unlocked struct {
	resp     domain.Response
	identity string
}

// resumePass is state shared by the groups of one resumption pass.
type resumePass struct {
	authFailed atomic.Bool
}

func NewCoordinator(journal ports.Journal, c *codec.Codec, gate *Gate, transport ports.Transport, cfg CoordinatorConfig, opts ...CoordinatorOption) *Coordinator {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ReuseTTL == 0 {
		cfg.ReuseTTL = DefaultReuseTTL
	}
	limit := cfg.Rate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	coordinator := &Coordinator{
		journal:   journal,
		codec:     c,
		gate:      gate,
		transport: transport,
		clock:     ports.SystemClock{},
		logger:    slog.New(slog.DiscardHandler),
		msink:     &metrics.BlackholeSink{},
		limiter:   rate.NewLimiter(limit, burst),
		cfg:       cfg,
		reuse:     map[string]reusedResponse{},
		calls:     map[uint64]context.CancelCauseFunc{},
	}
	for _, opt := range opts {
		opt(coordinator)
	}
	coordinator.logger = coordinator.logger.With(slog.String("component", "coordinator"))

	return coordinator
}

// Submit writes req to the journal, delivers it and settles its journal
// entry. Submit owns req from then on and releases its buffers before it
// returns. Identical requests submitted concurrently are delivered once.
func (c *Coordinator) Submit(ctx context.Context, req domain.PendingRequest) (domain.Response, error) {
	defer func() { _ = req.Release() }()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "coordinator.Submit",
		trace.WithAttributes(
			attribute.String("method", string(req.Method)),
			attribute.String("target", req.Target),
		),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return domain.Response{}, err
	}
	if err := c.codec.Prepare(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		return domain.Response{}, fmt.Errorf("prepare request: %w", err)
	}
	if req.ID == "" {
		id, err := c.codec.Fingerprint(req)
		if err != nil {
			return domain.Response{}, fmt.Errorf("fingerprint request: %w", err)
		}
		req.ID = id
	}
	span.SetAttributes(attribute.String("request_id", req.ID))

	if resp, ok := c.reused(req.ID); ok {
		c.msink.IncrCounterWithLabels(MetricRequestReusedCount, 1, nil)
		c.logger.Debug("response reused", slog.String("request_id", req.ID))
		return resp, nil
	}

	if req.CreatedAt.IsZero() {
		req.CreatedAt = c.clock.Now().UTC()
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if req.RequiresAuth && req.Identity == "" {
		req.Identity = domain.ActorID(c.gate.Current())
	}

	v, err, shared := c.flight.Do(req.ID, func() (any, error) {
		if err := c.write(ctx, req); err != nil {
			return delivery{outcome: OutcomeRetained}, err
		}
		return c.deliver(ctx, req)
	})
	d, _ := v.(delivery)
	span.SetAttributes(attribute.String("outcome", string(d.outcome)), attribute.Bool("shared", shared))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(d.outcome))
		return d.resp, err
	}
	return d.resp, nil
}

// Resume replays every journaled request. Requests of one identity are
// replayed in insertion order; distinct identities proceed concurrently. A
// failure of one request never stops the others; only cancellation of ctx
// ends the pass early, leaving unvisited entries untouched.
func (c *Coordinator) Resume(ctx context.Context) (Report, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "coordinator.Resume")
	defer span.End()

	records, err := c.journal.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return Report{}, fmt.Errorf("list journal: %w", err)
	}
	c.msink.IncrCounterWithLabels(MetricResumePassCount, 1, nil)

	var (
		mu     sync.Mutex
		report = Report{Total: len(records)}
		pass   resumePass
		g      errgroup.Group
	)
	for _, group := range groupByIdentity(records) {
		g.Go(func() error {
			for i, record := range group {
				if err := ctx.Err(); err != nil {
					mu.Lock()
					report.Interrupted += len(group) - i
					mu.Unlock()
					return err
				}
				outcome := c.resumeOne(ctx, &pass, record)
				mu.Lock()
				report.add(outcome)
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()

	span.SetAttributes(
		attribute.Int("total", report.Total),
		attribute.Int("delivered", report.Delivered),
		attribute.Int("retained", report.Retained),
		attribute.Int("dropped", report.Dropped),
	)
	c.logger.Info("resumption pass finished",
		slog.Int("total", report.Total),
		slog.Int("delivered", report.Delivered),
		slog.Int("deduplicated", report.Deduplicated),
		slog.Int("retained", report.Retained),
		slog.Int("dropped", report.Dropped),
		slog.Int("skipped", report.Skipped))
	if err != nil {
		return report, fmt.Errorf("resume journal: %w", err)
	}
	return report, nil
}

func (c *Coordinator) resumeOne(ctx context.Context, pass *resumePass, record domain.JournalRecord) Outcome {
	if err := c.limiter.Wait(ctx); err != nil {
		return OutcomeInterrupted
	}

	req, err := c.codec.DecodeRequest(record.Payload)
	if err != nil {
		if domain.IsRetryable(err) {
			c.logger.Warn("decode deferred", slog.String("request_id", record.ID), slog.Any("error", err))
			return OutcomeRetained
		}
		c.removeRecord(ctx, record.ID)
		c.report(ctx, domain.PendingRequest{ID: record.ID, Identity: record.Identity}, "decode", err)
		return OutcomeDropped
	}
	defer func() { _ = req.Release() }()
	req.ID = record.ID
	if record.Identity != "" {
		req.Identity = record.Identity
	}

	if c.cfg.MaxAttempts > 0 && req.AttemptCount >= c.cfg.MaxAttempts {
		d, _ := c.drop(ctx, req, fmt.Errorf("%w: %d attempts", ErrTooManyAttempts, req.AttemptCount))
		return d.outcome
	}
	if req.RequiresAuth && req.Identity != "" {
		if current, ok := c.gate.Current().(domain.Authenticated); ok && current.ID != req.Identity {
			return OutcomeSkipped
		}
	}
	// One declined sign-in per pass; the rest wait for the next pass.
	if req.RequiresAuth && pass.authFailed.Load() {
		c.count(OutcomeRetained)
		c.logger.Debug("delivery deferred until next sign-in", slog.String("request_id", req.ID))
		return OutcomeRetained
	}

	v, err, _ := c.flight.Do(req.ID, func() (any, error) {
		return c.deliver(ctx, req)
	})
	if errors.Is(err, domain.ErrAuthenticationFailed) {
		pass.authFailed.Store(true)
	}
	d, _ := v.(delivery)
	return d.outcome
}

// Pending decodes every journaled request for display. Bodies are released
// before returning; only summaries leave this method.
func (c *Coordinator) Pending(ctx context.Context) ([]PendingSummary, error) {
	records, err := c.journal.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}

	summaries := make([]PendingSummary, 0, len(records))
	for _, record := range records {
		summary := PendingSummary{ID: record.ID, Identity: record.Identity, CreatedAt: record.CreatedAt, Bytes: len(record.Payload)}
		req, err := c.codec.DecodeRequest(record.Payload)
		if err != nil {
			summary.Err = err
			summaries = append(summaries, summary)
			continue
		}
		summary.Method = req.Method
		summary.Target = req.Target
		summary.AttemptCount = req.AttemptCount
		summary.RequiresAuth = req.RequiresAuth
		if body, ok := req.Body.(domain.MultipartEncoded); ok {
			summary.Parts = len(body.Parts)
		}
		if err := req.Release(); err != nil {
			return nil, fmt.Errorf("release pending request: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Clear drops every journaled request.
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := c.journal.Clear(ctx); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}

// Interrupt cancels every delivery in flight. Their journal entries stay in
// place for the next pass. It returns how many deliveries were interrupted.
func (c *Coordinator) Interrupt() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cancel := range c.calls {
		cancel(ErrInterrupted)
	}
	return len(c.calls)
}

func (c *Coordinator) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	c.mu.Lock()
	id := c.nextCall
	c.nextCall++
	c.calls[id] = cancel
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		delete(c.calls, id)
		c.mu.Unlock()
		cancel(nil)
	}
}

func (c *Coordinator) deliver(ctx context.Context, req domain.PendingRequest) (delivery, error) {
	ctx, done := c.track(ctx)
	defer done()

	req, resp, err := c.execute(ctx, req)
	return c.settle(ctx, req, resp, err)
}

// execute sends req, through the gate when it needs credentials. A request
// without an identity is claimed by the actor that unlocked the gate; the
// returned request carries that identity.
func (c *Coordinator) execute(ctx context.Context, req domain.PendingRequest) (domain.PendingRequest, domain.Response, error) {
	if !req.RequiresAuth {
		resp, err := c.transport.Send(ctx, req, "")
		return req, resp, err
	}

	result, err := ScheduleUnlock(ctx, c.gate, func(ctx context.Context, actor domain.Authenticated) (unlocked, error) {
		if req.Identity != "" && req.Identity != actor.ID {
			return unlocked{}, fmt.Errorf("%w: journaled for %q, unlocked as %q", ErrIdentityMismatch, req.Identity, actor.ID)
		}
		resp, err := c.transport.Send(ctx, req, actor.AccessToken)
		if errors.Is(err, domain.ErrUnauthorized) {
			c.gate.Invalidate(actor)
		}
		return unlocked{resp: resp, identity: actor.ID}, err
	})
	if req.Identity == "" {
		req.Identity = result.identity
	}
	return req, result.resp, err
}

// settle records the outcome of one delivery in the journal. Journal writes
// use a context detached from cancellation so a delivered request is always
// removed; a request whose delivery was cancelled is left as it was.
func (c *Coordinator) settle(ctx context.Context, req domain.PendingRequest, resp domain.Response, err error) (delivery, error) {
	persist := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		outcome := OutcomeDelivered
		if resp.Replayed {
			outcome = OutcomeDeduplicated
			c.logger.Info("duplicate delivery suppressed by server", slog.String("request_id", req.ID), slog.String("idempotency_key", req.IdempotencyKey))
		}
		c.removeRecord(persist, req.ID)
		c.rememberResponse(req.ID, resp)
		c.count(outcome)
		return delivery{resp: resp, outcome: outcome}, nil
	case ctx.Err() != nil:
		c.count(OutcomeInterrupted)
		return delivery{outcome: OutcomeInterrupted}, fmt.Errorf("deliver request: %w", context.Cause(ctx))
	case errors.Is(err, ErrIdentityMismatch):
		c.count(OutcomeSkipped)
		return delivery{outcome: OutcomeSkipped}, err
	case domain.IsRetryable(err), errors.Is(err, domain.ErrAuthenticationFailed):
		req.AttemptCount++
		if c.cfg.MaxAttempts > 0 && req.AttemptCount >= c.cfg.MaxAttempts {
			return c.drop(persist, req, fmt.Errorf("%w after %d attempts: %w", ErrTooManyAttempts, req.AttemptCount, err))
		}
		if writeErr := c.write(persist, req); writeErr != nil {
			c.report(persist, req, "journal", writeErr)
		}
		c.count(OutcomeRetained)
		c.logger.Info("delivery deferred", slog.String("request_id", req.ID), slog.Int("attempt", req.AttemptCount), slog.Any("error", err))
		return delivery{resp: resp, outcome: OutcomeRetained}, err
	default:
		return c.drop(persist, req, err)
	}
}

func (c *Coordinator) drop(ctx context.Context, req domain.PendingRequest, err error) (delivery, error) {
	c.removeRecord(ctx, req.ID)
	c.report(ctx, req, "deliver", err)
	c.count(OutcomeDropped)
	return delivery{outcome: OutcomeDropped}, err
}

func (c *Coordinator) write(ctx context.Context, req domain.PendingRequest) error {
	payload, err := c.codec.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	record := domain.JournalRecord{
		ID:        req.ID,
		Identity:  req.Identity,
		Payload:   payload,
		CreatedAt: req.CreatedAt,
	}
	if err := c.journal.Insert(ctx, record); err != nil {
		c.msink.IncrCounterWithLabels(MetricJournalErrorCount, 1, []metrics.Label{{Name: LabelStage, Value: "insert"}})
		return fmt.Errorf("journal request: %w", err)
	}
	return nil
}

// removeRecord deletes a journal entry. A failed delete is reported and
// otherwise ignored: the entry is replayed later under the same
// idempotency key.
func (c *Coordinator) removeRecord(ctx context.Context, id string) {
	if err := c.journal.Delete(ctx, id); err != nil {
		c.msink.IncrCounterWithLabels(MetricJournalErrorCount, 1, []metrics.Label{{Name: LabelStage, Value: "delete"}})
		c.report(ctx, domain.PendingRequest{ID: id}, "journal", fmt.Errorf("delete journal entry: %w", err))
	}
}

func (c *Coordinator) report(ctx context.Context, req domain.PendingRequest, stage string, err error) {
	c.logger.Warn("request failed", slog.String("request_id", req.ID), slog.String("stage", stage), slog.Any("error", err))
	if c.sink == nil {
		return
	}
	c.sink.Report(ctx, ports.ReportedError{
		RequestID: req.ID,
		Identity:  req.Identity,
		Method:    string(req.Method),
		Target:    req.Target,
		Stage:     stage,
		Err:       err,
		At:        c.clock.Now(),
	})
}

func (c *Coordinator) count(outcome Outcome) {
	c.msink.IncrCounterWithLabels(MetricRequestOutcomeCount, 1, outcomeLabel(outcome))
}

func (c *Coordinator) reused(id string) (domain.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.reuse[id]
	if !ok {
		return domain.Response{}, false
	}
	if !c.clock.Now().Before(entry.expires) {
		delete(c.reuse, id)
		return domain.Response{}, false
	}
	return entry.resp, true
}

func (c *Coordinator) rememberResponse(id string, resp domain.Response) {
	if c.cfg.ReuseTTL < 0 {
		return
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.reuse {
		if !now.Before(entry.expires) {
			delete(c.reuse, key)
		}
	}
	c.reuse[id] = reusedResponse{resp: resp, expires: now.Add(c.cfg.ReuseTTL)}
}

// PendingSummary describes a journaled request without its body.
type PendingSummary struct {
	ID           string
	Identity     string
	Method       domain.Method
	Target       string
	CreatedAt    time.Time
	AttemptCount int
	RequiresAuth bool
	Parts        int
	Bytes        int
	Err          error
}

// groupByIdentity splits records by identity, keeping the journal order
// within each group.
func groupByIdentity(records []domain.JournalRecord) [][]domain.JournalRecord {
	index := map[string]int{}
	var groups [][]domain.JournalRecord
	for _, record := range records {
		i, ok := index[record.Identity]
		if !ok {
			i = len(groups)
			index[record.Identity] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], record)
	}
	return groups
}
