package application

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

type memCredentialStore struct {
	mu     sync.Mutex
	actor  domain.Actor
	writes int
	err    error
}

func (s *memCredentialStore) Current(_ context.Context) (domain.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actor == nil {
		return domain.Unauthenticated{}, nil
	}
	return s.actor, nil
}

func (s *memCredentialStore) Remember(_ context.Context, actor domain.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.actor = actor
	s.writes++
	return nil
}

// scriptedAuth hands out actors in order. When release is set, Authorize
// blocks until it is closed or the context ends.
type scriptedAuth struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	err     error
	actors  []domain.Authenticated

	mu   sync.Mutex
	next int
}

func newScriptedAuth(actors ...domain.Authenticated) *scriptedAuth {
	return &scriptedAuth{started: make(chan struct{}, 16), actors: actors}
}

func (a *scriptedAuth) Authorize(ctx context.Context) (domain.AuthorizationCode, error) {
	a.calls.Add(1)
	a.started <- struct{}{}
	if a.release != nil {
		select {
		case <-a.release:
		case <-ctx.Done():
			return domain.AuthorizationCode{}, ctx.Err()
		}
	}
	if a.err != nil {
		return domain.AuthorizationCode{}, a.err
	}
	return domain.AuthorizationCode{Value: "code"}, nil
}

func (a *scriptedAuth) Authenticate(_ context.Context, _ domain.AuthorizationCode) (domain.Authenticated, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= len(a.actors) {
		return domain.Authenticated{}, errors.New("no actor scripted")
	}
	actor := a.actors[a.next]
	a.next++
	return actor, nil
}

type memJournal struct {
	mu      sync.Mutex
	seq     uint64
	records []domain.JournalRecord
	inserts int
	failOn  string
}

func (j *memJournal) Insert(_ context.Context, record domain.JournalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failOn == "insert" {
		return errors.New("disk full")
	}
	j.inserts++
	for i, existing := range j.records {
		if existing.ID == record.ID {
			record.Seq = existing.Seq
			if existing.Identity != "" {
				record.Identity = existing.Identity
			}
			j.records[i] = record
			return nil
		}
	}
	j.seq++
	record.Seq = j.seq
	j.records = append(j.records, record)
	return nil
}

func (j *memJournal) List(_ context.Context) ([]domain.JournalRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	records := slices.Clone(j.records)
	slices.SortStableFunc(records, func(a, b domain.JournalRecord) int {
		if a.Identity != b.Identity {
			if a.Identity < b.Identity {
				return -1
			}
			return 1
		}
		return int(a.Seq) - int(b.Seq)
	})
	return records, nil
}

func (j *memJournal) Delete(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failOn == "delete" {
		return errors.New("disk gone")
	}
	j.records = slices.DeleteFunc(j.records, func(r domain.JournalRecord) bool { return r.ID == id })
	return nil
}

func (j *memJournal) Clear(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = nil
	return nil
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

type sentRequest struct {
	ID             string
	Target         string
	Token          string
	IdempotencyKey string
	Attempt        int
	Parts          map[string]string
}

// recordingTransport answers with the responses queued per target, then
// falls back to 200. It flags a second delivery of an idempotency key as
// replayed, the way an idempotent server would.
type recordingTransport struct {
	mu      sync.Mutex
	sent    []sentRequest
	seen    map[string]bool
	queued  map[string][]error
	block   chan struct{}
	entered chan struct{}
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{seen: map[string]bool{}, queued: map[string][]error{}, entered: make(chan struct{}, 64)}
}

func (tr *recordingTransport) fail(target string, errs ...error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.queued[target] = append(tr.queued[target], errs...)
}

func (tr *recordingTransport) Send(ctx context.Context, req domain.PendingRequest, accessToken string) (domain.Response, error) {
	tr.entered <- struct{}{}
	if tr.block != nil {
		select {
		case <-tr.block:
		case <-ctx.Done():
			return domain.Response{}, domain.RetryableFailure(0, ctx.Err())
		}
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.sent = append(tr.sent, sentRequest{
		ID:             req.ID,
		Target:         req.Target,
		Token:          accessToken,
		IdempotencyKey: req.IdempotencyKey,
		Attempt:        req.AttemptCount,
		Parts:          readParts(req.Body),
	})
	if errs := tr.queued[req.Target]; len(errs) > 0 {
		tr.queued[req.Target] = errs[1:]
		if errs[0] != nil {
			return domain.Response{}, errs[0]
		}
	}
	replayed := tr.seen[req.IdempotencyKey]
	tr.seen[req.IdempotencyKey] = true
	return domain.Response{Status: 200, Body: []byte("ok"), Replayed: replayed}, nil
}

func readParts(body domain.EncodedBody) map[string]string {
	multipart, ok := body.(domain.MultipartEncoded)
	if !ok {
		return nil
	}
	parts := map[string]string{}
	for _, part := range multipart.Parts {
		switch p := part.(type) {
		case domain.FormField:
			parts[p.Name] = p.Value
		case domain.InMemoryBinary:
			parts[p.Name] = string(p.Data)
		case interface{ Open() (io.ReadCloser, error) }:
			rc, err := p.Open()
			if err != nil {
				parts[part.PartName()] = "error: " + err.Error()
				continue
			}
			data, _ := io.ReadAll(rc)
			_ = rc.Close()
			parts[part.PartName()] = string(data)
		}
	}
	return parts
}

func (tr *recordingTransport) requests() []sentRequest {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return slices.Clone(tr.sent)
}

type memErrorSink struct {
	mu       sync.Mutex
	reported []string
}

func (s *memErrorSink) Report(_ context.Context, reported ports.ReportedError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reported = append(s.reported, reported.Stage+":"+reported.RequestID)
}

func (s *memErrorSink) stages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reported)
}

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
