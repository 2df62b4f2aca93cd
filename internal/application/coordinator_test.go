package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bnema/rq/internal/buffer"
	"github.com/bnema/rq/internal/codec"
	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
	portmocks "github.com/bnema/rq/internal/ports/mocks"
)

type coordinatorFixture struct {
	journal     *memJournal
	transport   *recordingTransport
	sink        *memErrorSink
	clock       *stubClock
	auth        *scriptedAuth
	store       *memCredentialStore
	gate        *Gate
	pool        *buffer.Pool
	codec       *codec.Codec
	coordinator *Coordinator
}

func newCoordinatorFixture(t *testing.T, store *memCredentialStore, cfg CoordinatorConfig, actors ...domain.Authenticated) *coordinatorFixture {
	t.Helper()

	pool, err := buffer.NewPool(64, 0)
	require.NoError(t, err)
	f := &coordinatorFixture{
		journal:   &memJournal{},
		transport: newRecordingTransport(),
		sink:      &memErrorSink{},
		clock:     &stubClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		auth:      newScriptedAuth(actors...),
		store:     store,
		pool:      pool,
		codec:     codec.New(pool),
	}
	f.gate = newTestGate(t, store, f.auth)
	f.coordinator = f.restart(cfg)
	return f
}

// restart builds a fresh coordinator over the same journal, the way a new
// process would after a crash.
func (f *coordinatorFixture) restart(cfg CoordinatorConfig) *Coordinator {
	return NewCoordinator(f.journal, f.codec, f.gate, f.transport, cfg, WithErrorSink(f.sink), WithClock(f.clock))
}

func (f *coordinatorFixture) journaled(t *testing.T) []domain.PendingRequest {
	t.Helper()
	records, err := f.journal.List(context.Background())
	require.NoError(t, err)
	requests := make([]domain.PendingRequest, 0, len(records))
	for _, record := range records {
		req, err := f.codec.DecodeRequest(record.Payload)
		require.NoError(t, err)
		require.NoError(t, req.Release())
		requests = append(requests, req)
	}
	return requests
}

func (f *coordinatorFixture) insert(t *testing.T, req domain.PendingRequest) {
	t.Helper()
	payload, err := f.codec.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, f.journal.Insert(context.Background(), domain.JournalRecord{
		ID:        req.ID,
		Identity:  req.Identity,
		Payload:   payload,
		CreatedAt: req.CreatedAt,
	}))
}

func formRequest(target string) domain.PendingRequest {
	return domain.PendingRequest{
		Method: domain.MethodPost,
		Target: target,
		Body:   domain.FormEncoded{Fields: []domain.FormField{{Name: "q", Value: target}}},
	}
}

func TestSubmitJournalsBeforeSending(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	f.transport.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.coordinator.Submit(context.Background(), formRequest("https://api.example.com/notes"))
		done <- err
	}()

	<-f.transport.entered
	pending := f.journaled(t)
	require.Len(t, pending, 1)
	assert.NotEmpty(t, pending[0].ID)
	assert.NotEmpty(t, pending[0].IdempotencyKey)
	assert.Equal(t, f.clock.Now(), pending[0].CreatedAt)

	close(f.transport.block)
	require.NoError(t, <-done)
	assert.Zero(t, f.journal.len())
	assert.Zero(t, f.pool.Stats().Outstanding)
}

func TestSubmitSettlesJournalByOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		failure     error
		wantJournal int
		wantAttempt int
		wantReports []string
		retryable   bool
	}{
		{
			name:        "delivered",
			wantJournal: 0,
		},
		{
			name:        "retryable failure is kept",
			failure:     domain.RetryableFailure(503, errors.New("unavailable")),
			wantJournal: 1,
			wantAttempt: 1,
			retryable:   true,
		},
		{
			name:        "network failure is kept",
			failure:     domain.RetryableFailure(0, errors.New("connection reset")),
			wantJournal: 1,
			wantAttempt: 1,
			retryable:   true,
		},
		{
			name:        "non-retryable failure is dropped and reported",
			failure:     domain.NonRetryableFailure(422, errors.New("unprocessable")),
			wantJournal: 0,
			wantReports: []string{"deliver"},
		},
		{
			name:        "unclassified failure is dropped and reported",
			failure:     errors.New("boom"),
			wantJournal: 0,
			wantReports: []string{"deliver"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
			target := "https://api.example.com/items"
			if tt.failure != nil {
				f.transport.fail(target, tt.failure)
			}

			resp, err := f.coordinator.Submit(context.Background(), formRequest(target))
			if tt.failure == nil {
				require.NoError(t, err)
				assert.Equal(t, 200, resp.Status)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.retryable, domain.IsRetryable(err))
			}

			pending := f.journaled(t)
			require.Len(t, pending, tt.wantJournal)
			if tt.wantJournal > 0 {
				assert.Equal(t, tt.wantAttempt, pending[0].AttemptCount)
			}
			stages := f.sink.stages()
			require.Len(t, stages, len(tt.wantReports))
			for i, stage := range tt.wantReports {
				assert.Contains(t, stages[i], stage+":")
			}
		})
	}
}

func TestSubmitRejectsInvalidRequestWithoutJournaling(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})

	_, err := f.coordinator.Submit(context.Background(), domain.PendingRequest{Method: "TRACE", Target: "https://api.example.com"})
	require.ErrorIs(t, err, domain.ErrUnsupportedMethod)

	_, err = f.coordinator.Submit(context.Background(), domain.PendingRequest{Method: domain.MethodGet})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	assert.Zero(t, f.journal.inserts)
	assert.Empty(t, f.transport.requests())
}

func TestSubmitDoesNotSendWhenJournalFails(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	f.journal.failOn = "insert"

	_, err := f.coordinator.Submit(context.Background(), formRequest("https://api.example.com/items"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "journal request")
	assert.Empty(t, f.transport.requests())
}

func TestSubmitKeepsDeliveredResultWhenDeleteFails(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	f.journal.failOn = "delete"

	resp, err := f.coordinator.Submit(context.Background(), formRequest("https://api.example.com/items"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 1, f.journal.len())
	require.Len(t, f.sink.stages(), 1)
	assert.Contains(t, f.sink.stages()[0], "journal:")
}

func TestSubmitAuthenticatesAndStampsIdentity(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{actor: alice}, CoordinatorConfig{})
	target := "https://api.example.com/me"
	f.transport.fail(target, domain.RetryableFailure(503, errors.New("unavailable")))

	req := formRequest(target)
	req.RequiresAuth = true
	_, err := f.coordinator.Submit(context.Background(), req)
	require.Error(t, err)

	sent := f.transport.requests()
	require.Len(t, sent, 1)
	assert.Equal(t, "token-a", sent[0].Token)

	records, err := f.journal.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Identity)
}

func TestSubmitStampsIdentityOfActorThatSignedIn(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{}, alice, bob)
	target := "https://api.example.com/me"
	f.transport.fail(target, domain.RetryableFailure(503, errors.New("unavailable")))

	req := formRequest(target)
	req.RequiresAuth = true
	_, err := f.coordinator.Submit(context.Background(), req)
	require.Error(t, err)

	records, err := f.journal.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Identity)
	pending := f.journaled(t)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].Identity)

	// Another user signs in; alice's request must not go out with bob's token.
	require.NoError(t, f.gate.Logout(context.Background()))
	report, err := f.restart(CoordinatorConfig{}).Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 1, Skipped: 1}, report)

	sent := f.transport.requests()
	require.Len(t, sent, 1)
	assert.Equal(t, "token-a", sent[0].Token)
	assert.Equal(t, 1, f.journal.len())
	assert.Equal(t, "bob", domain.ActorID(f.gate.Current()))
}

func TestSubmitUnauthorizedInvalidatesActorAndKeepsRequest(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{actor: alice}, CoordinatorConfig{})
	target := "https://api.example.com/me"
	f.transport.fail(target, domain.RetryableFailure(401, domain.ErrUnauthorized))

	req := formRequest(target)
	req.RequiresAuth = true
	_, err := f.coordinator.Submit(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	assert.False(t, f.gate.Current().IsAuthenticated())
	assert.Equal(t, 1, f.journal.len())
}

func TestSubmitKeepsRequestWhenAuthenticationFails(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	f.auth.err = errors.New("user closed the browser")

	req := formRequest("https://api.example.com/me")
	req.RequiresAuth = true
	_, err := f.coordinator.Submit(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrAuthenticationFailed)

	pending := f.journaled(t)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].AttemptCount)
	assert.Empty(t, f.transport.requests())
}

func TestSubmitReusesRecentResponse(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{ReuseTTL: 5 * time.Second})
	target := "https://api.example.com/items"

	first, err := f.coordinator.Submit(context.Background(), formRequest(target))
	require.NoError(t, err)
	second, err := f.coordinator.Submit(context.Background(), formRequest(target))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, f.transport.requests(), 1)

	f.clock.advance(6 * time.Second)
	_, err = f.coordinator.Submit(context.Background(), formRequest(target))
	require.NoError(t, err)
	assert.Len(t, f.transport.requests(), 2)
}

func TestSubmitCollapsesConcurrentIdenticalRequests(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	f.transport.block = make(chan struct{})
	target := "https://api.example.com/items"

	results := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := f.coordinator.Submit(context.Background(), formRequest(target))
			results <- err
		}()
	}
	<-f.transport.entered
	time.Sleep(20 * time.Millisecond)
	close(f.transport.block)

	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Len(t, f.transport.requests(), 1)
	assert.Zero(t, f.journal.len())
}

func TestInterruptLeavesJournalUntouched(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	f.transport.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.coordinator.Submit(context.Background(), formRequest("https://api.example.com/slow"))
		done <- err
	}()
	<-f.transport.entered

	assert.Equal(t, 1, f.coordinator.Interrupt())
	err := <-done
	require.ErrorIs(t, err, ErrInterrupted)

	pending := f.journaled(t)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].AttemptCount)
	assert.Empty(t, f.sink.stages())
}

func TestResumeRedeliversWithSameIdempotencyKey(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	target := "https://api.example.com/items"
	f.transport.fail(target, domain.RetryableFailure(503, errors.New("unavailable")))

	_, err := f.coordinator.Submit(context.Background(), formRequest(target))
	require.Error(t, err)

	report, err := f.restart(CoordinatorConfig{}).Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 1, Delivered: 1}, report)

	sent := f.transport.requests()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].IdempotencyKey, sent[1].IdempotencyKey)
	assert.Equal(t, 1, sent[1].Attempt)
	assert.Zero(t, f.journal.len())
}

func TestResumeCountsServerSideDuplicates(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	f.insert(t, domain.PendingRequest{
		ID:             "already-delivered",
		Method:         domain.MethodPost,
		Target:         "https://api.example.com/items",
		Body:           domain.NoBody{},
		IdempotencyKey: "key-1",
	})
	// The server processed key-1 before the process died.
	f.transport.seen["key-1"] = true

	report, err := f.coordinator.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 1, Deduplicated: 1}, report)
	assert.Zero(t, f.journal.len())
}

func TestResumeRecoversMultipartRequestAfterRestart(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{actor: alice}, CoordinatorConfig{})
	path := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o600))

	target := "https://api.example.com/upload"
	f.transport.fail(target, domain.RetryableFailure(0, errors.New("connection refused")))
	_, err := f.coordinator.Submit(context.Background(), domain.PendingRequest{
		Method:       domain.MethodPost,
		Target:       target,
		RequiresAuth: true,
		Body: domain.MultipartEncoded{Parts: []domain.BodyPart{
			domain.FormField{Name: "title", Value: "quarterly"},
			&domain.FileBacked{Name: "file", Path: path},
		}},
	})
	require.Error(t, err)

	// The file changes after submission; the journal holds what was submitted.
	require.NoError(t, os.WriteFile(path, []byte("changed"), 0o600))

	report, err := f.restart(CoordinatorConfig{}).Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)

	sent := f.transport.requests()
	require.Len(t, sent, 2)
	assert.Equal(t, map[string]string{"title": "quarterly", "file": "a,b\n1,2\n"}, sent[1].Parts)
	assert.Equal(t, "token-a", sent[1].Token)
	assert.Zero(t, f.pool.Stats().Outstanding)
}

func TestResumeDropsRequestsPastAttemptBudget(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{MaxAttempts: 2})
	target := "https://api.example.com/flaky"
	f.transport.fail(target,
		domain.RetryableFailure(503, errors.New("unavailable")),
		domain.RetryableFailure(503, errors.New("unavailable")),
	)

	_, err := f.coordinator.Submit(context.Background(), formRequest(target))
	require.Error(t, err)
	require.Equal(t, 1, f.journal.len())

	report, err := f.coordinator.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 1, Dropped: 1}, report)
	assert.Zero(t, f.journal.len())
	require.Len(t, f.sink.stages(), 1)
}

func TestResumeSkipsRequestsOfAnotherIdentity(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{actor: alice}, CoordinatorConfig{})
	f.insert(t, domain.PendingRequest{
		ID:             "bob-note",
		Identity:       "bob",
		Method:         domain.MethodPut,
		Target:         "https://api.example.com/notes/1",
		Body:           domain.NoBody{},
		RequiresAuth:   true,
		IdempotencyKey: "key-bob",
	})

	report, err := f.coordinator.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 1, Skipped: 1}, report)
	assert.Equal(t, 1, f.journal.len())
	assert.Empty(t, f.transport.requests())
}

func TestResumeAsksForSignInOncePerPass(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	f.auth.err = errors.New("user declined consent")
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		f.insert(t, domain.PendingRequest{
			ID:             id,
			Method:         domain.MethodPut,
			Target:         "https://api.example.com/notes/" + id,
			Body:           domain.NoBody{},
			RequiresAuth:   true,
			IdempotencyKey: "key-" + id,
		})
	}

	report, err := f.coordinator.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 4, Retained: 4}, report)
	assert.Equal(t, int32(1), f.auth.calls.Load())
	assert.Empty(t, f.transport.requests())

	attempts := map[string]int{}
	for _, req := range f.journaled(t) {
		attempts[req.ID] = req.AttemptCount
	}
	assert.Equal(t, map[string]int{"n1": 1, "n2": 0, "n3": 0, "n4": 0}, attempts)
}

func TestResumeSendsEachRequestWithItsKeyAndToken(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{actor: alice}, CoordinatorConfig{})
	for _, id := range []string{"n1", "n2", "n3"} {
		f.insert(t, domain.PendingRequest{
			ID:             id,
			Identity:       "alice",
			Method:         domain.MethodPut,
			Target:         "https://api.example.com/notes/" + id,
			Body:           domain.NoBody{},
			RequiresAuth:   true,
			IdempotencyKey: "key-" + id,
		})
	}

	withKey := func(key string) any {
		return mock.MatchedBy(func(req domain.PendingRequest) bool { return req.IdempotencyKey == key })
	}
	transport := portmocks.NewMockTransport(t)
	transport.EXPECT().Send(mock.Anything, withKey("key-n1"), "token-a").Return(domain.Response{Status: 201}, nil).Once()
	transport.EXPECT().Send(mock.Anything, withKey("key-n2"), "token-a").Return(domain.Response{Status: 200}, nil).Once()
	transport.EXPECT().Send(mock.Anything, withKey("key-n3"), "token-a").
		Return(domain.Response{Status: 422}, domain.NonRetryableFailure(422, errors.New("unprocessable"))).Once()

	sink := portmocks.NewMockErrorSink(t)
	sink.EXPECT().Report(mock.Anything, mock.MatchedBy(func(reported ports.ReportedError) bool {
		return reported.RequestID == "n3" && reported.Identity == "alice" && reported.Stage == "deliver"
	})).Return().Once()

	coordinator := NewCoordinator(f.journal, f.codec, f.gate, transport, CoordinatorConfig{}, WithErrorSink(sink), WithClock(f.clock))
	report, err := coordinator.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 3, Delivered: 2, Dropped: 1}, report)
	assert.Zero(t, f.journal.len())
}

func TestResumeDropsUndecodableRecords(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	require.NoError(t, f.journal.Insert(context.Background(), domain.JournalRecord{ID: "garbage", Payload: []byte{1, 0, 0, 0, 0, 0xff}}))

	report, err := f.coordinator.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Total: 1, Dropped: 1}, report)
	assert.Zero(t, f.journal.len())
	assert.Equal(t, []string{"decode:garbage"}, f.sink.stages())
}

func TestResumePreservesOrderWithinIdentity(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	targets := []string{
		"https://api.example.com/1",
		"https://api.example.com/2",
		"https://api.example.com/3",
	}
	for _, target := range targets {
		f.transport.fail(target, domain.RetryableFailure(503, errors.New("unavailable")))
		_, err := f.coordinator.Submit(context.Background(), formRequest(target))
		require.Error(t, err)
	}

	report, err := f.coordinator.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Delivered)

	sent := f.transport.requests()
	require.Len(t, sent, 6)
	var replayed []string
	for _, req := range sent[3:] {
		replayed = append(replayed, req.Target)
	}
	assert.Equal(t, targets, replayed)
}

func TestResumeStopsWhenCancelled(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	for _, id := range []string{"one", "two"} {
		f.insert(t, domain.PendingRequest{
			ID:             id,
			Method:         domain.MethodDelete,
			Target:         "https://api.example.com/" + id,
			Body:           domain.NoBody{},
			IdempotencyKey: "key-" + id,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := f.coordinator.Resume(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, report.Interrupted)
	assert.Equal(t, 2, f.journal.len())
	assert.Empty(t, f.transport.requests())
}

func TestPendingSummarizesJournal(t *testing.T) {
	t.Parallel()

	f := newCoordinatorFixture(t, &memCredentialStore{}, CoordinatorConfig{})
	f.insert(t, domain.PendingRequest{
		ID:     "upload",
		Method: domain.MethodPost,
		Target: "https://api.example.com/upload",
		Body: domain.MultipartEncoded{Parts: []domain.BodyPart{
			domain.FormField{Name: "a", Value: "1"},
			domain.InMemoryBinary{Name: "b", Data: []byte("xyz")},
		}},
		AttemptCount:   2,
		IdempotencyKey: "key-upload",
	})
	require.NoError(t, f.journal.Insert(context.Background(), domain.JournalRecord{ID: "broken", Payload: []byte{9}}))

	summaries, err := f.coordinator.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, domain.MethodPost, summaries[0].Method)
	assert.Equal(t, 2, summaries[0].AttemptCount)
	assert.Equal(t, 2, summaries[0].Parts)
	assert.ErrorIs(t, summaries[1].Err, domain.ErrCorruptFrame)

	require.NoError(t, f.coordinator.Clear(context.Background()))
	assert.Zero(t, f.journal.len())
}
