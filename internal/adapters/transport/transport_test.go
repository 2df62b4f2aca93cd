package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/rq/internal/buffer"
	"github.com/bnema/rq/internal/domain"
)

func newTransport(t *testing.T, server *httptest.Server) *HTTP {
	t.Helper()

	tr, err := New(Options{BaseURL: server.URL, Client: server.Client()})
	require.NoError(t, err)
	return tr
}

func TestSendFormRequestWithCredentials(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/notes", r.URL.Path)
		assert.Equal(t, "Bearer token-a", r.Header.Get("Authorization"))
		assert.Equal(t, "key-1", r.Header.Get(HeaderIdempotencyKey))
		assert.Equal(t, []string{"one", "two"}, r.Header.Values("X-Tag"))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "rq", r.Header.Get("User-Agent"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "title=hello+world&a=%26b", string(body))

		w.Header().Set("X-Request-Id", "srv-1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	t.Cleanup(server.Close)

	resp, err := newTransport(t, server).Send(context.Background(), domain.PendingRequest{
		Method:         domain.MethodPost,
		Target:         "/v1/notes",
		Header:         domain.Header{{Name: "X-Tag", Value: "one"}, {Name: "X-Tag", Value: "two"}},
		Body:           domain.FormEncoded{Fields: []domain.FormField{{Name: "title", Value: "hello world"}, {Name: "a", Value: "&b"}}},
		IdempotencyKey: "key-1",
	}, "token-a")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, `{"id":1}`, string(resp.Body))
	assert.Equal(t, "srv-1", resp.Header.Get("X-Request-Id"))
	assert.False(t, resp.Replayed)
}

func TestSendStreamsMultipartParts(t *testing.T) {
	t.Parallel()

	pool, err := buffer.NewPool(8, 0)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "report.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o600))
	file := &domain.FileBacked{Name: "report", Path: path, Header: domain.Header{{Name: "Content-Type", Value: "text/csv"}}}
	require.NoError(t, file.Snapshot(pool))
	stream := &domain.StreamBacked{Name: "log", Source: strings.NewReader("streamed content longer than a chunk")}
	require.NoError(t, stream.Materialize(pool))
	t.Cleanup(func() {
		_ = file.Release()
		_ = stream.Release()
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reader, err := r.MultipartReader()
		require.NoError(t, err)

		type seenPart struct{ name, filename, contentType, body string }
		var parts []seenPart
		for {
			part, err := reader.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			body, err := io.ReadAll(part)
			require.NoError(t, err)
			parts = append(parts, seenPart{part.FormName(), part.FileName(), part.Header.Get("Content-Type"), string(body)})
		}
		assert.Equal(t, []seenPart{
			{name: "caption", body: "quarterly"},
			{name: "thumb", filename: "thumb", contentType: "image/png", body: "\x89PNG"},
			{name: "report", filename: "report.csv", contentType: "text/csv", body: "a,b\n1,2\n"},
			{name: "log", filename: "log", contentType: "application/octet-stream", body: "streamed content longer than a chunk"},
		}, parts)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	tr := newTransport(t, server)
	req := domain.PendingRequest{
		Method: domain.MethodPut,
		Target: server.URL + "/upload",
		Body: domain.MultipartEncoded{Parts: []domain.BodyPart{
			domain.FormField{Name: "caption", Value: "quarterly"},
			domain.InMemoryBinary{Name: "thumb", Header: domain.Header{{Name: "Content-Type", Value: "image/png"}}, Data: []byte("\x89PNG")},
			file,
			stream,
		}},
	}

	_, err = tr.Send(context.Background(), req, "")
	require.NoError(t, err)

	// Snapshotted content is sent again on a second delivery.
	require.NoError(t, os.Remove(path))
	_, err = tr.Send(context.Background(), req, "")
	require.NoError(t, err)
}

func materializedStream(t *testing.T, pool *buffer.Pool, size int) *domain.StreamBacked {
	t.Helper()

	stream := &domain.StreamBacked{Name: "dump", Source: bytes.NewReader(bytes.Repeat([]byte("r"), size))}
	require.NoError(t, stream.Materialize(pool))
	return stream
}

// scribble borrows n chunks, overwrites them and gives them back. Run under
// -race, it flags any reader still holding a released chunk.
func scribble(t *testing.T, pool *buffer.Pool, n int) {
	t.Helper()

	fill := bytes.Repeat([]byte("w"), pool.ChunkSize())
	chunks := make([]*buffer.Chunk, 0, n)
	for range n {
		c, err := pool.Borrow()
		require.NoError(t, err)
		c.Write(fill)
		chunks = append(chunks, c)
	}
	for _, c := range chunks {
		require.NoError(t, pool.Release(c))
	}
}

func uploadRequest(part domain.BodyPart) domain.PendingRequest {
	return domain.PendingRequest{
		Method: domain.MethodPut,
		Target: "/upload",
		Body:   domain.MultipartEncoded{Parts: []domain.BodyPart{part}},
	}
}

func TestSendStopsStreamingWhenServerAnswersEarly(t *testing.T) {
	t.Parallel()

	pool, err := buffer.NewPool(4096, 0)
	require.NoError(t, err)
	stream := materializedStream(t, pool, 32<<20)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	_, err = newTransport(t, server).Send(context.Background(), uploadRequest(stream), "token-a")
	require.Error(t, err)

	require.NoError(t, stream.Release())
	assert.Zero(t, pool.Stats().Outstanding)
	scribble(t, pool, 256)
}

func TestSendStopsStreamingWhenCancelledMidUpload(t *testing.T) {
	t.Parallel()

	pool, err := buffer.NewPool(4096, 0)
	require.NoError(t, err)
	stream := materializedStream(t, pool, 32<<20)

	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadFull(r.Body, make([]byte, 1024))
		close(started)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	_, err = newTransport(t, server).Send(ctx, uploadRequest(stream), "")
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, stream.Release())
	assert.Zero(t, pool.Stats().Outstanding)
	scribble(t, pool, 256)
}

func TestSendClassifiesStatus(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		status       int
		retryable    bool
		unauthorized bool
	}{
		{status: http.StatusUnauthorized, retryable: true, unauthorized: true},
		{status: http.StatusRequestTimeout, retryable: true},
		{status: http.StatusTooEarly, retryable: true},
		{status: http.StatusTooManyRequests, retryable: true},
		{status: http.StatusInternalServerError, retryable: true},
		{status: http.StatusServiceUnavailable, retryable: true},
		{status: http.StatusBadRequest},
		{status: http.StatusForbidden},
		{status: http.StatusNotFound},
		{status: http.StatusConflict},
		{status: http.StatusUnprocessableEntity},
	}

	for _, tc := range testCases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte("  server says no  "))
			}))
			t.Cleanup(server.Close)

			resp, err := newTransport(t, server).Send(context.Background(), domain.PendingRequest{Method: domain.MethodGet, Target: "/x"}, "")
			require.Error(t, err)
			assert.Equal(t, tc.status, resp.Status)

			var failure *domain.FailureError
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, tc.status, failure.Status)
			assert.Equal(t, tc.retryable, domain.IsRetryable(err))
			assert.Equal(t, tc.unauthorized, errors.Is(err, domain.ErrUnauthorized))
			if !tc.unauthorized {
				assert.ErrorContains(t, err, "server says no")
			}
		})
	}
}

func TestSendReportsReplayedResponses(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(HeaderReplayed, "true")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	resp, err := newTransport(t, server).Send(context.Background(), domain.PendingRequest{Method: domain.MethodPost, Target: "/x", IdempotencyKey: "k"}, "")
	require.NoError(t, err)
	assert.True(t, resp.Replayed)
}

func TestSendNetworkErrorIsRetryable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	tr := newTransport(t, server)
	server.Close()

	_, err := tr.Send(context.Background(), domain.PendingRequest{Method: domain.MethodGet, Target: "/x"}, "")
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestSendRelativeTargetWithoutBaseIsNotRetryable(t *testing.T) {
	t.Parallel()

	tr, err := New(Options{})
	require.NoError(t, err)

	_, err = tr.Send(context.Background(), domain.PendingRequest{Method: domain.MethodGet, Target: "/x"}, "")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.False(t, domain.IsRetryable(err))
}

func TestSendHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTransport(t, server).Send(ctx, domain.PendingRequest{Method: domain.MethodGet, Target: "/slow"}, "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Options{BaseURL: "ftp://example.com"})
	require.ErrorContains(t, err, "must use http or https")
}
