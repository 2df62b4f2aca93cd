// Package transport delivers pending requests over HTTP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	defaultTimeout          = 60 * time.Second
	defaultMaxResponseBytes = 4 << 20
	defaultUserAgent        = "rq"
	maxErrorSnippet         = 256
)

var errBodyAbandoned = errors.New("request body abandoned")

type Options struct {
	// BaseURL resolves relative request targets.
	BaseURL          string
	Client           *http.Client
	Timeout          time.Duration
	MaxResponseBytes int64
	UserAgent        string
	Logger           *slog.Logger
}

// HTTP sends requests with net/http and classifies every outcome that is
// not a 2xx as a *domain.FailureError.
type HTTP struct {
	base             *url.URL
	client           *http.Client
	timeout          time.Duration
	maxResponseBytes int64
	userAgent        string
	logger           *slog.Logger
}

var _ ports.Transport = (*HTTP)(nil)

func New(opts Options) (*HTTP, error) {
	t := &HTTP{
		client:           opts.Client,
		timeout:          opts.Timeout,
		maxResponseBytes: opts.MaxResponseBytes,
		userAgent:        opts.UserAgent,
		logger:           opts.Logger,
	}
	if opts.BaseURL != "" {
		base, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse transport base url: %w", err)
		}
		if base.Scheme != "http" && base.Scheme != "https" {
			return nil, errors.New("transport base url must use http or https")
		}
		t.base = base
	}
	if t.client == nil {
		t.client = http.DefaultClient
	}
	if t.timeout <= 0 {
		t.timeout = defaultTimeout
	}
	if t.maxResponseBytes <= 0 {
		t.maxResponseBytes = defaultMaxResponseBytes
	}
	if t.userAgent == "" {
		t.userAgent = defaultUserAgent
	}
	if t.logger == nil {
		t.logger = slog.New(slog.DiscardHandler)
	}
	t.logger = t.logger.With(slog.String("component", "transport"))
	return t, nil
}

func (t *HTTP) Send(ctx context.Context, req domain.PendingRequest, accessToken string) (domain.Response, error) {
	target, err := t.resolve(req.Target)
	if err != nil {
		return domain.Response{}, domain.NonRetryableFailure(0, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	body, contentType, stop, err := encodeBody(req.Body)
	if err != nil {
		return domain.Response{}, domain.NonRetryableFailure(0, err)
	}
	defer stop()

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), target, body)
	if err != nil {
		return domain.Response{}, domain.NonRetryableFailure(0, fmt.Errorf("build request: %w", err))
	}
	for _, field := range req.Header {
		httpReq.Header.Add(field.Name, field.Value)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	if accessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	}

	started := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return domain.Response{}, domain.RetryableFailure(0, fmt.Errorf("send %s %s: %w", req.Method, target, err))
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, t.maxResponseBytes))
	if err != nil {
		return domain.Response{Status: resp.StatusCode}, domain.RetryableFailure(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	response := domain.Response{
		Status:   resp.StatusCode,
		Header:   fromHTTPHeader(resp.Header),
		Body:     payload,
		Replayed: strings.EqualFold(resp.Header.Get(HeaderReplayed), "true"),
	}
	t.logger.Debug("request delivered",
		slog.String("request_id", req.ID),
		slog.String("method", string(req.Method)),
		slog.String("target", target),
		slog.Int("status", resp.StatusCode),
		slog.Bool("replayed", response.Replayed),
		slog.Duration("elapsed", time.Since(started)),
	)
	return response, classify(req.Method, target, resp.StatusCode, payload)
}

func (t *HTTP) resolve(raw string) (string, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse target: %w", domain.ErrInvalidRequest, err)
	}
	if target.IsAbs() {
		return target.String(), nil
	}
	if t.base == nil {
		return "", fmt.Errorf("%w: relative target %q needs a base url", domain.ErrInvalidRequest, raw)
	}
	return t.base.ResolveReference(target).String(), nil
}

// classify maps a status code to nil, a retryable or a non-retryable failure.
func classify(method domain.Method, target string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return domain.RetryableFailure(status, fmt.Errorf("%s %s: %w", method, target, domain.ErrUnauthorized))
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return domain.RetryableFailure(status, statusError(method, target, status, body))
	default:
		return domain.NonRetryableFailure(status, statusError(method, target, status, body))
	}
}

func statusError(method domain.Method, target string, status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorSnippet {
		snippet = snippet[:maxErrorSnippet] + "..."
	}
	if snippet == "" {
		return fmt.Errorf("%s %s: %s", method, target, http.StatusText(status))
	}
	return fmt.Errorf("%s %s: %s: %s", method, target, http.StatusText(status), snippet)
}

func fromHTTPHeader(h http.Header) domain.Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)

	var out domain.Header
	for _, name := range names {
		for _, value := range h[name] {
			out = out.Add(name, value)
		}
	}
	return out
}

// encodeBody returns the request body, its content type and a stop func.
// Multipart bodies are streamed through a pipe and never held in memory
// whole. stop ends the streaming goroutine and returns once it no longer
// reads the parts, so the caller may release them afterwards.
func encodeBody(body domain.EncodedBody) (io.Reader, string, func(), error) {
	switch b := body.(type) {
	case nil, domain.NoBody:
		return nil, "", func() {}, nil
	case domain.FormEncoded:
		return strings.NewReader(encodeForm(b.Fields)), "application/x-www-form-urlencoded", func() {}, nil
	case domain.MultipartEncoded:
		reader, writer := io.Pipe()
		mw := multipart.NewWriter(writer)
		done := make(chan struct{})
		go func() {
			defer close(done)
			err := writeParts(mw, b.Parts)
			if err == nil {
				err = mw.Close()
			}
			_ = writer.CloseWithError(err)
		}()
		stop := func() {
			_ = reader.CloseWithError(errBodyAbandoned)
			<-done
		}
		return reader, mw.FormDataContentType(), stop, nil
	default:
		return nil, "", nil, fmt.Errorf("%w: body %T", domain.ErrUnsupportedPartType, body)
	}
}

// encodeForm keeps field order, which url.Values would not.
func encodeForm(fields []domain.FormField) string {
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(f.Name))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(f.Value))
	}
	return sb.String()
}

func writeParts(mw *multipart.Writer, parts []domain.BodyPart) error {
	for _, part := range parts {
		if field, ok := part.(domain.FormField); ok {
			if err := mw.WriteField(field.Name, field.Value); err != nil {
				return fmt.Errorf("write form field %q: %w", field.Name, err)
			}
			continue
		}

		content, filename, err := openPart(part)
		if err != nil {
			return err
		}
		w, err := mw.CreatePart(partHeader(part, filename))
		if err == nil {
			_, err = io.Copy(w, content)
		}
		closeErr := content.Close()
		if err != nil {
			return fmt.Errorf("write part %q: %w", part.PartName(), err)
		}
		if closeErr != nil {
			return fmt.Errorf("close part %q: %w", part.PartName(), closeErr)
		}
	}
	return nil
}

func openPart(part domain.BodyPart) (io.ReadCloser, string, error) {
	switch p := part.(type) {
	case domain.InMemoryBinary:
		return io.NopCloser(bytes.NewReader(p.Data)), p.Name, nil
	case *domain.FileBacked:
		content, err := p.Open()
		if err != nil {
			return nil, "", fmt.Errorf("open part %q: %w", p.Name, err)
		}
		return content, filepath.Base(p.Path), nil
	case *domain.StreamBacked:
		content, err := p.Open()
		if err != nil {
			return nil, "", err
		}
		return content, p.Name, nil
	default:
		return nil, "", fmt.Errorf("%w: %T", domain.ErrUnsupportedPartType, part)
	}
}

func partHeader(part domain.BodyPart, filename string) textproto.MIMEHeader {
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     part.PartName(),
		"filename": filename,
	}))
	for _, field := range part.PartHeader() {
		header.Add(field.Name, field.Value)
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/octet-stream")
	}
	return header
}
