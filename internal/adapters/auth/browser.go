package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

const (
	callbackPath           = "/callback"
	defaultCallbackTimeout = 5 * time.Minute
	shutdownGrace          = 2 * time.Second
)

var (
	ErrStateMismatch   = errors.New("oauth callback state mismatch")
	ErrCallbackTimeout = errors.New("timed out waiting for oauth callback")
	ErrMissingState    = errors.New("expected state is required")
)

type AuthorizationRequest struct {
	AuthURL       string
	ClientID      string
	RedirectURI   string
	Scopes        []string
	State         string
	CodeChallenge string
}

func BuildAuthorizationURL(req AuthorizationRequest) (string, error) {
	if req.AuthURL == "" {
		return "", errors.New("auth url is required")
	}
	if req.ClientID == "" {
		return "", errors.New("client id is required")
	}
	if req.RedirectURI == "" {
		return "", errors.New("redirect uri is required")
	}
	if req.State == "" {
		return "", errors.New("state is required")
	}
	if req.CodeChallenge == "" {
		return "", errors.New("code challenge is required")
	}

	parsed, err := url.Parse(req.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("auth url must use http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("auth url host is required")
	}

	q := parsed.Query()
	q.Set("response_type", "code")
	q.Set("client_id", req.ClientID)
	q.Set("redirect_uri", req.RedirectURI)
	if len(req.Scopes) > 0 {
		q.Set("scope", Issuer{Scopes: req.Scopes}.scope())
	}
	q.Set("state", req.State)
	q.Set("code_challenge", req.CodeChallenge)
	q.Set("code_challenge_method", PKCEChallengeMethodS256)
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}

// BrowserAuthorizer runs the authorization code flow with PKCE against a
// loopback redirect.
type BrowserAuthorizer struct {
	Issuer     Issuer
	ListenAddr string
	Timeout    time.Duration
	// Notify receives the URL the user has to open.
	Notify func(authURL string) error
}

var _ ports.Authorizer = BrowserAuthorizer{}

func (a BrowserAuthorizer) Authorize(ctx context.Context) (domain.AuthorizationCode, error) {
	if err := a.Issuer.validate(); err != nil {
		return domain.AuthorizationCode{}, err
	}
	authEndpoint, err := a.Issuer.endpoint(authorizePath)
	if err != nil {
		return domain.AuthorizationCode{}, err
	}

	pair, err := NewPKCEPair()
	if err != nil {
		return domain.AuthorizationCode{}, err
	}
	state, err := NewState()
	if err != nil {
		return domain.AuthorizationCode{}, err
	}

	server, err := StartCallbackServer(a.ListenAddr, state)
	if err != nil {
		return domain.AuthorizationCode{}, err
	}
	defer func() { _ = server.Close() }()

	authURL, err := BuildAuthorizationURL(AuthorizationRequest{
		AuthURL:       authEndpoint,
		ClientID:      a.Issuer.ClientID,
		RedirectURI:   server.RedirectURI(),
		Scopes:        a.Issuer.Scopes,
		State:         state,
		CodeChallenge: pair.Challenge,
	})
	if err != nil {
		return domain.AuthorizationCode{}, err
	}
	if a.Notify != nil {
		if err := a.Notify(authURL); err != nil {
			return domain.AuthorizationCode{}, fmt.Errorf("show authorization url: %w", err)
		}
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	waitCtx, cancel := context.WithTimeoutCause(ctx, timeout, ErrCallbackTimeout)
	defer cancel()

	code, err := server.WaitForCode(waitCtx)
	if err != nil {
		return domain.AuthorizationCode{}, err
	}

	return domain.AuthorizationCode{
		Value:       code,
		Verifier:    pair.Verifier,
		RedirectURI: server.RedirectURI(),
	}, nil
}

type CallbackServer struct {
	expectedState string
	listener      net.Listener
	server        *http.Server
	resultCh      chan callbackResult
	resultOnce    sync.Once
	closeOnce     sync.Once
}

type callbackResult struct {
	code string
	err  error
}

func StartCallbackServer(listenAddr string, expectedState string) (*CallbackServer, error) {
	if expectedState == "" {
		return nil, ErrMissingState
	}
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen callback server: %w", err)
	}

	cb := &CallbackServer{
		expectedState: expectedState,
		listener:      listener,
		resultCh:      make(chan callbackResult, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, cb.handleCallback)
	cb.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if serveErr := cb.server.Serve(cb.listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			cb.trySendResult(callbackResult{err: serveErr})
		}
	}()

	return cb, nil
}

func (c *CallbackServer) RedirectURI() string {
	if tcpAddr, ok := c.listener.Addr().(*net.TCPAddr); ok {
		return fmt.Sprintf("http://127.0.0.1:%d%s", tcpAddr.Port, callbackPath)
	}
	return "http://127.0.0.1" + callbackPath
}

// WaitForCode blocks until the callback arrives or ctx ends. A context ended
// by its timeout cause reports ErrCallbackTimeout.
func (c *CallbackServer) WaitForCode(ctx context.Context) (string, error) {
	defer func() { _ = c.Close() }()

	select {
	case result := <-c.resultCh:
		return result.code, result.err
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), ErrCallbackTimeout) {
			return "", ErrCallbackTimeout
		}
		return "", ctx.Err()
	}
}

// Close lets an in-flight callback finish its response before stopping.
func (c *CallbackServer) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := c.server.Shutdown(ctx); err != nil {
			closeErr = errors.Join(err, c.server.Close())
		}
	})
	return closeErr
}

func (c *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if query.Get("state") != c.expectedState {
		c.trySendResult(callbackResult{err: ErrStateMismatch})
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	if code := query.Get("error"); code != "" {
		c.trySendResult(callbackResult{err: &OAuthError{
			Status:      http.StatusBadRequest,
			Code:        code,
			Description: query.Get("error_description"),
		}})
		http.Error(w, "authorization failed", http.StatusBadRequest)
		return
	}
	code := query.Get("code")
	if code == "" {
		c.trySendResult(callbackResult{err: errors.New("missing authorization code")})
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	c.trySendResult(callbackResult{code: code})
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Authentication complete. You can close this window."))
}

func (c *CallbackServer) trySendResult(result callbackResult) {
	c.resultOnce.Do(func() {
		c.resultCh <- result
	})
}
