package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	maxOAuthResponseBytes = 1 << 20

	authorizePath  = "/oauth/authorize"
	tokenPath      = "/oauth/token"
	deviceCodePath = "/oauth/device/code"

	defaultRequestTimeout = 30 * time.Second
)

// Issuer describes the OAuth server every flow talks to.
type Issuer struct {
	BaseURL        string
	ClientID       string
	Scopes         []string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// Tokens is a successful token endpoint response.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// OAuthError is an error response from the issuer.
type OAuthError struct {
	Status      int
	Code        string
	Description string
	// Interval is only set on device flow polling errors.
	Interval time.Duration
}

func (e *OAuthError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Interval         int64  `json:"interval"`
}

func (i Issuer) validate() error {
	if i.ClientID == "" {
		return errors.New("client id is required")
	}
	_, err := i.endpoint(tokenPath)
	return err
}

func (i Issuer) endpoint(path string) (string, error) {
	if i.BaseURL == "" {
		return "", errors.New("issuer url is required")
	}

	parsed, err := url.Parse(i.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse issuer url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("issuer url must use http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("issuer url host is required")
	}

	parsed.Path = strings.TrimRight(parsed.Path, "/") + path
	parsed.RawQuery = ""
	return parsed.String(), nil
}

func (i Issuer) scope() string {
	return strings.Join(i.Scopes, " ")
}

func (i Issuer) httpClient() *http.Client {
	if i.HTTPClient != nil {
		return i.HTTPClient
	}
	return http.DefaultClient
}

// requestContext bounds a single round trip unless the caller already did.
func (i Issuer) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}

	timeout := i.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// postForm posts values to path and decodes a 2xx JSON body into out. Error
// responses come back as *OAuthError.
func (i Issuer) postForm(ctx context.Context, path string, values url.Values, out any) error {
	endpoint, err := i.endpoint(path)
	if err != nil {
		return err
	}

	requestCtx, cancel := i.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := i.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body := io.LimitReader(resp.Body, maxOAuthResponseBytes)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return decodeOAuthError(resp.StatusCode, body)
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeOAuthError(status int, body io.Reader) *OAuthError {
	oauthErr := &OAuthError{Status: status}

	var payload oauthErrorResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return oauthErr
	}
	oauthErr.Code = payload.Error
	oauthErr.Description = payload.ErrorDescription
	if payload.Interval > 0 {
		oauthErr.Interval = time.Duration(payload.Interval) * time.Second
	}
	return oauthErr
}
