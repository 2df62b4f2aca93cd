package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

const (
	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	defaultPollInterval = 5 * time.Second
	slowDownStep        = 5 * time.Second
	defaultDeviceWait   = 5 * time.Minute
)

var (
	ErrDeviceFlowTimeout = errors.New("timed out waiting for device authorization")
	ErrDeviceCodeExpired = errors.New("device code expired")
	ErrAccessDenied      = errors.New("device authorization denied")
)

// DeviceCode is what the user needs to approve the login on another device.
type DeviceCode struct {
	VerificationURL string
	UserCode        string
	Interval        time.Duration
	ExpiresIn       time.Duration
	DeviceCode      string
}

type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	Interval                int64  `json:"interval"`
	ExpiresIn               int64  `json:"expires_in"`
}

// DeviceAuthorizer requests a device code and hands the user code to Notify.
// The returned authorization code carries the device code and its polling
// interval.
type DeviceAuthorizer struct {
	Issuer Issuer
	Notify func(code DeviceCode) error
}

var _ ports.Authorizer = DeviceAuthorizer{}

func (a DeviceAuthorizer) Authorize(ctx context.Context) (domain.AuthorizationCode, error) {
	if err := a.Issuer.validate(); err != nil {
		return domain.AuthorizationCode{}, err
	}

	values := url.Values{}
	values.Set("client_id", a.Issuer.ClientID)
	if scope := a.Issuer.scope(); scope != "" {
		values.Set("scope", scope)
	}

	var payload deviceCodeResponse
	if err := a.Issuer.postForm(ctx, deviceCodePath, values, &payload); err != nil {
		return domain.AuthorizationCode{}, fmt.Errorf("request device code: %w", err)
	}

	verificationURL := payload.VerificationURI
	if payload.VerificationURIComplete != "" {
		verificationURL = payload.VerificationURIComplete
	}
	if payload.DeviceCode == "" || payload.UserCode == "" || verificationURL == "" {
		return domain.AuthorizationCode{}, errors.New("device code response missing required fields")
	}

	code := DeviceCode{
		VerificationURL: verificationURL,
		UserCode:        payload.UserCode,
		Interval:        defaultPollInterval,
		ExpiresIn:       time.Duration(payload.ExpiresIn) * time.Second,
		DeviceCode:      payload.DeviceCode,
	}
	if payload.Interval > 0 {
		code.Interval = time.Duration(payload.Interval) * time.Second
	}
	if a.Notify != nil {
		if err := a.Notify(code); err != nil {
			return domain.AuthorizationCode{}, fmt.Errorf("show device code: %w", err)
		}
	}

	return domain.AuthorizationCode{Value: code.DeviceCode, Interval: code.Interval}, nil
}

// DeviceAuthenticator polls the token endpoint until the device code is
// approved, denied or expired.
type DeviceAuthenticator struct {
	Issuer  Issuer
	Timeout time.Duration
}

var _ ports.Authenticator = DeviceAuthenticator{}

func (a DeviceAuthenticator) Authenticate(ctx context.Context, code domain.AuthorizationCode) (domain.Authenticated, error) {
	if err := a.Issuer.validate(); err != nil {
		return domain.Authenticated{}, err
	}
	if code.Value == "" {
		return domain.Authenticated{}, errors.New("device code is required")
	}

	tokens, err := a.poll(ctx, code.Value, code.Interval)
	if err != nil {
		return domain.Authenticated{}, err
	}
	return ActorFromTokens(tokens)
}

func (a DeviceAuthenticator) poll(ctx context.Context, deviceCode string, interval time.Duration) (Tokens, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultDeviceWait
	}
	pollCtx, cancel := context.WithTimeoutCause(ctx, timeout, ErrDeviceFlowTimeout)
	defer cancel()

	values := url.Values{}
	values.Set("grant_type", deviceCodeGrantType)
	values.Set("client_id", a.Issuer.ClientID)
	values.Set("device_code", deviceCode)

	for {
		var tokens Tokens
		err := a.Issuer.postForm(pollCtx, tokenPath, values, &tokens)
		if err == nil {
			return tokens, nil
		}

		var oauthErr *OAuthError
		switch {
		case pollCtx.Err() != nil:
			return Tokens{}, pollDone(ctx, pollCtx)
		case !errors.As(err, &oauthErr):
			return Tokens{}, fmt.Errorf("poll device token: %w", err)
		case oauthErr.Code == "authorization_pending":
		case oauthErr.Code == "slow_down":
			interval += slowDownStep
		case oauthErr.Code == "expired_token":
			return Tokens{}, ErrDeviceCodeExpired
		case oauthErr.Code == "access_denied":
			return Tokens{}, ErrAccessDenied
		default:
			return Tokens{}, fmt.Errorf("poll device token: %w", err)
		}
		if oauthErr.Interval > interval {
			interval = oauthErr.Interval
		}

		timer := time.NewTimer(interval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			return Tokens{}, pollDone(ctx, pollCtx)
		case <-timer.C:
		}
	}
}

func pollDone(parent context.Context, pollCtx context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return context.Cause(pollCtx)
}
