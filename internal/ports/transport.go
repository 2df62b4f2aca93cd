package ports

import (
	"context"

	"github.com/bnema/rq/internal/domain"
)

// Transport delivers a request. Failures are reported as
// *domain.FailureError so callers can tell retryable outcomes apart.
type Transport interface {
	Send(ctx context.Context, req domain.PendingRequest, accessToken string) (domain.Response, error)
}
