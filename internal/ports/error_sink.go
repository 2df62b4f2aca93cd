package ports

import (
	"context"
	"time"
)

type ReportedError struct {
	RequestID string
	Identity  string
	Method    string
	Target    string
	Stage     string
	Err       error
	At        time.Time
}

type ErrorSink interface {
	Report(ctx context.Context, reported ReportedError)
}
