// Package errsink holds ports.ErrorSink implementations.
package errsink

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/bnema/rq/internal/ports"
)

var (
	_ ports.ErrorSink = (*Log)(nil)
	_ ports.ErrorSink = (*Collector)(nil)
	_ ports.ErrorSink = Fanout(nil)
)

// Log writes every reported error as one structured record.
type Log struct {
	logger *slog.Logger
	level  slog.Level
}

func NewLog(logger *slog.Logger, level slog.Level) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Log{
		logger: logger.With(slog.String("component", "errsink")),
		level:  level,
	}
}

func (l *Log) Report(ctx context.Context, reported ports.ReportedError) {
	attrs := []slog.Attr{
		slog.String("request_id", reported.RequestID),
		slog.String("stage", reported.Stage),
	}
	if reported.Identity != "" {
		attrs = append(attrs, slog.String("identity", reported.Identity))
	}
	if reported.Method != "" {
		attrs = append(attrs, slog.String("method", reported.Method), slog.String("target", reported.Target))
	}
	if !reported.At.IsZero() {
		attrs = append(attrs, slog.Time("at", reported.At))
	}
	if reported.Err != nil {
		attrs = append(attrs, slog.String("error", reported.Err.Error()))
	}
	l.logger.LogAttrs(ctx, l.level, "request error reported", attrs...)
}

// Collector keeps reported errors in memory, oldest first. A positive limit
// drops the oldest entries once it is reached.
type Collector struct {
	mu      sync.Mutex
	limit   int
	entries []ports.ReportedError
}

func NewCollector(limit int) *Collector {
	return &Collector{limit: limit}
}

func (c *Collector) Report(_ context.Context, reported ports.ReportedError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = append(c.entries, reported)
	if c.limit > 0 && len(c.entries) > c.limit {
		c.entries = slices.Delete(c.entries, 0, len(c.entries)-c.limit)
	}
}

// Entries returns a copy of what has been collected so far.
func (c *Collector) Entries() []ports.ReportedError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.entries)
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fanout reports to every sink in order. Nil sinks are skipped.
type Fanout []ports.ErrorSink

func (f Fanout) Report(ctx context.Context, reported ports.ReportedError) {
	for _, sink := range f {
		if sink != nil {
			sink.Report(ctx, reported)
		}
	}
}
