package ports

import (
	"context"

	"github.com/bnema/rq/internal/domain"
)

// Journal stores pending requests durably. Insert is atomic: a record is
// either listed whole or not at all. Re-inserting an ID replaces its payload
// and keeps its position. List orders records by identity, then by insertion.
type Journal interface {
	Insert(ctx context.Context, record domain.JournalRecord) error
	List(ctx context.Context) ([]domain.JournalRecord, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}
