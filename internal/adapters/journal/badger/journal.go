// Package badger keeps the request journal in an embedded BadgerDB.
//
// Layout:
//
//	req:{identity}:{seq}  -> record
//	idx:{id}              -> primary key of the record
//	meta:seq              -> sequence lease
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bnema/rq/internal/domain"
	"github.com/bnema/rq/internal/ports"
)

const (
	tracerName = "rq/journal/badger"

	dirMode        = 0o700
	sequenceLease  = 64
	maxTxnAttempts = 3
)

// Options configures Open.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

type Journal struct {
	db        *dgbadger.DB
	seq       *dgbadger.Sequence
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

var _ ports.Journal = (*Journal)(nil)

func Open(opts Options) (*Journal, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "journal"), slog.String("backend", "badger"))

	var dbOpts dgbadger.Options
	if opts.InMemory {
		dbOpts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("journal path is required")
		}
		if err := os.MkdirAll(opts.Path, dirMode); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		dbOpts = dgbadger.DefaultOptions(opts.Path)
	}
	dbOpts = dbOpts.
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := dgbadger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	seq, err := db.GetSequence(sequenceKey, sequenceLease)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open journal sequence: %w", err), db.Close())
	}

	return &Journal{db: db, seq: seq, logger: logger}, nil
}

// Insert writes record in one transaction. An ID already present keeps its
// position and replaces its payload. It also keeps its identity, unless it
// was journaled without one: then it moves under record's identity.
func (j *Journal) Insert(ctx context.Context, record domain.JournalRecord) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "journal.Insert",
		trace.WithAttributes(
			attribute.String("request.id", record.ID),
			attribute.Int("payload.bytes", len(record.Payload)),
		),
	)
	defer func() { endSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.Validate(); err != nil {
		return err
	}

	err = j.update(ctx, func(txn *dgbadger.Txn) error {
		primary, existing, err := lookup(txn, record.ID)
		switch {
		case err == nil:
			record.Seq = existing.Seq
			if existing.Identity != "" || record.Identity == "" {
				record.Identity = existing.Identity
				break
			}
			if err := txn.Delete(primary); err != nil {
				return err
			}
			primary = recordKey(record.Identity, record.Seq)
		case errors.Is(err, dgbadger.ErrKeyNotFound):
			next, err := j.seq.Next()
			if err != nil {
				return fmt.Errorf("next journal sequence: %w", err)
			}
			record.Seq = next + 1
			primary = recordKey(record.Identity, record.Seq)
		default:
			return err
		}

		if err := txn.Set(primary, encodeRecord(record)); err != nil {
			return err
		}
		return txn.Set(indexKey(record.ID), primary)
	})
	if err != nil {
		return fmt.Errorf("insert journal record: %w", err)
	}
	span.SetAttributes(attribute.Int64("journal.seq", int64(record.Seq)))
	return nil
}

// List returns every record ordered by identity, then sequence. Records
// that cannot be decoded are logged and left out.
func (j *Journal) List(ctx context.Context) (records []domain.JournalRecord, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "journal.List")
	defer func() { endSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err = j.db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(recordPrefix); it.ValidForPrefix(recordPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read journal record: %w", err)
			}
			record, err := decodeRecord(value)
			if err != nil {
				j.logger.Warn("skipping unreadable journal record", slog.String("key", string(item.Key())), slog.Any("error", err))
				continue
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list journal records: %w", err)
	}

	slices.SortStableFunc(records, func(a, b domain.JournalRecord) int {
		if c := strings.Compare(a.Identity, b.Identity); c != 0 {
			return c
		}
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	span.SetAttributes(attribute.Int("journal.records", len(records)))
	return records, nil
}

// Delete removes id. Deleting an unknown id is not an error.
func (j *Journal) Delete(ctx context.Context, id string) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "journal.Delete",
		trace.WithAttributes(attribute.String("request.id", id)),
	)
	defer func() { endSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	err = j.update(ctx, func(txn *dgbadger.Txn) error {
		primary, _, err := lookup(txn, id)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(primary); err != nil {
			return err
		}
		return txn.Delete(indexKey(id))
	})
	if err != nil {
		return fmt.Errorf("delete journal record: %w", err)
	}
	return nil
}

func (j *Journal) Clear(ctx context.Context) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "journal.Clear")
	defer func() { endSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := j.db.DropPrefix(recordPrefix, indexPrefix); err != nil {
		return fmt.Errorf("clear journal: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		j.closeErr = errors.Join(j.seq.Release(), j.db.Close())
	})
	return j.closeErr
}

// update retries fn when a concurrent transaction touched the same keys.
func (j *Journal) update(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	var err error
	for range maxTxnAttempts {
		err = j.db.Update(fn)
		if !errors.Is(err, dgbadger.ErrConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		j.logger.Debug("journal transaction conflict, retrying")
	}
	return err
}

func lookup(txn *dgbadger.Txn, id string) ([]byte, domain.JournalRecord, error) {
	item, err := txn.Get(indexKey(id))
	if err != nil {
		return nil, domain.JournalRecord{}, err
	}
	primary, err := item.ValueCopy(nil)
	if err != nil {
		return nil, domain.JournalRecord{}, err
	}

	item, err = txn.Get(primary)
	if err != nil {
		return nil, domain.JournalRecord{}, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, domain.JournalRecord{}, err
	}
	record, err := decodeRecord(value)
	if err != nil {
		return nil, domain.JournalRecord{}, err
	}
	return primary, record, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// badgerLogger routes badger's own logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
