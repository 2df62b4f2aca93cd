// Package codec turns body parts and pending requests into flat, versioned
// byte records and back. Part content that lives in pooled chunks is
// encoded with the chunk codec of package buffer.
package codec

import (
	"errors"
	"fmt"

	"github.com/bnema/rq/internal/buffer"
	"github.com/bnema/rq/internal/domain"
)

// Codec borrows chunks from its pool when it materializes streams, snapshots
// files, or decodes binary parts.
type Codec struct {
	pool *buffer.Pool
}

func New(pool *buffer.Pool) *Codec {
	return &Codec{pool: pool}
}

func (c *Codec) Pool() *buffer.Pool {
	return c.pool
}

// Prepare captures the content of every file and stream part of req so the
// request can be encoded and sent repeatedly. On failure the parts prepared
// so far keep their content; the caller still owns and releases req.
func (c *Codec) Prepare(req domain.PendingRequest) error {
	body, ok := req.Body.(domain.MultipartEncoded)
	if !ok {
		return nil
	}
	for _, part := range body.Parts {
		if err := c.preparePart(part); err != nil {
			return err
		}
	}
	return nil
}

func (c *Codec) preparePart(part domain.BodyPart) error {
	switch p := part.(type) {
	case *domain.FileBacked:
		return p.Snapshot(c.pool)
	case *domain.StreamBacked:
		return p.Materialize(c.pool)
	case domain.FormField, domain.InMemoryBinary:
		return nil
	default:
		return unsupportedPart(part)
	}
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrCorruptFrame, fmt.Sprintf(format, args...))
}

func unsupportedPart(part domain.BodyPart) error {
	return fmt.Errorf("%w: %T", domain.ErrUnsupportedPartType, part)
}

// chunkError maps chunk codec failures onto the frame taxonomy. Pool
// exhaustion is passed through since it is retryable.
func chunkError(err error) error {
	if errors.Is(err, buffer.ErrCorruptChunk) {
		return fmt.Errorf("%w: %w", domain.ErrCorruptFrame, err)
	}
	return err
}
