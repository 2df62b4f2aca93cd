// Package buffer provides fixed-size reusable memory chunks, singly linked
// chains built from them, and the wire encoding of a chain.
//
// A chunk borrowed from a Pool is owned by exactly one holder at a time and
// must be returned to that same Pool exactly once.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
)

const DefaultChunkSize = 4096

var (
	ErrPoolExhausted = errors.New("buffer: pool exhausted")
	ErrDoubleRelease = errors.New("buffer: chunk released twice")
	ErrForeignChunk  = errors.New("buffer: chunk belongs to another pool")
	ErrCorruptChunk  = errors.New("buffer: corrupt chunk encoding")
)

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	Borrowed    uint64
	Released    uint64
	Outstanding uint64
	Allocated   int
}

// Option configures a Pool.
type Option func(*Pool) error

// WithMetricSink sets the sink used for pool counters. A nil sink discards
// metrics.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(p *Pool) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		p.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to every metric emitted by the pool.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(p *Pool) error {
		p.labels = append([]metrics.Label(nil), labels...)
		return nil
	}
}

// Pool hands out chunks of a fixed size. A capacity of zero means the pool
// allocates on demand without bound.
type Pool struct {
	chunkSize int
	capacity  int
	msink     metrics.MetricSink
	labels    []metrics.Label

	mu        sync.Mutex
	free      []*Chunk
	allocated int

	borrowed atomic.Uint64
	released atomic.Uint64
}

func NewPool(chunkSize, capacity int, opts ...Option) (*Pool, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("buffer: chunk size must be positive, got %d", chunkSize)
	}
	if capacity < 0 {
		return nil, fmt.Errorf("buffer: capacity must not be negative, got %d", capacity)
	}

	p := &Pool{
		chunkSize: chunkSize,
		capacity:  capacity,
		msink:     &metrics.BlackholeSink{},
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Pool) ChunkSize() int {
	return p.chunkSize
}

// Borrow takes a chunk out of the pool. The returned chunk is empty.
func (p *Pool) Borrow() (*Chunk, error) {
	p.mu.Lock()
	var c *Chunk
	switch {
	case len(p.free) > 0:
		last := len(p.free) - 1
		c = p.free[last]
		p.free[last] = nil
		p.free = p.free[:last]
	case p.capacity == 0 || p.allocated < p.capacity:
		c = &Chunk{buf: make([]byte, p.chunkSize), pool: p}
		p.allocated++
	default:
		p.mu.Unlock()
		p.msink.IncrCounterWithLabels(MetricBufferExhaustedCount, 1, p.labels)
		return nil, ErrPoolExhausted
	}
	c.inUse = true
	p.mu.Unlock()

	p.borrowed.Add(1)
	p.msink.IncrCounterWithLabels(MetricBufferBorrowCount, 1, p.labels)
	return c, nil
}

// Release returns a single chunk to the pool. The chunk's link to the next
// node is cleared; use ReleaseAll for whole chains.
func (p *Pool) Release(c *Chunk) error {
	if c == nil {
		return nil
	}
	if c.pool != p {
		return ErrForeignChunk
	}

	p.mu.Lock()
	if !c.inUse {
		p.mu.Unlock()
		return ErrDoubleRelease
	}
	c.inUse = false
	c.reset()
	p.free = append(p.free, c)
	p.mu.Unlock()

	p.released.Add(1)
	p.msink.IncrCounterWithLabels(MetricBufferReleaseCount, 1, p.labels)
	return nil
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	allocated := p.allocated
	p.mu.Unlock()

	borrowed := p.borrowed.Load()
	released := p.released.Load()
	return Stats{
		Borrowed:    borrowed,
		Released:    released,
		Outstanding: borrowed - released,
		Allocated:   allocated,
	}
}

// ReleaseAll returns every node of a chain to the pool it came from. All
// nodes are attempted even when one of them fails.
func ReleaseAll(head *Chunk) error {
	var errs []error
	for c := head; c != nil; {
		next := c.next
		if err := c.pool.Release(c); err != nil {
			errs = append(errs, err)
		}
		c = next
	}
	return errors.Join(errs...)
}
