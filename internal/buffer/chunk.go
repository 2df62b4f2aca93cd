package buffer

import (
	"errors"
	"io"
)

// Chunk is one node of a chain. Bytes between the read and write offsets
// are the unread region.
type Chunk struct {
	buf   []byte
	r, w  int
	next  *Chunk
	pool  *Pool
	inUse bool
}

func (c *Chunk) reset() {
	c.r, c.w = 0, 0
	c.next = nil
}

// Len is the number of unread bytes held by this node only.
func (c *Chunk) Len() int {
	if c == nil {
		return 0
	}
	return c.w - c.r
}

// Remaining is the number of unread bytes in this node and every node after
// it. A nil chain has nothing remaining.
func (c *Chunk) Remaining() int {
	if c == nil {
		return 0
	}
	return c.Len() + c.next.Remaining()
}

func (c *Chunk) Bytes() []byte {
	if c == nil {
		return nil
	}
	return c.buf[c.r:c.w]
}

func (c *Chunk) Next() *Chunk {
	if c == nil {
		return nil
	}
	return c.next
}

func (c *Chunk) Available() int {
	return len(c.buf) - c.w
}

// Write copies as much of p as fits in the free space of this node.
func (c *Chunk) Write(p []byte) int {
	n := copy(c.buf[c.w:], p)
	c.w += n
	return n
}

// Consume marks up to n unread bytes of this node as read.
func (c *Chunk) Consume(n int) int {
	if n > c.Len() {
		n = c.Len()
	}
	c.r += n
	return n
}

// Builder grows a chain by borrowing chunks from a pool as data arrives. On
// any failure the partial chain is released before the error is returned.
type Builder struct {
	pool *Pool
	head *Chunk
	tail *Chunk
	prev *Chunk
}

func NewBuilder(pool *Pool) *Builder {
	return &Builder{pool: pool}
}

func (b *Builder) grow() error {
	c, err := b.pool.Borrow()
	if err != nil {
		return b.fail(err)
	}
	if b.tail == nil {
		b.head = c
	} else {
		b.tail.next = c
	}
	b.prev, b.tail = b.tail, c
	return nil
}

func (b *Builder) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if b.tail == nil || b.tail.Available() == 0 {
			if err := b.grow(); err != nil {
				return written, err
			}
		}
		n := b.tail.Write(p)
		written += n
		p = p[n:]
	}
	return written, nil
}

// ReadFrom reads r until EOF directly into pooled chunks.
func (b *Builder) ReadFrom(r io.Reader) (int64, error) {
	var total int64
	for {
		if b.tail == nil || b.tail.Available() == 0 {
			if err := b.grow(); err != nil {
				return total, err
			}
		}
		n, err := r.Read(b.tail.buf[b.tail.w:])
		b.tail.w += n
		total += int64(n)
		if errors.Is(err, io.EOF) {
			b.trimEmptyTail()
			return total, nil
		}
		if err != nil {
			return total, b.fail(err)
		}
	}
}

func (b *Builder) fail(err error) error {
	if abortErr := b.Abort(); abortErr != nil {
		return errors.Join(err, abortErr)
	}
	return err
}

func (b *Builder) trimEmptyTail() {
	if b.tail == nil || b.tail.Len() > 0 {
		return
	}
	empty := b.tail
	if b.prev == nil {
		b.head = nil
	} else {
		b.prev.next = nil
	}
	b.tail = b.prev
	b.prev = nil
	_ = b.pool.Release(empty)
}

// Chain hands the built chain over to the caller. The builder must not be
// used afterwards.
func (b *Builder) Chain() *Chunk {
	head := b.head
	b.head, b.tail, b.prev = nil, nil, nil
	return head
}

// Abort releases everything borrowed so far.
func (b *Builder) Abort() error {
	head := b.head
	b.head, b.tail, b.prev = nil, nil, nil
	return ReleaseAll(head)
}

// Fill drains r into a new chain.
func Fill(pool *Pool, r io.Reader) (*Chunk, error) {
	b := NewBuilder(pool)
	if _, err := b.ReadFrom(r); err != nil {
		return nil, err
	}
	return b.Chain(), nil
}

// Copy duplicates the unread bytes of a chain into fresh chunks.
func Copy(pool *Pool, head *Chunk) (*Chunk, error) {
	b := NewBuilder(pool)
	for c := head; c != nil; c = c.next {
		if _, err := b.Write(c.Bytes()); err != nil {
			return nil, err
		}
	}
	return b.Chain(), nil
}

// Reader reads the unread bytes of a chain without consuming them, so the
// same chain can back several readers in turn.
type Reader struct {
	node *Chunk
	off  int
}

func NewReader(head *Chunk) *Reader {
	return &Reader{node: head}
}

func (r *Reader) Read(p []byte) (int, error) {
	for r.node != nil && r.off >= r.node.Len() {
		r.node = r.node.next
		r.off = 0
	}
	if r.node == nil {
		return 0, io.EOF
	}
	n := copy(p, r.node.Bytes()[r.off:])
	r.off += n
	return n, nil
}

// ReadAll copies a chain's unread bytes into a single slice.
func ReadAll(head *Chunk) []byte {
	out := make([]byte, 0, head.Remaining())
	for c := head; c != nil; c = c.next {
		out = append(out, c.Bytes()...)
	}
	return out
}
