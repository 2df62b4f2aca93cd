package buffer

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Serialize encodes the unread bytes of a chain as a varint length followed
// by each node's unread region, in order.
func Serialize(head *Chunk) []byte {
	return AppendChunk(make([]byte, 0, protowire.SizeVarint(uint64(head.Remaining()))+head.Remaining()), head)
}

func AppendChunk(b []byte, head *Chunk) []byte {
	b = protowire.AppendVarint(b, uint64(head.Remaining()))
	for c := head; c != nil; c = c.next {
		b = append(b, c.Bytes()...)
	}
	return b
}

// Deserialize rebuilds a chain from Serialize output, borrowing fresh chunks
// from pool. An empty payload yields a nil chain. data must hold exactly one
// encoded chain.
func Deserialize(data []byte, pool *Pool) (*Chunk, error) {
	size, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return nil, fmt.Errorf("%w: %w", ErrCorruptChunk, protowire.ParseError(n))
	}
	body := data[n:]
	if uint64(len(body)) != size {
		return nil, fmt.Errorf("%w: declared %d bytes, found %d", ErrCorruptChunk, size, len(body))
	}

	b := NewBuilder(pool)
	if _, err := b.Write(body); err != nil {
		return nil, fmt.Errorf("deserialize chunk: %w", err)
	}
	return b.Chain(), nil
}
