package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bnema/rq/internal/buffer"
	"github.com/bnema/rq/internal/domain"
)

// Part frame layout: every variant carries a payload descriptor and its
// headers.
const (
	fieldPartKind    protowire.Number = 1
	fieldPartName    protowire.Number = 2
	fieldPartHeader  protowire.Number = 3
	fieldPartPayload protowire.Number = 4
	fieldPartPath    protowire.Number = 5
)

// EncodePart encodes one body part. File parts are snapshotted and stream
// parts drained first, so the part stays sendable after encoding.
func (c *Codec) EncodePart(part domain.BodyPart) ([]byte, error) {
	if err := c.preparePart(part); err != nil {
		return nil, err
	}

	var b []byte
	switch p := part.(type) {
	case domain.FormField:
		b = appendVarint(b, fieldPartKind, uint64(domain.PartFormField))
		b = appendString(b, fieldPartName, p.Name)
		b = appendBytes(b, fieldPartPayload, []byte(p.Value))
	case domain.InMemoryBinary:
		b = appendVarint(b, fieldPartKind, uint64(domain.PartInMemoryBinary))
		b = appendString(b, fieldPartName, p.Name)
		b = appendHeader(b, fieldPartHeader, p.Header)
		// Same layout as buffer.Serialize, without a round trip through
		// pooled chunks.
		b = appendBytes(b, fieldPartPayload, protowire.AppendBytes(nil, p.Data))
	case *domain.FileBacked:
		b = appendVarint(b, fieldPartKind, uint64(domain.PartFileBacked))
		b = appendString(b, fieldPartName, p.Name)
		b = appendHeader(b, fieldPartHeader, p.Header)
		b = appendString(b, fieldPartPath, p.Path)
		b = appendBytes(b, fieldPartPayload, buffer.Serialize(p.Content))
	case *domain.StreamBacked:
		b = appendVarint(b, fieldPartKind, uint64(domain.PartStreamBacked))
		b = appendString(b, fieldPartName, p.Name)
		b = appendHeader(b, fieldPartHeader, p.Header)
		b = appendBytes(b, fieldPartPayload, buffer.Serialize(p.Content))
	default:
		return nil, unsupportedPart(part)
	}
	return b, nil
}

// DecodePart rebuilds a body part. Binary content of file and stream parts
// is copied into chunks borrowed from the codec's pool; the caller owns the
// returned part and must release it.
func (c *Codec) DecodePart(frame []byte) (domain.BodyPart, error) {
	var (
		kind       domain.PartKind
		name, path string
		header     domain.Header
		payload    []byte
		hasPayload bool
	)

	err := walk(frame, func(f field) error {
		switch f.num {
		case fieldPartKind:
			if err := f.wantVarint(); err != nil {
				return err
			}
			if f.varint > 255 {
				return corrupt("part kind %d out of range", f.varint)
			}
			kind = domain.PartKind(f.varint)
		case fieldPartName:
			if err := f.wantBytes(); err != nil {
				return err
			}
			name = string(f.bytes)
		case fieldPartHeader:
			if err := f.wantBytes(); err != nil {
				return err
			}
			k, v, err := consumePair(f.bytes)
			if err != nil {
				return err
			}
			header = header.Add(k, v)
		case fieldPartPayload:
			if err := f.wantBytes(); err != nil {
				return err
			}
			payload, hasPayload = f.bytes, true
		case fieldPartPath:
			if err := f.wantBytes(); err != nil {
				return err
			}
			path = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if kind == 0 {
		return nil, corrupt("part kind missing")
	}
	if !hasPayload {
		return nil, corrupt("%s part %q has no payload", kind, name)
	}

	switch kind {
	case domain.PartFormField:
		return domain.FormField{Name: name, Value: string(payload)}, nil
	case domain.PartInMemoryBinary:
		data, n := protowire.ConsumeBytes(payload)
		if n < 0 || n != len(payload) {
			return nil, corrupt("in-memory part %q payload is truncated", name)
		}
		return domain.InMemoryBinary{Name: name, Header: header, Data: append([]byte{}, data...)}, nil
	case domain.PartFileBacked:
		content, err := buffer.Deserialize(payload, c.pool)
		if err != nil {
			return nil, chunkError(err)
		}
		return domain.NewFileSnapshot(name, header, path, content), nil
	case domain.PartStreamBacked:
		content, err := buffer.Deserialize(payload, c.pool)
		if err != nil {
			return nil, chunkError(err)
		}
		return domain.NewMaterializedStream(name, header, content), nil
	default:
		return nil, fmt.Errorf("%w: kind %d", domain.ErrUnsupportedPartType, uint8(kind))
	}
}
