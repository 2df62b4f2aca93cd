package codec

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bnema/rq/internal/domain"
)

const (
	fieldPairName  protowire.Number = 1
	fieldPairValue protowire.Number = 2
)

func appendString(b []byte, num protowire.Number, value string) []byte {
	if value == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, value)
}

func appendBytes(b []byte, num protowire.Number, value []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, value)
}

func appendVarint(b []byte, num protowire.Number, value uint64) []byte {
	if value == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, value)
}

func appendPair(b []byte, num protowire.Number, name, value string) []byte {
	var pair []byte
	pair = appendString(pair, fieldPairName, name)
	pair = appendString(pair, fieldPairValue, value)
	return appendBytes(b, num, pair)
}

func appendHeader(b []byte, num protowire.Number, header domain.Header) []byte {
	for _, field := range header {
		b = appendPair(b, num, field.Name, field.Value)
	}
	return b
}

// field is one decoded tag/value of a message. Only the member matching typ
// is set.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// walk calls fn for every field of a message. Unknown wire types and
// truncated input are reported as corrupt frames.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return corrupt("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return corrupt("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) wantBytes() error {
	if f.typ != protowire.BytesType {
		return corrupt("field %d: expected bytes, got wire type %d", f.num, f.typ)
	}
	return nil
}

func (f field) wantVarint() error {
	if f.typ != protowire.VarintType {
		return corrupt("field %d: expected varint, got wire type %d", f.num, f.typ)
	}
	return nil
}

func consumePair(b []byte) (string, string, error) {
	var name, value string
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldPairName:
			if err := f.wantBytes(); err != nil {
				return err
			}
			name = string(f.bytes)
		case fieldPairValue:
			if err := f.wantBytes(); err != nil {
				return err
			}
			value = string(f.bytes)
		}
		return nil
	})
	return name, value, err
}
