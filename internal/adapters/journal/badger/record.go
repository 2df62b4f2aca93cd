package badger

import (
	"fmt"
	"net/url"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bnema/rq/internal/domain"
)

var (
	recordPrefix = []byte("req:")
	indexPrefix  = []byte("idx:")
	sequenceKey  = []byte("meta:seq")
)

const (
	fieldID        protowire.Number = 1
	fieldIdentity  protowire.Number = 2
	fieldSeq       protowire.Number = 3
	fieldCreatedAt protowire.Number = 4
	fieldPayload   protowire.Number = 5
)

// recordKey groups records of one identity and orders them by sequence.
func recordKey(identity string, seq uint64) []byte {
	return fmt.Appendf(nil, "%s%s:%016d", recordPrefix, url.QueryEscape(identity), seq)
}

func indexKey(id string) []byte {
	return append(append([]byte{}, indexPrefix...), id...)
}

func encodeRecord(record domain.JournalRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, record.ID)
	if record.Identity != "" {
		b = protowire.AppendTag(b, fieldIdentity, protowire.BytesType)
		b = protowire.AppendString(b, record.Identity)
	}
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, record.Seq)
	if !record.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(record.CreatedAt.UnixNano()))
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	return protowire.AppendBytes(b, record.Payload)
}

func decodeRecord(b []byte) (domain.JournalRecord, error) {
	var record domain.JournalRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return domain.JournalRecord{}, fmt.Errorf("%w: %w", domain.ErrCorruptFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldID || num == fieldIdentity || num == fieldPayload):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return domain.JournalRecord{}, fmt.Errorf("%w: %w", domain.ErrCorruptFrame, protowire.ParseError(n))
			}
			switch num {
			case fieldID:
				record.ID = string(v)
			case fieldIdentity:
				record.Identity = string(v)
			default:
				record.Payload = append([]byte(nil), v...)
			}
			b = b[n:]
		case typ == protowire.VarintType && (num == fieldSeq || num == fieldCreatedAt):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return domain.JournalRecord{}, fmt.Errorf("%w: %w", domain.ErrCorruptFrame, protowire.ParseError(n))
			}
			if num == fieldSeq {
				record.Seq = v
			} else {
				record.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return domain.JournalRecord{}, fmt.Errorf("%w: %w", domain.ErrCorruptFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if record.ID == "" {
		return domain.JournalRecord{}, fmt.Errorf("%w: journal record has no id", domain.ErrCorruptFrame)
	}
	return record, nil
}
