package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bnema/rq/internal/domain"
)

// CurrentVersion is written in the first byte of every request record.
// Records from a newer codec are rejected instead of being misread.
const CurrentVersion = 1

// Record envelope: [version:1][crc32(body):4][body].
const envelopeSize = 5

const (
	fieldRecordID             protowire.Number = 1
	fieldRecordIdentity       protowire.Number = 2
	fieldRecordMethod         protowire.Number = 3
	fieldRecordTarget         protowire.Number = 4
	fieldRecordHeader         protowire.Number = 5
	fieldRecordBodyKind       protowire.Number = 6
	fieldRecordFormField      protowire.Number = 7
	fieldRecordPart           protowire.Number = 8
	fieldRecordCreatedAt      protowire.Number = 9
	fieldRecordAttemptCount   protowire.Number = 10
	fieldRecordRequiresAuth   protowire.Number = 11
	fieldRecordIdempotencyKey protowire.Number = 12
)

// EncodeRequest produces the durable record of req. File and stream parts
// are captured first; req keeps ownership of their chunks.
func (c *Codec) EncodeRequest(req domain.PendingRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := c.appendContent(nil, req)
	if err != nil {
		return nil, err
	}
	body = appendString(body, fieldRecordID, req.ID)
	body = appendString(body, fieldRecordIdentity, req.Identity)
	if !req.CreatedAt.IsZero() {
		body = protowire.AppendTag(body, fieldRecordCreatedAt, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(req.CreatedAt.UnixNano()))
	}
	body = appendVarint(body, fieldRecordAttemptCount, uint64(req.AttemptCount))
	body = appendVarint(body, fieldRecordRequiresAuth, protowire.EncodeBool(req.RequiresAuth))
	body = appendString(body, fieldRecordIdempotencyKey, req.IdempotencyKey)

	record := make([]byte, envelopeSize, envelopeSize+len(body))
	record[0] = CurrentVersion
	binary.BigEndian.PutUint32(record[1:envelopeSize], crcOf(body))
	return append(record, body...), nil
}

// appendContent writes the fields that define what is sent: method, target,
// headers and body.
func (c *Codec) appendContent(b []byte, req domain.PendingRequest) ([]byte, error) {
	b = appendString(b, fieldRecordMethod, string(req.Method))
	b = appendString(b, fieldRecordTarget, req.Target)
	b = appendHeader(b, fieldRecordHeader, req.Header)

	switch body := req.Body.(type) {
	case nil, domain.NoBody:
	case domain.FormEncoded:
		b = appendVarint(b, fieldRecordBodyKind, uint64(domain.BodyKindForm))
		for _, f := range body.Fields {
			b = appendPair(b, fieldRecordFormField, f.Name, f.Value)
		}
	case domain.MultipartEncoded:
		b = appendVarint(b, fieldRecordBodyKind, uint64(domain.BodyKindMultipart))
		for _, part := range body.Parts {
			frame, err := c.EncodePart(part)
			if err != nil {
				return nil, err
			}
			b = appendBytes(b, fieldRecordPart, frame)
		}
	default:
		return nil, fmt.Errorf("%w: body %T", domain.ErrUnsupportedPartType, req.Body)
	}
	return b, nil
}

// DecodeRequest rebuilds a pending request from its record. Any chunks
// borrowed for binary parts are released again when decoding fails.
func (c *Codec) DecodeRequest(record []byte) (domain.PendingRequest, error) {
	if len(record) < envelopeSize {
		return domain.PendingRequest{}, corrupt("record of %d bytes is shorter than its envelope", len(record))
	}
	switch version := record[0]; {
	case version == 0:
		return domain.PendingRequest{}, corrupt("record version missing")
	case version > CurrentVersion:
		return domain.PendingRequest{}, fmt.Errorf("%w: %d (current %d)", domain.ErrUnsupportedVersion, version, CurrentVersion)
	}
	body := record[envelopeSize:]
	if want, got := binary.BigEndian.Uint32(record[1:envelopeSize]), crcOf(body); want != got {
		return domain.PendingRequest{}, corrupt("checksum mismatch: stored %08x, computed %08x", want, got)
	}

	var (
		req      domain.PendingRequest
		method   string
		bodyKind domain.BodyKind
		form     []domain.FormField
		frames   [][]byte
	)
	err := walk(body, func(f field) error {
		switch f.num {
		case fieldRecordID, fieldRecordIdentity, fieldRecordMethod, fieldRecordTarget, fieldRecordIdempotencyKey:
			if err := f.wantBytes(); err != nil {
				return err
			}
			value := string(f.bytes)
			switch f.num {
			case fieldRecordID:
				req.ID = value
			case fieldRecordIdentity:
				req.Identity = value
			case fieldRecordMethod:
				method = value
			case fieldRecordTarget:
				req.Target = value
			default:
				req.IdempotencyKey = value
			}
		case fieldRecordHeader, fieldRecordFormField:
			if err := f.wantBytes(); err != nil {
				return err
			}
			name, value, err := consumePair(f.bytes)
			if err != nil {
				return err
			}
			if f.num == fieldRecordHeader {
				req.Header = req.Header.Add(name, value)
			} else {
				form = append(form, domain.FormField{Name: name, Value: value})
			}
		case fieldRecordPart:
			if err := f.wantBytes(); err != nil {
				return err
			}
			frames = append(frames, f.bytes)
		case fieldRecordBodyKind:
			if err := f.wantVarint(); err != nil {
				return err
			}
			if f.varint > uint64(domain.BodyKindMultipart) {
				return corrupt("body kind %d unknown", f.varint)
			}
			bodyKind = domain.BodyKind(f.varint)
		case fieldRecordCreatedAt:
			if err := f.wantVarint(); err != nil {
				return err
			}
			req.CreatedAt = time.Unix(0, int64(f.varint)).UTC()
		case fieldRecordAttemptCount:
			if err := f.wantVarint(); err != nil {
				return err
			}
			req.AttemptCount = int(f.varint)
		case fieldRecordRequiresAuth:
			if err := f.wantVarint(); err != nil {
				return err
			}
			req.RequiresAuth = protowire.DecodeBool(f.varint)
		}
		return nil
	})
	if err != nil {
		return domain.PendingRequest{}, err
	}

	parsed, err := domain.ParseMethod(method)
	if err != nil {
		return domain.PendingRequest{}, err
	}
	req.Method = parsed

	switch bodyKind {
	case domain.BodyKindNone:
		if len(form) > 0 || len(frames) > 0 {
			return domain.PendingRequest{}, corrupt("body content without a body kind")
		}
		req.Body = domain.NoBody{}
	case domain.BodyKindForm:
		if len(frames) > 0 {
			return domain.PendingRequest{}, corrupt("part frames in a form body")
		}
		req.Body = domain.FormEncoded{Fields: form}
	case domain.BodyKindMultipart:
		if len(form) > 0 {
			return domain.PendingRequest{}, corrupt("form fields in a multipart body")
		}
		parts := make([]domain.BodyPart, 0, len(frames))
		for _, frame := range frames {
			part, err := c.DecodePart(frame)
			if err != nil {
				releaseErr := domain.MultipartEncoded{Parts: parts}.Release()
				return domain.PendingRequest{}, errors.Join(err, releaseErr)
			}
			parts = append(parts, part)
		}
		req.Body = domain.MultipartEncoded{Parts: parts}
	}

	if req.ID == "" {
		_ = req.Release()
		return domain.PendingRequest{}, corrupt("record id missing")
	}
	return req, nil
}

func crcOf(body []byte) uint32 {
	return crc32.ChecksumIEEE(body)
}
