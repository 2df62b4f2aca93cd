package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

func ParseMethod(raw string) (Method, error) {
	method := Method(strings.ToUpper(strings.TrimSpace(raw)))
	switch method {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, raw)
	}
}

type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered multimap. Order and duplicates are preserved.
type Header []HeaderField

func (h Header) Add(name, value string) Header {
	return append(h, HeaderField{Name: name, Value: value})
}

// Get returns the first value for name, compared case-insensitively.
func (h Header) Get(name string) string {
	for _, field := range h {
		if strings.EqualFold(field.Name, name) {
			return field.Value
		}
	}
	return ""
}

func (h Header) Values(name string) []string {
	var values []string
	for _, field := range h {
		if strings.EqualFold(field.Name, name) {
			values = append(values, field.Value)
		}
	}
	return values
}

func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return append(Header(nil), h...)
}

// PendingRequest is an outbound request that may outlive the process.
type PendingRequest struct {
	// ID is a fingerprint of the request content. Equal requests share it.
	ID string
	// Identity is the actor the request was journaled for. Requests that do
	// not need credentials have none.
	Identity       string
	Method         Method
	Target         string
	Header         Header
	Body           EncodedBody
	CreatedAt      time.Time
	AttemptCount   int
	RequiresAuth   bool
	IdempotencyKey string
}

func (r PendingRequest) Validate() error {
	if _, err := ParseMethod(string(r.Method)); err != nil {
		return err
	}
	if strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}
	target, err := url.Parse(r.Target)
	if err != nil {
		return fmt.Errorf("%w: parse target: %w", ErrInvalidRequest, err)
	}
	if target.Scheme != "" && target.Scheme != "http" && target.Scheme != "https" {
		return fmt.Errorf("%w: target must use http or https", ErrInvalidRequest)
	}
	for _, field := range r.Header {
		if strings.TrimSpace(field.Name) == "" {
			return fmt.Errorf("%w: header name is empty", ErrInvalidRequest)
		}
	}
	if parts, ok := r.Body.(MultipartEncoded); ok {
		for _, part := range parts.Parts {
			if part == nil {
				return fmt.Errorf("%w: nil body part", ErrInvalidRequest)
			}
		}
	}
	return nil
}

// Release returns every buffer held by the request body.
func (r PendingRequest) Release() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Release()
}

// Response is what the transport observed for a delivered request.
type Response struct {
	Status int
	Header Header
	Body   []byte
	// Replayed is set when the server reports that it answered from an
	// earlier delivery of the same idempotency key.
	Replayed bool
}

// JournalRecord is the persisted form of a PendingRequest.
type JournalRecord struct {
	ID        string
	Identity  string
	Seq       uint64
	Payload   []byte
	CreatedAt time.Time
}

func (r JournalRecord) Validate() error {
	if r.ID == "" {
		return errors.New("journal record id is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("journal record payload is empty")
	}
	return nil
}
