package domain

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bnema/rq/internal/buffer"
)

type BodyKind uint8

const (
	BodyKindNone BodyKind = iota
	BodyKindForm
	BodyKindMultipart
)

// EncodedBody is one of NoBody, FormEncoded or MultipartEncoded.
type EncodedBody interface {
	Kind() BodyKind
	Release() error
	isEncodedBody()
}

type NoBody struct{}

func (NoBody) Kind() BodyKind { return BodyKindNone }
func (NoBody) Release() error { return nil }
func (NoBody) isEncodedBody() {}

type FormEncoded struct {
	Fields []FormField
}

func (FormEncoded) Kind() BodyKind { return BodyKindForm }
func (FormEncoded) Release() error { return nil }
func (FormEncoded) isEncodedBody() {}

type MultipartEncoded struct {
	Parts []BodyPart
}

func (MultipartEncoded) Kind() BodyKind { return BodyKindMultipart }

func (b MultipartEncoded) Release() error {
	var errs []error
	for _, part := range b.Parts {
		if part == nil {
			continue
		}
		if err := part.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (MultipartEncoded) isEncodedBody() {}

type PartKind uint8

const (
	PartFormField PartKind = iota + 1
	PartInMemoryBinary
	PartFileBacked
	PartStreamBacked
)

func (k PartKind) String() string {
	switch k {
	case PartFormField:
		return "form_field"
	case PartInMemoryBinary:
		return "in_memory_binary"
	case PartFileBacked:
		return "file_backed"
	case PartStreamBacked:
		return "stream_backed"
	default:
		return fmt.Sprintf("part_kind(%d)", uint8(k))
	}
}

// BodyPart is one segment of a multipart body. The set of implementations is
// closed: FormField, InMemoryBinary, *FileBacked and *StreamBacked.
type BodyPart interface {
	Kind() PartKind
	PartName() string
	PartHeader() Header
	// Release returns pooled content and closes external resources. It is
	// safe to call more than once.
	Release() error
	isBodyPart()
}

type FormField struct {
	Name  string
	Value string
}

func (FormField) Kind() PartKind     { return PartFormField }
func (f FormField) PartName() string { return f.Name }
func (FormField) PartHeader() Header { return nil }
func (FormField) Release() error     { return nil }
func (FormField) isBodyPart()        {}

type InMemoryBinary struct {
	Name   string
	Header Header
	Data   []byte
}

func (InMemoryBinary) Kind() PartKind       { return PartInMemoryBinary }
func (p InMemoryBinary) PartName() string   { return p.Name }
func (p InMemoryBinary) PartHeader() Header { return p.Header }
func (InMemoryBinary) Release() error       { return nil }
func (InMemoryBinary) isBodyPart()          {}

// FileBacked refers to a file on disk. Once snapshotted, the part carries
// the file content in pooled chunks and no longer reads the file.
type FileBacked struct {
	Name    string
	Header  Header
	Path    string
	Content *buffer.Chunk

	snapshotted bool
}

// NewFileSnapshot builds a part whose content was captured earlier.
func NewFileSnapshot(name string, header Header, path string, content *buffer.Chunk) *FileBacked {
	return &FileBacked{Name: name, Header: header, Path: path, Content: content, snapshotted: true}
}

func (*FileBacked) Kind() PartKind       { return PartFileBacked }
func (p *FileBacked) PartName() string   { return p.Name }
func (p *FileBacked) PartHeader() Header { return p.Header }
func (*FileBacked) isBodyPart()          {}

func (p *FileBacked) Snapshotted() bool {
	return p.snapshotted
}

// Snapshot reads the file into chunks borrowed from pool.
func (p *FileBacked) Snapshot(pool *buffer.Pool) error {
	if p.snapshotted {
		return nil
	}
	file, err := os.Open(p.Path)
	if err != nil {
		return fmt.Errorf("open file part %q: %w", p.Name, err)
	}
	defer func() { _ = file.Close() }()

	content, err := buffer.Fill(pool, file)
	if err != nil {
		return fmt.Errorf("snapshot file part %q: %w", p.Name, err)
	}
	p.Content = content
	p.snapshotted = true
	return nil
}

// Open returns the part content, from the snapshot when there is one.
func (p *FileBacked) Open() (io.ReadCloser, error) {
	if p.snapshotted {
		return io.NopCloser(buffer.NewReader(p.Content)), nil
	}
	return os.Open(p.Path)
}

func (p *FileBacked) Release() error {
	content := p.Content
	p.Content = nil
	p.snapshotted = false
	return buffer.ReleaseAll(content)
}

// StreamBacked wraps a source that can be read only once. Materialize drains
// it into pooled chunks, after which the part can be sent any number of
// times. Content produced lazily by the source is frozen at that point.
type StreamBacked struct {
	Name    string
	Header  Header
	Source  io.Reader
	Content *buffer.Chunk

	materialized bool
}

func NewMaterializedStream(name string, header Header, content *buffer.Chunk) *StreamBacked {
	return &StreamBacked{Name: name, Header: header, Content: content, materialized: true}
}

func (*StreamBacked) Kind() PartKind       { return PartStreamBacked }
func (p *StreamBacked) PartName() string   { return p.Name }
func (p *StreamBacked) PartHeader() Header { return p.Header }
func (*StreamBacked) isBodyPart()          {}

func (p *StreamBacked) Materialized() bool {
	return p.materialized
}

func (p *StreamBacked) Materialize(pool *buffer.Pool) error {
	if p.materialized {
		return nil
	}
	source := p.Source
	p.Source = nil
	if source == nil {
		p.materialized = true
		return nil
	}

	content, err := buffer.Fill(pool, source)
	closeErr := closeSource(source)
	if err != nil {
		return errors.Join(fmt.Errorf("drain stream part %q: %w", p.Name, err), closeErr)
	}
	if closeErr != nil {
		_ = buffer.ReleaseAll(content)
		return fmt.Errorf("close stream part %q: %w", p.Name, closeErr)
	}
	p.Content = content
	p.materialized = true
	return nil
}

func (p *StreamBacked) Open() (io.ReadCloser, error) {
	if !p.materialized {
		return nil, fmt.Errorf("open stream part %q: %w", p.Name, ErrStreamNotMaterialized)
	}
	return io.NopCloser(buffer.NewReader(p.Content)), nil
}

func (p *StreamBacked) Release() error {
	content := p.Content
	p.Content = nil
	p.materialized = false
	var errs []error
	if p.Source != nil {
		errs = append(errs, closeSource(p.Source))
		p.Source = nil
	}
	errs = append(errs, buffer.ReleaseAll(content))
	return errors.Join(errs...)
}

func closeSource(source io.Reader) error {
	if closer, ok := source.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
