package codec

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bnema/rq/internal/buffer"
	"github.com/bnema/rq/internal/domain"
)

func newTestCodec(t *testing.T, chunkSize, capacity int) *Codec {
	t.Helper()
	pool, err := buffer.NewPool(chunkSize, capacity)
	require.NoError(t, err)
	return New(pool)
}

func readPart(t *testing.T, part domain.BodyPart) []byte {
	t.Helper()
	switch p := part.(type) {
	case domain.FormField:
		return []byte(p.Value)
	case domain.InMemoryBinary:
		return p.Data
	case *domain.FileBacked:
		rc, err := p.Open()
		require.NoError(t, err)
		defer func() { _ = rc.Close() }()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return data
	case *domain.StreamBacked:
		rc, err := p.Open()
		require.NoError(t, err)
		defer func() { _ = rc.Close() }()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return data
	default:
		t.Fatalf("unexpected part %T", part)
		return nil
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestPartRoundTrip(t *testing.T) {
	t.Parallel()

	header := domain.Header{{Name: "Content-Type", Value: "image/png"}, {Name: "X-Tag", Value: "a"}, {Name: "X-Tag", Value: "b"}}

	tests := []struct {
		name    string
		part    func(t *testing.T) domain.BodyPart
		content string
	}{
		{
			name:    "form field",
			part:    func(*testing.T) domain.BodyPart { return domain.FormField{Name: "status", Value: "hello"} },
			content: "hello",
		},
		{
			name:    "empty form field",
			part:    func(*testing.T) domain.BodyPart { return domain.FormField{Name: "status"} },
			content: "",
		},
		{
			name: "in-memory binary",
			part: func(*testing.T) domain.BodyPart {
				return domain.InMemoryBinary{Name: "avatar", Header: header, Data: []byte{0, 1, 2, 255}}
			},
			content: string([]byte{0, 1, 2, 255}),
		},
		{
			name: "file backed",
			part: func(t *testing.T) domain.BodyPart {
				return &domain.FileBacked{Name: "media", Header: header, Path: writeTempFile(t, strings.Repeat("file-bytes ", 20))}
			},
			content: strings.Repeat("file-bytes ", 20),
		},
		{
			name: "stream backed",
			part: func(*testing.T) domain.BodyPart {
				return &domain.StreamBacked{Name: "capture", Header: header, Source: io.NopCloser(strings.NewReader("streamed payload"))}
			},
			content: "streamed payload",
		},
		{
			name: "empty stream",
			part: func(*testing.T) domain.BodyPart {
				return &domain.StreamBacked{Name: "silence", Source: bytes.NewReader(nil)}
			},
			content: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestCodec(t, 16, 0)
			part := tt.part(t)

			frame, err := c.EncodePart(part)
			require.NoError(t, err)

			decoded, err := c.DecodePart(frame)
			require.NoError(t, err)

			assert.Equal(t, part.Kind(), decoded.Kind())
			assert.Equal(t, part.PartName(), decoded.PartName())
			assert.Equal(t, part.PartHeader(), decoded.PartHeader())
			assert.Equal(t, tt.content, string(readPart(t, decoded)))
			assert.Equal(t, tt.content, string(readPart(t, part)), "encoded part stays sendable")

			require.NoError(t, part.Release())
			require.NoError(t, decoded.Release())
			assert.Zero(t, c.Pool().Stats().Outstanding)
		})
	}
}

func TestDecodedFilePartKeepsSnapshotWhenFileIsGone(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, 8, 0)
	path := writeTempFile(t, "before")
	part := &domain.FileBacked{Name: "doc", Path: path}

	frame, err := c.EncodePart(part)
	require.NoError(t, err)
	require.NoError(t, part.Release())
	require.NoError(t, os.WriteFile(path, []byte("after the crash"), 0o600))

	decoded, err := c.DecodePart(frame)
	require.NoError(t, err)
	fileBacked, ok := decoded.(*domain.FileBacked)
	require.True(t, ok)
	assert.Equal(t, path, fileBacked.Path)
	assert.Equal(t, "before", string(readPart(t, decoded)))
	require.NoError(t, decoded.Release())
}

func TestDecodePartRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, 8, 0)
	var frame []byte
	frame = appendVarint(frame, fieldPartKind, 42)
	frame = appendBytes(frame, fieldPartPayload, []byte("x"))

	_, err := c.DecodePart(frame)
	require.ErrorIs(t, err, domain.ErrUnsupportedPartType)

	_, err = c.EncodePart(nil)
	require.ErrorIs(t, err, domain.ErrUnsupportedPartType)
}

func TestDecodePartRejectsCorruptFrames(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, 8, 0)
	valid, err := c.EncodePart(domain.InMemoryBinary{Name: "blob", Data: []byte("abcdefgh")})
	require.NoError(t, err)

	streamFrame := appendVarint(nil, fieldPartKind, uint64(domain.PartStreamBacked))
	streamFrame = appendBytes(streamFrame, fieldPartPayload, []byte{9, 'a'})

	tests := map[string][]byte{
		"truncated":          valid[:len(valid)-3],
		"missing kind":       appendBytes(nil, fieldPartPayload, []byte("x")),
		"missing payload":    appendVarint(nil, fieldPartKind, uint64(domain.PartFormField)),
		"wrong wire type":    protowire.AppendVarint(protowire.AppendTag(nil, fieldPartName, protowire.VarintType), 1),
		"bad chunk encoding": streamFrame,
	}
	for name, frame := range tests {
		_, err := c.DecodePart(frame)
		assert.ErrorIs(t, err, domain.ErrCorruptFrame, name)
	}
	assert.Zero(t, c.Pool().Stats().Outstanding)
}

func TestInMemoryPartRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	c := New(mustPool(t))

	properties.Property("in-memory parts decode byte for byte", prop.ForAll(
		func(name string, data []byte, headerName, headerValue string) bool {
			part := domain.InMemoryBinary{Name: name, Data: data}
			if headerName != "" {
				part.Header = domain.Header{{Name: headerName, Value: headerValue}}
			}
			frame, err := c.EncodePart(part)
			if err != nil {
				return false
			}
			decoded, err := c.DecodePart(frame)
			if err != nil {
				return false
			}
			got, ok := decoded.(domain.InMemoryBinary)
			return ok && got.Name == name && bytes.Equal(got.Data, data) && len(got.Header) == len(part.Header)
		},
		gen.AlphaString(),
		gen.SliceOf(gen.UInt8()),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("form fields decode unchanged", prop.ForAll(
		func(name, value string) bool {
			frame, err := c.EncodePart(domain.FormField{Name: name, Value: value})
			if err != nil {
				return false
			}
			decoded, err := c.DecodePart(frame)
			return err == nil && decoded == domain.BodyPart(domain.FormField{Name: name, Value: value})
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func mustPool(t *testing.T) *buffer.Pool {
	t.Helper()
	pool, err := buffer.NewPool(32, 0)
	require.NoError(t, err)
	return pool
}

func TestStreamPartIsDrainedOnce(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, 4, 0)
	source := &countingReader{r: strings.NewReader("only once")}
	part := &domain.StreamBacked{Name: "live", Source: source}

	first, err := c.EncodePart(part)
	require.NoError(t, err)
	second, err := c.EncodePart(part)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Nil(t, part.Source)
	assert.True(t, part.Materialized())
	assert.Equal(t, 1, source.eofs)
	require.NoError(t, part.Release())
}

type countingReader struct {
	r    io.Reader
	eofs int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err == io.EOF {
		c.eofs++
	}
	return n, err
}

func TestPrepareReportsMissingFile(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t, 4, 0)
	req := domain.PendingRequest{
		Method: domain.MethodPost,
		Target: "https://api.example.com/media",
		Body: domain.MultipartEncoded{Parts: []domain.BodyPart{
			&domain.FileBacked{Name: "media", Path: filepath.Join(t.TempDir(), "missing")},
		}},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.ErrorIs(t, c.Prepare(req), os.ErrNotExist)
}
