// Package payload turns stored image bytes into the base64 / data URL form
// that vision providers accept.
package payload

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxBytes bounds the decoded size accepted by Encode.
const DefaultMaxBytes int64 = 20 << 20

// sniffLen is how much of the stream is peeked for content detection.
const sniffLen = 3072

// ErrInvalidImage is returned for empty, corrupt, oversized or non-image input.
var ErrInvalidImage = errors.New("invalid image")

var supportedTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
	"image/bmp":  {},
	"image/tiff": {},
}

// Payload is the wire-ready representation of an image.
type Payload struct {
	MIMEType string
	Data     string // standard base64, no line breaks
	Size     int64  // decoded byte count
	Width    int
	Height   int
}

// DataURL renders the payload as an RFC 2397 data URL.
func (p Payload) DataURL() string {
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(p.MIMEType) + len(p.Data))
	b.WriteString("data:")
	b.WriteString(p.MIMEType)
	b.WriteString(";base64,")
	b.WriteString(p.Data)
	return b.String()
}

// Decode returns the original image bytes.
func (p Payload) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Data)
}

// Encoder converts image streams into payloads.
type Encoder struct {
	MaxBytes int64
}

// NewEncoder returns an Encoder enforcing maxBytes; zero or negative selects DefaultMaxBytes.
func NewEncoder(maxBytes int64) *Encoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Encoder{MaxBytes: maxBytes}
}

// Encode reads r exactly once. The image header is validated while its bytes
// flow into the base64 encoder, so the only full copy held is the encoded text.
// sizeHint, when positive, pre-sizes that buffer.
func (e *Encoder) Encode(r io.Reader, sizeHint int64) (Payload, error) {
	limit := e.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if sizeHint > limit {
		return Payload{}, fmt.Errorf("%w: image too large (%d bytes, limit %d)", ErrInvalidImage, sizeHint, limit)
	}

	br := bufio.NewReaderSize(io.LimitReader(r, limit+1), sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if len(head) == 0 {
		return Payload{}, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}

	mime := mimetype.Detect(head).String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if _, ok := supportedTypes[mime]; !ok {
		return Payload{}, fmt.Errorf("%w: unsupported content type %q", ErrInvalidImage, mime)
	}

	var out strings.Builder
	if sizeHint > 0 {
		out.Grow(base64.StdEncoding.EncodedLen(int(sizeHint)))
	}
	enc := base64.NewEncoder(base64.StdEncoding, &out)
	size := &countingWriter{w: enc}

	cfg, _, err := image.DecodeConfig(io.TeeReader(br, size))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Payload{}, fmt.Errorf("%w: invalid dimensions %dx%d", ErrInvalidImage, cfg.Width, cfg.Height)
	}
	if _, err := io.Copy(size, br); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if size.n > limit {
		return Payload{}, fmt.Errorf("%w: image too large (limit %d bytes)", ErrInvalidImage, limit)
	}
	if err := enc.Close(); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	return Payload{
		MIMEType: mime,
		Data:     out.String(),
		Size:     size.n,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
