// Package attachment opens the file referenced by a notification and
// classifies it for delivery.
//
// References are either paths relative to a media root ("uploads/a.pdf") or
// object URLs ("s3://bucket/key").
package attachment

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrNotFound   = errors.New("attachment: not found")
	ErrInvalidRef = errors.New("attachment: invalid reference")
	ErrNoBackend  = errors.New("attachment: no backend for reference")
)

// sniffLen covers every signature mimetype knows about.
const sniffLen = 3072

// File is an opened attachment. Callers must Close it.
type File struct {
	Name string
	MIME string
	Size int64 // -1 when unknown

	r      io.Reader
	closer io.Closer
}

func (f *File) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

// photoTypes are raster formats Telegram accepts as photos. Other images
// (svg, tiff, heic) go out as documents.
var photoTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
	"image/bmp":  true,
}

// IsPhoto reports whether the file should be sent as a photo rather than a document.
func (f *File) IsPhoto() bool {
	base, _, _ := strings.Cut(f.MIME, ";")
	return photoTypes[strings.TrimSpace(base)]
}

// NewFile wraps rc and sniffs its content type without consuming it.
// Closing the File closes rc.
func NewFile(name string, size int64, rc io.ReadCloser) (*File, error) {
	br := bufio.NewReaderSize(rc, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		_ = rc.Close()
		return nil, err
	}
	return &File{
		Name:   name,
		MIME:   mimetype.Detect(head).String(),
		Size:   size,
		r:      br,
		closer: rc,
	}, nil
}

// Opener resolves a stored reference to its content.
type Opener interface {
	Open(ctx context.Context, ref string) (*File, error)
}

// Mux routes references by scheme. Plain paths go to Local.
type Mux struct {
	Local  Opener
	Remote map[string]Opener // keyed by scheme, e.g. "s3"
}

func (m *Mux) Open(ctx context.Context, ref string) (*File, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, ErrInvalidRef
	}
	if scheme, _, ok := strings.Cut(ref, "://"); ok {
		if o := m.Remote[strings.ToLower(scheme)]; o != nil {
			return o.Open(ctx, ref)
		}
		return nil, ErrNoBackend
	}
	if m.Local == nil {
		return nil, ErrNoBackend
	}
	return m.Local.Open(ctx, ref)
}
