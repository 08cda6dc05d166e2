package transfer

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

const defaultMime = "application/octet-stream"

// Source is a file selected for sending.
type Source struct {
	Name   string
	Mime   string
	Size   int64
	Reader io.ReaderAt
}

func (s Source) validate() error {
	if s.Reader == nil {
		return fmt.Errorf("%w: no file reader", ErrInvalidInput)
	}
	if s.Size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalidInput, s.Size)
	}
	return nil
}

// BytesSource wraps an in-memory file.
func BytesSource(name, mimeType string, data []byte) Source {
	return Source{
		Name:   name,
		Mime:   mimeType,
		Size:   int64(len(data)),
		Reader: bytes.NewReader(data),
	}
}

// OpenFile opens a regular file for sending. The caller closes the returned file.
func OpenFile(path string) (Source, *os.File, error) {
	if strings.TrimSpace(path) == "" {
		return Source{}, nil, fmt.Errorf("%w: source path is required", ErrInvalidInput)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Source{}, nil, fmt.Errorf("stat source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Source{}, nil, fmt.Errorf("%w: %q is not a regular file", ErrInvalidInput, path)
	}

	file, err := os.Open(path)
	if err != nil {
		return Source{}, nil, fmt.Errorf("open source file: %w", err)
	}

	name := filepath.Base(path)
	return Source{
		Name:   name,
		Mime:   detectMime(name),
		Size:   info.Size(),
		Reader: file,
	}, file, nil
}

func detectMime(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return defaultMime
}

func readChunk(r io.ReaderAt, offset int64, length int) ([]byte, error) {
	buffer := make([]byte, length)
	n, err := r.ReadAt(buffer, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read file chunk at offset %d: %w", offset, err)
	}
	if n != length {
		return nil, fmt.Errorf("read file chunk at offset %d: short read %d of %d", offset, n, length)
	}
	return buffer, nil
}
