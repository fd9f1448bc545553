// Package compression opens and writes compressed volume images
package compression

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Kind identifies a compression format
type Kind int

const (
	// None is an uncompressed image
	None Kind = iota
	// GZIP is a .gz image
	GZIP
	// BZIP2 is a .bz2 image
	BZIP2
	// XZ is a .xz image
	XZ
)

var magics = []struct {
	kind  Kind
	magic []byte
}{
	{GZIP, []byte{0x1f, 0x8b}},
	{BZIP2, []byte("BZh")},
	{XZ, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
}

// String returns the file extension used for the kind
func (k Kind) String() string {
	switch k {
	case GZIP:
		return "gz"
	case BZIP2:
		return "bz2"
	case XZ:
		return "xz"
	default:
		return "raw"
	}
}

// KindFromPath guesses the compression format from a file extension
func KindFromPath(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return GZIP
	case ".bz2", ".bzip2":
		return BZIP2
	case ".xz":
		return XZ
	default:
		return None
	}
}

// DetectKind identifies the compression format from the leading bytes of a stream
func DetectKind(header []byte) Kind {
	for _, m := range magics {
		if bytes.HasPrefix(header, m.magic) {
			return m.kind
		}
	}
	return None
}

// NewReader wraps r with a decompressor for kind
func NewReader(r io.Reader, kind Kind) (io.ReadCloser, error) {
	switch kind {
	case GZIP:
		return newGZIPReader(r)
	case BZIP2:
		return newBZIP2Reader(r)
	case XZ:
		return newXZReader(r)
	case None:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unsupported compression kind %d", kind)
	}
}

// NewWriter wraps w with a compressor for kind
func NewWriter(w io.Writer, kind Kind) (io.WriteCloser, error) {
	switch kind {
	case GZIP:
		return newGZIPWriter(w)
	case BZIP2:
		return newBZIP2Writer(w)
	case XZ:
		return newXZWriter(w)
	case None:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression kind %d", kind)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// ReadFile reads a whole image, decompressing it when its header or extension says so
func ReadFile(path string) ([]byte, Kind, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, None, err
	}
	kind := DetectKind(raw)
	if kind == None {
		kind = KindFromPath(path)
	}
	if kind == None {
		return raw, None, nil
	}

	r, err := NewReader(bytes.NewReader(raw), kind)
	if err != nil {
		return nil, kind, fmt.Errorf("failed to open %s stream: %w", kind, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, kind, fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	return data, kind, nil
}

// WriteFile writes data to path compressed with kind
func WriteFile(path string, data []byte, kind Kind) error {
	outputFile, err := os.Create(path)
	if err != nil {
		return err
	}
	defer outputFile.Close()

	w, err := NewWriter(outputFile, kind)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to compress file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to compress file: %w", err)
	}
	return outputFile.Sync()
}
