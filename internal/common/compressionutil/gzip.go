package compression

import (
	"compress/gzip"
	"io"
)

// newGZIPReader returns a reader that decompresses a GZIP stream
func newGZIPReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// newGZIPWriter returns a writer that compresses to a GZIP stream
func newGZIPWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}
