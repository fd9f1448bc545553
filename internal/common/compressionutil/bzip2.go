package compression

import (
	"io"

	"github.com/dsnet/compress/bzip2"
)

// newBZIP2Reader returns a reader that decompresses a BZIP2 stream
func newBZIP2Reader(r io.Reader) (io.ReadCloser, error) {
	return bzip2.NewReader(r, nil)
}

// newBZIP2Writer returns a writer that compresses to a BZIP2 stream
func newBZIP2Writer(w io.Writer) (io.WriteCloser, error) {
	return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
}
