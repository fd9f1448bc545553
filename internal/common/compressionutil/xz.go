package compression

import (
	"io"

	"github.com/ulikunitz/xz"
)

// newXZReader returns a reader that decompresses an XZ stream
func newXZReader(r io.Reader) (io.ReadCloser, error) {
	xzReader, err := xz.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(xzReader), nil
}

// newXZWriter returns a writer that compresses to an XZ stream
func newXZWriter(w io.Writer) (io.WriteCloser, error) {
	return xz.NewWriter(w)
}
