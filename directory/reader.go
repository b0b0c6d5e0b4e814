package directory

import "bytes"

// newByteReader wraps a raw response buffer for the codec's io.Reader-based decoders.
func newByteReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
