/*
File Name:  common.go
Package:    codec

Pure encode/decode functions for all three Mimir wire protocols: the P2P
session protocol, the tracker (directory) protocol, and the mediator
protocol. All integers are big-endian. Decoders read
from a buffered io.Reader and pre-read each record's declared length
before parsing it, so a decode never blocks partially.

The codec is a family of pure functions operating on explicit structs,
with a single sentinel error for any length or encoding violation.
*/
package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/mimir-im/mimir/types"
)

// maxFrameSize bounds any single frame's declared size, guarding against a
// corrupt or hostile peer claiming an enormous length.
const maxFrameSize = 64 * 1024 * 1024

// maxStringSize bounds any length-prefixed string/byte field within a frame.
const maxStringSize = 4 * 1024 * 1024

func readFull(r io.Reader, n int) ([]byte, error) {
	if n < 0 || n > maxStringSize {
		return nil, types.ErrMalformed
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, types.ErrMalformed
		}
		return nil, err
	}
	return buf, nil
}

func readUint8(r io.Reader) (uint8, error) {
	b, err := readFull(r, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func readUint16(r io.Reader) (uint16, error) {
	b, err := readFull(r, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func readUint32(r io.Reader) (uint32, error) {
	b, err := readFull(r, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func readUint64(r io.Reader) (uint64, error) {
	b, err := readFull(r, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// readLengthPrefixedBytes reads a u32 length then that many bytes.
func readLengthPrefixedBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	return readFull(r, int(n))
}

// readLengthPrefixedString reads a u32 length then that many bytes,
// validated as UTF-8.
func readLengthPrefixedString(r io.Reader) (string, error) {
	b, err := readLengthPrefixedBytes(r)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", types.ErrMalformed
	}
	return string(b), nil
}

func readFixed(r io.Reader, size int) ([]byte, error) {
	declared, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if int(declared) != size {
		return nil, types.ErrMalformed
	}
	return readFull(r, size)
}

func putUint8(buf *[]byte, v uint8) {
	*buf = append(*buf, v)
}

func putUint16(buf *[]byte, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	*buf = append(*buf, b[:]...)
}

func putUint32(buf *[]byte, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	*buf = append(*buf, b[:]...)
}

func putUint64(buf *[]byte, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	*buf = append(*buf, b[:]...)
}

func putLengthPrefixedBytes(buf *[]byte, data []byte) {
	putUint32(buf, uint32(len(data)))
	*buf = append(*buf, data...)
}

func putLengthPrefixedString(buf *[]byte, s string) {
	putLengthPrefixedBytes(buf, []byte(s))
}

func putFixed(buf *[]byte, data []byte) {
	putUint32(buf, uint32(len(data)))
	*buf = append(*buf, data...)
}

// NewReader wraps r in a *bufio.Reader sized generously enough that a
// single frame's header can always be read without a short read.
func NewReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 4096)
}
