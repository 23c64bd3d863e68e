package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// maxFrameSize bounds one frame: the largest request body (an 8 MiB
	// message plus its header) with room to spare.
	maxFrameSize = 9 << 20

	// framePrefixSize is the size of the big-endian length prefix.
	framePrefixSize = 4
)

// ErrFrameTooLarge is returned for frames above maxFrameSize.
var ErrFrameTooLarge = errors.New("network: frame too large")

// writeFrame writes [4B length][payload] in a single write.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("%d bytes:\n%w", len(data), ErrFrameTooLarge)
	}

	buf := make([]byte, framePrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[framePrefixSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame. The length is checked before
// anything is allocated.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [framePrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read frame length:\n%w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("%d bytes:\n%w", n, ErrFrameTooLarge)
	}

	data := make([]byte, n)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body:\n%w", err)
	}

	return data, nil
}
