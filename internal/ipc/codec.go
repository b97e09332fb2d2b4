package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frames are a little-endian uint32 body length followed by the body. The
// length excludes the 4-byte size field itself.
const maxFrameSize = 1 << 20

func writeFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(body), maxFrameSize)
	}

	size := [4]byte{}
	binary.LittleEndian.PutUint32(size[:], uint32(len(body)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	size := [4]byte{}
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}

	frameSize := binary.LittleEndian.Uint32(size[:])
	if frameSize == 0 || frameSize > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size: %d", frameSize)
	}

	body := make([]byte, frameSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
