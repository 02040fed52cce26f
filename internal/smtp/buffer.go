package smtp

import (
	"bytes"
	"io"
)

// readMessage buffers the entire DATA stream. Nothing is returned unless
// the stream completed: a read error discards what was received so far.
func readMessage(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
