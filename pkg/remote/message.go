package remote

import (
	"encoding/binary"
	"fmt"
	"io"

	"rvemu/pkg/serializer"
	"rvemu/pkg/session"
)

// MaxMessageSize bounds a single request or response.
const MaxMessageSize = 64 << 20

// RunRequest asks the server to load Image at Base and run it from Entry.
type RunRequest struct {
	Config session.Config
	Image  []byte
	Base   uint32
	Entry  uint32
}

// RunResponse carries the report of a run. Error is set when the run could
// not start or ended with an error; the report is still filled in as far as
// the run got.
type RunResponse struct {
	Report session.Report
	Error  string
}

// ReadMessage reads one length-prefixed message.
func ReadMessage(r io.Reader) ([]byte, error) {
	sizeBuffer := make([]byte, 4)
	if _, err := io.ReadFull(r, sizeBuffer); err != nil {
		return nil, fmt.Errorf("failed to read message size: %w", err)
	}
	messageSize := binary.LittleEndian.Uint32(sizeBuffer)
	if messageSize > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit of %d", messageSize, MaxMessageSize)
	}
	message := make([]byte, messageSize)
	if _, err := io.ReadFull(r, message); err != nil {
		return nil, fmt.Errorf("failed to read message content: %w", err)
	}
	return message, nil
}

// WriteMessage writes data with a 4-byte little-endian length prefix.
func WriteMessage(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit of %d", len(data), MaxMessageSize)
	}
	sizeBuffer := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizeBuffer, uint32(len(data)))
	if _, err := w.Write(sizeBuffer); err != nil {
		return fmt.Errorf("failed to write message size: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message content: %w", err)
	}
	return nil
}

func writeValue(w io.Writer, v any) error {
	return WriteMessage(w, serializer.Serialize(v))
}

func readValue(r io.Reader, v any) error {
	data, err := ReadMessage(r)
	if err != nil {
		return err
	}
	if err := serializer.Deserialize(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
