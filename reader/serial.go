package reader

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Serial implements TagReader for serial RFID readers using a custom protocol.
// Protocol: [0x02][0x09][data...][checksum][0x03]
type Serial struct {
	port   *serial.Port
	device string
}

// NewSerial creates a new serial RFID reader.
func NewSerial(device string, baud int) (*Serial, error) {
	if baud == 0 {
		baud = 115200
	}
	c := &serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: time.Second,
	}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}

	return &Serial{port: port, device: device}, nil
}

// Read implements TagReader.Read for serial readers.
func (s *Serial) Read(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		buff := make([]byte, 9)
		n, err := s.port.Read(buff)
		if err == nil {
			if tag, ok := parseFrame(buff[:n]); ok {
				return FormatTag(tag), nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// parseFrame validates one 9-byte frame and returns the 32-bit tag.
func parseFrame(buff []byte) (uint64, bool) {
	if len(buff) != 9 {
		return 0, false
	}

	preambles := []byte{0x02, 0x09}
	terminator := []byte{0x03}

	if !bytes.Equal(buff[0:2], preambles) {
		return 0, false
	}

	if !bytes.Equal(buff[8:9], terminator) {
		return 0, false
	}

	data := buff[1:7]
	xor := data[0]
	for i := 1; i < len(data); i++ {
		xor ^= data[i]
	}
	if xor != buff[7] {
		return 0, false
	}

	tagno := (uint64(data[2]) << 24) | (uint64(data[3]) << 16) | (uint64(data[4]) << 8) | uint64(data[5])
	return tagno, tagno != 0
}

// Close implements TagReader.Close.
func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}
