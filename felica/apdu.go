// Package felica builds and parses the PC/SC pseudo-APDUs used to talk
// to FeliCa transit cards through a contactless reader, and decodes the
// balance and trip history blocks those cards carry.
package felica

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// TrailerLen is the size of the SW1 SW2 status trailer on every
	// response.
	TrailerLen = 2

	// IDmLen is the size of the manufacture identifier returned by a
	// poll.
	IDmLen = 8

	// BlockSize is the size of one FeliCa data block.
	BlockSize = 16

	// ServiceBalance holds the stored-value balance in block 0.
	ServiceBalance uint16 = 0x008B

	// ServiceHistory holds up to HistoryBlocks trip records, newest
	// first.
	ServiceHistory uint16 = 0x090F

	// HistoryBlocks is the number of blocks in ServiceHistory.
	HistoryBlocks = 20
)

var (
	// ErrShortResponse is returned for a response too short to carry a
	// status trailer.
	ErrShortResponse = errors.New("felica: response shorter than status trailer")

	// ErrUnexpectedLength is returned when a successful response
	// carries a payload of the wrong size.
	ErrUnexpectedLength = errors.New("felica: unexpected payload length")
)

// StatusError is a non-success status trailer.
type StatusError struct {
	SW1, SW2 byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("felica: status %02X %02X", e.SW1, e.SW2)
}

// Identity names the card currently on the reader.
type Identity struct {
	IDm        string // 16 upper-case hex digits
	SystemCode uint16 // zero when not read
}

func (id Identity) String() string {
	if id.SystemCode == 0 {
		return id.IDm
	}
	return fmt.Sprintf("%s/%04X", id.IDm, id.SystemCode)
}

// PollCommand asks the reader for the IDm of the card in the field.
func PollCommand() []byte {
	return []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}
}

// SystemCodeCommand asks the reader for the card's system code.
func SystemCodeCommand() []byte {
	return []byte{0xFF, 0xCA, 0x01, 0x00, 0x00}
}

// SelectServiceCommand selects the service that subsequent
// ReadBlockCommand calls address. The service code is sent little
// endian.
func SelectServiceCommand(service uint16) []byte {
	return []byte{0xFF, 0xA4, 0x00, 0x01, 0x02, byte(service), byte(service >> 8)}
}

// ReadBlockCommand reads one block of the selected service.
func ReadBlockCommand(block byte) []byte {
	return []byte{0xFF, 0xB0, 0x00, block, 0x00}
}

// CheckStatus validates the trailer on resp and returns the payload in
// front of it.
func CheckStatus(resp []byte) ([]byte, error) {
	if len(resp) < TrailerLen {
		return nil, ErrShortResponse
	}
	n := len(resp) - TrailerLen
	sw1, sw2 := resp[n], resp[n+1]
	if sw1 != 0x90 || sw2 != 0x00 {
		return nil, &StatusError{SW1: sw1, SW2: sw2}
	}
	return resp[:n], nil
}

// ParseIDm extracts the 8-byte identifier from a poll response.
func ParseIDm(resp []byte) (string, error) {
	payload, err := CheckStatus(resp)
	if err != nil {
		return "", err
	}
	if len(payload) != IDmLen {
		return "", fmt.Errorf("idm: %w (got %d bytes)", ErrUnexpectedLength, len(payload))
	}
	return strings.ToUpper(hex.EncodeToString(payload)), nil
}

// ParseSystemCode extracts the 2-byte system code.
func ParseSystemCode(resp []byte) (uint16, error) {
	payload, err := CheckStatus(resp)
	if err != nil {
		return 0, err
	}
	if len(payload) != 2 {
		return 0, fmt.Errorf("system code: %w (got %d bytes)", ErrUnexpectedLength, len(payload))
	}
	return uint16(payload[0])<<8 | uint16(payload[1]), nil
}

// ParseBlock extracts one data block from a read response.
func ParseBlock(resp []byte) ([]byte, error) {
	payload, err := CheckStatus(resp)
	if err != nil {
		return nil, err
	}
	if len(payload) != BlockSize {
		return nil, fmt.Errorf("block: %w (got %d bytes)", ErrUnexpectedLength, len(payload))
	}
	return payload, nil
}

// NormalizeIDm upper-cases an IDm and checks it is 16 hex digits.
func NormalizeIDm(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != IDmLen*2 {
		return "", fmt.Errorf("idm %q: want %d hex digits", s, IDmLen*2)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("idm %q: %w", s, err)
	}
	return s, nil
}
