// Package pcsc is the seam between cardpool and the smart-card
// subsystem. Context and Card mirror the PC/SC calls the card access
// service needs; Factory opens a Context.
//
// Two implementations exist: NewFactory talks to the platform PC/SC
// service through github.com/ebfe/scard, and Synthetic is a fully
// in-process reader used by tests and the --synthetic dev mode.
package pcsc

import (
	"context"
	"errors"
)

// Errors returned by every implementation. Platform specific codes are
// translated into these before they leave the package.
var (
	ErrNoReaders         = errors.New("pcsc: no readers available")
	ErrNoService         = errors.New("pcsc: smart card service not available")
	ErrNoCard            = errors.New("pcsc: no card in reader")
	ErrCardRemoved       = errors.New("pcsc: card removed")
	ErrReaderUnavailable = errors.New("pcsc: reader unavailable")
	ErrInvalidContext    = errors.New("pcsc: context released")
)

// Presence is the card-presence state of a reader slot.
type Presence int

const (
	PresenceUnknown Presence = iota
	PresenceEmpty
	PresencePresent
)

func (p Presence) String() string {
	switch p {
	case PresenceEmpty:
		return "empty"
	case PresencePresent:
		return "present"
	default:
		return "unknown"
	}
}

// Slot is what WaitForChange observes. Insertions counts card arrivals
// so a lift and re-place between two observations is not lost; only
// changes of the counter matter, not its value.
type Slot struct {
	Presence   Presence
	Insertions uint32
}

// NewInsertion reports whether s shows a card that last did not: the
// slot turned present, or a card arrived again while it looked present.
func (s Slot) NewInsertion(last Slot) bool {
	if s.Presence != PresencePresent {
		return false
	}
	return last.Presence != PresencePresent || s.Insertions != last.Insertions
}

// Factory opens a new Context.
type Factory interface {
	Establish() (Context, error)
}

// Context is an open resource-manager context.
type Context interface {
	// ListReaders enumerates attached readers. It returns ErrNoReaders
	// when none are attached.
	ListReaders() ([]string, error)

	// Connect opens the card in the named reader. It returns ErrNoCard
	// when the slot is empty.
	Connect(reader string) (Card, error)

	// WaitForChange blocks until the slot of reader differs from last
	// (presence or insertion count), the reader goes away, or ctx is
	// done.
	WaitForChange(ctx context.Context, reader string, last Slot) (Slot, error)

	// Release closes the context. Further calls fail.
	Release() error
}

// Card is a connected card. Transmit is not safe for concurrent use.
type Card interface {
	Transmit(cmd []byte) ([]byte, error)
	Disconnect() error
}

// IsRemoval reports whether err means the card left the field.
func IsRemoval(err error) bool {
	return errors.Is(err, ErrCardRemoved) || errors.Is(err, ErrNoCard)
}
