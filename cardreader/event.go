package cardreader

import (
	"fmt"
	"time"

	"cardpool/felica"
)

// Status is the coarse connection state.
type Status int

const (
	Disconnected Status = iota
	Connected
	Reconnecting
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "Disconnected"
	}
}

// ConnectionState is a snapshot of the connection state machine.
// Attempt is the current reconnection attempt, or the attempt that just
// finished for the transition out of Reconnecting.
type ConnectionState struct {
	Status  Status
	Attempt int
}

func (s ConnectionState) String() string {
	if s.Status == Reconnecting {
		return fmt.Sprintf("Reconnecting(%d)", s.Attempt)
	}
	return s.Status.String()
}

// EventType tells which fields of Event are set.
type EventType int

const (
	CardRead EventType = iota + 1
	ConnectionStateChanged
	ErrorRaised
)

func (t EventType) String() string {
	switch t {
	case CardRead:
		return "CardRead"
	case ConnectionStateChanged:
		return "ConnectionStateChanged"
	case ErrorRaised:
		return "Error"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is delivered on Service.Events in the order the service
// observed it.
type Event struct {
	Type EventType
	At   time.Time

	// CardRead
	Identity felica.Identity

	// ConnectionStateChanged
	State   ConnectionState
	Message string

	// ErrorRaised
	Err *Error
}
