package cardreader

import (
	"errors"
	"fmt"

	"cardpool/pcsc"
)

// Kind classifies a card access failure.
type Kind int

const (
	NotConnected Kind = iota + 1
	ReadFailed
	BalanceReadFailed
	HistoryReadFailed
	CardRemoved
	ServiceNotAvailable
	ReconnectFailed
)

func (k Kind) String() string {
	switch k {
	case NotConnected:
		return "NotConnected"
	case ReadFailed:
		return "ReadFailed"
	case BalanceReadFailed:
		return "BalanceReadFailed"
	case HistoryReadFailed:
		return "HistoryReadFailed"
	case CardRemoved:
		return "CardRemoved"
	case ServiceNotAvailable:
		return "ServiceNotAvailable"
	case ReconnectFailed:
		return "ReconnectFailed"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the only error type that leaves the service. Platform codes
// are wrapped in Err.
type Error struct {
	Kind     Kind
	Detail   string
	Attempts int // ReconnectFailed only
	Err      error
}

func (e *Error) Error() string {
	msg := "cardreader: " + e.Kind.String()
	if e.Kind == ReconnectFailed {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotConnected        = &Error{Kind: NotConnected}
	ErrReadFailed          = &Error{Kind: ReadFailed}
	ErrBalanceReadFailed   = &Error{Kind: BalanceReadFailed}
	ErrHistoryReadFailed   = &Error{Kind: HistoryReadFailed}
	ErrCardRemoved         = &Error{Kind: CardRemoved}
	ErrServiceNotAvailable = &Error{Kind: ServiceNotAvailable}
	ErrReconnectFailed     = &Error{Kind: ReconnectFailed}
)

// classify turns a low-level failure into an *Error. fallback is used
// for protocol errors.
func classify(fallback Kind, op string, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	kind := fallback
	switch {
	case pcsc.IsRemoval(err):
		kind = CardRemoved
	case errors.Is(err, pcsc.ErrNoService):
		kind = ServiceNotAvailable
	case errors.Is(err, pcsc.ErrNoReaders),
		errors.Is(err, pcsc.ErrReaderUnavailable),
		errors.Is(err, pcsc.ErrInvalidContext):
		kind = NotConnected
	}
	return &Error{Kind: kind, Detail: op, Err: err}
}

// lostReader reports whether k means the handle is no longer usable.
func lostReader(k Kind) bool {
	return k == NotConnected || k == ServiceNotAvailable
}
