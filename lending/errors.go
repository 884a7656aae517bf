package lending

import "fmt"

// Kind classifies a rejected tap.
type Kind int

const (
	UnregisteredCard Kind = iota + 1
	UnregisteredStaff
	DeletedCard
	DeletedStaff
	CardAlreadyLent
	CardNotLent
	OperationTimeout
	Busy
)

func (k Kind) String() string {
	switch k {
	case UnregisteredCard:
		return "UnregisteredCard"
	case UnregisteredStaff:
		return "UnregisteredStaff"
	case DeletedCard:
		return "DeletedCard"
	case DeletedStaff:
		return "DeletedStaff"
	case CardAlreadyLent:
		return "CardAlreadyLent"
	case CardNotLent:
		return "CardNotLent"
	case OperationTimeout:
		return "OperationTimeout"
	case Busy:
		return "Busy"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a business rule violation. It never comes with a ledger
// mutation and is never retried.
type Error struct {
	Kind     Kind
	Identity string
}

func (e *Error) Error() string {
	if e.Identity == "" {
		return "lending: " + e.Kind.String()
	}
	return "lending: " + e.Kind.String() + " " + e.Identity
}

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnregisteredCard  = &Error{Kind: UnregisteredCard}
	ErrUnregisteredStaff = &Error{Kind: UnregisteredStaff}
	ErrDeletedCard       = &Error{Kind: DeletedCard}
	ErrDeletedStaff      = &Error{Kind: DeletedStaff}
	ErrCardAlreadyLent   = &Error{Kind: CardAlreadyLent}
	ErrCardNotLent       = &Error{Kind: CardNotLent}
	ErrOperationTimeout  = &Error{Kind: OperationTimeout}
	ErrBusy              = &Error{Kind: Busy}
)
