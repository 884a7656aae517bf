// Package store defines the persistence contracts the lending engine
// depends on and the records that cross them. Implementations live in
// store/memory and store/sqlite.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by lookups for an unknown identity and by
	// LastDecision for a card with no ledger rows.
	ErrNotFound = errors.New("store: not found")

	// ErrStaleDecision is returned by Undo when the decision is no longer
	// the newest live row for its card.
	ErrStaleDecision = errors.New("store: decision is not the latest for its card")
)

// LendSummary is the summary written on a lend row while the card is
// out.
const LendSummary = "(貸出中)"

// Staff is a registered staff member.
type Staff struct {
	IDm     string
	Name    string
	Number  string
	Note    string
	Deleted bool
}

// Card is a registered transit card and its lend state.
type Card struct {
	IDm     string
	Type    string
	Number  string
	Note    string
	Deleted bool

	Lent       bool
	LastLentAt time.Time // zero when never lent
	LastLentBy string
}

// Snapshot returns the lend state of c for audit records.
func (c Card) Snapshot() CardSnapshot {
	s := CardSnapshot{Lent: c.Lent, LastLentBy: c.LastLentBy}
	if !c.LastLentAt.IsZero() {
		t := c.LastLentAt
		s.LastLentAt = &t
	}
	return s
}

// DecisionKind tells a lend row from a return row.
type DecisionKind int

const (
	DecisionLend DecisionKind = iota + 1
	DecisionReturn
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionLend:
		return "lend"
	case DecisionReturn:
		return "return"
	}
	return "unknown"
}

// Decision is the newest ledger row for a card, as needed for the undo
// window.
type Decision struct {
	EntryID     int64
	OperationID string
	Kind        DecisionKind
	CardIDm     string
	StaffIDm    string // lender or returner
	CompletedAt time.Time
	Undone      bool
}

// LendRecord is written when a card is handed out.
type LendRecord struct {
	OperationID string
	CardIDm     string
	StaffIDm    string
	At          time.Time
}

// Detail is one trip or charge captured by a return.
type Detail struct {
	UseTime    time.Time
	EntryPoint string
	ExitPoint  string
	Amount     *int
	Balance    *int
	IsCharge   bool
	IsBus      bool
}

// ReturnRecord is written when a card comes back.
type ReturnRecord struct {
	OperationID string
	CardIDm     string
	StaffIDm    string
	At          time.Time
	Summary     string
	Income      int
	Expense     int
	Balance     int
	Details     []Detail
}

// Entry is a ledger row as listed for a card.
type Entry struct {
	ID          int64
	OperationID string
	Kind        DecisionKind
	CardIDm     string
	Date        time.Time
	Summary     string
	Income      int
	Expense     int
	Balance     *int
	StaffIDm    string
	StaffName   string
	ReturnedAt  time.Time // lend rows only; zero while out
	Undone      bool
	Details     []Detail
}

// Totals sums the live (not undone) rows of a card.
type Totals struct {
	Rows    int
	Income  int
	Expense int
}

// CardSnapshot is the before/after state stored in the audit log.
type CardSnapshot struct {
	Lent       bool       `json:"is_lent"`
	LastLentAt *time.Time `json:"last_lent_at,omitempty"`
	LastLentBy string     `json:"last_lent_by,omitempty"`
}

// AuditRecord is one append-only operation log line.
type AuditRecord struct {
	ID        string
	At        time.Time
	ActorIDm  string
	Action    string
	TargetIDm string
	Before    CardSnapshot
	After     CardSnapshot
}

// Registry looks up and maintains staff and cards.
type Registry interface {
	Staff(ctx context.Context, idm string) (Staff, error)
	Card(ctx context.Context, idm string) (Card, error)
	UpsertStaff(ctx context.Context, s Staff) error
	UpsertCard(ctx context.Context, c Card) error
}

// Ledger records lend and return rows. Every write also updates the
// card's lend state in the same transaction.
type Ledger interface {
	RecordLend(ctx context.Context, rec LendRecord) (Decision, error)
	RecordReturn(ctx context.Context, rec ReturnRecord) (Decision, error)

	// Undo tags d as undone at the given time and restores the card's
	// lend state to what it was before d. Undoing a return reopens the
	// lend row it closed.
	Undo(ctx context.Context, d Decision, at time.Time) error

	// LastDecision returns the newest row for the card, undone or not.
	LastDecision(ctx context.Context, cardIDm string) (Decision, error)

	Totals(ctx context.Context, cardIDm string) (Totals, error)
	Entries(ctx context.Context, cardIDm string) ([]Entry, error)
}

// AuditLog is the append-only operation log.
type AuditLog interface {
	Append(ctx context.Context, rec AuditRecord) error
}
