// Package lending turns taps into ledger decisions.
//
// A staff tap followed by a card tap within the pairing window lends an
// idle card or returns a lent one. A card tapped alone within the undo
// window of its last decision reverses that decision. Everything else is
// rejected with an *Error and leaves the ledger alone.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cardpool/cardreader"
	"cardpool/clock"
	"cardpool/felica"
	"cardpool/store"
)

// State is the sequencer state.
type State int

const (
	AwaitingStaffTap State = iota
	AwaitingCardTap
	Processing
)

func (s State) String() string {
	switch s {
	case AwaitingStaffTap:
		return "AwaitingStaffTap"
	case AwaitingCardTap:
		return "AwaitingCardTap"
	case Processing:
		return "Processing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Action is the decision taken for a card tap.
type Action int

const (
	Lend Action = iota + 1
	Return
	UndoLend
	UndoReturn
)

func (a Action) String() string {
	switch a {
	case Lend:
		return "lend"
	case Return:
		return "return"
	case UndoLend:
		return "undo_lend"
	case UndoReturn:
		return "undo_return"
	}
	return "unknown"
}

// CardReader reads the card that is on the reader. *cardreader.Service
// satisfies it.
type CardReader interface {
	ReadBalance(ctx context.Context, idm string) (int, error)
	ReadHistory(ctx context.Context, idm string) ([]felica.TripRecord, error)
}

// PendingStaffTap is a staff tap waiting for a card tap.
type PendingStaffTap struct {
	Staff      store.Staff
	ObservedAt time.Time
}

// Outcome describes a completed decision.
type Outcome struct {
	Action      Action
	OperationID string
	EntryID     int64
	CardIDm     string
	StaffIDm    string
	StaffName   string
	At          time.Time

	// Return only.
	Balance int
	Summary string
	Income  int
	Expense int
	Trips   int
}

// Snapshot is the sequencer state as shown to the caller.
type Snapshot struct {
	State     State
	StaffIDm  string
	StaffName string
	Deadline  time.Time // end of the pairing window; zero unless AwaitingCardTap
}

// Options carries the collaborators of a Sequencer. Registry, Ledger and
// Reader are required.
type Options struct {
	Registry store.Registry
	Ledger   store.Ledger
	Audit    store.AuditLog
	Reader   CardReader
	Notifier Notifier
	Clock    clock.Clock
	Logger   *slog.Logger

	// NewID returns operation ids. Defaults to UUIDv7.
	NewID func() string
}

// Sequencer is the tap sequencer. It is safe for concurrent use; a tap
// that arrives while another is being processed is rejected with Busy.
type Sequencer struct {
	cfg    Config
	reg    store.Registry
	ledger store.Ledger
	audit  store.AuditLog
	reader CardReader
	notify Notifier
	clock  clock.Clock
	log    *slog.Logger
	newID  func() string

	mu       sync.Mutex
	state    State
	pending  *PendingStaffTap
	expiry   *clock.Timer
	gen      int
	onChange func(Snapshot)
}

func New(cfg Config, opts Options) *Sequencer {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.NewID == nil {
		opts.NewID = newOperationID
	}
	return &Sequencer{
		cfg:    cfg.withDefaults(),
		reg:    opts.Registry,
		ledger: opts.Ledger,
		audit:  opts.Audit,
		reader: opts.Reader,
		notify: opts.Notifier,
		clock:  opts.Clock,
		log:    opts.Logger,
		newID:  opts.NewID,
	}
}

func newOperationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// State returns a snapshot of the current state.
func (s *Sequencer) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnStateChange registers fn to be called after every state change.
// Only one callback is kept.
func (s *Sequencer) OnStateChange(fn func(Snapshot)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Tap handles an identity read on the card reader. A registered staff
// identity is a staff tap; anything else is a card tap.
func (s *Sequencer) Tap(ctx context.Context, idm string) (Outcome, error) {
	_, err := s.reg.Staff(ctx, idm)
	switch {
	case err == nil:
		return Outcome{}, s.StaffTap(ctx, idm)
	case !errors.Is(err, store.ErrNotFound):
		return Outcome{}, fmt.Errorf("look up staff %s: %w", idm, err)
	}
	return s.CardTap(ctx, idm)
}

// StaffTap starts or restarts the pairing window for a staff member.
func (s *Sequencer) StaffTap(ctx context.Context, idm string) error {
	staff, err := s.reg.Staff(ctx, idm)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.reject(&Error{Kind: UnregisteredStaff, Identity: idm})
	case err != nil:
		return fmt.Errorf("look up staff %s: %w", idm, err)
	case staff.Deleted:
		return s.reject(&Error{Kind: DeletedStaff, Identity: idm})
	}

	s.mu.Lock()
	if s.state == Processing {
		s.mu.Unlock()
		return s.reject(&Error{Kind: Busy, Identity: idm})
	}
	s.pending = &PendingStaffTap{Staff: staff, ObservedAt: s.clock.Now()}
	s.armLocked(s.cfg.PairingWindow)
	snap := s.setStateLocked(AwaitingCardTap)
	s.mu.Unlock()

	s.log.Info("staff tap", "staff", idm, "name", staff.Name)
	s.changed(snap)
	s.notify.Notify(Notice{Kind: NoticeStaffAccepted, StaffIDm: idm, StaffName: staff.Name})
	return nil
}

// CardTap decides what a card tap means and applies it.
func (s *Sequencer) CardTap(ctx context.Context, idm string) (Outcome, error) {
	card, err := s.reg.Card(ctx, idm)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Outcome{}, s.reject(&Error{Kind: UnregisteredCard, Identity: idm})
	case err != nil:
		return Outcome{}, fmt.Errorf("look up card %s: %w", idm, err)
	case card.Deleted:
		return Outcome{}, s.reject(&Error{Kind: DeletedCard, Identity: idm})
	}

	s.mu.Lock()
	if s.state == Processing {
		s.mu.Unlock()
		return Outcome{}, s.reject(&Error{Kind: Busy, Identity: idm})
	}
	now := s.clock.Now()
	pending := s.takePendingLocked(now)
	snap := s.setStateLocked(Processing)
	s.mu.Unlock()
	s.changed(snap)

	out, err := s.decide(ctx, card, pending, now)

	var be *Error
	business := errors.As(err, &be)

	s.mu.Lock()
	if err != nil && pending != nil && !business {
		// Nothing was written; let the card be presented again.
		s.restoreLocked(pending)
	}
	if s.pending == nil {
		snap = s.setStateLocked(AwaitingStaffTap)
	} else {
		snap = s.setStateLocked(AwaitingCardTap)
	}
	s.mu.Unlock()
	s.changed(snap)

	if err != nil {
		if errors.Is(err, cardreader.ErrCardRemoved) {
			// Lifted mid-read: nothing to show, the card can come back.
			s.log.Debug("card lifted during read", "card", idm, "err", err)
			return Outcome{}, err
		}
		if !business {
			s.log.Warn("card tap failed", "card", idm, "err", err)
			s.notify.Notify(Notice{Kind: NoticeRejected, Err: err})
			return Outcome{}, err
		}
		return Outcome{}, s.reject(be)
	}
	s.log.Info("lending decision", "action", out.Action, "card", out.CardIDm,
		"staff", out.StaffIDm, "operation", out.OperationID)
	s.notify.Notify(Notice{Kind: NoticeCompleted, Outcome: out})
	return out, nil
}

// Cancel abandons a pending staff tap. It reports whether there was one.
func (s *Sequencer) Cancel() bool {
	s.mu.Lock()
	if s.state != AwaitingCardTap {
		s.mu.Unlock()
		return false
	}
	staff := s.pending.Staff
	s.pending = nil
	s.disarmLocked()
	snap := s.setStateLocked(AwaitingStaffTap)
	s.mu.Unlock()

	s.log.Info("staff tap cancelled", "staff", staff.IDm)
	s.changed(snap)
	s.notify.Notify(Notice{Kind: NoticeCancelled, StaffIDm: staff.IDm, StaffName: staff.Name})
	return true
}

func (s *Sequencer) decide(ctx context.Context, card store.Card, pending *PendingStaffTap, now time.Time) (Outcome, error) {
	if pending != nil {
		if card.Lent {
			return s.giveBack(ctx, card, pending.Staff, now)
		}
		return s.lend(ctx, card, pending.Staff, now)
	}

	last, err := s.ledger.LastDecision(ctx, card.IDm)
	switch {
	case err == nil:
		if !last.Undone && now.Sub(last.CompletedAt) < s.cfg.UndoWindow {
			return s.undo(ctx, card, last, now)
		}
	case !errors.Is(err, store.ErrNotFound):
		return Outcome{}, fmt.Errorf("last decision for %s: %w", card.IDm, err)
	}

	if !card.Lent {
		return Outcome{}, &Error{Kind: CardNotLent, Identity: card.IDm}
	}
	if !*s.cfg.AllowBareReturn {
		return Outcome{}, &Error{Kind: CardAlreadyLent, Identity: card.IDm}
	}
	borrower, err := s.reg.Staff(ctx, card.LastLentBy)
	if err != nil {
		borrower = store.Staff{IDm: card.LastLentBy}
	}
	return s.giveBack(ctx, card, borrower, now)
}

func (s *Sequencer) lend(ctx context.Context, card store.Card, staff store.Staff, now time.Time) (Outcome, error) {
	opID := s.newID()
	d, err := s.ledger.RecordLend(ctx, store.LendRecord{
		OperationID: opID,
		CardIDm:     card.IDm,
		StaffIDm:    staff.IDm,
		At:          now,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("record lend: %w", err)
	}
	out := Outcome{
		Action:      Lend,
		OperationID: opID,
		EntryID:     d.EntryID,
		CardIDm:     card.IDm,
		StaffIDm:    staff.IDm,
		StaffName:   staff.Name,
		At:          now,
	}
	s.record(ctx, out, card)
	return out, nil
}

// giveBack returns a lent card, capturing the trips since the lend day.
// The decision completes after the card reads, so that is its time.
func (s *Sequencer) giveBack(ctx context.Context, card store.Card, staff store.Staff, _ time.Time) (Outcome, error) {
	balance, err := s.reader.ReadBalance(ctx, card.IDm)
	if err != nil {
		return Outcome{}, fmt.Errorf("read balance: %w", err)
	}
	trips, err := s.reader.ReadHistory(ctx, card.IDm)
	if err != nil {
		return Outcome{}, fmt.Errorf("read history: %w", err)
	}
	u := summarize(trips, card.LastLentAt)
	now := s.clock.Now()

	opID := s.newID()
	d, err := s.ledger.RecordReturn(ctx, store.ReturnRecord{
		OperationID: opID,
		CardIDm:     card.IDm,
		StaffIDm:    staff.IDm,
		At:          now,
		Summary:     u.summary,
		Income:      u.income,
		Expense:     u.expense,
		Balance:     balance,
		Details:     u.details,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("record return: %w", err)
	}
	out := Outcome{
		Action:      Return,
		OperationID: opID,
		EntryID:     d.EntryID,
		CardIDm:     card.IDm,
		StaffIDm:    staff.IDm,
		StaffName:   staff.Name,
		At:          now,
		Balance:     balance,
		Summary:     u.summary,
		Income:      u.income,
		Expense:     u.expense,
		Trips:       len(u.details),
	}
	s.record(ctx, out, card)
	return out, nil
}

func (s *Sequencer) undo(ctx context.Context, card store.Card, last store.Decision, now time.Time) (Outcome, error) {
	if err := s.ledger.Undo(ctx, last, now); err != nil {
		return Outcome{}, fmt.Errorf("undo %s: %w", last.Kind, err)
	}
	out := Outcome{
		Action:      UndoLend,
		OperationID: s.newID(),
		EntryID:     last.EntryID,
		CardIDm:     card.IDm,
		StaffIDm:    last.StaffIDm,
		At:          now,
	}
	if last.Kind == store.DecisionReturn {
		out.Action = UndoReturn
	}
	if st, err := s.reg.Staff(ctx, last.StaffIDm); err == nil {
		out.StaffName = st.Name
	}
	s.record(ctx, out, card)
	return out, nil
}

// record appends the audit line for a committed decision. The ledger
// write already happened, so failures are logged, not returned.
func (s *Sequencer) record(ctx context.Context, out Outcome, before store.Card) {
	if s.audit == nil {
		return
	}
	after, err := s.reg.Card(ctx, before.IDm)
	if err != nil {
		s.log.Error("reload card for audit", "card", before.IDm, "err", err)
		after = before
	}
	err = s.audit.Append(ctx, store.AuditRecord{
		ID:        out.OperationID,
		At:        out.At,
		ActorIDm:  out.StaffIDm,
		Action:    out.Action.String(),
		TargetIDm: out.CardIDm,
		Before:    before.Snapshot(),
		After:     after.Snapshot(),
	})
	if err != nil {
		s.log.Error("append audit record", "operation", out.OperationID, "err", err)
	}
}

func (s *Sequencer) reject(err *Error) error {
	s.log.Info("tap rejected", "kind", err.Kind, "identity", err.Identity)
	s.notify.Notify(Notice{Kind: NoticeRejected, Err: err})
	return err
}

// takePendingLocked consumes the pending staff tap if it is still inside
// the pairing window.
func (s *Sequencer) takePendingLocked(now time.Time) *PendingStaffTap {
	p := s.pending
	s.pending = nil
	s.disarmLocked()
	if p == nil || now.Sub(p.ObservedAt) >= s.cfg.PairingWindow {
		return nil
	}
	return p
}

// restoreLocked puts p back with whatever is left of its window.
func (s *Sequencer) restoreLocked(p *PendingStaffTap) {
	left := p.ObservedAt.Add(s.cfg.PairingWindow).Sub(s.clock.Now())
	if left <= 0 {
		return
	}
	s.pending = p
	s.armLocked(left)
}

func (s *Sequencer) armLocked(d time.Duration) {
	s.disarmLocked()
	s.gen++
	gen := s.gen
	s.expiry = s.clock.AfterFunc(d, func() { s.expire(gen) })
}

func (s *Sequencer) disarmLocked() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}

// expire ends the pairing window of the staff tap armed as gen.
func (s *Sequencer) expire(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.state != AwaitingCardTap || s.pending == nil {
		s.mu.Unlock()
		return
	}
	staff := s.pending.Staff
	s.pending = nil
	s.expiry = nil
	snap := s.setStateLocked(AwaitingStaffTap)
	s.mu.Unlock()

	s.log.Info("pairing window elapsed", "staff", staff.IDm)
	s.changed(snap)
	s.notify.Notify(Notice{Kind: NoticeRejected, Err: &Error{Kind: OperationTimeout, Identity: staff.IDm}})
}

func (s *Sequencer) setStateLocked(st State) Snapshot {
	s.state = st
	return s.snapshotLocked()
}

func (s *Sequencer) snapshotLocked() Snapshot {
	snap := Snapshot{State: s.state}
	if s.state == AwaitingCardTap && s.pending != nil {
		snap.StaffIDm = s.pending.Staff.IDm
		snap.StaffName = s.pending.Staff.Name
		snap.Deadline = s.pending.ObservedAt.Add(s.cfg.PairingWindow)
	}
	return snap
}

func (s *Sequencer) changed(snap Snapshot) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
