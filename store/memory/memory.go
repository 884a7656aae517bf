// Package memory holds in-memory implementations of the store
// interfaces. They are intended for tests and the synthetic dev mode.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cardpool/store"
)

type row struct {
	entry  store.Entry
	lendID int64 // return rows: the lend row they closed
	lentAt time.Time
}

// Store implements store.Registry, store.Ledger and store.AuditLog.
type Store struct {
	mu     sync.Mutex
	staff  map[string]store.Staff
	cards  map[string]store.Card
	rows   []*row
	nextID int64
	audit  []store.AuditRecord
}

func New() *Store {
	return &Store{
		staff:  make(map[string]store.Staff),
		cards:  make(map[string]store.Card),
		nextID: 1,
	}
}

func (s *Store) Staff(_ context.Context, idm string) (store.Staff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.staff[idm]
	if !ok {
		return store.Staff{}, store.ErrNotFound
	}
	return st, nil
}

func (s *Store) Card(_ context.Context, idm string) (store.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[idm]
	if !ok {
		return store.Card{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) UpsertStaff(_ context.Context, st store.Staff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staff[st.IDm] = st
	return nil
}

// UpsertCard stores the registry fields of c. The lend state of an
// existing card is kept; it only changes through the ledger.
func (s *Store) UpsertCard(_ context.Context, c store.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.cards[c.IDm]; ok {
		c.Lent, c.LastLentAt, c.LastLentBy = old.Lent, old.LastLentAt, old.LastLentBy
	}
	s.cards[c.IDm] = c
	return nil
}

func (s *Store) RecordLend(_ context.Context, rec store.LendRecord) (store.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[rec.CardIDm]
	if !ok {
		return store.Decision{}, fmt.Errorf("record lend %s: %w", rec.CardIDm, store.ErrNotFound)
	}
	r := &row{
		entry: store.Entry{
			ID:          s.nextID,
			OperationID: rec.OperationID,
			Kind:        store.DecisionLend,
			CardIDm:     rec.CardIDm,
			Date:        rec.At,
			Summary:     store.LendSummary,
			StaffIDm:    rec.StaffIDm,
			StaffName:   s.staff[rec.StaffIDm].Name,
		},
		lentAt: rec.At,
	}
	s.nextID++
	s.rows = append(s.rows, r)

	c.Lent, c.LastLentAt, c.LastLentBy = true, rec.At, rec.StaffIDm
	s.cards[c.IDm] = c
	return decisionOf(r), nil
}

func (s *Store) RecordReturn(_ context.Context, rec store.ReturnRecord) (store.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[rec.CardIDm]
	if !ok {
		return store.Decision{}, fmt.Errorf("record return %s: %w", rec.CardIDm, store.ErrNotFound)
	}
	lend := s.openLend(rec.CardIDm)
	balance := rec.Balance
	r := &row{
		entry: store.Entry{
			ID:          s.nextID,
			OperationID: rec.OperationID,
			Kind:        store.DecisionReturn,
			CardIDm:     rec.CardIDm,
			Date:        rec.At,
			Summary:     rec.Summary,
			Income:      rec.Income,
			Expense:     rec.Expense,
			Balance:     &balance,
			StaffIDm:    rec.StaffIDm,
			StaffName:   s.staff[rec.StaffIDm].Name,
			Details:     append([]store.Detail(nil), rec.Details...),
		},
	}
	s.nextID++
	if lend != nil {
		r.lendID = lend.entry.ID
		lend.entry.ReturnedAt = rec.At
	}
	s.rows = append(s.rows, r)

	c.Lent = false
	s.cards[c.IDm] = c
	return decisionOf(r), nil
}

func (s *Store) Undo(_ context.Context, d store.Decision, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.latest(d.CardIDm)
	if last == nil || last.entry.ID != d.EntryID || last.entry.Undone {
		return fmt.Errorf("undo entry %d: %w", d.EntryID, store.ErrStaleDecision)
	}
	last.entry.Undone = true

	if last.entry.Kind == store.DecisionReturn && last.lendID != 0 {
		if lend := s.byID(last.lendID); lend != nil {
			lend.entry.ReturnedAt = time.Time{}
		}
	}
	s.refreshCard(d.CardIDm)
	return nil
}

func (s *Store) LastDecision(_ context.Context, cardIDm string) (store.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.latest(cardIDm)
	if r == nil {
		return store.Decision{}, store.ErrNotFound
	}
	return decisionOf(r), nil
}

func (s *Store) Totals(_ context.Context, cardIDm string) (store.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t store.Totals
	for _, r := range s.rows {
		if r.entry.CardIDm != cardIDm || r.entry.Undone {
			continue
		}
		t.Rows++
		t.Income += r.entry.Income
		t.Expense += r.entry.Expense
	}
	return t, nil
}

func (s *Store) Entries(_ context.Context, cardIDm string) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Entry
	for _, r := range s.rows {
		if r.entry.CardIDm == cardIDm {
			e := r.entry
			e.Details = append([]store.Detail(nil), r.entry.Details...)
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Append(_ context.Context, rec store.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

// Audit returns a copy of the operation log. Test-only helper.
func (s *Store) Audit() []store.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AuditRecord, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *Store) latest(cardIDm string) *row {
	for i := len(s.rows) - 1; i >= 0; i-- {
		if s.rows[i].entry.CardIDm == cardIDm {
			return s.rows[i]
		}
	}
	return nil
}

func (s *Store) openLend(cardIDm string) *row {
	for i := len(s.rows) - 1; i >= 0; i-- {
		r := s.rows[i]
		if r.entry.CardIDm == cardIDm && r.entry.Kind == store.DecisionLend && !r.entry.Undone {
			if r.entry.ReturnedAt.IsZero() {
				return r
			}
			return nil
		}
	}
	return nil
}

func (s *Store) byID(id int64) *row {
	for _, r := range s.rows {
		if r.entry.ID == id {
			return r
		}
	}
	return nil
}

// refreshCard derives the lend state from the newest live lend row.
func (s *Store) refreshCard(cardIDm string) {
	c, ok := s.cards[cardIDm]
	if !ok {
		return
	}
	c.Lent, c.LastLentAt, c.LastLentBy = false, time.Time{}, ""
	for i := len(s.rows) - 1; i >= 0; i-- {
		r := s.rows[i]
		if r.entry.CardIDm != cardIDm || r.entry.Kind != store.DecisionLend || r.entry.Undone {
			continue
		}
		c.Lent = r.entry.ReturnedAt.IsZero()
		c.LastLentAt, c.LastLentBy = r.lentAt, r.entry.StaffIDm
		break
	}
	s.cards[cardIDm] = c
}

func decisionOf(r *row) store.Decision {
	return store.Decision{
		EntryID:     r.entry.ID,
		OperationID: r.entry.OperationID,
		Kind:        r.entry.Kind,
		CardIDm:     r.entry.CardIDm,
		StaffIDm:    r.entry.StaffIDm,
		CompletedAt: r.entry.Date,
		Undone:      r.entry.Undone,
	}
}
