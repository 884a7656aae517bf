package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "cardpool/db"
	"cardpool/store"
)

type Ledger struct {
	db     *sql.DB
	writer *dbpkg.Writer
}

func NewLedger(db *sql.DB, writer *dbpkg.Writer) *Ledger {
	return &Ledger{db: db, writer: writer}
}

// RecordLend inserts the lend row and marks the card lent.
func (l *Ledger) RecordLend(ctx context.Context, rec store.LendRecord) (store.Decision, error) {
	var d store.Decision
	err := l.writer.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := loadCard(ctx, tx, rec.CardIDm); err != nil {
			return fmt.Errorf("record lend %s: %w", rec.CardIDm, err)
		}
		at := toMs(rec.At)
		res, err := tx.ExecContext(ctx, `
INSERT INTO ledger(
  operation_id, card_idm, date_ms, summary, income, expense,
  staff_name, lender_idm, lent_at_ms, is_lent_record
) VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?, 1);
`, rec.OperationID, rec.CardIDm, at, store.LendSummary, staffName(ctx, tx, rec.StaffIDm), rec.StaffIDm, at)
		if err != nil {
			return fmt.Errorf("insert lend row: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("lend row id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE ic_card
SET is_lent = 1, last_lent_at_ms = ?, last_lent_staff = ?, updated_at_ms = ?
WHERE card_idm = ?;
`, at, rec.StaffIDm, at, rec.CardIDm); err != nil {
			return fmt.Errorf("mark card lent: %w", err)
		}

		d = store.Decision{
			EntryID:     id,
			OperationID: rec.OperationID,
			Kind:        store.DecisionLend,
			CardIDm:     rec.CardIDm,
			StaffIDm:    rec.StaffIDm,
			CompletedAt: time.UnixMilli(at),
		}
		return nil
	})
	return d, err
}

// RecordReturn inserts the return row with its details, closes the open
// lend row and clears the card's lent flag.
func (l *Ledger) RecordReturn(ctx context.Context, rec store.ReturnRecord) (store.Decision, error) {
	var d store.Decision
	err := l.writer.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := loadCard(ctx, tx, rec.CardIDm); err != nil {
			return fmt.Errorf("record return %s: %w", rec.CardIDm, err)
		}
		at := toMs(rec.At)

		var lendID sql.NullInt64
		err := tx.QueryRowContext(ctx, `
SELECT id FROM ledger
WHERE card_idm = ? AND is_lent_record = 1 AND undone_at_ms IS NULL AND returned_at_ms IS NULL
ORDER BY id DESC LIMIT 1;
`, rec.CardIDm).Scan(&lendID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find open lend: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
INSERT INTO ledger(
  operation_id, card_idm, date_ms, summary, income, expense, balance,
  staff_name, returner_idm, returned_at_ms, is_lent_record, lend_entry_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?);
`, rec.OperationID, rec.CardIDm, at, rec.Summary, rec.Income, rec.Expense, rec.Balance,
			staffName(ctx, tx, rec.StaffIDm), rec.StaffIDm, at, lendID)
		if err != nil {
			return fmt.Errorf("insert return row: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("return row id: %w", err)
		}

		for i, det := range rec.Details {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO ledger_detail(
  ledger_id, seq, use_date_ms, entry_station, exit_station, amount, balance, is_charge, is_bus
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, i, toMs(det.UseTime), det.EntryPoint, det.ExitPoint, nullInt(det.Amount), nullInt(det.Balance),
				boolInt(det.IsCharge), boolInt(det.IsBus)); err != nil {
				return fmt.Errorf("insert detail %d: %w", i, err)
			}
		}

		if lendID.Valid {
			if _, err := tx.ExecContext(ctx, `
UPDATE ledger SET returned_at_ms = ?, returner_idm = ? WHERE id = ?;
`, at, rec.StaffIDm, lendID.Int64); err != nil {
				return fmt.Errorf("close lend row: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE ic_card SET is_lent = 0, updated_at_ms = ? WHERE card_idm = ?;
`, at, rec.CardIDm); err != nil {
			return fmt.Errorf("mark card returned: %w", err)
		}

		d = store.Decision{
			EntryID:     id,
			OperationID: rec.OperationID,
			Kind:        store.DecisionReturn,
			CardIDm:     rec.CardIDm,
			StaffIDm:    rec.StaffIDm,
			CompletedAt: time.UnixMilli(at),
		}
		return nil
	})
	return d, err
}

func (l *Ledger) Undo(ctx context.Context, d store.Decision, at time.Time) error {
	return l.writer.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		last, err := lastDecision(ctx, tx, d.CardIDm)
		if errors.Is(err, store.ErrNotFound) || (err == nil && (last.EntryID != d.EntryID || last.Undone)) {
			return fmt.Errorf("undo entry %d: %w", d.EntryID, store.ErrStaleDecision)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE ledger SET undone_at_ms = ? WHERE id = ?;
`, toMs(at), d.EntryID); err != nil {
			return fmt.Errorf("tag undone: %w", err)
		}

		if last.Kind == store.DecisionReturn {
			if _, err := tx.ExecContext(ctx, `
UPDATE ledger SET returned_at_ms = NULL, returner_idm = NULL
WHERE id = (SELECT lend_entry_id FROM ledger WHERE id = ?);
`, d.EntryID); err != nil {
				return fmt.Errorf("reopen lend row: %w", err)
			}
		}

		return refreshCard(ctx, tx, d.CardIDm, toMs(at))
	})
}

func (l *Ledger) LastDecision(ctx context.Context, cardIDm string) (store.Decision, error) {
	return lastDecision(ctx, l.db, cardIDm)
}

func (l *Ledger) Totals(ctx context.Context, cardIDm string) (store.Totals, error) {
	var t store.Totals
	err := l.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(income), 0), COALESCE(SUM(expense), 0)
FROM ledger
WHERE card_idm = ? AND undone_at_ms IS NULL;
`, cardIDm).Scan(&t.Rows, &t.Income, &t.Expense)
	if err != nil {
		return store.Totals{}, fmt.Errorf("totals query: %w", err)
	}
	return t, nil
}

func (l *Ledger) Entries(ctx context.Context, cardIDm string) ([]store.Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id, operation_id, is_lent_record, date_ms, summary, income, expense, balance,
       COALESCE(lender_idm, returner_idm, ''), staff_name, returned_at_ms, undone_at_ms
FROM ledger
WHERE card_idm = ?
ORDER BY id;
`, cardIDm)
	if err != nil {
		return nil, fmt.Errorf("entries query: %w", err)
	}
	defer rows.Close()

	var out []store.Entry
	for rows.Next() {
		e := store.Entry{CardIDm: cardIDm}
		var lendRow int
		var dateMs int64
		var balance, returnedAt, undoneAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.OperationID, &lendRow, &dateMs, &e.Summary, &e.Income, &e.Expense,
			&balance, &e.StaffIDm, &e.StaffName, &returnedAt, &undoneAt); err != nil {
			return nil, fmt.Errorf("entries scan: %w", err)
		}
		e.Kind = store.DecisionReturn
		if lendRow == 1 {
			e.Kind = store.DecisionLend
			e.ReturnedAt = fromMs(returnedAt)
		}
		e.Date = time.UnixMilli(dateMs)
		e.Balance = intPtr(balance)
		e.Undone = undoneAt.Valid
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range out {
		if out[i].Kind != store.DecisionReturn {
			continue
		}
		if out[i].Details, err = l.details(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l *Ledger) details(ctx context.Context, ledgerID int64) ([]store.Detail, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT use_date_ms, entry_station, exit_station, amount, balance, is_charge, is_bus
FROM ledger_detail
WHERE ledger_id = ?
ORDER BY seq;
`, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("details query: %w", err)
	}
	defer rows.Close()

	var out []store.Detail
	for rows.Next() {
		var d store.Detail
		var useMs int64
		var amount, balance sql.NullInt64
		var charge, bus int
		if err := rows.Scan(&useMs, &d.EntryPoint, &d.ExitPoint, &amount, &balance, &charge, &bus); err != nil {
			return nil, fmt.Errorf("details scan: %w", err)
		}
		d.UseTime = time.UnixMilli(useMs)
		d.Amount = intPtr(amount)
		d.Balance = intPtr(balance)
		d.IsCharge = charge == 1
		d.IsBus = bus == 1
		out = append(out, d)
	}
	return out, rows.Err()
}

func lastDecision(ctx context.Context, q queryer, cardIDm string) (store.Decision, error) {
	d := store.Decision{CardIDm: cardIDm}
	var lendRow int
	var dateMs int64
	var undoneAt sql.NullInt64
	err := q.QueryRowContext(ctx, `
SELECT id, operation_id, is_lent_record, COALESCE(lender_idm, returner_idm, ''), date_ms, undone_at_ms
FROM ledger
WHERE card_idm = ?
ORDER BY id DESC LIMIT 1;
`, cardIDm).Scan(&d.EntryID, &d.OperationID, &lendRow, &d.StaffIDm, &dateMs, &undoneAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Decision{}, store.ErrNotFound
	}
	if err != nil {
		return store.Decision{}, fmt.Errorf("last decision query: %w", err)
	}
	d.Kind = store.DecisionReturn
	if lendRow == 1 {
		d.Kind = store.DecisionLend
	}
	d.CompletedAt = time.UnixMilli(dateMs)
	d.Undone = undoneAt.Valid
	return d, nil
}

// refreshCard derives the card's lend state from its newest live lend
// row.
func refreshCard(ctx context.Context, tx *sql.Tx, cardIDm string, nowMs int64) error {
	var lender sql.NullString
	var lentAt, returnedAt sql.NullInt64
	err := tx.QueryRowContext(ctx, `
SELECT lender_idm, lent_at_ms, returned_at_ms
FROM ledger
WHERE card_idm = ? AND is_lent_record = 1 AND undone_at_ms IS NULL
ORDER BY id DESC LIMIT 1;
`, cardIDm).Scan(&lender, &lentAt, &returnedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("find live lend: %w", err)
	}

	lent := lentAt.Valid && !returnedAt.Valid
	if _, err := tx.ExecContext(ctx, `
UPDATE ic_card
SET is_lent = ?, last_lent_at_ms = ?, last_lent_staff = ?, updated_at_ms = ?
WHERE card_idm = ?;
`, boolInt(lent), lentAt, lender, nowMs, cardIDm); err != nil {
		return fmt.Errorf("refresh card: %w", err)
	}
	return nil
}

func staffName(ctx context.Context, tx *sql.Tx, idm string) string {
	var name string
	_ = tx.QueryRowContext(ctx, `SELECT name FROM staff WHERE staff_idm = ?;`, idm).Scan(&name)
	return name
}
