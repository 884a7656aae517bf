// Package sqlite implements the store interfaces on the database opened
// by package db. Reads go straight to *sql.DB; writes go through the
// db.Writer.
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

type Registry struct {
	db     *sql.DB
	writer *dbpkg.Writer
}

func NewRegistry(db *sql.DB, writer *dbpkg.Writer) *Registry {
	return &Registry{db: db, writer: writer}
}

func (r *Registry) Staff(ctx context.Context, idm string) (store.Staff, error) {
	s := store.Staff{IDm: idm}
	var deleted int
	err := r.db.QueryRowContext(ctx, `
SELECT name, number, note, is_deleted
FROM staff
WHERE staff_idm = ?;
`, idm).Scan(&s.Name, &s.Number, &s.Note, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Staff{}, store.ErrNotFound
	}
	if err != nil {
		return store.Staff{}, fmt.Errorf("staff query: %w", err)
	}
	s.Deleted = deleted == 1
	return s, nil
}

func (r *Registry) Card(ctx context.Context, idm string) (store.Card, error) {
	c, err := loadCard(ctx, r.db, idm)
	if err != nil {
		return store.Card{}, err
	}
	return c, nil
}

func (r *Registry) UpsertStaff(ctx context.Context, s store.Staff) error {
	ms := time.Now().UTC().UnixMilli()
	return r.writer.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO staff(staff_idm, name, number, note, is_deleted, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(staff_idm) DO UPDATE SET
  name          = excluded.name,
  number        = excluded.number,
  note          = excluded.note,
  is_deleted    = excluded.is_deleted,
  updated_at_ms = excluded.updated_at_ms;
`, s.IDm, s.Name, s.Number, s.Note, boolInt(s.Deleted), ms); err != nil {
			return fmt.Errorf("upsert staff %s: %w", s.IDm, err)
		}
		return nil
	})
}

// UpsertCard writes the registry fields of c. Lend state is owned by
// the ledger and is not touched for an existing card.
func (r *Registry) UpsertCard(ctx context.Context, c store.Card) error {
	ms := time.Now().UTC().UnixMilli()
	return r.writer.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO ic_card(card_idm, card_type, card_number, note, is_deleted, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(card_idm) DO UPDATE SET
  card_type     = excluded.card_type,
  card_number   = excluded.card_number,
  note          = excluded.note,
  is_deleted    = excluded.is_deleted,
  updated_at_ms = excluded.updated_at_ms;
`, c.IDm, c.Type, c.Number, c.Note, boolInt(c.Deleted), ms); err != nil {
			return fmt.Errorf("upsert card %s: %w", c.IDm, err)
		}
		return nil
	})
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadCard(ctx context.Context, q queryer, idm string) (store.Card, error) {
	c := store.Card{IDm: idm}
	var deleted, lent int
	var lentAt sql.NullInt64
	var lentBy sql.NullString
	err := q.QueryRowContext(ctx, `
SELECT card_type, card_number, note, is_deleted, is_lent, last_lent_at_ms, last_lent_staff
FROM ic_card
WHERE card_idm = ?;
`, idm).Scan(&c.Type, &c.Number, &c.Note, &deleted, &lent, &lentAt, &lentBy)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Card{}, store.ErrNotFound
	}
	if err != nil {
		return store.Card{}, fmt.Errorf("card query: %w", err)
	}
	c.Deleted = deleted == 1
	c.Lent = lent == 1
	c.LastLentAt = fromMs(lentAt)
	c.LastLentBy = lentBy.String
	return c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMs(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMs(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
