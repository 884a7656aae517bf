package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Dev fixtures. The card IDm matches the synthetic reader's default
// card.
const (
	DevCardIDm  = "0123456789ABCDEF"
	DevStaffIDm = "0000000000000001"
)

// SeedDev inserts one test staff member and one test card. Existing
// rows are left alone.
func SeedDev(ctx context.Context, db *sql.DB) error {
	now := time.Now().UTC().UnixMilli()

	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO staff(staff_idm, name, number, note, updated_at_ms)
VALUES (?, 'テスト職員', 'T001', 'dev seed', ?);`, DevStaffIDm, now); err != nil {
		return fmt.Errorf("seed staff: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO ic_card(card_idm, card_type, card_number, note, updated_at_ms)
VALUES (?, 'はやかけん', 'H-001', 'dev seed', ?);`, DevCardIDm, now); err != nil {
		return fmt.Errorf("seed card: %w", err)
	}

	return nil
}
