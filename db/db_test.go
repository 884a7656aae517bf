package db_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardpool/db"
)

func openLedger(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(context.Background(), db.Config{
		Path: filepath.Join(t.TempDir(), "data", "cardpool.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func count(t *testing.T, conn *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestOpenIsRepeatable(t *testing.T) {
	ctx := context.Background()
	cfg := db.Config{Path: filepath.Join(t.TempDir(), "nested", "cardpool.db")}

	conn, err := db.Open(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, db.SeedDev(ctx, conn))
	require.NoError(t, conn.Close())

	conn, err = db.Open(ctx, cfg)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, db.SeedDev(ctx, conn))
	assert.Equal(t, 1, count(t, conn, "staff"))
	assert.Equal(t, 1, count(t, conn, "ic_card"))
}

func TestDSN(t *testing.T) {
	dsn := db.DSN("/var/lib/cardpool/ledger.db")
	assert.Contains(t, dsn, "file:/var/lib/cardpool/ledger.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "_pragma=foreign_keys%281%29")
}

func TestCheckReportsOrphanedEntries(t *testing.T) {
	ctx := context.Background()
	conn := openLedger(t)
	require.NoError(t, db.Check(ctx, conn))

	_, err := conn.Exec("PRAGMA foreign_keys = OFF")
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO ledger(operation_id, card_idm, date_ms, summary) VALUES ('op-1', 'FFFFFFFFFFFFFFFF', 0, '貸出')`)
	require.NoError(t, err)

	err = db.Check(ctx, conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger row 1 -> ic_card")
}

func insertStaff(idm string) db.TxFn {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO staff(staff_idm, name, updated_at_ms) VALUES (?, '山田', 0)`, idm)
		return err
	}
}

func TestWriterCommitsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	conn := openLedger(t)
	w := db.NewWriter(conn)
	defer w.Close()

	require.NoError(t, w.Write(ctx, insertStaff("00000000000000A1")))

	boom := errors.New("boom")
	err := w.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := insertStaff("00000000000000B2")(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, count(t, conn, "staff"))

	// Duplicate key surfaces as the driver's error.
	assert.Error(t, w.Write(ctx, insertStaff("00000000000000A1")))
}

func TestWriterSkipsCancelledWrites(t *testing.T) {
	conn := openLedger(t)
	w := db.NewWriter(conn)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Write(ctx, insertStaff("00000000000000A1")), context.Canceled)
	assert.Equal(t, 0, count(t, conn, "staff"))
}

func TestWriterClosed(t *testing.T) {
	conn := openLedger(t)
	w := db.NewWriter(conn)
	require.NoError(t, w.Write(context.Background(), insertStaff("00000000000000A1")))

	w.Close()
	w.Close()
	assert.ErrorIs(t, w.Write(context.Background(), insertStaff("00000000000000B2")), db.ErrClosed)
	assert.Equal(t, 1, count(t, conn, "staff"))
}
