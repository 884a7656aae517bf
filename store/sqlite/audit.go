package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	dbpkg "cardpool/db"
	"cardpool/store"
)

// AuditLog is the append-only operation_log table. Snapshots are stored
// as JSON.
type AuditLog struct {
	db     *sql.DB
	writer *dbpkg.Writer
}

func NewAuditLog(db *sql.DB, writer *dbpkg.Writer) *AuditLog {
	return &AuditLog{db: db, writer: writer}
}

func (a *AuditLog) Append(ctx context.Context, rec store.AuditRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	before, err := jsoniter.ConfigFastest.Marshal(rec.Before)
	if err != nil {
		return fmt.Errorf("marshal before: %w", err)
	}
	after, err := jsoniter.ConfigFastest.Marshal(rec.After)
	if err != nil {
		return fmt.Errorf("marshal after: %w", err)
	}

	return a.writer.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO operation_log(id, at_ms, actor_idm, action, target_idm, before_data, after_data)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, rec.ID, toMs(rec.At), rec.ActorIDm, rec.Action, rec.TargetIDm, string(before), string(after)); err != nil {
			return fmt.Errorf("insert operation_log: %w", err)
		}
		return nil
	})
}

// Records returns the log for one target, oldest first.
func (a *AuditLog) Records(ctx context.Context, targetIDm string) ([]store.AuditRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
SELECT id, at_ms, actor_idm, action, target_idm, before_data, after_data
FROM operation_log
WHERE target_idm = ?
ORDER BY at_ms, rowid;
`, targetIDm)
	if err != nil {
		return nil, fmt.Errorf("operation_log query: %w", err)
	}
	defer rows.Close()

	var out []store.AuditRecord
	for rows.Next() {
		var rec store.AuditRecord
		var atMs int64
		var before, after sql.NullString
		if err := rows.Scan(&rec.ID, &atMs, &rec.ActorIDm, &rec.Action, &rec.TargetIDm, &before, &after); err != nil {
			return nil, fmt.Errorf("operation_log scan: %w", err)
		}
		rec.At = time.UnixMilli(atMs)
		if before.Valid {
			if err := jsoniter.ConfigFastest.UnmarshalFromString(before.String, &rec.Before); err != nil {
				return nil, fmt.Errorf("unmarshal before %s: %w", rec.ID, err)
			}
		}
		if after.Valid {
			if err := jsoniter.ConfigFastest.UnmarshalFromString(after.String, &rec.After); err != nil {
				return nil, fmt.Errorf("unmarshal after %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
