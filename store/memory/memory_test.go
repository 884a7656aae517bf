package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardpool/store"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	require.NoError(t, s.UpsertStaff(ctx, store.Staff{IDm: "S1", Name: "山田"}))
	require.NoError(t, s.UpsertCard(ctx, store.Card{IDm: "C1", Type: "nimoca"}))
	return s
}

func TestUpsertCardKeepsLendState(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.Local)

	_, err := s.RecordLend(ctx, store.LendRecord{OperationID: "a", CardIDm: "C1", StaffIDm: "S1", At: at})
	require.NoError(t, err)
	require.NoError(t, s.UpsertCard(ctx, store.Card{IDm: "C1", Type: "nimoca", Note: "renamed"}))

	c, err := s.Card(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, c.Lent)
	assert.Equal(t, "renamed", c.Note)
	assert.Equal(t, "S1", c.LastLentBy)
}

func TestUndoSequence(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.Local)

	_, err := s.LastDecision(ctx, "C1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	lend, err := s.RecordLend(ctx, store.LendRecord{OperationID: "a", CardIDm: "C1", StaffIDm: "S1", At: at})
	require.NoError(t, err)
	ret, err := s.RecordReturn(ctx, store.ReturnRecord{OperationID: "b", CardIDm: "C1", StaffIDm: "S1", At: at.Add(time.Hour), Income: 1000, Balance: 1500})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Undo(ctx, lend, at), store.ErrStaleDecision)
	require.NoError(t, s.Undo(ctx, ret, at.Add(time.Hour)))
	assert.ErrorIs(t, s.Undo(ctx, ret, at.Add(time.Hour)), store.ErrStaleDecision, "already undone")

	c, _ := s.Card(ctx, "C1")
	assert.True(t, c.Lent)
	assert.True(t, at.Equal(c.LastLentAt))

	totals, err := s.Totals(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, store.Totals{Rows: 1}, totals)

	entries, err := s.Entries(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].ReturnedAt.IsZero())
	assert.Equal(t, "山田", entries[1].StaffName)
	assert.True(t, entries[1].Undone)
}

func TestRecordOnUnknownCard(t *testing.T) {
	s := New()
	_, err := s.RecordLend(context.Background(), store.LendRecord{CardIDm: "X"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.RecordReturn(context.Background(), store.ReturnRecord{CardIDm: "X"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
