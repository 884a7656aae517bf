package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Write once the Writer is closed.
var ErrClosed = errors.New("db: writer closed")

// TxFn runs inside a write transaction. Returning an error rolls it
// back.
type TxFn func(ctx context.Context, tx *sql.Tx) error

type write struct {
	ctx    context.Context
	fn     TxFn
	result chan error
}

// Writer applies ledger, registry and audit writes one transaction at a
// time, in the order the taps produced them.
type Writer struct {
	db      *sql.DB
	queue   chan write
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewWriter(db *sql.DB) *Writer {
	w := &Writer{
		db:      db,
		queue:   make(chan write, 16),
		stopped: make(chan struct{}),
	}
	go w.run()
	return w
}

// Write queues fn and waits for its transaction to commit or roll back.
// If ctx ends while fn is queued or running, Write returns ctx.Err() and
// the outcome of the transaction is not reported.
func (w *Writer) Write(ctx context.Context, fn TxFn) error {
	res := make(chan error, 1)

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrClosed
	}
	select {
	case w.queue <- write{ctx: ctx, fn: fn, result: res}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close finishes the queued writes and stops the Writer. It is safe to
// call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.stopped
}

func (w *Writer) run() {
	defer close(w.stopped)
	for op := range w.queue {
		op.result <- w.apply(op)
	}
}

func (w *Writer) apply(op write) error {
	// Caller already gone.
	if err := op.ctx.Err(); err != nil {
		return err
	}
	tx, err := w.db.BeginTx(op.ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	if err := op.fn(op.ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write: %w", err)
	}
	return nil
}
