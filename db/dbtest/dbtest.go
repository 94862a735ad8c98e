// Package dbtest provides transaction fakes for service tests whose
// repositories ignore the querier they are handed.
package dbtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out a fresh Tx per Begin. Direct queries panic: services under
// test must reach the database through their repository.
type Pool struct {
	mu    sync.Mutex
	Last  *Tx
	Count int
	// BeginErr, when set, is returned by Begin.
	BeginErr error
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	p.Last = &Tx{}
	p.Count++
	return p.Last, nil
}

func (p *Pool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("dbtest: Pool.Exec not implemented")
}

func (p *Pool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("dbtest: Pool.Query not implemented")
}

func (p *Pool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("dbtest: Pool.QueryRow not implemented")
}

// Tx records whether it was committed or rolled back.
type Tx struct {
	Rolled    bool
	Committed bool
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("dbtest: nested transactions are not supported")
}

func (t *Tx) Commit(context.Context) error {
	t.Committed = true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if !t.Committed {
		t.Rolled = true
	}
	return nil
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("dbtest: Tx.CopyFrom not implemented")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("dbtest: Tx.SendBatch not implemented")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("dbtest: Tx.LargeObjects not implemented")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("dbtest: Tx.Prepare not implemented")
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("dbtest: Tx.Exec not implemented")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("dbtest: Tx.Query not implemented")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("dbtest: Tx.QueryRow not implemented")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}
