package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowdesk/audit"
	"escrowdesk/db"
	"escrowdesk/escrow"
)

var sweepNow = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func TestSweep_FlagsEachPhaseOnce(t *testing.T) {
	lister := &fakeLister{overdue: []escrow.OverdueTransaction{
		{Transaction: escrow.Transaction{ID: 1, TransferStatus: escrow.TransferPaid}, Phase: escrow.PhaseSellerSubmit, DueAt: sweepNow.Add(-time.Hour)},
		{Transaction: escrow.Transaction{ID: 2, TransferStatus: escrow.TransferCredentialsSubmitted}, Phase: escrow.PhaseBuyerVerify, DueAt: sweepNow.Add(-time.Minute)},
	}}
	store := &fakeAudit{}
	s := NewSweeper(nil, lister, store, store, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))).
		WithClock(func() time.Time { return sweepNow })

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 || len(store.entries) != 2 {
		t.Fatalf("expected two flags, got n=%d entries=%d", n, len(store.entries))
	}
	if store.entries[0].Action != audit.ActionDeadlineOverdue || store.entries[0].Details["phase"] != "seller_submit" {
		t.Fatalf("unexpected entry %+v", store.entries[0])
	}
	if !lister.at.Equal(sweepNow) {
		t.Fatalf("expected sweep to use the clock, got %v", lister.at)
	}

	n, err = s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 || len(store.entries) != 2 {
		t.Fatalf("expected second sweep to be a no-op, got n=%d entries=%d", n, len(store.entries))
	}
}

func TestSweep_ConcurrentSweepsFlagOnce(t *testing.T) {
	overdue := []escrow.OverdueTransaction{
		{Transaction: escrow.Transaction{ID: 7, TransferStatus: escrow.TransferPaid}, Phase: escrow.PhaseSellerSubmit, DueAt: sweepNow.Add(-time.Hour)},
	}
	store := &uniqueAudit{}
	// Both sweeps pass Exists before either appends.
	store.checked.Add(2)

	var (
		wg      sync.WaitGroup
		flagged [2]int
		errs    [2]error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := NewSweeper(nil, &fakeLister{overdue: overdue}, store, store, nil).
				WithClock(func() time.Time { return sweepNow })
			flagged[i], errs[i] = s.Sweep(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	if got := flagged[0] + flagged[1]; got != 1 {
		t.Fatalf("expected exactly one sweep to flag, got %d", got)
	}
	if n := store.count(7, "seller_submit"); n != 1 {
		t.Fatalf("expected one deadline_overdue row for (7, seller_submit), got %d", n)
	}
}

func TestSweep_ListError(t *testing.T) {
	s := NewSweeper(nil, &fakeLister{err: errors.New("down")}, &fakeAudit{}, nil, nil)
	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatal("expected list failure to surface")
	}
}

func TestHandleDeadlineSweep(t *testing.T) {
	store := &fakeAudit{}
	lister := &fakeLister{overdue: []escrow.OverdueTransaction{
		{Transaction: escrow.Transaction{ID: 9}, Phase: escrow.PhaseBuyerVerify, DueAt: sweepNow},
	}}
	s := NewSweeper(nil, lister, store, store, nil).WithClock(func() time.Time { return sweepNow })

	task, opts := NewDeadlineSweepTask(0)
	if task.Type() != TypeDeadlineSweep || len(opts) == 0 {
		t.Fatalf("unexpected task %s with %d options", task.Type(), len(opts))
	}
	if err := s.HandleDeadlineSweep(context.Background(), asynq.NewTask(TypeDeadlineSweep, nil)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.entries) != 1 || store.entries[0].TransactionID != 9 {
		t.Fatalf("expected transaction 9 flagged, got %+v", store.entries)
	}
}

func TestCronSpec(t *testing.T) {
	if got := CronSpec(0); got != "@every 15m0s" {
		t.Fatalf("unexpected default spec %q", got)
	}
	if got := CronSpec(90 * time.Second); got != "@every 1m30s" {
		t.Fatalf("unexpected spec %q", got)
	}
}

type fakeLister struct {
	overdue []escrow.OverdueTransaction
	err     error
	at      time.Time
}

func (f *fakeLister) ListOverdue(_ context.Context, now time.Time) ([]escrow.OverdueTransaction, error) {
	f.at = now
	return f.overdue, f.err
}

type fakeAudit struct {
	entries []audit.Entry
}

func (f *fakeAudit) Append(_ context.Context, _ db.Querier, e audit.Entry) (int64, error) {
	f.entries = append(f.entries, e)
	return int64(len(f.entries)), nil
}

func (f *fakeAudit) Exists(_ context.Context, transactionID int64, action audit.Action, key, value string) (bool, error) {
	for _, e := range f.entries {
		if e.TransactionID == transactionID && e.Action == action && fmt.Sprint(e.Details[key]) == value {
			return true, nil
		}
	}
	return false, nil
}

// uniqueAudit enforces the (transaction_id, phase) unique index the way
// Postgres does and holds every Exists call until checked is released.
type uniqueAudit struct {
	checked sync.WaitGroup

	mu      sync.Mutex
	entries []audit.Entry
}

func (f *uniqueAudit) Exists(_ context.Context, transactionID int64, action audit.Action, key, value string) (bool, error) {
	f.checked.Done()
	f.checked.Wait()
	return f.count(transactionID, value) > 0, nil
}

func (f *uniqueAudit) Append(_ context.Context, _ db.Querier, e audit.Entry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, prev := range f.entries {
		if prev.TransactionID == e.TransactionID && prev.Details["phase"] == e.Details["phase"] {
			return 0, fmt.Errorf("audit: append %s: %w", e.Action, &pgconn.PgError{Code: "23505"})
		}
	}
	f.entries = append(f.entries, e)
	return int64(len(f.entries)), nil
}

func (f *uniqueAudit) count(transactionID int64, phase string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if e.TransactionID == transactionID && fmt.Sprint(e.Details["phase"]) == phase {
			n++
		}
	}
	return n
}
