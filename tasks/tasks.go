// Package tasks runs background jobs on asynq. The only job today is the
// escrow deadline sweep, which flags overdue transactions in the audit log
// for staff review. It never moves transfer or payment status.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"escrowdesk/audit"
	"escrowdesk/db"
	"escrowdesk/escrow"
)

const TypeDeadlineSweep = "escrow:deadline_sweep"

// DefaultSweepInterval is used when the configured interval is not positive.
const DefaultSweepInterval = 15 * time.Minute

// OverdueLister returns transactions past a deadline at now.
type OverdueLister interface {
	ListOverdue(ctx context.Context, now time.Time) ([]escrow.OverdueTransaction, error)
}

// FlagChecker reports whether a transaction was already flagged for a phase.
type FlagChecker interface {
	Exists(ctx context.Context, transactionID int64, action audit.Action, key, value string) (bool, error)
}

type Auditor interface {
	Append(ctx context.Context, q db.Querier, e audit.Entry) (int64, error)
}

// Sweeper flags each (transaction, phase) pair once.
type Sweeper struct {
	q       db.Querier
	lister  OverdueLister
	flags   FlagChecker
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time
}

func NewSweeper(q db.Querier, lister OverdueLister, flags FlagChecker, auditor Auditor, logger *slog.Logger) *Sweeper {
	if auditor == nil {
		auditor = audit.Writer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{q: q, lister: lister, flags: flags, auditor: auditor, logger: logger, now: time.Now}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// Sweep writes a deadline_overdue entry for every newly overdue pair and
// returns how many it wrote.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	overdue, err := s.lister.ListOverdue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("tasks: sweep: list: %w", err)
	}

	flagged := 0
	for _, o := range overdue {
		id := o.Transaction.ID
		seen, err := s.flags.Exists(ctx, id, audit.ActionDeadlineOverdue, "phase", string(o.Phase))
		if err != nil {
			return flagged, fmt.Errorf("tasks: sweep: check %d: %w", id, err)
		}
		if seen {
			continue
		}
		_, err = s.auditor.Append(ctx, s.q, audit.Entry{
			TransactionID: id,
			Action:        audit.ActionDeadlineOverdue,
			Details: map[string]any{
				"phase":           string(o.Phase),
				"due_at":          o.DueAt.UTC().Format(time.RFC3339),
				"transfer_status": string(o.Transaction.TransferStatus),
			},
		})
		if db.IsUniqueViolation(err) {
			// Another sweep flagged the pair between Exists and Append.
			continue
		}
		if err != nil {
			return flagged, fmt.Errorf("tasks: sweep: flag %d: %w", id, err)
		}
		flagged++
		s.logger.InfoContext(ctx, "transaction overdue",
			"transaction_id", id, "phase", o.Phase, "due_at", o.DueAt)
	}
	return flagged, nil
}

// HandleDeadlineSweep is the asynq handler for TypeDeadlineSweep.
func (s *Sweeper) HandleDeadlineSweep(ctx context.Context, _ *asynq.Task) error {
	n, err := s.Sweep(ctx)
	if err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "deadline sweep finished", "flagged", n)
	return nil
}

// NewDeadlineSweepTask builds the periodic task. Unique keeps overlapping
// schedulers from queueing the same sweep twice within one interval.
func NewDeadlineSweepTask(interval time.Duration) (*asynq.Task, []asynq.Option) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return asynq.NewTask(TypeDeadlineSweep, nil), []asynq.Option{
		asynq.Unique(interval),
		asynq.MaxRetry(3),
		asynq.Timeout(interval),
	}
}

// CronSpec is the scheduler spec for interval.
func CronSpec(interval time.Duration) string {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return "@every " + interval.String()
}

// NewScheduler registers the deadline sweep on a new asynq scheduler.
func NewScheduler(opt asynq.RedisConnOpt, interval time.Duration, logger *slog.Logger) (*asynq.Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sched := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				logger.Warn("enqueue deadline sweep", "err", err)
			}
		},
	})
	task, opts := NewDeadlineSweepTask(interval)
	if _, err := sched.Register(CronSpec(interval), task, opts...); err != nil {
		return nil, fmt.Errorf("tasks: register sweep: %w", err)
	}
	return sched, nil
}

// NewServer returns an asynq server and a mux with every handler attached.
func NewServer(opt asynq.RedisConnOpt, concurrency int, sweeper *Sweeper, logger *slog.Logger) (*asynq.Server, *asynq.ServeMux) {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{"default": 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.ErrorContext(ctx, "task failed", "type", task.Type(), "err", err)
		}),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDeadlineSweep, sweeper.HandleDeadlineSweep)
	return srv, mux
}
