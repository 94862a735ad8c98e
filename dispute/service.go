package dispute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowdesk/apperr"
	"escrowdesk/audit"
	"escrowdesk/auth"
	"escrowdesk/db"
	"escrowdesk/pagination"
)

// Auditor appends log entries on the caller's querier.
type Auditor interface {
	Append(ctx context.Context, q db.Querier, e audit.Entry) (int64, error)
}

// Settler applies the money side of a resolution to the disputed
// transaction inside the same database transaction.
type Settler interface {
	Settle(ctx context.Context, q db.Querier, transactionID int64, outcome Outcome) error
}

type Service struct {
	pool    db.TxBeginner
	repo    Repository
	audit   Auditor
	settler Settler
	now     func() time.Time
	newCase func() string
}

func NewService(pool db.TxBeginner, repo Repository, auditor Auditor) *Service {
	if auditor == nil {
		auditor = audit.Writer{}
	}
	return &Service{
		pool:    pool,
		repo:    repo,
		audit:   auditor,
		now:     func() time.Time { return time.Now().UTC() },
		newCase: newCaseID,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithCaseIDGenerator overrides case id generation.
func (s *Service) WithCaseIDGenerator(gen func() string) *Service {
	if gen != nil {
		s.newCase = gen
	}
	return s
}

// WithSettler attaches the hook used for refund/release outcomes.
func (s *Service) WithSettler(settler Settler) *Service {
	s.settler = settler
	return s
}

func newCaseID() string {
	return "DSP-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Open inserts a dispute on q. It is used inside the escrow report-issue
// transaction as well as by the support flow.
func (s *Service) Open(ctx context.Context, q db.Querier, params OpenParams) (Dispute, error) {
	reason := strings.TrimSpace(params.Reason)
	if reason == "" {
		return Dispute{}, ErrReasonRequired
	}
	if params.BuyerID == 0 || params.SellerID == 0 {
		return Dispute{}, fmt.Errorf("dispute: open: buyer and seller are required")
	}
	priority := params.Priority
	if priority == "" {
		priority = PriorityFor(params.Amount)
	}

	d, err := s.repo.Insert(ctx, q, Dispute{
		CaseID:        s.newCase(),
		TransactionID: params.TransactionID,
		ListingID:     params.ListingID,
		BuyerID:       params.BuyerID,
		SellerID:      params.SellerID,
		Reason:        reason,
		Amount:        params.Amount,
		Status:        StatusOpen,
		Priority:      priority,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return Dispute{}, err
	}

	if _, err := s.audit.Append(ctx, q, audit.Entry{
		UserID:        params.OpenedBy,
		TransactionID: params.TransactionID,
		Action:        audit.ActionDisputeOpened,
		Details:       map[string]any{"case_id": d.CaseID, "priority": string(d.Priority)},
	}); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// OpenStandalone opens a dispute from the support flow in its own transaction.
func (s *Service) OpenStandalone(ctx context.Context, p auth.Principal, params OpenParams) (Dispute, error) {
	if err := auth.RequireRole(p, auth.RoleAdmin, auth.RoleSupport); err != nil {
		return Dispute{}, err
	}
	params.OpenedBy = p.UserID

	var out Dispute
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		d, err := s.Open(ctx, tx, params)
		out = d
		return err
	})
	return out, err
}

// Get returns a dispute visible to p.
func (s *Service) Get(ctx context.Context, p auth.Principal, id int64) (Dispute, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if !p.IsStaff() && d.BuyerID != p.UserID && d.SellerID != p.UserID {
		return Dispute{}, ErrForbidden
	}
	return d, nil
}

// List returns a page of disputes. Non-staff callers only see their own.
func (s *Service) List(ctx context.Context, p auth.Principal, f Filter, params pagination.Params) (pagination.Page[Dispute], error) {
	if !p.IsStaff() {
		f.ParticipantID = p.UserID
	}
	return s.repo.List(ctx, f, params)
}

// Export returns every dispute List would show for f.
func (s *Service) Export(ctx context.Context, p auth.Principal, f Filter) ([]Dispute, error) {
	if !p.IsStaff() {
		f.ParticipantID = p.UserID
	}
	return s.repo.All(ctx, f)
}

func (s *Service) Counts(ctx context.Context) (Counts, error) {
	return s.repo.Counts(ctx)
}

// Review moves an open dispute under review.
func (s *Service) Review(ctx context.Context, p auth.Principal, id int64) (Dispute, error) {
	return s.mutate(ctx, p, id, audit.ActionDisputeReviewed, OutcomeNone, func(d *Dispute) error {
		if d.Status != StatusOpen {
			return ErrBadStatus
		}
		d.Status = StatusUnderReview
		return nil
	})
}

// Resolve closes an active dispute with a resolution and optional outcome.
func (s *Service) Resolve(ctx context.Context, p auth.Principal, id int64, resolution string, outcome Outcome) (Dispute, error) {
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return Dispute{}, ErrResolutionRequired
	}
	if outcome != OutcomeNone && outcome != OutcomeRefund && outcome != OutcomeRelease {
		return Dispute{}, apperr.Validation(fmt.Sprintf("dispute: unknown outcome %q", outcome), map[string]string{"outcome": "unknown outcome"})
	}

	return s.mutate(ctx, p, id, audit.ActionDisputeResolved, outcome, func(d *Dispute) error {
		if !d.Status.Active() {
			return ErrBadStatus
		}
		d.Status = StatusResolved
		d.Resolution = resolution
		return nil
	})
}

// Escalate hands an active dispute to a higher tier.
func (s *Service) Escalate(ctx context.Context, p auth.Principal, id int64, note string) (Dispute, error) {
	return s.mutate(ctx, p, id, audit.ActionDisputeEscalated, OutcomeNone, func(d *Dispute) error {
		if !d.Status.Active() {
			return ErrBadStatus
		}
		d.Status = StatusEscalated
		d.Resolution = strings.TrimSpace(note)
		if d.Priority.Rank() > PriorityHigh.Rank() {
			d.Priority = PriorityHigh
		}
		return nil
	})
}

// SetPriority changes the priority of an active dispute.
func (s *Service) SetPriority(ctx context.Context, p auth.Principal, id int64, priority Priority) (Dispute, error) {
	if _, err := ParsePriority(string(priority)); err != nil {
		return Dispute{}, err
	}
	return s.mutate(ctx, p, id, "", OutcomeNone, func(d *Dispute) error {
		if !d.Status.Active() {
			return ErrBadStatus
		}
		d.Priority = priority
		return nil
	})
}

// mutate locks the dispute, runs apply, persists the result, settles the
// transaction for a non-empty outcome and logs the status change.
func (s *Service) mutate(ctx context.Context, p auth.Principal, id int64, action audit.Action, outcome Outcome, apply func(*Dispute) error) (Dispute, error) {
	if err := auth.RequireRole(p, auth.RoleAdmin, auth.RoleSupport); err != nil {
		return Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Dispute{}, err
	}
	from := d.Status

	if err := apply(&d); err != nil {
		return Dispute{}, err
	}

	now := s.now()
	d.UpdatedAt = now
	if d.Status.Terminal() && !from.Terminal() {
		actor := p.UserID
		d.ResolvedBy = &actor
		d.ResolvedAt = &now
	}

	if d, err = s.repo.Update(ctx, tx, d); err != nil {
		return Dispute{}, err
	}

	if outcome != OutcomeNone && d.TransactionID != 0 && s.settler != nil {
		if err := s.settler.Settle(ctx, tx, d.TransactionID, outcome); err != nil {
			return Dispute{}, err
		}
	}

	if action != "" && d.Status != from {
		details := map[string]any{"case_id": d.CaseID, "from": string(from), "to": string(d.Status)}
		if outcome != OutcomeNone {
			details["outcome"] = string(outcome)
		}
		if _, err := s.audit.Append(ctx, tx, audit.Entry{
			UserID:        p.UserID,
			TransactionID: d.TransactionID,
			Action:        action,
			Details:       details,
		}); err != nil {
			return Dispute{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	return d, nil
}
