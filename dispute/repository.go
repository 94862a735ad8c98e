package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowdesk/apperr"
	"escrowdesk/db"
	"escrowdesk/pagination"
)

var (
	ErrNotFound           = apperr.New(apperr.KindNotFound, "dispute: not found")
	ErrForbidden          = apperr.New(apperr.KindForbidden, "dispute: forbidden")
	ErrBadStatus          = apperr.New(apperr.KindConflict, "dispute: invalid status transition")
	ErrAlreadyOpen        = apperr.New(apperr.KindConflict, "dispute: transaction already has an active dispute")
	ErrReasonRequired     = apperr.Validation("dispute: reason is required", map[string]string{"reason": "required"})
	ErrResolutionRequired = apperr.Validation("dispute: resolution is required", map[string]string{"resolution": "required"})
)

const activePerTransactionIndex = "disputes_one_active_per_transaction"

// Repository handles dispute persistence. Methods taking a Querier run on
// whatever the caller passes, usually an open transaction.
type Repository interface {
	Insert(ctx context.Context, q db.Querier, d Dispute) (Dispute, error)
	GetForUpdate(ctx context.Context, q db.Querier, id int64) (Dispute, error)
	Update(ctx context.Context, q db.Querier, d Dispute) (Dispute, error)
	Get(ctx context.Context, id int64) (Dispute, error)
	List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[Dispute], error)
	All(ctx context.Context, f Filter) ([]Dispute, error)
	Counts(ctx context.Context) (Counts, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{q: q}
}

const selectDispute = `
	SELECT d.id, d.case_id, COALESCE(d.transaction_id, 0), COALESCE(d.listing_id, 0),
	       d.buyer_id, d.seller_id, COALESCE(b.name, ''), COALESCE(s.name, ''),
	       d.reason, d.amount, d.status, d.priority, COALESCE(d.resolution, ''),
	       d.resolved_by, d.created_at, d.updated_at, d.resolved_at
	FROM disputes d
	LEFT JOIN users b ON b.id = d.buyer_id
	LEFT JOIN users s ON s.id = d.seller_id`

const orderDisputes = ` ORDER BY CASE d.priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, d.created_at DESC, d.id DESC`

func (r *PGRepository) Insert(ctx context.Context, q db.Querier, d Dispute) (Dispute, error) {
	const insertSQL = `
		INSERT INTO disputes (case_id, transaction_id, listing_id, buyer_id, seller_id, reason, amount, status, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id`

	err := q.QueryRow(ctx, insertSQL,
		d.CaseID, db.NullID(d.TransactionID), db.NullID(d.ListingID), d.BuyerID, d.SellerID,
		d.Reason, d.Amount, d.Status, d.Priority, d.CreatedAt,
	).Scan(&d.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activePerTransactionIndex {
			return Dispute{}, ErrAlreadyOpen
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	d.UpdatedAt = d.CreatedAt
	return d, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, q db.Querier, id int64) (Dispute, error) {
	d, err := scanDispute(q.QueryRow(ctx, selectDispute+` WHERE d.id = $1 FOR UPDATE OF d`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: lock: %w", err)
	}
	return d, nil
}

func (r *PGRepository) Update(ctx context.Context, q db.Querier, d Dispute) (Dispute, error) {
	const updateSQL = `
		UPDATE disputes
		SET status = $2, priority = $3, resolution = $4, resolved_by = $5, resolved_at = $6, updated_at = $7
		WHERE id = $1`

	tag, err := q.Exec(ctx, updateSQL, d.ID, d.Status, d.Priority, db.NullString(d.Resolution), d.ResolvedBy, d.ResolvedAt, d.UpdatedAt)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Dispute{}, ErrNotFound
	}
	return d, nil
}

func (r *PGRepository) Get(ctx context.Context, id int64) (Dispute, error) {
	d, err := scanDispute(r.q.QueryRow(ctx, selectDispute+` WHERE d.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *PGRepository) List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[Dispute], error) {
	w := f.where()
	countSQL := `SELECT COUNT(*) FROM disputes d LEFT JOIN users b ON b.id = d.buyer_id LEFT JOIN users s ON s.id = d.seller_id` + w.SQL()

	page, err := pagination.Fetch(ctx, r.q, selectDispute+w.SQL()+orderDisputes, countSQL, w.Args(), params, scanDispute)
	if err != nil {
		return pagination.Page[Dispute]{}, fmt.Errorf("dispute: list: %w", err)
	}
	return page, nil
}

func (r *PGRepository) All(ctx context.Context, f Filter) ([]Dispute, error) {
	w := f.where()
	out, err := pagination.All(ctx, r.q, selectDispute+w.SQL()+orderDisputes, w.Args(), scanDispute)
	if err != nil {
		return nil, fmt.Errorf("dispute: all: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Counts(ctx context.Context) (Counts, error) {
	const countsSQL = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'open'),
			COUNT(*) FILTER (WHERE status = 'under_review'),
			COUNT(*) FILTER (WHERE status = 'resolved'),
			COUNT(*) FILTER (WHERE status = 'escalated')
		FROM disputes`

	var c Counts
	if err := r.q.QueryRow(ctx, countsSQL).Scan(&c.Open, &c.UnderReview, &c.Resolved, &c.Escalated); err != nil {
		return Counts{}, fmt.Errorf("dispute: counts: %w", err)
	}
	return c, nil
}

func (f Filter) where() *db.Filter {
	w := &db.Filter{}
	w.WhereIf(f.Status != "", "d.status = ?", f.Status)
	w.WhereIf(f.Priority != "", "d.priority = ?", f.Priority)
	w.WhereIf(f.ParticipantID != 0, "(d.buyer_id = ? OR d.seller_id = ?)", f.ParticipantID, f.ParticipantID)
	w.WhereIf(f.TransactionID != 0, "d.transaction_id = ?", f.TransactionID)
	if s := strings.TrimSpace(f.Search); s != "" {
		like := db.Contains(s)
		w.Where("(d.case_id ILIKE ? OR d.reason ILIKE ? OR b.name ILIKE ? OR s.name ILIKE ?)", like, like, like, like)
	}
	return w
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID,
		&d.CaseID,
		&d.TransactionID,
		&d.ListingID,
		&d.BuyerID,
		&d.SellerID,
		&d.BuyerName,
		&d.SellerName,
		&d.Reason,
		&d.Amount,
		&d.Status,
		&d.Priority,
		&d.Resolution,
		&d.ResolvedBy,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.ResolvedAt,
	)
	if err != nil {
		return Dispute{}, err
	}
	return d, nil
}
