// Package audit writes and reads the append-only logs table.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowdesk/db"
	"escrowdesk/pagination"
)

type Action string

const (
	ActionLogin                Action = "login"
	ActionCredentialsSubmitted Action = "credentials_submitted"
	ActionCredentialsViewed    Action = "credentials_viewed"
	ActionCredentialsConfirmed Action = "credentials_confirmed"
	ActionCredentialIssue      Action = "credentials_issue_reported"
	ActionPaymentReleased      Action = "payment_released"
	ActionPaymentRefunded      Action = "payment_refunded"
	ActionDeadlineOverdue      Action = "deadline_overdue"
	ActionDisputeOpened        Action = "dispute_opened"
	ActionDisputeReviewed      Action = "dispute_under_review"
	ActionDisputeResolved      Action = "dispute_resolved"
	ActionDisputeEscalated     Action = "dispute_escalated"
	ActionOfferAccepted        Action = "offer_accepted"
	ActionListingStatusChanged Action = "listing_status_changed"
	ActionSettingsUpdated      Action = "settings_updated"
	ActionTicketStatusChanged  Action = "ticket_status_changed"
)

// Entry is one row of the logs table. Zero UserID or TransactionID are
// stored as NULL.
type Entry struct {
	ID            int64
	UserID        int64
	TransactionID int64
	Action        Action
	Details       map[string]any
	IP            string
	CreatedAt     time.Time
}

// Append inserts e using q, which may be a pool or an open transaction.
func Append(ctx context.Context, q db.Querier, e Entry) (int64, error) {
	if strings.TrimSpace(string(e.Action)) == "" {
		return 0, fmt.Errorf("audit: append: empty action")
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}

	const insertSQL = `
		INSERT INTO logs (user_id, transaction_id, action, details, ip)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id int64
	if err := q.QueryRow(ctx, insertSQL, db.NullID(e.UserID), db.NullID(e.TransactionID), e.Action, details, e.IP).Scan(&id); err != nil {
		return 0, fmt.Errorf("audit: append %s: %w", e.Action, err)
	}
	return id, nil
}

// Filter narrows a log listing. Zero values are ignored.
type Filter struct {
	UserID        int64
	TransactionID int64
	Action        Action
	Since         time.Time
	Search        string
}

func (f Filter) where() *db.Filter {
	w := &db.Filter{}
	w.WhereIf(f.UserID != 0, "l.user_id = ?", f.UserID)
	w.WhereIf(f.TransactionID != 0, "l.transaction_id = ?", f.TransactionID)
	w.WhereIf(f.Action != "", "l.action = ?", f.Action)
	w.WhereIf(!f.Since.IsZero(), "l.created_at >= ?", f.Since)
	if s := strings.TrimSpace(f.Search); s != "" {
		w.Where("(l.action ILIKE ? OR l.details::text ILIKE ?)", db.Contains(s), db.Contains(s))
	}
	return w
}

// Writer appends entries through Append. Services hold it behind an
// interface so tests can record entries without a database.
type Writer struct{}

func (Writer) Append(ctx context.Context, q db.Querier, e Entry) (int64, error) {
	return Append(ctx, q, e)
}

// Repository reads the logs table.
type Repository struct {
	q db.Querier
}

// NewRepository creates a logs reader over q.
func NewRepository(q db.Querier) *Repository {
	return &Repository{q: q}
}

const selectColumns = `SELECT l.id, COALESCE(l.user_id, 0), COALESCE(l.transaction_id, 0), l.action, l.details, l.ip, l.created_at FROM logs l`

// List returns one page of entries, newest first.
func (r *Repository) List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[Entry], error) {
	w := f.where()
	dataSQL := selectColumns + w.SQL() + ` ORDER BY l.created_at DESC, l.id DESC`
	countSQL := `SELECT COUNT(*) FROM logs l` + w.SQL()

	page, err := pagination.Fetch(ctx, r.q, dataSQL, countSQL, w.Args(), params, scanEntry)
	if err != nil {
		return pagination.Page[Entry]{}, fmt.Errorf("audit: list: %w", err)
	}
	return page, nil
}

// All returns every entry matching f in the same order as List.
func (r *Repository) All(ctx context.Context, f Filter) ([]Entry, error) {
	w := f.where()
	dataSQL := selectColumns + w.SQL() + ` ORDER BY l.created_at DESC, l.id DESC`
	entries, err := pagination.All(ctx, r.q, dataSQL, w.Args(), scanEntry)
	if err != nil {
		return nil, fmt.Errorf("audit: all: %w", err)
	}
	return entries, nil
}

// Exists reports whether an entry with action was already written for the
// transaction with details[key] equal to value.
func (r *Repository) Exists(ctx context.Context, transactionID int64, action Action, key, value string) (bool, error) {
	const existsSQL = `
		SELECT EXISTS (
			SELECT 1 FROM logs
			WHERE transaction_id = $1 AND action = $2 AND details->>$3 = $4
		)`
	var ok bool
	if err := r.q.QueryRow(ctx, existsSQL, transactionID, action, key, value).Scan(&ok); err != nil {
		return false, fmt.Errorf("audit: exists: %w", err)
	}
	return ok, nil
}

// LatestAt returns the newest created_at among entries for userID, or the
// zero time.
func (r *Repository) LatestAt(ctx context.Context, userID int64) (time.Time, error) {
	var at *time.Time
	if err := r.q.QueryRow(ctx, `SELECT MAX(created_at) FROM logs WHERE user_id = $1`, userID).Scan(&at); err != nil {
		return time.Time{}, fmt.Errorf("audit: latest: %w", err)
	}
	if at == nil {
		return time.Time{}, nil
	}
	return *at, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.UserID, &e.TransactionID, &e.Action, &e.Details, &e.IP, &e.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	return e, nil
}
