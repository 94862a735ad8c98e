package offer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowdesk/apperr"
	"escrowdesk/db"
	"escrowdesk/pagination"
)

var (
	ErrNotFound        = apperr.New(apperr.KindNotFound, "offer: not found")
	ErrListingNotFound = apperr.New(apperr.KindNotFound, "offer: listing not found")
	ErrForbidden       = apperr.New(apperr.KindForbidden, "offer: forbidden")
	ErrNotPending      = apperr.New(apperr.KindConflict, "offer: offer is no longer pending")
	ErrListingInactive = apperr.New(apperr.KindConflict, "offer: listing is not accepting offers")
)

// Repository handles offer persistence.
type Repository interface {
	ListingTerms(ctx context.Context, q db.Querier, listingID int64, lock bool) (ListingTerms, error)
	Insert(ctx context.Context, q db.Querier, o Offer) (Offer, error)
	GetForUpdate(ctx context.Context, q db.Querier, id int64) (Offer, error)
	SetStatus(ctx context.Context, q db.Querier, id int64, status Status, now time.Time) error
	RejectPending(ctx context.Context, q db.Querier, listingID, exceptID int64, now time.Time) (int64, error)

	Get(ctx context.Context, id int64) (Offer, error)
	List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[Offer], error)
	All(ctx context.Context, f Filter) ([]Offer, error)
	Highest(ctx context.Context, listingID int64) (Highest, error)
	CountPending(ctx context.Context, f Filter) (int, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{q: q}
}

const selectOffer = `
	SELECT o.id, o.listing_id, COALESCE(l.title, ''), o.user_id, COALESCE(u.name, ''), o.seller_id,
	       o.amount, o.message, o.status, o.created_at, o.updated_at
	FROM offers o
	LEFT JOIN listings l ON l.id = o.listing_id
	LEFT JOIN users u ON u.id = o.user_id`

const fromOffers = `
	FROM offers o
	LEFT JOIN listings l ON l.id = o.listing_id
	LEFT JOIN users u ON u.id = o.user_id`

const orderOffers = ` ORDER BY o.created_at DESC, o.id DESC`

func (r *PGRepository) ListingTerms(ctx context.Context, q db.Querier, listingID int64, lock bool) (ListingTerms, error) {
	query := `SELECT id, seller_id, status, price, min_offer FROM listings WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var t ListingTerms
	if err := q.QueryRow(ctx, query, listingID).Scan(&t.ID, &t.SellerID, &t.Status, &t.Price, &t.MinOffer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ListingTerms{}, ErrListingNotFound
		}
		return ListingTerms{}, fmt.Errorf("offer: listing terms: %w", err)
	}
	return t, nil
}

func (r *PGRepository) Insert(ctx context.Context, q db.Querier, o Offer) (Offer, error) {
	const insertSQL = `
		INSERT INTO offers (listing_id, user_id, seller_id, amount, message, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id`

	if err := q.QueryRow(ctx, insertSQL, o.ListingID, o.BuyerID, o.SellerID, o.Amount, o.Message, o.Status, o.CreatedAt).Scan(&o.ID); err != nil {
		return Offer{}, fmt.Errorf("offer: insert: %w", err)
	}
	o.UpdatedAt = o.CreatedAt
	return o, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, q db.Querier, id int64) (Offer, error) {
	o, err := scanOffer(q.QueryRow(ctx, selectOffer+` WHERE o.id = $1 FOR UPDATE OF o`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: lock: %w", err)
	}
	return o, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, q db.Querier, id int64, status Status, now time.Time) error {
	tag, err := q.Exec(ctx, `UPDATE offers SET status = $2, updated_at = $3 WHERE id = $1`, id, status, now)
	if err != nil {
		return fmt.Errorf("offer: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) RejectPending(ctx context.Context, q db.Querier, listingID, exceptID int64, now time.Time) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE offers SET status = 'rejected', updated_at = $3
		WHERE listing_id = $1 AND id <> $2 AND status = 'pending'`, listingID, exceptID, now)
	if err != nil {
		return 0, fmt.Errorf("offer: reject pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGRepository) Get(ctx context.Context, id int64) (Offer, error) {
	o, err := scanOffer(r.q.QueryRow(ctx, selectOffer+` WHERE o.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Offer{}, ErrNotFound
		}
		return Offer{}, fmt.Errorf("offer: get: %w", err)
	}
	return o, nil
}

func (r *PGRepository) List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[Offer], error) {
	w := f.where()
	page, err := pagination.Fetch(ctx, r.q, selectOffer+w.SQL()+orderOffers, `SELECT COUNT(*)`+fromOffers+w.SQL(), w.Args(), params, scanOffer)
	if err != nil {
		return pagination.Page[Offer]{}, fmt.Errorf("offer: list: %w", err)
	}
	return page, nil
}

func (r *PGRepository) All(ctx context.Context, f Filter) ([]Offer, error) {
	w := f.where()
	out, err := pagination.All(ctx, r.q, selectOffer+w.SQL()+orderOffers, w.Args(), scanOffer)
	if err != nil {
		return nil, fmt.Errorf("offer: all: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Highest(ctx context.Context, listingID int64) (Highest, error) {
	const highestSQL = `
		SELECT COALESCE(MAX(amount), 0), COUNT(*)
		FROM offers
		WHERE listing_id = $1 AND status IN ('pending', 'accepted')`

	var h Highest
	if err := r.q.QueryRow(ctx, highestSQL, listingID).Scan(&h.Amount, &h.Count); err != nil {
		return Highest{}, fmt.Errorf("offer: highest: %w", err)
	}
	return h, nil
}

func (r *PGRepository) CountPending(ctx context.Context, f Filter) (int, error) {
	f.Status = StatusPending
	w := f.where()
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*)`+fromOffers+w.SQL(), w.Args()...).Scan(&n); err != nil {
		return 0, fmt.Errorf("offer: count pending: %w", err)
	}
	return n, nil
}

func (f Filter) where() *db.Filter {
	w := &db.Filter{}
	w.WhereIf(f.ListingID != 0, "o.listing_id = ?", f.ListingID)
	w.WhereIf(f.BuyerID != 0, "o.user_id = ?", f.BuyerID)
	w.WhereIf(f.SellerID != 0, "o.seller_id = ?", f.SellerID)
	w.WhereIf(f.ParticipantID != 0, "(o.user_id = ? OR o.seller_id = ?)", f.ParticipantID, f.ParticipantID)
	w.WhereIf(f.Status != "", "o.status = ?", f.Status)
	if s := strings.TrimSpace(f.Search); s != "" {
		like := db.Contains(s)
		w.Where("(l.title ILIKE ? OR u.name ILIKE ? OR o.message ILIKE ?)", like, like, like)
	}
	return w
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	err := row.Scan(
		&o.ID,
		&o.ListingID,
		&o.ListingTitle,
		&o.BuyerID,
		&o.BuyerName,
		&o.SellerID,
		&o.Amount,
		&o.Message,
		&o.Status,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return Offer{}, err
	}
	return o, nil
}
