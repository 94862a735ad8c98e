package escrow

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
	ErrNotFound            = apperr.New(apperr.KindNotFound, "escrow: transaction not found")
	ErrForbidden           = apperr.New(apperr.KindForbidden, "escrow: not a party to this transaction")
	ErrCredentialsExist    = apperr.New(apperr.KindConflict, "escrow: credentials already submitted")
	ErrAwaitingCredentials = apperr.New(apperr.KindNotFound, "escrow: credentials have not been submitted yet")
)

// Repository handles data access for transactions and their credentials.
// Methods taking a Querier run on the caller's transaction.
type Repository interface {
	Create(ctx context.Context, q db.Querier, params CreateParams, key string, now time.Time) (Transaction, error)
	GetForUpdate(ctx context.Context, q db.Querier, id int64) (Transaction, error)
	Update(ctx context.Context, q db.Querier, t Transaction) error
	InsertCredentials(ctx context.Context, q db.Querier, transactionID int64, data []byte, now time.Time) (Credentials, error)

	Get(ctx context.Context, id int64) (Transaction, error)
	Credentials(ctx context.Context, transactionID int64) (Credentials, error)
	HasCredentials(ctx context.Context, transactionID int64) (bool, error)
	List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[Transaction], error)
	All(ctx context.Context, f Filter) ([]Transaction, error)
	ListOverdue(ctx context.Context, now time.Time, w Windows) ([]OverdueTransaction, error)
	LatestUpdate(ctx context.Context, f Filter) (time.Time, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{q: q}
}

const selectTransaction = `
	SELECT t.id, t.buyer_id, t.seller_id, t.listing_id, COALESCE(t.offer_id, 0),
	       COALESCE(l.title, ''), COALESCE(b.name, ''), COALESCE(s.name, ''),
	       t.amount, t.status, t.transfer_status, COALESCE(t.encryption_key, ''),
	       t.credentials_submitted_at, t.verified_at, t.disputed_at, t.created_at, t.updated_at
	FROM transactions t
	LEFT JOIN listings l ON l.id = t.listing_id
	LEFT JOIN users b ON b.id = t.buyer_id
	LEFT JOIN users s ON s.id = t.seller_id`

const fromTransactions = `
	FROM transactions t
	LEFT JOIN listings l ON l.id = t.listing_id
	LEFT JOIN users b ON b.id = t.buyer_id
	LEFT JOIN users s ON s.id = t.seller_id`

const orderTransactions = ` ORDER BY t.created_at DESC, t.id DESC`

func (r *PGRepository) Create(ctx context.Context, q db.Querier, params CreateParams, key string, now time.Time) (Transaction, error) {
	const insertSQL = `
		INSERT INTO transactions (buyer_id, seller_id, listing_id, offer_id, amount, status, transfer_status, encryption_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'completed', 'paid', $6, $7, $7)
		RETURNING id`

	var id int64
	err := q.QueryRow(ctx, insertSQL, params.BuyerID, params.SellerID, params.ListingID, db.NullID(params.OfferID), params.Amount, key, now).Scan(&id)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return Transaction{}, apperr.Wrap(apperr.KindValidation, "escrow: unknown buyer, seller or listing", err)
		}
		return Transaction{}, fmt.Errorf("escrow: create: %w", err)
	}
	return r.GetForUpdate(ctx, q, id)
}

func (r *PGRepository) GetForUpdate(ctx context.Context, q db.Querier, id int64) (Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx, selectTransaction+` WHERE t.id = $1 FOR UPDATE OF t`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: lock transaction: %w", err)
	}
	return t, nil
}

func (r *PGRepository) Update(ctx context.Context, q db.Querier, t Transaction) error {
	const updateSQL = `
		UPDATE transactions
		SET status = $2,
		    transfer_status = $3,
		    encryption_key = $4,
		    credentials_submitted_at = $5,
		    verified_at = $6,
		    disputed_at = $7,
		    updated_at = $8
		WHERE id = $1`

	tag, err := q.Exec(ctx, updateSQL, t.ID, t.Status, t.TransferStatus, db.NullString(t.EncryptionKey),
		t.CredentialsSubmittedAt, t.VerifiedAt, t.DisputedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("escrow: update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) InsertCredentials(ctx context.Context, q db.Querier, transactionID int64, data []byte, now time.Time) (Credentials, error) {
	const insertSQL = `
		INSERT INTO listing_credentials (transaction_id, credentials_data, created_at)
		VALUES ($1, $2, $3)
		RETURNING id`

	c := Credentials{TransactionID: transactionID, Data: data, CreatedAt: now}
	if err := q.QueryRow(ctx, insertSQL, transactionID, data, now).Scan(&c.ID); err != nil {
		if db.IsUniqueViolation(err) {
			return Credentials{}, ErrCredentialsExist
		}
		return Credentials{}, fmt.Errorf("escrow: insert credentials: %w", err)
	}
	return c, nil
}

func (r *PGRepository) Get(ctx context.Context, id int64) (Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, selectTransaction+` WHERE t.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: get transaction: %w", err)
	}
	return t, nil
}

func (r *PGRepository) Credentials(ctx context.Context, transactionID int64) (Credentials, error) {
	const selectSQL = `
		SELECT id, transaction_id, credentials_data, created_at
		FROM listing_credentials
		WHERE transaction_id = $1`

	var c Credentials
	err := r.q.QueryRow(ctx, selectSQL, transactionID).Scan(&c.ID, &c.TransactionID, &c.Data, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credentials{}, ErrAwaitingCredentials
		}
		return Credentials{}, fmt.Errorf("escrow: get credentials: %w", err)
	}
	return c, nil
}

func (r *PGRepository) HasCredentials(ctx context.Context, transactionID int64) (bool, error) {
	var ok bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listing_credentials WHERE transaction_id = $1)`, transactionID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("escrow: has credentials: %w", err)
	}
	return ok, nil
}

func (r *PGRepository) List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[Transaction], error) {
	w := f.where()
	page, err := pagination.Fetch(ctx, r.q,
		selectTransaction+w.SQL()+orderTransactions,
		`SELECT COUNT(*)`+fromTransactions+w.SQL(),
		w.Args(), params, scanTransaction)
	if err != nil {
		return pagination.Page[Transaction]{}, fmt.Errorf("escrow: list: %w", err)
	}
	return page, nil
}

func (r *PGRepository) All(ctx context.Context, f Filter) ([]Transaction, error) {
	w := f.where()
	out, err := pagination.All(ctx, r.q, selectTransaction+w.SQL()+orderTransactions, w.Args(), scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("escrow: all: %w", err)
	}
	return out, nil
}

// ListOverdue returns held transactions whose seller or buyer deadline passed
// before now, oldest deadline first.
func (r *PGRepository) ListOverdue(ctx context.Context, now time.Time, w Windows) ([]OverdueTransaction, error) {
	w = w.withDefaults()

	sellerLate, err := pagination.All(ctx, r.q,
		selectTransaction+` WHERE t.transfer_status = 'paid' AND t.status = 'completed' AND t.created_at < $1 ORDER BY t.created_at, t.id`,
		[]any{now.Add(-w.SellerSubmit)}, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("escrow: overdue submissions: %w", err)
	}
	buyerLate, err := pagination.All(ctx, r.q,
		selectTransaction+` WHERE t.transfer_status = 'credentials_submitted' AND t.status = 'completed' AND t.credentials_submitted_at < $1 ORDER BY t.credentials_submitted_at, t.id`,
		[]any{now.Add(-w.BuyerVerify)}, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("escrow: overdue verifications: %w", err)
	}

	out := make([]OverdueTransaction, 0, len(sellerLate)+len(buyerLate))
	for _, t := range sellerLate {
		out = append(out, OverdueTransaction{Transaction: t, Phase: PhaseSellerSubmit, DueAt: ComputeDeadlines(t, w).SubmitBy})
	}
	for _, t := range buyerLate {
		out = append(out, OverdueTransaction{Transaction: t, Phase: PhaseBuyerVerify, DueAt: *ComputeDeadlines(t, w).VerifyBy})
	}
	return out, nil
}

func (r *PGRepository) LatestUpdate(ctx context.Context, f Filter) (time.Time, error) {
	var at *time.Time
	w := f.where()
	err := r.q.QueryRow(ctx, `SELECT MAX(t.updated_at)`+fromTransactions+w.SQL(), w.Args()...).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("escrow: latest update: %w", err)
	}
	if at == nil {
		return time.Time{}, nil
	}
	return *at, nil
}

func (f Filter) where() *db.Filter {
	w := &db.Filter{}
	w.WhereIf(f.TransferStatus != "", "t.transfer_status = ?", f.TransferStatus)
	w.WhereIf(f.Status != "", "t.status = ?", f.Status)
	w.WhereIf(f.BuyerID != 0, "t.buyer_id = ?", f.BuyerID)
	w.WhereIf(f.SellerID != 0, "t.seller_id = ?", f.SellerID)
	w.WhereIf(f.ParticipantID != 0, "(t.buyer_id = ? OR t.seller_id = ?)", f.ParticipantID, f.ParticipantID)
	if s := strings.TrimSpace(f.Search); s != "" {
		like := db.Contains(s)
		w.Where("(l.title ILIKE ? OR b.name ILIKE ? OR s.name ILIKE ?)", like, like, like)
	}
	return w
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID,
		&t.BuyerID,
		&t.SellerID,
		&t.ListingID,
		&t.OfferID,
		&t.ListingTitle,
		&t.BuyerName,
		&t.SellerName,
		&t.Amount,
		&t.Status,
		&t.TransferStatus,
		&t.EncryptionKey,
		&t.CredentialsSubmittedAt,
		&t.VerifiedAt,
		&t.DisputedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	return t, nil
}
