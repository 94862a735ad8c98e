package listing

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
	ErrNotFound         = apperr.New(apperr.KindNotFound, "listing: not found")
	ErrForbidden        = apperr.New(apperr.KindForbidden, "listing: forbidden")
	ErrCategoryNotFound = apperr.New(apperr.KindNotFound, "listing: category not found")
	ErrLabelNotFound    = apperr.New(apperr.KindNotFound, "listing: label not found")
	ErrQuestionNotFound = apperr.New(apperr.KindNotFound, "listing: question not found")
	ErrDuplicateSlug    = apperr.New(apperr.KindConflict, "listing: category slug already exists")
	ErrDuplicateLabel   = apperr.New(apperr.KindConflict, "listing: label already exists")
	ErrAlreadyAnswered  = apperr.New(apperr.KindConflict, "listing: question already answered")
)

// Repository handles listing, category, label and question persistence.
// Methods taking a Querier run on the caller's transaction.
type Repository interface {
	Insert(ctx context.Context, q db.Querier, l Listing) (Listing, error)
	GetForUpdate(ctx context.Context, q db.Querier, id int64) (Listing, error)
	SetStatus(ctx context.Context, q db.Querier, id int64, status Status, now time.Time) error
	Get(ctx context.Context, id int64) (Listing, error)
	List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[Listing], error)
	All(ctx context.Context, f Filter) ([]Listing, error)
	Counts(ctx context.Context, sellerID int64) (Counts, error)

	ListCategories(ctx context.Context) ([]Category, error)
	InsertCategory(ctx context.Context, c Category) (Category, error)
	DeleteCategory(ctx context.Context, id int64) error

	ListLabels(ctx context.Context) ([]Label, error)
	InsertLabel(ctx context.Context, l Label) (Label, error)
	AttachLabel(ctx context.Context, listingID, labelID int64) error

	InsertQuestion(ctx context.Context, q Question) (Question, error)
	GetQuestionForUpdate(ctx context.Context, q db.Querier, id int64) (Question, int64, error)
	AnswerQuestion(ctx context.Context, q db.Querier, question Question) error
	ListQuestions(ctx context.Context, listingID int64) ([]Question, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{q: q}
}

const selectListing = `
	SELECT l.id, l.seller_id, COALESCE(u.name, ''), l.category_id, COALESCE(c.name, ''),
	       l.title, l.description, l.asset_type, l.price, l.min_offer, l.status,
	       l.created_at, l.updated_at
	FROM listings l
	LEFT JOIN users u ON u.id = l.seller_id
	LEFT JOIN categories c ON c.id = l.category_id`

const fromListings = `
	FROM listings l
	LEFT JOIN users u ON u.id = l.seller_id
	LEFT JOIN categories c ON c.id = l.category_id`

var orderListings = ` ORDER BY ` + orderByStatus("l.status") + `, l.created_at DESC, l.id DESC`

func (r *PGRepository) Insert(ctx context.Context, q db.Querier, l Listing) (Listing, error) {
	const insertSQL = `
		INSERT INTO listings (seller_id, category_id, title, description, asset_type, price, min_offer, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id`

	err := q.QueryRow(ctx, insertSQL,
		l.SellerID, l.CategoryID, l.Title, l.Description, l.AssetType, l.Price, l.MinOffer, l.Status, l.CreatedAt,
	).Scan(&l.ID)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return Listing{}, ErrCategoryNotFound
		}
		return Listing{}, fmt.Errorf("listing: insert: %w", err)
	}
	l.UpdatedAt = l.CreatedAt
	return l, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, q db.Querier, id int64) (Listing, error) {
	l, err := scanListing(q.QueryRow(ctx, selectListing+` WHERE l.id = $1 FOR UPDATE OF l`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: lock: %w", err)
	}
	return l, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, q db.Querier, id int64, status Status, now time.Time) error {
	tag, err := q.Exec(ctx, `UPDATE listings SET status = $2, updated_at = $3 WHERE id = $1`, id, status, now)
	if err != nil {
		return fmt.Errorf("listing: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id int64) (Listing, error) {
	l, err := scanListing(r.q.QueryRow(ctx, selectListing+` WHERE l.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get: %w", err)
	}
	out := []Listing{l}
	if err := r.attachLabels(ctx, out); err != nil {
		return Listing{}, err
	}
	return out[0], nil
}

func (r *PGRepository) List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[Listing], error) {
	w := f.where()
	page, err := pagination.Fetch(ctx, r.q, selectListing+w.SQL()+orderListings, `SELECT COUNT(*)`+fromListings+w.SQL(), w.Args(), params, scanListing)
	if err != nil {
		return pagination.Page[Listing]{}, fmt.Errorf("listing: list: %w", err)
	}
	if err := r.attachLabels(ctx, page.Data); err != nil {
		return pagination.Page[Listing]{}, err
	}
	return page, nil
}

func (r *PGRepository) All(ctx context.Context, f Filter) ([]Listing, error) {
	w := f.where()
	out, err := pagination.All(ctx, r.q, selectListing+w.SQL()+orderListings, w.Args(), scanListing)
	if err != nil {
		return nil, fmt.Errorf("listing: all: %w", err)
	}
	return out, nil
}

// attachLabels loads labels for every listing in ls with one query.
func (r *PGRepository) attachLabels(ctx context.Context, ls []Listing) error {
	if len(ls) == 0 {
		return nil
	}
	ids := make([]int64, len(ls))
	index := make(map[int64]int, len(ls))
	for i, l := range ls {
		ids[i] = l.ID
		index[l.ID] = i
	}

	rows, err := r.q.Query(ctx, `
		SELECT ll.listing_id, lb.id, lb.name, lb.color
		FROM listing_labels ll
		JOIN labels lb ON lb.id = ll.label_id
		WHERE ll.listing_id = ANY($1)
		ORDER BY lb.name`, ids)
	if err != nil {
		return fmt.Errorf("listing: labels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var listingID int64
		var lb Label
		if err := rows.Scan(&listingID, &lb.ID, &lb.Name, &lb.Color); err != nil {
			return fmt.Errorf("listing: scan label: %w", err)
		}
		i := index[listingID]
		ls[i].Labels = append(ls[i].Labels, lb)
	}
	return rows.Err()
}

func (r *PGRepository) Counts(ctx context.Context, sellerID int64) (Counts, error) {
	w := &db.Filter{}
	w.WhereIf(sellerID != 0, "seller_id = ?", sellerID)
	rows, err := r.q.Query(ctx, `SELECT status, COUNT(*) FROM listings`+w.SQL()+` GROUP BY status`, w.Args()...)
	if err != nil {
		return nil, fmt.Errorf("listing: counts: %w", err)
	}
	defer rows.Close()

	c := Counts{}
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("listing: scan counts: %w", err)
		}
		c[s] = n
	}
	return c, rows.Err()
}

func (r *PGRepository) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := r.q.Query(ctx, `SELECT id, name, slug, created_at FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing: categories: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Category, error) {
		var c Category
		err := row.Scan(&c.ID, &c.Name, &c.Slug, &c.CreatedAt)
		return c, err
	})
}

func (r *PGRepository) InsertCategory(ctx context.Context, c Category) (Category, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO categories (name, slug, created_at) VALUES ($1, $2, $3) RETURNING id`,
		c.Name, c.Slug, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Category{}, ErrDuplicateSlug
		}
		return Category{}, fmt.Errorf("listing: insert category: %w", err)
	}
	return c, nil
}

func (r *PGRepository) DeleteCategory(ctx context.Context, id int64) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("listing: delete category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCategoryNotFound
	}
	return nil
}

func (r *PGRepository) ListLabels(ctx context.Context) ([]Label, error) {
	rows, err := r.q.Query(ctx, `SELECT id, name, color FROM labels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing: labels: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Label, error) {
		var l Label
		err := row.Scan(&l.ID, &l.Name, &l.Color)
		return l, err
	})
}

func (r *PGRepository) InsertLabel(ctx context.Context, l Label) (Label, error) {
	err := r.q.QueryRow(ctx, `INSERT INTO labels (name, color) VALUES ($1, $2) RETURNING id`, l.Name, l.Color).Scan(&l.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Label{}, ErrDuplicateLabel
		}
		return Label{}, fmt.Errorf("listing: insert label: %w", err)
	}
	return l, nil
}

func (r *PGRepository) AttachLabel(ctx context.Context, listingID, labelID int64) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO listing_labels (listing_id, label_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, listingID, labelID)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return ErrLabelNotFound
		}
		return fmt.Errorf("listing: attach label: %w", err)
	}
	return nil
}

const selectQuestion = `
	SELECT q.id, q.listing_id, q.user_id, COALESCE(u.name, ''), q.question, COALESCE(q.answer, ''),
	       q.answered_by, q.created_at, q.answered_at
	FROM listing_questions q
	LEFT JOIN users u ON u.id = q.user_id`

func (r *PGRepository) InsertQuestion(ctx context.Context, q Question) (Question, error) {
	err := r.q.QueryRow(ctx, `
		INSERT INTO listing_questions (listing_id, user_id, question, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, q.ListingID, q.UserID, q.Question, q.CreatedAt).Scan(&q.ID)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return Question{}, ErrNotFound
		}
		return Question{}, fmt.Errorf("listing: insert question: %w", err)
	}
	return q, nil
}

// GetQuestionForUpdate locks a question and returns it with the seller of
// its listing.
func (r *PGRepository) GetQuestionForUpdate(ctx context.Context, q db.Querier, id int64) (Question, int64, error) {
	const lockSQL = `
		SELECT q.id, q.listing_id, q.user_id, '', q.question, COALESCE(q.answer, ''),
		       q.answered_by, q.created_at, q.answered_at, l.seller_id
		FROM listing_questions q
		JOIN listings l ON l.id = q.listing_id
		WHERE q.id = $1
		FOR UPDATE OF q`

	var question Question
	var sellerID int64
	err := q.QueryRow(ctx, lockSQL, id).Scan(
		&question.ID, &question.ListingID, &question.UserID, &question.AskerName, &question.Question,
		&question.Answer, &question.AnsweredBy, &question.CreatedAt, &question.AnsweredAt, &sellerID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Question{}, 0, ErrQuestionNotFound
		}
		return Question{}, 0, fmt.Errorf("listing: lock question: %w", err)
	}
	return question, sellerID, nil
}

func (r *PGRepository) AnswerQuestion(ctx context.Context, q db.Querier, question Question) error {
	_, err := q.Exec(ctx, `
		UPDATE listing_questions SET answer = $2, answered_by = $3, answered_at = $4
		WHERE id = $1`, question.ID, question.Answer, question.AnsweredBy, question.AnsweredAt)
	if err != nil {
		return fmt.Errorf("listing: answer question: %w", err)
	}
	return nil
}

func (r *PGRepository) ListQuestions(ctx context.Context, listingID int64) ([]Question, error) {
	rows, err := r.q.Query(ctx, selectQuestion+` WHERE q.listing_id = $1 ORDER BY q.created_at ASC, q.id ASC`, listingID)
	if err != nil {
		return nil, fmt.Errorf("listing: questions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Question, error) {
		var q Question
		err := row.Scan(&q.ID, &q.ListingID, &q.UserID, &q.AskerName, &q.Question, &q.Answer,
			&q.AnsweredBy, &q.CreatedAt, &q.AnsweredAt)
		return q, err
	})
}

func (f Filter) where() *db.Filter {
	w := &db.Filter{}
	w.WhereIf(f.Status != "", "l.status = ?", f.Status)
	w.WhereIf(f.SellerID != 0, "l.seller_id = ?", f.SellerID)
	w.WhereIf(f.CategoryID != 0, "l.category_id = ?", f.CategoryID)
	w.WhereIf(f.AssetType != "", "l.asset_type = ?", f.AssetType)
	w.WhereIf(f.LabelID != 0, "EXISTS (SELECT 1 FROM listing_labels ll WHERE ll.listing_id = l.id AND ll.label_id = ?)", f.LabelID)
	if s := strings.TrimSpace(f.Search); s != "" {
		like := db.Contains(s)
		w.Where("(l.title ILIKE ? OR l.description ILIKE ? OR u.name ILIKE ?)", like, like, like)
	}
	return w
}

func scanListing(row pgx.Row) (Listing, error) {
	var l Listing
	err := row.Scan(
		&l.ID,
		&l.SellerID,
		&l.SellerName,
		&l.CategoryID,
		&l.CategoryName,
		&l.Title,
		&l.Description,
		&l.AssetType,
		&l.Price,
		&l.MinOffer,
		&l.Status,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return Listing{}, err
	}
	return l, nil
}
