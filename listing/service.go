package listing

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowdesk/apperr"
	"escrowdesk/audit"
	"escrowdesk/auth"
	"escrowdesk/db"
	"escrowdesk/pagination"
)

const (
	maxTitleLength    = 200
	maxQuestionLength = 1000
)

var (
	slugPattern  = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

// Auditor appends log entries on the caller's querier.
type Auditor interface {
	Append(ctx context.Context, q db.Querier, e audit.Entry) (int64, error)
}

type Service struct {
	pool  db.Pool
	repo  Repository
	audit Auditor
	now   func() time.Time
}

func NewService(pool db.Pool, repo Repository, auditor Auditor) *Service {
	if auditor == nil {
		auditor = audit.Writer{}
	}
	return &Service{
		pool:  pool,
		repo:  repo,
		audit: auditor,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Create stores a new listing for the seller, as a draft or straight into
// review when req.Submit is set.
func (s *Service) Create(ctx context.Context, p auth.Principal, req CreateRequest) (Listing, error) {
	if p.UserID == 0 {
		return Listing{}, auth.ErrUnauthenticated
	}
	title := strings.TrimSpace(req.Title)
	assetType := strings.TrimSpace(req.AssetType)
	if assetType == "" {
		assetType = AssetTypes[0]
	}

	fields := map[string]string{}
	switch {
	case title == "":
		fields["title"] = "required"
	case len(title) > maxTitleLength:
		fields["title"] = fmt.Sprintf("at most %d characters", maxTitleLength)
	}
	if !slices.Contains(AssetTypes, assetType) {
		fields["asset_type"] = "unknown asset type"
	}
	if !req.Price.IsPositive() {
		fields["price"] = "must be greater than zero"
	}
	if req.MinOffer.Valid {
		if !req.MinOffer.Decimal.IsPositive() {
			fields["min_offer"] = "must be greater than zero"
		} else if req.MinOffer.Decimal.GreaterThan(req.Price) {
			fields["min_offer"] = "cannot exceed the asking price"
		}
	}
	if len(fields) > 0 {
		return Listing{}, apperr.Validation("listing: invalid listing", fields)
	}

	status := StatusDraft
	if req.Submit {
		status = StatusPendingReview
	}
	l := Listing{
		SellerID:    p.UserID,
		CategoryID:  db.NullID(req.CategoryID),
		Title:       title,
		Description: strings.TrimSpace(req.Description),
		AssetType:   assetType,
		Price:       req.Price,
		MinOffer:    req.MinOffer,
		Status:      status,
		CreatedAt:   s.now(),
	}
	return s.repo.Insert(ctx, s.pool, l)
}

// Submit sends a draft or rejected listing to review. Seller only.
func (s *Service) Submit(ctx context.Context, p auth.Principal, id int64) (Listing, error) {
	return s.transition(ctx, p, id, StatusPendingReview, "", func(l Listing) error {
		if l.SellerID != p.UserID {
			return ErrForbidden
		}
		return nil
	})
}

// Approve publishes a listing under review.
func (s *Service) Approve(ctx context.Context, p auth.Principal, id int64) (Listing, error) {
	return s.transition(ctx, p, id, StatusActive, "", staffOnly(p))
}

// Reject sends a listing under review back to the seller.
func (s *Service) Reject(ctx context.Context, p auth.Principal, id int64, reason string) (Listing, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Listing{}, apperr.Validation("listing: reason is required", map[string]string{"reason": "required"})
	}
	return s.transition(ctx, p, id, StatusRejected, reason, staffOnly(p))
}

// Archive withdraws a listing from the marketplace. Staff or the seller.
func (s *Service) Archive(ctx context.Context, p auth.Principal, id int64) (Listing, error) {
	return s.transition(ctx, p, id, StatusArchived, "", func(l Listing) error {
		if !p.IsStaff() && l.SellerID != p.UserID {
			return ErrForbidden
		}
		return nil
	})
}

// MarkSold flips an active listing to sold on the caller's transaction.
func (s *Service) MarkSold(ctx context.Context, q db.Querier, id, actorID int64) error {
	l, err := s.repo.GetForUpdate(ctx, q, id)
	if err != nil {
		return err
	}
	return s.apply(ctx, q, actorID, l, StatusSold, "")
}

func staffOnly(p auth.Principal) func(Listing) error {
	return func(Listing) error {
		return auth.RequireStaff(p)
	}
}

func (s *Service) transition(ctx context.Context, p auth.Principal, id int64, to Status, reason string, allowed func(Listing) error) (Listing, error) {
	if p.UserID == 0 {
		return Listing{}, auth.ErrUnauthenticated
	}
	var out Listing
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		l, err := s.repo.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := allowed(l); err != nil {
			return err
		}
		if err := s.apply(ctx, tx, p.UserID, l, to, reason); err != nil {
			return err
		}
		l.Status = to
		l.UpdatedAt = s.now()
		out = l
		return nil
	})
	if err != nil {
		return Listing{}, err
	}
	return out, nil
}

func (s *Service) apply(ctx context.Context, q db.Querier, actorID int64, l Listing, to Status, reason string) error {
	if err := CanTransition(l.Status, to); err != nil {
		return err
	}
	if err := s.repo.SetStatus(ctx, q, l.ID, to, s.now()); err != nil {
		return err
	}
	details := map[string]any{
		"listing_id": l.ID,
		"from":       string(l.Status),
		"to":         string(to),
	}
	if reason != "" {
		details["reason"] = reason
	}
	_, err := s.audit.Append(ctx, q, audit.Entry{
		UserID:  actorID,
		Action:  audit.ActionListingStatusChanged,
		Details: details,
	})
	return err
}

// Get returns a listing. Drafts and listings under review are visible to
// their seller and staff only.
func (s *Service) Get(ctx context.Context, p auth.Principal, id int64) (Listing, error) {
	l, err := s.repo.Get(ctx, id)
	if err != nil {
		return Listing{}, err
	}
	if l.Status != StatusActive && l.Status != StatusSold && !p.IsStaff() && l.SellerID != p.UserID {
		return Listing{}, ErrNotFound
	}
	return l, nil
}

// List pages listings for the moderation queue.
func (s *Service) List(ctx context.Context, p auth.Principal, f Filter, params pagination.Params) (pagination.Page[Listing], error) {
	if err := auth.RequireStaff(p); err != nil {
		return pagination.Page[Listing]{}, err
	}
	return s.repo.List(ctx, f, params)
}

// Export returns every listing List would show for f.
func (s *Service) Export(ctx context.Context, p auth.Principal, f Filter) ([]Listing, error) {
	if err := auth.RequireStaff(p); err != nil {
		return nil, err
	}
	return s.repo.All(ctx, f)
}

// ListMine pages the caller's own listings.
func (s *Service) ListMine(ctx context.Context, p auth.Principal, f Filter, params pagination.Params) (pagination.Page[Listing], error) {
	if p.UserID == 0 {
		return pagination.Page[Listing]{}, auth.ErrUnauthenticated
	}
	f.SellerID = p.UserID
	return s.repo.List(ctx, f, params)
}

// Counts returns listings per status, across the marketplace for staff and
// for the caller's own listings otherwise.
func (s *Service) Counts(ctx context.Context, p auth.Principal) (Counts, error) {
	if p.IsStaff() {
		return s.repo.Counts(ctx, 0)
	}
	return s.repo.Counts(ctx, p.UserID)
}

func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	return s.repo.ListCategories(ctx)
}

// CreateCategory adds a category. An empty slug is derived from the name.
func (s *Service) CreateCategory(ctx context.Context, p auth.Principal, name, slug string) (Category, error) {
	if err := auth.RequireRole(p, auth.RoleAdmin); err != nil {
		return Category{}, err
	}
	name = strings.TrimSpace(name)
	slug = strings.TrimSpace(slug)
	if slug == "" {
		slug = Slugify(name)
	}
	fields := map[string]string{}
	if name == "" {
		fields["name"] = "required"
	}
	if !slugPattern.MatchString(slug) {
		fields["slug"] = "lowercase letters, digits and dashes only"
	}
	if len(fields) > 0 {
		return Category{}, apperr.Validation("listing: invalid category", fields)
	}
	return s.repo.InsertCategory(ctx, Category{Name: name, Slug: slug, CreatedAt: s.now()})
}

func (s *Service) DeleteCategory(ctx context.Context, p auth.Principal, id int64) error {
	if err := auth.RequireRole(p, auth.RoleAdmin); err != nil {
		return err
	}
	return s.repo.DeleteCategory(ctx, id)
}

func (s *Service) ListLabels(ctx context.Context) ([]Label, error) {
	return s.repo.ListLabels(ctx)
}

func (s *Service) CreateLabel(ctx context.Context, p auth.Principal, name, color string) (Label, error) {
	if err := auth.RequireStaff(p); err != nil {
		return Label{}, err
	}
	name = strings.TrimSpace(name)
	color = strings.TrimSpace(color)
	if color == "" {
		color = "#6b7280"
	}
	fields := map[string]string{}
	if name == "" {
		fields["name"] = "required"
	}
	if !colorPattern.MatchString(color) {
		fields["color"] = "hex color like #1f2937"
	}
	if len(fields) > 0 {
		return Label{}, apperr.Validation("listing: invalid label", fields)
	}
	return s.repo.InsertLabel(ctx, Label{Name: name, Color: strings.ToLower(color)})
}

// AttachLabel tags a listing. Staff or the seller; attaching twice is a no-op.
func (s *Service) AttachLabel(ctx context.Context, p auth.Principal, listingID, labelID int64) error {
	l, err := s.repo.Get(ctx, listingID)
	if err != nil {
		return err
	}
	if !p.IsStaff() && l.SellerID != p.UserID {
		return ErrForbidden
	}
	return s.repo.AttachLabel(ctx, listingID, labelID)
}

// AskQuestion posts a buyer question on an active listing.
func (s *Service) AskQuestion(ctx context.Context, p auth.Principal, listingID int64, text string) (Question, error) {
	if p.UserID == 0 {
		return Question{}, auth.ErrUnauthenticated
	}
	text, err := questionText(text, "question")
	if err != nil {
		return Question{}, err
	}
	l, err := s.repo.Get(ctx, listingID)
	if err != nil {
		return Question{}, err
	}
	if l.Status != StatusActive {
		return Question{}, apperr.New(apperr.KindConflict, "listing: listing is not accepting questions")
	}
	if l.SellerID == p.UserID {
		return Question{}, apperr.Validation("listing: sellers cannot ask on their own listing",
			map[string]string{"question": "own listing"})
	}
	return s.repo.InsertQuestion(ctx, Question{
		ListingID: listingID,
		UserID:    p.UserID,
		AskerName: p.Name,
		Question:  text,
		CreatedAt: s.now(),
	})
}

// AnswerQuestion records the seller's answer. Each question is answered once.
func (s *Service) AnswerQuestion(ctx context.Context, p auth.Principal, questionID int64, text string) (Question, error) {
	if p.UserID == 0 {
		return Question{}, auth.ErrUnauthenticated
	}
	text, err := questionText(text, "answer")
	if err != nil {
		return Question{}, err
	}

	var out Question
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		q, sellerID, err := s.repo.GetQuestionForUpdate(ctx, tx, questionID)
		if err != nil {
			return err
		}
		if sellerID != p.UserID {
			return ErrForbidden
		}
		if q.Answered() {
			return ErrAlreadyAnswered
		}
		now := s.now()
		by := p.UserID
		q.Answer = text
		q.AnsweredBy = &by
		q.AnsweredAt = &now
		if err := s.repo.AnswerQuestion(ctx, tx, q); err != nil {
			return err
		}
		out = q
		return nil
	})
	if err != nil {
		return Question{}, err
	}
	return out, nil
}

// ListQuestions returns a listing's questions oldest first.
func (s *Service) ListQuestions(ctx context.Context, listingID int64) ([]Question, error) {
	return s.repo.ListQuestions(ctx, listingID)
}

func questionText(raw, field string) (string, error) {
	text := strings.TrimSpace(raw)
	switch {
	case text == "":
		return "", apperr.Validation("listing: "+field+" is required", map[string]string{field: "required"})
	case len(text) > maxQuestionLength:
		return "", apperr.Validation("listing: "+field+" is too long",
			map[string]string{field: fmt.Sprintf("at most %d characters", maxQuestionLength)})
	}
	return text, nil
}

// Slugify lowercases name and joins its alphanumeric runs with dashes.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
		default:
			dash = true
		}
	}
	return b.String()
}
