package offer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"escrowdesk/apperr"
	"escrowdesk/audit"
	"escrowdesk/auth"
	"escrowdesk/db"
	"escrowdesk/pagination"
)

const maxMessageLength = 1000

// Auditor appends log entries on the caller's querier.
type Auditor interface {
	Append(ctx context.Context, q db.Querier, e audit.Entry) (int64, error)
}

// AcceptHook runs inside the acceptance transaction, after competing offers
// were rejected. It opens the downstream escrow transaction.
type AcceptHook interface {
	Accepted(ctx context.Context, q db.Querier, o Offer) error
}

type Service struct {
	pool  db.Pool
	repo  Repository
	audit Auditor
	hook  AcceptHook
	now   func() time.Time
}

func NewService(pool db.Pool, repo Repository, auditor Auditor, hook AcceptHook) *Service {
	if auditor == nil {
		auditor = audit.Writer{}
	}
	return &Service{
		pool:  pool,
		repo:  repo,
		audit: auditor,
		hook:  hook,
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

// Create places a pending offer on an active listing.
func (s *Service) Create(ctx context.Context, p auth.Principal, req CreateRequest) (Offer, error) {
	if p.UserID == 0 {
		return Offer{}, auth.ErrUnauthenticated
	}
	message := strings.TrimSpace(req.Message)
	fields := map[string]string{}
	if !req.Amount.IsPositive() {
		fields["amount"] = "must be greater than zero"
	}
	if len(message) > maxMessageLength {
		fields["message"] = fmt.Sprintf("at most %d characters", maxMessageLength)
	}
	if len(fields) > 0 {
		return Offer{}, apperr.Validation("offer: invalid offer", fields)
	}

	terms, err := s.repo.ListingTerms(ctx, s.pool, req.ListingID, false)
	if err != nil {
		return Offer{}, err
	}
	if terms.Status != "active" {
		return Offer{}, ErrListingInactive
	}
	if terms.SellerID == p.UserID {
		return Offer{}, apperr.Validation("offer: sellers cannot bid on their own listing",
			map[string]string{"listing_id": "own listing"})
	}
	if terms.MinOffer.Valid && req.Amount.LessThan(terms.MinOffer.Decimal) {
		return Offer{}, apperr.Validation("offer: amount is below the minimum offer",
			map[string]string{"amount": "at least " + terms.MinOffer.Decimal.StringFixed(2)})
	}

	return s.repo.Insert(ctx, s.pool, Offer{
		ListingID: terms.ID,
		BuyerID:   p.UserID,
		SellerID:  terms.SellerID,
		Amount:    req.Amount,
		Message:   message,
		Status:    StatusPending,
		CreatedAt: s.now(),
	})
}

// Accept accepts a pending offer for the seller and rejects every other
// pending offer on the listing in the same transaction.
func (s *Service) Accept(ctx context.Context, p auth.Principal, id int64) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Offer{}, err
	}
	if o.SellerID != p.UserID {
		return Offer{}, ErrForbidden
	}
	if o.Status != StatusPending {
		return Offer{}, ErrNotPending
	}
	terms, err := s.repo.ListingTerms(ctx, tx, o.ListingID, true)
	if err != nil {
		return Offer{}, err
	}
	if terms.Status != "active" {
		return Offer{}, ErrListingInactive
	}

	now := s.now()
	if err := s.repo.SetStatus(ctx, tx, o.ID, StatusAccepted, now); err != nil {
		return Offer{}, err
	}
	o.Status = StatusAccepted
	o.UpdatedAt = now

	rejected, err := s.repo.RejectPending(ctx, tx, o.ListingID, o.ID, now)
	if err != nil {
		return Offer{}, err
	}
	if s.hook != nil {
		if err := s.hook.Accepted(ctx, tx, o); err != nil {
			return Offer{}, err
		}
	}
	if _, err := s.audit.Append(ctx, tx, audit.Entry{
		UserID: p.UserID,
		Action: audit.ActionOfferAccepted,
		Details: map[string]any{
			"offer_id":   o.ID,
			"listing_id": o.ListingID,
			"amount":     o.Amount.StringFixed(2),
			"rejected":   rejected,
		},
	}); err != nil {
		return Offer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit tx: %w", err)
	}
	return o, nil
}

// Reject declines a pending offer. Seller only.
func (s *Service) Reject(ctx context.Context, p auth.Principal, id int64) (Offer, error) {
	return s.settle(ctx, id, StatusRejected, func(o Offer) bool { return o.SellerID == p.UserID })
}

// Withdraw retracts a pending offer. Buyer only.
func (s *Service) Withdraw(ctx context.Context, p auth.Principal, id int64) (Offer, error) {
	return s.settle(ctx, id, StatusWithdrawn, func(o Offer) bool { return o.BuyerID == p.UserID })
}

func (s *Service) settle(ctx context.Context, id int64, to Status, allowed func(Offer) bool) (Offer, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Offer{}, fmt.Errorf("offer: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Offer{}, err
	}
	if !allowed(o) {
		return Offer{}, ErrForbidden
	}
	if o.Status != StatusPending {
		return Offer{}, ErrNotPending
	}
	now := s.now()
	if err := s.repo.SetStatus(ctx, tx, o.ID, to, now); err != nil {
		return Offer{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Offer{}, fmt.Errorf("offer: commit tx: %w", err)
	}
	o.Status = to
	o.UpdatedAt = now
	return o, nil
}

// Highest returns the top pending or accepted bid on a listing.
func (s *Service) Highest(ctx context.Context, listingID int64) (Highest, error) {
	return s.repo.Highest(ctx, listingID)
}

// ListForListing pages the offers on one listing for its seller or staff.
func (s *Service) ListForListing(ctx context.Context, p auth.Principal, listingID int64, params pagination.Params) (pagination.Page[Offer], error) {
	if !p.IsStaff() {
		terms, err := s.repo.ListingTerms(ctx, s.pool, listingID, false)
		if err != nil {
			return pagination.Page[Offer]{}, err
		}
		if terms.SellerID != p.UserID {
			return pagination.Page[Offer]{}, ErrForbidden
		}
	}
	return s.repo.List(ctx, Filter{ListingID: listingID}, params)
}

// ListForUser pages offers. Staff see all; users see offers they made or received.
func (s *Service) ListForUser(ctx context.Context, p auth.Principal, f Filter, params pagination.Params) (pagination.Page[Offer], error) {
	f, err := scope(p, f)
	if err != nil {
		return pagination.Page[Offer]{}, err
	}
	return s.repo.List(ctx, f, params)
}

// Export returns every offer ListForUser would show for f.
func (s *Service) Export(ctx context.Context, p auth.Principal, f Filter) ([]Offer, error) {
	f, err := scope(p, f)
	if err != nil {
		return nil, err
	}
	return s.repo.All(ctx, f)
}

// CountPending counts pending offers matching f.
func (s *Service) CountPending(ctx context.Context, f Filter) (int, error) {
	return s.repo.CountPending(ctx, f)
}

func scope(p auth.Principal, f Filter) (Filter, error) {
	if p.UserID == 0 {
		return Filter{}, auth.ErrUnauthenticated
	}
	if p.IsStaff() {
		return f, nil
	}
	if f.BuyerID == p.UserID || f.SellerID == p.UserID {
		return f, nil
	}
	f.BuyerID, f.SellerID = 0, 0
	f.ParticipantID = p.UserID
	return f, nil
}
