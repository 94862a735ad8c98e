// Package dashboard computes the summary cards on the admin and user home
// pages. Every card is an independent query; a failing card is logged and
// shown as zero so one broken table never blanks the whole page.
package dashboard

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrowdesk/db"
)

// FallbackRecorder counts cards that fell back to zero.
type FallbackRecorder interface {
	ObserveDashboardFallback(card string)
}

type AdminStats struct {
	TotalListings        int
	ActiveListings       int
	PendingListings      int
	PendingOffers        int
	OpenDisputes         int
	OpenTickets          int
	EscrowBalance        decimal.Decimal
	AwaitingCredentials  int
	AwaitingVerification int
	TotalUsers           int
	// Failed names the cards that fell back to zero.
	Failed []string
}

type UserStats struct {
	ActiveListings   int
	OffersMade       int
	OffersReceived   int
	Purchases        int
	Sales            int
	AwaitingMyAction int
	Failed           []string
}

type card struct {
	name string
	sql  string
	dest any
}

type Service struct {
	q        db.Querier
	logger   *slog.Logger
	fallback FallbackRecorder
}

func NewService(q db.Querier, logger *slog.Logger, fallback FallbackRecorder) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{q: q, logger: logger, fallback: fallback}
}

// Admin returns the marketplace-wide cards.
func (s *Service) Admin(ctx context.Context) AdminStats {
	var st AdminStats
	st.Failed = s.run(ctx, nil, []card{
		{"total_listings", `SELECT COUNT(*) FROM listings`, &st.TotalListings},
		{"active_listings", `SELECT COUNT(*) FROM listings WHERE status = 'active'`, &st.ActiveListings},
		{"pending_listings", `SELECT COUNT(*) FROM listings WHERE status = 'pending_review'`, &st.PendingListings},
		{"pending_offers", `SELECT COUNT(*) FROM offers WHERE status = 'pending'`, &st.PendingOffers},
		{"open_disputes", `SELECT COUNT(*) FROM disputes WHERE status IN ('open', 'under_review')`, &st.OpenDisputes},
		{"open_tickets", `SELECT COUNT(*) FROM tickets WHERE status = 'open'`, &st.OpenTickets},
		{"escrow_balance", `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE status = 'completed'`, &st.EscrowBalance},
		{"awaiting_credentials", `SELECT COUNT(*) FROM transactions WHERE status = 'completed' AND transfer_status = 'paid'`, &st.AwaitingCredentials},
		{"awaiting_verification", `SELECT COUNT(*) FROM transactions WHERE status = 'completed' AND transfer_status = 'credentials_submitted'`, &st.AwaitingVerification},
		{"total_users", `SELECT COUNT(*) FROM users`, &st.TotalUsers},
	})
	return st
}

// User returns the cards for one member's home page.
func (s *Service) User(ctx context.Context, userID int64) UserStats {
	var st UserStats
	st.Failed = s.run(ctx, []any{userID}, []card{
		{"user_active_listings", `SELECT COUNT(*) FROM listings WHERE seller_id = $1 AND status = 'active'`, &st.ActiveListings},
		{"offers_made", `SELECT COUNT(*) FROM offers WHERE user_id = $1`, &st.OffersMade},
		{"offers_received", `SELECT COUNT(*) FROM offers WHERE seller_id = $1 AND status = 'pending'`, &st.OffersReceived},
		{"purchases", `SELECT COUNT(*) FROM transactions WHERE buyer_id = $1`, &st.Purchases},
		{"sales", `SELECT COUNT(*) FROM transactions WHERE seller_id = $1`, &st.Sales},
		{"awaiting_my_action", `
			SELECT COUNT(*) FROM transactions
			WHERE status = 'completed'
			  AND ((seller_id = $1 AND transfer_status = 'paid')
			    OR (buyer_id = $1 AND transfer_status = 'credentials_submitted'))`, &st.AwaitingMyAction},
	})
	return st
}

// run executes every card concurrently. Card errors never cancel peers; the
// names of failed cards are returned in input order.
func (s *Service) run(ctx context.Context, args []any, cards []card) []string {
	var g errgroup.Group
	failed := make([]bool, len(cards))
	g.SetLimit(4)
	for i, c := range cards {
		g.Go(func() error {
			if err := s.q.QueryRow(ctx, c.sql, args...).Scan(c.dest); err != nil {
				s.logger.ErrorContext(ctx, "dashboard card failed", "card", c.name, "error", err)
				if s.fallback != nil {
					s.fallback.ObserveDashboardFallback(c.name)
				}
				zero(c.dest)
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, f := range failed {
		if f {
			out = append(out, cards[i].name)
		}
	}
	return out
}

func zero(dest any) {
	switch d := dest.(type) {
	case *int:
		*d = 0
	case *decimal.Decimal:
		*d = decimal.Zero
	}
}
