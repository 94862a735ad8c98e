// Package checkout connects an accepted offer to the escrow flow: the
// listing is marked sold and a paid transaction opened on the same database
// transaction that accepted the offer.
package checkout

import (
	"context"
	"fmt"

	"escrowdesk/db"
	"escrowdesk/escrow"
	"escrowdesk/offer"
)

type SoldMarker interface {
	MarkSold(ctx context.Context, q db.Querier, id, actorID int64) error
}

type EscrowOpener interface {
	Create(ctx context.Context, q db.Querier, params escrow.CreateParams) (escrow.Transaction, error)
}

// Hook implements offer.AcceptHook.
type Hook struct {
	listings SoldMarker
	escrow   EscrowOpener
}

func NewHook(listings SoldMarker, escrow EscrowOpener) Hook {
	return Hook{listings: listings, escrow: escrow}
}

var _ offer.AcceptHook = Hook{}

func (h Hook) Accepted(ctx context.Context, q db.Querier, o offer.Offer) error {
	if err := h.listings.MarkSold(ctx, q, o.ListingID, o.SellerID); err != nil {
		return fmt.Errorf("checkout: mark listing %d sold: %w", o.ListingID, err)
	}
	if _, err := h.escrow.Create(ctx, q, escrow.CreateParams{
		BuyerID:   o.BuyerID,
		SellerID:  o.SellerID,
		ListingID: o.ListingID,
		OfferID:   o.ID,
		Amount:    o.Amount,
	}); err != nil {
		return fmt.Errorf("checkout: open escrow for offer %d: %w", o.ID, err)
	}
	return nil
}
