package offer

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusWithdrawn Status = "withdrawn"
)

// Offer is a buyer's bid on a listing. UserID in the offers table is the buyer.
type Offer struct {
	ID           int64
	ListingID    int64
	ListingTitle string
	BuyerID      int64
	BuyerName    string
	SellerID     int64
	Amount       decimal.Decimal
	Message      string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ListingTerms is the part of a listing an offer is checked against.
type ListingTerms struct {
	ID       int64
	SellerID int64
	Status   string
	Price    decimal.Decimal
	MinOffer decimal.NullDecimal
}

// CreateRequest is a new offer from the buyer.
type CreateRequest struct {
	ListingID int64
	Amount    decimal.Decimal
	Message   string
}

// Filter narrows offer listings. Zero values are ignored.
type Filter struct {
	ListingID     int64
	BuyerID       int64
	SellerID      int64
	ParticipantID int64
	Status        Status
	Search        string
}

// Highest is the computed top bid on a listing.
type Highest struct {
	Amount decimal.Decimal
	Count  int
}
