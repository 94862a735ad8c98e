package listing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"escrowdesk/apperr"
)

type Status string

const (
	StatusDraft         Status = "draft"
	StatusPendingReview Status = "pending_review"
	StatusActive        Status = "active"
	StatusSold          Status = "sold"
	StatusRejected      Status = "rejected"
	StatusArchived      Status = "archived"
)

// Statuses lists every status in moderation order.
var Statuses = []Status{
	StatusPendingReview,
	StatusActive,
	StatusDraft,
	StatusSold,
	StatusRejected,
	StatusArchived,
}

// Rank orders statuses on the admin list, work waiting on staff first.
func (s Status) Rank() int {
	for i, st := range Statuses {
		if st == s {
			return i
		}
	}
	return len(Statuses)
}

func ParseStatus(raw string) (Status, error) {
	for _, s := range Statuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", apperr.Validation(fmt.Sprintf("listing: unknown status %q", raw), map[string]string{"status": "unknown status"})
}

// AssetTypes are the kinds of digital asset a listing can sell.
var AssetTypes = []string{"website", "domain", "social_account", "app", "game_account", "other"}

type Listing struct {
	ID           int64
	SellerID     int64
	SellerName   string
	CategoryID   *int64
	CategoryName string
	Title        string
	Description  string
	AssetType    string
	Price        decimal.Decimal
	MinOffer     decimal.NullDecimal
	Status       Status
	Labels       []Label
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Category struct {
	ID        int64
	Name      string
	Slug      string
	CreatedAt time.Time
}

type Label struct {
	ID    int64
	Name  string
	Color string
}

// Question is a pre-sale question on a listing. Answer is empty until the
// seller responds.
type Question struct {
	ID         int64
	ListingID  int64
	UserID     int64
	AskerName  string
	Question   string
	Answer     string
	AnsweredBy *int64
	CreatedAt  time.Time
	AnsweredAt *time.Time
}

func (q Question) Answered() bool {
	return q.AnsweredAt != nil
}

type CreateRequest struct {
	CategoryID  int64
	Title       string
	Description string
	AssetType   string
	Price       decimal.Decimal
	MinOffer    decimal.NullDecimal
	// Submit sends the listing straight to review instead of saving a draft.
	Submit bool
}

// Filter narrows listing queries. Zero values are ignored.
type Filter struct {
	Status     Status
	SellerID   int64
	CategoryID int64
	LabelID    int64
	AssetType  string
	Search     string
}

// Counts holds the number of listings per status.
type Counts map[Status]int

func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}
