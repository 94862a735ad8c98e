package dispute

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"escrowdesk/apperr"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusEscalated   Status = "escalated"
)

// Active reports whether the dispute still awaits a decision.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Terminal reports whether no further admin action is possible.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusEscalated
}

func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case StatusOpen, StatusUnderReview, StatusResolved, StatusEscalated:
		return s, nil
	}
	return "", apperr.Validation(fmt.Sprintf("dispute: unknown status %q", v), map[string]string{"status": "unknown status"})
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities for listings, most pressing first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

func ParsePriority(v string) (Priority, error) {
	switch p := Priority(v); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", apperr.Validation(fmt.Sprintf("dispute: unknown priority %q", v), map[string]string{"priority": "unknown priority"})
}

var highValueThreshold = decimal.NewFromInt(1000)

// PriorityFor derives the default priority from the disputed amount.
func PriorityFor(amount decimal.Decimal) Priority {
	if amount.GreaterThanOrEqual(highValueThreshold) {
		return PriorityHigh
	}
	return PriorityMedium
}

// Outcome is the money decision attached to a resolution.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeRefund  Outcome = "refund"
	OutcomeRelease Outcome = "release"
)

// Dispute mirrors the disputes table, joined with participant names.
type Dispute struct {
	ID            int64
	CaseID        string
	TransactionID int64
	ListingID     int64
	BuyerID       int64
	SellerID      int64
	BuyerName     string
	SellerName    string
	Reason        string
	Amount        decimal.Decimal
	Status        Status
	Priority      Priority
	Resolution    string
	ResolvedBy    *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}

// OpenParams describes a new dispute. Priority is derived from Amount when empty.
type OpenParams struct {
	TransactionID int64
	ListingID     int64
	BuyerID       int64
	SellerID      int64
	OpenedBy      int64
	Reason        string
	Amount        decimal.Decimal
	Priority      Priority
}

// Filter narrows dispute listings. Zero values are ignored.
type Filter struct {
	Status        Status
	Priority      Priority
	ParticipantID int64
	TransactionID int64
	Search        string
}

// Counts holds the number of disputes per status.
type Counts struct {
	Open        int
	UnderReview int
	Resolved    int
	Escalated   int
}

// Active is the figure behind the "Open Disputes" card.
func (c Counts) Active() int {
	return c.Open + c.UnderReview
}
