package ticket

import (
	"fmt"
	"time"

	"escrowdesk/apperr"
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusOpen, StatusClosed:
		return Status(raw), nil
	}
	return "", apperr.Validation(fmt.Sprintf("ticket: unknown status %q", raw), map[string]string{"status": "unknown status"})
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func ParsePriority(raw string) (Priority, error) {
	switch Priority(raw) {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(raw), nil
	}
	return "", apperr.Validation(fmt.Sprintf("ticket: unknown priority %q", raw), map[string]string{"priority": "unknown priority"})
}

type Ticket struct {
	ID            int64
	UserID        int64
	UserName      string
	Subject       string
	Status        Status
	Priority      Priority
	MessageCount  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt *time.Time
}

// Message is one entry in a ticket thread. IsAdmin marks staff replies.
type Message struct {
	ID         int64
	TicketID   int64
	UserID     int64
	AuthorName string
	Body       string
	IsAdmin    bool
	CreatedAt  time.Time
}

type CreateRequest struct {
	Subject  string
	Body     string
	Priority Priority
}

// Filter narrows ticket lists. Zero values are ignored.
type Filter struct {
	UserID   int64
	Status   Status
	Priority Priority
	Search   string
}
