package listing

import (
	"fmt"
	"strings"

	"escrowdesk/apperr"
)

var ErrInvalidTransition = apperr.New(apperr.KindConflict, "listing: invalid status transition")

var transitions = map[Status][]Status{
	StatusDraft:         {StatusPendingReview, StatusArchived},
	StatusPendingReview: {StatusActive, StatusRejected, StatusArchived},
	StatusActive:        {StatusSold, StatusArchived},
	StatusRejected:      {StatusPendingReview, StatusArchived},
}

func CanTransition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// orderByStatus renders Statuses as a CASE ranking for ORDER BY.
func orderByStatus(column string) string {
	var b strings.Builder
	b.WriteString("CASE ")
	b.WriteString(column)
	for i, s := range Statuses {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", s, i)
	}
	fmt.Fprintf(&b, " ELSE %d END", len(Statuses))
	return b.String()
}
