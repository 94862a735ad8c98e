package ticket

import (
	"context"
	"fmt"
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
	maxSubjectLength = 200
	maxBodyLength    = 5000
)

// Auditor appends log entries on the caller's querier.
type Auditor interface {
	Append(ctx context.Context, q db.Querier, e audit.Entry) (int64, error)
}

type Service struct {
	pool  db.TxBeginner
	repo  Repository
	audit Auditor
	now   func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, auditor Auditor) *Service {
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

// Create opens a ticket with its first message in one transaction.
func (s *Service) Create(ctx context.Context, p auth.Principal, req CreateRequest) (Ticket, error) {
	if p.UserID == 0 {
		return Ticket{}, auth.ErrUnauthenticated
	}
	subject := strings.TrimSpace(req.Subject)
	body := strings.TrimSpace(req.Body)
	fields := map[string]string{}
	switch {
	case subject == "":
		fields["subject"] = "required"
	case len(subject) > maxSubjectLength:
		fields["subject"] = fmt.Sprintf("at most %d characters", maxSubjectLength)
	}
	if msg := checkBody(body); msg != "" {
		fields["body"] = msg
	}
	priority, err := ParsePriority(string(req.Priority))
	if err != nil {
		fields["priority"] = "unknown priority"
	}
	if len(fields) > 0 {
		return Ticket{}, apperr.Validation("ticket: invalid ticket", fields)
	}

	now := s.now()
	var out Ticket
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := s.repo.Insert(ctx, tx, Ticket{
			UserID:    p.UserID,
			UserName:  p.Name,
			Subject:   subject,
			Status:    StatusOpen,
			Priority:  priority,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if _, err := s.repo.InsertMessage(ctx, tx, Message{
			TicketID:  t.ID,
			UserID:    p.UserID,
			Body:      body,
			IsAdmin:   p.IsStaff(),
			CreatedAt: now,
		}); err != nil {
			return err
		}
		t.MessageCount = 1
		t.LastMessageAt = &now
		out = t
		return nil
	})
	if err != nil {
		return Ticket{}, err
	}
	return out, nil
}

// Reply appends a message to an open ticket. The owner and staff may reply.
func (s *Service) Reply(ctx context.Context, p auth.Principal, ticketID int64, body string) (Message, error) {
	if p.UserID == 0 {
		return Message{}, auth.ErrUnauthenticated
	}
	body = strings.TrimSpace(body)
	if msg := checkBody(body); msg != "" {
		return Message{}, apperr.Validation("ticket: invalid reply", map[string]string{"body": msg})
	}

	var out Message
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := s.repo.GetForUpdate(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if !p.IsStaff() && t.UserID != p.UserID {
			return ErrForbidden
		}
		if t.Status == StatusClosed {
			return ErrClosed
		}
		now := s.now()
		m, err := s.repo.InsertMessage(ctx, tx, Message{
			TicketID:   t.ID,
			UserID:     p.UserID,
			AuthorName: p.Name,
			Body:       body,
			IsAdmin:    p.IsStaff(),
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}
		if err := s.repo.Touch(ctx, tx, t.ID, t.Status, now); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return out, nil
}

// SetStatus opens or closes a ticket. Staff may do either; owners may only
// close their own ticket.
func (s *Service) SetStatus(ctx context.Context, p auth.Principal, ticketID int64, status Status) (Ticket, error) {
	if p.UserID == 0 {
		return Ticket{}, auth.ErrUnauthenticated
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return Ticket{}, err
	}

	var out Ticket
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := s.repo.GetForUpdate(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if !p.IsStaff() && (t.UserID != p.UserID || status != StatusClosed) {
			return ErrForbidden
		}
		if t.Status == status {
			out = t
			return nil
		}
		now := s.now()
		if err := s.repo.Touch(ctx, tx, t.ID, status, now); err != nil {
			return err
		}
		if _, err := s.audit.Append(ctx, tx, audit.Entry{
			UserID: p.UserID,
			Action: audit.ActionTicketStatusChanged,
			Details: map[string]any{
				"ticket_id": t.ID,
				"from":      string(t.Status),
				"to":        string(status),
			},
		}); err != nil {
			return err
		}
		t.Status = status
		t.UpdatedAt = now
		out = t
		return nil
	})
	if err != nil {
		return Ticket{}, err
	}
	return out, nil
}

// Get returns a ticket for its owner or staff.
func (s *Service) Get(ctx context.Context, p auth.Principal, id int64) (Ticket, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	if !p.IsStaff() && t.UserID != p.UserID {
		return Ticket{}, ErrForbidden
	}
	return t, nil
}

// Thread returns a ticket with its messages oldest first.
func (s *Service) Thread(ctx context.Context, p auth.Principal, id int64) (Ticket, []Message, error) {
	t, err := s.Get(ctx, p, id)
	if err != nil {
		return Ticket{}, nil, err
	}
	msgs, err := s.repo.Messages(ctx, id)
	if err != nil {
		return Ticket{}, nil, err
	}
	return t, msgs, nil
}

// List pages tickets, most recently active first. Users see their own.
func (s *Service) List(ctx context.Context, p auth.Principal, f Filter, params pagination.Params) (pagination.Page[Ticket], error) {
	f, err := scope(p, f)
	if err != nil {
		return pagination.Page[Ticket]{}, err
	}
	return s.repo.List(ctx, f, params)
}

// Export returns every ticket List would show for f.
func (s *Service) Export(ctx context.Context, p auth.Principal, f Filter) ([]Ticket, error) {
	f, err := scope(p, f)
	if err != nil {
		return nil, err
	}
	return s.repo.All(ctx, f)
}

// CountOpen counts open tickets, all of them for staff.
func (s *Service) CountOpen(ctx context.Context, p auth.Principal) (int, error) {
	if p.IsStaff() {
		return s.repo.CountOpen(ctx, 0)
	}
	return s.repo.CountOpen(ctx, p.UserID)
}

func scope(p auth.Principal, f Filter) (Filter, error) {
	if p.UserID == 0 {
		return Filter{}, auth.ErrUnauthenticated
	}
	if !p.IsStaff() {
		f.UserID = p.UserID
	}
	return f, nil
}

func checkBody(body string) string {
	switch {
	case body == "":
		return "required"
	case len(body) > maxBodyLength:
		return fmt.Sprintf("at most %d characters", maxBodyLength)
	}
	return ""
}
