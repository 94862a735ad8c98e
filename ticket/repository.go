package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowdesk/apperr"
	"escrowdesk/db"
	"escrowdesk/pagination"
)

var (
	ErrNotFound  = apperr.New(apperr.KindNotFound, "ticket: not found")
	ErrForbidden = apperr.New(apperr.KindForbidden, "ticket: forbidden")
	ErrClosed    = apperr.New(apperr.KindConflict, "ticket: ticket is closed")
)

// Repository handles ticket persistence.
type Repository interface {
	Insert(ctx context.Context, q db.Querier, t Ticket) (Ticket, error)
	InsertMessage(ctx context.Context, q db.Querier, m Message) (Message, error)
	GetForUpdate(ctx context.Context, q db.Querier, id int64) (Ticket, error)
	Touch(ctx context.Context, q db.Querier, id int64, status Status, now time.Time) error
	Get(ctx context.Context, id int64) (Ticket, error)
	List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[Ticket], error)
	All(ctx context.Context, f Filter) ([]Ticket, error)
	Messages(ctx context.Context, ticketID int64) ([]Message, error)
	CountOpen(ctx context.Context, userID int64) (int, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{q: q}
}

const selectTicket = `
	SELECT t.id, t.user_id, COALESCE(u.name, ''), t.subject, t.status, t.priority,
	       (SELECT COUNT(*) FROM ticket_messages m WHERE m.ticket_id = t.id),
	       t.created_at, t.updated_at,
	       (SELECT MAX(m.created_at) FROM ticket_messages m WHERE m.ticket_id = t.id)
	FROM tickets t
	LEFT JOIN users u ON u.id = t.user_id`

const fromTickets = `
	FROM tickets t
	LEFT JOIN users u ON u.id = t.user_id`

const orderTickets = ` ORDER BY t.updated_at DESC, t.id DESC`

func (r *PGRepository) Insert(ctx context.Context, q db.Querier, t Ticket) (Ticket, error) {
	const insertSQL = `
		INSERT INTO tickets (user_id, subject, status, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id`

	if err := q.QueryRow(ctx, insertSQL, t.UserID, t.Subject, t.Status, t.Priority, t.CreatedAt).Scan(&t.ID); err != nil {
		return Ticket{}, fmt.Errorf("ticket: insert: %w", err)
	}
	t.UpdatedAt = t.CreatedAt
	return t, nil
}

func (r *PGRepository) InsertMessage(ctx context.Context, q db.Querier, m Message) (Message, error) {
	const insertSQL = `
		INSERT INTO ticket_messages (ticket_id, user_id, message, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	if err := q.QueryRow(ctx, insertSQL, m.TicketID, m.UserID, m.Body, m.IsAdmin, m.CreatedAt).Scan(&m.ID); err != nil {
		return Message{}, fmt.Errorf("ticket: insert message: %w", err)
	}
	return m, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, q db.Querier, id int64) (Ticket, error) {
	t, err := scanTicket(q.QueryRow(ctx, selectTicket+` WHERE t.id = $1 FOR UPDATE OF t`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ticket{}, ErrNotFound
		}
		return Ticket{}, fmt.Errorf("ticket: lock: %w", err)
	}
	return t, nil
}

// Touch sets the status and bumps updated_at.
func (r *PGRepository) Touch(ctx context.Context, q db.Querier, id int64, status Status, now time.Time) error {
	tag, err := q.Exec(ctx, `UPDATE tickets SET status = $2, updated_at = $3 WHERE id = $1`, id, status, now)
	if err != nil {
		return fmt.Errorf("ticket: touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id int64) (Ticket, error) {
	t, err := scanTicket(r.q.QueryRow(ctx, selectTicket+` WHERE t.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ticket{}, ErrNotFound
		}
		return Ticket{}, fmt.Errorf("ticket: get: %w", err)
	}
	return t, nil
}

func (r *PGRepository) List(ctx context.Context, f Filter, params pagination.Params) (pagination.Page[Ticket], error) {
	w := f.where()
	page, err := pagination.Fetch(ctx, r.q, selectTicket+w.SQL()+orderTickets, `SELECT COUNT(*)`+fromTickets+w.SQL(), w.Args(), params, scanTicket)
	if err != nil {
		return pagination.Page[Ticket]{}, fmt.Errorf("ticket: list: %w", err)
	}
	return page, nil
}

func (r *PGRepository) All(ctx context.Context, f Filter) ([]Ticket, error) {
	w := f.where()
	out, err := pagination.All(ctx, r.q, selectTicket+w.SQL()+orderTickets, w.Args(), scanTicket)
	if err != nil {
		return nil, fmt.Errorf("ticket: all: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Messages(ctx context.Context, ticketID int64) ([]Message, error) {
	const messagesSQL = `
		SELECT m.id, m.ticket_id, m.user_id, COALESCE(u.name, ''), m.message, m.is_admin, m.created_at
		FROM ticket_messages m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.ticket_id = $1
		ORDER BY m.created_at ASC, m.id ASC`

	rows, err := r.q.Query(ctx, messagesSQL, ticketID)
	if err != nil {
		return nil, fmt.Errorf("ticket: messages: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.TicketID, &m.UserID, &m.AuthorName, &m.Body, &m.IsAdmin, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("ticket: scan messages: %w", err)
	}
	return out, nil
}

func (r *PGRepository) CountOpen(ctx context.Context, userID int64) (int, error) {
	w := (&Filter{UserID: userID, Status: StatusOpen}).where()
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*)`+fromTickets+w.SQL(), w.Args()...).Scan(&n); err != nil {
		return 0, fmt.Errorf("ticket: count open: %w", err)
	}
	return n, nil
}

func (f Filter) where() *db.Filter {
	w := &db.Filter{}
	w.WhereIf(f.UserID != 0, "t.user_id = ?", f.UserID)
	w.WhereIf(f.Status != "", "t.status = ?", f.Status)
	w.WhereIf(f.Priority != "", "t.priority = ?", f.Priority)
	if s := strings.TrimSpace(f.Search); s != "" {
		like := db.Contains(s)
		w.Where("(t.subject ILIKE ? OR u.name ILIKE ?)", like, like)
	}
	return w
}

func scanTicket(row pgx.Row) (Ticket, error) {
	var t Ticket
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.UserName,
		&t.Subject,
		&t.Status,
		&t.Priority,
		&t.MessageCount,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.LastMessageAt,
	)
	if err != nil {
		return Ticket{}, err
	}
	return t, nil
}
