// Package pagination runs a data query and its matching count query and
// returns one page of typed rows with navigation pointers.
package pagination

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowdesk/db"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Params is the page request as read from the query string.
type Params struct {
	Page    int
	PerPage int
}

// Normalize fills defaults and bounds PerPage.
func (p Params) Normalize(defaultPer, maxPer int) Params {
	if defaultPer <= 0 {
		defaultPer = DefaultPerPage
	}
	if maxPer <= 0 {
		maxPer = MaxPerPage
	}
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.PerPage <= 0 {
		p.PerPage = defaultPer
	}
	if p.PerPage > maxPer {
		p.PerPage = maxPer
	}
	return p
}

// Pagination describes where a page sits in the full result set.
type Pagination struct {
	CurrentPage int  `json:"current_page"`
	PerPage     int  `json:"per_page"`
	TotalItems  int  `json:"total_items"`
	TotalPages  int  `json:"total_pages"`
	PrevPage    *int `json:"prev_page"`
	NextPage    *int `json:"next_page"`
}

// Offset is the row offset of the current page.
func (p Pagination) Offset() int {
	return (p.CurrentPage - 1) * p.PerPage
}

// Page is one page of rows.
type Page[T any] struct {
	Data       []T        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// New computes pagination for total rows. params are expected to be
// normalized already; only missing values are defaulted here. A page past
// the end is clamped to the last page and an empty set still has one page.
func New(total int, params Params) Pagination {
	if params.PerPage <= 0 {
		params.PerPage = DefaultPerPage
	}

	totalPages := 1
	if total > 0 {
		totalPages = (total + params.PerPage - 1) / params.PerPage
	}

	current := params.Page
	if current > totalPages {
		current = totalPages
	}
	if current < 1 {
		current = 1
	}

	p := Pagination{
		CurrentPage: current,
		PerPage:     params.PerPage,
		TotalItems:  total,
		TotalPages:  totalPages,
	}
	if current > 1 {
		prev := current - 1
		p.PrevPage = &prev
	}
	if current < totalPages {
		next := current + 1
		p.NextPage = &next
	}
	return p
}

// ScanFunc decodes one row.
type ScanFunc[T any] func(row pgx.Row) (T, error)

// Fetch runs countSQL, clamps the requested page, then runs dataSQL with
// LIMIT/OFFSET appended. Both statements share args. dataSQL must carry its
// own ORDER BY and no LIMIT.
func Fetch[T any](ctx context.Context, q db.Querier, dataSQL, countSQL string, args []any, params Params, scan ScanFunc[T]) (Page[T], error) {
	var total int
	if err := q.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return Page[T]{}, fmt.Errorf("pagination: count: %w", err)
	}

	pg := New(total, params)
	page := Page[T]{Data: []T{}, Pagination: pg}
	if total == 0 {
		return page, nil
	}

	limited := fmt.Sprintf("%s LIMIT $%d OFFSET $%d", dataSQL, len(args)+1, len(args)+2)
	queryArgs := append(append([]any{}, args...), pg.PerPage, pg.Offset())

	rows, err := q.Query(ctx, limited, queryArgs...)
	if err != nil {
		return Page[T]{}, fmt.Errorf("pagination: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return Page[T]{}, fmt.Errorf("pagination: scan: %w", err)
		}
		page.Data = append(page.Data, item)
	}
	if err := rows.Err(); err != nil {
		return Page[T]{}, fmt.Errorf("pagination: iterate: %w", err)
	}
	return page, nil
}

// All runs dataSQL without paging. Exports use it with the same SQL and args
// as the on-screen list.
func All[T any](ctx context.Context, q db.Querier, dataSQL string, args []any, scan ScanFunc[T]) ([]T, error) {
	rows, err := q.Query(ctx, dataSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("pagination: query all: %w", err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("pagination: scan: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pagination: iterate: %w", err)
	}
	return out, nil
}
