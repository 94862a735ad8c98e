package web

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"escrowdesk/apperr"
	"escrowdesk/auth"
	"escrowdesk/export"
	"escrowdesk/pagination"
)

var errBadID = apperr.New(apperr.KindNotFound, "web: record not found")

func principal(c *gin.Context) auth.Principal {
	p, _ := auth.FromContext(c.Request.Context())
	return p
}

func paramID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadID
	}
	return id, nil
}

func queryInt64(c *gin.Context, key string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(c.Query(key)), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func (s *Server) pageParams(c *gin.Context) pagination.Params {
	page, _ := strconv.Atoi(c.Query("page"))
	per, _ := strconv.Atoi(c.Query("per_page"))
	return pagination.Params{Page: page, PerPage: per}.Normalize(s.opts.PerPageDefault, s.opts.PerPageMax)
}

func wantsExport(c *gin.Context) bool {
	return c.Query("export") == "csv"
}

// writeExport streams rows as a CSV attachment named after title.
func writeExport[T any](s *Server, c *gin.Context, title string, columns []export.Column[T], rows []T) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", export.ContentDisposition(export.Filename(title, s.opts.Now())))
	c.Header("Cache-Control", "no-store")
	c.Status(200)
	if err := export.WriteCSV(c.Writer, columns, rows); err != nil {
		s.logger.ErrorContext(c.Request.Context(), "write export", "title", title, "err", err)
	}
}

// listView is the data behind every paginated list page.
type listView[T any] struct {
	Page  pagination.Page[T]
	Admin bool
	// Extra carries page specific data such as filter options.
	Extra any
}
