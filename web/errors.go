package web

import (
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"

	"escrowdesk/apperr"
	"escrowdesk/flash"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindDecryption:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the text shown to users. Internal errors never leak
// their message.
func publicMessage(err error) string {
	if apperr.KindOf(err) == apperr.KindInternal {
		return "Something went wrong. Please try again."
	}
	msg := apperr.Message(err, "Something went wrong. Please try again.")
	if i := strings.Index(msg, ": "); i > 0 && !strings.ContainsAny(msg[:i], " ") {
		msg = msg[i+2:]
	}
	r := []rune(msg)
	if len(r) > 0 {
		r[0] = unicode.ToUpper(r[0])
	}
	return string(r)
}

// formError handles a failed form post. Recoverable failures are flashed
// and the user goes back to the form; the rest render a status page.
func (s *Server) formError(c *gin.Context, err error, back string) {
	switch apperr.KindOf(err) {
	case apperr.KindUnauthorized:
		c.Redirect(http.StatusSeeOther, "/login")
	case apperr.KindValidation, apperr.KindConflict, apperr.KindDecryption:
		s.setFlash(c, flash.Message{Kind: flash.KindError, Text: publicMessage(err), Fields: apperr.FieldsOf(err)})
		c.Redirect(http.StatusSeeOther, back)
	default:
		s.pageError(c, err)
	}
}

// pageError renders a failed GET.
func (s *Server) pageError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusUnauthorized {
		c.Redirect(http.StatusFound, "/login")
		return
	}
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed", "path", c.Request.URL.Path, "err", err)
	}
	_ = c.Error(err)
	renderStatusPage(c, status)
}

// apiError writes the {success:false,error} body.
func (s *Server) apiError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "api request failed", "path", c.Request.URL.Path, "err", err)
	}
	c.JSON(status, apiResponse{Error: publicMessage(err)})
}

func (s *Server) setFlash(c *gin.Context, m flash.Message) {
	sess := sessionID(c)
	if err := s.deps.Flash.Set(c.Request.Context(), sess, m); err != nil {
		s.logger.WarnContext(c.Request.Context(), "store flash", "err", err)
	}
}

func (s *Server) renderStatus(c *gin.Context, status int) {
	renderStatusPage(c, status)
}

func renderStatusPage(c *gin.Context, status int) {
	c.HTML(status, "error.html", newPageData(c, http.StatusText(status), errorPage{
		Status:  status,
		Message: statusMessage(status),
	}))
}

type errorPage struct {
	Status  int
	Message string
}

func statusMessage(status int) string {
	switch status {
	case http.StatusNotFound:
		return "The page or record you asked for does not exist."
	case http.StatusForbidden:
		return "You do not have access to this page."
	case http.StatusServiceUnavailable:
		return "The marketplace is in maintenance mode. Please check back soon."
	case http.StatusBadRequest:
		return "The request could not be understood."
	default:
		return "Something went wrong. Please try again."
	}
}

// backURL is the same-site referer path, or fallback.
func backURL(c *gin.Context, fallback string) string {
	ref := c.GetHeader("Referer")
	if ref == "" {
		return fallback
	}
	u, err := url.Parse(ref)
	if err != nil || u.Path == "" || !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return fallback
	}
	if u.Host != "" && u.Host != c.Request.Host {
		return fallback
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}
