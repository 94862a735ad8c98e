package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"escrowdesk/apperr"
	"escrowdesk/auth"
	"escrowdesk/settings"
)

// SessionCookie carries the signed session token.
const SessionCookie = "escrowdesk_session"

// RequestLogger logs one line per request after the handler chain ran.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		}
		if p, ok := auth.FromContext(c.Request.Context()); ok {
			attrs = append(attrs, "user_id", p.UserID)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "err", c.Errors.String())
		}
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request", attrs...)
	}
}

// Metrics reports each request under its route template. Nil obs disables it.
func Metrics(obs HTTPObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if obs == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		obs.ObserveHTTP(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// LoadPrincipal resolves the session cookie into an auth.Principal on the
// request context. An invalid cookie is cleared and the request continues
// anonymously.
func LoadPrincipal(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(SessionCookie)
		if err != nil || token == "" || authn == nil {
			c.Next()
			return
		}
		p, err := authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			if !apperr.Is(err, apperr.KindUnauthorized) && !apperr.Is(err, apperr.KindForbidden) {
				_ = c.Error(err)
			}
			clearSession(c)
			c.Next()
			return
		}
		c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), p))
		c.Next()
	}
}

// RequireLogin sends anonymous page requests to /login and rejects
// anonymous API calls with 401.
func RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := auth.FromContext(c.Request.Context()); ok {
			c.Next()
			return
		}
		if isAPI(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apiResponse{Error: "login required"})
			return
		}
		target := "/login"
		if c.Request.Method == http.MethodGet {
			target += "?next=" + url.QueryEscape(c.Request.URL.RequestURI())
		}
		c.Redirect(http.StatusFound, target)
		c.Abort()
	}
}

// RequireRole admits principals holding one of roles.
func RequireRole(roles ...auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := auth.FromContext(c.Request.Context())
		if err := auth.RequireRole(p, roles...); err != nil {
			if isAPI(c) {
				c.AbortWithStatusJSON(statusFor(err), apiResponse{Error: publicMessage(err)})
				return
			}
			c.Abort()
			renderStatusPage(c, statusFor(err))
			return
		}
		c.Next()
	}
}

// Maintenance turns non-staff users away while maintenance_mode is on.
func (s *Server) Maintenance() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.maintenance == nil {
			c.Next()
			return
		}
		p, _ := auth.FromContext(c.Request.Context())
		if p.IsStaff() || !s.maintenance.on(c.Request.Context(), s.logger) {
			c.Next()
			return
		}
		c.Abort()
		renderStatusPage(c, http.StatusServiceUnavailable)
	}
}

func isAPI(c *gin.Context) bool {
	return strings.HasPrefix(c.Request.URL.Path, "/api/")
}

func clearSession(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type valuesSource interface {
	Values(ctx context.Context) (settings.Values, error)
}

// maintenanceCache reads maintenance_mode at most once per ttl.
type maintenanceCache struct {
	src valuesSource
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	value   bool
	fetched time.Time
}

func newMaintenanceCache(src valuesSource, ttl time.Duration, now func() time.Time) *maintenanceCache {
	return &maintenanceCache{src: src, ttl: ttl, now: now}
}

func (m *maintenanceCache) on(ctx context.Context, logger *slog.Logger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.fetched.IsZero() && now.Sub(m.fetched) < m.ttl {
		return m.value
	}
	v, err := m.src.Values(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.WarnContext(ctx, "read maintenance flag", "err", err)
		}
		return m.value
	}
	m.value = v.Bool(settings.KeyMaintenanceMode)
	m.fetched = now
	return m.value
}

func (m *maintenanceCache) reset() {
	m.mu.Lock()
	m.fetched = time.Time{}
	m.mu.Unlock()
}
