package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"escrowdesk/auth"
	"escrowdesk/flash"
)

const (
	csrfField  = "csrf_token"
	csrfHeader = "X-CSRF-Token"
)

// CSRF derives per-session tokens as HMAC-SHA256(secret, session id), so
// nothing needs to be stored server side.
type CSRF struct {
	secret []byte
}

func NewCSRF(secret string) CSRF {
	return CSRF{secret: []byte(secret)}
}

// Token returns the token for sessionID, or "" for an anonymous caller.
func (c CSRF) Token(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Valid compares token against the expected token in constant time.
func (c CSRF) Valid(sessionID, token string) bool {
	want := c.Token(sessionID)
	if want == "" || token == "" {
		return false
	}
	return hmac.Equal([]byte(want), []byte(token))
}

type csrfBody struct {
	Token string `json:"csrf_token"`
}

// submittedToken reads the header, then the JSON body, then the form field.
// JSON bodies are cached by gin so handlers can bind them again.
func submittedToken(c *gin.Context) string {
	if t := c.GetHeader(csrfHeader); t != "" {
		return t
	}
	if strings.HasPrefix(c.ContentType(), binding.MIMEJSON) {
		var body csrfBody
		if err := c.ShouldBindBodyWith(&body, binding.JSON); err == nil {
			return body.Token
		}
		return ""
	}
	return c.PostForm(csrfField)
}

// VerifyCSRF rejects state-changing requests without a valid token. Pages
// get a flash error and a redirect back; the API gets a 403 JSON body.
func (s *Server) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		p, _ := auth.FromContext(c.Request.Context())
		if s.csrf.Valid(p.SessionID, submittedToken(c)) {
			c.Next()
			return
		}

		s.logger.WarnContext(c.Request.Context(), "csrf token rejected", "path", c.Request.URL.Path, "user_id", p.UserID)
		if isAPI(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, apiResponse{Error: "invalid csrf token"})
			return
		}
		s.setFlash(c, flash.Error("Your session form expired. Please try again."))
		c.Redirect(http.StatusSeeOther, backURL(c, "/dashboard"))
		c.Abort()
	}
}
