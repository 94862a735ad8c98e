package web

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/shopspring/decimal"

	"escrowdesk/auth"
	"escrowdesk/flash"
)

//go:embed templates/*.html
var templateFS embed.FS

const csrfContextKey = "csrf_token"

// htmlRender gives every page its own template set cloned from the layout,
// so each page can define its own "content" block.
type htmlRender struct {
	pages map[string]*template.Template
}

func (r htmlRender) Instance(name string, data any) render.Render {
	t, ok := r.pages[name]
	if !ok {
		t = r.pages["error.html"]
	}
	return render.HTML{Template: t, Name: "layout", Data: data}
}

func loadTemplates(funcs template.FuncMap) (htmlRender, error) {
	layout, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return htmlRender{}, err
	}
	names, err := fs.Glob(templateFS, "templates/*.html")
	if err != nil {
		return htmlRender{}, err
	}
	pages := make(map[string]*template.Template, len(names))
	for _, name := range names {
		base := path.Base(name)
		if base == "layout.html" {
			continue
		}
		t, err := layout.Clone()
		if err != nil {
			return htmlRender{}, err
		}
		if _, err := t.ParseFS(templateFS, name); err != nil {
			return htmlRender{}, fmt.Errorf("%s: %w", base, err)
		}
		pages[base] = t
	}
	if _, ok := pages["error.html"]; !ok {
		return htmlRender{}, fmt.Errorf("error.html is missing")
	}
	return htmlRender{pages: pages}, nil
}

func (s *Server) templateFuncs() template.FuncMap {
	return template.FuncMap{
		"url":       func(p string) string { return s.urls.URL(p, nil) },
		"pageURL":   s.urls.Page,
		"exportURL": s.urls.Export,
		"money":     func(d decimal.Decimal) string { return d.StringFixed(2) },
		"date":      formatTime,
		"dateptr": func(t *time.Time) string {
			if t == nil {
				return ""
			}
			return formatTime(*t)
		},
		"humanize": func(v any) string {
			return strings.ReplaceAll(fmt.Sprint(v), "_", " ")
		},
		"fieldError": func(fields map[string]string, key string) string { return fields[key] },
		"list":       func(v ...string) []string { return v },
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}

type pageData struct {
	Title     string
	Path      string
	Principal auth.Principal
	LoggedIn  bool
	CSRFToken string
	Flash     []flash.Message
	Fields    map[string]string
	Query     url.Values
	Data      any
}

func newPageData(c *gin.Context, title string, data any) pageData {
	p, ok := auth.FromContext(c.Request.Context())
	return pageData{
		Title:     title,
		Path:      c.Request.URL.Path,
		Principal: p,
		LoggedIn:  ok,
		CSRFToken: c.GetString(csrfContextKey),
		Query:     c.Request.URL.Query(),
		Data:      data,
	}
}

// render pops pending flash messages into the page and writes it.
func (s *Server) render(c *gin.Context, status int, name, title string, data any) {
	pd := newPageData(c, title, data)
	msgs, err := s.deps.Flash.Pop(c.Request.Context(), sessionID(c))
	if err != nil {
		s.logger.WarnContext(c.Request.Context(), "read flash", "err", err)
	}
	for _, m := range msgs {
		if len(m.Fields) > 0 && pd.Fields == nil {
			pd.Fields = m.Fields
		}
	}
	pd.Flash = msgs
	c.HTML(status, name, pd)
}

// CSRFContext exposes the session's token to templates.
func (s *Server) CSRFContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if p, ok := auth.FromContext(c.Request.Context()); ok {
			c.Set(csrfContextKey, s.csrf.Token(p.SessionID))
		}
		c.Next()
	}
}

func sessionID(c *gin.Context) string {
	p, _ := auth.FromContext(c.Request.Context())
	return p.SessionID
}
