package web

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URLBuilder renders absolute links under the configured base URL.
type URLBuilder struct {
	base *url.URL
}

func NewURLBuilder(base string) (URLBuilder, error) {
	if base == "" {
		base = "http://localhost:8080"
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return URLBuilder{}, fmt.Errorf("web: base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return URLBuilder{}, fmt.Errorf("web: base url %q must be absolute", base)
	}
	return URLBuilder{base: u}, nil
}

// URL joins path onto the base and appends non-empty query values.
func (b URLBuilder) URL(path string, query url.Values) string {
	u := *b.base
	u.Path = strings.TrimRight(b.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = encodeQuery(query)
	return u.String()
}

// Page is the link to page n of the current listing, keeping its filters.
func (b URLBuilder) Page(path string, query url.Values, n int) string {
	q := url.Values{}
	for k, v := range query {
		if k == "page" || k == "export" {
			continue
		}
		q[k] = v
	}
	q.Set("page", strconv.Itoa(n))
	return b.URL(path, q)
}

// Export is the CSV link for the current listing.
func (b URLBuilder) Export(path string, query url.Values) string {
	q := url.Values{}
	for k, v := range query {
		if k == "page" || k == "per_page" {
			continue
		}
		q[k] = v
	}
	q.Set("export", "csv")
	return b.URL(path, q)
}

func encodeQuery(query url.Values) string {
	clean := url.Values{}
	for k, vs := range query {
		for _, v := range vs {
			if v != "" {
				clean.Add(k, v)
			}
		}
	}
	return clean.Encode()
}
