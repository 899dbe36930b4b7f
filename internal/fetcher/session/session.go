// Package session implements the registry's session-establishing fetch
// ladder on top of a plain crawler.Fetcher transport.
package session

import (
	"net/http"
	"sort"
	"strings"
)

// Session carries the cookies collected during one ladder attempt. It is a
// value: absorbing a response returns a new Session and leaves the receiver
// untouched.
type Session struct {
	Cookies map[string]string
}

// Absorb returns a copy of s with the response's Set-Cookie values applied.
func (s Session) Absorb(headers http.Header) Session {
	next := Session{Cookies: make(map[string]string, len(s.Cookies))}
	for k, v := range s.Cookies {
		next.Cookies[k] = v
	}
	for _, c := range (&http.Response{Header: headers}).Cookies() {
		if c.Name == "" || c.Value == "" {
			continue
		}
		next.Cookies[c.Name] = c.Value
	}
	return next
}

// CookieHeader renders the cookies as a Cookie request header value, sorted
// by name. It is empty when the session holds no cookies.
func (s Session) CookieHeader() string {
	if len(s.Cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.Cookies))
	for name := range s.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+s.Cookies[name])
	}
	return strings.Join(parts, "; ")
}
