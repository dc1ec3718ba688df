package cache

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestKey identifies a stored response: method plus URL.
type RequestKey struct {
	// Method is the request method (only GET is ever stored)
	Method string

	// URL is the absolute request URL
	URL *url.URL
}

// KeyFor derives the key of req.
func KeyFor(req *http.Request) RequestKey {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: req.URL}
}

// String generates a deterministic key string.
// Format: METHOD URL, with the fragment dropped and the scheme/host lowercased.
//
// Example:
//
//	GET https://app.example.com/workout-planner/index.html
func (k RequestKey) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = http.MethodGet
	}
	if k.URL == nil {
		return method + " "
	}
	u := *k.URL
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" && u.Host != "" {
		u.Path = "/"
	}
	return method + " " + u.String()
}
