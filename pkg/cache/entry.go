package cache

import (
	"fmt"
	"net/http"
	"time"
)

// Snapshot is an immutable capture of a response as it is kept in a store.
type Snapshot struct {
	// Status is the HTTP status code
	Status int `json:"status"`

	// Header holds the response headers
	Header http.Header `json:"header"`

	// Body is the full response body
	Body []byte `json:"body"`

	// URL is the request URL the response answered
	URL string `json:"url"`

	// StoredAt is when the snapshot was written
	StoredAt time.Time `json:"stored_at"`
}

// OK reports whether the status is in the 2xx range.
func (s *Snapshot) OK() bool {
	return s.Status >= 200 && s.Status < 300
}

// Response builds a fresh, unread response from the snapshot. Each call
// returns an independent body.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          newBytesBody(s.Body),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}
