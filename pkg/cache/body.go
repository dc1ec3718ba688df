package cache

import (
	"bytes"
	"io"
	"net/http"
	"sync/atomic"
)

// Body is a response body that can be read exactly once. Every body handed
// out by the network layer or by a cache match is a *Body, so code that both
// returns and persists a response is forced through Duplicate.
type Body struct {
	rc   io.ReadCloser
	used atomic.Bool
}

// NewBody wraps rc. A nil rc yields an empty body.
func NewBody(rc io.ReadCloser) *Body {
	if rc == nil {
		rc = http.NoBody
	}
	if b, ok := rc.(*Body); ok {
		return b
	}
	return &Body{rc: rc}
}

func newBytesBody(data []byte) *Body {
	return &Body{rc: io.NopCloser(bytes.NewReader(data))}
}

// Read marks the body as used.
func (b *Body) Read(p []byte) (int, error) {
	b.used.Store(true)
	return b.rc.Read(p)
}

// Close closes the underlying stream.
func (b *Body) Close() error {
	return b.rc.Close()
}

// Used reports whether any consumer has started reading the body.
func (b *Body) Used() bool {
	return b.used.Load()
}

// BodyUsed reports whether resp's body has already been (partly) consumed.
func BodyUsed(resp *http.Response) bool {
	if resp == nil || resp.Body == nil {
		return false
	}
	b, ok := resp.Body.(*Body)
	return ok && b.Used()
}
