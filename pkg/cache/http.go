package cache

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// readOnce drains resp's body, failing with ErrBodyUsed if someone got there first.
func readOnce(resp *http.Response) ([]byte, error) {
	if BodyUsed(resp) {
		return nil, ErrBodyUsed
	}
	if resp.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return data, nil
}

// Duplicate returns an independent copy of resp. Both resp and the copy get
// fresh unread bodies. It must be called before either consumer reads:
// duplicating a used body fails with ErrBodyUsed.
func Duplicate(resp *http.Response) (*http.Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	data, err := readOnce(resp)
	if err != nil {
		return nil, err
	}
	resp.Body = newBytesBody(data)

	dup := new(http.Response)
	*dup = *resp
	dup.Header = resp.Header.Clone()
	dup.Trailer = resp.Trailer.Clone()
	dup.Body = newBytesBody(data)
	return dup, nil
}

// Capture consumes resp's body and returns a snapshot of it. resp is left
// without a readable body; use Duplicate first when the caller also needs it.
func Capture(resp *http.Response) (*Snapshot, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}
	data, err := readOnce(resp)
	if err != nil {
		return nil, err
	}
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(data)))

	snap := &Snapshot{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     data,
		StoredAt: time.Now().UTC(),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		snap.URL = resp.Request.URL.String()
	}
	return snap, nil
}
