package network

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the fetcher.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport failures (no response at all).
	ErrorClassNetwork ErrorClass = "network"
)

// FetchError describes a failed fetch. Transport failures carry Err; bad
// statuses carry StatusCode.
type FetchError struct {
	URL        string
	StatusCode int
	Class      ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s error: %v", e.URL, e.Class, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error (status %d)", e.URL, e.Class, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError builds a FetchError for a response that arrived with a non-2xx
// status.
func StatusError(resp *http.Response) *FetchError {
	fe := &FetchError{StatusCode: resp.StatusCode, Class: ClassifyStatus(resp.StatusCode)}
	if resp.Request != nil && resp.Request.URL != nil {
		fe.URL = resp.Request.URL.String()
	}
	return fe
}

// ClassifyStatus maps an HTTP status onto an error class. 2xx/3xx yield "".
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
// Only transport failures are retried: a response with any status is a
// completed fetch.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassNetwork:
		return true
	default:
		return false
	}
}
