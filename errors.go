package mermaidetl

import (
	"errors"
	"fmt"
)

// ErrSkipRecord is returned by a mapping when a record cannot produce a row,
// for example because its natural key is missing. Skipped records are counted
// and logged but never fail a unit.
var ErrSkipRecord = errors.New("mermaidetl: record skipped")

// FetchError is a non-retryable API failure such as a 4xx response.
type FetchError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TransientFetchError reports an API call that kept failing with retryable
// errors until the retry budget was exhausted.
type TransientFetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s: giving up after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// WriteError reports a batch whose transaction failed on every attempt.
type WriteError struct {
	Table    string
	Batch    int
	Rows     int
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write batch %d (%d rows) to %s: giving up after %d attempts: %v",
		e.Batch, e.Rows, e.Table, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DiscoveryError means the project list could not be built. It is the only
// error that aborts a whole run.
type DiscoveryError struct {
	Tag string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover projects tagged %q: %v", e.Tag, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// retryableError marks an API failure the retry policy may try again.
type retryableError struct {
	url        string
	statusCode int
	err        error
}

func (e *retryableError) Error() string {
	if e.statusCode != 0 {
		return fmt.Sprintf("%s: status %d", e.url, e.statusCode)
	}
	return fmt.Sprintf("%s: %v", e.url, e.err)
}

func (e *retryableError) Unwrap() error { return e.err }
