package freesound

import "fmt"

// ResolutionError is returned when a source cannot be mapped to a fetchable
// asset. It is surfaced to the caller immediately and never queued.
type ResolutionError struct {
	Source string // The source identifier that was rejected
	Reason string // Human-readable explanation
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve source %q: %s", e.Source, e.Reason)
}

// NetworkError represents transport failures and non-2xx responses while
// fetching a sound page or its audio file.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch_page", "fetch_audio")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string
	Err        error // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ContentError represents a response that was delivered but is unusable:
// a page without an audio stream reference, an empty audio body or a file
// that could not be written to the cache.
type ContentError struct {
	Source string
	Reason string
	Err    error
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("invalid content for %s: %s", e.Source, e.Reason)
}

func (e *ContentError) Unwrap() error {
	return e.Err
}
