// ABOUTME: Error types shared by platform adapters
// ABOUTME: APIError carries the HTTP status and response body of failed platform calls

package platform

import (
	"errors"
	"fmt"

	"github.com/2389/deskbridge/internal/store"
)

var (
	// ErrAPI matches any failed platform API call
	ErrAPI = errors.New("platform api error")

	// ErrDeliveryFailed means no known conversation id accepted a message
	ErrDeliveryFailed = errors.New("message delivery failed")

	// ErrInvalidSignature means a webhook signature did not verify
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// APIError describes a non-2xx response or transport failure.
type APIError struct {
	Platform   store.Platform
	Op         string
	StatusCode int // 0 for transport failures
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Platform, e.Op, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: status %d: %v", e.Platform, e.Op, e.StatusCode, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Platform, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Platform, e.Op, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrAPI) match.
func (e *APIError) Is(target error) bool {
	return target == ErrAPI
}

// DeliveryError wraps the last attempt's error.
func DeliveryError(p store.Platform, attempted []string, last error) error {
	return fmt.Errorf("%w: %s tried %v: %w", ErrDeliveryFailed, p, attempted, last)
}
