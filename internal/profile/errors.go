package profile

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by ServiceError when the backend rejected a
// payload (duplicate nickname, prefix too short, malformed profile).
var ErrValidation = errors.New("rejected by profile service")

// ErrInvalidProfile is returned by Validate for profiles that do not meet
// the presentation config.
var ErrInvalidProfile = errors.New("invalid profile")

// ServiceError reports a failed call to the profile service. The store
// returns it to callers unchanged.
type ServiceError struct {
	Op         string // service operation, e.g. "get_all_profiles"
	StatusCode int    // HTTP status when the backend answered, else 0
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	msg := "profile service: " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a backend validation rejection.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
