package domain

import "errors"

// Domain errors
var (
	ErrMethodNotAllowed     = errors.New("method not allowed")
	ErrMalformedBody        = errors.New("malformed request body")
	ErrValidation           = errors.New("score validation failed")
	ErrPersistence          = errors.New("score persistence failed")
	ErrConfigurationMissing = errors.New("database configuration missing")
	ErrStorageUnavailable   = errors.New("local storage unavailable")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrInternalError        = errors.New("internal server error")
)

// IsClientError reports whether err should be answered with a 4xx status.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedBody) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMethodNotAllowed) ||
		errors.Is(err, ErrRateLimited)
}
