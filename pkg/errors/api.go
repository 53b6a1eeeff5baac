package errors

import "net/http"

// API error codes
const (
	// APIErrBadRequest indicates a bad request
	APIErrBadRequest = "API_BAD_REQUEST"
	// APIErrUnauthorized indicates an unauthorized request
	APIErrUnauthorized = "API_UNAUTHORIZED"
	// APIErrNotFound indicates a resource was not found
	APIErrNotFound = "API_NOT_FOUND"
	// APIErrConflict indicates a conflict
	APIErrConflict = "API_CONFLICT"
	// APIErrInternalServer indicates an internal server error
	APIErrInternalServer = "API_INTERNAL_SERVER"
	// APIErrServiceUnavailable indicates a service is unavailable
	APIErrServiceUnavailable = "API_SERVICE_UNAVAILABLE"
	// APIErrRateLimitExceeded indicates a rate limit was exceeded
	APIErrRateLimitExceeded = "API_RATE_LIMIT_EXCEEDED"
)

// API domain name
const APIDomain = "api"

// API operations
const (
	OpHandleRequest    = "HandleRequest"
	OpParseRequestBody = "ParseRequestBody"
	OpStartServer      = "StartServer"
	OpShutdownServer   = "ShutdownServer"
)

// NewAPIError creates a new API error
func NewAPIError(code string, message string, err error) error {
	return domainError(APIDomain, "", code, message, err)
}

// APIErrorf creates a new API error with formatted message
func APIErrorf(code string, format string, args ...interface{}) error {
	return domainError(APIDomain, "", code, Sprintf(format, args...), nil)
}

// APIWrap wraps an error with API domain
func APIWrap(err error, operation string, message string) error {
	if err == nil {
		return nil
	}
	return domainError(APIDomain, operation, "", message, err)
}

// IsAPIError checks if an error is an API error with the given code
func IsAPIError(err error, code string) bool {
	return isDomainError(err, APIDomain, code)
}

// HTTPStatus maps any domain error to the HTTP status the API answers with.
func HTTPStatus(err error) int {
	var domainErr *Error
	if !As(err, &domainErr) {
		return http.StatusInternalServerError
	}

	switch domainErr.Code {
	case APIErrBadRequest,
		SubmissionErrUnknownOperation,
		SubmissionErrInvalidArguments,
		SubmissionErrNoSigner,
		SubmissionErrNoSource:
		return http.StatusBadRequest
	case APIErrUnauthorized:
		return http.StatusUnauthorized
	case APIErrNotFound, QueueErrUnknownTransaction, StorageErrNotFound:
		return http.StatusNotFound
	case APIErrConflict, SubmissionErrInFlight, SubmissionErrDisabled:
		return http.StatusConflict
	case APIErrRateLimitExceeded:
		return http.StatusTooManyRequests
	case APIErrServiceUnavailable, QueueErrStopped, SubmissionErrDisposed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
