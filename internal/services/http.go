package services

import "net/http"

// MarkerForStatus maps a collaborator HTTP status onto the sentinel marker
// used for error classification. 2xx statuses map to nil.
func MarkerForStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrConfiguration
	case status >= 400 && status < 500:
		return ErrValidation
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		return ErrTransient
	}
}
