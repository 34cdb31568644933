package githubapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v75/github"
)

// EndpointStatus represents a normalized GitHub API endpoint outcome.
type EndpointStatus string

const (
	// EndpointStatusOK indicates a successful response.
	EndpointStatusOK EndpointStatus = "ok"
	// EndpointStatusUnauthorized indicates missing or invalid credentials.
	EndpointStatusUnauthorized EndpointStatus = "unauthorized"
	// EndpointStatusForbidden indicates authorization failure or restricted access.
	EndpointStatusForbidden EndpointStatus = "forbidden"
	// EndpointStatusNotFound indicates the resource does not exist or is hidden.
	EndpointStatusNotFound EndpointStatus = "not_found"
	// EndpointStatusUnprocessable indicates request validation failure, like an invalid search query.
	EndpointStatusUnprocessable EndpointStatus = "unprocessable"
	// EndpointStatusRateLimited indicates a primary or secondary rate limit rejection.
	EndpointStatusRateLimited EndpointStatus = "rate_limited"
	// EndpointStatusUnavailable indicates a temporary service-side failure.
	EndpointStatusUnavailable EndpointStatus = "unavailable"
	// EndpointStatusUnknown indicates an unclassified non-success status.
	EndpointStatusUnknown EndpointStatus = "unknown"
)

// RemoteAPIError is returned when GitHub answers with a non-success status.
type RemoteAPIError struct {
	Endpoint   string
	StatusCode int
	Status     EndpointStatus
	Err        error
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("%s: github returned %d (%s): %v", e.Endpoint, e.StatusCode, e.Status, e.Err)
}

func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

// TransportError is returned when a request never produced an HTTP response.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// classifyError converts a go-github call failure into a RemoteAPIError or TransportError.
func classifyError(endpoint string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}

	statusCode := 0
	if resp != nil && resp.Response != nil {
		statusCode = resp.StatusCode
	}

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	var errResp *github.ErrorResponse
	switch {
	case errors.As(err, &rateErr):
		if statusCode == 0 && rateErr.Response != nil {
			statusCode = rateErr.Response.StatusCode
		}
		return &RemoteAPIError{Endpoint: endpoint, StatusCode: statusCode, Status: EndpointStatusRateLimited, Err: err}
	case errors.As(err, &abuseErr):
		if statusCode == 0 && abuseErr.Response != nil {
			statusCode = abuseErr.Response.StatusCode
		}
		return &RemoteAPIError{Endpoint: endpoint, StatusCode: statusCode, Status: EndpointStatusRateLimited, Err: err}
	case errors.As(err, &errResp):
		if statusCode == 0 && errResp.Response != nil {
			statusCode = errResp.Response.StatusCode
		}
		return &RemoteAPIError{Endpoint: endpoint, StatusCode: statusCode, Status: endpointStatusFromHTTP(statusCode), Err: err}
	}

	if statusCode != 0 {
		return &RemoteAPIError{Endpoint: endpoint, StatusCode: statusCode, Status: endpointStatusFromHTTP(statusCode), Err: err}
	}
	return &TransportError{Endpoint: endpoint, Err: err}
}

func endpointStatusFromHTTP(statusCode int) EndpointStatus {
	switch statusCode {
	case http.StatusUnauthorized:
		return EndpointStatusUnauthorized
	case http.StatusForbidden:
		return EndpointStatusForbidden
	case http.StatusNotFound:
		return EndpointStatusNotFound
	case http.StatusUnprocessableEntity:
		return EndpointStatusUnprocessable
	case http.StatusTooManyRequests:
		return EndpointStatusRateLimited
	}
	if statusCode >= 200 && statusCode <= 299 {
		return EndpointStatusOK
	}
	if statusCode >= 500 {
		return EndpointStatusUnavailable
	}
	return EndpointStatusUnknown
}
