// errors.go - Structured error handling for API responses
package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/ble-bridge/backend/internal/transport"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewUnauthorizedError creates a 401 error for a missing or wrong bearer token
func NewUnauthorizedError() *APIError {
	return &APIError{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: "missing or invalid bearer token",
	}
}

// NewTooManyRequestsError creates a 429 error
func NewTooManyRequestsError() *APIError {
	return &APIError{
		Status:  http.StatusTooManyRequests,
		Code:    "RATE_LIMITED",
		Message: "too many debug requests",
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// FromFault converts a transport fault into an APIError. Errors that are
// not transport faults become 500s.
func FromFault(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	code := transport.Code(err)
	switch code {
	case transport.CodeConflict, transport.CodeBusy, transport.CodeInvalidState:
		return &APIError{Status: http.StatusConflict, Code: code, Message: err.Error()}
	case transport.CodeAdapter:
		phase, _ := transport.AdapterPhase(err)
		return &APIError{Status: http.StatusBadGateway, Code: code, Message: err.Error(), Details: "phase: " + phase}
	}
	return NewInternalError("unexpected failure", err)
}

// NewErrorHandler returns an echo HTTPErrorHandler that renders every error
// as an APIError.
func NewErrorHandler(log *logrus.Entry) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *APIError
		switch e := err.(type) {
		case *APIError:
			apiErr = e
		case *echo.HTTPError:
			apiErr = &APIError{
				Status:  e.Code,
				Code:    "HTTP_ERROR",
				Message: fmt.Sprintf("%v", e.Message),
			}
		default:
			apiErr = FromFault(err)
		}

		if apiErr.Status >= http.StatusInternalServerError {
			log.WithError(err).WithField("path", c.Request().URL.Path).Error("request failed")
		}
		if err := c.JSON(apiErr.Status, apiErr); err != nil {
			log.WithError(err).Debug("failed to write error response")
		}
	}
}
