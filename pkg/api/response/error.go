package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/wheelsort/wheelsort/pkg/emc"
	"github.com/wheelsort/wheelsort/pkg/queue"
	"github.com/wheelsort/wheelsort/pkg/sorter"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id"`
}

// Common error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeUnprocessable      = "UNPROCESSABLE_ENTITY"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// HTTPStatusFromError maps sorter, route store and coordination errors to
// HTTP status codes.
func HTTPStatusFromError(err error) int {
	var (
		notFound    *topology.NotFoundError
		invalid     *topology.InvalidRouteError
		unavailable *topology.StorageUnavailableError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.Is(err, sorter.ErrInvalidParcel), errors.As(err, &invalid):
		return http.StatusBadRequest
	case sorter.IsParcelInFlight(err), errors.Is(err, emc.ErrCoordinationUnconfirmed):
		return http.StatusConflict
	case errors.Is(err, sorter.ErrNoRoute), sorter.IsUnknownDiverter(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sorter.ErrClosed),
		errors.Is(err, emc.ErrNotStarted),
		errors.Is(err, emc.ErrManagerClosed),
		emc.IsTransportError(err),
		errors.As(err, &unavailable),
		queue.IsQueueFull(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromStatus returns an error code for the given HTTP status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusUnprocessableEntity:
		return ErrCodeUnprocessable
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalServer
	}
}

// HandleError writes err with the status HTTPStatusFromError picks.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	Error(w, status, ErrorCodeFromStatus(status), err.Error(), requestID)
}
