package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/vida/internal/deadletter"
	delivery "github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/smallbiznis/vida/internal/dispatcher"
	invoicedomain "github.com/smallbiznis/vida/internal/invoice/domain"
	"github.com/smallbiznis/vida/internal/replay"
	storage "github.com/smallbiznis/vida/internal/storage/domain"
	"github.com/smallbiznis/vida/internal/webhook"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func fromIssues(issues []storage.ValidationIssue) []ValidationError {
	out := make([]ValidationError, 0, len(issues))
	for _, issue := range issues {
		out = append(out, ValidationError{Field: issue.Path, Code: "invalid", Message: issue.Msg})
	}
	return out
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var (
		vErrs     *ValidationErrors
		invErr    *invoicedomain.ValidationError
		payErr    *webhook.PayloadError
		exhausted *dispatcher.ExhaustedError
	)
	if errors.Is(err, dispatcher.ErrStorage) {
		return http.StatusInternalServerError, errorPayload{
			Type:    "storage_error",
			Message: "failed to persist request state",
		}
	}

	switch {
	case errors.As(err, &vErrs):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErrs.Errors,
		}
	case errors.As(err, &invErr):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  fromIssues(invErr.Issues),
		}
	case errors.As(err, &payErr):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_payload",
			Message: "invalid payload",
			Errors:  fromIssues(payErr.Issues),
		}
	case errors.As(err, &exhausted):
		return http.StatusBadGateway, errorPayload{
			Type:    "delivery_failed",
			Message: delivery.ErrorMessage(exhausted.Err),
		}
	}

	switch {
	case errors.Is(err, dispatcher.ErrDeliveryFailed):
		return http.StatusBadGateway, errorPayload{
			Type:    "delivery_failed",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, replay.ErrInvalidSignature),
		errors.Is(err, replay.ErrMissingSignature),
		errors.Is(err, webhook.ErrStaleEvent):
		return http.StatusUnauthorized, errorPayload{
			Type:    err.Error(),
			Message: "webhook rejected",
		}
	case errors.Is(err, replay.ErrMissingSecret):
		return http.StatusInternalServerError, errorPayload{
			Type:    "webhook_secret_unset",
			Message: "webhook secret is not configured",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case isBadRequest(err):
		return http.StatusBadRequest, errorPayload{
			Type:    badRequestType(err),
			Message: err.Error(),
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, deadletter.ErrRetryInProgress):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "a dead letter retry is already running",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, webhook.ErrStatusUpdate):
		return http.StatusInternalServerError, errorPayload{
			Type:    "failed_to_update_status",
			Message: "failed to update status",
		}
	case errors.Is(err, webhook.ErrArchive):
		return http.StatusInternalServerError, errorPayload{
			Type:    "failed_to_archive",
			Message: "failed to archive document",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

var badRequestErrors = []error{
	ErrInvalidRequest,
	invoicedomain.ErrInvalidRequest,
	webhook.ErrMissingEventID,
	webhook.ErrInvalidEventTimestamp,
	webhook.ErrInvalidJSON,
	webhook.ErrInvalidPayload,
	webhook.ErrMissingDocumentID,
	webhook.ErrMissingStatus,
}

func isBadRequest(err error) bool {
	return badRequestType(err) != ""
}

func badRequestType(err error) string {
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return ""
}

// classifyErrorForLog returns the error type and code logged with a request.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server", payload.Type
	default:
		return "client", payload.Type
	}
}
