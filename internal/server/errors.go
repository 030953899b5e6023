package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/stencilworks/tally/internal/audit/domain"
	"github.com/stencilworks/tally/internal/authorization"
	quotadomain "github.com/stencilworks/tally/internal/quota/domain"
	"github.com/stencilworks/tally/internal/ratelimit"
	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
	webhookdomain "github.com/stencilworks/tally/internal/webhook/domain"
	"github.com/stencilworks/tally/pkg/db"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
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

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, webhookdomain.ErrInvalidSignature),
		errors.Is(err, webhookdomain.ErrMalformedEvent):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_webhook",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, subscriptiondomain.ErrStaleEvent):
		// An override that lost the ordering race; the caller must re-read
		// and resubmit with fresher intent.
		return http.StatusConflict, errorPayload{
			Type:    "stale_event",
			Message: "a newer event has already been applied",
		}
	case errors.Is(err, webhookdomain.ErrMissingSecret),
		errors.Is(err, ratelimit.ErrLimiterUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case db.IsDuplicateKeyErr(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "resource already exists",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, subscriptiondomain.ErrInvalidAccount),
		errors.Is(err, subscriptiondomain.ErrInvalidEvent),
		errors.Is(err, subscriptiondomain.ErrUnknownEventType),
		errors.Is(err, subscriptiondomain.ErrInvalidTargetStatus),
		errors.Is(err, subscriptiondomain.ErrInvalidTargetPlan),
		errors.Is(err, subscriptiondomain.ErrMissingJustification),
		errors.Is(err, quotadomain.ErrInvalidAccount),
		errors.Is(err, quotadomain.ErrInvalidOperationClass),
		errors.Is(err, quotadomain.ErrInvalidFeatureKey),
		errors.Is(err, quotadomain.ErrInvalidAmount),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	default:
		return false
	}
}
