package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/loyara/internal/ledger/domain"
	profiledomain "github.com/smallbiznis/loyara/internal/profile/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInternal       = errors.New("internal_error")
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

func invalidRequestError() error {
	return ErrInvalidRequest
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	case errors.Is(err, profiledomain.ErrNotFound),
		errors.Is(err, ledgerdomain.ErrProfileNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case errors.Is(err, profiledomain.ErrAlreadyEnrolled):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}
	case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
		return http.StatusConflict, errorPayload{Type: "insufficient_balance", Message: err.Error()}
	case errors.Is(err, ledgerdomain.ErrConcurrentUpdateConflict):
		return http.StatusConflict, errorPayload{Type: "concurrent_update_conflict", Message: err.Error()}
	case errors.Is(err, ledgerdomain.ErrProfileInactive):
		return http.StatusConflict, errorPayload{Type: "profile_inactive", Message: err.Error()}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal error"}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, profiledomain.ErrInvalidCustomerID),
		errors.Is(err, profiledomain.ErrInvalidName),
		errors.Is(err, profiledomain.ErrInvalidEmail),
		errors.Is(err, ledgerdomain.ErrInvalidPointsAmount),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidOccasion):
		return true
	default:
		return false
	}
}
