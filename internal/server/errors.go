package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	affordabilitydomain "github.com/tandahq/rueda/internal/affordability/domain"
	"github.com/tandahq/rueda/internal/calendar"
	cascadedomain "github.com/tandahq/rueda/internal/cascade/domain"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	payoutdomain "github.com/tandahq/rueda/internal/payout/domain"
	rankingdomain "github.com/tandahq/rueda/internal/ranking/domain"
	swapdomain "github.com/tandahq/rueda/internal/swap/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ValidationErrors carries request-shape problems so the middleware can
// render them as a 400 with per-field detail.
type ValidationErrors struct {
	Message string
	Fields  []string
}

func (v *ValidationErrors) Error() string {
	if len(v.Fields) == 0 {
		return v.Message
	}
	return v.Message + ": " + strings.Join(v.Fields, ", ")
}

func newValidationError(message string, fields ...string) *ValidationErrors {
	return &ValidationErrors{Message: message, Fields: fields}
}

func invalidRequestError(err error) *ValidationErrors {
	return &ValidationErrors{Message: "invalid request body", Fields: []string{err.Error()}}
}

// AbortWithError records the error for the error middleware and stops the
// handler chain. Handlers never write error bodies themselves.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// ErrorHandlingMiddleware translates domain sentinel errors into HTTP
// responses after the handler chain finishes.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status, payload := mapError(err)
		c.JSON(status, errorResponse{Error: payload})
	}
}

func mapError(err error) (int, errorPayload) {
	var validation *ValidationErrors
	if errors.As(err, &validation) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: validation.Message,
			Errors:  validation.Fields,
		}
	}

	switch {
	case isNotFound(err):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}
	case isConflict(err):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}
	case isUnprocessable(err):
		return http.StatusUnprocessableEntity, errorPayload{Type: "unprocessable", Message: err.Error()}
	case errors.Is(err, cascadedomain.ErrNotMediator):
		return http.StatusForbidden, errorPayload{Type: "forbidden", Message: err.Error()}
	case isBadRequest(err):
		return http.StatusBadRequest, errorPayload{Type: "invalid_request", Message: err.Error()}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "an unexpected error occurred",
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, circledomain.ErrNotFound) ||
		errors.Is(err, circledomain.ErrMemberNotFound) ||
		errors.Is(err, circledomain.ErrCycleNotFound) ||
		errors.Is(err, contributiondomain.ErrNotFound) ||
		errors.Is(err, cascadedomain.ErrNotFound) ||
		errors.Is(err, payoutdomain.ErrNotFound) ||
		errors.Is(err, ledgerdomain.ErrUnknownAccount) ||
		errors.Is(err, gorm.ErrRecordNotFound)
}

func isConflict(err error) bool {
	return errors.Is(err, circledomain.ErrStaleVersion) ||
		errors.Is(err, circledomain.ErrInvalidStatus) ||
		errors.Is(err, circledomain.ErrCircleFull) ||
		errors.Is(err, circledomain.ErrTermsLocked) ||
		errors.Is(err, circledomain.ErrRecipientLocked) ||
		errors.Is(err, contributiondomain.ErrAlreadySettled) ||
		errors.Is(err, contributiondomain.ErrInvalidTransition) ||
		errors.Is(err, cascadedomain.ErrAlreadyResolved) ||
		errors.Is(err, cascadedomain.ErrInvalidTransition) ||
		errors.Is(err, cascadedomain.ErrPlanExists) ||
		errors.Is(err, payoutdomain.ErrAlreadyScheduled) ||
		errors.Is(err, payoutdomain.ErrInvalidTransition) ||
		errors.Is(err, ledgerdomain.ErrDuplicatePosting)
}

func isUnprocessable(err error) bool {
	return errors.Is(err, swapdomain.ErrConsentRequired) ||
		errors.Is(err, swapdomain.ErrSameMember) ||
		errors.Is(err, swapdomain.ErrNoPosition) ||
		errors.Is(err, swapdomain.ErrPositionPaidOut) ||
		errors.Is(err, swapdomain.ErrRiskCapViolated) ||
		errors.Is(err, payoutdomain.ErrNotEligible) ||
		errors.Is(err, rankingdomain.ErrOrderFrozen) ||
		errors.Is(err, rankingdomain.ErrNoMembers) ||
		errors.Is(err, cascadedomain.ErrGraceCapReached) ||
		errors.Is(err, cascadedomain.ErrDisputed) ||
		errors.Is(err, circledomain.ErrRecipientUnresolved) ||
		errors.Is(err, circledomain.ErrRankingIncomplete) ||
		errors.Is(err, ledgerdomain.ErrInsufficientFunds)
}

func isBadRequest(err error) bool {
	return errors.Is(err, circledomain.ErrInvalidID) ||
		errors.Is(err, circledomain.ErrInvalidAmount) ||
		errors.Is(err, circledomain.ErrInvalidCapacity) ||
		errors.Is(err, circledomain.ErrMissingStartDate) ||
		errors.Is(err, contributiondomain.ErrInvalidID) ||
		errors.Is(err, cascadedomain.ErrInvalidID) ||
		errors.Is(err, cascadedomain.ErrInvalidAmount) ||
		errors.Is(err, cascadedomain.ErrInvalidInstallment) ||
		errors.Is(err, cascadedomain.ErrReasonRequired) ||
		errors.Is(err, payoutdomain.ErrInvalidID) ||
		errors.Is(err, affordabilitydomain.ErrInvalidID) ||
		errors.Is(err, affordabilitydomain.ErrInvalidAmount) ||
		errors.Is(err, ledgerdomain.ErrInvalidAmount) ||
		errors.Is(err, ledgerdomain.ErrUnbalancedEntry) ||
		errors.Is(err, ledgerdomain.ErrMissingCircleScope) ||
		errors.Is(err, calendar.ErrInvalidFrequency)
}
