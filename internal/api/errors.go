package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"compliance-guardian/internal/guardian"
)

type errorResponse struct {
	Error       string `json:"error"`
	RequestID   string `json:"request_id,omitempty"`
	ViolationID uint64 `json:"violation_id,omitempty"`
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: msg, RequestID: c.GetString(requestIDKey)})
}

func badRequest(c *gin.Context, err error) {
	abort(c, http.StatusBadRequest, err.Error())
}

// writeError maps guardian errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	resp := errorResponse{Error: err.Error(), RequestID: c.GetString(requestIDKey)}

	var verr *guardian.ViolationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
		resp.ViolationID = verr.ID
	case errors.Is(err, guardian.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, guardian.ErrFundsFrozen):
		status = http.StatusLocked
	case errors.Is(err, guardian.ErrViolationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, guardian.ErrAlreadyResolved),
		errors.Is(err, guardian.ErrOpenViolations),
		errors.Is(err, guardian.ErrTicketUsed),
		errors.Is(err, guardian.ErrTicketConsumed),
		errors.Is(err, guardian.ErrLastAdmin):
		status = http.StatusConflict
	case errors.Is(err, guardian.ErrZeroAddress),
		errors.Is(err, guardian.ErrZeroAmount),
		errors.Is(err, guardian.ErrInvalidDeadline),
		errors.Is(err, guardian.ErrInvalidTicket),
		errors.Is(err, guardian.ErrTicketUnknown),
		errors.Is(err, guardian.ErrInsufficientAuthorization),
		errors.Is(err, guardian.ErrDeadlinePassed),
		errors.Is(err, guardian.ErrZeroPrice),
		errors.Is(err, guardian.ErrEmptyMarket),
		errors.Is(err, guardian.ErrInvalidSeverity),
		errors.Is(err, guardian.ErrInvalidAction):
		status = http.StatusBadRequest
	}
	c.AbortWithStatusJSON(status, resp)
}
