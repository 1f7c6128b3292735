package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/tollgate/internal/admission"
	"github.com/fentz26/tollgate/internal/ledger"
	"github.com/fentz26/tollgate/internal/scheduler"
	"github.com/fentz26/tollgate/internal/tasks"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownIntent  = errors.New("unknown intent")
	ErrTaskNotFound   = tasks.ErrTaskNotFound
)

// httpStatus maps a service error to a response code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, admission.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ledger.ErrUnknownPlan):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrInvalidTransition), errors.Is(err, tasks.ErrTaskTerminal):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownIntent), errors.Is(err, ledger.ErrNegativeAmount):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
