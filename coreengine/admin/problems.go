package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/moogar0880/problems"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/kernel"
)

const problemContentType = "application/problem+json"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, kind, detail string) {
	problem := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(kind).
		WithDetail(detail)

	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeError renders a dispatcher error as a problem document.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	var routing *kernel.RoutingError
	switch {
	case errors.Is(err, kernel.ErrWorkflowNotFound):
		writeProblem(w, r, http.StatusNotFound, "workflow_not_found", err.Error())
	case errors.Is(err, kernel.ErrUnknownTask):
		writeProblem(w, r, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, kernel.ErrWorkflowExists):
		writeProblem(w, r, http.StatusConflict, "workflow_exists", err.Error())
	case errors.Is(err, kernel.ErrWorkflowTerminal),
		errors.Is(err, kernel.ErrWorkflowActive),
		errors.Is(err, kernel.ErrNoPendingApproval),
		errors.As(err, &routing):
		writeProblem(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, handoff.ErrInvalidPacket):
		writeProblem(w, r, http.StatusUnprocessableEntity, "invalid_packet", err.Error())
	case errors.Is(err, kernel.ErrInvalidDecision),
		errors.Is(err, kernel.ErrInvalidRequest),
		errors.As(err, &verrs):
		writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
	default:
		a.logger.Error("admin_request_failed", "path", r.URL.Path, "error", err)
		problem := problems.NewStatusProblem(http.StatusInternalServerError).
			WithInstance(r.URL.Path).
			WithType("internal_error").
			WithError(err)
		w.Header().Set("Content-Type", problemContentType)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(problem)
	}
}
