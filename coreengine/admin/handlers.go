package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/kernel"
)

// DecisionRequest is the body of POST /v1/workflows/{id}/decision.
type DecisionRequest struct {
	// Decision is "APPROVE", "CHANGES:<feedback>" or "REJECT:<reason>".
	Decision string `json:"decision"`
}

// CancelRequest is the body of POST /v1/workflows/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"workflows":         len(a.dispatcher.List(r.Context())),
		"pending_approvals": len(a.dispatcher.Inbox().Pending()),
	})
}

func (a *API) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.dispatcher.List(r.Context()))
}

func (a *API) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req kernel.CreateRequest
	if err := decode(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	wf, err := a.dispatcher.Start(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/workflows/"+wf.ID)
	writeJSON(w, http.StatusCreated, wf)
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := a.dispatcher.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := a.dispatcher.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *API) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var p handoff.Packet
	if err := decode(w, r, &p); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if p.WorkflowID == "" {
		writeProblem(w, r, http.StatusUnprocessableEntity, "invalid_packet", "workflow_id is required")
		return
	}
	tr, err := a.dispatcher.Submit(r.Context(), p)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if tr.Deferred {
		status = http.StatusAccepted
	}
	writeJSON(w, status, tr)
}

func (a *API) handleApprovals(w http.ResponseWriter, r *http.Request) {
	inbox := a.dispatcher.Inbox()
	if id := r.URL.Query().Get("workflow_id"); id != "" {
		writeJSON(w, http.StatusOK, inbox.ForWorkflow(id))
		return
	}
	writeJSON(w, http.StatusOK, inbox.Pending())
}

func (a *API) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := decode(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	dec, err := kernel.ParseDecision(req.Decision)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	dec.Approver, _ = ApproverFromContext(r.Context())

	tr, err := a.dispatcher.Resolve(r.Context(), chi.URLParam(r, "id"), dec)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeProblem(w, r, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
	}
	id := chi.URLParam(r, "id")
	if err := a.dispatcher.Cancel(r.Context(), id, req.Reason); err != nil {
		a.writeError(w, r, err)
		return
	}
	wf, err := a.dispatcher.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}
