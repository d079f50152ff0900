package handlers

import (
	"context"
	"net/http"
	"strings"

	"berkut-incidents/core/auth"
	"berkut-incidents/core/escalation"
	"berkut-incidents/core/incidents"
	"berkut-incidents/core/store"
	"berkut-incidents/core/utils"
	"berkut-incidents/core/workload"
)

type IncidentService interface {
	CreateIncident(ctx context.Context, in incidents.CreateInput) (*store.Incident, error)
	UpdateIncidentStatus(ctx context.Context, id int64, status store.Status, actor int64, notes string) (*store.Incident, error)
	AssignIncident(ctx context.Context, id, userID, actor int64) (*store.Incident, error)
	AutoAssignIncident(ctx context.Context, id, actor int64) (*incidents.AutoAssignResult, error)
	AddEvidence(ctx context.Context, id int64, in incidents.EvidenceInput) (*store.Evidence, error)
	TransferCustody(ctx context.Context, id int64, evidenceID string, in incidents.CustodyInput) (*store.Evidence, error)
	AddNote(ctx context.Context, id int64, text string, actor int64) (*store.TimelineEvent, error)
	EscalateIncident(ctx context.Context, id int64, reason string, actor int64, newPriority *store.Priority) (*store.Incident, error)
	GetIncidentDetails(ctx context.Context, id int64) (*incidents.Details, error)
	GetUserWorkloads(ctx context.Context, storeID string) ([]workload.UserWorkload, error)
}

type SweepRunner interface {
	RunEscalationSweep(ctx context.Context) (*escalation.Report, error)
}

type IncidentsHandler struct {
	svc    IncidentService
	sweep  SweepRunner
	logger *utils.Logger
}

func NewIncidentsHandler(svc IncidentService, sweep SweepRunner, logger *utils.Logger) *IncidentsHandler {
	return &IncidentsHandler{svc: svc, sweep: sweep, logger: logger}
}

func actorID(r *http.Request) int64 {
	if a, ok := auth.ActorFromContext(r.Context()); ok {
		return a.UserID
	}
	return store.SystemActor
}

func (h *IncidentsHandler) incidentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := parseID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "incidents.badID"})
	}
	return id, ok
}

func (h *IncidentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in incidents.CreateInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.ReportedBy == 0 {
		in.ReportedBy = actorID(r)
	}
	inc, err := h.svc.CreateIncident(r.Context(), in)
	if err != nil && inc == nil {
		writeError(w, h.logger, r, err)
		return
	}
	resp := createResponse{Incident: inc}
	if err != nil {
		// Stored but not assigned; a retry would duplicate the incident.
		resp.AssignError = err.Error()
		h.logger.Warnf("incident %d created without assignee: %v", inc.ID, err)
	}
	writeJSON(w, http.StatusCreated, resp)
}

type createResponse struct {
	*store.Incident
	AssignError string `json:"assign_error,omitempty"`
}

func (h *IncidentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.incidentID(w, r)
	if !ok {
		return
	}
	details, err := h.svc.GetIncidentDetails(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *IncidentsHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.incidentID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	status, valid := store.ParseStatus(payload.Status)
	if !valid {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "incidents.statusInvalid", Message: payload.Status})
		return
	}
	inc, err := h.svc.UpdateIncidentStatus(r.Context(), id, status, actorID(r), payload.Notes)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentsHandler) Assign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.incidentID(w, r)
	if !ok {
		return
	}
	var payload struct {
		UserID int64 `json:"user_id"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	inc, err := h.svc.AssignIncident(r.Context(), id, payload.UserID, actorID(r))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentsHandler) AutoAssign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.incidentID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.AutoAssignIncident(r.Context(), id, actorID(r))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *IncidentsHandler) AddEvidence(w http.ResponseWriter, r *http.Request) {
	id, ok := h.incidentID(w, r)
	if !ok {
		return
	}
	var in incidents.EvidenceInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.CollectedBy == 0 {
		in.CollectedBy = actorID(r)
	}
	item, err := h.svc.AddEvidence(r.Context(), id, in)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *IncidentsHandler) TransferCustody(w http.ResponseWriter, r *http.Request) {
	id, ok := h.incidentID(w, r)
	if !ok {
		return
	}
	evidenceID := strings.TrimSpace(urlParam(r, "evidence_id"))
	var in incidents.CustodyInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Person == 0 {
		in.Person = actorID(r)
	}
	item, err := h.svc.TransferCustody(r.Context(), id, evidenceID, in)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *IncidentsHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.incidentID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Text string `json:"text"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	ev, err := h.svc.AddNote(r.Context(), id, payload.Text, actorID(r))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (h *IncidentsHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.incidentID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Reason      string          `json:"reason"`
		NewPriority *store.Priority `json:"new_priority"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	inc, err := h.svc.EscalateIncident(r.Context(), id, payload.Reason, actorID(r), payload.NewPriority)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentsHandler) Workloads(w http.ResponseWriter, r *http.Request) {
	storeID := strings.TrimSpace(urlParam(r, "store_id"))
	items, err := h.svc.GetUserWorkloads(r.Context(), storeID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if items == nil {
		items = []workload.UserWorkload{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"store_id": storeID, "items": items})
}

func (h *IncidentsHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweep == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "escalation.disabled"})
		return
	}
	rep, err := h.sweep.RunEscalationSweep(r.Context())
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
