package handlers

import (
	"context"
	"net/http"

	"berkut-incidents/core/utils"
)

type RuleSwitch interface {
	SetRuleActive(ctx context.Context, kind string, id int64, active bool) error
}

type RulesHandler struct {
	rules  RuleSwitch
	logger *utils.Logger
}

func NewRulesHandler(rules RuleSwitch, logger *utils.Logger) *RulesHandler {
	return &RulesHandler{rules: rules, logger: logger}
}

func (h *RulesHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r, "rule_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "rules.badID"})
		return
	}
	var payload struct {
		Active *bool `json:"active"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.Active == nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "rules.activeRequired"})
		return
	}
	kind := urlParam(r, "kind")
	if err := h.rules.SetRuleActive(r.Context(), kind, id, *payload.Active); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "id": id, "active": *payload.Active})
}
