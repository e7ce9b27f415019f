// Package handler exposes the proposal lifecycle over HTTP. Handlers decode,
// delegate to the services and translate the typed error codes to statuses;
// no business rules live here.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildcrest/be-proposals/internal/errors"
	"github.com/buildcrest/be-proposals/internal/repository"
	"github.com/buildcrest/be-proposals/internal/service"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	proposals *service.ProposalService
	versions  *service.VersionService
	approvals *service.ApprovalService
	rules     *service.RuleService
	recorder  *service.EventRecorder
	log       zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	proposals *service.ProposalService,
	versions *service.VersionService,
	approvals *service.ApprovalService,
	rules *service.RuleService,
	recorder *service.EventRecorder,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		proposals: proposals,
		versions:  versions,
		approvals: approvals,
		rules:     rules,
		recorder:  recorder,
		log:       log,
	}
}

// Register wires all routes onto the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)

	mux.HandleFunc("POST /v1/proposals", h.CreateProposal)
	mux.HandleFunc("GET /v1/proposals", h.ListProposals)
	mux.HandleFunc("GET /v1/proposals/{id}", h.GetProposal)
	mux.HandleFunc("POST /v1/proposals/{id}/send", h.SendProposal)
	mux.HandleFunc("POST /v1/proposals/{id}/open", h.MarkOpened)
	mux.HandleFunc("POST /v1/proposals/{id}/sign", h.MarkSigned)
	mux.HandleFunc("POST /v1/proposals/{id}/actions", h.RecordUserAction)
	mux.HandleFunc("GET /v1/proposals/{id}/events", h.ListEvents)

	mux.HandleFunc("POST /v1/proposals/{id}/versions", h.CommitVersion)
	mux.HandleFunc("GET /v1/proposals/{id}/versions", h.VersionHistory)
	mux.HandleFunc("GET /v1/proposals/{id}/versions/current", h.CurrentVersion)
	mux.HandleFunc("GET /v1/versions/{id}", h.GetVersion)

	mux.HandleFunc("GET /v1/proposals/{id}/approval", h.ApprovalStatus)
	mux.HandleFunc("POST /v1/approvals/{id}/decide", h.DecideStep)

	mux.HandleFunc("GET /v1/approval-steps", h.ListStepTemplates)
	mux.HandleFunc("POST /v1/approval-steps", h.CreateStepTemplate)
	mux.HandleFunc("PUT /v1/approval-steps/{id}", h.UpdateStepTemplate)
	mux.HandleFunc("DELETE /v1/approval-steps/{id}", h.DeleteStepTemplate)

	mux.HandleFunc("GET /v1/rules", h.ListRules)
	mux.HandleFunc("POST /v1/rules", h.CreateRule)
	mux.HandleFunc("GET /v1/rules/{id}", h.GetRule)
	mux.HandleFunc("PUT /v1/rules/{id}", h.UpdateRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", h.DeleteRule)
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Proposals ─────────────────────────────────────────────────────────────────

// CreateProposal handles create proposal requests.
func (h *HTTPHandler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title          string                    `json:"title"`
		ClientName     string                    `json:"client_name"`
		ClientEmail    string                    `json:"client_email"`
		ClientPhone    *string                   `json:"client_phone"`
		ClientAddress  *string                   `json:"client_address"`
		Priority       string                    `json:"priority"`
		Currency       string                    `json:"currency"`
		ValidUntil     *time.Time                `json:"valid_until"`
		Content        repository.VersionContent `json:"content"`
		LineItems      []repository.LineItem     `json:"line_items"`
		TaxRatePercent float64                   `json:"tax_rate_percent"`
		Discount       int64                     `json:"discount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	proposal, err := h.proposals.Create(r.Context(), &service.CreateProposalRequest{
		Title:          req.Title,
		ClientName:     req.ClientName,
		ClientEmail:    req.ClientEmail,
		ClientPhone:    req.ClientPhone,
		ClientAddress:  req.ClientAddress,
		Priority:       req.Priority,
		Currency:       req.Currency,
		ValidUntil:     req.ValidUntil,
		Content:        req.Content,
		LineItems:      req.LineItems,
		TaxRatePercent: req.TaxRatePercent,
		DiscountMinor:  req.Discount,
		Actor:          actorFrom(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposal)
}

// GetProposal handles get proposal requests.
func (h *HTTPHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := h.proposals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

// ListProposals handles list proposal requests with optional status and
// priority filters.
func (h *HTTPHandler) ListProposals(w http.ResponseWriter, r *http.Request) {
	status := optionalParam(r, "status")
	priority := optionalParam(r, "priority")
	limit, offset := pagination(r)

	proposals, total, err := h.proposals.List(r.Context(), status, priority, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposals": proposals,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

// SendProposal handles submit-for-delivery requests.
func (h *HTTPHandler) SendProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := h.proposals.Send(r.Context(), r.PathValue("id"), actorFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

// MarkOpened records a client open, reported by the delivery channel.
func (h *HTTPHandler) MarkOpened(w http.ResponseWriter, r *http.Request) {
	proposal, err := h.proposals.MarkOpened(r.Context(), r.PathValue("id"), actorFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

// MarkSigned records a client signature, reported by the delivery channel.
func (h *HTTPHandler) MarkSigned(w http.ResponseWriter, r *http.Request) {
	proposal, err := h.proposals.MarkSigned(r.Context(), r.PathValue("id"), actorFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposal)
}

// RecordUserAction evaluates user_action rules for a named action.
func (h *HTTPHandler) RecordUserAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActionName string `json:"action_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ActionName == "" {
		h.writeError(w, errors.Validation("action_name", "action name is required"))
		return
	}

	if err := h.proposals.RecordUserAction(r.Context(), r.PathValue("id"), req.ActionName, actorFrom(r)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// ListEvents returns a proposal's lifecycle event log.
func (h *HTTPHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	events, total, err := h.recorder.History(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// ── Versions ──────────────────────────────────────────────────────────────────

// CommitVersion appends a new content version.
func (h *HTTPHandler) CommitVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaseVersionID  string                    `json:"base_version_id"`
		Content        repository.VersionContent `json:"content"`
		LineItems      []repository.LineItem     `json:"line_items"`
		TaxRatePercent float64                   `json:"tax_rate_percent"`
		Discount       int64                     `json:"discount"`
		ChangeSummary  string                    `json:"change_summary"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	version, err := h.versions.Commit(r.Context(), &service.CommitVersionRequest{
		ProposalID:     r.PathValue("id"),
		BaseVersionID:  req.BaseVersionID,
		Content:        req.Content,
		LineItems:      req.LineItems,
		TaxRatePercent: req.TaxRatePercent,
		DiscountMinor:  req.Discount,
		ChangeSummary:  req.ChangeSummary,
		Actor:          actorFrom(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

// VersionHistory returns a proposal's versions, newest first.
func (h *HTTPHandler) VersionHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	versions, total, err := h.versions.History(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": versions,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// CurrentVersion returns the current version of a proposal.
func (h *HTTPHandler) CurrentVersion(w http.ResponseWriter, r *http.Request) {
	version, err := h.versions.Current(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// GetVersion returns one historical snapshot without changing which version
// is current.
func (h *HTTPHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := h.versions.Peek(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// ── Approvals ─────────────────────────────────────────────────────────────────

// ApprovalStatus returns the active approval chain for a proposal.
func (h *HTTPHandler) ApprovalStatus(w http.ResponseWriter, r *http.Request) {
	inst, steps, err := h.approvals.ChainStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if inst == nil {
		writeJSON(w, http.StatusOK, map[string]any{"instance": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance": inst,
		"steps":    steps,
	})
}

// DecideStep records an approver's decision on a chain step.
func (h *HTTPHandler) DecideStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StepIndex int    `json:"step_index"`
		Decision  string `json:"decision"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	instanceID := r.PathValue("id")
	if err := h.approvals.Decide(r.Context(), instanceID, req.StepIndex, req.Decision, actorFrom(r)); err != nil {
		h.writeError(w, err)
		return
	}

	inst, steps, err := h.approvals.Instance(r.Context(), instanceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance": inst,
		"steps":    steps,
	})
}

// ── Approval step templates ───────────────────────────────────────────────────

// ListStepTemplates returns the configured approval chain.
func (h *HTTPHandler) ListStepTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.approvals.Templates(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// CreateStepTemplate appends a step to the configured chain.
func (h *HTTPHandler) CreateStepTemplate(w http.ResponseWriter, r *http.Request) {
	var t repository.ApprovalStepTemplate
	if !decodeBody(w, r, &t) {
		return
	}
	if err := h.approvals.AddTemplate(r.Context(), &t); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &t)
}

// UpdateStepTemplate persists template changes.
func (h *HTTPHandler) UpdateStepTemplate(w http.ResponseWriter, r *http.Request) {
	var t repository.ApprovalStepTemplate
	if !decodeBody(w, r, &t) {
		return
	}
	t.ID = r.PathValue("id")
	if err := h.approvals.UpdateTemplate(r.Context(), &t); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &t)
}

// DeleteStepTemplate removes a template from the chain.
func (h *HTTPHandler) DeleteStepTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.approvals.RemoveTemplate(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Workflow rules ────────────────────────────────────────────────────────────

// ListRules returns the rule set. ?active=true filters to active rules.
func (h *HTTPHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	rules, err := h.rules.List(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// CreateRule authors a new workflow rule.
func (h *HTTPHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule ruleRequest
	if !decodeBody(w, r, &rule) {
		return
	}
	wr := rule.toDomain()
	if err := h.rules.Create(r.Context(), wr); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

// GetRule returns one rule by id.
func (h *HTTPHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateRule persists rule changes.
func (h *HTTPHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule ruleRequest
	if !decodeBody(w, r, &rule) {
		return
	}
	wr := rule.toDomain()
	wr.ID = r.PathValue("id")
	if err := h.rules.Update(r.Context(), wr); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// DeleteRule removes a rule.
func (h *HTTPHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ruleRequest is the wire shape of an authored rule.
type ruleRequest struct {
	RuleName    string                   `json:"rule_name"`
	Description *string                  `json:"description"`
	TriggerType string                   `json:"trigger_type"`
	Condition   repository.RuleCondition `json:"condition"`
	Actions     repository.RuleActions   `json:"actions"`
	IsActive    bool                     `json:"is_active"`
	Priority    int                      `json:"priority"`
}

func (r *ruleRequest) toDomain() *repository.WorkflowRule {
	return &repository.WorkflowRule{
		RuleName:    r.RuleName,
		Description: r.Description,
		TriggerType: r.TriggerType,
		Condition:   r.Condition,
		Actions:     r.Actions,
		IsActive:    r.IsActive,
		Priority:    r.Priority,
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// actorFrom identifies the caller. Identity is established upstream by the
// gateway, which forwards the authenticated user in this header.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-User-Email"); actor != "" {
		return actor
	}
	return "system"
}

func optionalParam(r *http.Request, name string) *string {
	if v := r.URL.Query().Get(name); v != "" {
		return &v
	}
	return nil
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 50
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]string{
				"code":    string(errors.ErrCodeValidation),
				"message": "invalid request body",
			},
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the typed error taxonomy onto HTTP statuses.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeValidation:
		status = http.StatusBadRequest
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict:
		status = http.StatusConflict
	case errors.ErrCodeInvalidState:
		status = http.StatusUnprocessableEntity
	case errors.ErrCodeCollaborator:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}

	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}
