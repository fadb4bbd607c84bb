package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"

	"github.com/aiox-platform/aigov/internal/api"
	"github.com/aiox-platform/aigov/internal/auth"
	"github.com/aiox-platform/aigov/internal/governance/admission"
	"github.com/aiox-platform/aigov/internal/governance/approval"
	"github.com/aiox-platform/aigov/internal/governance/audit"
	"github.com/aiox-platform/aigov/internal/governance/errs"
	"github.com/aiox-platform/aigov/internal/governance/killswitch"
	"github.com/aiox-platform/aigov/internal/governance/ledger"
	"github.com/aiox-platform/aigov/internal/governance/quota"
	"github.com/aiox-platform/aigov/internal/governance/reporting"
	"github.com/aiox-platform/aigov/internal/governance/usage"
)

// Services groups what the governance HTTP surface is built on.
type Services struct {
	Quotas     *quota.Service
	Approvals  *approval.Service
	Usage      *usage.Service
	Reports    *reporting.Service
	KillSwitch *killswitch.Switch
	Gate       *admission.Gate
	Audit      *audit.Service
}

// Handler provides HTTP handlers for governance endpoints.
type Handler struct {
	svc      Services
	validate *validator.Validate
}

func NewHandler(svc Services) *Handler {
	v := validator.New()
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	return &Handler{
		svc:      svc,
		validate: v,
	}
}

// Routes mounts the governance endpoints on r. Authentication is expected to
// have run already.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/quota", h.GetQuota)
	r.Get("/quota/effective", h.GetEffectiveQuota)
	r.Post("/admission", h.CheckAdmission)
	r.Post("/usage", h.RecordUsage)
	r.Get("/usage", h.ListUsage)
	r.Get("/usage/export", h.ExportUsage)

	r.Get("/approvals/pending", h.ListPending)
	r.Route("/decisions/{decisionID}", func(r chi.Router) {
		r.Get("/", h.GetDecision)
		r.Post("/approve", h.Approve)
		r.Post("/reject", h.Reject)
		r.Post("/apply", h.Apply)
	})

	r.Get("/overview", h.Overview)
	r.Get("/breakdown", h.Breakdown)
	r.Get("/tiers", h.Tiers)

	r.Get("/killswitch", h.GetKillSwitch)
	r.Put("/killswitch", h.SetKillSwitch)

	r.Get("/templates", h.ListTemplates)
	r.Post("/templates", h.CreateTemplate)
	r.Put("/templates/{templateID}", h.UpdateTemplate)
	r.Delete("/templates/{templateID}", h.DeleteTemplate)

	r.Get("/organizations", h.ListOrganizationQuotas)
	r.Route("/organizations/{orgID}", func(r chi.Router) {
		r.Get("/quota", h.GetOrganizationQuota)
		r.Put("/quota", h.UpsertOrganizationQuota)
		r.Get("/users/{userID}/override", h.GetUserOverride)
		r.Put("/users/{userID}/override", h.UpsertUserOverride)
		r.Delete("/users/{userID}/override", h.DeleteUserOverride)
	})

	r.Get("/audit", h.ListAuditLogs)
}

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
	}
	return p, ok
}

// decode reads an optional JSON body into dst and validates it.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return api.ErrBadRequest
	}
	if err := h.validate.Struct(dst); err != nil {
		return api.NewValidationError(err.Error())
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errs.Validation("invalid %s", name)
	}
	return id, nil
}

func queryUUID(r *http.Request, name string) (*uuid.UUID, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, errs.Validation("invalid %s", name)
	}
	return &id, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errs.Validation("%s must be RFC 3339", name)
	}
	return t, nil
}

func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// subject resolves the organization and user query parameters, defaulting the
// organization to the caller's.
func subject(r *http.Request, p auth.Principal) (uuid.UUID, uuid.UUID, error) {
	orgID := p.OrganizationID
	org, err := queryUUID(r, "organization_id")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if org != nil {
		orgID = *org
	}
	userID := uuid.Nil
	user, err := queryUUID(r, "user_id")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if user != nil {
		userID = *user
	}
	return orgID, userID, nil
}

// GetQuota returns quota status for an organization, or for one user in it.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	orgID, userID, err := subject(r, p)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	status, err := h.svc.Quotas.Status(r.Context(), p, orgID, userID)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, status)
}

func (h *Handler) GetEffectiveQuota(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	orgID, userID, err := subject(r, p)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	eq, err := h.svc.Quotas.Effective(r.Context(), p, orgID, userID)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, eq)
}

// CheckAdmission runs the pre-flight check for the caller. A denial is
// answered with 429 or 403 and a machine-readable reason.
func (h *Handler) CheckAdmission(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	d, err := h.svc.Gate.Check(r.Context(), p.OrganizationID, p.UserID)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, d)
}

// RecordUsage appends a usage record on behalf of the caller.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req admission.UsageRequest
	if err := h.decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	rec, err := h.svc.Gate.Recorder().Record(r.Context(), p.OrganizationID, p.UserID, &req)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, rec.View(time.Now(), h.svc.Approvals.Window()))
}

func usageParams(r *http.Request) (usage.ListParams, error) {
	q := r.URL.Query()
	params := usage.ListParams{
		DecisionType: q.Get("decision_type"),
		AgentType:    q.Get("agent_type"),
		Status:       ledger.Status(q.Get("status")),
		Page:         queryInt(r, "page"),
		PageSize:     queryInt(r, "page_size"),
	}
	var err error
	if params.OrganizationID, err = queryUUID(r, "organization_id"); err != nil {
		return params, err
	}
	if params.RequestedBy, err = queryUUID(r, "user_id"); err != nil {
		return params, err
	}
	if params.From, err = queryTime(r, "from"); err != nil {
		return params, err
	}
	if params.To, err = queryTime(r, "to"); err != nil {
		return params, err
	}
	return params, nil
}

func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	params, err := usageParams(r)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	views, total, err := h.svc.Usage.List(r.Context(), p, params)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	page, pageSize := pageOrDefault(params.Page, params.PageSize)
	api.JSONPaginated(w, http.StatusOK, views, total, page, pageSize)
}

// ExportUsage streams matching usage records as a CSV attachment.
func (h *Handler) ExportUsage(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	params, err := usageParams(r)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	if err := h.svc.Usage.Authorize(p, &params); err != nil {
		api.HandleError(w, err)
		return
	}

	api.CSVHeaders(w, fmt.Sprintf("ai-usage-%s.csv", time.Now().UTC().Format("20060102")))
	n, err := h.svc.Usage.Export(r.Context(), p, params, w)
	if err != nil {
		// Headers are sent; all that is left is to stop writing.
		slog.Error("exporting usage", "error", err, "rows", n, "organization_id", p.OrganizationID)
		return
	}
	slog.Info("usage exported", "rows", n, "organization_id", p.OrganizationID, "user_id", p.UserID)
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, err := queryUUID(r, "organization_id")
	if err != nil {
		api.HandleError(w, err)
		return
	}
	params := approval.PendingParams{
		OrganizationID: org,
		DecisionType:   r.URL.Query().Get("decision_type"),
		Page:           queryInt(r, "page"),
		PageSize:       queryInt(r, "page_size"),
	}

	views, total, err := h.svc.Approvals.ListPending(r.Context(), p, params)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	page, pageSize := pageOrDefault(params.Page, params.PageSize)
	api.JSONPaginated(w, http.StatusOK, views, total, page, pageSize)
}

// pageOrDefault mirrors the paging normalization of the services for the
// response envelope.
func pageOrDefault(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size < 1:
		size = 20
	case size > 100:
		size = 100
	}
	return page, size
}

func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "decisionID")
	if err != nil {
		api.HandleError(w, err)
		return
	}

	view, err := h.svc.Approvals.Get(r.Context(), p, id)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, view)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.Approvals.Approve)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.Approvals.Reject)
}

type reviewFunc func(ctx context.Context, p auth.Principal, id uuid.UUID, req approval.ReviewRequest) (*ledger.View, error)

func (h *Handler) review(w http.ResponseWriter, r *http.Request, fn reviewFunc) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "decisionID")
	if err != nil {
		api.HandleError(w, err)
		return
	}
	var req approval.ReviewRequest
	if err := h.decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	view, err := fn(r.Context(), p, id, req)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, view)
}

func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "decisionID")
	if err != nil {
		api.HandleError(w, err)
		return
	}
	var req approval.ApplyRequest
	if err := h.decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	view, err := h.svc.Approvals.Apply(r.Context(), p, id, req)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, view)
}

func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, err := queryUUID(r, "organization_id")
	if err != nil {
		api.HandleError(w, err)
		return
	}

	out, err := h.svc.Reports.Overview(r.Context(), p, org)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, out)
}

func (h *Handler) Breakdown(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	org, err := queryUUID(r, "organization_id")
	if err != nil {
		api.HandleError(w, err)
		return
	}

	out, err := h.svc.Reports.Breakdown(r.Context(), p, org)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, out)
}

func (h *Handler) Tiers(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	out, err := h.svc.Reports.Tiers(r.Context(), p)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, out)
}

func (h *Handler) GetKillSwitch(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	state, err := h.svc.KillSwitch.Status(r.Context(), p)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, state)
}

type killSwitchRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (h *Handler) SetKillSwitch(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req killSwitchRequest
	if err := h.decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	state, err := h.svc.KillSwitch.SetEnabled(r.Context(), p, *req.Enabled)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, state)
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))

	templates, err := h.svc.Quotas.ListTemplates(r.Context(), p, includeInactive)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, templates)
}

func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req quota.TemplateRequest
	if err := h.decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	t, err := h.svc.Quotas.CreateTemplate(r.Context(), p, &req)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusCreated, t)
}

func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "templateID")
	if err != nil {
		api.HandleError(w, err)
		return
	}
	var req quota.TemplateRequest
	if err := h.decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	t, err := h.svc.Quotas.UpdateTemplate(r.Context(), p, id, &req)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, t)
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "templateID")
	if err != nil {
		api.HandleError(w, err)
		return
	}

	if err := h.svc.Quotas.DeleteTemplate(r.Context(), p, id); err != nil {
		api.HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListOrganizationQuotas(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	quotas, err := h.svc.Quotas.ListOrganizationQuotas(r.Context(), p)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, quotas)
}

func (h *Handler) GetOrganizationQuota(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	orgID, err := pathUUID(r, "orgID")
	if err != nil {
		api.HandleError(w, err)
		return
	}

	q, err := h.svc.Quotas.GetOrganizationQuota(r.Context(), p, orgID)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, q)
}

func (h *Handler) UpsertOrganizationQuota(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	orgID, err := pathUUID(r, "orgID")
	if err != nil {
		api.HandleError(w, err)
		return
	}
	var req quota.OrganizationQuotaRequest
	if err := h.decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	q, err := h.svc.Quotas.UpsertOrganizationQuota(r.Context(), p, orgID, &req)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, q)
}

func overrideIDs(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	orgID, err := pathUUID(r, "orgID")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	userID, err := pathUUID(r, "userID")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return orgID, userID, nil
}

func (h *Handler) GetUserOverride(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	orgID, userID, err := overrideIDs(r)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	o, err := h.svc.Quotas.GetUserOverride(r.Context(), p, orgID, userID)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, o)
}

func (h *Handler) UpsertUserOverride(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	orgID, userID, err := overrideIDs(r)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	var req quota.UserOverrideRequest
	if err := h.decode(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	o, err := h.svc.Quotas.UpsertUserOverride(r.Context(), p, orgID, userID, &req)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, o)
}

func (h *Handler) DeleteUserOverride(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	orgID, userID, err := overrideIDs(r)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	if err := h.svc.Quotas.DeleteUserOverride(r.Context(), p, orgID, userID); err != nil {
		api.HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAuditLogs returns paginated audit logs visible to the caller.
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	params, err := parseAuditParams(r)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	logs, total, err := h.svc.Audit.List(r.Context(), p, params)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

func parseAuditParams(r *http.Request) (audit.ListParams, error) {
	params := audit.DefaultListParams()
	q := r.URL.Query()

	params.EventType = q.Get("event_type")
	params.Severity = q.Get("severity")
	if page := queryInt(r, "page"); page > 0 {
		params.Page = page
	}
	if size := queryInt(r, "page_size"); size > 0 && size <= 100 {
		params.PageSize = size
	}

	var err error
	if params.OrganizationID, err = queryUUID(r, "organization_id"); err != nil {
		return params, err
	}
	for name, dst := range map[string]**time.Time{"from": &params.From, "to": &params.To} {
		t, err := queryTime(r, name)
		if err != nil {
			return params, err
		}
		if !t.IsZero() {
			*dst = &t
		}
	}
	return params, nil
}
