package transition

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/custodian-platform/custodian/internal/audit"
	"github.com/custodian-platform/custodian/internal/platform/httpx"
	"github.com/custodian-platform/custodian/internal/principal"
	"github.com/custodian-platform/custodian/internal/shared"
	"github.com/custodian-platform/custodian/jobs"
)

// PrincipalReader resolves principals for the handler.
type PrincipalReader interface {
	Get(ctx context.Context, id string) (principal.Principal, error)
}

// Handler serves role transition endpoints.
type Handler struct {
	logger     *slog.Logger
	service    *Service
	principals PrincipalReader
	jobs       *jobs.Client
	validator  *validator.Validate
}

// NewHandler builds a transition handler. jobsClient may be nil; notification
// emails are then skipped.
func NewHandler(logger *slog.Logger, service *Service, principals PrincipalReader, jobsClient *jobs.Client) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		service:    service,
		principals: principals,
		jobs:       jobsClient,
		validator:  validator.New(),
	}
}

// MountRoutes registers routes under the given router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/{id}/role", h.handleChangeRole)
	r.Post("/{id}/role/validate", h.handleValidate)
	r.Get("/{id}/role-history", h.handleRoleHistory)
}

type changeRoleForm struct {
	From   string `json:"from" validate:"required"`
	To     string `json:"to" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

type transitionResponse struct {
	Valid              bool     `json:"valid"`
	Code               string   `json:"code"`
	Reason             string   `json:"reason,omitempty"`
	AllowedTransitions []string `json:"allowed_transitions,omitempty"`
}

type changeRoleResponse struct {
	transitionResponse
	SubjectID     string `json:"subject_id,omitempty"`
	Role          string `json:"role,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	GrantsUpdated int    `json:"grants_updated"`
	GrantsFailed  int    `json:"grants_failed"`
}

type historyEntry struct {
	Seq       int64  `json:"seq"`
	Time      string `json:"time"`
	RequestID string `json:"request_id"`
	PrevRole  string `json:"prev_role"`
	NewRole   string `json:"new_role"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

func (h *Handler) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	req, ok := h.buildRequest(w, r)
	if !ok {
		return
	}

	commit, result, err := h.service.ChangeRole(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			httpx.JSON(w, statusFor(result.Code), changeRoleResponse{
				transitionResponse: toResponse(result),
			})
			return
		}
		if errors.Is(err, principal.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "principal does not exist")
			return
		}
		h.logger.Error("change role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	if h.jobs != nil {
		payload := jobs.RoleChangeEmailPayload{
			PrincipalID: commit.Subject.ID,
			PrevRole:    string(req.From),
			NewRole:     string(commit.Subject.Role),
		}
		if _, err := h.jobs.EnqueueRoleChangeEmail(r.Context(), payload); err != nil {
			h.logger.Warn("enqueue role change email", slog.Any("error", err))
		}
	}

	httpx.JSON(w, http.StatusOK, changeRoleResponse{
		transitionResponse: toResponse(result),
		SubjectID:          commit.Subject.ID,
		Role:               string(commit.Subject.Role),
		RequestID:          commit.RequestID,
		GrantsUpdated:      commit.CascadeUpdated,
		GrantsFailed:       commit.CascadeFailed,
	})
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.buildRequest(w, r)
	if !ok {
		return
	}

	result, err := h.service.Validate(r.Context(), req)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "principal does not exist")
			return
		}
		h.logger.Error("validate transition", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	httpx.JSON(w, http.StatusOK, toResponse(result))
}

func (h *Handler) handleRoleHistory(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "id")
	records, err := h.service.RoleHistory(r.Context(), subjectID)
	if err != nil {
		h.logger.Error("role history", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, toHistoryEntry(rec))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"history": entries})
}

// buildRequest decodes the form, validates it and resolves the requester
// from the request context. Returns ok=false after writing a response.
func (h *Handler) buildRequest(w http.ResponseWriter, r *http.Request) (Request, bool) {
	requesterID := shared.PrincipalFromContext(r.Context())
	if requesterID == "" {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing principal identity")
		return Request{}, false
	}

	var form changeRoleForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return Request{}, false
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from and to roles are required")
		return Request{}, false
	}

	requester, err := h.principals.Get(r.Context(), requesterID)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "unknown principal identity")
			return Request{}, false
		}
		h.logger.Error("resolve requester", slog.Any("error", err))
		httpx.RespondError(w, err)
		return Request{}, false
	}

	return Request{
		SubjectID:   chi.URLParam(r, "id"),
		From:        principal.Role(form.From),
		To:          principal.Role(form.To),
		RequestedBy: requester,
		Reason:      form.Reason,
	}, true
}

func toResponse(res Result) transitionResponse {
	allowed := make([]string, 0, len(res.AllowedTransitions))
	for _, role := range res.AllowedTransitions {
		allowed = append(allowed, string(role))
	}
	return transitionResponse{
		Valid:              res.Valid,
		Code:               string(res.Code),
		Reason:             res.Reason,
		AllowedTransitions: allowed,
	}
}

func toHistoryEntry(rec audit.Record) historyEntry {
	return historyEntry{
		Seq:       rec.Seq,
		Time:      rec.Time.UTC().Format(time.RFC3339),
		RequestID: rec.RequestID.String(),
		PrevRole:  rec.PrevState,
		NewRole:   rec.NewState,
		Outcome:   string(rec.Outcome),
		Reason:    rec.Reason,
	}
}

// statusFor maps rejection codes to HTTP statuses. Policy rejections are 403,
// malformed requests 400, no-ops 409.
func statusFor(code Code) int {
	switch code {
	case CodeInvalidRole:
		return http.StatusBadRequest
	case CodeNoChangeRequired:
		return http.StatusConflict
	case CodeInsufficientPermissions, CodeHierarchyViolation, CodeTransitionNotAllowed:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
