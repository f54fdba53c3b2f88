package guard

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/custodian-platform/custodian/internal/platform/httpx"
	"github.com/custodian-platform/custodian/internal/shared"
)

// Handler exposes the guarded invocation endpoint.
type Handler struct {
	logger    *slog.Logger
	guard     *Guard
	validator *validator.Validate
}

// NewHandler builds an invocation handler.
func NewHandler(logger *slog.Logger, g *Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		guard:     g,
		validator: validator.New(),
	}
}

// MountRoutes registers the invocation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/invoke", h.handleInvoke)
	r.Get("/methods", h.handleMethods)
	r.Get("/denials/{principalID}", h.handleDenials)
}

type invokeForm struct {
	Method string `json:"method" validate:"required"`
	Args   Args   `json:"args"`
}

func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	principalID := shared.PrincipalFromContext(r.Context())
	if principalID == "" {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing principal identity")
		return
	}

	var form invokeForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "method is required")
		return
	}

	result := h.guard.Invoke(r.Context(), principalID, form.Method, form.Args)
	if result.Code == CodeRateLimited {
		w.Header().Set("Retry-After", "1")
	}
	httpx.JSON(w, statusFor(result.Code), result)
}

func (h *Handler) handleMethods(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"methods": h.guard.Methods()})
}

func (h *Handler) handleDenials(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "principalID")
	if _, err := uuid.Parse(principalID); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "principal id must be a UUID")
		return
	}
	stats, err := h.guard.DenialStats(r.Context(), principalID)
	if err != nil {
		h.logger.Error("denial stats", slog.String("principal", principalID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"principal_id": principalID,
		"denials":      stats,
	})
}

// statusFor maps invocation codes to HTTP statuses. The body always carries
// the uniform Result shape regardless of status.
func statusFor(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeMethodNotAllowed:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnsafeArgument:
		return http.StatusBadRequest
	case CodeLockTimeout:
		return http.StatusConflict
	case CodeDuplicate:
		return http.StatusConflict
	case CodeAuditWriteFailed, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
