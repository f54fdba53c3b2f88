// Package audithttp serves the audit timeline and CSV export endpoints.
package audithttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/custodian-platform/custodian/internal/audit"
	"github.com/custodian-platform/custodian/internal/platform/httpx"
)

const (
	defaultPageSize  = 20
	maxPageSize      = 50
	defaultDateRange = 7 * 24 * time.Hour
	maxDateRange     = 90 * 24 * time.Hour
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.Record, error)
}

// Handler serves audit timeline requests.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	now     func() time.Time
}

// NewHandler builds an audit handler.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		now:     time.Now,
	}
}

type timelineRow struct {
	Seq         int64  `json:"seq"`
	Time        string `json:"time"`
	RequestID   string `json:"request_id"`
	PrincipalID string `json:"principal_id"`
	Action      string `json:"action"`
	PrevState   string `json:"prev_state,omitempty"`
	NewState    string `json:"new_state,omitempty"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
}

type timelineResponse struct {
	Rows   []timelineRow `json:"rows"`
	Paging pagingInfo    `json:"paging"`
}

type pagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
	PrevPage int  `json:"prev_page"`
	NextPage int  `json:"next_page"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filters", err.Error())
		return
	}

	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("load audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	rows := make([]timelineRow, 0, len(result.Rows))
	for _, rec := range result.Rows {
		rows = append(rows, toRow(rec))
	}
	httpx.JSON(w, http.StatusOK, timelineResponse{
		Rows: rows,
		Paging: pagingInfo{
			Page:     result.Paging.Page,
			PageSize: result.Paging.PageSize,
			HasNext:  result.Paging.HasNext,
			PrevPage: result.Paging.PrevPage,
			NextPage: result.Paging.NextPage,
		},
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filters", err.Error())
		return
	}

	records, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("export audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	payload, err := audit.WriteCSV(records)
	if err != nil {
		h.logger.Error("encode audit export", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	filename := fmt.Sprintf("audit_%s.csv", h.now().UTC().Format("20060102T150405"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// parseFilters reads query parameters into timeline filters. Missing dates
// default to the last week; the range is clamped to the retention window.
func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()

	from, err := parseDate(q.Get("from"), now.Add(-defaultDateRange))
	if err != nil {
		return audit.TimelineFilters{}, errors.New("from must be an RFC3339 timestamp or YYYY-MM-DD date")
	}
	to, err := parseDate(q.Get("to"), now)
	if err != nil {
		return audit.TimelineFilters{}, errors.New("to must be an RFC3339 timestamp or YYYY-MM-DD date")
	}
	if to.Before(from) {
		return audit.TimelineFilters{}, errors.New("to must not precede from")
	}
	if to.Sub(from) > maxDateRange {
		from = to.Add(-maxDateRange)
	}

	page := 1
	if raw := q.Get("page"); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return audit.TimelineFilters{}, errors.New("page must be a positive integer")
		}
	}
	pageSize := defaultPageSize
	if raw := q.Get("page_size"); raw != "" {
		pageSize, err = strconv.Atoi(raw)
		if err != nil || pageSize < 1 {
			return audit.TimelineFilters{}, errors.New("page_size must be a positive integer")
		}
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}
	}

	outcome := strings.ToUpper(strings.TrimSpace(q.Get("outcome")))
	switch outcome {
	case "", string(audit.OutcomeSuccess), string(audit.OutcomeDenied), string(audit.OutcomeError):
	default:
		return audit.TimelineFilters{}, errors.New("outcome must be SUCCESS, DENIED or ERROR")
	}

	return audit.TimelineFilters{
		From:        from,
		To:          to,
		PrincipalID: strings.TrimSpace(q.Get("principal_id")),
		Action:      strings.TrimSpace(q.Get("action")),
		Outcome:     outcome,
		Page:        page,
		PageSize:    pageSize,
	}, nil
}

func parseDate(raw string, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toRow(rec audit.Record) timelineRow {
	return timelineRow{
		Seq:         rec.Seq,
		Time:        rec.Time.UTC().Format(time.RFC3339),
		RequestID:   rec.RequestID.String(),
		PrincipalID: rec.PrincipalID,
		Action:      rec.Action,
		PrevState:   rec.PrevState,
		NewState:    rec.NewState,
		Outcome:     string(rec.Outcome),
		Reason:      rec.Reason,
	}
}
