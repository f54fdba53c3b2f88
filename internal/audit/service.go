package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrAppendFailed wraps any storage failure during Append. Audit writes fail
// loudly; the caller decides whether to proceed without the record.
var ErrAppendFailed = errors.New("audit: append failed")

// Store is the persistence contract the service needs.
type Store interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	ByPrincipal(ctx context.Context, principalID string, since time.Time) ([]Record, error)
	Window(ctx context.Context, f TimelineFilters, offset, limit int) ([]Record, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service coordinates audit reads and writes.
type Service struct {
	store     Store
	retention time.Duration
	now       func() time.Time
}

// NewService constructs an audit service. A non-positive retention falls
// back to DefaultRetention.
func NewService(store Store, retention time.Duration) *Service {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Service{store: store, retention: retention, now: time.Now}
}

// Append persists one record. It fills Time and RequestID when unset and
// returns the stored record including its sequence number. Failures are
// wrapped in ErrAppendFailed and never swallowed.
func (s *Service) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.PrincipalID == "" || rec.Action == "" {
		return Record{}, fmt.Errorf("%w: principal and action required", ErrAppendFailed)
	}
	if rec.Outcome == "" {
		return Record{}, fmt.Errorf("%w: outcome required", ErrAppendFailed)
	}
	if rec.Time.IsZero() {
		rec.Time = s.now().UTC()
	}
	if rec.RequestID == uuid.Nil {
		rec.RequestID = uuid.New()
	}
	stored, err := s.store.Insert(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return stored, nil
}

// QueryByPrincipal returns records for the principal since the given time,
// newest first. A zero since defaults to the retention window.
func (s *Service) QueryByPrincipal(ctx context.Context, principalID string, since time.Time) ([]Record, error) {
	if since.IsZero() {
		since = s.now().Add(-s.retention)
	}
	return s.store.ByPrincipal(ctx, principalID, since)
}

// Timeline returns one page of records matching the filters.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := s.store.Window(ctx, filters, offset, pageSize+1)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns all records matching the filters, newest first, unpaged.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]Record, error) {
	const batch = 500
	var all []Record
	for offset := 0; ; offset += batch {
		rows, err := s.store.Window(ctx, filters, offset, batch)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if len(rows) < batch {
			return all, nil
		}
	}
}

// Prune removes records older than the retention window and reports the count.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	return s.store.DeleteBefore(ctx, cutoff)
}

// Retention reports the configured retention window.
func (s *Service) Retention() time.Duration {
	return s.retention
}

// WriteCSV encodes records for download by the admin UI.
func WriteCSV(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"seq", "at", "request_id", "principal", "action", "prev_state", "new_state", "outcome", "reason", "chain_hash"}); err != nil {
		return nil, err
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatInt(rec.Seq, 10),
			rec.Time.UTC().Format(time.RFC3339),
			rec.RequestID.String(),
			rec.PrincipalID,
			rec.Action,
			rec.PrevState,
			rec.NewState,
			string(rec.Outcome),
			rec.Reason,
			hex.EncodeToString(rec.ChainHash),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
