package audit

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	chain   *Chain
	records []Record
	nextSeq int64

	failInsert error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{chain: NewChain([]byte("test-chain-key"))}
}

func (m *memoryStore) Insert(ctx context.Context, rec Record) (Record, error) {
	if m.failInsert != nil {
		return Record{}, m.failInsert
	}
	var prev []byte
	if n := len(m.records); n > 0 {
		prev = m.records[n-1].ChainHash
	}
	hash, err := m.chain.Next(prev, rec)
	if err != nil {
		return Record{}, err
	}
	m.nextSeq++
	rec.Seq = m.nextSeq
	rec.ChainHash = hash
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memoryStore) ByPrincipal(ctx context.Context, principalID string, since time.Time) ([]Record, error) {
	var out []Record
	for _, rec := range m.records {
		if rec.PrincipalID == principalID && !rec.Time.Before(since) {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *memoryStore) Window(ctx context.Context, f TimelineFilters, offset, limit int) ([]Record, error) {
	var matched []Record
	for _, rec := range m.records {
		if f.PrincipalID != "" && rec.PrincipalID != f.PrincipalID {
			continue
		}
		if f.Action != "" && rec.Action != f.Action {
			continue
		}
		if f.Outcome != "" && string(rec.Outcome) != f.Outcome {
			continue
		}
		if !f.From.IsZero() && rec.Time.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && rec.Time.After(f.To) {
			continue
		}
		matched = append(matched, rec)
	}
	sortNewestFirst(matched)
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *memoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var kept []Record
	var removed int64
	for _, rec := range m.records {
		if rec.Time.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.records = kept
	return removed, nil
}

func sortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Time.Equal(records[j].Time) {
			return records[i].Seq > records[j].Seq
		}
		return records[i].Time.After(records[j].Time)
	})
}

func appendN(t *testing.T, svc *Service, store *memoryStore, principal string, n int, start time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.Append(context.Background(), Record{
			Time:        start.Add(time.Duration(i) * time.Minute),
			PrincipalID: principal,
			Action:      ActionInvoke,
			Outcome:     OutcomeSuccess,
		})
		require.NoError(t, err)
	}
}

func TestAppendAssignsIDAndSeq(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, 0)

	rec, err := svc.Append(context.Background(), Record{
		PrincipalID: "p1",
		Action:      ActionRoleChange,
		Outcome:     OutcomeSuccess,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Seq)
	require.NotEqual(t, uuid.Nil, rec.RequestID)
	require.False(t, rec.Time.IsZero())
	require.NotEmpty(t, rec.ChainHash)
}

func TestAppendRejectsIncompleteRecords(t *testing.T) {
	svc := NewService(newMemoryStore(), 0)
	_, err := svc.Append(context.Background(), Record{Action: "x", Outcome: OutcomeSuccess})
	require.ErrorIs(t, err, ErrAppendFailed)
	_, err = svc.Append(context.Background(), Record{PrincipalID: "p1", Action: "x"})
	require.ErrorIs(t, err, ErrAppendFailed)
}

func TestAppendPropagatesStoreFailure(t *testing.T) {
	store := newMemoryStore()
	store.failInsert = errors.New("connection reset")
	svc := NewService(store, 0)

	_, err := svc.Append(context.Background(), Record{
		PrincipalID: "p1", Action: ActionInvoke, Outcome: OutcomeError,
	})
	require.ErrorIs(t, err, ErrAppendFailed)
}

func TestQueryByPrincipalNewestFirst(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, 0)
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	appendN(t, svc, store, "p1", 3, base)
	appendN(t, svc, store, "p2", 1, base)

	records, err := svc.QueryByPrincipal(context.Background(), "p1", base)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		require.True(t, records[i].Time.Before(records[i-1].Time) ||
			(records[i].Time.Equal(records[i-1].Time) && records[i].Seq < records[i-1].Seq))
	}
}

func TestTimelinePaging(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, 0)
	appendN(t, svc, store, "p1", 5, time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.NextPage)

	result, err = svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	require.False(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.PrevPage)
}

func TestPruneRemovesOnlyExpiredRecords(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, 30*24*time.Hour)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	old := Record{Time: now.Add(-40 * 24 * time.Hour), PrincipalID: "p1", Action: ActionInvoke, Outcome: OutcomeSuccess}
	fresh := Record{Time: now.Add(-10 * 24 * time.Hour), PrincipalID: "p1", Action: ActionInvoke, Outcome: OutcomeSuccess}
	_, err := svc.Append(context.Background(), old)
	require.NoError(t, err)
	_, err = svc.Append(context.Background(), fresh)
	require.NoError(t, err)

	removed, err := svc.Prune(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	records, err := svc.QueryByPrincipal(context.Background(), "p1", time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, fresh.Time, records[0].Time)
}

func TestWriteCSV(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, 0)
	appendN(t, svc, store, "p1", 2, time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))

	rows, err := svc.Export(context.Background(), TimelineFilters{})
	require.NoError(t, err)
	data, err := WriteCSV(rows)
	require.NoError(t, err)
	require.Contains(t, string(data), "principal")
	require.Contains(t, string(data), "p1")
}
