package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/custodian-platform/custodian/internal/audit"
	"github.com/custodian-platform/custodian/internal/ratelimit"
	"github.com/custodian-platform/custodian/internal/shared"
)

type auditorStub struct {
	mu      sync.Mutex
	records []audit.Record
	fail    error
}

func (a *auditorStub) Append(ctx context.Context, rec audit.Record) (audit.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return audit.Record{}, a.fail
	}
	rec.Seq = int64(len(a.records) + 1)
	a.records = append(a.records, rec)
	return rec, nil
}

func (a *auditorStub) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func permissiveLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		Default:    ratelimit.Tier{Capacity: 1000, RefillPerMs: 1},
		IdleWindow: time.Minute,
	})
}

func testGuard(t *testing.T, cfg Config) *Guard {
	t.Helper()
	if cfg.Limiter == nil {
		cfg.Limiter = permissiveLimiter()
	}
	if cfg.Auditor == nil {
		cfg.Auditor = &auditorStub{}
	}
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func echoMethod(name string, mutating bool) Method {
	return Method{
		Name:     name,
		Mutating: mutating,
		Handler: func(ctx context.Context, principalID string, args Args) (any, error) {
			return args["value"], nil
		},
	}
}

func TestInvokeSuccessAudits(t *testing.T) {
	auditor := &auditorStub{}
	g := testGuard(t, Config{
		Methods: []Method{echoMethod("update:applications", false)},
		Auditor: auditor,
	})

	res := g.Invoke(context.Background(), "alice", "update:applications", Args{"value": 42})
	require.True(t, res.Success)
	require.Equal(t, CodeOK, res.Code)
	require.Equal(t, 42, res.Data)
	require.NotEmpty(t, res.RequestID)
	require.Equal(t, 1, auditor.len())
	require.Equal(t, audit.OutcomeSuccess, auditor.records[0].Outcome)
	require.Equal(t, "update:applications", auditor.records[0].Action)
}

func TestInvokeUnknownMethodExecutesNothing(t *testing.T) {
	auditor := &auditorStub{}
	executed := false
	g := testGuard(t, Config{
		Methods: []Method{{
			Name: "create:teams",
			Handler: func(ctx context.Context, principalID string, args Args) (any, error) {
				executed = true
				return nil, nil
			},
		}},
		Auditor: auditor,
	})

	res := g.Invoke(context.Background(), "alice", "drop:database", Args{})
	require.False(t, res.Success)
	require.Equal(t, CodeMethodNotAllowed, res.Code)
	require.False(t, executed)
	require.Zero(t, auditor.len(), "no audit record for unknown methods")
}

func TestInvokeRateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{
		Default:    ratelimit.Tier{Capacity: 1, RefillPerMs: 0},
		IdleWindow: time.Minute,
	})
	auditor := &auditorStub{}
	g := testGuard(t, Config{
		Methods: []Method{echoMethod("read:teams", false)},
		Limiter: limiter,
		Auditor: auditor,
	})

	first := g.Invoke(context.Background(), "alice", "read:teams", Args{})
	require.True(t, first.Success)
	second := g.Invoke(context.Background(), "alice", "read:teams", Args{})
	require.Equal(t, CodeRateLimited, second.Code)
	require.Equal(t, 1, auditor.len(), "rate-limited calls leave no audit record")
}

func TestInvokeRejectsDangerousKeys(t *testing.T) {
	executed := false
	g := testGuard(t, Config{
		Methods: []Method{{
			Name: "update:applications",
			Handler: func(ctx context.Context, principalID string, args Args) (any, error) {
				executed = true
				return nil, nil
			},
		}},
	})

	for _, args := range []Args{
		{"__proto__": map[string]any{"admin": true}},
		{"payload": map[string]any{"constructor": "x"}},
		{"nested": []any{map[string]any{"prototype": 1}}},
	} {
		res := g.Invoke(context.Background(), "alice", "update:applications", args)
		require.Equal(t, CodeUnsafeArgument, res.Code)
	}
	require.False(t, executed)
}

func TestInvokeSanitizesHandlerErrors(t *testing.T) {
	auditor := &auditorStub{}
	g := testGuard(t, Config{
		Methods: []Method{{
			Name: "update:applications",
			Handler: func(ctx context.Context, principalID string, args Args) (any, error) {
				return nil, errors.New(`column users_tbl.usr_id does not exist`)
			},
		}},
		Auditor: auditor,
	})

	res := g.Invoke(context.Background(), "alice", "update:applications", Args{})
	require.False(t, res.Success)
	require.Equal(t, CodeInternal, res.Code)
	require.NotNil(t, res.Err)
	require.NotContains(t, res.Err.Message, "users_tbl")
	require.NotContains(t, res.Err.Message, "usr_id")
	require.Equal(t, res.RequestID, res.Err.RequestID)

	require.Equal(t, 1, auditor.len())
	require.Equal(t, audit.OutcomeError, auditor.records[0].Outcome)
	require.NotContains(t, auditor.records[0].Reason, "users_tbl")
}

func TestInvokeSurfacesAuditWriteFailure(t *testing.T) {
	auditor := &auditorStub{fail: errors.New("store down")}
	g := testGuard(t, Config{
		Methods: []Method{echoMethod("update:applications", false)},
		Auditor: auditor,
	})

	res := g.Invoke(context.Background(), "alice", "update:applications", Args{"value": 1})
	require.False(t, res.Success)
	require.Equal(t, CodeAuditWriteFailed, res.Code)
}

func TestMutatingInvocationsOnSameEntitySerialise(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := shared.NewEntityLocker(client, 5*time.Second)

	auditor := &auditorStub{}
	var mu sync.Mutex
	var order []time.Time

	g := testGuard(t, Config{
		Methods: []Method{{
			Name:     "update:applications",
			Mutating: true,
			EntityKey: func(args Args) string {
				id, _ := args["entity_id"].(string)
				return "applications/" + id
			},
			Handler: func(ctx context.Context, principalID string, args Args) (any, error) {
				mu.Lock()
				order = append(order, time.Now())
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				return nil, nil
			},
		}},
		Locker:  locker,
		Auditor: auditor,
	})

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = g.Invoke(context.Background(), "alice", "update:applications", Args{"entity_id": "42"})
		}()
	}
	wg.Wait()
	for _, res := range results {
		require.True(t, res.Success)
	}

	require.Len(t, order, 2)
	gap := order[1].Sub(order[0])
	if gap < 0 {
		gap = -gap
	}
	require.GreaterOrEqual(t, gap, 20*time.Millisecond, "second mutation must wait for the first")

	// Audit timestamps reflect the serialisation.
	require.Equal(t, 2, auditor.len())
	require.True(t, auditor.records[1].Time.After(auditor.records[0].Time))
}

func TestNewRejectsDuplicateMethods(t *testing.T) {
	_, err := New(Config{
		Methods: []Method{echoMethod("a", false), echoMethod("a", false)},
		Limiter: permissiveLimiter(),
		Auditor: &auditorStub{},
	})
	require.Error(t, err)
}

func TestDenialStatsTallyPreExecutionRejections(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	counters := shared.NewDenialCounter(client, time.Hour)

	g := testGuard(t, Config{
		Methods:  []Method{echoMethod("read:applications", false)},
		Counters: counters,
	})

	res := g.Invoke(context.Background(), "alice", "drop:everything", nil)
	require.Equal(t, CodeMethodNotAllowed, res.Code)
	res = g.Invoke(context.Background(), "alice", "drop:everything", nil)
	require.Equal(t, CodeMethodNotAllowed, res.Code)
	res = g.Invoke(context.Background(), "alice", "read:applications", Args{"__proto__": "x"})
	require.Equal(t, CodeUnsafeArgument, res.Code)

	stats, err := g.DenialStats(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats["method_not_allowed"])
	require.Equal(t, int64(1), stats["unsafe_argument"])
	require.Zero(t, stats["rate_limited"])

	stats, err = g.DenialStats(context.Background(), "bob")
	require.NoError(t, err)
	require.Zero(t, stats["method_not_allowed"])
}
