package buses

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/circuit"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/registry"
	"github.com/anima-ai/anima/internal/task/models"
)

// fakeProvider is a tool provider whose respond func scripts the
// outcome of each dispatch.
type fakeProvider struct {
	registry.BaseService
	mu      sync.Mutex
	calls   int
	respond func() (map[string]interface{}, error)
}

func newFakeProvider(name string, respond func() (map[string]interface{}, error)) *fakeProvider {
	return &fakeProvider{
		BaseService: registry.NewBaseService(name, "execute"),
		respond:     respond,
	}
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordedCorrelation struct {
	id     string
	status models.CorrelationStatus
}

// fakeCorrStore captures correlation writes in order.
type fakeCorrStore struct {
	mu       sync.Mutex
	created  []*models.Correlation
	resolved []recordedCorrelation
}

func (s *fakeCorrStore) CreateCorrelation(ctx context.Context, corr *models.Correlation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, corr)
	return nil
}

func (s *fakeCorrStore) ResolveCorrelation(ctx context.Context, id string, status models.CorrelationStatus, responseData map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, recordedCorrelation{id: id, status: status})
	return nil
}

type auditCall struct {
	kind, provider, action string
	ok                     bool
}

type fakeAudit struct {
	mu    sync.Mutex
	calls []auditCall
}

func (a *fakeAudit) RecordBusCall(kind, provider, actionType, correlationID string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, auditCall{kind: kind, provider: provider, action: actionType, ok: ok})
}

type busFixture struct {
	reg     *registry.Registry
	corrs   *fakeCorrStore
	audit   *fakeAudit
	bus     BaseBus
	primary *fakeProvider
	backup  *fakeProvider
}

func newBusFixture(t *testing.T, primary, backup func() (map[string]interface{}, error)) *busFixture {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(registry.Config{}, clk, nil)

	f := &busFixture{
		reg:     reg,
		corrs:   &fakeCorrStore{},
		audit:   &fakeAudit{},
		primary: newFakeProvider("primary", primary),
		backup:  newFakeProvider("backup", backup),
	}
	for _, p := range []struct {
		inst *fakeProvider
		prio registry.Priority
	}{
		{f.primary, registry.PriorityHigh},
		{f.backup, registry.PriorityFallback},
	} {
		_, err := reg.Register(registry.Registration{
			Handler:  "test",
			Kind:     registry.KindTool,
			Name:     p.inst.Name(),
			Instance: p.inst,
			Priority: p.prio,
		})
		require.NoError(t, err)
	}

	f.bus = NewBaseBus(registry.KindTool, "test", reg, f.corrs, clk, nil, time.Second)
	f.bus.SetAuditRecorder(f.audit)
	return f
}

func (f *busFixture) call(t *testing.T) (map[string]interface{}, error) {
	t.Helper()
	return f.bus.Call(context.Background(), "execute", map[string]interface{}{"tool": "echo"}, nil,
		func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
			fp, ok := svc.(*fakeProvider)
			if !ok {
				t.Fatalf("unexpected instance type %T", svc)
			}
			fp.mu.Lock()
			fp.calls++
			fp.mu.Unlock()
			return fp.respond()
		})
}

func TestCallFallsBackOnTransientError(t *testing.T) {
	f := newBusFixture(t,
		func() (map[string]interface{}, error) { return nil, errors.New("connection refused") },
		func() (map[string]interface{}, error) { return map[string]interface{}{"ok": true}, nil },
	)

	response, err := f.call(t)
	require.NoError(t, err)
	assert.Equal(t, true, response["ok"])
	assert.Equal(t, 1, f.primary.callCount())
	assert.Equal(t, 1, f.backup.callCount())

	// Both attempts tracked: first resolved failed, second completed.
	require.Len(t, f.corrs.created, 2)
	require.Len(t, f.corrs.resolved, 2)
	assert.Equal(t, models.CorrelationStatusFailed, f.corrs.resolved[0].status)
	assert.Equal(t, models.CorrelationStatusCompleted, f.corrs.resolved[1].status)

	// Only the winning attempt is audited.
	require.Len(t, f.audit.calls, 1)
	assert.Equal(t, "backup", f.audit.calls[0].provider)
	assert.True(t, f.audit.calls[0].ok)
}

func TestCallStopsOnPermanentError(t *testing.T) {
	f := newBusFixture(t,
		func() (map[string]interface{}, error) { return nil, Permanent(errors.New("bad arguments")) },
		func() (map[string]interface{}, error) { return map[string]interface{}{"ok": true}, nil },
	)

	_, err := f.call(t)
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ClassPermanent, callErr.Class)
	assert.Equal(t, "primary", callErr.Provider)
	assert.Zero(t, f.backup.callCount(), "permanent errors never fall back")

	require.Len(t, f.audit.calls, 1)
	assert.False(t, f.audit.calls[0].ok)
}

func TestCallAllProvidersFail(t *testing.T) {
	fail := func() (map[string]interface{}, error) { return nil, errors.New("down") }
	f := newBusFixture(t, fail, fail)

	_, err := f.call(t)
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ClassTransient, callErr.Class)
	assert.Equal(t, "backup", callErr.Provider, "error reports the last attempted provider")
	assert.Equal(t, 1, f.primary.callCount())
	assert.Equal(t, 1, f.backup.callCount())
}

func TestCallWithNoProviders(t *testing.T) {
	clk := clock.NewMockClock(time.Now())
	reg := registry.New(registry.Config{}, clk, nil)
	bus := NewBaseBus(registry.KindTool, "test", reg, nil, clk, nil, time.Second)

	_, err := bus.Call(context.Background(), "execute", nil, nil,
		func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
			t.Fatal("dispatch must not run without providers")
			return nil, nil
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProvider)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ClassUnavailable, callErr.Class)
}

func TestCallSkipsOpenBreaker(t *testing.T) {
	f := newBusFixture(t,
		func() (map[string]interface{}, error) { return map[string]interface{}{"from": "primary"}, nil },
		func() (map[string]interface{}, error) { return map[string]interface{}{"from": "backup"}, nil },
	)

	// Trip the primary's breaker so selection skips it entirely.
	provider, ok := f.reg.Acquire("test", registry.KindTool, nil)
	require.True(t, ok)
	require.Equal(t, "primary", provider.Name)
	for provider.Breaker.State() != circuit.StateOpen {
		provider.Breaker.RecordFailure()
	}

	response, err := f.call(t)
	require.NoError(t, err)
	assert.Equal(t, "backup", response["from"])
	assert.Zero(t, f.primary.callCount())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"plain error", errors.New("boom"), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassTransient},
		{"permanent wrap", Permanent(errors.New("denied")), ClassPermanent},
		{"validation", ErrValidation, ClassPermanent},
		{"no provider", ErrNoProvider, ClassUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
