package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/circuit"
	"github.com/anima-ai/anima/internal/clock"
)

type stubService struct {
	BaseService
}

func newStubService(name string, caps ...string) *stubService {
	return &stubService{BaseService: NewBaseService(name, caps...)}
}

func setupRegistry(t *testing.T) (*Registry, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	r := New(Config{
		BreakerDefaults: circuit.Config{
			FailureThreshold: 3,
			Window:           time.Minute,
			Cooldown:         30 * time.Second,
			SuccessThreshold: 1,
		},
	}, clk, nil)
	return r, clk
}

func mustRegister(t *testing.T, r *Registry, reg Registration) *Provider {
	t.Helper()
	p, err := r.Register(reg)
	require.NoError(t, err)
	return p
}

func names(providers []*Provider) []string {
	out := make([]string, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.Name)
	}
	return out
}

func TestBaseServiceName(t *testing.T) {
	svc := newStubService("primary_llm", "chat")
	assert.Equal(t, "primary_llm", svc.Name())
	assert.Equal(t, []string{"chat"}, svc.Capabilities())
}

func TestRegister(t *testing.T) {
	t.Run("rejects unknown kind", func(t *testing.T) {
		r, _ := setupRegistry(t)
		_, err := r.Register(Registration{Kind: "nonsense", Name: "x", Instance: newStubService("x")})
		require.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("rejects nil instance", func(t *testing.T) {
		r, _ := setupRegistry(t)
		_, err := r.Register(Registration{Kind: KindMemory, Name: "x"})
		require.ErrorIs(t, err, ErrNilInstance)
	})

	t.Run("rejects duplicate name in same scope", func(t *testing.T) {
		r, _ := setupRegistry(t)
		mustRegister(t, r, Registration{Kind: KindMemory, Name: "graph", Instance: newStubService("graph")})
		_, err := r.Register(Registration{Kind: KindMemory, Name: "graph", Instance: newStubService("graph")})
		require.ErrorIs(t, err, ErrDuplicateProvider)
	})

	t.Run("same name allowed across scopes", func(t *testing.T) {
		r, _ := setupRegistry(t)
		mustRegister(t, r, Registration{Kind: KindMemory, Name: "graph", Instance: newStubService("graph")})
		mustRegister(t, r, Registration{Handler: "speak_handler", Kind: KindMemory, Name: "graph", Instance: newStubService("graph")})
		assert.Len(t, r.GetAll(KindMemory), 2)
	})

	t.Run("capabilities default to the instance", func(t *testing.T) {
		r, _ := setupRegistry(t)
		p := mustRegister(t, r, Registration{
			Kind:     KindMemory,
			Name:     "graph",
			Instance: newStubService("graph", "memorize", "recall"),
		})
		assert.True(t, p.HasCapabilities([]string{"memorize"}))
		assert.True(t, p.HasCapabilities([]string{"memorize", "recall"}))
		assert.False(t, p.HasCapabilities([]string{"forget"}))
	})
}

func TestAcquire(t *testing.T) {
	t.Run("lowest priority group wins", func(t *testing.T) {
		r, _ := setupRegistry(t)
		mustRegister(t, r, Registration{
			Kind: KindLLM, Name: "backup", Instance: newStubService("backup"),
			Priority: PriorityNormal, PriorityGroup: 1,
		})
		mustRegister(t, r, Registration{
			Kind: KindLLM, Name: "primary", Instance: newStubService("primary"),
			Priority: PriorityNormal, PriorityGroup: 0,
		})

		p, ok := r.Acquire("", KindLLM, nil)
		require.True(t, ok)
		assert.Equal(t, "primary", p.Name)
	})

	t.Run("priority orders within a group", func(t *testing.T) {
		r, _ := setupRegistry(t)
		mustRegister(t, r, Registration{Kind: KindLLM, Name: "low", Instance: newStubService("low"), Priority: PriorityLow})
		mustRegister(t, r, Registration{Kind: KindLLM, Name: "critical", Instance: newStubService("critical"), Priority: PriorityCritical})
		mustRegister(t, r, Registration{Kind: KindLLM, Name: "high", Instance: newStubService("high"), Priority: PriorityHigh})

		got := names(r.SelectCandidates("", KindLLM, nil))
		assert.Equal(t, []string{"critical", "high", "low"}, got)
	})

	t.Run("registration order breaks priority ties", func(t *testing.T) {
		r, _ := setupRegistry(t)
		mustRegister(t, r, Registration{Kind: KindTool, Name: "first", Instance: newStubService("first"), Priority: PriorityNormal})
		mustRegister(t, r, Registration{Kind: KindTool, Name: "second", Instance: newStubService("second"), Priority: PriorityNormal})

		got := names(r.SelectCandidates("", KindTool, nil))
		assert.Equal(t, []string{"first", "second"}, got)
	})

	t.Run("capability filter requires a superset", func(t *testing.T) {
		r, _ := setupRegistry(t)
		mustRegister(t, r, Registration{
			Kind: KindMemory, Name: "partial", Instance: newStubService("partial"),
			Priority: PriorityCritical, Capabilities: []string{"recall"},
		})
		mustRegister(t, r, Registration{
			Kind: KindMemory, Name: "full", Instance: newStubService("full"),
			Priority: PriorityLow, Capabilities: []string{"recall", "memorize", "forget"},
		})

		p, ok := r.Acquire("", KindMemory, []string{"recall", "forget"})
		require.True(t, ok)
		assert.Equal(t, "full", p.Name)

		_, ok = r.Acquire("", KindMemory, []string{"recall_timeseries"})
		assert.False(t, ok)
	})

	t.Run("no providers yields none", func(t *testing.T) {
		r, _ := setupRegistry(t)
		_, ok := r.Acquire("", KindWiseAuthority, nil)
		assert.False(t, ok)
	})

	t.Run("handler scoped providers come before global", func(t *testing.T) {
		r, _ := setupRegistry(t)
		mustRegister(t, r, Registration{
			Kind: KindCommunication, Name: "global_api", Instance: newStubService("global_api"),
			Priority: PriorityCritical,
		})
		mustRegister(t, r, Registration{
			Handler: "speak_handler", Kind: KindCommunication, Name: "scoped_cli",
			Instance: newStubService("scoped_cli"), Priority: PriorityLow,
		})

		got := names(r.SelectCandidates("speak_handler", KindCommunication, nil))
		assert.Equal(t, []string{"scoped_cli", "global_api"}, got)

		got = names(r.SelectCandidates("other_handler", KindCommunication, nil))
		assert.Equal(t, []string{"global_api"}, got)
	})
}

func TestCircuitBreakerIntegration(t *testing.T) {
	t.Run("open breaker removes provider from selection", func(t *testing.T) {
		r, _ := setupRegistry(t)
		a := mustRegister(t, r, Registration{Kind: KindLLM, Name: "a", Instance: newStubService("a"), Priority: PriorityHigh})
		mustRegister(t, r, Registration{Kind: KindLLM, Name: "b", Instance: newStubService("b"), Priority: PriorityNormal})

		for i := 0; i < 3; i++ {
			a.Breaker.RecordFailure()
		}
		require.Equal(t, circuit.StateOpen, a.Breaker.State())

		p, ok := r.Acquire("", KindLLM, nil)
		require.True(t, ok)
		assert.Equal(t, "b", p.Name)
	})

	t.Run("all breakers open yields none", func(t *testing.T) {
		r, _ := setupRegistry(t)
		a := mustRegister(t, r, Registration{Kind: KindLLM, Name: "a", Instance: newStubService("a")})
		for i := 0; i < 3; i++ {
			a.Breaker.RecordFailure()
		}
		_, ok := r.Acquire("", KindLLM, nil)
		assert.False(t, ok)
	})

	t.Run("half open provider is selectable again", func(t *testing.T) {
		r, clk := setupRegistry(t)
		a := mustRegister(t, r, Registration{Kind: KindLLM, Name: "a", Instance: newStubService("a")})
		for i := 0; i < 3; i++ {
			a.Breaker.RecordFailure()
		}
		clk.Advance(31 * time.Second)
		require.True(t, a.Breaker.AllowCall())

		p, ok := r.Acquire("", KindLLM, nil)
		require.True(t, ok)
		assert.Equal(t, "a", p.Name)
	})

	t.Run("reset reinstates the preferred provider", func(t *testing.T) {
		r, _ := setupRegistry(t)
		a := mustRegister(t, r, Registration{Kind: KindLLM, Name: "a", Instance: newStubService("a"), Priority: PriorityHigh})
		mustRegister(t, r, Registration{Kind: KindLLM, Name: "b", Instance: newStubService("b"), Priority: PriorityNormal})

		for i := 0; i < 3; i++ {
			a.Breaker.RecordFailure()
		}
		p, _ := r.Acquire("", KindLLM, nil)
		assert.Equal(t, "b", p.Name)

		n := r.ResetCircuitBreakers(KindLLM)
		assert.Equal(t, 2, n)

		p, _ = r.Acquire("", KindLLM, nil)
		assert.Equal(t, "a", p.Name)
	})

	t.Run("reset with empty kind touches every provider", func(t *testing.T) {
		r, _ := setupRegistry(t)
		mustRegister(t, r, Registration{Kind: KindLLM, Name: "a", Instance: newStubService("a")})
		mustRegister(t, r, Registration{Kind: KindMemory, Name: "m", Instance: newStubService("m")})
		mustRegister(t, r, Registration{Handler: "h", Kind: KindTool, Name: "t", Instance: newStubService("t")})

		assert.Equal(t, 3, r.ResetCircuitBreakers(""))
	})

	t.Run("breaker transitions reach the registry hook", func(t *testing.T) {
		var mu sync.Mutex
		type change struct {
			name     string
			kind     ServiceKind
			from, to circuit.State
		}
		var changes []change

		clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
		r := New(Config{
			BreakerDefaults: circuit.Config{
				FailureThreshold: 2,
				Window:           time.Minute,
				Cooldown:         30 * time.Second,
				SuccessThreshold: 1,
			},
			OnBreakerChange: func(name string, kind ServiceKind, from, to circuit.State) {
				mu.Lock()
				changes = append(changes, change{name, kind, from, to})
				mu.Unlock()
			},
		}, clk, nil)

		a := mustRegister(t, r, Registration{Kind: KindLLM, Name: "a", Instance: newStubService("a")})
		a.Breaker.RecordFailure()
		a.Breaker.RecordFailure()

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, changes, 1)
		assert.Equal(t, "a", changes[0].name)
		assert.Equal(t, KindLLM, changes[0].kind)
		assert.Equal(t, circuit.StateClosed, changes[0].from)
		assert.Equal(t, circuit.StateOpen, changes[0].to)
	})
}

func TestRoundRobin(t *testing.T) {
	t.Run("rotates through group members", func(t *testing.T) {
		r, _ := setupRegistry(t)
		for _, name := range []string{"a", "b", "c"} {
			mustRegister(t, r, Registration{
				Kind: KindLLM, Name: name, Instance: newStubService(name),
				Strategy: StrategyRoundRobin,
			})
		}

		first := make([]string, 0, 4)
		for i := 0; i < 4; i++ {
			p, ok := r.Acquire("", KindLLM, nil)
			require.True(t, ok)
			first = append(first, p.Name)
		}
		assert.Equal(t, []string{"a", "b", "c", "a"}, first)
	})

	t.Run("cursors are independent per handler", func(t *testing.T) {
		r, _ := setupRegistry(t)
		for _, name := range []string{"a", "b"} {
			mustRegister(t, r, Registration{
				Handler: "h1", Kind: KindLLM, Name: name,
				Instance: newStubService(name), Strategy: StrategyRoundRobin,
			})
			mustRegister(t, r, Registration{
				Handler: "h2", Kind: KindLLM, Name: name,
				Instance: newStubService(name), Strategy: StrategyRoundRobin,
			})
		}

		p, _ := r.Acquire("h1", KindLLM, nil)
		assert.Equal(t, "a", p.Name)
		p, _ = r.Acquire("h1", KindLLM, nil)
		assert.Equal(t, "b", p.Name)

		// h2 has not rotated yet.
		p, _ = r.Acquire("h2", KindLLM, nil)
		assert.Equal(t, "a", p.Name)
	})

	t.Run("mixed strategy group falls back to priority order", func(t *testing.T) {
		r, _ := setupRegistry(t)
		mustRegister(t, r, Registration{
			Kind: KindLLM, Name: "rr", Instance: newStubService("rr"),
			Priority: PriorityNormal, Strategy: StrategyRoundRobin,
		})
		mustRegister(t, r, Registration{
			Kind: KindLLM, Name: "fb", Instance: newStubService("fb"),
			Priority: PriorityHigh, Strategy: StrategyFallback,
		})

		for i := 0; i < 3; i++ {
			p, ok := r.Acquire("", KindLLM, nil)
			require.True(t, ok)
			assert.Equal(t, "fb", p.Name)
		}
	})
}

func TestLiveUpdates(t *testing.T) {
	t.Run("set priority applies to next lookup", func(t *testing.T) {
		r, _ := setupRegistry(t)
		mustRegister(t, r, Registration{Kind: KindLLM, Name: "a", Instance: newStubService("a"), Priority: PriorityHigh})
		mustRegister(t, r, Registration{Kind: KindLLM, Name: "b", Instance: newStubService("b"), Priority: PriorityNormal})

		p, _ := r.Acquire("", KindLLM, nil)
		assert.Equal(t, "a", p.Name)

		require.NoError(t, r.SetPriority("b", PriorityCritical, 0))
		p, _ = r.Acquire("", KindLLM, nil)
		assert.Equal(t, "b", p.Name)
	})

	t.Run("set priority can demote to a later group", func(t *testing.T) {
		r, _ := setupRegistry(t)
		mustRegister(t, r, Registration{Kind: KindLLM, Name: "a", Instance: newStubService("a"), Priority: PriorityCritical})
		mustRegister(t, r, Registration{Kind: KindLLM, Name: "b", Instance: newStubService("b"), Priority: PriorityLow})

		require.NoError(t, r.SetPriority("a", PriorityCritical, 5))
		got := names(r.SelectCandidates("", KindLLM, nil))
		assert.Equal(t, []string{"b", "a"}, got)
	})

	t.Run("set strategy unknown provider errors", func(t *testing.T) {
		r, _ := setupRegistry(t)
		assert.Error(t, r.SetStrategy("ghost", StrategyRoundRobin))
	})
}

func TestUnregister(t *testing.T) {
	r, _ := setupRegistry(t)
	mustRegister(t, r, Registration{Kind: KindTool, Name: "shell", Instance: newStubService("shell")})

	assert.True(t, r.Unregister("", KindTool, "shell"))
	assert.False(t, r.Unregister("", KindTool, "shell"))
	_, ok := r.Acquire("", KindTool, nil)
	assert.False(t, ok)
}

func TestDescribe(t *testing.T) {
	r, _ := setupRegistry(t)
	mustRegister(t, r, Registration{
		Kind: KindLLM, Name: "primary", Instance: newStubService("primary", "call_llm_structured"),
		Priority: PriorityHigh,
	})
	broken := mustRegister(t, r, Registration{Kind: KindMemory, Name: "graph", Instance: newStubService("graph")})
	for i := 0; i < 3; i++ {
		broken.Breaker.RecordFailure()
	}
	mustRegister(t, r, Registration{
		Handler: "speak_handler", Kind: KindCommunication, Name: "cli",
		Instance: newStubService("cli"),
	})

	desc := r.Describe()
	assert.Equal(t, 3, desc.TotalProviders)
	assert.Equal(t, 1, desc.OpenCircuits)
	assert.Equal(t, []string{"speak_handler"}, desc.HandlerScopes)

	require.Len(t, desc.Kinds, 3)
	// Kinds come back in canonical order: communication, memory, llm.
	assert.Equal(t, KindCommunication, desc.Kinds[0].Kind)
	assert.Equal(t, KindMemory, desc.Kinds[1].Kind)
	assert.Equal(t, KindLLM, desc.Kinds[2].Kind)

	llm := desc.Kinds[2].Providers[0]
	assert.Equal(t, "primary", llm.Name)
	assert.Equal(t, "HIGH", llm.Priority)
	assert.Equal(t, "closed", llm.CircuitState)
	assert.Contains(t, llm.Capabilities, "call_llm_structured")
}

func TestKinds(t *testing.T) {
	r, _ := setupRegistry(t)
	assert.Empty(t, r.Kinds())

	mustRegister(t, r, Registration{Kind: KindMemory, Name: "m", Instance: newStubService("m")})
	mustRegister(t, r, Registration{Handler: "h", Kind: KindTool, Name: "t", Instance: newStubService("t")})

	assert.Equal(t, []ServiceKind{KindTool, KindMemory}, r.Kinds())
}
