package llm

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"contractlens/internal/fault"
)

// scriptedProvider fails according to script, then succeeds.
type scriptedProvider struct {
	mu     sync.Mutex
	calls  int
	script []error
	block  bool
	last   GenerateRequest
}

func (p *scriptedProvider) Generate(ctx context.Context, req GenerateRequest) (*ProviderResult, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.last = req
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if idx < len(p.script) && p.script[idx] != nil {
		return nil, p.script[idx]
	}
	return &ProviderResult{Text: "ok", InputTokens: 100, OutputTokens: 10}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fastSettings() Settings {
	return Settings{
		Timeout:     time.Second,
		MaxTimeout:  2 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		FailMax:     5,
		ResetAfter:  time.Minute,
	}
}

func transientErr() error {
	return fault.New(fault.KindTransient, "upstream 503")
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	provider := &scriptedProvider{script: []error{transientErr(), transientErr()}}
	router := NewRouter(provider, fastSettings(), zap.NewNop())

	res, err := router.Generate(context.Background(), "analyze this", Balanced, GenerateOptions{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if provider.callCount() != 3 {
		t.Fatalf("provider calls = %d, want 3", provider.callCount())
	}
	if res.Text != "ok" || res.Model != "gemini-2.5-flash" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestInvalidInputNotRetried(t *testing.T) {
	provider := &scriptedProvider{script: []error{fault.New(fault.KindInvalidInput, "bad request")}}
	router := NewRouter(provider, fastSettings(), zap.NewNop())

	_, err := router.Generate(context.Background(), "p", Simple, GenerateOptions{})
	if !fault.Is(err, fault.KindInvalidInput) {
		t.Fatalf("kind = %v, want invalid_input", fault.KindOf(err))
	}
	if provider.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.callCount())
	}
}

func TestRetryExhaustionSurfacesLastKind(t *testing.T) {
	provider := &scriptedProvider{script: []error{
		transientErr(), transientErr(), transientErr(), transientErr(),
	}}
	router := NewRouter(provider, fastSettings(), zap.NewNop())

	_, err := router.Generate(context.Background(), "p", Simple, GenerateOptions{})
	if !fault.Is(err, fault.KindTransient) {
		t.Fatalf("kind = %v, want transient", fault.KindOf(err))
	}
	if provider.callCount() != 4 {
		t.Fatalf("provider calls = %d, want 4 (1 + 3 retries)", provider.callCount())
	}
}

func TestBreakerTripAndRecovery(t *testing.T) {
	settings := fastSettings()
	settings.MaxRetries = 1
	settings.FailMax = 3
	settings.ResetAfter = time.Second

	provider := &scriptedProvider{script: []error{
		transientErr(), transientErr(),
		transientErr(), transientErr(),
		transientErr(), transientErr(),
	}}
	router := NewRouter(provider, settings, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := router.Generate(ctx, "p", Simple, GenerateOptions{}); err == nil {
			t.Fatalf("call %d: expected failure", i+1)
		}
	}
	callsBefore := provider.callCount()
	if callsBefore != 6 {
		t.Fatalf("provider calls = %d, want 6 before trip", callsBefore)
	}

	// Breaker is open: fails fast without touching the provider.
	_, err := router.Generate(ctx, "p", Simple, GenerateOptions{})
	if !fault.Is(err, fault.KindUnavailable) {
		t.Fatalf("kind = %v, want service_unavailable", fault.KindOf(err))
	}
	if provider.callCount() != callsBefore {
		t.Fatalf("provider invoked while breaker open")
	}

	time.Sleep(1100 * time.Millisecond)

	// Half-open probe is admitted and succeeds.
	if _, err := router.Generate(ctx, "p", Simple, GenerateOptions{}); err != nil {
		t.Fatalf("probe: %v", err)
	}
	// Breaker is closed again.
	if _, err := router.Generate(ctx, "p", Simple, GenerateOptions{}); err != nil {
		t.Fatalf("post-recovery call: %v", err)
	}
	if got := router.BreakerStatus().State; got != "closed" {
		t.Fatalf("breaker state = %q, want closed", got)
	}
}

func TestTimeoutRetriedThenSurfaced(t *testing.T) {
	settings := fastSettings()
	settings.MaxRetries = 1
	settings.Timeout = 20 * time.Millisecond

	provider := &scriptedProvider{block: true}
	router := NewRouter(provider, settings, zap.NewNop())

	_, err := router.Generate(context.Background(), "p", Simple, GenerateOptions{})
	if !fault.Is(err, fault.KindTimeout) {
		t.Fatalf("kind = %v, want timeout", fault.KindOf(err))
	}
	if provider.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.callCount())
	}
}

func TestThinkingBudgetOnlyForReasoning(t *testing.T) {
	provider := &scriptedProvider{}
	router := NewRouter(provider, fastSettings(), zap.NewNop())
	ctx := context.Background()

	if _, err := router.Generate(ctx, "p", Balanced, GenerateOptions{ThinkingBudget: 2048}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if provider.last.ThinkingBudget != 0 {
		t.Fatalf("thinking budget = %d for balanced tier, want 0", provider.last.ThinkingBudget)
	}

	if _, err := router.Generate(ctx, "p", Reasoning, GenerateOptions{ThinkingBudget: 2048}); err != nil {
		t.Fatalf("generate reasoning: %v", err)
	}
	if provider.last.ThinkingBudget != 2048 {
		t.Fatalf("thinking budget = %d for reasoning tier, want 2048", provider.last.ThinkingBudget)
	}
	if provider.last.Model != "gemini-3-pro" {
		t.Fatalf("model = %q, want gemini-3-pro", provider.last.Model)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	router := NewRouter(&scriptedProvider{}, fastSettings(), zap.NewNop())
	ctx := context.Background()

	if _, err := router.Generate(ctx, "", Simple, GenerateOptions{}); !fault.Is(err, fault.KindInvalidInput) {
		t.Fatalf("empty prompt: kind = %v, want invalid_input", fault.KindOf(err))
	}
	if _, err := router.Generate(ctx, "p", Complexity("turbo"), GenerateOptions{}); !fault.Is(err, fault.KindInvalidInput) {
		t.Fatalf("unknown tier: kind = %v, want invalid_input", fault.KindOf(err))
	}
}

func TestCostCalculation(t *testing.T) {
	router := NewRouter(&scriptedProvider{}, fastSettings(), zap.NewNop())

	// 1M input + 1M output at the balanced schedule.
	if got := router.Cost(Balanced, 1_000_000, 1_000_000, 0); !almostEqual(got, 0.75) {
		t.Fatalf("balanced cost = %v, want 0.75", got)
	}
	// Thinking tokens only bill on the reasoning tier.
	if got := router.Cost(Reasoning, 1_000_000, 0, 1_000_000); !almostEqual(got, 5.0) {
		t.Fatalf("reasoning cost = %v, want 5.0", got)
	}
	if got := router.Cost(Balanced, 1_000_000, 0, 1_000_000); !almostEqual(got, 0.15) {
		t.Fatalf("balanced cost with thinking = %v, want 0.15", got)
	}
	// Rounded to six decimals.
	if got := router.Cost(Simple, 1, 1, 0); got != 0.0 {
		t.Fatalf("tiny cost = %v, want 0 after rounding", got)
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
