package llm

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"contractlens/internal/fault"
)

// Complexity selects a model tier.
type Complexity string

const (
	Simple    Complexity = "simple"
	Balanced  Complexity = "balanced"
	Complex   Complexity = "complex"
	Reasoning Complexity = "reasoning"
)

// ModelSpec is one row of the routing table: a concrete model plus its
// price schedule in USD per million tokens.
type ModelSpec struct {
	Name             string
	InputPerM        float64
	OutputPerM       float64
	ThinkingPerM     float64
	SupportsThinking bool
}

var modelTable = map[Complexity]ModelSpec{
	Simple:    {Name: "gemini-2.5-flash-lite", InputPerM: 0.075, OutputPerM: 0.30},
	Balanced:  {Name: "gemini-2.5-flash", InputPerM: 0.15, OutputPerM: 0.60},
	Complex:   {Name: "gemini-2.5-pro", InputPerM: 1.25, OutputPerM: 5.00},
	Reasoning: {Name: "gemini-3-pro", InputPerM: 2.50, OutputPerM: 10.00, ThinkingPerM: 2.50, SupportsThinking: true},
}

// ModelFor returns the routing table entry for a tier.
func ModelFor(c Complexity) (ModelSpec, bool) {
	spec, ok := modelTable[c]
	return spec, ok
}

// GenerationResult is the router's answer for one successful call. Cost
// here is the sole source of truth for what the ledger records.
type GenerationResult struct {
	Text           string  `json:"text"`
	Model          string  `json:"model"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	ThinkingTokens int64   `json:"thinking_tokens"`
	Cost           float64 `json:"cost"`
}

// GenerateOptions are the per-call knobs of Router.Generate.
type GenerateOptions struct {
	ThinkingBudget    int
	SystemInstruction string
	MaxOutputTokens   int
	Timeout           time.Duration
}

// Settings bound the router's resilience behaviour.
type Settings struct {
	Timeout     time.Duration
	MaxTimeout  time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	FailMax     int
	ResetAfter  time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Timeout:     30 * time.Second,
		MaxTimeout:  120 * time.Second,
		MaxRetries:  3,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  8 * time.Second,
		FailMax:     5,
		ResetAfter:  60 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.Timeout <= 0 {
		s.Timeout = def.Timeout
	}
	if s.MaxTimeout <= 0 {
		s.MaxTimeout = def.MaxTimeout
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = def.MaxRetries
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = def.BackoffBase
	}
	if s.BackoffCap <= 0 {
		s.BackoffCap = def.BackoffCap
	}
	if s.FailMax <= 0 {
		s.FailMax = def.FailMax
	}
	if s.ResetAfter <= 0 {
		s.ResetAfter = def.ResetAfter
	}
	return s
}

// Router maps complexity tiers to models and executes generation calls
// with timeout, retry and a process-wide circuit breaker.
type Router struct {
	provider Provider
	settings Settings
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger
}

func NewRouter(provider Provider, settings Settings, log *zap.Logger) *Router {
	settings = settings.withDefaults()
	r := &Router{provider: provider, settings: settings, log: log}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model-router",
		MaxRequests: 1,
		Timeout:     settings.ResetAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(settings.FailMax)
		},
		IsSuccessful: func(err error) bool {
			// Caller mistakes must not open the breaker.
			return err == nil || fault.KindOf(err) == fault.KindInvalidInput
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r
}

// Generate routes a prompt to the tier's model. Transient and Timeout
// failures are retried with full-jitter exponential backoff; repeated
// exhaustion opens the breaker and later calls fail fast with
// ServiceUnavailable until the reset window elapses.
func (r *Router) Generate(ctx context.Context, prompt string, complexity Complexity, opts GenerateOptions) (*GenerationResult, error) {
	if prompt == "" {
		return nil, fault.New(fault.KindInvalidInput, "empty prompt")
	}
	spec, ok := modelTable[complexity]
	if !ok {
		return nil, fault.New(fault.KindInvalidInput, "unknown complexity %q", complexity)
	}

	thinkingBudget := opts.ThinkingBudget
	if !spec.SupportsThinking {
		thinkingBudget = 0
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.settings.Timeout
	}
	if timeout > r.settings.MaxTimeout {
		timeout = r.settings.MaxTimeout
	}

	req := GenerateRequest{
		Model:             spec.Name,
		Prompt:            prompt,
		SystemInstruction: opts.SystemInstruction,
		ThinkingBudget:    thinkingBudget,
		MaxOutputTokens:   opts.MaxOutputTokens,
	}

	out, err := r.breaker.Execute(func() (any, error) {
		return r.generateWithRetry(ctx, req, timeout)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fault.Wrap(fault.KindUnavailable, err)
		}
		return nil, err
	}

	pr := out.(*ProviderResult)
	cost := r.Cost(complexity, pr.InputTokens, pr.OutputTokens, pr.ThinkingTokens)
	r.log.Info("generation complete",
		zap.String("model", spec.Name),
		zap.Int64("input_tokens", pr.InputTokens),
		zap.Int64("output_tokens", pr.OutputTokens),
		zap.Int64("thinking_tokens", pr.ThinkingTokens),
		zap.Float64("cost", cost))

	return &GenerationResult{
		Text:           pr.Text,
		Model:          spec.Name,
		InputTokens:    pr.InputTokens,
		OutputTokens:   pr.OutputTokens,
		ThinkingTokens: pr.ThinkingTokens,
		Cost:           cost,
	}, nil
}

func (r *Router) generateWithRetry(ctx context.Context, req GenerateRequest, timeout time.Duration) (*ProviderResult, error) {
	var result *ProviderResult

	err := retry.Do(
		func() error {
			// Each attempt gets the full per-call timeout.
			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			pr, err := r.provider.Generate(attemptCtx, req)
			if err != nil {
				if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
					err = fault.Wrap(fault.KindTimeout, err)
				}
				return err
			}
			result = pr
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.settings.MaxRetries)+1),
		retry.RetryIf(fault.Retryable),
		retry.LastErrorOnly(true),
		retry.DelayType(r.jitterDelay),
		retry.OnRetry(func(n uint, err error) {
			r.log.Warn("retrying generation",
				zap.String("model", req.Model),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// jitterDelay draws the delay for attempt n from [0, min(cap, base*2^n)].
func (r *Router) jitterDelay(n uint, _ error, _ *retry.Config) time.Duration {
	ceil := r.settings.BackoffBase << n
	if ceil > r.settings.BackoffCap || ceil <= 0 {
		ceil = r.settings.BackoffCap
	}
	return time.Duration(rand.Int63n(int64(ceil) + 1))
}

// Cost computes the USD cost of a call at the tier's price schedule,
// rounded to six decimals.
func (r *Router) Cost(complexity Complexity, inputTokens, outputTokens, thinkingTokens int64) float64 {
	spec := modelTable[complexity]
	cost := float64(inputTokens)/1e6*spec.InputPerM +
		float64(outputTokens)/1e6*spec.OutputPerM
	if thinkingTokens > 0 && spec.ThinkingPerM > 0 {
		cost += float64(thinkingTokens) / 1e6 * spec.ThinkingPerM
	}
	return math.Round(cost*1e6) / 1e6
}

// BreakerStatus is a point-in-time snapshot for the status endpoint.
type BreakerStatus struct {
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	FailMax             int    `json:"fail_max"`
	ResetAfterSec       int    `json:"reset_after_sec"`
}

func (r *Router) BreakerStatus() BreakerStatus {
	return BreakerStatus{
		State:               r.breaker.State().String(),
		ConsecutiveFailures: r.breaker.Counts().ConsecutiveFailures,
		FailMax:             r.settings.FailMax,
		ResetAfterSec:       int(r.settings.ResetAfter / time.Second),
	}
}
