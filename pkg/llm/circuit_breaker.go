package llm

import (
	"context"
	"time"

	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/metrics"
	"github.com/harunnryd/interviewer/pkg/resilience"
)

// CircuitBreakerAdapter wraps an LLMAdapter with rate-limit circuit breaking.
type CircuitBreakerAdapter struct {
	inner   LLMAdapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerAdapter(inner LLMAdapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker, obs: metrics.NoopObserver{}}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	a.obs = obs
}

func (a *CircuitBreakerAdapter) Stream(ctx context.Context, input Context) (<-chan string, error) {
	if !a.breaker.Allow() {
		a.record(metrics.EventBreakerDenied)
		return nil, errorsx.Wrap(resilience.RateLimitError{Provider: a.Name(), Message: "circuit open"}, errorsx.ReasonLLMCircuitOpen)
	}
	ch, err := a.inner.Stream(ctx, input)
	if err != nil {
		a.breaker.OnError(err)
		return nil, err
	}
	a.breaker.OnSuccess()
	return ch, nil
}

// StreamErr forwards to the wrapped adapter when it reports stream errors.
func (a *CircuitBreakerAdapter) StreamErr(ch <-chan string) error {
	if r, ok := a.inner.(StreamErrorReporter); ok {
		return r.StreamErr(ch)
	}
	return nil
}

func (a *CircuitBreakerAdapter) record(name string) {
	metrics.Emit(a.obs, name, map[string]string{
		metrics.TagProvider:  a.inner.Name(),
		metrics.TagComponent: "llm",
	}, nil)
}

var _ LLMAdapter = (*CircuitBreakerAdapter)(nil)
