package anthropic

import (
	"context"

	"github.com/sells-group/domain-intel/internal/resilience"
)

// breakerClient guards an inner Client with a circuit breaker so a
// failing API fails fast instead of stacking up retries.
type breakerClient struct {
	inner Client
	cb    *resilience.CircuitBreaker
}

// WithCircuitBreaker wraps a client with circuit-breaker protection.
func WithCircuitBreaker(c Client, cb *resilience.CircuitBreaker) Client {
	return &breakerClient{inner: c, cb: cb}
}

func (b *breakerClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	return resilience.ExecuteVal(ctx, b.cb, func(ctx context.Context) (*MessageResponse, error) {
		return b.inner.CreateMessage(ctx, req)
	})
}
