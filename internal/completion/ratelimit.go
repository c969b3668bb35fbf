package completion

import (
	"context"

	"golang.org/x/time/rate"
)

type rateLimitedClient struct {
	inner   Client
	limiter *rate.Limiter
}

// WithRateLimit caps outbound completion calls at maxRPS. A non-positive
// rate returns the client unwrapped.
func WithRateLimit(inner Client, maxRPS float64) Client {
	if maxRPS <= 0 {
		return inner
	}
	return &rateLimitedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(maxRPS), 1),
	}
}

func (c *rateLimitedClient) Complete(ctx context.Context, prompt Prompt) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return c.inner.Complete(ctx, prompt)
}
