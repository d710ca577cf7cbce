package classifier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"haven.app/ash/core/config"
	"haven.app/ash/internal/model"
)

// ErrInvalidInput marks a validation-class failure: the classifier rejected the
// request itself. Not retried, and there is no actionable classification.
var ErrInvalidInput = errors.New("classifier rejected input")

// Gateway wraps the classifier behind a circuit breaker and bounded retry.
//
// When the breaker is open the gateway answers immediately with a degraded
// result instead of blocking the event stream. Degraded results never produce
// alerts: silence is preferred over a stale or fabricated severity.
type Gateway struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
	cfg     config.ClassifierConfig
}

func NewGateway(client Client, cfg config.ClassifierConfig) *Gateway {
	settings := gobreaker.Settings{
		Name:        "classifier",
		MaxRequests: 1, // single trial call in half-open
		Interval:    cfg.BreakerWindow,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		// Validation failures are the caller's problem, not the classifier's
		// health; only transient classes count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("classifier breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}

	return &Gateway{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		cfg:     cfg,
	}
}

// Classify runs one classification with retry and breaker protection.
// Returns (degraded, nil) when the classifier is unreachable, and
// ErrInvalidInput when the request itself was rejected.
func (g *Gateway) Classify(ctx context.Context, req Request) (*model.Classification, error) {
	result, err := g.breaker.Execute(func() (any, error) {
		return g.classifyWithRetry(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.WarnContext(ctx, "classifier breaker open, returning degraded result")
			return degradedResult("classifier circuit open"), nil
		}
		if !isTransient(err) {
			slog.ErrorContext(ctx, "classifier rejected input", "error", err)
			return nil, errors.Join(ErrInvalidInput, err)
		}
		slog.ErrorContext(ctx, "classifier unavailable after retries", "error", err)
		return degradedResult("classifier unavailable"), nil
	}

	classification, ok := result.(*model.Classification)
	if !ok {
		return degradedResult("classifier returned unexpected payload"), nil
	}
	return classification, nil
}

func (g *Gateway) classifyWithRetry(ctx context.Context, req Request) (*model.Classification, error) {
	policy := backoff.NewExponentialBackOff()
	if g.cfg.InitialInterval > 0 {
		policy.InitialInterval = g.cfg.InitialInterval
	}
	policy.RandomizationFactor = 0.5 // jitter so synchronized retries don't stampede

	maxRetries := g.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var classification *model.Classification
	operation := func() error {
		var err error
		classification, err = g.client.Classify(ctx, req)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return classification, nil
}

// Probe gives the breaker a chance to recover using the cheap health endpoint
// instead of burning a real message on the half-open trial call.
func (g *Gateway) Probe(ctx context.Context) {
	if g.breaker.State() == gobreaker.StateClosed {
		return
	}
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.client.Health(ctx)
	})
	if err == nil {
		slog.InfoContext(ctx, "classifier health probe succeeded, breaker recovering")
	}
}

// ProbeLoop runs Probe on a ticker until ctx is cancelled.
func (g *Gateway) ProbeLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Probe(ctx)
		}
	}
}

func (g *Gateway) State() gobreaker.State {
	return g.breaker.State()
}

func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Network-level failures (timeouts, refused connections) have no APIError.
	return true
}

func degradedResult(reason string) *model.Classification {
	return &model.Classification{
		Severity:     model.SeverityNone,
		Rationale:    reason,
		Degraded:     true,
		ClassifiedAt: time.Now().UTC(),
	}
}
