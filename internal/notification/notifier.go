// Package notification delivers punishment notices to tenant endpoints.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rcs/internal/config"
	"rcs/internal/constants"
	"rcs/internal/domain"
	"rcs/internal/logger"
	"rcs/pkg/circuitbreaker"
	"rcs/pkg/metrics"
	"rcs/pkg/retry"
)

// Notice is the body POSTed to a tenant endpoint.
type Notice struct {
	Action  domain.Action          `json:"action"`
	Details map[string]interface{} `json:"details"`
	User    domain.User            `json:"user"`
}

// HTTPNotifier posts notices to the endpoint configured for each tenant.
type HTTPNotifier struct {
	client    *http.Client
	endpoints map[string]string
	policy    retry.Policy
	breaker   *circuitbreaker.Wrapper
	logger    logger.Logger
}

func NewHTTPNotifier(cfg config.NotificationConfig, cb config.CircuitBreakerConfig, log logger.Logger) *HTTPNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeout
	}

	n := &HTTPNotifier{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		endpoints: cfg.Endpoints,
		policy: retry.DefaultPolicy().Merge(retry.Policy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
		}),
		logger: log,
	}
	if cb.Enabled {
		n.breaker = circuitbreaker.NewWrapper(circuitbreaker.FromSettings("notification", cb))
	}
	return n
}

// Endpoint returns the URL configured for tenant.
func (n *HTTPNotifier) Endpoint(tenant string) (string, bool) {
	url, ok := n.endpoints[tenant]
	return url, ok && url != ""
}

// Notify delivers the notice for tenant and reports the outcome. A tenant
// without an endpoint yields a nil outcome. Delivery failures are reported in
// the outcome, never as an error.
func (n *HTTPNotifier) Notify(ctx context.Context, tenant string, notice Notice) *domain.NotificationOutcome {
	url, ok := n.Endpoint(tenant)
	if !ok {
		return nil
	}

	outcome := &domain.NotificationOutcome{Endpoint: url}
	err := retry.RetryWithCallback(ctx, n.policy, func() error {
		_, err := circuitbreaker.Execute(ctx, n.breaker, func() (int, error) {
			status, err := n.post(ctx, url, notice)
			outcome.StatusCode = status
			return status, err
		})
		return err
	}, func(attempt int, err error, nextDelay time.Duration) {
		n.logger.WarnwCtx(ctx, "Retrying notification",
			"tenant", tenant,
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})
	outcome.AttemptAt = time.Now().UTC()

	if err != nil {
		outcome.Error = err.Error()
		metrics.NotificationsTotal.WithLabelValues(tenant, "failed").Inc()
		n.logger.ErrorwCtx(ctx, "Notification failed",
			"tenant", tenant,
			"endpoint", url,
			"error", err,
		)
		return outcome
	}

	outcome.Delivered = true
	metrics.NotificationsTotal.WithLabelValues(tenant, "delivered").Inc()
	return outcome
}

func (n *HTTPNotifier) post(ctx context.Context, url string, notice Notice) (int, error) {
	body, err := json.Marshal(notice)
	if err != nil {
		return 0, retry.NewFatalError(fmt.Errorf("failed to marshal notice: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, retry.NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("notification request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax {
		err := fmt.Errorf("endpoint returned status: %d", resp.StatusCode)
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return resp.StatusCode, retry.NewFatalError(err)
		}
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}
