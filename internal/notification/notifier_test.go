package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"rcs/internal/config"
	"rcs/internal/domain"
	"rcs/internal/logger"
)

func newNotifier(endpoints map[string]string) *HTTPNotifier {
	return NewHTTPNotifier(config.NotificationConfig{
		Enabled:   true,
		Timeout:   time.Second,
		Endpoints: endpoints,
		Retry: config.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      1.5,
		},
	}, config.CircuitBreakerConfig{}, logger.NopLogger())
}

func TestNotify_Delivers(t *testing.T) {
	var got Notice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := newNotifier(map[string]string{"acme": srv.URL})
	outcome := n.Notify(context.Background(), "acme", Notice{
		Action:  domain.ActionBlockUser,
		Details: map[string]interface{}{"occurrence_id": "occ-1"},
		User:    domain.User{UserID: "u-1", Project: "acme"},
	})

	require.NotNil(t, outcome)
	assert.True(t, outcome.Delivered)
	assert.Equal(t, http.StatusNoContent, outcome.StatusCode)
	assert.Equal(t, domain.ActionBlockUser, got.Action)
	assert.Equal(t, "u-1", got.User.UserID)
}

func TestNotify_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	outcome := newNotifier(map[string]string{"acme": srv.URL}).Notify(context.Background(), "acme", Notice{})
	require.NotNil(t, outcome)
	assert.True(t, outcome.Delivered)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestNotify_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	outcome := newNotifier(map[string]string{"acme": srv.URL}).Notify(context.Background(), "acme", Notice{})
	require.NotNil(t, outcome)
	assert.False(t, outcome.Delivered)
	assert.Equal(t, http.StatusBadRequest, outcome.StatusCode)
	assert.NotEmpty(t, outcome.Error)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestNotify_UnknownTenant(t *testing.T) {
	assert.Nil(t, newNotifier(nil).Notify(context.Background(), "acme", Notice{}))
}

func TestNotify_PropagatesTraceContext(t *testing.T) {
	prevProvider, prevPropagator := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	var traceparent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent.Store(r.Header.Get("traceparent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, span := tp.Tracer("issuance").Start(context.Background(), "issue")
	defer span.End()

	out := newNotifier(map[string]string{"acme": srv.URL}).Notify(ctx, "acme", Notice{Action: domain.ActionBlockUser})
	require.NotNil(t, out)
	require.True(t, out.Delivered)

	header, _ := traceparent.Load().(string)
	assert.Contains(t, header, span.SpanContext().TraceID().String())
}
