package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status, Timestamp: time.Now()}
	})
}

func TestRegistryCheck(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("a", StatusHealthy))
		r.Register(fixed("b", StatusDegraded))
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)

		r.Register(fixed("c", StatusUnhealthy))
		report := r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Len(t, report.Checks, 3)
		assert.Equal(t, "c", report.Checks["c"].Name)
	})

	t.Run("register replaces a checker with the same name", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("a", StatusUnhealthy))
		r.Register(fixed("a", StatusHealthy))
		assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)
	})

	t.Run("unregister removes the checker", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("a", StatusUnhealthy))
		r.Unregister("a")
		r.Unregister("missing")
		assert.Equal(t, StatusHealthy, r.Check(context.Background()).Status)
	})

	t.Run("slow checker times out as unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("fast", StatusHealthy))
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
		assert.Equal(t, StatusHealthy, report.Checks["fast"].Status)
	})

	t.Run("metadata is copied into the report", func(t *testing.T) {
		r := NewRegistry()
		r.SetMetadata("service", "amqpkeeper")
		assert.Equal(t, "amqpkeeper", r.Check(context.Background()).Metadata["service"])
	})
}

func TestHandler(t *testing.T) {
	serve := func(r *Registry, method string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		NewHandler(r, time.Second).ServeHTTP(rec, httptest.NewRequest(method, "/health", nil))
		return rec
	}

	t.Run("degraded still answers 200", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("topology", StatusDegraded))

		rec := serve(r, http.MethodGet)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusDegraded, report.Status)
	})

	t.Run("unhealthy answers 503", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("rabbitmq", StatusUnhealthy))
		assert.Equal(t, http.StatusServiceUnavailable, serve(r, http.MethodGet).Code)
	})

	t.Run("only GET is allowed", func(t *testing.T) {
		assert.Equal(t, http.StatusMethodNotAllowed, serve(NewRegistry(), http.MethodPost).Code)
	})
}

func TestReadinessAndLiveness(t *testing.T) {
	t.Run("readiness follows the registry", func(t *testing.T) {
		r := NewRegistry()
		r.Register(fixed("rabbitmq", StatusUnhealthy))

		rec := httptest.NewRecorder()
		ReadinessHandler(r, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not ready", rec.Body.String())

		r.Register(fixed("rabbitmq", StatusDegraded))
		rec = httptest.NewRecorder()
		ReadinessHandler(r, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("liveness always answers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}
