package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RunChecks(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("queue", ServiceChecker("tx-queue", func(context.Context) error { return nil }))
	r.Register("redis", RedisChecker("localhost:6379", func(context.Context) error { return errors.New("refused") }))

	report := r.RunChecks(context.Background())
	require.Equal(t, StatusDown, report.Status)
	require.Equal(t, StatusUp, report.Checks["queue"].Status)
	require.Equal(t, "redis", report.Checks["redis"].Name)
	require.Contains(t, report.Checks["redis"].Message, "Redis at localhost:6379 is unhealthy")
	require.False(t, r.IsHealthy(context.Background()))

	r.Unregister("redis")
	require.True(t, r.IsHealthy(context.Background()))
	require.Equal(t, []string{"queue"}, r.Names())
}

func TestRegistry_unknownDoesNotFail(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("pending", func(context.Context) Check { return Check{Name: "pending", Status: StatusUnknown} })

	report := r.RunChecks(context.Background())
	require.Equal(t, StatusUnknown, report.Status)
	require.True(t, r.IsHealthy(context.Background()))
}

func TestHandler(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("kafka", KafkaChecker("broker:9092", func(context.Context) error { return errors.New("down") }))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status Status `json:"status"`
		Checks map[string]struct {
			Error string `json:"error"`
		} `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, StatusDown, body.Status)
	require.Equal(t, "down", body.Checks["kafka"].Error)
}
