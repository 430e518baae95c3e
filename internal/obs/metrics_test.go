package obs

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn")
	log.Info("order_synced")
	assert.Empty(t, buf.String())

	log.Warn("outbox_item_dropped", "id", "r-1")
	assert.Contains(t, buf.String(), `"msg":"outbox_item_dropped"`)
	assert.Contains(t, buf.String(), `"id":"r-1"`)
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.OrdersSynced.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.OrdersSynced))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.OrdersSynced))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.OutboxSent.Add(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "possync_outbox_sent_total 2")
}
