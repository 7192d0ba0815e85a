package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Appended("/peerdoc/a")
	m.Appended("/peerdoc/a")
	m.Merged("/peerdoc/a", 3)
	m.Merged("/peerdoc/a", 0)
	m.Rejected("/peerdoc/a", "PERMISSION_DENIED")
	m.Pending("/peerdoc/a", 4)
	m.SyncRound("ok")
	m.BlocksFetched(5)
	m.Message("in", "heads")
	m.Message("out", "")
	m.Dropped("rate_limited")
	m.Peers(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.appended.WithLabelValues("/peerdoc/a")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.merged.WithLabelValues("/peerdoc/a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("/peerdoc/a", "PERMISSION_DENIED")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.pending.WithLabelValues("/peerdoc/a")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.fetched))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("out", "unknown")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.peers))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Appended("x")
		m.Merged("x", 1)
		m.Rejected("x", "y")
		m.Pending("x", 1)
		m.SyncRound("ok")
		m.BlocksFetched(1)
		m.Message("in", "heads")
		m.Dropped("x")
		m.Peers(1)
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Appended("/peerdoc/a")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "peerdoc_entries_appended_total"))
}
