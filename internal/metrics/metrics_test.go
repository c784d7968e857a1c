package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_HandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Uploads.WithLabelValues("ok").Inc()
	m.NodeUp.WithLabelValues("node-0").Set(1)
	m.RepairCopies.Add(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RepairCopies))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uploads.WithLabelValues("ok")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.True(t, strings.Contains(out, `chunkstore_node_up{node="node-0"} 1`))
	assert.True(t, strings.Contains(out, "chunkstore_repair_copies_total 2"))
}
