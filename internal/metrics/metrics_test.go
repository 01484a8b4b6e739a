package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	c := NewCollector("test")

	c.RecordFeatureApply("block_camera", OutcomeApplied)
	c.RecordFeatureApply("block_camera", OutcomeApplied)
	c.RecordFeatureApply("block_sms", OutcomeDenied)
	c.RecordVerification(OutcomeRejected)
	c.RecordUpdateCheck(OutcomeNoUpdate)
	c.AddDownloadBytes(1024)
	c.AddDownloadBytes(-1)
	c.RecordKioskSave(5)
	c.RecordBootTask("reapply_features", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.featureApplyTotal.WithLabelValues("block_camera", OutcomeApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.featureApplyTotal.WithLabelValues("block_sms", OutcomeDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.verificationsTotal.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, 1024.0, testutil.ToFloat64(c.downloadBytesTotal))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.kioskItems))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordFeatureApply("block_camera", OutcomeApplied)
		c.SetFeaturesActive(3)
		c.RecordKioskSave(1)
	})
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("devicelock")
	c.RecordUpdateCheck(OutcomeAvailable)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `devicelock_update_checks_total{outcome="available"} 1`)
}

func TestCollector_HTTPAndRuntime(t *testing.T) {
	c := NewCollector("test")
	c.RecordHTTPRequest("GET", "/healthz", 200, 3*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/healthz", "200")))

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["test_http_request_duration_seconds"])
}
