package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	t.Parallel()

	r := New()
	r.AlertHit()
	r.AlertHit()
	r.RuleHit("owner")
	r.AlertThrottled("by_host")
	r.RecordsExpired("record", 3)
	r.RecordsExpired("comment", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.alertHit))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ruleHit.WithLabelValues("owner")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.alertThrottled.WithLabelValues("by_host")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.recordsExpired.WithLabelValues("record")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.recordsExpired.WithLabelValues("comment")))
}

func TestNilRegistryIsNoop(t *testing.T) {
	t.Parallel()

	var r *Registry
	r.AlertHit()
	r.AlertSnoozed("maintenance")
	r.RecordsExpired("record", 1)
	require.NotNil(t, r.Handler())
	require.NotNil(t, r.Gatherer())
}

func TestHandlerExposesCounters(t *testing.T) {
	t.Parallel()

	r := New()
	r.AlertNotified("pager")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `snooze_alert_notified_total{name="pager"} 1`), string(body))
}
