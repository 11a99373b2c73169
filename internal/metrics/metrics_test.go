package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(EnrollmentsTotal.WithLabelValues("duplicate"))
	IncEnrollment("duplicate")
	IncEnrollment("duplicate")
	require.Equal(t, before+2, testutil.ToFloat64(EnrollmentsTotal.WithLabelValues("duplicate")))

	before = testutil.ToFloat64(WebhooksTotal.WithLabelValues("applied"))
	IncWebhook("applied")
	require.Equal(t, before+1, testutil.ToFloat64(WebhooksTotal.WithLabelValues("applied")))
}

func TestSetBreakerOpen(t *testing.T) {
	SetBreakerOpen("sms", true)
	require.Equal(t, 1.0, testutil.ToFloat64(BreakerOpen.WithLabelValues("sms")))
	SetBreakerOpen("sms", false)
	require.Equal(t, 0.0, testutil.ToFloat64(BreakerOpen.WithLabelValues("sms")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	IncDispatch("sent")
	ObserveDelivery("email", "sent", 20*time.Millisecond)
	ObserveHTTP("GET", "/healthz", "200", time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `followup_dispatch_total{result="sent"}`)
	require.Contains(t, string(body), "followup_delivery_duration_seconds_bucket")
	require.Contains(t, string(body), `followup_http_request_duration_seconds_count{method="GET",route="/healthz",status="200"}`)
}
