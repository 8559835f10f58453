package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/fitlink/internal/domain"
)

func TestSetCircuitState(t *testing.T) {
	tests := []struct {
		name     string
		state    domain.CircuitStatus
		expected float64
	}{
		{name: "closed", state: domain.CircuitClosed, expected: 0},
		{name: "half open", state: domain.CircuitHalfOpen, expected: 1},
		{name: "open", state: domain.CircuitOpen, expected: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetCircuitState("test-"+tt.name, tt.state)
			require.Equal(t, tt.expected, testutil.ToFloat64(CircuitStateGauge.WithLabelValues("test-"+tt.name)))
		})
	}
}

func TestObserveRefresh(t *testing.T) {
	before := testutil.ToFloat64(RefreshTotal.WithLabelValues("test", ResultSuccess))
	ObserveRefresh("test", ResultSuccess, 120*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(RefreshTotal.WithLabelValues("test", ResultSuccess)))
}

func TestObserveSweep(t *testing.T) {
	before := testutil.ToFloat64(SchedulerOwnersTotal.WithLabelValues(ResultFailure))
	finished := time.Unix(1_700_000_000, 0)
	ObserveSweep(3, 2, 1, 4, finished)

	require.Equal(t, before+2, testutil.ToFloat64(SchedulerOwnersTotal.WithLabelValues(ResultFailure)))
	require.Equal(t, float64(finished.Unix()), testutil.ToFloat64(SchedulerLastSweepGauge))
}

func TestHandlerExposesRegistry(t *testing.T) {
	IncKeyFallback()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "fitlink_crypto_key_fallback_total"))
}
