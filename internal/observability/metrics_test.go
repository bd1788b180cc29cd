package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsAppExposesGraderCollectors(t *testing.T) {
	app := NewMetricsApp("test")
	Overrides().WithLabelValues("applied").Inc()
	QueueDepth().WithLabelValues("ready").Set(3)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	require.True(t, strings.Contains(text, `grader_overrides_total{action="applied"}`))
	require.True(t, strings.Contains(text, `grader_queue_jobs{state="ready"} 3`))
}
