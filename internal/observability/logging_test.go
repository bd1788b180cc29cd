package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerAppliesLevelAndService(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "grader-worker", "warn")

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "shown", entry["message"])
	require.Equal(t, "grader-worker", entry["service"])

	buf.Reset()
	defaultLogger := newLogger(&buf, "grader", "bogus")
	defaultLogger.Info().Msg("default level")
	require.Contains(t, buf.String(), "default level")
}

func TestSetupTracingWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "grader", "")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
