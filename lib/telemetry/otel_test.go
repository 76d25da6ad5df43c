package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/floodgate/config"
)

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("https://collector.internal:4318")
	require.NoError(t, err)
	require.Equal(t, "collector.internal:4318", host)
	require.False(t, insecure)

	host, insecure, err = parseEndpoint("http://localhost:4318")
	require.NoError(t, err)
	require.Equal(t, "localhost:4318", host)
	require.True(t, insecure)

	host, insecure, err = parseEndpoint("localhost:4318")
	require.NoError(t, err)
	require.Equal(t, "localhost:4318", host)
	require.True(t, insecure)
}

func TestInitWithoutEndpointInstallsNoop(t *testing.T) {
	providers, shutdown, err := Init(context.Background(), config.TelemetryConfig{OTLPEndpoint: "", ServiceName: ""})
	require.NoError(t, err)
	require.NotNil(t, providers.MeterProvider)

	counter, err := providers.MeterProvider.Meter("floodgate-test").Int64Counter("admission.decisions")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	require.NoError(t, shutdown(context.Background()))
}

func TestInitRejectsUnparseableEndpoint(t *testing.T) {
	_, _, err := Init(context.Background(), config.TelemetryConfig{OTLPEndpoint: "://bad", ServiceName: ""})
	require.Error(t, err)
}

func TestInitWithCollectorEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	providers, shutdown, err := Init(context.Background(), config.TelemetryConfig{OTLPEndpoint: srv.URL, ServiceName: "floodgate"})
	require.NoError(t, err)
	require.NotNil(t, providers.MeterProvider)

	counter, err := providers.MeterProvider.Meter("floodgate-test").Int64Counter("admission.decisions")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	require.NoError(t, shutdown(context.Background()))
}
