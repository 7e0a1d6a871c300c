package observe

import (
	"context"
	"net/http"
	"testing"

	"github.com/jamestelfer/tollgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func Test_ResourceMerge(t *testing.T) {
	// Ensure that schema incompatibility on OTEL upgrades is detected before
	// merge
	r, err := resourceWithServiceName(
		resource.Default(),
		"serviceName")

	require.NoError(t, err)

	name, ok := r.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "serviceName", name.AsString())
}

func TestConfigure_Disabled(t *testing.T) {
	shutdown, err := Configure(context.Background(), config.ObserveConfig{Enabled: false})
	require.NoError(t, err)

	assert.NoError(t, shutdown(context.Background()))
}

func TestConfigure_Stdout(t *testing.T) {
	shutdown, err := Configure(context.Background(), config.ObserveConfig{
		Enabled:                   true,
		MetricsEnabled:            true,
		Type:                      "stdout",
		ServiceName:               "tollgate-test",
		TraceBatchTimeoutSeconds:  1,
		MetricReadIntervalSeconds: 60,
	})
	require.NoError(t, err)

	assert.NoError(t, shutdown(context.Background()))
}

func TestHttpTransport(t *testing.T) {
	base := http.DefaultTransport

	cases := []struct {
		name      string
		cfg       config.ObserveConfig
		unwrapped bool
	}{
		{
			name:      "telemetry disabled",
			cfg:       config.ObserveConfig{Enabled: false, HttpTransportEnabled: true},
			unwrapped: true,
		},
		{
			name:      "transport disabled",
			cfg:       config.ObserveConfig{Enabled: true, HttpTransportEnabled: false},
			unwrapped: true,
		},
		{
			name: "enabled",
			cfg:  config.ObserveConfig{Enabled: true, HttpTransportEnabled: true, HttpConnectionTraceEnabled: true},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transport := HttpTransport(base, tc.cfg)

			if tc.unwrapped {
				assert.Same(t, base, transport)
			} else {
				assert.NotSame(t, base, transport)
			}
		})
	}
}
