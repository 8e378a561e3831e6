package telemetry

import (
	"context"
	"testing"

	"github.com/safar/storefront/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{ServiceName: "storefront-test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Setup(ctx, config.TelemetryConfig{
		OTLPEndpoint: "localhost:4318",
		ServiceName:  "storefront-test",
		Insecure:     true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	// Nothing was recorded, so a cancelled shutdown has nothing to flush.
	_ = shutdown(ctx)
}
