package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "corral", config.ServiceName)
	assert.Equal(t, "localhost:4317", config.OTLPEndpoint)
	assert.Equal(t, 1.0, config.SampleRate)
	assert.True(t, config.Enabled)
}

func TestDisabledProviderIsInert(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	// span and counter paths must not panic without providers
	ctx, done := p.TrackOperation(context.Background(), "kernel.run_task",
		AttrSessionID.String("s1"), attribute.Bool("test", true))
	require.NotNil(t, ctx)
	done(errors.New("boom"))

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewLoggerLevels(t *testing.T) {
	logger := NewLogger("DEBUG")
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = NewLogger("warn")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	logger = NewLogger("unknown")
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}
