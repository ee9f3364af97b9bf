package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracingDisabled(t *testing.T) {
	tr, err := InitTracing(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Same(t, tr, GetTracer())

	ctx, span := tr.StartSpan(context.Background(), "noop")
	defer span.End()
	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid())
}

func TestShutdownWithoutProvider(t *testing.T) {
	assert.NoError(t, Shutdown(context.Background()))
}
