package otelboot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled_SpansAreNoop(t *testing.T) {
	tracer, shutdown := Init(false, "voidbox-test")
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	assert.False(t, span.SpanContext().IsValid(), "disabled tracer must not produce a valid span context")
}

func TestInit_Enabled_SpansAreRecorded(t *testing.T) {
	tracer, shutdown := Init(true, "voidbox-test")
	defer shutdown(context.Background())

	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid(), "enabled tracer must produce a real, recorded span context")
}

func TestInit_Enabled_ShutdownSucceeds(t *testing.T) {
	_, shutdown := Init(true, "voidbox-test")
	require.NoError(t, shutdown(context.Background()))
}
