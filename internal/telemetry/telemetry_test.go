package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "dittorpc", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Init(ctx, DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(ctx))
	assert.False(t, IsEnabled())
}

func TestSpansWithoutInit(t *testing.T) {
	ctx, span := StartClientCallSpan(context.Background(), "udp", 100000, 2, 3, RPCXID(1))
	require.NotNil(t, span)
	defer span.End()

	require.NotPanics(t, func() {
		RecordError(ctx, errors.New("boom"))
		RecordError(ctx, nil)
		SetAttributes(ctx, RPCStatus("SUCCESS"))
	})

	// No-op spans carry no ids.
	assert.Equal(t, "", TraceID(ctx))
	assert.Equal(t, "", SpanID(ctx))

	_, srv := StartServerCallSpan(ctx, "tcp", 7, 100000, 2, 0)
	srv.End()
	_, pm := StartPortmapSpan(ctx, "set", PortmapPort(111))
	pm.End()
}

func TestAttributeHelpers(t *testing.T) {
	assert.Equal(t, "0x0000002a", RPCXID(42).Value.AsString())
	assert.Equal(t, int64(100000), RPCProgram(100000).Value.AsInt64())
	assert.Equal(t, "tcp", Transport("tcp").Value.AsString())
	assert.Equal(t, AttrPortmapProtocol, string(PortmapProtocol("udp").Key))
}

func TestParseProfileTypes(t *testing.T) {
	types, err := ParseProfileTypes(nil)
	require.NoError(t, err)
	assert.Len(t, types, 2)

	types, err = ParseProfileTypes([]string{"cpu", "goroutines", "mutex_count"})
	require.NoError(t, err)
	assert.Len(t, types, 3)

	_, err = ParseProfileTypes([]string{"heap"})
	assert.Error(t, err)
}

func TestInitProfilingDisabled(t *testing.T) {
	stop, err := InitProfiling(ProfilingConfig{})
	require.NoError(t, err)
	assert.NoError(t, stop())
}
