package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaUsesFileKeys(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, "dittorpc Configuration", schema["title"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "portmap")
	assert.Contains(t, props, "shutdown_timeout")

	portmap, ok := props["portmap"].(map[string]any)
	require.True(t, ok)
	pmProps, ok := portmap["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, pmProps, "settle_time")
	assert.Contains(t, pmProps, "local_only")
}
