package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsDisabledWithoutRegistry(t *testing.T) {
	// The registry is process-global; this test runs before any InitRegistry
	// call in this package.
	if IsEnabled() {
		t.Skip("registry already initialised")
	}
	assert.Nil(t, NewClientMetrics())
	assert.Nil(t, NewServerMetrics())
	assert.Nil(t, NewPortmapMetrics())
}

func TestNewServerDefaultsPort(t *testing.T) {
	s := NewServer(ServerConfig{})
	assert.Equal(t, 9090, s.Port())
}
