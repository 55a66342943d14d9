package adapters

import (
	"testing"

	"github.com/smallbiznis/vida/internal/clock"
	"github.com/smallbiznis/vida/internal/config"
	"github.com/smallbiznis/vida/internal/delivery/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveFallsBackToMock(t *testing.T) {
	registry := NewDefaultRegistry(config.Config{}, clock.SystemClock{}, zap.NewNop())

	adapter, err := registry.Resolve("does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, domain.AdapterMock, adapter.Name())

	adapter, err = registry.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, domain.AdapterMock, adapter.Name())
}

func TestResolveReusesInstances(t *testing.T) {
	registry := NewDefaultRegistry(config.Config{}, clock.SystemClock{}, zap.NewNop())

	first, err := registry.Resolve(" Mock ")
	require.NoError(t, err)
	second, err := registry.Resolve("mock")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestCatalogIsSorted(t *testing.T) {
	registry := NewDefaultRegistry(config.Config{}, clock.SystemClock{}, nil)

	var names []string
	for _, info := range registry.Catalog() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"banqup", "billit", "mock", "mock_error", "scrada"}, names)
	assert.True(t, registry.Exists("SCRADA"))
	assert.False(t, registry.Exists("peppol"))
}
