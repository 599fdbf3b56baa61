package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heteroforge/dispatch/internal/backend"
	"github.com/heteroforge/dispatch/internal/dispatcherr"
	"github.com/heteroforge/dispatch/internal/runtime"
)

func registryWithCPUAndCUDA() *backend.Registry {
	r := backend.NewRegistry()
	r.Register(backend.NewCPU(runtime.NewInterpreter()))
	r.Register(backend.NewCUDA(runtime.NewInterpreter(), backend.StaticDiscovery(backend.Capabilities{SupportsF32: true})))
	return r
}

func TestSelectFastestIsDeterministic(t *testing.T) {
	r := registryWithCPUAndCUDA()
	s := New(r, Fastest, nil)

	b1, err := s.Select(Request{})
	require.NoError(t, err)
	b2, err := s.Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, b1.Tag, b2.Tag)
	assert.Equal(t, backend.CUDA, b1.Tag)
}

func TestSelectHintTakesPriorityOverPolicy(t *testing.T) {
	r := registryWithCPUAndCUDA()
	s := New(r, Fastest, nil)

	b, err := s.Select(Request{BackendHints: []backend.Tag{backend.CPU}})
	require.NoError(t, err)
	assert.Equal(t, backend.CPU, b.Tag)
}

func TestSelectHintSkipsUnavailableFallsBackToPolicy(t *testing.T) {
	r := backend.NewRegistry()
	r.Register(backend.NewCPU(runtime.NewInterpreter()))
	r.Register(backend.NewCUDA(runtime.NewInterpreter(), backend.NoDevice))
	s := New(r, Fastest, nil)

	b, err := s.Select(Request{BackendHints: []backend.Tag{backend.CUDA}})
	require.NoError(t, err)
	assert.Equal(t, backend.CPU, b.Tag)
}

func TestSelectNoBackendAvailable(t *testing.T) {
	r := backend.NewRegistry()
	r.Register(backend.NewCUDA(runtime.NewInterpreter(), backend.NoDevice))
	s := New(r, Fastest, nil)

	_, err := s.Select(Request{})
	require.Error(t, err)
	var de *dispatcherr.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dispatcherr.KindBackendUnavailable, de.Kind)
}

func TestSelectRoundRobinAdvancesCursor(t *testing.T) {
	r := registryWithCPUAndCUDA()
	s := New(r, RoundRobin, nil)

	first, err := s.Select(Request{})
	require.NoError(t, err)
	second, err := s.Select(Request{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Tag, second.Tag)
}

func TestSelectLeastLoadedPrefersIdleBackend(t *testing.T) {
	r := registryWithCPUAndCUDA()
	tracker := NewInFlightTracker()
	tracker.Begin(backend.CUDA)
	tracker.Begin(backend.CUDA)

	s := New(r, LeastLoaded, tracker)
	b, err := s.Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, backend.CPU, b.Tag)
}

func TestSelectAdaptivePrefersGPUForLargeInput(t *testing.T) {
	r := registryWithCPUAndCUDA()
	s := New(r, Adaptive, nil)

	b, err := s.Select(Request{InputSizeBytes: 200 * 1024 * 1024})
	require.NoError(t, err)
	assert.Equal(t, backend.CUDA, b.Tag)
}

func TestSelectAdaptivePrefersCPUForSmallInput(t *testing.T) {
	r := registryWithCPUAndCUDA()
	s := New(r, Adaptive, nil)

	b, err := s.Select(Request{InputSizeBytes: 16})
	require.NoError(t, err)
	assert.Equal(t, backend.CPU, b.Tag)
}

func TestSelectCostOptimizedPrefersCPU(t *testing.T) {
	r := registryWithCPUAndCUDA()
	s := New(r, CostOptimized, nil)

	b, err := s.Select(Request{})
	require.NoError(t, err)
	assert.Equal(t, backend.CPU, b.Tag)
}
