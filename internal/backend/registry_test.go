package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heteroforge/dispatch/internal/runtime"
)

func TestRegistryPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	cpu := NewCPU(runtime.NewInterpreter())
	cuda := NewCUDA(runtime.NewInterpreter(), NoDevice)
	r.Register(cpu)
	r.Register(cuda)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, CPU, all[0].Tag)
	assert.Equal(t, CUDA, all[1].Tag)
}

func TestRegistryAvailableFiltersUnavailable(t *testing.T) {
	r := NewRegistry()
	r.Register(NewCPU(runtime.NewInterpreter()))
	r.Register(NewCUDA(runtime.NewInterpreter(), NoDevice))

	avail := r.Available()
	require.Len(t, avail, 1)
	assert.Equal(t, CPU, avail[0].Tag)
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	cpu := NewCPU(runtime.NewInterpreter())
	r.Register(cpu)

	got, ok := r.Get(CPU)
	require.True(t, ok)
	assert.Same(t, cpu, got)

	_, ok = r.Get(CUDA)
	assert.False(t, ok)
}

func TestRegistryShutdownAllClosesBackends(t *testing.T) {
	r := NewRegistry()
	cpu := NewCPU(runtime.NewInterpreter())
	r.Register(cpu)

	errs := r.ShutdownAll()
	assert.Empty(t, errs)
	assert.True(t, r.IsClosedForShutdown(CPU))

	_, err := cpu.Execute(context.Background(), runtime.ModuleHandle{}, nil)
	assert.Error(t, err)
}
