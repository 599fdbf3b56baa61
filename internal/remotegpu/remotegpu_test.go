package remotegpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/heteroforge/dispatch/internal/dispatcherr"
)

type fakeProvider struct {
	tag      string
	listings []Listing
	listErr  error

	allocated []string
	released  []string
}

func (f *fakeProvider) List(context.Context) ([]Listing, error) { return f.listings, f.listErr }

func (f *fakeProvider) Allocate(_ context.Context, l Listing, _ float64) (string, error) {
	id := "alloc-" + l.Model
	f.allocated = append(f.allocated, id)
	return id, nil
}

func (f *fakeProvider) Release(_ context.Context, id string) error {
	f.released = append(f.released, id)
	return nil
}

func (f *fakeProvider) Submit(_ context.Context, _ string, _, input []byte) ([]byte, error) {
	return input, nil
}

func TestRefreshMergesAndSortsByValue(t *testing.T) {
	p1 := &fakeProvider{tag: "p1", listings: []Listing{
		{ProviderTag: "p1", Model: "4090", TheoreticalTflops: 80, PricePerHour: 2, Available: true},
	}}
	p2 := &fakeProvider{tag: "p2", listings: []Listing{
		{ProviderTag: "p2", Model: "H100", TheoreticalTflops: 60, PricePerHour: 15, Available: true},
	}}
	agg := New(zap.NewNop(), map[string]Provider{"p1": p1, "p2": p2}, nil)

	require.NoError(t, agg.Refresh(context.Background()))

	inv := agg.Inventory()
	require.Len(t, inv, 2)
	assert.Equal(t, "4090", inv[0].Model) // 40 tflops/$ beats 4 tflops/$
}

func TestRefreshSwallowsPerProviderError(t *testing.T) {
	good := &fakeProvider{listings: []Listing{{Model: "A100", Available: true, TheoreticalTflops: 10, PricePerHour: 1}}}
	bad := &fakeProvider{listErr: assertErr{}}
	agg := New(zap.NewNop(), map[string]Provider{"good": good, "bad": bad}, nil)

	require.NoError(t, agg.Refresh(context.Background()))
	assert.Len(t, agg.Inventory(), 1)
}

type assertErr struct{}

func (assertErr) Error() string { return "provider unreachable" }

func TestSelectCheapest(t *testing.T) {
	agg := New(zap.NewNop(), nil, nil)
	listings := []Listing{
		{ProviderTag: "p1", Model: "cheap", PricePerHour: 1, VramGB: 24, TheoreticalTflops: 10, Available: true},
		{ProviderTag: "p1", Model: "expensive", PricePerHour: 5, VramGB: 24, TheoreticalTflops: 10, Available: true},
	}
	agg.inventory.Store(&listings)

	l, err := agg.Select(GpuRequirements{PriorityMode: Cheapest})
	require.NoError(t, err)
	assert.Equal(t, "cheap", l.Model)
}

func TestSelectNoMatchReturnsProviderError(t *testing.T) {
	agg := New(zap.NewNop(), nil, nil)
	_, err := agg.Select(GpuRequirements{MinVramGB: 1000})
	require.Error(t, err)
	var de *dispatcherr.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dispatcherr.KindProvider, de.Kind)
}

func TestAllocateAndReleaseRoundtrip(t *testing.T) {
	p := &fakeProvider{}
	agg := New(zap.NewNop(), map[string]Provider{"p1": p}, nil)
	listing := Listing{ProviderTag: "p1", Model: "4090", PricePerHour: 2}

	alloc, err := agg.Allocate(context.Background(), "job-1", listing, 2)
	require.NoError(t, err)
	assert.Equal(t, Active, alloc.Status)
	assert.Equal(t, 4.0, alloc.AccruedCost)

	require.NoError(t, agg.Release(context.Background(), "job-1"))
	assert.Len(t, p.released, 1)
}

func TestSavingsReportComputesDelta(t *testing.T) {
	p := &fakeProvider{}
	agg := New(zap.NewNop(), map[string]Provider{"p1": p}, nil)
	listing := Listing{ProviderTag: "p1", Model: "4090", PricePerHour: 1}

	_, err := agg.Allocate(context.Background(), "job-1", listing, 10)
	require.NoError(t, err)

	report := agg.Savings()
	assert.Equal(t, 10.0, report.ActualCost)
	assert.Equal(t, 35.0, report.BaselineCost) // 3.50/h baseline for 4090
	assert.InDelta(t, 25.0, report.DeltaAbs, 0.001)
}
