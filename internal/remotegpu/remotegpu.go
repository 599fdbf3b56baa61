// Package remotegpu maintains a unified inventory across decentralized GPU
// providers, selects the best listing for a request, and manages
// allocations. Providers are modeled uniformly, the same shape the teacher
// uses for its Azure Foundry HTTP collaborator, and the inventory snapshot
// is cached in Redis the way the teacher's message bus uses Redis as a
// shared, swappable backing store rather than in-process-only state.
package remotegpu

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/heteroforge/dispatch/internal/dispatcherr"
)

// Listing is one priced GPU offer from a provider.
type Listing struct {
	ProviderTag       string  `json:"provider_tag"`
	Model             string  `json:"model"`
	VramGB            float64 `json:"vram_gb"`
	TheoreticalTflops float64 `json:"theoretical_tflops"`
	PricePerHour      float64 `json:"price_per_hour"`
	LatencyMs         float64 `json:"latency_ms"`
	Region            string  `json:"region"`
	Available         bool    `json:"available"`
}

func (l Listing) valuePerDollar() float64 {
	if l.PricePerHour <= 0 {
		return 0
	}
	return l.TheoreticalTflops / l.PricePerHour
}

// AllocationStatus is the lifecycle state of a JobAllocation.
type AllocationStatus int

const (
	Active AllocationStatus = iota
	Completed
	Failed
	Released
)

// JobAllocation records a provider allocation backing one job.
type JobAllocation struct {
	JobID               string
	ProviderAllocationID string
	ListingSnapshot      Listing
	StartedAt            time.Time
	DurationHours        float64
	Status               AllocationStatus
	AccruedCost          float64
}

// Provider is the uniform interface every remote GPU marketplace plug-in
// implements.
type Provider interface {
	List(ctx context.Context) ([]Listing, error)
	Allocate(ctx context.Context, listing Listing, durationHours float64) (allocationID string, err error)
	Release(ctx context.Context, allocationID string) error
	Submit(ctx context.Context, allocationID string, program, input []byte) ([]byte, error)
}

// PriorityMode ranks filtered listings when selecting one for a request.
type PriorityMode int

const (
	Cheapest PriorityMode = iota
	Balanced
	LowestLatency
	HighestTflops
	BestValueProduct
)

// GpuRequirements constrains and ranks candidate listings.
type GpuRequirements struct {
	MinVramGB             float64
	MinTflops             float64
	MaxPricePerHour       float64
	MaxLatencyMs          float64
	PreferredProviderTags []string
	PriorityMode          PriorityMode
}

var baselinePricePerHour = map[string]float64{
	"4090": 3.50,
	"A100": 8.00,
	"H100": 15.00,
}

const defaultBaselinePricePerHour = 5.00

// Aggregator maintains inventory across providers and manages allocations.
// The inventory snapshot is replaced atomically; readers never observe a
// partial refresh.
type Aggregator struct {
	log       *zap.Logger
	providers map[string]Provider
	inventory atomic.Pointer[[]Listing]
	redis     *redis.Client
	redisKey  string

	mu          sync.Mutex
	allocations map[string]*JobAllocation
}

// New builds an Aggregator over a set of named providers. redisClient may be
// nil, in which case the inventory snapshot is cached only in-process.
func New(log *zap.Logger, providers map[string]Provider, redisClient *redis.Client) *Aggregator {
	empty := []Listing{}
	a := &Aggregator{
		log:         log,
		providers:   providers,
		redis:       redisClient,
		redisKey:    "dispatch:remotegpu:inventory",
		allocations: make(map[string]*JobAllocation),
	}
	a.inventory.Store(&empty)
	return a
}

// Refresh queries every provider concurrently, merges the results, sorts by
// tflops/price descending, and atomically replaces the inventory snapshot. A
// per-provider failure is logged and swallowed; it does not abort the
// refresh for the remaining providers.
func (a *Aggregator) Refresh(ctx context.Context) error {
	type result struct {
		tag      string
		listings []Listing
		err      error
	}

	results := make(chan result, len(a.providers))
	var wg sync.WaitGroup
	for tag, p := range a.providers {
		wg.Add(1)
		go func(tag string, p Provider) {
			defer wg.Done()
			listings, err := p.List(ctx)
			results <- result{tag: tag, listings: listings, err: err}
		}(tag, p)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var merged []Listing
	for r := range results {
		if r.err != nil {
			a.log.Warn("remote gpu provider refresh failed", zap.String("provider", r.tag), zap.Error(r.err))
			continue
		}
		merged = append(merged, r.listings...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].valuePerDollar() > merged[j].valuePerDollar()
	})

	a.inventory.Store(&merged)
	a.cacheInventory(ctx, merged)
	return nil
}

func (a *Aggregator) cacheInventory(ctx context.Context, listings []Listing) {
	if a.redis == nil {
		return
	}
	data, err := json.Marshal(listings)
	if err != nil {
		a.log.Warn("failed to marshal inventory for redis cache", zap.Error(err))
		return
	}
	if err := a.redis.Set(ctx, a.redisKey, data, 5*time.Minute).Err(); err != nil {
		a.log.Warn("failed to cache inventory in redis", zap.Error(err))
	}
}

// Inventory returns the current snapshot. Callers hold the returned slice
// for the duration of their operation; it is never mutated in place.
func (a *Aggregator) Inventory() []Listing {
	return *a.inventory.Load()
}

func matches(req GpuRequirements, l Listing) bool {
	if !l.Available {
		return false
	}
	if l.VramGB < req.MinVramGB {
		return false
	}
	if l.TheoreticalTflops < req.MinTflops {
		return false
	}
	if req.MaxPricePerHour > 0 && l.PricePerHour > req.MaxPricePerHour {
		return false
	}
	if req.MaxLatencyMs > 0 && l.LatencyMs > req.MaxLatencyMs {
		return false
	}
	if len(req.PreferredProviderTags) > 0 && !lo.Contains(req.PreferredProviderTags, l.ProviderTag) {
		return false
	}
	return true
}

// Select chooses the best listing satisfying req, per the active
// PriorityMode's tiebreak function.
func (a *Aggregator) Select(req GpuRequirements) (Listing, error) {
	candidates := lo.Filter(a.Inventory(), func(l Listing, _ int) bool { return matches(req, l) })
	if len(candidates) == 0 {
		return Listing{}, dispatcherr.New(dispatcherr.KindProvider, "no remote gpu listing satisfies requirements")
	}

	best := candidates[0]
	bestScore := a.rank(req.PriorityMode, best)
	for _, c := range candidates[1:] {
		score := a.rank(req.PriorityMode, c)
		if betterScore(req.PriorityMode, score, bestScore) {
			best, bestScore = c, score
		}
	}
	return best, nil
}

func (a *Aggregator) rank(mode PriorityMode, l Listing) float64 {
	switch mode {
	case Cheapest:
		return l.PricePerHour
	case Balanced:
		return l.valuePerDollar()
	case LowestLatency:
		return l.LatencyMs
	case HighestTflops:
		return l.TheoreticalTflops
	case BestValueProduct:
		return l.TheoreticalTflops * l.VramGB
	default:
		return l.valuePerDollar()
	}
}

// betterScore reports whether candidate improves on current, given that
// Cheapest and LowestLatency are minimized while the others are maximized.
func betterScore(mode PriorityMode, candidate, current float64) bool {
	switch mode {
	case Cheapest, LowestLatency:
		return candidate < current
	default:
		return candidate > current
	}
}

// Allocate calls the owning provider's Allocate and records a JobAllocation.
func (a *Aggregator) Allocate(ctx context.Context, jobID string, listing Listing, durationHours float64) (*JobAllocation, error) {
	p, ok := a.providers[listing.ProviderTag]
	if !ok {
		return nil, dispatcherr.New(dispatcherr.KindProvider, fmt.Sprintf("unknown provider tag %q", listing.ProviderTag))
	}
	allocationID, err := p.Allocate(ctx, listing, durationHours)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindProvider, "allocate failed", err)
	}

	alloc := &JobAllocation{
		JobID:                jobID,
		ProviderAllocationID: allocationID,
		ListingSnapshot:      listing,
		StartedAt:            time.Now(),
		DurationHours:        durationHours,
		Status:               Active,
		AccruedCost:          listing.PricePerHour * durationHours,
	}

	a.mu.Lock()
	a.allocations[jobID] = alloc
	a.mu.Unlock()
	return alloc, nil
}

// Release reverses Allocate, releasing the allocation back to the provider.
func (a *Aggregator) Release(ctx context.Context, jobID string) error {
	a.mu.Lock()
	alloc, ok := a.allocations[jobID]
	a.mu.Unlock()
	if !ok {
		return dispatcherr.New(dispatcherr.KindProvider, fmt.Sprintf("no allocation recorded for job %q", jobID))
	}

	p, ok := a.providers[alloc.ListingSnapshot.ProviderTag]
	if !ok {
		return dispatcherr.New(dispatcherr.KindProvider, fmt.Sprintf("unknown provider tag %q", alloc.ListingSnapshot.ProviderTag))
	}
	if err := p.Release(ctx, alloc.ProviderAllocationID); err != nil {
		return dispatcherr.Wrap(dispatcherr.KindProvider, "release failed", err)
	}

	a.mu.Lock()
	alloc.Status = Released
	a.mu.Unlock()
	return nil
}

// Submit dispatches a job's program/input through the allocation's owning
// provider.
func (a *Aggregator) Submit(ctx context.Context, jobID string, program, input []byte) ([]byte, error) {
	a.mu.Lock()
	alloc, ok := a.allocations[jobID]
	a.mu.Unlock()
	if !ok {
		return nil, dispatcherr.New(dispatcherr.KindProvider, fmt.Sprintf("no allocation recorded for job %q", jobID))
	}
	p, ok := a.providers[alloc.ListingSnapshot.ProviderTag]
	if !ok {
		return nil, dispatcherr.New(dispatcherr.KindProvider, fmt.Sprintf("unknown provider tag %q", alloc.ListingSnapshot.ProviderTag))
	}
	out, err := p.Submit(ctx, alloc.ProviderAllocationID, program, input)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.KindProvider, "submit failed", err)
	}
	return out, nil
}

// SavingsReport compares accrued cost across all recorded allocations to a
// static per-model baseline.
type SavingsReport struct {
	ActualCost   float64
	BaselineCost float64
	DeltaAbs     float64
	DeltaPct     float64
}

// Savings computes the SavingsReport over all allocations recorded so far.
func (a *Aggregator) Savings() SavingsReport {
	a.mu.Lock()
	defer a.mu.Unlock()

	var actual, baseline float64
	for _, alloc := range a.allocations {
		actual += alloc.AccruedCost
		rate, ok := baselinePricePerHour[alloc.ListingSnapshot.Model]
		if !ok {
			rate = defaultBaselinePricePerHour
		}
		baseline += rate * alloc.DurationHours
	}

	report := SavingsReport{ActualCost: actual, BaselineCost: baseline, DeltaAbs: baseline - actual}
	if baseline > 0 {
		report.DeltaPct = report.DeltaAbs / baseline * 100
	}
	return report
}
