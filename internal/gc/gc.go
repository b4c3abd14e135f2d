// Package gc implements the CoW garbage collector: incremental (budgeted)
// and full (stop-the-world) reclamation of refcount==0 CoW blocks, plus
// opportunistic fragmentation compaction. Fan-out across reclaimable
// records uses golang.org/x/sync/errgroup, one goroutine per record with no
// concurrency limit, surfacing the first error.
package gc

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/vexfs/vexfs/internal/cow"
)

// CoWSource is the subset of internal/cow.Engine the collector needs.
type CoWSource interface {
	ZeroRefcountRecords() []cow.Record
	Remove(original uint64)
}

// FreeFunc returns a CoW block to the allocator.
type FreeFunc func(block uint64) error

// Metrics counts reclamation work for the semantic event journal / statfs.
type Metrics struct {
	Reclaimed  int
	Compactions int
}

// Collector runs incremental or full sweeps over a CoWSource.
type Collector struct {
	cow     CoWSource
	free    FreeFunc
	metrics Metrics

	// fragmentationThreshold triggers compaction when free-space density
	// within a region crosses it; callers supply the density
	// function since it depends on internal/alloc's bitmap layout.
	fragmentationThreshold float64
	density                func() float64
	compact                func() error
}

// New constructs a Collector. density/compact may be nil if the caller
// doesn't want fragmentation compaction wired in.
func New(cow CoWSource, free FreeFunc, fragmentationThreshold float64, density func() float64, compact func() error) *Collector {
	return &Collector{cow: cow, free: free, fragmentationThreshold: fragmentationThreshold, density: density, compact: compact}
}

// Incremental processes up to budget reclaimable (refcount==0) records per
// call.
func (c *Collector) Incremental(ctx context.Context, budget int) (Metrics, error) {
	records := c.cow.ZeroRefcountRecords()
	if len(records) > budget {
		records = records[:budget]
	}
	if err := c.reclaim(ctx, records); err != nil {
		return c.metrics, err
	}
	c.maybeCompact()
	return c.metrics, nil
}

// Full runs a stop-the-world sweep over every reclaimable record.
func (c *Collector) Full(ctx context.Context) (Metrics, error) {
	records := c.cow.ZeroRefcountRecords()
	if err := c.reclaim(ctx, records); err != nil {
		return c.metrics, err
	}
	c.maybeCompact()
	return c.metrics, nil
}

func (c *Collector) reclaim(ctx context.Context, records []cow.Record) error {
	g, ctx := errgroup.WithContext(ctx)
	results := make(chan uint64, len(records))
	for _, r := range records {
		r := r
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := c.free(r.CoWBlock); err != nil {
				return err
			}
			results <- r.Original
			return nil
		})
	}
	err := g.Wait()
	close(results)
	for original := range results {
		c.cow.Remove(original)
		c.metrics.Reclaimed++
	}
	return err
}

func (c *Collector) maybeCompact() {
	if c.density == nil || c.compact == nil {
		return
	}
	if c.density() < c.fragmentationThreshold {
		return
	}
	if err := c.compact(); err == nil {
		c.metrics.Compactions++
	}
}

// Metrics returns a snapshot of the collector's counters.
func (c *Collector) Metrics() Metrics { return c.metrics }
