// Package refresher implements the Refresher: a lightweight scheduler that
// walks the cluster index on every trigger from the Index Store and feeds
// results back into it.
package refresher

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/platt-gateway/internal/arbiter"
	"github.com/cuemby/platt-gateway/internal/index"
	"github.com/cuemby/platt-gateway/internal/metrics"
)

// IndexReader is the capability the Refresher needs from the Cluster
// Arbiter: run one full ReadIndex orchestration.
type IndexReader interface {
	ReadIndex(ctx context.Context) ([]arbiter.IndexResult, error)
}

// Refresher reads sweep triggers and forwards the resulting
// (namespace, key, sha1sum) triples to the Index Store.
type Refresher struct {
	arbiter IndexReader
	trigger <-chan struct{}
	out     chan<- index.Record
	log     zerolog.Logger
	swept   atomic.Bool
}

// New constructs a Refresher. trigger is typically an index.Store's
// SweepChan(), out its RefresherChan().
func New(reader IndexReader, trigger <-chan struct{}, out chan<- index.Record, log zerolog.Logger) *Refresher {
	return &Refresher{arbiter: reader, trigger: trigger, out: out, log: log}
}

// Run waits for sweep triggers and performs a full sweep for each, until
// ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-r.trigger:
			if !ok {
				return
			}
			r.sweep(ctx)
		}
	}
}

func (r *Refresher) sweep(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RefresherSweepDuration)

	results, err := r.arbiter.ReadIndex(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("refresher sweep failed")
		return
	}

	var seen int
	for _, nsResult := range results {
		for _, obj := range nsResult.Objects {
			rec := index.Record{
				Namespace: nsResult.Namespace,
				Key:       obj.Key,
				Sha1sum:   obj.Attrs["sha1sum"],
			}
			select {
			case r.out <- rec:
				seen++
			case <-ctx.Done():
				return
			}
		}
	}

	metrics.RefresherSweepsTotal.Inc()
	metrics.RefresherObjectsSeenTotal.Add(float64(seen))
	r.swept.Store(true)
}

// Ready reports whether at least one sweep has completed, used by the
// gateway's /ready health endpoint.
func (r *Refresher) Ready() bool {
	return r.swept.Load()
}
