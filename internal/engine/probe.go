package engine

import (
	"context"
	"time"

	"roadwatch-sync-server/internal/adapter"
	"roadwatch-sync-server/internal/metrics"

	"golang.org/x/sync/errgroup"
)

// Probe pings both stores concurrently, each bounded by timeout.
func Probe(ctx context.Context, primary, secondary adapter.Store, timeout time.Duration, m *metrics.Metrics) (p, s adapter.PingResult) {
	ping := func(store adapter.Store, out *adapter.PingResult) func() error {
		return func() error {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			*out = store.Ping(pctx)
			if out.Connected && pctx.Err() != nil {
				*out = adapter.PingResult{Latency: out.Latency, Err: pctx.Err()}
			}
			m.ObserveProbe(store.Side(), out.Connected, out.Latency)
			return nil
		}
	}

	var g errgroup.Group
	g.Go(ping(primary, &p))
	g.Go(ping(secondary, &s))
	_ = g.Wait()
	return p, s
}
