package janitor

import (
	"context"
	"log"
	"time"

	"github.com/benbjohnson/clock"

	"usenet-gateway/internal/config"
	"usenet-gateway/internal/limiter"
	"usenet-gateway/internal/pool"
	"usenet-gateway/internal/telemetry"
)

// Deps are the live pieces the maintenance loop keeps in shape.
type Deps struct {
	Registry  *pool.Registry
	Global    *limiter.Global
	Streaming *limiter.Streaming
	Telemetry *telemetry.Telemetry
	Clock     clock.Clock
}

// Run reconciles running state against live configuration every 2 minutes:
// provider list changes land in the pool registry, streaming-budget changes
// land in the streaming limiter, and a one-line usage snapshot goes to the
// log. Everything here is contained; a bad tick never kills the loop.
func Run(ctx context.Context, d Deps) {
	clk := d.Clock
	if clk == nil {
		clk = clock.New()
	}
	t := clk.Ticker(2 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick(ctx, d)
		}
	}
}

func tick(ctx context.Context, d Deps) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[janitor] tick recovered: %v", r)
		}
	}()

	if err := config.Reload(); err != nil {
		log.Printf("[janitor] config reload: %v", err)
	} else if d.Registry != nil {
		d.Registry.Resync(ctx, config.Providers())
	}

	if d.Streaming != nil {
		d.Streaming.Resize(config.StreamingMax())
	}

	if d.Telemetry == nil {
		return
	}
	if d.Registry != nil {
		for _, s := range d.Registry.Snapshots() {
			d.Telemetry.ObservePool(s)
		}
	}
	if d.Global != nil {
		d.Telemetry.ObserveUsage(d.Global.UsageSnapshot())
	}
	if d.Streaming != nil {
		d.Telemetry.ObserveStreaming(d.Streaming.InUse(), d.Streaming.ForcedReleases())
	}

	snap := d.Telemetry.Snapshot()
	live, borrowed := 0, 0
	for _, s := range snap.Pools {
		live += s.Live
		borrowed += s.Borrowed
	}
	held := 0
	for _, c := range snap.Classes {
		held += c.Held
	}
	log.Printf("[stats] live=%d borrowed=%d permits=%d streaming=%d",
		live, borrowed, held, snap.StreamInUse)
}
