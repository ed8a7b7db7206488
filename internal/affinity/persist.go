package affinity

import (
	"context"
	"log"
	"time"

	"usenet-gateway/internal/config"
)

// LoadPersisted merges stored stats into memory before the service starts
// answering. Persisted rows are the floor; anything already observed since
// boot wins on a newer timestamp.
func (s *Service) LoadPersisted(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	rows, err := s.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, r := range rows {
		k := perfKey{r.Job, r.Provider}
		if cur, ok := s.perf[k]; ok && cur.updatedAt.After(r.UpdatedAt) {
			continue
		}
		s.perf[k] = &performance{
			success:     r.Success,
			failure:     r.Failure,
			timeoutErrs: r.TimeoutErrs,
			missingErrs: r.MissingErrs,
			bytes:       r.Bytes,
			millis:      r.Millis,
			ewmaSpeed:   r.EWMASpeed,
			updatedAt:   r.UpdatedAt,
		}
	}
	n := len(s.perf)
	s.mu.Unlock()
	log.Printf("[affinity] merged %d persisted record(s), %d total", len(rows), n)
	return nil
}

// Flush writes dirty records. Failed batches are re-marked dirty so the next
// tick retries; the in-memory state stays authoritative either way.
func (s *Service) Flush(ctx context.Context) {
	if s.store == nil {
		return
	}
	var batch []PerfRow
	var keys []perfKey
	s.mu.Lock()
	for k, p := range s.perf {
		if !p.dirty {
			continue
		}
		p.dirty = false
		keys = append(keys, k)
		batch = append(batch, PerfRow{
			Job: k.job, Provider: k.provider,
			Success: p.success, Failure: p.failure,
			TimeoutErrs: p.timeoutErrs, MissingErrs: p.missingErrs,
			Bytes: p.bytes, Millis: p.millis,
			EWMASpeed: p.ewmaSpeed, UpdatedAt: p.updatedAt,
		})
	}
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := s.store.Upsert(ctx, batch); err != nil {
		log.Printf("[affinity] flush of %d record(s) failed: %v", len(batch), err)
		s.mu.Lock()
		for _, k := range keys {
			if p, ok := s.perf[k]; ok {
				p.dirty = true
			}
		}
		s.mu.Unlock()
	}
}

// ReloadBenchmarks pulls the latest externally-measured per-provider
// throughput; it stabilizes scoring while per-job samples are thin.
func (s *Service) ReloadBenchmarks(ctx context.Context) {
	if s.store == nil {
		return
	}
	bench, err := s.store.Benchmarks(ctx)
	if err != nil {
		log.Printf("[affinity] benchmark reload failed: %v", err)
		return
	}
	s.mu.Lock()
	s.bench = bench
	s.mu.Unlock()
}

// Run drives the periodic flush and benchmark reload until ctx ends, then
// takes a final flush. Loop failures are logged, never fatal.
func (s *Service) Run(ctx context.Context) error {
	flushT := s.clk.Ticker(config.FlushEvery())
	benchT := s.clk.Ticker(config.BenchReloadEvery())
	defer flushT.Stop()
	defer benchT.Stop()

	s.ReloadBenchmarks(ctx)
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Flush(fctx)
			cancel()
			return nil
		case <-flushT.C:
			s.Flush(ctx)
		case <-benchT.C:
			s.ReloadBenchmarks(ctx)
		}
	}
}
