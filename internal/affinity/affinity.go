package affinity

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"usenet-gateway/internal/config"
	"usenet-gateway/internal/usage"
	"usenet-gateway/pkg/types"
)

const ewmaAlpha = 0.15

// outlier band: samples outside [0.1x, 10x] of the current average are
// discarded rather than applied
const (
	outlierLow  = 0.1
	outlierHigh = 10.0
)

type perfKey struct{ job, provider string }

type performance struct {
	success     int64
	failure     int64
	timeoutErrs int64
	missingErrs int64
	bytes       int64
	millis      int64
	ewmaSpeed   float64 // bytes/sec
	updatedAt   time.Time
	dirty       bool
}

func (p *performance) samples() int64 { return p.success + p.failure }

func (p *performance) successRate() float64 {
	n := p.samples()
	if n == 0 {
		return 0
	}
	return float64(p.success) / float64(n)
}

// PlaybackSource reports active verified/background playback; the streaming
// limiter implements it.
type PlaybackSource interface {
	ActivePlayback() (verified, background int)
}

type Options struct {
	Store    Store // nil = memory only
	Playback PlaybackSource
	Clock    clock.Clock
	Rand     *rand.Rand // seeded rand for exploration; nil = time-seeded

	Enabled    func() bool
	Epsilon    func() float64
	MinSamples func() int64
	Eligible   func() []types.ProviderInfo
	Params     Params
}

// Service keeps per-(job, provider) rolling statistics and picks the best
// provider per job with epsilon-greedy exploration, benchmark-stabilized
// exploitation, and a deference rule protecting real-time playback.
type Service struct {
	store    Store
	playback PlaybackSource
	clk      clock.Clock
	params   Params

	enabled    func() bool
	epsilon    func() float64
	minSamples func() int64
	eligible   func() []types.ProviderInfo

	randMu sync.Mutex
	rng    *rand.Rand

	mu    sync.RWMutex
	perf  map[perfKey]*performance
	bench map[string]float64 // provider -> latest benchmarked bytes/sec
}

func New(o Options) *Service {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Enabled == nil {
		o.Enabled = config.AffinityEnabled
	}
	if o.Epsilon == nil {
		o.Epsilon = config.Epsilon
	}
	if o.MinSamples == nil {
		o.MinSamples = config.MinSamples
	}
	if o.Eligible == nil {
		o.Eligible = config.EligibleProviders
	}
	if o.Params == (Params{}) {
		o.Params = DefaultParams
	}
	return &Service{
		store:      o.Store,
		playback:   o.Playback,
		clk:        o.Clock,
		params:     o.Params,
		enabled:    o.Enabled,
		epsilon:    o.Epsilon,
		minSamples: o.MinSamples,
		eligible:   o.Eligible,
		rng:        o.Rand,
		perf:       make(map[perfKey]*performance),
		bench:      make(map[string]float64),
	}
}

func (s *Service) get(job, provider string) *performance {
	k := perfKey{job, provider}
	p, ok := s.perf[k]
	if !ok {
		p = &performance{}
		s.perf[k] = p
	}
	return p
}

// RecordSuccess folds one successful fetch into the stats. The EWMA speed
// rejects outliers: a sample outside [0.1x, 10x] of the current average
// bumps the counters but leaves the average alone.
func (s *Service) RecordSuccess(job, provider string, bytes, elapsedMs int64) {
	if job == "" || provider == "" || elapsedMs <= 0 {
		return
	}
	sample := float64(bytes) * 1000 / float64(elapsedMs) // bytes/sec

	s.mu.Lock()
	p := s.get(job, provider)
	p.success++
	p.bytes += bytes
	p.millis += elapsedMs
	switch {
	case p.ewmaSpeed == 0:
		p.ewmaSpeed = sample
	case sample < p.ewmaSpeed*outlierLow || sample > p.ewmaSpeed*outlierHigh:
		// outlier, discard
	default:
		p.ewmaSpeed = ewmaAlpha*sample + (1-ewmaAlpha)*p.ewmaSpeed
	}
	p.updatedAt = s.clk.Now()
	p.dirty = true
	s.mu.Unlock()
}

func (s *Service) recordFailure(job, provider string, timeout, missing bool) {
	if job == "" || provider == "" {
		return
	}
	s.mu.Lock()
	p := s.get(job, provider)
	p.failure++
	if timeout {
		p.timeoutErrs++
	}
	if missing {
		p.missingErrs++
	}
	p.updatedAt = s.clk.Now()
	p.dirty = true
	s.mu.Unlock()
}

func (s *Service) RecordFailure(job, provider string)             { s.recordFailure(job, provider, false, false) }
func (s *Service) RecordTimeoutError(job, provider string)        { s.recordFailure(job, provider, true, false) }
func (s *Service) RecordMissingArticleError(job, provider string) { s.recordFailure(job, provider, false, true) }

// GetPreferredProvider picks a provider for this job, or ok=false when
// affinity is disabled, the job has no history, or no candidate clears the
// minimum sample size; the caller falls back externally. A ProviderHint on
// the usage context pins the choice to that provider if it is eligible.
func (s *Service) GetPreferredProvider(job string, totalProviders int, u usage.Context) (string, bool) {
	if !s.enabled() || job == "" || totalProviders <= 1 {
		return "", false
	}
	eligible := s.eligible()
	if len(eligible) == 0 {
		return "", false
	}

	if hint := u.ProviderHint; hint != "" {
		for _, pi := range eligible {
			if pi.Name == hint {
				return hint, true
			}
		}
		// hint names a retired or backup-only provider; fall through
	}

	s.mu.RLock()
	known := false
	for _, pi := range eligible {
		if _, ok := s.perf[perfKey{job, pi.Name}]; ok {
			known = true
			break
		}
	}
	if !known {
		s.mu.RUnlock()
		return "", false
	}

	min := s.minSamples()
	var under []string
	var cands []candidate
	for _, pi := range eligible {
		p := s.perf[perfKey{job, pi.Name}]
		successes := int64(0)
		if p != nil {
			successes = p.success
		}
		if successes < min {
			under = append(under, pi.Name)
			continue
		}
		cands = append(cands, candidate{
			provider:    pi.Name,
			successRate: p.successRate(),
			jobSpeed:    p.ewmaSpeed,
			benchSpeed:  s.bench[pi.Name],
		})
	}
	s.mu.RUnlock()

	// explore: occasionally give an under-sampled provider a turn
	if len(under) > 0 && s.roll() < s.epsilon() {
		return under[s.intn(len(under))], true
	}

	if len(cands) == 0 {
		return "", false
	}
	ranked := rank(cands, s.params)

	// deference: background work steps aside for real playback
	if len(ranked) >= 2 && u.Type.DefersToPlayback() && s.playback != nil {
		verified, background := s.playback.ActivePlayback()
		if verified > 0 || (u.Type == usage.BufferedStreaming && background > 0) {
			return ranked[1].Provider, true
		}
	}
	return ranked[0].Provider, true
}

func (s *Service) roll() float64 {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rng.Float64()
}

func (s *Service) intn(n int) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rng.Intn(n)
}

// GetLowSuccessRateProviders lists providers under thresholdPct for this job
// (given at least minSamples observations), for straggler-retry exclusion.
func (s *Service) GetLowSuccessRateProviders(job string, minSamples int64, thresholdPct float64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k, p := range s.perf {
		if k.job != job || p.samples() < minSamples {
			continue
		}
		if p.successRate()*100 < thresholdPct {
			out = append(out, k.provider)
		}
	}
	return out
}

func (s *Service) ClearJobStats(ctx context.Context, job string) {
	s.mu.Lock()
	for k := range s.perf {
		if k.job == job {
			delete(s.perf, k)
		}
	}
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.DeleteJob(ctx, job); err != nil {
			log.Printf("[affinity] delete job %q stats: %v", job, err)
		}
	}
}

func (s *Service) ClearAllStats(ctx context.Context) {
	s.mu.Lock()
	s.perf = make(map[perfKey]*performance)
	s.mu.Unlock()
	if s.store != nil {
		if err := s.store.DeleteAll(ctx); err != nil {
			log.Printf("[affinity] delete all stats: %v", err)
		}
	}
}

// Snapshot of one record, mostly for tests and the stats log line.
func (s *Service) Perf(job, provider string) (PerfRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.perf[perfKey{job, provider}]
	if !ok {
		return PerfRow{}, false
	}
	return PerfRow{
		Job: job, Provider: provider,
		Success: p.success, Failure: p.failure,
		TimeoutErrs: p.timeoutErrs, MissingErrs: p.missingErrs,
		Bytes: p.bytes, Millis: p.millis,
		EWMASpeed: p.ewmaSpeed, UpdatedAt: p.updatedAt,
	}, true
}

func (s *Service) SetBenchmark(provider string, bps float64) {
	s.mu.Lock()
	s.bench[provider] = bps
	s.mu.Unlock()
}
