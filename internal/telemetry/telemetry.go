package telemetry

import (
	"log"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"usenet-gateway/pkg/types"
)

// Snapshot is the merged pool + limiter view, one observation cycle deep.
type Snapshot struct {
	Pools          []types.PoolSnapshot
	Classes        []types.ClassUsage
	StreamInUse    int64
	ForcedReleases int64
}

// Thin aggregation layer: pools and limiters push their breakdowns here,
// external observability scrapes them.
type Telemetry struct {
	reg *prometheus.Registry

	poolLive     *prometheus.GaugeVec
	poolIdle     *prometheus.GaugeVec
	poolBorrowed *prometheus.GaugeVec
	permitsHeld  *prometheus.GaugeVec
	streamInUse  prometheus.Gauge
	streamForced prometheus.Gauge

	mu           sync.Mutex
	pools        map[string]types.PoolSnapshot
	classes      []types.ClassUsage
	streamInUseV int64
	streamForceV int64
}

func New() *Telemetry {
	t := &Telemetry{
		reg: prometheus.NewRegistry(),
		poolLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_pool_live_connections",
			Help: "Live connections per provider pool.",
		}, []string{"provider"}),
		poolIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_pool_idle_connections",
			Help: "Idle connections per provider pool.",
		}, []string{"provider"}),
		poolBorrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_pool_borrowed_connections",
			Help: "Borrowed connections per provider pool.",
		}, []string{"provider"}),
		permitsHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_permits_held",
			Help: "Admission permits held per usage class.",
		}, []string{"class"}),
		streamInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_streaming_permits_in_use",
			Help: "Streaming permits currently held.",
		}),
		streamForced: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_streaming_forced_releases_total",
			Help: "Streaming permits reclaimed by the sweeper.",
		}),
	}
	t.reg.MustRegister(t.poolLive, t.poolIdle, t.poolBorrowed, t.permitsHeld, t.streamInUse, t.streamForced)
	t.pools = make(map[string]types.PoolSnapshot)
	return t
}

// ObservePool is wired as each pool's state-change callback.
func (t *Telemetry) ObservePool(s types.PoolSnapshot) {
	t.poolLive.WithLabelValues(s.Provider).Set(float64(s.Live))
	t.poolIdle.WithLabelValues(s.Provider).Set(float64(s.Idle))
	t.poolBorrowed.WithLabelValues(s.Provider).Set(float64(s.Borrowed))
	t.mu.Lock()
	t.pools[s.Provider] = s
	t.mu.Unlock()
}

func (t *Telemetry) ObserveUsage(classes []types.ClassUsage) {
	for _, c := range classes {
		t.permitsHeld.WithLabelValues(c.Class).Set(float64(c.Held))
	}
	t.mu.Lock()
	t.classes = append(t.classes[:0], classes...)
	t.mu.Unlock()
}

func (t *Telemetry) ObserveStreaming(inUse, forcedReleases int64) {
	t.streamInUse.Set(float64(inUse))
	t.streamForced.Set(float64(forcedReleases))
	t.mu.Lock()
	t.streamInUseV = inUse
	t.streamForceV = forcedReleases
	t.mu.Unlock()
}

// Snapshot merges the latest observed pool and limiter breakdowns, pools in
// provider-name order.
func (t *Telemetry) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	pools := make([]types.PoolSnapshot, 0, len(t.pools))
	for _, s := range t.pools {
		pools = append(pools, s)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Provider < pools[j].Provider })
	return Snapshot{
		Pools:          pools,
		Classes:        append([]types.ClassUsage(nil), t.classes...),
		StreamInUse:    t.streamInUseV,
		ForcedReleases: t.streamForceV,
	}
}

func (t *Telemetry) Handler() http.Handler {
	return recoverPanics(promhttp.HandlerFor(t.reg, promhttp.HandlerOpts{}))
}

// A panicking collector must not take the scrape endpoint down with it.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[panic] recovered in %s: %v\n%s", r.URL.Path, rec, debug.Stack())
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
