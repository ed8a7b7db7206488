package config

import (
	"os"
	"strconv"
	"sync"
	"time"
)

var (
	mu sync.RWMutex

	providersPath = "providers.yaml"

	// pool
	idleTimeout      = 5 * time.Minute
	livenessAfter    = 60 * time.Second
	stuckBorrowAfter = 30 * time.Minute
	reserveDiv       = int64(6) // low-priority callers must leave max/reserveDiv slots free

	// global limiter
	totalPermits   = int64(60)
	queueMin       = int64(10)
	healthMin      = int64(6)
	permitWarnSpan = 10 * time.Minute

	// streaming limiter
	streamingMax     = int64(20)
	streamStuckAfter = 30 * time.Minute
	streamSweepEvery = 5 * time.Minute

	// affinity
	affinityEnabled = true
	epsilon         = 0.10
	minSamples      = int64(10)
	flushEvery      = 5 * time.Second
	benchReloadEvr  = 60 * time.Second

	metricsAddr = ":9190"

	// logging
	logFilePath   = "gateway.log"
	logAllowRegex = `^\[(boot|init|db|config|pool|limiter|stream|affinity|janitor|stats|metrics)\]`
	logDenyRegex  = ``
	logDedupWin   = 3 * time.Second
)

// Load reads the environment into package state. Reload re-reads it; callers
// hit the getters on every use, so changes land without a restart.
func Load() {
	mu.Lock()
	defer mu.Unlock()

	providersPath = getenv("PROVIDERS_FILE", providersPath)

	idleTimeout = getenvDuration("POOL_IDLE_TIMEOUT", idleTimeout)
	livenessAfter = getenvDuration("POOL_LIVENESS_AFTER", livenessAfter)
	stuckBorrowAfter = getenvDuration("POOL_STUCK_AFTER", stuckBorrowAfter)
	reserveDiv = getenvInt64("POOL_RESERVE_DIV", reserveDiv)

	totalPermits = getenvInt64("LIMITER_TOTAL", totalPermits)
	queueMin = getenvInt64("LIMITER_QUEUE_MIN", queueMin)
	healthMin = getenvInt64("LIMITER_HEALTH_MIN", healthMin)
	permitWarnSpan = getenvDuration("LIMITER_WARN_AFTER", permitWarnSpan)

	streamingMax = getenvInt64("STREAMING_MAX", streamingMax)
	streamStuckAfter = getenvDuration("STREAMING_STUCK_AFTER", streamStuckAfter)
	streamSweepEvery = getenvDuration("STREAMING_SWEEP_EVERY", streamSweepEvery)

	affinityEnabled = getenvBool("AFFINITY_ENABLED", affinityEnabled)
	epsilon = getenvFloat("AFFINITY_EPSILON", epsilon)
	minSamples = getenvInt64("AFFINITY_MIN_SAMPLES", minSamples)
	flushEvery = getenvDuration("AFFINITY_FLUSH_EVERY", flushEvery)
	benchReloadEvr = getenvDuration("AFFINITY_BENCH_RELOAD", benchReloadEvr)

	metricsAddr = getenv("METRICS_LISTEN", metricsAddr)

	logFilePath = getenv("LOG_FILE", logFilePath)
	logAllowRegex = getenv("LOG_ALLOW", logAllowRegex)
	logDenyRegex = getenv("LOG_DENY", logDenyRegex)
	logDedupWin = getenvDuration("LOG_DEDUP_WINDOW", logDedupWin)
}

// Reload is Load plus a fresh read of the provider file.
func Reload() error {
	Load()
	return loadProviders()
}

// getters
func IdleTimeout() time.Duration      { mu.RLock(); defer mu.RUnlock(); return idleTimeout }
func LivenessAfter() time.Duration    { mu.RLock(); defer mu.RUnlock(); return livenessAfter }
func StuckBorrowAfter() time.Duration { mu.RLock(); defer mu.RUnlock(); return stuckBorrowAfter }
func ReserveDiv() int64               { mu.RLock(); defer mu.RUnlock(); return reserveDiv }

func TotalPermits() int64          { mu.RLock(); defer mu.RUnlock(); return totalPermits }
func QueueMin() int64              { mu.RLock(); defer mu.RUnlock(); return queueMin }
func HealthMin() int64             { mu.RLock(); defer mu.RUnlock(); return healthMin }
func PermitWarnSpan() time.Duration { mu.RLock(); defer mu.RUnlock(); return permitWarnSpan }

func StreamingMax() int64                { mu.RLock(); defer mu.RUnlock(); return streamingMax }
func StreamStuckAfter() time.Duration    { mu.RLock(); defer mu.RUnlock(); return streamStuckAfter }
func StreamSweepEvery() time.Duration    { mu.RLock(); defer mu.RUnlock(); return streamSweepEvery }

func AffinityEnabled() bool           { mu.RLock(); defer mu.RUnlock(); return affinityEnabled }
func Epsilon() float64                { mu.RLock(); defer mu.RUnlock(); return epsilon }
func MinSamples() int64               { mu.RLock(); defer mu.RUnlock(); return minSamples }
func FlushEvery() time.Duration       { mu.RLock(); defer mu.RUnlock(); return flushEvery }
func BenchReloadEvery() time.Duration { mu.RLock(); defer mu.RUnlock(); return benchReloadEvr }

func MetricsAddr() string { mu.RLock(); defer mu.RUnlock(); return metricsAddr }

func LogFilePath() string            { mu.RLock(); defer mu.RUnlock(); return logFilePath }
func LogAllowRegex() string          { mu.RLock(); defer mu.RUnlock(); return logAllowRegex }
func LogDenyRegex() string           { mu.RLock(); defer mu.RUnlock(); return logDenyRegex }
func LogDedupWindow() time.Duration  { mu.RLock(); defer mu.RUnlock(); return logDedupWin }

// helpers
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getenvInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
func getenvFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
