package types

type ProviderInfo struct {
	Name           string
	Host           string
	MaxConnections int
	BackupOnly     bool // fallback only, never load-balanced
}

type PoolSnapshot struct {
	Provider string
	Max      int
	Live     int
	Idle     int
	Borrowed int
	PerUsage map[string]int // usage type -> borrowed count
}

type ClassUsage struct {
	Class    string
	Held     int
	Capacity int
}

type ScoreBreakdown struct {
	Success, JobSpeed, Benchmark float64
	HasBenchmark                 bool
	Total                        float64
}

type ProviderScore struct {
	Provider string
	Score    ScoreBreakdown
}
