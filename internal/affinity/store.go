package affinity

import (
	"context"
	"time"
)

// PerfRow is the persisted shape of one (job, provider) record.
type PerfRow struct {
	Job         string
	Provider    string
	Success     int64
	Failure     int64
	TimeoutErrs int64
	MissingErrs int64
	Bytes       int64
	Millis      int64
	EWMASpeed   float64 // bytes/sec
	UpdatedAt   time.Time
}

// Store is the persistence collaborator. The in-memory map stays
// authoritative; store failures are logged and never block decisions.
type Store interface {
	LoadAll(ctx context.Context) ([]PerfRow, error)
	Upsert(ctx context.Context, rows []PerfRow) error
	Benchmarks(ctx context.Context) (map[string]float64, error)
	DeleteJob(ctx context.Context, job string) error
	DeleteAll(ctx context.Context) error
}
