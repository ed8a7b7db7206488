package affinity

import (
	"context"
	"database/sql"
)

type SQLStore struct{ DB *sql.DB }

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{DB: db} }

func (s *SQLStore) LoadAll(ctx context.Context) ([]PerfRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT job, provider, success, failure, timeout_errs, missing_errs, bytes, millis, ewma_bps, updated_at
FROM provider_perf`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PerfRow
	for rows.Next() {
		var r PerfRow
		if err := rows.Scan(&r.Job, &r.Provider, &r.Success, &r.Failure, &r.TimeoutErrs,
			&r.MissingErrs, &r.Bytes, &r.Millis, &r.EWMASpeed, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Upsert(ctx context.Context, batch []PerfRow) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, r := range batch {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO provider_perf (job, provider, success, failure, timeout_errs, missing_errs, bytes, millis, ewma_bps, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (job, provider) DO UPDATE
SET success=EXCLUDED.success, failure=EXCLUDED.failure, timeout_errs=EXCLUDED.timeout_errs,
    missing_errs=EXCLUDED.missing_errs, bytes=EXCLUDED.bytes, millis=EXCLUDED.millis,
    ewma_bps=EXCLUDED.ewma_bps, updated_at=EXCLUDED.updated_at`,
			r.Job, r.Provider, r.Success, r.Failure, r.TimeoutErrs, r.MissingErrs,
			r.Bytes, r.Millis, r.EWMASpeed, r.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Benchmarks(ctx context.Context) (map[string]float64, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT ON (provider) provider, bps
FROM provider_benchmarks
ORDER BY provider, measured_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var provider string
		var bps float64
		if err := rows.Scan(&provider, &bps); err != nil {
			return nil, err
		}
		out[provider] = bps
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteJob(ctx context.Context, job string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM provider_perf WHERE job=$1`, job)
	return err
}

func (s *SQLStore) DeleteAll(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM provider_perf`)
	return err
}
