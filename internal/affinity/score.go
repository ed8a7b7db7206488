package affinity

import (
	"sort"

	"usenet-gateway/pkg/types"
)

type Params struct {
	// without benchmark data
	WSuccess, WJobSpeed float64
	// when at least one candidate has a benchmark
	WSuccessB, WBench, WJobSpeedB float64
}

var DefaultParams = Params{
	WSuccess: 0.45, WJobSpeed: 0.55,
	WSuccessB: 0.40, WBench: 0.35, WJobSpeedB: 0.25,
}

type candidate struct {
	provider    string
	successRate float64 // 0..1
	jobSpeed    float64 // per-job EWMA, bytes/sec
	benchSpeed  float64 // provider-wide benchmark, bytes/sec; 0 = none
}

// rank scores candidates with each term normalized against the candidate
// max, descending. Benchmark speed stabilizes the blend when per-job samples
// are thin; the weights shift once any candidate carries one.
func rank(cands []candidate, p Params) []types.ProviderScore {
	var maxRate, maxJob, maxBench float64
	for _, c := range cands {
		if c.successRate > maxRate {
			maxRate = c.successRate
		}
		if c.jobSpeed > maxJob {
			maxJob = c.jobSpeed
		}
		if c.benchSpeed > maxBench {
			maxBench = c.benchSpeed
		}
	}
	hasBench := maxBench > 0

	norm := func(v, max float64) float64 {
		if max <= 0 {
			return 0
		}
		return v / max
	}

	out := make([]types.ProviderScore, 0, len(cands))
	for _, c := range cands {
		sb := types.ScoreBreakdown{
			Success:      norm(c.successRate, maxRate),
			JobSpeed:     norm(c.jobSpeed, maxJob),
			Benchmark:    norm(c.benchSpeed, maxBench),
			HasBenchmark: hasBench,
		}
		if hasBench {
			sb.Total = p.WSuccessB*sb.Success + p.WBench*sb.Benchmark + p.WJobSpeedB*sb.JobSpeed
		} else {
			sb.Total = p.WSuccess*sb.Success + p.WJobSpeed*sb.JobSpeed
		}
		out = append(out, types.ProviderScore{Provider: c.provider, Score: sb})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score.Total != out[j].Score.Total {
			return out[i].Score.Total > out[j].Score.Total
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}
