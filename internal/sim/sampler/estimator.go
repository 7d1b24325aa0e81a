package sampler

import "math"

// WeightedMean accumulates Σ w·x / Σ w from log-weights, rescaling the running sums
// to the largest log-weight seen so weights beyond float64 range still combine.
type WeightedMean struct {
	maxLog float64
	sumW   float64
	sumWX  float64
	n      int
}

func (m *WeightedMean) Add(logW, x float64) {
	if m.n == 0 || logW > m.maxLog {
		if m.n > 0 {
			scale := math.Exp(m.maxLog - logW)
			m.sumW *= scale
			m.sumWX *= scale
		}
		m.maxLog = logW
	}
	w := math.Exp(logW - m.maxLog)
	m.sumW += w
	m.sumWX += w * x
	m.n++
}

// Value is the weighted mean, NaN when nothing was added.
func (m *WeightedMean) Value() float64 {
	if m.n == 0 {
		return math.NaN()
	}
	return m.sumWX / m.sumW
}

// LogSumW is ln Σ w.
func (m *WeightedMean) LogSumW() float64 {
	if m.n == 0 {
		return math.Inf(-1)
	}
	return m.maxLog + math.Log(m.sumW)
}

// acceptProb is min(1, w_new/w_last) evaluated on log-weights.
func acceptProb(logNew, logLast float64) float64 {
	d := logNew - logLast
	if d >= 0 {
		return 1
	}
	return math.Exp(d)
}
