package sampler

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polymerlab.ai/internal/sim/chain"
	"polymerlab.ai/internal/sim/lattice"
	"polymerlab.ai/internal/sim/rng"
)

type recorder struct {
	occ    lattice.Occupancy
	trials []Trial
	points []Point
	counts []int
	err    error
}

func (r *recorder) Trial(t Trial) error {
	r.trials = append(r.trials, t)
	if r.occ != nil {
		r.counts = append(r.counts, r.occ.Count())
	}
	return r.err
}

func (r *recorder) Point(p Point) error {
	r.points = append(r.points, p)
	return nil
}

func newSampler(t *testing.T, src rng.Source, cfg Config) (*Sampler, *lattice.Periodic) {
	t.Helper()
	occ := lattice.NewPeriodic(lattice.DefaultDim)
	s, err := New(chain.NewBuilder(occ, src, lattice.DefaultDim), src, cfg)
	require.NoError(t, err)
	return s, occ
}

func defaultLengths() []int {
	var out []int
	for n := 40; n < 100; n += 5 {
		out = append(out, n)
	}
	return out
}

func TestRun_EmitsBondLabelsInOrder(t *testing.T) {
	s, occ := newSampler(t, rng.New(11), Config{
		Lengths:        defaultLengths(),
		Tries:          10,
		Estimator:      EstimatorLegacy,
		LegacyCoupling: true,
	})
	rec := &recorder{}
	require.NoError(t, s.Run(context.Background(), rec))

	var bonds []int
	for _, p := range rec.points {
		bonds = append(bonds, p.Bonds)
		assert.Greater(t, p.MeanR2, 0.0)
	}
	assert.Equal(t, []int{39, 44, 49, 54, 59, 64, 69, 74, 79, 84, 89, 94}, bonds)
	assert.Zero(t, occ.Count())
}

func TestRun_DeterministicForSeed(t *testing.T) {
	cfg := Config{Lengths: []int{20, 30}, Tries: 50, Estimator: EstimatorLegacy, LegacyCoupling: true}
	run := func() []Point {
		s, _ := newSampler(t, rng.New(424242), cfg)
		rec := &recorder{}
		require.NoError(t, s.Run(context.Background(), rec))
		return rec.points
	}
	require.Equal(t, run(), run())
}

// heldTracker follows the Metropolis state through accepted trials and checks that the
// lattice holds exactly the wrapped cells of that chain after every trial.
type heldTracker struct {
	t       *testing.T
	occ     *lattice.Periodic
	held    []lattice.Vec3i
	checked int
}

func (h *heldTracker) Trial(tr Trial) error {
	if tr.Accepted {
		ms, err := chain.FromBonds(lattice.Vec3i{X: tr.Start[0], Y: tr.Start[1], Z: tr.Start[2]}, tr.Bonds)
		require.NoError(h.t, err)
		h.held = ms
	}
	if h.held == nil {
		// The initial chain is not reported; only its size can be checked.
		require.Equal(h.t, tr.N, h.occ.Count(), "trial %d", tr.Try)
		return nil
	}
	want := make([]lattice.Vec3i, 0, len(h.held))
	for _, m := range h.held {
		want = append(want, h.occ.Wrap(m))
	}
	require.ElementsMatch(h.t, want, h.occ.Cells(), "trial %d", tr.Try)
	h.checked++
	return nil
}

func (h *heldTracker) Point(Point) error { return nil }

func TestSample_LatticeHoldsExactlyTheCurrentChain(t *testing.T) {
	for _, coupling := range []bool{true, false} {
		s, occ := newSampler(t, rng.New(8), Config{
			Lengths: []int{45}, Tries: 200, Estimator: EstimatorLegacy, LegacyCoupling: coupling,
		})
		h := &heldTracker{t: t, occ: occ}
		p, err := s.Sample(45, h)
		require.NoError(t, err)
		require.Greater(t, h.checked, 100, "coupling=%v", coupling)
		require.Zero(t, occ.Count())
		require.Equal(t, 200, p.Tries)
	}
}

func TestSample_ExactlyOneChainHeldBetweenTrials(t *testing.T) {
	for _, coupling := range []bool{true, false} {
		s, occ := newSampler(t, rng.New(8), Config{
			Lengths: []int{45}, Tries: 200, Estimator: EstimatorLegacy, LegacyCoupling: coupling,
		})
		rec := &recorder{occ: occ}
		p, err := s.Sample(45, rec)
		require.NoError(t, err)
		require.Len(t, rec.counts, 200)
		for i, c := range rec.counts {
			require.Equal(t, 45, c, "trial %d coupling=%v", i, coupling)
		}
		require.Zero(t, occ.Count())
		require.Greater(t, p.Accepted, 0)
		require.LessOrEqual(t, p.Accepted, 200)
		require.InDelta(t, float64(p.Accepted)/200, p.AcceptRate, 1e-12)
	}
}

func TestSample_ScriptedZeroAcceptsStraightChains(t *testing.T) {
	const n, tries = 5, 4
	s, occ := newSampler(t, &rng.Scripted{}, Config{
		Lengths: []int{n}, Tries: tries, Estimator: EstimatorLegacy,
	})
	rec := &recorder{}
	p, err := s.Sample(n, rec)
	require.NoError(t, err)

	require.Len(t, rec.trials, tries)
	for _, tr := range rec.trials {
		assert.True(t, tr.Accepted)
		assert.Equal(t, 16, tr.REESqr)
		assert.Equal(t, 4500.0, tr.Weight)
		assert.Equal(t, [3]int{0, 0, 0}, tr.Start)
		assert.Equal(t, []uint8{0, 0, 0, 0}, tr.Bonds)
	}
	assert.Equal(t, 16.0*tries/(tries-1), p.MeanR2)
	assert.Equal(t, 16.0, p.WeightedR2)
	assert.Equal(t, 16.0, p.MarkovR2)
	assert.Equal(t, 1.0, p.AcceptRate)
	assert.Equal(t, 4, p.Bonds)
	assert.Zero(t, occ.Count())
}

func TestSample_LegacyCouplingMakesInitialChainAnObstacle(t *testing.T) {
	starts := func(coupling bool) [3]int {
		src := &rng.Scripted{Ints: []int{0, 0, 0, 50, 50, 50}}
		if !coupling {
			src.Ints = []int{0, 0, 0}
		}
		s, _ := newSampler(t, src, Config{
			Lengths: []int{6}, Tries: 2, Estimator: EstimatorLegacy, LegacyCoupling: coupling,
		})
		rec := &recorder{}
		_, err := s.Sample(6, rec)
		require.NoError(t, err)
		return rec.trials[0].Start
	}
	// The initial chain sits on the origin, so the first coupled trial must redraw its start.
	assert.Equal(t, [3]int{50, 50, 50}, starts(true))
	assert.Equal(t, [3]int{0, 0, 0}, starts(false))
}

func TestSample_SinkErrorLeavesLatticeEmpty(t *testing.T) {
	s, occ := newSampler(t, rng.New(3), Config{
		Lengths: []int{30}, Tries: 10, Estimator: EstimatorLegacy, LegacyCoupling: true,
	})
	boom := errors.New("disk full")
	_, err := s.Sample(30, &recorder{err: boom})
	require.ErrorIs(t, err, boom)
	require.Zero(t, occ.Count())
}

func TestRun_StopsOnCanceledContext(t *testing.T) {
	s, _ := newSampler(t, rng.New(3), Config{
		Lengths: []int{10, 20}, Tries: 5, Estimator: EstimatorLegacy,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	require.ErrorIs(t, s.Run(ctx, rec), context.Canceled)
	require.Empty(t, rec.points)
}

func TestSample_FlorySanityAtForty(t *testing.T) {
	if testing.Short() {
		t.Skip("statistical check")
	}
	const n = 40
	s, _ := newSampler(t, rng.New(2718), Config{
		Lengths: []int{n}, Tries: 1000, Estimator: EstimatorLegacy, LegacyCoupling: true,
	})
	p, err := s.Sample(n, nil)
	require.NoError(t, err)

	flory := math.Pow(n-1, 2*0.588)
	for name, v := range map[string]float64{
		EstimatorLegacy:   p.MeanR2,
		EstimatorWeighted: p.WeightedR2,
		EstimatorMarkov:   p.MarkovR2,
	} {
		assert.Greater(t, v, 0.5*flory, name)
		assert.Less(t, v, 2.5*flory, name)
	}
	// An ideal random walk would give n-1; self-avoidance swells the chain.
	assert.Greater(t, p.MeanR2, float64(n-1))
}

func TestUnboundedOccupancySweep(t *testing.T) {
	occ := lattice.NewUnbounded()
	src := rng.New(77)
	s, err := New(chain.NewBuilder(occ, src, lattice.DefaultDim), src, Config{
		Lengths: []int{150}, Tries: 5, Estimator: EstimatorWeighted,
	})
	require.NoError(t, err)
	rec := &recorder{}
	require.NoError(t, s.Run(context.Background(), rec))
	require.Len(t, rec.points, 1)
	require.Equal(t, 149, rec.points[0].Bonds)
	require.Zero(t, occ.Count())
}

func TestConfigValidate(t *testing.T) {
	ok := Config{Lengths: []int{40}, Tries: 2, Estimator: EstimatorMarkov}
	require.NoError(t, ok.Validate())

	cases := []Config{
		{Tries: 10, Estimator: EstimatorLegacy},
		{Lengths: []int{0}, Tries: 10, Estimator: EstimatorLegacy},
		{Lengths: []int{40}, Tries: 1, Estimator: EstimatorLegacy},
		{Lengths: []int{40}, Tries: 0, Estimator: EstimatorLegacy},
		{Lengths: []int{40}, Tries: 10, Estimator: "perm"},
	}
	for i, c := range cases {
		require.ErrorIs(t, c.Validate(), ErrInvalidConfig, "case %d", i)
	}

	_, err := New(nil, rng.New(1), ok)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPointValue(t *testing.T) {
	p := Point{MeanR2: 1, WeightedR2: 2, MarkovR2: 3}
	assert.Equal(t, 1.0, p.Value(EstimatorLegacy))
	assert.Equal(t, 2.0, p.Value(EstimatorWeighted))
	assert.Equal(t, 3.0, p.Value(EstimatorMarkov))
	assert.Equal(t, 1.0, p.Value(""))
}

func TestSinksFanOut(t *testing.T) {
	var got []int
	a := PointFunc(func(p Point) error { got = append(got, p.N); return nil })
	b := PointFunc(func(p Point) error { got = append(got, -p.N); return nil })
	require.NoError(t, Sinks{a, nil, b}.Point(Point{N: 7}))
	require.NoError(t, Sinks{a}.Trial(Trial{}))
	require.Equal(t, []int{7, -7}, got)
}

func TestSample_LongUnboundedChainsStayFinite(t *testing.T) {
	if testing.Short() {
		t.Skip("long chains")
	}
	// ln(6·4.7^599) is far beyond ln(MaxFloat64) ≈ 709.
	const n = 600
	occ := lattice.NewUnbounded()
	src := rng.New(31)
	s, err := New(chain.NewBuilder(occ, src, lattice.DefaultDim), src, Config{
		Lengths: []int{n}, Tries: 4, Estimator: EstimatorWeighted,
	})
	require.NoError(t, err)
	rec := &recorder{}
	p, err := s.Sample(n, rec)
	require.NoError(t, err)
	for _, tr := range rec.trials {
		require.Greater(t, tr.LogWeight, 709.0)
		require.True(t, math.IsInf(tr.Weight, 1))
	}
	require.False(t, math.IsNaN(p.WeightedR2) || math.IsInf(p.WeightedR2, 0))
	require.Greater(t, p.WeightedR2, 0.0)
	require.Zero(t, occ.Count())
}

func TestWeightedMean_LogSpace(t *testing.T) {
	var m WeightedMean
	require.True(t, math.IsNaN(m.Value()))

	m.Add(1000, 1)
	m.Add(1000+math.Log(3), 5)
	require.InDelta(t, 4.0, m.Value(), 1e-12)
	require.InDelta(t, 1000+math.Log(4), m.LogSumW(), 1e-12)

	var small WeightedMean
	small.Add(math.Log(2), 10)
	small.Add(0, 1)
	require.InDelta(t, 7.0, small.Value(), 1e-12)
}

func TestAcceptProb(t *testing.T) {
	require.Equal(t, 1.0, acceptProb(5, 3))
	require.Equal(t, 1.0, acceptProb(800, 800))
	require.InDelta(t, 0.5, acceptProb(900-math.Log(2), 900), 1e-12)
}
