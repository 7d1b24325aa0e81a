package tuning

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"polymerlab.ai/internal/sim/lattice"
	"polymerlab.ai/internal/sim/sampler"
)

var ErrInvalid = errors.New("invalid tuning")

//go:embed tuning.schema.json
var schemaJSON string

type Tuning struct {
	LatticeDim     int    `yaml:"lattice_dim" json:"lattice_dim"`
	Occupancy      string `yaml:"occupancy" json:"occupancy"`
	Tries          int    `yaml:"tries" json:"tries"`
	Sweep          Sweep  `yaml:"sweep" json:"sweep"`
	Seed           int64  `yaml:"seed" json:"seed"`
	Estimator      string `yaml:"estimator" json:"estimator"`
	LegacyCoupling bool   `yaml:"legacy_coupling" json:"legacy_coupling"`
}

// Sweep is the half-open range [Start, Stop) of chain lengths, in monomers.
type Sweep struct {
	Start int `yaml:"start" json:"start"`
	Stop  int `yaml:"stop" json:"stop"`
	Step  int `yaml:"step" json:"step"`
}

// MaxLengths bounds the number of chain lengths in one sweep.
const MaxLengths = 10000

// Count is the number of lengths in the sweep, computed without enumerating them.
func (s Sweep) Count() int {
	if s.Step <= 0 || s.Stop <= s.Start {
		return 0
	}
	return (s.Stop-1-s.Start)/s.Step + 1
}

// Last returns the largest length of a non-empty sweep.
func (s Sweep) Last() int {
	if s.Count() == 0 {
		return 0
	}
	return s.Start + ((s.Stop-1-s.Start)/s.Step)*s.Step
}

// Lengths enumerates the sweep. Callers validate Count first.
func (s Sweep) Lengths() []int {
	c := s.Count()
	if c == 0 {
		return nil
	}
	out := make([]int, 0, c)
	for i := 0; i < c; i++ {
		out = append(out, s.Start+i*s.Step)
	}
	return out
}

func (s Sweep) String() string {
	return fmt.Sprintf("%d:%d:%d", s.Start, s.Stop, s.Step)
}

// ParseSweep reads "start:stop[:step]"; step defaults to 1.
func ParseSweep(v string) (Sweep, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Sweep{}, fmt.Errorf("%w: sweep %q: want start:stop[:step]", ErrInvalid, v)
	}
	nums := []int{0, 0, 1}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Sweep{}, fmt.Errorf("%w: sweep %q: %v", ErrInvalid, v, err)
		}
		nums[i] = n
	}
	return Sweep{Start: nums[0], Stop: nums[1], Step: nums[2]}, nil
}

func Defaults() Tuning {
	return Tuning{
		LatticeDim:     lattice.DefaultDim,
		Occupancy:      lattice.KindPeriodic,
		Tries:          1000,
		Sweep:          Sweep{Start: 40, Stop: 100, Step: 5},
		Seed:           1,
		Estimator:      sampler.EstimatorLegacy,
		LegacyCoupling: true,
	}
}

// Load reads a tuning YAML file on top of Defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := validateSchema(raw); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func validateSchema(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees JSON types only.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	schema, err := jsonschema.CompileString("tuning.schema.json", schemaJSON)
	if err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (t *Tuning) Normalize() {
	t.Occupancy = strings.ToLower(strings.TrimSpace(t.Occupancy))
	if t.Occupancy == "" {
		t.Occupancy = lattice.KindPeriodic
	}
	t.Estimator = strings.ToLower(strings.TrimSpace(t.Estimator))
	if t.Estimator == "" {
		t.Estimator = sampler.EstimatorLegacy
	}
}

func (t Tuning) Validate() error {
	if t.LatticeDim <= 0 {
		return fmt.Errorf("%w: lattice_dim must be > 0, got %d", ErrInvalid, t.LatticeDim)
	}
	if t.Occupancy != lattice.KindPeriodic && t.Occupancy != lattice.KindUnbounded {
		return fmt.Errorf("%w: unknown occupancy %q", ErrInvalid, t.Occupancy)
	}
	if t.Tries < 2 {
		return fmt.Errorf("%w: tries must be >= 2, got %d", ErrInvalid, t.Tries)
	}
	if !sampler.KnownEstimator(t.Estimator) {
		return fmt.Errorf("%w: unknown estimator %q", ErrInvalid, t.Estimator)
	}
	if t.Sweep.Step <= 0 {
		return fmt.Errorf("%w: sweep step must be > 0, got %d", ErrInvalid, t.Sweep.Step)
	}
	if t.Sweep.Start < 1 {
		return fmt.Errorf("%w: sweep start must be >= 1, got %d", ErrInvalid, t.Sweep.Start)
	}
	count := t.Sweep.Count()
	if count == 0 {
		return fmt.Errorf("%w: sweep %s is empty", ErrInvalid, t.Sweep)
	}
	if count > MaxLengths {
		return fmt.Errorf("%w: sweep %s has %d lengths, max %d", ErrInvalid, t.Sweep, count, MaxLengths)
	}
	if t.Occupancy == lattice.KindPeriodic {
		if maxN := t.Sweep.Last(); maxN >= t.LatticeDim {
			return fmt.Errorf("%w: chain length %d must be < lattice_dim %d on a periodic lattice", ErrInvalid, maxN, t.LatticeDim)
		}
	}
	return nil
}

func (t Tuning) SamplerConfig() sampler.Config {
	return sampler.Config{
		Lengths:        t.Sweep.Lengths(),
		Tries:          t.Tries,
		Estimator:      t.Estimator,
		LegacyCoupling: t.LegacyCoupling,
	}
}
