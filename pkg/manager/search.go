package manager

import (
	"fmt"

	"github.com/DanieleDeSensi/mammut/pkg/config"
	"github.com/DanieleDeSensi/mammut/pkg/errs"
	"github.com/DanieleDeSensi/mammut/pkg/farm"
	"github.com/DanieleDeSensi/mammut/pkg/voltage"
)

type candidate struct {
	n uint
	f uint64
}

// searchConfiguration implements §4.4.6: enumerate candidates in strategy
// order, return the first feasible one, else the best-suboptimal.
func (m *Manager) searchConfiguration(avgBandwidth, avgUtilization float64) (farm.Configuration, error) {
	cur := m.Configuration()
	candidates := m.candidatesFor(cur)
	if len(candidates) == 0 {
		return cur, errs.New("Manager.searchConfiguration", errs.Fatal, fmt.Errorf("no candidates enumerated"))
	}

	switch m.params.FrequencyStrategy {
	case config.FreqPowerConservative:
		return m.searchPowerConservative(cur, candidates, avgBandwidth, avgUtilization)
	default:
		return m.searchFirstFeasible(cur, candidates, avgBandwidth, avgUtilization)
	}
}

// candidatesFor enumerates (n,f) pairs in the fixed order required by the
// active frequency strategy.
func (m *Manager) candidatesFor(cur farm.Configuration) []candidate {
	maxWorkers := m.f.MaxWorkers()
	var freqs []uint64
	if m.workerDom != nil {
		freqs = m.workerDom.AvailableFrequencies()
	}

	switch m.params.FrequencyStrategy {
	case config.FreqNone, config.FreqOS:
		var out []candidate
		for n := uint(1); n <= maxWorkers; n++ {
			out = append(out, candidate{n: n, f: cur.FrequencyKHz})
		}
		return out
	default: // coresConservative, powerConservative: lexicographic n asc, f asc
		var out []candidate
		if len(freqs) == 0 {
			freqs = []uint64{cur.FrequencyKHz}
		}
		for n := uint(1); n <= maxWorkers; n++ {
			for _, f := range freqs {
				out = append(out, candidate{n: n, f: f})
			}
		}
		return out
	}
}

func (m *Manager) searchFirstFeasible(cur farm.Configuration, candidates []candidate, avgBandwidth, avgUtilization float64) (farm.Configuration, error) {
	var bestDist float64
	var best *candidate
	haveBest := false

	for i := range candidates {
		c := candidates[i]
		estB, estU := estimate(m.params.FrequencyStrategy, avgBandwidth, avgUtilization, cur.NumWorkers, c.n, cur.FrequencyKHz, c.f)
		if m.satisfiesContract(estB, estU) {
			return farm.Configuration{NumWorkers: c.n, FrequencyKHz: c.f}, nil
		}
		d := m.suboptimalDistance(estB, estU)
		if !haveBest || betterSuboptimal(bestDist, d) {
			haveBest = true
			bestDist = d
			best = &c
		}
	}
	if best == nil {
		return cur, errs.New("Manager.searchFirstFeasible", errs.Fatal, fmt.Errorf("no candidate produced a finite estimate"))
	}
	return farm.Configuration{NumWorkers: best.n, FrequencyKHz: best.f}, nil
}

// searchPowerConservative implements the powerConservative branch of
// §4.4.6: among all feasible candidates, pick minimum P̂ = n*f*V². If none
// is feasible, fall back to best-suboptimal exactly like the other
// strategies.
func (m *Manager) searchPowerConservative(cur farm.Configuration, candidates []candidate, avgBandwidth, avgUtilization float64) (farm.Configuration, error) {
	var bestFeasible *candidate
	var bestPower float64
	var bestDist float64
	var bestSuboptimal *candidate
	haveSuboptimal := false

	for i := range candidates {
		c := candidates[i]
		estB, estU := estimate(m.params.FrequencyStrategy, avgBandwidth, avgUtilization, cur.NumWorkers, c.n, cur.FrequencyKHz, c.f)
		feasible := m.satisfiesContract(estB, estU)
		if feasible {
			v, err := m.vtable.Lookup(voltage.Key{VirtualCores: c.n, FrequencyKHz: c.f})
			if err != nil {
				return cur, errs.New("Manager.searchPowerConservative", errs.Fatal, err)
			}
			p := float64(c.n) * float64(c.f) * v * v
			if bestFeasible == nil || p < bestPower {
				bestFeasible = &c
				bestPower = p
			}
			continue
		}
		d := m.suboptimalDistance(estB, estU)
		if !haveSuboptimal || betterSuboptimal(bestDist, d) {
			haveSuboptimal = true
			bestDist = d
			bestSuboptimal = &c
		}
	}

	if bestFeasible != nil {
		return farm.Configuration{NumWorkers: bestFeasible.n, FrequencyKHz: bestFeasible.f}, nil
	}
	if bestSuboptimal == nil {
		return cur, errs.New("Manager.searchPowerConservative", errs.Fatal, fmt.Errorf("no candidate produced a finite estimate"))
	}
	return farm.Configuration{NumWorkers: bestSuboptimal.n, FrequencyKHz: bestSuboptimal.f}, nil
}
