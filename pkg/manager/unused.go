package manager

import (
	"github.com/DanieleDeSensi/mammut/pkg/config"
	"github.com/DanieleDeSensi/mammut/pkg/cpufreq"
	"github.com/DanieleDeSensi/mammut/pkg/topology"
)

// applyUnusedCorePolicy classifies every virtual core in V that is not
// the emitter's, the collector's, or one of numWorkers active workers'
// as inactive or unused, and applies inactiveVCStrategy then
// unusedVCStrategy (§4.4.3): inactive cores are handled first because
// turning a core off subsumes lowering its frequency.
func (m *Manager) applyUnusedCorePolicy(numWorkers uint) {
	inactive, unused := m.classifyIdleCores(numWorkers)

	m.applyCoreStrategy(inactive, resolveStrategy(m.params.InactiveVCStrategy, m))
	m.applyCoreStrategy(unused, resolveStrategy(m.params.UnusedVCStrategy, m))
}

// classifyIdleCores splits V minus {emitter, collector, active workers}
// into inactive (belongs to a worker slot beyond numWorkers, so it may be
// reactivated) and unused (never assigned to any node in this mapping).
func (m *Manager) classifyIdleCores(numWorkers uint) (inactive, unused []*topology.VirtualCore) {
	pinned := map[uint]bool{}
	if m.emitter != nil && m.emitter.vc != nil {
		pinned[m.emitter.vc.ID] = true
	}
	if m.collector != nil && m.collector.vc != nil {
		pinned[m.collector.vc.ID] = true
	}
	for i := uint(0); i < numWorkers && i < uint(len(m.workers)); i++ {
		if vc := m.workers[i].vc; vc != nil {
			pinned[vc.ID] = true
		}
	}

	for i := numWorkers; i < uint(len(m.workers)); i++ {
		if vc := m.workers[i].vc; vc != nil && !pinned[vc.ID] {
			inactive = append(inactive, vc)
			pinned[vc.ID] = true
		}
	}
	for _, vc := range m.mapping {
		if !pinned[vc.ID] {
			unused = append(unused, vc)
		}
	}
	return inactive, unused
}

func resolveStrategy(s config.UnusedStrategy, m *Manager) config.UnusedStrategy {
	if s != config.UnusedAuto {
		return s
	}
	// auto resolves to the most aggressive feasible strategy: off if
	// hot-plug is available, else lowestFrequency if a governor supports
	// it, else none.
	for _, vc := range m.mapping {
		if vc.IsHotPluggable() {
			return config.UnusedOff
		}
	}
	for _, d := range m.freq.Domains() {
		for _, g := range d.AvailableGovernors() {
			if g == cpufreq.GovernorPowersave || g == cpufreq.GovernorUserspace {
				return config.UnusedLowestFrequency
			}
		}
	}
	return config.UnusedNone
}

func (m *Manager) applyCoreStrategy(cores []*topology.VirtualCore, strategy config.UnusedStrategy) {
	if len(cores) == 0 {
		return
	}
	switch strategy {
	case config.UnusedOff:
		for _, vc := range cores {
			if vc.IsHotPluggable() && vc.IsHotPlugged() {
				if err := vc.HotUnplug(); err != nil {
					m.log.V(1).Info("hot-unplug failed", "core", vc.ID, "err", err)
				}
			}
		}
		m.lowerFullyQuiescedDomains(cores)
	case config.UnusedLowestFrequency:
		m.lowerFullyIdleDomains(cores)
	case config.UnusedNone:
	}
}

// lowerFullyQuiescedDomains lowers to minimum frequency any domain all of
// whose members are among cores. Whether each member actually went
// offline is not checked.
func (m *Manager) lowerFullyQuiescedDomains(cores []*topology.VirtualCore) {
	idle := map[uint]bool{}
	for _, vc := range cores {
		idle[vc.ID] = true
	}
	for _, d := range m.candidateDomains(idle) {
		_ = d.SetLowestFrequencyUserspace()
	}
}

func (m *Manager) lowerFullyIdleDomains(cores []*topology.VirtualCore) {
	idle := map[uint]bool{}
	for _, vc := range cores {
		idle[vc.ID] = true
	}
	for _, d := range m.candidateDomains(idle) {
		_ = d.ForcePowersave()
	}
}

// candidateDomains returns every domain every one of whose member virtual
// cores is present in idle.
func (m *Manager) candidateDomains(idle map[uint]bool) []*cpufreq.Domain {
	var out []*cpufreq.Domain
	for _, d := range m.freq.Domains() {
		allIdle := true
		for _, vc := range d.VirtualCores() {
			if !idle[vc.ID] {
				allIdle = false
				break
			}
		}
		if allIdle && len(d.VirtualCores()) > 0 {
			out = append(out, d)
		}
	}
	return out
}
