package manager

import (
	"fmt"

	"github.com/DanieleDeSensi/mammut/pkg/config"
	"github.com/DanieleDeSensi/mammut/pkg/cpufreq"
	"github.com/DanieleDeSensi/mammut/pkg/errs"
	"github.com/DanieleDeSensi/mammut/pkg/topology"
)

// linearMapping computes V per §4.4.2's *linear* policy: first one virtual
// core per physical core, grouped by CPU in CPU-id order, then the second
// virtual core of each physical core, and so on.
func linearMapping(topo *topology.Topology) []*topology.VirtualCore {
	var byDepth [][]*topology.VirtualCore
	maxDepth := 0
	for _, cpu := range topo.Cpus() {
		for _, pcore := range cpu.PhysicalCores() {
			for depth, vc := range pcore.VirtualCores() {
				for len(byDepth) <= depth {
					byDepth = append(byDepth, nil)
				}
				byDepth[depth] = append(byDepth[depth], vc)
				if depth > maxDepth {
					maxDepth = depth
				}
			}
		}
	}
	var v []*topology.VirtualCore
	for _, layer := range byDepth {
		v = append(v, layer...)
	}
	return v
}

// applyMapping computes V and places emitter/workers/collector on it per
// the layout selected by NodesMappingOrder (EWC/WEC/ECW), honoring
// sensitivity requests when a disjoint domain is available.
func (m *Manager) applyMapping() error {
	switch m.params.MappingStrategy {
	case config.MappingNone:
		m.mapping = nil
		return m.placeUnpinned()
	case config.MappingLinear, config.MappingAuto:
		m.mapping = linearMapping(m.topo)
	default:
		return errs.New("Manager.applyMapping", errs.Unsupported, fmt.Errorf("mapping strategy %q not implemented", m.params.MappingStrategy))
	}

	if len(m.mapping) == 0 {
		return errs.New("Manager.applyMapping", errs.Unsupported, fmt.Errorf("topology has no virtual cores to map"))
	}

	maxWorkers := m.f.MaxWorkers()
	hasEmitter := m.f.Emitter() != nil
	hasCollector := m.f.Collector() != nil

	// If V is shorter than the node count, placement wraps around to the
	// start of V and nodes share cores rather than failing outright.
	cursor := 0
	next := func() *topology.VirtualCore {
		vc := m.mapping[cursor%len(m.mapping)]
		cursor++
		return vc
	}

	placeEmitter := func() {
		if hasEmitter {
			m.emitter = &placedNode{node: m.f.Emitter(), role: "emitter", vc: next()}
		}
	}
	placeWorkers := func() {
		m.workers = make([]*placedNode, maxWorkers)
		for i := uint(0); i < maxWorkers; i++ {
			m.workers[i] = &placedNode{node: m.f.Worker(i), role: "worker", vc: next()}
		}
	}
	placeCollector := func() {
		if hasCollector {
			m.collector = &placedNode{node: m.f.Collector(), role: "collector", vc: next()}
		}
	}

	switch m.params.NodesMappingOrder {
	case config.MappingOrderWEC:
		placeWorkers()
		placeEmitter()
		placeCollector()
	case config.MappingOrderECW:
		placeEmitter()
		placeCollector()
		placeWorkers()
	default: // "" and MappingOrderEWC
		placeEmitter()
		placeWorkers()
		placeCollector()
	}

	if len(m.workers) > 0 && m.workers[len(m.workers)-1].vc != nil {
		if d, err := m.freq.DomainOf(m.workers[len(m.workers)-1].vc); err == nil {
			// the workers' domain defaults to whichever domain owns the
			// last worker; refined below once sensitivity is resolved.
			m.workerDom = d
		}
	}

	m.applySensitivity()
	return nil
}

func (m *Manager) placeUnpinned() error {
	maxWorkers := m.f.MaxWorkers()
	if m.f.Emitter() != nil {
		m.emitter = &placedNode{node: m.f.Emitter(), role: "emitter"}
	}
	m.workers = make([]*placedNode, maxWorkers)
	for i := uint(0); i < maxWorkers; i++ {
		m.workers[i] = &placedNode{node: m.f.Worker(i), role: "worker"}
	}
	if m.f.Collector() != nil {
		m.collector = &placedNode{node: m.f.Collector(), role: "collector"}
	}
	return nil
}

// applySensitivity tries to relocate the emitter/collector onto a
// frequency domain disjoint from the workers' domain, pinned to
// performance (or userspace@max as fallback). If no disjoint domain
// exists the request is silently dropped and the node stays on its
// mapped slot, per §4.4.2. The collector only moves when MigrateCollector
// is set; otherwise it keeps the virtual core its layout assigned it,
// even if sensitiveCollector was requested.
func (m *Manager) applySensitivity() {
	if !m.params.SensitiveEmitter && !m.params.SensitiveCollector {
		return
	}
	disjoint := m.findDisjointDomain(m.workerDom)
	if disjoint == nil {
		return
	}
	if err := disjoint.ForcePerformance(); err != nil {
		return
	}
	rep := disjoint.VirtualCores()[0]
	if m.params.SensitiveEmitter && m.emitter != nil {
		m.emitter.vc = rep
	}
	if m.params.SensitiveCollector && m.params.MigrateCollector && m.collector != nil {
		m.collector.vc = rep
	}
	m.sensitiveDom = disjoint
}

// reapplySensitivityForReconfigure re-derives the workers' domain from the
// configuration about to take effect and re-runs sensitivity placement, so
// the emitter (always) and the collector (only when MigrateCollector is
// set) track that domain across a reconfiguration, not just at startup.
// This is the migrateCollector behavior the original documents as applying
// "when a reconfiguration occurs", not only at the initial mapping.
func (m *Manager) reapplySensitivityForReconfigure(newNumWorkers uint) {
	if !m.params.SensitiveEmitter && !m.params.SensitiveCollector {
		return
	}
	if d := m.domainOfActiveWorkers(newNumWorkers); d != nil {
		m.workerDom = d
	}
	m.applySensitivity()
}

// domainOfActiveWorkers returns the frequency domain of the first of the n
// workers about to be active, or nil if none can be resolved.
func (m *Manager) domainOfActiveWorkers(n uint) *cpufreq.Domain {
	for i := uint(0); i < n && i < uint(len(m.workers)); i++ {
		vc := m.workers[i].vc
		if vc == nil {
			continue
		}
		if d, err := m.freq.DomainOf(vc); err == nil {
			return d
		}
	}
	return nil
}

func (m *Manager) findDisjointDomain(workerDom *cpufreq.Domain) *cpufreq.Domain {
	for _, d := range m.freq.Domains() {
		if d != workerDom {
			return d
		}
	}
	return nil
}
