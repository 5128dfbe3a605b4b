package manager

import (
	"fmt"

	"github.com/DanieleDeSensi/mammut/pkg/config"
	"github.com/DanieleDeSensi/mammut/pkg/cpufreq"
	"github.com/DanieleDeSensi/mammut/pkg/errs"
	"github.com/DanieleDeSensi/mammut/pkg/farm"
)

// reconfigure applies next when it differs from cur, implementing the
// eight steps of §4.4.7. A failed move or applyFrequency is Fatal and
// aborts the manager, per §7's propagation policy.
func (m *Manager) reconfigure(cur, next farm.Configuration) error {
	m.setState(StateReconfiguring)
	defer m.setState(StateSampling)

	var rollbacks []rollbackEntry
	if m.params.FastReconfiguration {
		rollbacks = m.forcePerformanceEverywhere()
	}

	m.reapplySensitivityForReconfigure(next.NumWorkers)

	sensitivityMayHaveMoved := m.params.SensitiveEmitter || (m.params.SensitiveCollector && m.params.MigrateCollector)
	if next.NumWorkers > cur.NumWorkers || sensitivityMayHaveMoved {
		if err := m.repinAll(); err != nil {
			return err
		}
	}

	if err := m.drainAndResume(next.NumWorkers); err != nil {
		return err
	}

	m.applyUnusedCorePolicy(next.NumWorkers)

	if m.params.FrequencyStrategy != config.FreqNone {
		if err := m.applyFrequency(next.FrequencyKHz); err != nil {
			return err
		}
	}

	if m.params.FastReconfiguration {
		m.rollbackScaledDomains(rollbacks, next.FrequencyKHz)
	}

	m.cfgMu.Lock()
	m.cfg = next
	m.cfgMu.Unlock()
	m.obs.OnReconfigure(cur.NumWorkers, next.NumWorkers, cur.FrequencyKHz, next.FrequencyKHz)
	return nil
}

type rollbackEntry struct {
	domain *cpufreq.Domain
	point  cpufreq.RollbackPoint
}

// forcePerformanceEverywhere snapshots every domain touching V and forces
// it to performance (or userspace@max), per §4.4.7 step 1.
func (m *Manager) forcePerformanceEverywhere() []rollbackEntry {
	seen := map[uint]bool{}
	var out []rollbackEntry
	for _, vc := range m.mapping {
		d, err := m.freq.DomainOf(vc)
		if err != nil || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, rollbackEntry{domain: d, point: d.Snapshot()})
		if err := d.ForcePerformance(); err != nil {
			m.log.V(1).Info("forcePerformance failed during fastReconfiguration", "domain", d.ID, "err", err)
		}
	}
	return out
}

// rollbackScaledDomains restores every snapshotted domain, except that
// the explicit applyFrequency(next) step already overrode the worker
// domain's rollback, per §4.4.7 step 8.
func (m *Manager) rollbackScaledDomains(entries []rollbackEntry, appliedFreq uint64) {
	for _, e := range entries {
		if m.workerDom != nil && e.domain.ID == m.workerDom.ID && appliedFreq != 0 {
			continue
		}
		if err := e.domain.Rollback(e.point); err != nil {
			m.log.Error(err, "rollback after fastReconfiguration failed", "domain", e.domain.ID)
		}
	}
}

// repinAll re-pins every node to its mapping slot, because a previously
// off'd virtual core may have drifted (its thread migrated by the OS
// while offline), per §4.4.7 step 2's n'>n branch.
func (m *Manager) repinAll() error {
	allNodes := m.allPlacedNodes()
	for _, pn := range allNodes {
		if pn.vc == nil {
			continue
		}
		if !pn.vc.IsHotPlugged() && pn.vc.IsHotPluggable() {
			if err := pn.vc.HotPlug(); err != nil {
				return errs.New("Manager.repinAll", errs.Fatal, err)
			}
		}
		h, err := pn.node.ThreadHandle()
		if err != nil {
			continue // node not started yet, nothing to pin
		}
		if err := h.MoveToVirtualCore(pn.vc.OsID()); err != nil {
			return errs.New("Manager.repinAll", errs.Fatal, err)
		}
	}
	return nil
}

func (m *Manager) allPlacedNodes() []*placedNode {
	var out []*placedNode
	if m.emitter != nil {
		out = append(out, m.emitter)
	}
	out = append(out, m.workers...)
	if m.collector != nil {
		out = append(out, m.collector)
	}
	return out
}

// drainAndResume implements §4.4.7 steps 2 (the n'<n half), 4, 5, 6: move
// workers to/from the inactive list, drain via a sentinel, notify nodes
// present in the new configuration, and restart with exactly n' workers.
func (m *Manager) drainAndResume(newN uint) error {
	if emitter := m.f.Emitter(); emitter != nil {
		if err := emitter.ProduceNull(); err != nil {
			return errs.New("Manager.drainAndResume", errs.Fatal, err)
		}
	} else {
		cur := m.Configuration()
		for i := uint(0); i < cur.NumWorkers && i < uint(len(m.workers)); i++ {
			if err := m.workers[i].node.ProduceNull(); err != nil {
				return errs.New("Manager.drainAndResume", errs.Fatal, err)
			}
		}
	}
	if err := m.f.WaitFreezing(); err != nil {
		return errs.New("Manager.drainAndResume", errs.Fatal, err)
	}

	cur := m.Configuration()
	if err := m.notifyNewConfiguration(cur.NumWorkers, newN); err != nil {
		return err
	}

	if err := m.f.RunThenFreeze(newN); err != nil {
		return errs.New("Manager.drainAndResume", errs.Fatal, err)
	}
	return nil
}

// notifyNewConfiguration calls NotifyWorkersChange on every node present
// in the new configuration (emitter, the newN workers, collector), per
// the chosen Open Question variant: old workers being removed are not
// notified.
func (m *Manager) notifyNewConfiguration(oldN, newN uint) error {
	notify := func(n farm.Node) error {
		if n == nil {
			return nil
		}
		return n.NotifyWorkersChange(oldN, newN)
	}
	if err := notify(m.f.Emitter()); err != nil {
		return errs.New("Manager.notifyNewConfiguration", errs.Fatal, err)
	}
	for i := uint(0); i < newN && i < uint(len(m.workers)); i++ {
		if err := notify(m.workers[i].node); err != nil {
			return errs.New("Manager.notifyNewConfiguration", errs.Fatal, err)
		}
	}
	if err := notify(m.f.Collector()); err != nil {
		return errs.New("Manager.notifyNewConfiguration", errs.Fatal, err)
	}
	return nil
}

// applyFrequency implements §4.4.7 step 8's non-fastReconfiguration path:
// apply f' to the workers' domain (explicit frequency for strategies that
// drive userspace, or governor bounds for strategy=os).
func (m *Manager) applyFrequency(freqKHz uint64) error {
	if m.workerDom == nil {
		return errs.New("Manager.applyFrequency", errs.Unsupported, fmt.Errorf("no worker frequency domain discovered"))
	}
	if m.params.FrequencyStrategy == config.FreqOS {
		if m.params.Governor != "" {
			g, err := cpufreq.ParseGovernor(m.params.Governor)
			if err != nil {
				return errs.New("Manager.applyFrequency", errs.Fatal, err)
			}
			if err := m.workerDom.SetGovernor(g); err != nil {
				return errs.New("Manager.applyFrequency", errs.Fatal, err)
			}
		}
		return nil
	}
	if m.workerDom.CurrentGovernor() != cpufreq.GovernorUserspace {
		if err := m.workerDom.SetGovernor(cpufreq.GovernorUserspace); err != nil {
			return errs.New("Manager.applyFrequency", errs.Fatal, err)
		}
	}
	if err := m.workerDom.SetFrequencyUserspace(freqKHz); err != nil {
		return errs.New("Manager.applyFrequency", errs.Fatal, err)
	}
	return nil
}
