// Package manager implements the AdaptiveManager: it samples a running
// worker farm, evaluates a throughput/utilization contract, and on
// violation searches for and applies a new (activeWorkers, frequency)
// configuration through the topology/cpufreq/energy/task substrate. Its
// sampling-thread-plus-mutex shape follows the teacher's scaling manager
// (internal/scaling/manager.go): one dedicated goroutine owns the sampling
// cadence, a single mutex guards the stop flag, and reconfiguration runs
// to completion without being interruptible mid-drain.
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/DanieleDeSensi/mammut/pkg/config"
	"github.com/DanieleDeSensi/mammut/pkg/cpufreq"
	"github.com/DanieleDeSensi/mammut/pkg/energy"
	"github.com/DanieleDeSensi/mammut/pkg/errs"
	"github.com/DanieleDeSensi/mammut/pkg/farm"
	"github.com/DanieleDeSensi/mammut/pkg/topology"
	"github.com/DanieleDeSensi/mammut/pkg/voltage"
)

// State is one point in the manager's lifecycle.
type State int

const (
	StateInitialized State = iota
	StateMappingApplied
	StateSampling
	StateReconfiguring
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateMappingApplied:
		return "MappingApplied"
	case StateSampling:
		return "Sampling"
	case StateReconfiguring:
		return "Reconfiguring"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// placedNode is one farm node together with the virtual core (if any) it
// has been pinned to by the mapping policy.
type placedNode struct {
	node farm.Node
	role string // "emitter", "worker", "collector"
	vc   *topology.VirtualCore
}

// Manager is the adaptive farm manager: sampling loop, contract
// evaluation, configuration search, and the reconfiguration protocol.
type Manager struct {
	log    logr.Logger
	topo   *topology.Topology
	freq   *cpufreq.CpuFreq
	en     *energy.Energy
	f      farm.Farm
	params config.Parameters
	vtable *voltage.Table
	obs    farm.Observer

	stateMu sync.Mutex
	state   State

	stopMu sync.Mutex
	stop   bool
	wg     sync.WaitGroup

	cfgMu sync.Mutex
	cfg   farm.Configuration

	// mapping is the ordered list of target virtual cores (V in §4.4.2),
	// and the placement of emitter/worker/collector nodes onto it.
	mapping    []*topology.VirtualCore
	emitter    *placedNode
	collector  *placedNode
	workers    []*placedNode // length == MaxWorkers, in V order
	workerDom  *cpufreq.Domain
	sensitiveDom *cpufreq.Domain

	window samplingWindow
}

// New validates params against the discovered capabilities, computes the
// initial mapping, and returns a Manager ready for Start. vtable may be
// nil unless params.FrequencyStrategy is powerConservative.
func New(topo *topology.Topology, freq *cpufreq.CpuFreq, en *energy.Energy, f farm.Farm, params config.Parameters, vtable *voltage.Table, obs farm.Observer, log logr.Logger) (*Manager, error) {
	caps := deriveCapabilities(topo, freq)
	if err := config.Validate(params, caps); err != nil {
		return nil, err
	}
	if params.FrequencyStrategy == config.FreqPowerConservative && vtable == nil {
		return nil, errs.NewConfig("manager.New", errs.ConfigSubVoltageFileNeeded, fmt.Errorf("powerConservative strategy requires a loaded voltage table"))
	}
	if obs == nil {
		obs = farm.NopObserver{}
	}

	m := &Manager{
		log:    log,
		topo:   topo,
		freq:   freq,
		en:     en,
		f:      f,
		params: params,
		vtable: vtable,
		obs:    obs,
		state:  StateInitialized,
	}

	if err := m.applyMapping(); err != nil {
		return nil, err
	}
	m.setState(StateMappingApplied)

	initialFreq := uint64(0)
	if params.FrequencyStrategy != config.FreqNone && m.workerDom != nil {
		if f0, err := m.workerDom.CurrentFrequency(); err == nil {
			initialFreq = f0
		}
	}
	// The manager is constructed once the farm's full worker set is
	// already running, so its bookkeeping starts at maxWorkers, not 1.
	m.cfg = farm.Configuration{NumWorkers: m.f.MaxWorkers(), FrequencyKHz: initialFreq}

	return m, nil
}

func deriveCapabilities(topo *topology.Topology, freq *cpufreq.CpuFreq) config.Capabilities {
	caps := config.Capabilities{}
	hasHotplug := false
	for _, vc := range topo.VirtualCores() {
		if vc.IsHotPluggable() {
			hasHotplug = true
			break
		}
	}
	caps.SupportsHotplug = hasHotplug

	domains := freq.Domains()
	if len(domains) > 0 {
		caps.HwLowerKHz, caps.HwUpperKHz = domains[0].HardwareFrequencyBounds()
	}
	for _, d := range domains {
		for _, g := range d.AvailableGovernors() {
			if g == cpufreq.GovernorUserspace {
				caps.SupportsUserspace = true
			}
			if g == cpufreq.GovernorPowersave {
				caps.SupportsPowersave = true
			}
		}
	}
	caps.DisjointDomainExists = len(domains) > 1
	return caps
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.state = s
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Configuration returns the manager's current (numWorkers, frequency).
func (m *Manager) Configuration() farm.Configuration {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.cfg
}

// Start launches the farm at the initial configuration and begins the
// sampling loop on a dedicated goroutine.
func (m *Manager) Start() error {
	m.en.StartRefresher()
	if err := m.f.RunThenFreeze(m.cfg.NumWorkers); err != nil {
		return errs.New("Manager.Start", errs.Fatal, err)
	}
	m.setState(StateSampling)
	m.window = newSamplingWindow(m.params.NumSamples)
	m.window.discard = m.params.SamplesToDiscard

	m.wg.Add(1)
	go m.samplingLoop()
	return nil
}

// Stop signals the sampling loop to exit on its next wake and joins it.
func (m *Manager) Stop() {
	m.stopMu.Lock()
	m.stop = true
	m.stopMu.Unlock()
	m.wg.Wait()
	m.en.StopRefresher()
	m.setState(StateStopped)
}

func (m *Manager) stopRequested() bool {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	return m.stop
}

func (m *Manager) samplingLoop() {
	defer m.wg.Done()
	interval := time.Duration(m.params.SamplingIntervalSec * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	for {
		if m.stopRequested() {
			return
		}
		time.Sleep(interval)
		if m.stopRequested() {
			return
		}

		sample, allAlive := m.collectSample()
		if !allAlive {
			m.log.Info("a worker thread terminated, stopping sampling loop")
			return
		}

		m.window.add(sample)
		if !m.window.ready() {
			continue
		}

		avgBandwidth, avgUtilization := m.window.averages(m.params.SamplingIntervalSec)
		m.obs.OnSample(avgBandwidth, avgUtilization)

		violated, reason := m.contractViolated(avgBandwidth, avgUtilization)
		if !violated {
			continue
		}
		m.obs.OnContractViolation(reason)

		next, err := m.searchConfiguration(avgBandwidth, avgUtilization)
		if err != nil {
			m.log.Error(err, "configuration search failed")
			continue
		}
		cur := m.Configuration()
		if next.Equal(cur) {
			continue
		}
		if err := m.reconfigure(cur, next); err != nil {
			m.log.Error(err, "reconfiguration failed, stopping manager")
			return
		}
		m.window = newSamplingWindow(m.params.NumSamples)
		m.window.discard = m.params.SamplesToDiscard
	}
}

// collectSample pulls-and-resets every active worker's load/throughput
// plus used/unused per-CPU energy (§4.4.4 steps 1-2). allAlive is false
// if any active worker has terminated.
func (m *Manager) collectSample() (rawSample, bool) {
	cfg := m.Configuration()
	var s rawSample
	for i := uint(0); i < cfg.NumWorkers; i++ {
		w := m.workers[i]
		smp, err := w.node.GetAndResetSample()
		if err != nil || !smp.Alive {
			return s, false
		}
		s.loads = append(s.loads, smp.LoadPercent)
		s.tasks += smp.TasksCount
	}

	usedCpus, unusedCpus := m.usedAndUnusedCpuIDs(cfg.NumWorkers)
	for _, id := range usedCpus {
		if c, err := m.en.CounterByCpuID(id); err == nil {
			j := c.ReadComponents()
			s.usedJoules += float64(j.Package)
			c.Reset()
		}
	}
	for _, id := range unusedCpus {
		if c, err := m.en.CounterByCpuID(id); err == nil {
			j := c.ReadComponents()
			s.unusedJoules += float64(j.Package)
			c.Reset()
		}
	}
	return s, true
}

func (m *Manager) usedAndUnusedCpuIDs(numWorkers uint) (used, unused []uint) {
	seenUsed := map[uint]bool{}
	for i := uint(0); i < numWorkers && i < uint(len(m.workers)); i++ {
		if vc := m.workers[i].vc; vc != nil {
			seenUsed[vc.CpuID()] = true
		}
	}
	if m.emitter != nil && m.emitter.vc != nil {
		seenUsed[m.emitter.vc.CpuID()] = true
	}
	if m.collector != nil && m.collector.vc != nil {
		seenUsed[m.collector.vc.CpuID()] = true
	}
	for _, cpu := range m.topo.Cpus() {
		if seenUsed[cpu.ID] {
			used = append(used, cpu.ID)
		} else {
			unused = append(unused, cpu.ID)
		}
	}
	return used, unused
}
