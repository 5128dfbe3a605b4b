// Package farm defines the runtime contract the AdaptiveManager requires
// from a pipelined worker farm: an optional emitter, an ordered slice of
// worker nodes, and an optional collector, each exposing the primitives
// needed to sample load, drain in-flight work, and rebalance on a
// worker-count change. The manager never touches a farm's internal
// queues directly — it only calls through this interface, mirroring how
// the teacher's PowerProfile never reaches into kubelet internals and
// instead goes through the Host/cpuController seam.
package farm

import (
	"sync"

	"github.com/DanieleDeSensi/mammut/pkg/task"
)

// Sample is one node's load/throughput reading since its last reset.
type Sample struct {
	LoadPercent float64
	TasksCount  uint64
	Alive       bool
}

// JoulesCpu mirrors energy.JoulesCpu to avoid a farm->energy import cycle;
// callers populate it from an energy.Energy reading.
type JoulesCpu struct {
	Package, Cores, Graphics, Dram float64
}

// Node is one pipeline stage (emitter, a worker, or the collector).
type Node interface {
	// ThreadHandle returns a stable TaskHandle once the node's service
	// function has been invoked at least once. Before that it is NotFound.
	ThreadHandle() (*task.Handle, error)
	// GetAndResetSample returns load/throughput since the last reset and
	// atomically rearms the counters.
	GetAndResetSample() (Sample, error)
	// ProduceNull requests that this node's next emitted item be a
	// sentinel that drains everything downstream of it.
	ProduceNull() error
	// NotifyWorkersChange informs the node that the active worker count
	// is moving from oldN to newN so it can rebalance any shared state
	// (e.g. a round-robin cursor). Per the chosen Open Question variant,
	// this is called only on nodes present in the new configuration.
	NotifyWorkersChange(oldN, newN uint) error
}

// Farm is the pipeline-level contract: start/stop and drain-freeze.
type Farm interface {
	// Emitter returns the farm's emitter node, or nil if the farm has
	// none (workers pull tasks directly).
	Emitter() Node
	// Collector returns the farm's collector node, or nil.
	Collector() Node
	// Worker returns worker index i (0-based) among the farm's declared
	// maxWorkers slots; a slot beyond the currently active count is
	// still addressable so the manager can pin/activate it.
	Worker(i uint) Node
	// MaxWorkers is the farm's static slot count, fixed at construction.
	MaxWorkers() uint
	// RunThenFreeze (re)starts the farm with exactly n active workers and
	// runs it until the next freeze point.
	RunThenFreeze(n uint) error
	// WaitFreezing blocks until every active worker has frozen following
	// a drain (a ProduceNull sentinel reaching it).
	WaitFreezing() error
}

// Observer is notified of manager lifecycle events; supplements the
// core contract so external code (logging, metrics, demos) can watch
// reconfiguration decisions without polling the manager's state.
type Observer interface {
	OnSample(avgBandwidth, avgUtilization float64)
	OnReconfigure(oldWorkers, newWorkers uint, oldFreqKHz, newFreqKHz uint64)
	OnContractViolation(reason string)
}

// NopObserver implements Observer with no-ops; embed or use directly as
// the default when the caller supplies none.
type NopObserver struct{}

func (NopObserver) OnSample(float64, float64)                   {}
func (NopObserver) OnReconfigure(uint, uint, uint64, uint64)     {}
func (NopObserver) OnContractViolation(string)                  {}

// MultiObserver fans a single event out to several observers, guarding
// each call with its own mutex so concurrent sampling and reconfiguration
// notifications never interleave within one observer.
type MultiObserver struct {
	mu        sync.Mutex
	observers []Observer
}

// NewMultiObserver builds a MultiObserver wrapping obs.
func NewMultiObserver(obs ...Observer) *MultiObserver {
	return &MultiObserver{observers: obs}
}

func (m *MultiObserver) Add(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *MultiObserver) OnSample(avgBandwidth, avgUtilization float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.observers {
		o.OnSample(avgBandwidth, avgUtilization)
	}
}

func (m *MultiObserver) OnReconfigure(oldWorkers, newWorkers uint, oldFreqKHz, newFreqKHz uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.observers {
		o.OnReconfigure(oldWorkers, newWorkers, oldFreqKHz, newFreqKHz)
	}
}

func (m *MultiObserver) OnContractViolation(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.observers {
		o.OnContractViolation(reason)
	}
}

// Configuration is the manager's controllable state: how many workers are
// active and at what frequency (meaningful only when a frequency strategy
// other than none is in effect).
type Configuration struct {
	NumWorkers   uint
	FrequencyKHz uint64
}

func (c Configuration) Equal(other Configuration) bool {
	return c.NumWorkers == other.NumWorkers && c.FrequencyKHz == other.FrequencyKHz
}
