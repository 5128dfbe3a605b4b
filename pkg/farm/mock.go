package farm

import (
	"fmt"
	"sync"

	"github.com/DanieleDeSensi/mammut/pkg/errs"
	"github.com/DanieleDeSensi/mammut/pkg/task"
)

// MockNode is a deterministic Node used by manager tests: samples are
// fed in by the test rather than produced by real service logic.
type MockNode struct {
	mu      sync.Mutex
	handle  *task.Handle
	pending Sample
	alive   bool
	frozen  bool
	nullReq bool
}

// NewMockNode builds a node with the given backing thread id.
func NewMockNode(tid int) *MockNode {
	return &MockNode{handle: task.New(tid), alive: true}
}

func (n *MockNode) ThreadHandle() (*task.Handle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.handle == nil {
		return nil, errs.New("MockNode.ThreadHandle", errs.NotFound, errNoHandle)
	}
	return n.handle, nil
}

// Feed queues the sample GetAndResetSample will return next.
func (n *MockNode) Feed(loadPercent float64, tasksCount uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = Sample{LoadPercent: loadPercent, TasksCount: tasksCount, Alive: n.alive}
}

// Kill marks the node's backing thread terminated; the next sample report
// reports Alive=false and the handle is invalidated.
func (n *MockNode) Kill() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alive = false
	if n.handle != nil {
		n.handle.Invalidate()
	}
}

func (n *MockNode) GetAndResetSample() (Sample, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.pending
	s.Alive = n.alive
	n.pending = Sample{}
	return s, nil
}

func (n *MockNode) ProduceNull() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nullReq = true
	n.frozen = true
	return nil
}

func (n *MockNode) NotifyWorkersChange(oldN, newN uint) error { return nil }

// Frozen reports whether the node has seen a ProduceNull request since
// the last Unfreeze.
func (n *MockNode) Frozen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frozen
}

// Unfreeze clears the frozen/null-requested flags, as RunThenFreeze does
// when it restarts the farm.
func (n *MockNode) Unfreeze() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frozen = false
	n.nullReq = false
}

var errNoHandle = errNoHandleType{}

type errNoHandleType struct{}

func (errNoHandleType) Error() string { return "node has no thread handle yet" }

// MockFarm is a deterministic Farm backed by MockNodes, used by the
// manager's own tests and by callers exercising the manager without a
// real pipeline runtime.
type MockFarm struct {
	mu        sync.Mutex
	emitter   *MockNode
	collector *MockNode
	workers   []*MockNode
	active    uint
}

// NewMockFarm builds a farm with maxWorkers worker slots and optional
// emitter/collector nodes.
func NewMockFarm(maxWorkers uint, withEmitter, withCollector bool) *MockFarm {
	f := &MockFarm{workers: make([]*MockNode, maxWorkers)}
	nextTid := 1
	if withEmitter {
		f.emitter = NewMockNode(nextTid)
		nextTid++
	}
	for i := range f.workers {
		f.workers[i] = NewMockNode(nextTid)
		nextTid++
	}
	if withCollector {
		f.collector = NewMockNode(nextTid)
	}
	return f
}

func (f *MockFarm) Emitter() Node {
	if f.emitter == nil {
		return nil
	}
	return f.emitter
}

func (f *MockFarm) Collector() Node {
	if f.collector == nil {
		return nil
	}
	return f.collector
}

func (f *MockFarm) Worker(i uint) Node {
	if i >= uint(len(f.workers)) {
		return nil
	}
	return f.workers[i]
}

// MockWorker exposes the concrete *MockNode for test setup (Feed/Kill),
// where the Node interface alone isn't enough.
func (f *MockFarm) MockWorker(i uint) *MockNode {
	if i >= uint(len(f.workers)) {
		return nil
	}
	return f.workers[i]
}

func (f *MockFarm) MaxWorkers() uint { return uint(len(f.workers)) }

func (f *MockFarm) RunThenFreeze(n uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = n
	for _, w := range f.workers {
		w.Unfreeze()
	}
	if f.emitter != nil {
		f.emitter.Unfreeze()
	}
	if f.collector != nil {
		f.collector.Unfreeze()
	}
	return nil
}

// WaitFreezing returns once every active worker has been frozen.
// MockNode.ProduceNull freezes synchronously, so by the time a test
// calls WaitFreezing the condition already holds; it only reports an
// error if a test forgot to drain first.
func (f *MockFarm) WaitFreezing() error {
	f.mu.Lock()
	active := f.active
	workers := f.workers
	f.mu.Unlock()
	for i := uint(0); i < active && i < uint(len(workers)); i++ {
		if !workers[i].Frozen() {
			return errs.New("MockFarm.WaitFreezing", errs.Fatal, fmt.Errorf("worker %d never froze", i))
		}
	}
	return nil
}

// ActiveWorkers reports the count passed to the most recent RunThenFreeze.
func (f *MockFarm) ActiveWorkers() uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}
