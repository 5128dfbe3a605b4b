// Package task provides TaskHandle, an opaque weakly-owned reference to a
// running thread that supports affinity moves and priority changes —
// the only capability the AdaptiveManager needs from the task layer.
// Affinity/priority syscalls follow the golang.org/x/sys/unix usage
// pattern from the AMDEPYC fork's perf_event_client.go.
package task

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"k8s.io/utils/cpuset"

	"github.com/DanieleDeSensi/mammut/pkg/errs"
)

// Handle is an opaque, weakly-owned reference to an OS thread. Once the
// thread terminates, the handle becomes invalid and every method returns
// a NotFound error; callers must not assume a handle outlives its thread.
type Handle struct {
	tid   int
	alive atomic.Bool
}

// New wraps an OS thread id (as returned by gettid on Linux) into a Handle.
func New(tid int) *Handle {
	h := &Handle{tid: tid}
	h.alive.Store(true)
	return h
}

// Invalidate marks the handle dead; called once the manager learns the
// thread has terminated (e.g. via a farm node reporting !alive).
func (h *Handle) Invalidate() { h.alive.Store(false) }

// IsAlive reports whether the handle is still considered valid.
func (h *Handle) IsAlive() bool { return h.alive.Load() }

func (h *Handle) checkAlive(op string) error {
	if !h.alive.Load() {
		return errs.New(op, errs.NotFound, fmt.Errorf("thread %d has terminated", h.tid))
	}
	return nil
}

// MoveToVirtualCore pins the thread to exactly one virtual core id
// (an OS cpu number, i.e. VirtualCore.OsID()).
func (h *Handle) MoveToVirtualCore(osID uint) error {
	return h.MoveToAffinitySet(cpuset.New(int(osID)))
}

// MoveToAffinitySet pins the thread to the given affinity set.
func (h *Handle) MoveToAffinitySet(set cpuset.CPUSet) error {
	if err := h.checkAlive("Handle.MoveToAffinitySet"); err != nil {
		return err
	}
	var cpuSet unix.CPUSet
	for _, id := range set.List() {
		cpuSet.Set(id)
	}
	if err := unix.SchedSetaffinity(h.tid, &cpuSet); err != nil {
		return errs.New("Handle.MoveToAffinitySet", errs.Fatal, err)
	}
	return nil
}

// AffinitySet returns the thread's current affinity set.
func (h *Handle) AffinitySet() (cpuset.CPUSet, error) {
	if err := h.checkAlive("Handle.AffinitySet"); err != nil {
		return cpuset.CPUSet{}, err
	}
	var cpuSet unix.CPUSet
	if err := unix.SchedGetaffinity(h.tid, &cpuSet); err != nil {
		return cpuset.CPUSet{}, errs.New("Handle.AffinitySet", errs.Fatal, err)
	}
	const maxCpus = 1024 // matches the kernel's CPU_SETSIZE
	ids := make([]int, 0, cpuSet.Count())
	for i := 0; i < maxCpus; i++ {
		if cpuSet.IsSet(i) {
			ids = append(ids, i)
		}
	}
	return cpuset.New(ids...), nil
}

// SetPriority sets the thread's scheduling priority (nice value, -20..19).
func (h *Handle) SetPriority(niceValue int) error {
	if err := h.checkAlive("Handle.SetPriority"); err != nil {
		return err
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, h.tid, niceValue); err != nil {
		return errs.New("Handle.SetPriority", errs.Fatal, err)
	}
	return nil
}

// Priority returns the thread's current nice value.
func (h *Handle) Priority() (int, error) {
	if err := h.checkAlive("Handle.Priority"); err != nil {
		return 0, err
	}
	p, err := unix.Getpriority(unix.PRIO_PROCESS, h.tid)
	if err != nil {
		return 0, errs.New("Handle.Priority", errs.Fatal, err)
	}
	// The raw getpriority(2) syscall on Linux returns 20-niceValue, and
	// unix.Getpriority does not convert it, so undo the offset here.
	return 20 - p, nil
}
