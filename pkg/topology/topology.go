// Package topology enumerates and represents the machine's CPU / physical
// core / virtual core tree, exposing hot-plug and idle-level control.
package topology

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/utils/cpuset"

	"github.com/DanieleDeSensi/mammut/internal/sysfs"
	"github.com/DanieleDeSensi/mammut/pkg/errs"
)

// IdleLevel describes one C-state-like idle level exposed by a virtual core.
type IdleLevel struct {
	Name            string
	Desc            string
	ExitLatencyUs   uint64
	ConsumedPowerMW uint64
	timeUs          uint64
	count           uint64
	enabled         bool

	root  sysfs.Root
	osID  uint
	index int
}

func idleStateFile(index int, leaf string) string {
	return fmt.Sprintf("cpuidle/state%d/%s", index, leaf)
}

// IsEnabled reports the cached enabled bit; Refresh() re-reads it from disk.
func (l *IdleLevel) IsEnabled() bool { return l.enabled }

// Enable turns the idle level on, failing with Unsupported if the platform
// forbids it (e.g. the disable file is absent or read-only).
func (l *IdleLevel) Enable() error {
	if err := l.root.WriteString(l.osID, idleStateFile(l.index, "disable"), "0"); err != nil {
		return errs.New("IdleLevel.Enable", errs.Unsupported, err)
	}
	l.enabled = true
	return nil
}

// Disable turns the idle level off.
func (l *IdleLevel) Disable() error {
	if err := l.root.WriteString(l.osID, idleStateFile(l.index, "disable"), "1"); err != nil {
		return errs.New("IdleLevel.Disable", errs.Unsupported, err)
	}
	l.enabled = false
	return nil
}

// GetTime returns the cumulative time in microseconds this level has been
// resident, as last read.
func (l *IdleLevel) GetTime() uint64 { return l.timeUs }

// GetCount returns the cumulative number of entries into this level.
func (l *IdleLevel) GetCount() uint64 { return l.count }

// Reset zeroes the cached time/count. No baseline is kept: the next
// Refresh stores the cumulative sysfs values again, not a delta from the
// Reset.
func (l *IdleLevel) Reset() {
	l.timeUs = 0
	l.count = 0
}

// Refresh re-reads time/usage/enabled from sysfs.
func (l *IdleLevel) Refresh() error {
	t, err := l.root.ReadUint(l.osID, idleStateFile(l.index, "time"))
	if err != nil {
		return errs.New("IdleLevel.Refresh", errs.Unsupported, err)
	}
	c, err := l.root.ReadUint(l.osID, idleStateFile(l.index, "usage"))
	if err != nil {
		return errs.New("IdleLevel.Refresh", errs.Unsupported, err)
	}
	disabled, err := l.root.ReadString(l.osID, idleStateFile(l.index, "disable"))
	if err == nil {
		l.enabled = disabled == "0"
	}
	l.timeUs = t
	l.count = c
	return nil
}

// VirtualCore is a single OS-schedulable execution context (SMT thread).
type VirtualCore struct {
	ID             uint // dense, stable, globally unique topology id
	osID           uint // actual sysfs "cpuN" directory number
	physicalCoreID uint
	cpuID          uint

	hotPluggable bool
	plugged      bool

	IdleLevels []*IdleLevel

	root   sysfs.Root
	mu     sync.Mutex
	spinCh chan struct{}
}

// CpuID returns the owning Cpu's dense id.
func (v *VirtualCore) CpuID() uint { return v.cpuID }

// OsID returns the real sysfs "cpuN" directory number backing this
// virtual core, used by packages that talk to the same sysfs root.
func (v *VirtualCore) OsID() uint { return v.osID }

// PhysicalCoreID returns the owning PhysicalCore's dense id.
func (v *VirtualCore) PhysicalCoreID() uint { return v.physicalCoreID }

// IsHotPluggable reports whether this virtual core supports offline/online.
func (v *VirtualCore) IsHotPluggable() bool { return v.hotPluggable }

// IsHotPlugged reports the cached online/offline state.
func (v *VirtualCore) IsHotPlugged() bool { return v.plugged }

// Equal reports identifier equality; meaningful only within one Topology.
func (v *VirtualCore) Equal(other *VirtualCore) bool {
	return other != nil && v.ID == other.ID
}

// HotPlug brings the virtual core online. Idempotent.
func (v *VirtualCore) HotPlug() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hotPluggable {
		return errs.New("VirtualCore.HotPlug", errs.Unsupported, fmt.Errorf("cpu%d is not hot-pluggable", v.ID))
	}
	if err := v.root.WriteString(v.osID, "online", "1"); err != nil {
		return errs.New("VirtualCore.HotPlug", errs.Fatal, err)
	}
	v.plugged = true
	return nil
}

// HotUnplug takes the virtual core offline. Idempotent. Unplugging the
// last online virtual core of a CPU is not prevented here.
func (v *VirtualCore) HotUnplug() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hotPluggable {
		return errs.New("VirtualCore.HotUnplug", errs.Unsupported, fmt.Errorf("cpu%d is not hot-pluggable", v.ID))
	}
	if err := v.root.WriteString(v.osID, "online", "0"); err != nil {
		return errs.New("VirtualCore.HotUnplug", errs.Fatal, err)
	}
	v.plugged = false
	return nil
}

// MaximizeUtilization starts a bound spinner goroutine pinned (logically)
// to this virtual core until ResetUtilization is called. It is used to
// bias power measurements and to verify frequency governors under load.
func (v *VirtualCore) MaximizeUtilization() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.spinCh != nil {
		return
	}
	stop := make(chan struct{})
	v.spinCh = stop
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
		}
	}()
}

// ResetUtilization stops the spinner started by MaximizeUtilization, if any.
func (v *VirtualCore) ResetUtilization() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.spinCh != nil {
		close(v.spinCh)
		v.spinCh = nil
	}
}

// PhysicalCore owns a non-empty subset of a Cpu's virtual cores that share
// an L1/L2 cache and execution core.
type PhysicalCore struct {
	ID           uint
	cpuID        uint
	virtualCores []*VirtualCore
}

// VirtualCores returns the physical core's virtual cores, never empty.
func (p *PhysicalCore) VirtualCores() []*VirtualCore { return p.virtualCores }

// Cpu is one NUMA/socket package, owning physical cores which own virtual
// cores. Identifiers are dense and stable for the topology's lifetime.
type Cpu struct {
	ID            uint
	physicalCores []*PhysicalCore
	virtualCores  []*VirtualCore // flattened, same order as discovery
}

// PhysicalCores returns this Cpu's physical cores.
func (c *Cpu) PhysicalCores() []*PhysicalCore { return c.physicalCores }

// VirtualCores returns every virtual core belonging to this Cpu, the union
// over its physical cores.
func (c *Cpu) VirtualCores() []*VirtualCore { return c.virtualCores }

// Topology is the discovered, owning tree of Cpu/PhysicalCore/VirtualCore.
type Topology struct {
	log  logr.Logger
	root sysfs.Root

	cpus         []*Cpu
	virtualCores []*VirtualCore // flattened across all CPUs, indexed by ID
}

// Cpus returns every discovered Cpu.
func (t *Topology) Cpus() []*Cpu { return t.cpus }

// VirtualCores returns every discovered virtual core, indexed by ID.
func (t *Topology) VirtualCores() []*VirtualCore { return t.virtualCores }

// VirtualCoreByID looks up a virtual core by its dense id.
func (t *Topology) VirtualCoreByID(id uint) (*VirtualCore, error) {
	if id >= uint(len(t.virtualCores)) {
		return nil, errs.New("Topology.VirtualCoreByID", errs.NotFound, fmt.Errorf("no virtual core %d", id))
	}
	return t.virtualCores[id], nil
}

// CpuSet returns the cpuset.CPUSet containing exactly the given virtual
// cores, used by callers that hand affinity sets to task.Handle or to the
// OS scheduler.
func CpuSet(cores []*VirtualCore) cpuset.CPUSet {
	ids := make([]int, 0, len(cores))
	for _, c := range cores {
		ids = append(ids, int(c.osID))
	}
	return cpuset.New(ids...)
}

// discoveryInfo is what a topology source (real sysfs, or a test double)
// must report per discovered virtual core, mirroring the teacher's
// GetFromLscpu-driven discovery in host.go but generalized past x86 lscpu
// parsing into a pluggable source.
type discoveryInfo struct {
	cpuID          uint // dense package/socket id this virtual core belongs to
	osID           uint // actual sysfs "cpuN" directory number
	physicalCoreID uint
	hotPluggable   bool
	plugged        bool
	idleLevelNames []string
}

// Enumerate discovers the machine topology rooted at sysfsRoot (an empty
// string selects the real /sys/devices/system/cpu). This mirrors the
// teacher's initHost/discoverTopology flow but is generalized into a single
// tree builder instead of being entangled with Pool bookkeeping.
func Enumerate(sysfsRoot string, log logr.Logger) (*Topology, error) {
	root := sysfs.NewRoot(sysfsRoot)
	infos, err := discoverVirtualCores(root)
	if err != nil {
		return nil, errs.New("Enumerate", errs.Fatal, err)
	}

	t := &Topology{log: log, root: root}
	cpusByID := map[uint]*Cpu{}
	coresByKey := map[[2]uint]*PhysicalCore{}

	for _, info := range infos {
		cpu, ok := cpusByID[info.cpuID]
		if !ok {
			cpu = &Cpu{ID: info.cpuID}
			cpusByID[info.cpuID] = cpu
			t.cpus = append(t.cpus, cpu)
		}
		key := [2]uint{info.cpuID, info.physicalCoreID}
		pcore, ok := coresByKey[key]
		if !ok {
			pcore = &PhysicalCore{ID: info.physicalCoreID, cpuID: info.cpuID}
			coresByKey[key] = pcore
			cpu.physicalCores = append(cpu.physicalCores, pcore)
		}

		vc := &VirtualCore{
			osID:           info.osID,
			physicalCoreID: info.physicalCoreID,
			cpuID:          info.cpuID,
			hotPluggable:   info.hotPluggable,
			plugged:        info.plugged,
			root:           root,
		}
		for i, name := range info.idleLevelNames {
			vc.IdleLevels = append(vc.IdleLevels, &IdleLevel{
				Name:    name,
				root:    root,
				osID:    vc.osID,
				index:   i,
				enabled: true,
			})
		}
		pcore.virtualCores = append(pcore.virtualCores, vc)
		cpu.virtualCores = append(cpu.virtualCores, vc)
	}

	// Assign final dense, globally unique virtual core IDs in discovery
	// order. osID (the real sysfs "cpuN" number) was already fixed above.
	id := uint(0)
	for _, cpu := range t.cpus {
		for _, vc := range cpu.virtualCores {
			vc.ID = id
			t.virtualCores = append(t.virtualCores, vc)
			id++
		}
	}

	log.Info("discovered topology", "cpus", len(t.cpus), "virtualCores", len(t.virtualCores))
	return t, nil
}
