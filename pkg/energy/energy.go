// Package energy reads per-package RAPL-style energy counters, offers a
// plug-meter fallback, and applies per-socket power caps. The background
// refresher goroutine and its wrap-handling follow the teacher's
// dpdkTelemetryConnection delta-computation idiom (internal/scaling
// dpdk_client.go), generalized from DPDK cycle counters to RAPL
// microjoule counters.
package energy

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/DanieleDeSensi/mammut/internal/sysfs"
	"github.com/DanieleDeSensi/mammut/pkg/errs"
	"github.com/DanieleDeSensi/mammut/pkg/topology"
)

// Joules is an accumulated energy value.
type Joules float64

// JoulesCpu bundles the four sub-counters a CPU package may expose.
type JoulesCpu struct {
	Package  Joules
	Cores    Joules
	Graphics Joules
	Dram     Joules
}

const (
	packageFile  = "energy_uj"
	coresFile    = "cores_energy_uj"
	graphicsFile = "graphics_energy_uj"
	dramFile     = "dram_energy_uj"
	maxRangeFile = "max_energy_range_uj"
)

func socketDir(socketID uint) string {
	return fmt.Sprintf("socket%d", socketID)
}

// rawCounter tracks one hardware microjoule counter's wrap-handling
// state: the last raw sample and the accumulated (unwrapped) total.
type rawCounter struct {
	have       bool
	lastRaw    uint64
	maxRange   uint64
	accumUj    uint64 // accumulated across wraps, excludes lastRaw's own value
}

// update folds a new raw reading into the accumulator, detecting wraps
// the same way handleUsage folds DPDK's cumulative cycle counters, except
// here a "going backwards" raw value means the hardware counter wrapped
// rather than a reset.
func (c *rawCounter) update(raw uint64) {
	if !c.have {
		c.have = true
		c.lastRaw = raw
		return
	}
	if raw >= c.lastRaw {
		c.accumUj += raw - c.lastRaw
	} else if c.maxRange > 0 {
		c.accumUj += (c.maxRange - c.lastRaw) + raw
	}
	c.lastRaw = raw
}

func (c *rawCounter) joules() Joules {
	return Joules(float64(c.accumUj) / 1e6)
}

func (c *rawCounter) reset() {
	c.accumUj = 0
}

// CounterCpu is the per-socket RAPL-style counter, holding package/cores/
// graphics/DRAM sub-counters behind one mutex shared with the refresher.
type CounterCpu struct {
	socketID uint

	mu          sync.Mutex
	pkg         rawCounter
	cores       rawCounter
	graphics    rawCounter
	dram        rawCounter
	hasCores    bool
	hasGraphics bool
	hasDram     bool
}

// HasCores reports whether a per-core sub-counter exists on this socket.
func (c *CounterCpu) HasCores() bool { return c.hasCores }

// HasGraphics reports whether a graphics sub-counter exists.
func (c *CounterCpu) HasGraphics() bool { return c.hasGraphics }

// HasDram reports whether a DRAM sub-counter exists.
func (c *CounterCpu) HasDram() bool { return c.hasDram }

// ReadComponents returns every available component's accumulated Joules.
func (c *CounterCpu) ReadComponents() JoulesCpu {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := JoulesCpu{Package: c.pkg.joules()}
	if c.hasCores {
		j.Cores = c.cores.joules()
	}
	if c.hasGraphics {
		j.Graphics = c.graphics.joules()
	}
	if c.hasDram {
		j.Dram = c.dram.joules()
	}
	return j
}

// ReadCpu returns the package (whole-socket) accumulated Joules.
func (c *CounterCpu) ReadCpu() Joules {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pkg.joules()
}

// ReadCores returns the per-core accumulated Joules, or an error if absent.
func (c *CounterCpu) ReadCores() (Joules, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasCores {
		return 0, errs.New("CounterCpu.ReadCores", errs.Unsupported, fmt.Errorf("no cores counter on socket %d", c.socketID))
	}
	return c.cores.joules(), nil
}

// ReadGraphics returns the graphics accumulated Joules, or an error.
func (c *CounterCpu) ReadGraphics() (Joules, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasGraphics {
		return 0, errs.New("CounterCpu.ReadGraphics", errs.Unsupported, fmt.Errorf("no graphics counter on socket %d", c.socketID))
	}
	return c.graphics.joules(), nil
}

// ReadDram returns the DRAM accumulated Joules, or an error.
func (c *CounterCpu) ReadDram() (Joules, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasDram {
		return 0, errs.New("CounterCpu.ReadDram", errs.Unsupported, fmt.Errorf("no dram counter on socket %d", c.socketID))
	}
	return c.dram.joules(), nil
}

// Reset zeros the tracked deltas; the next read starts a fresh window.
func (c *CounterCpu) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkg.reset()
	c.cores.reset()
	c.graphics.reset()
	c.dram.reset()
}

func (c *CounterCpu) refreshOnce(root sysfs.Root) error {
	dir := socketDir(c.socketID)
	raw, err := readGlobalUint(root, dir, packageFile)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pkg.update(raw)
	if c.hasCores {
		if v, err := readGlobalUint(root, dir, coresFile); err == nil {
			c.cores.update(v)
		}
	}
	if c.hasGraphics {
		if v, err := readGlobalUint(root, dir, graphicsFile); err == nil {
			c.graphics.update(v)
		}
	}
	if c.hasDram {
		if v, err := readGlobalUint(root, dir, dramFile); err == nil {
			c.dram.update(v)
		}
	}
	c.mu.Unlock()
	return nil
}

// PlugCounter exposes only a total-Joules reading, for wall-meter style
// back-ends that cannot decompose power by component.
type PlugCounter struct {
	mu    sync.Mutex
	total rawCounter
}

// Read returns the accumulated total Joules.
func (p *PlugCounter) Read() Joules {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total.joules()
}

// Reset zeros the tracked delta.
func (p *PlugCounter) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total.reset()
}

func readGlobalUint(root sysfs.Root, dir, file string) (uint64, error) {
	return root.ReadGlobalUintAt(filepath.Join(dir, file))
}

// Energy owns every discovered per-socket counter and runs the background
// refresher that keeps their accumulators ahead of hardware wraparound.
type Energy struct {
	log   logr.Logger
	sys   sysfs.Root
	mu    sync.Mutex
	byID  map[uint]*CounterCpu
	order []uint

	refresherOnce sync.Once
	stopCh        chan struct{}
	wg            sync.WaitGroup

	wrappingInterval time.Duration
}

// CounterFor returns the per-socket counter for the Cpu owning vc.
func (e *Energy) CounterFor(vc *topology.VirtualCore) (*CounterCpu, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.byID[vc.CpuID()]
	if !ok {
		return nil, errs.New("Energy.CounterFor", errs.NotFound, fmt.Errorf("no counter for socket %d", vc.CpuID()))
	}
	return c, nil
}

// CounterByCpuID returns the counter for a dense socket id.
func (e *Energy) CounterByCpuID(cpuID uint) (*CounterCpu, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.byID[cpuID]
	if !ok {
		return nil, errs.New("Energy.CounterByCpuID", errs.NotFound, fmt.Errorf("no counter for socket %d", cpuID))
	}
	return c, nil
}

// PreferredCounter returns the most precise available counter kind, in
// the order per-CPU-cores > per-CPU-package > DRAM-only > plug.
func (e *Energy) PreferredCounter(cpuID uint) (string, error) {
	c, err := e.CounterByCpuID(cpuID)
	if err != nil {
		return "", err
	}
	if c.HasCores() {
		return "cores", nil
	}
	return "package", nil
}

// WrappingInterval returns the interval after which the underlying
// hardware counter wraps.
func (e *Energy) WrappingInterval() time.Duration { return e.wrappingInterval }

// StartRefresher starts the background accumulator goroutine on first
// use. Calling it more than once is a no-op.
func (e *Energy) StartRefresher() {
	e.refresherOnce.Do(func() {
		e.stopCh = make(chan struct{})
		e.wg.Add(1)
		go e.refreshLoop()
	})
}

// StopRefresher stops the refresher and waits for it to exit; called on
// library teardown.
func (e *Energy) StopRefresher() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Energy) refreshLoop() {
	defer e.wg.Done()
	interval := e.wrappingInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.Lock()
			counters := make([]*CounterCpu, 0, len(e.byID))
			for _, c := range e.byID {
				counters = append(counters, c)
			}
			e.mu.Unlock()
			for _, c := range counters {
				if err := c.refreshOnce(e.sys); err != nil {
					e.log.V(1).Info("energy refresh failed", "socket", c.socketID, "err", err)
				}
			}
		}
	}
}

// Discover builds the Energy model for topo's sockets, reading capability
// flags from the presence of each component's energy_uj file under
// raplRoot/socketN/. wrappingInterval bounds the refresher cadence.
func Discover(raplRoot string, topo *topology.Topology, wrappingInterval time.Duration, log logr.Logger) (*Energy, error) {
	sys := sysfs.NewRoot(raplRoot)
	e := &Energy{log: log, sys: sys, byID: map[uint]*CounterCpu{}, wrappingInterval: wrappingInterval}

	seen := map[uint]bool{}
	for _, cpu := range topo.Cpus() {
		if seen[cpu.ID] {
			continue
		}
		seen[cpu.ID] = true

		dir := socketDir(cpu.ID)
		maxRange, err := readGlobalUint(sys, dir, maxRangeFile)
		if err != nil {
			return nil, errs.New("Discover", errs.Unsupported, fmt.Errorf("socket %d has no RAPL package counter: %w", cpu.ID, err))
		}

		c := &CounterCpu{socketID: cpu.ID}
		c.pkg.maxRange = maxRange
		c.cores.maxRange = maxRange
		c.graphics.maxRange = maxRange
		c.dram.maxRange = maxRange

		if _, err := readGlobalUint(sys, dir, coresFile); err == nil {
			c.hasCores = true
		}
		if _, err := readGlobalUint(sys, dir, graphicsFile); err == nil {
			c.hasGraphics = true
		}
		if _, err := readGlobalUint(sys, dir, dramFile); err == nil {
			c.hasDram = true
		}

		e.byID[cpu.ID] = c
		e.order = append(e.order, cpu.ID)
	}

	log.Info("discovered energy counters", "sockets", len(e.byID))
	return e, nil
}
