// Package cpufreq drives the per-domain DVFS knobs: available frequencies,
// governors, hardware/governor bounds and rollback points, generalizing
// the teacher's PStates sysfs plumbing from a single-core view to a
// frequency-domain view.
package cpufreq

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/DanieleDeSensi/mammut/internal/sysfs"
	"github.com/DanieleDeSensi/mammut/pkg/errs"
	"github.com/DanieleDeSensi/mammut/pkg/topology"
)

const (
	availFreqsFile  = "cpufreq/scaling_available_frequencies"
	availGovFile    = "cpufreq/scaling_available_governors"
	curFreqFile     = "cpufreq/scaling_cur_freq"
	setSpeedFile    = "cpufreq/scaling_setspeed"
	scalingGovFile  = "cpufreq/scaling_governor"
	scalingMinFile  = "cpufreq/scaling_min_freq"
	scalingMaxFile  = "cpufreq/scaling_max_freq"
	hwMinFile       = "cpufreq/cpuinfo_min_freq"
	hwMaxFile       = "cpufreq/cpuinfo_max_freq"
	transLatFile    = "cpufreq/cpuinfo_transition_latency"
	affectedCpus    = "cpufreq/affected_cpus"
	boostGlobalFile = "cpufreq/boost"
)

// RollbackPoint snapshots a Domain's mutable state so it can later be
// restored with Domain.Rollback.
type RollbackPoint struct {
	DomainID     uint
	userspace    bool
	Governor     Governor
	FrequencyKHz uint64
	LowerKHz     uint64
	UpperKHz     uint64
}

// Domain is a set of virtual cores that share a frequency/governor.
type Domain struct {
	ID uint

	virtualCores []*topology.VirtualCore

	availableFrequencies []uint64 // ascending, kHz
	availableGovernors   []Governor
	transitionLatencyNs  uint64
	hwLowerKHz, hwUpperKHz uint64

	mu               sync.Mutex
	currentGovernor  Governor
	currentFreqKHz   uint64 // meaningful only when currentGovernor == userspace
	boundsLowerKHz   uint64
	boundsUpperKHz   uint64
	boundsSet        bool

	root sysfs.Root
}

// VirtualCores returns the domain's member virtual cores.
func (d *Domain) VirtualCores() []*topology.VirtualCore { return d.virtualCores }

// AvailableFrequencies returns the ascending, stable list of frequencies
// this domain can be set to (kHz).
func (d *Domain) AvailableFrequencies() []uint64 { return d.availableFrequencies }

// AvailableGovernors returns the governors the hardware/driver supports.
func (d *Domain) AvailableGovernors() []Governor { return d.availableGovernors }

// TransitionLatency returns the hardware frequency-switch latency in ns.
func (d *Domain) TransitionLatency() uint64 { return d.transitionLatencyNs }

// HardwareFrequencyBounds returns the domain's read-only hardware bounds.
func (d *Domain) HardwareFrequencyBounds() (uint64, uint64) { return d.hwLowerKHz, d.hwUpperKHz }

// CurrentGovernor returns the last-known-applied governor.
func (d *Domain) CurrentGovernor() Governor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentGovernor
}

// CurrentFrequency returns the last frequency in effect.
func (d *Domain) CurrentFrequency() (uint64, error) {
	rep := d.representative()
	f, err := d.root.ReadUint(rep.OsID(), curFreqFile)
	if err != nil {
		return 0, errs.New("Domain.CurrentFrequency", errs.Unsupported, err)
	}
	return f, nil
}

// CurrentFrequencyUserspace returns the frequency last set with
// SetFrequencyUserspace (or read at discovery), valid only when the
// governor is userspace.
func (d *Domain) CurrentFrequencyUserspace() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.currentGovernor != GovernorUserspace {
		return 0, errs.New("Domain.CurrentFrequencyUserspace", errs.InvalidArgument, fmt.Errorf("governor is %s, not userspace", d.currentGovernor))
	}
	return d.currentFreqKHz, nil
}

// CurrentGovernorBounds returns the domain's [lb,ub], valid only when the
// governor is not userspace.
func (d *Domain) CurrentGovernorBounds() (uint64, uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.currentGovernor == GovernorUserspace {
		return 0, 0, false
	}
	return d.boundsLowerKHz, d.boundsUpperKHz, d.boundsSet
}

func (d *Domain) representative() *topology.VirtualCore { return d.virtualCores[0] }

func (d *Domain) hasGovernor(g Governor) bool {
	for _, avail := range d.availableGovernors {
		if avail == g {
			return true
		}
	}
	return false
}

// SetGovernor applies g to every virtual core in the domain atomically
// with respect to subsequent reads.
func (d *Domain) SetGovernor(g Governor) error {
	if !d.hasGovernor(g) {
		return errs.New("Domain.SetGovernor", errs.InvalidArgument, fmt.Errorf("governor %s not available", g))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, vc := range d.virtualCores {
		if err := d.root.WriteString(vc.OsID(), scalingGovFile, string(g)); err != nil {
			return errs.New("Domain.SetGovernor", errs.Fatal, err)
		}
	}
	d.currentGovernor = g
	return nil
}

// hasFrequency reports whether f is one of the domain's available
// frequencies.
func (d *Domain) hasFrequency(f uint64) bool {
	for _, avail := range d.availableFrequencies {
		if avail == f {
			return true
		}
	}
	return false
}

// SetFrequencyUserspace sets the explicit frequency. Fails unless the
// current governor is userspace and f is an available frequency.
func (d *Domain) SetFrequencyUserspace(f uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.currentGovernor != GovernorUserspace {
		return errs.New("Domain.SetFrequencyUserspace", errs.InvalidArgument, fmt.Errorf("governor is %s, not userspace", d.currentGovernor))
	}
	if !d.hasFrequency(f) {
		return errs.New("Domain.SetFrequencyUserspace", errs.InvalidArgument, fmt.Errorf("frequency %d not available", f))
	}
	for _, vc := range d.virtualCores {
		if err := d.root.WriteString(vc.OsID(), setSpeedFile, strconv.FormatUint(f, 10)); err != nil {
			return errs.New("Domain.SetFrequencyUserspace", errs.Fatal, err)
		}
	}
	d.currentFreqKHz = f
	return nil
}

// SetLowestFrequencyUserspace sets the domain to its smallest available
// frequency. The original Mammut source indexes
// availableFrequencies.at(availableFrequencies.at(0)), which is a bug;
// this implementation uses the corrected, intended behavior.
func (d *Domain) SetLowestFrequencyUserspace() error {
	if len(d.availableFrequencies) == 0 {
		return errs.New("Domain.SetLowestFrequencyUserspace", errs.Unsupported, fmt.Errorf("no available frequencies"))
	}
	return d.SetFrequencyUserspace(d.availableFrequencies[0])
}

// SetGovernorBounds sets [lb,ub] for a non-userspace governor. Fails if
// the governor is userspace or bounds exceed hardware bounds.
func (d *Domain) SetGovernorBounds(lb, ub uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.currentGovernor == GovernorUserspace {
		return errs.New("Domain.SetGovernorBounds", errs.InvalidArgument, fmt.Errorf("governor is userspace"))
	}
	if lb > ub || lb < d.hwLowerKHz || ub > d.hwUpperKHz {
		return errs.New("Domain.SetGovernorBounds", errs.InvalidArgument, fmt.Errorf("bounds [%d,%d] outside hardware bounds [%d,%d]", lb, ub, d.hwLowerKHz, d.hwUpperKHz))
	}
	for _, vc := range d.virtualCores {
		if err := d.root.WriteString(vc.OsID(), scalingMinFile, strconv.FormatUint(lb, 10)); err != nil {
			return errs.New("Domain.SetGovernorBounds", errs.Fatal, err)
		}
		if err := d.root.WriteString(vc.OsID(), scalingMaxFile, strconv.FormatUint(ub, 10)); err != nil {
			return errs.New("Domain.SetGovernorBounds", errs.Fatal, err)
		}
	}
	d.boundsLowerKHz, d.boundsUpperKHz, d.boundsSet = lb, ub, true
	return nil
}

// Snapshot captures enough state to restore the domain later.
func (d *Domain) Snapshot() RollbackPoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	rp := RollbackPoint{DomainID: d.ID, Governor: d.currentGovernor}
	if d.currentGovernor == GovernorUserspace {
		rp.userspace = true
		rp.FrequencyKHz = d.currentFreqKHz
	} else {
		rp.LowerKHz, rp.UpperKHz = d.boundsLowerKHz, d.boundsUpperKHz
	}
	return rp
}

// Rollback restores the domain to rp. Failure is Fatal: the caller must
// treat it as unrecoverable.
func (d *Domain) Rollback(rp RollbackPoint) error {
	if err := d.SetGovernor(rp.Governor); err != nil {
		return errs.New("Domain.Rollback", errs.Fatal, err)
	}
	if rp.userspace {
		if err := d.SetFrequencyUserspace(rp.FrequencyKHz); err != nil {
			return errs.New("Domain.Rollback", errs.Fatal, err)
		}
		return nil
	}
	if rp.LowerKHz == 0 && rp.UpperKHz == 0 {
		return nil
	}
	if err := d.SetGovernorBounds(rp.LowerKHz, rp.UpperKHz); err != nil {
		return errs.New("Domain.Rollback", errs.Fatal, err)
	}
	return nil
}

// ForcePerformance is the fastReconfiguration primitive: push the domain
// to its highest sustained frequency, preferring the performance governor
// and falling back to userspace at the maximum available frequency.
func (d *Domain) ForcePerformance() error {
	if d.hasGovernor(GovernorPerformance) {
		return d.SetGovernor(GovernorPerformance)
	}
	if d.hasGovernor(GovernorUserspace) && len(d.availableFrequencies) > 0 {
		if err := d.SetGovernor(GovernorUserspace); err != nil {
			return err
		}
		return d.SetFrequencyUserspace(d.availableFrequencies[len(d.availableFrequencies)-1])
	}
	return errs.New("Domain.ForcePerformance", errs.Unsupported, fmt.Errorf("no performance-capable governor"))
}

// ForcePowersave is the unused-core lowestFrequency primitive: push the
// domain to powersave, falling back to userspace at its lowest frequency.
func (d *Domain) ForcePowersave() error {
	if d.hasGovernor(GovernorPowersave) {
		return d.SetGovernor(GovernorPowersave)
	}
	if d.hasGovernor(GovernorUserspace) {
		if err := d.SetGovernor(GovernorUserspace); err != nil {
			return err
		}
		return d.SetLowestFrequencyUserspace()
	}
	return errs.New("Domain.ForcePowersave", errs.Unsupported, fmt.Errorf("no powersave-capable governor"))
}

// CpuFreq owns every discovered Domain and holds non-owning references
// into a Topology.
type CpuFreq struct {
	log     logr.Logger
	root    sysfs.Root
	domains []*Domain
	boost   boostState
}

type boostState struct {
	supported bool
}

// Domains returns every discovered frequency domain.
func (c *CpuFreq) Domains() []*Domain { return c.domains }

// DomainOf returns the domain owning vc.
func (c *CpuFreq) DomainOf(vc *topology.VirtualCore) (*Domain, error) {
	for _, d := range c.domains {
		for _, m := range d.virtualCores {
			if m.Equal(vc) {
				return d, nil
			}
		}
	}
	return nil, errs.New("CpuFreq.DomainOf", errs.NotFound, fmt.Errorf("virtual core %d has no domain", vc.ID))
}

// IsBoostingSupported reports whether the machine-level boost toggle file
// exists.
func (c *CpuFreq) IsBoostingSupported() bool { return c.boost.supported }

// IsBoostingEnabled reads the current boost toggle.
func (c *CpuFreq) IsBoostingEnabled() (bool, error) {
	if !c.boost.supported {
		return false, errs.New("CpuFreq.IsBoostingEnabled", errs.Unsupported, fmt.Errorf("boost not supported"))
	}
	v, err := c.root.ReadGlobalString(boostGlobalFile)
	if err != nil {
		return false, errs.New("CpuFreq.IsBoostingEnabled", errs.Unsupported, err)
	}
	return strings.TrimSpace(v) == "1", nil
}

func (c *CpuFreq) setBoost(enabled bool) error {
	if !c.boost.supported {
		return errs.New("CpuFreq.setBoost", errs.Unsupported, fmt.Errorf("boost not supported"))
	}
	v := "0"
	if enabled {
		v = "1"
	}
	if err := c.root.WriteGlobalString(boostGlobalFile, v); err != nil {
		return errs.New("CpuFreq.setBoost", errs.Fatal, err)
	}
	return nil
}

// EnableBoosting turns hardware boost on machine-wide.
func (c *CpuFreq) EnableBoosting() error { return c.setBoost(true) }

// DisableBoosting turns hardware boost off machine-wide.
func (c *CpuFreq) DisableBoosting() error { return c.setBoost(false) }

// Discover builds the frequency-domain model for topo, grouping virtual
// cores that report the same cpufreq/affected_cpus set, the way the
// kernel exposes domain membership for cpufreq drivers.
func Discover(sysfsRoot string, topo *topology.Topology, log logr.Logger) (*CpuFreq, error) {
	root := sysfs.NewRoot(sysfsRoot)
	cf := &CpuFreq{log: log, root: root}

	groups := map[string][]*topology.VirtualCore{}
	var order []string
	for _, vc := range topo.VirtualCores() {
		key, err := root.ReadString(vc.OsID(), affectedCpus)
		if err != nil || strings.TrimSpace(key) == "" {
			key = fmt.Sprintf("solo-%d", vc.OsID())
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], vc)
	}

	id := uint(0)
	for _, key := range order {
		members := groups[key]
		rep := members[0]

		freqs, err := readFrequencies(root, rep.OsID())
		if err != nil {
			return nil, errs.New("Discover", errs.Fatal, err)
		}
		govs, err := readGovernors(root, rep.OsID())
		if err != nil {
			return nil, errs.New("Discover", errs.Fatal, err)
		}
		latency, _ := root.ReadUint(rep.OsID(), transLatFile)
		hwMin, err := root.ReadUint(rep.OsID(), hwMinFile)
		if err != nil {
			return nil, errs.New("Discover", errs.Fatal, err)
		}
		hwMax, err := root.ReadUint(rep.OsID(), hwMaxFile)
		if err != nil {
			return nil, errs.New("Discover", errs.Fatal, err)
		}
		curGovStr, err := root.ReadString(rep.OsID(), scalingGovFile)
		if err != nil {
			return nil, errs.New("Discover", errs.Fatal, err)
		}
		curGov, err := ParseGovernor(curGovStr)
		if err != nil {
			curGov = GovernorPowersave
		}

		d := &Domain{
			ID:                   id,
			virtualCores:         members,
			availableFrequencies: freqs,
			availableGovernors:   govs,
			transitionLatencyNs:  latency,
			hwLowerKHz:           hwMin,
			hwUpperKHz:           hwMax,
			currentGovernor:      curGov,
			root:                 root,
		}
		if curGov == GovernorUserspace {
			if f, err := root.ReadUint(rep.OsID(), curFreqFile); err == nil {
				d.currentFreqKHz = f
			}
		} else {
			lb, errLb := root.ReadUint(rep.OsID(), scalingMinFile)
			ub, errUb := root.ReadUint(rep.OsID(), scalingMaxFile)
			if errLb == nil && errUb == nil {
				d.boundsLowerKHz, d.boundsUpperKHz, d.boundsSet = lb, ub, true
			}
		}

		cf.domains = append(cf.domains, d)
		id++
	}

	if _, err := root.ReadGlobalString(boostGlobalFile); err == nil {
		cf.boost.supported = true
	}

	log.Info("discovered frequency domains", "count", len(cf.domains))
	return cf, nil
}

func readFrequencies(root sysfs.Root, osID uint) ([]uint64, error) {
	raw, err := root.ReadString(osID, availFreqsFile)
	if err != nil {
		return nil, err
	}
	fields := sysfs.SplitFields(raw)
	freqs := make([]uint64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing available frequency %q: %w", f, err)
		}
		freqs = append(freqs, v)
	}
	sort.Slice(freqs, func(i, j int) bool { return freqs[i] < freqs[j] })
	return freqs, nil
}

func readGovernors(root sysfs.Root, osID uint) ([]Governor, error) {
	raw, err := root.ReadString(osID, availGovFile)
	if err != nil {
		return nil, err
	}
	var govs []Governor
	for _, f := range sysfs.SplitFields(raw) {
		g, err := ParseGovernor(f)
		if err != nil {
			continue // unknown governor names are ignored, not fatal
		}
		govs = append(govs, g)
	}
	return govs, nil
}
