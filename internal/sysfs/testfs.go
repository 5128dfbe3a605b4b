package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
)

// FakeCpu describes one synthetic "cpuN" directory for tests. N is the
// entry's index in the slice passed to BuildFakeTree; CpuID is written as
// its physical_package_id, so several entries may share one package.
type FakeCpu struct {
	CpuID, CoreID     uint
	HotPluggable      bool
	Plugged           bool
	Driver            string
	Governor          string
	AvailableGovs     string
	AvailableFreqsKHz string // space-separated, ascending
	TransitionLatency string // ns
	AffectedCpus      string // space-separated osIDs sharing this domain
	CurFreqKHz        string
	MinFreqKHz        string
	MaxFreqKHz        string
	SetSpeedKHz       string
	IdleStateNames    []string
}

// BuildFakeTree materializes dir/cpuN/{topology,cpufreq,cpuidle,online}
// the way the teacher's setupScalingTestFiles builds its synthetic tree,
// generalized to also cover topology/physical_package_id grouping and
// cpuidle state directories.
func BuildFakeTree(dir string, cpus []FakeCpu) error {
	for i, c := range cpus {
		cpuDir := filepath.Join(dir, fmt.Sprintf("cpu%d", i))
		if err := os.MkdirAll(filepath.Join(cpuDir, "cpufreq"), 0755); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(cpuDir, "topology"), 0755); err != nil {
			return err
		}
		write := func(rel, val string) error {
			return os.WriteFile(filepath.Join(cpuDir, rel), []byte(val+"\n"), 0644)
		}
		if err := write("topology/physical_package_id", fmt.Sprint(c.CpuID)); err != nil {
			return err
		}
		if err := write("topology/core_id", fmt.Sprint(c.CoreID)); err != nil {
			return err
		}
		if err := write("cpufreq/scaling_driver", orDefault(c.Driver, "intel_pstate")); err != nil {
			return err
		}
		if err := write("cpufreq/scaling_governor", orDefault(c.Governor, "userspace")); err != nil {
			return err
		}
		if err := write("cpufreq/scaling_available_governors", orDefault(c.AvailableGovs, "performance powersave userspace conservative ondemand")); err != nil {
			return err
		}
		if err := write("cpufreq/scaling_cur_freq", orDefault(c.CurFreqKHz, "2000000")); err != nil {
			return err
		}
		if err := write("cpufreq/cpuinfo_min_freq", orDefault(c.MinFreqKHz, "800000")); err != nil {
			return err
		}
		if err := write("cpufreq/cpuinfo_max_freq", orDefault(c.MaxFreqKHz, "3200000")); err != nil {
			return err
		}
		if err := write("cpufreq/scaling_min_freq", orDefault(c.MinFreqKHz, "800000")); err != nil {
			return err
		}
		if err := write("cpufreq/scaling_max_freq", orDefault(c.MaxFreqKHz, "3200000")); err != nil {
			return err
		}
		if err := write("cpufreq/scaling_setspeed", orDefault(c.SetSpeedKHz, "2000000")); err != nil {
			return err
		}
		if err := write("cpufreq/scaling_available_frequencies", orDefault(c.AvailableFreqsKHz, "800000 1600000 2000000 2800000 3200000")); err != nil {
			return err
		}
		if err := write("cpufreq/cpuinfo_transition_latency", orDefault(c.TransitionLatency, "20000")); err != nil {
			return err
		}
		if err := write("cpufreq/affected_cpus", orDefault(c.AffectedCpus, fmt.Sprint(i))); err != nil {
			return err
		}

		if c.HotPluggable {
			v := "0"
			if c.Plugged {
				v = "1"
			}
			if err := write("online", v); err != nil {
				return err
			}
		}

		for i, name := range c.IdleStateNames {
			stateDir := filepath.Join(cpuDir, "cpuidle", fmt.Sprintf("state%d", i))
			if err := os.MkdirAll(stateDir, 0755); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(stateDir, "name"), []byte(name+"\n"), 0644); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(stateDir, "disable"), []byte("0\n"), 0644); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(stateDir, "time"), []byte("0\n"), 0644); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(stateDir, "usage"), []byte("0\n"), 0644); err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(stateDir, "default_status"), []byte("enabled\n"), 0644); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildFakeBoost writes the machine-wide cpufreq/boost toggle file.
func BuildFakeBoost(dir, value string) error {
	if err := os.MkdirAll(filepath.Join(dir, "cpufreq"), 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "cpufreq", "boost"), []byte(value+"\n"), 0644)
}

// FakeSocket describes one synthetic RAPL socket directory for tests.
type FakeSocket struct {
	ID                    uint
	PackageUj             uint64
	MaxRangeUj            uint64
	MaxPowerUw            uint64
	HasCores              bool
	HasGraphics           bool
	HasDram               bool
	CoresUj, GraphicsUj, DramUj uint64
}

// BuildFakeRaplTree materializes dir/socketN/{energy_uj,max_energy_range_uj,...}.
func BuildFakeRaplTree(dir string, sockets []FakeSocket) error {
	for _, s := range sockets {
		sdir := filepath.Join(dir, fmt.Sprintf("socket%d", s.ID))
		if err := os.MkdirAll(sdir, 0755); err != nil {
			return err
		}
		write := func(file string, v uint64) error {
			return os.WriteFile(filepath.Join(sdir, file), []byte(fmt.Sprintf("%d\n", v)), 0644)
		}
		if err := write("energy_uj", s.PackageUj); err != nil {
			return err
		}
		maxRange := s.MaxRangeUj
		if maxRange == 0 {
			maxRange = 262143328850
		}
		if err := write("max_energy_range_uj", maxRange); err != nil {
			return err
		}
		maxPower := s.MaxPowerUw
		if maxPower == 0 {
			maxPower = 150000000
		}
		if err := write("max_power_uw", maxPower); err != nil {
			return err
		}
		if s.HasCores {
			if err := write("cores_energy_uj", s.CoresUj); err != nil {
				return err
			}
		}
		if s.HasGraphics {
			if err := write("graphics_energy_uj", s.GraphicsUj); err != nil {
				return err
			}
		}
		if s.HasDram {
			if err := write("dram_energy_uj", s.DramUj); err != nil {
				return err
			}
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
