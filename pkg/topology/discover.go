package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/DanieleDeSensi/mammut/internal/sysfs"
)

var stateDirRegex = regexp.MustCompile(`^state(\d+)$`)

// discoverVirtualCores walks root's per-cpu directories and builds a
// discoveryInfo for each, the way the teacher's mapAvailableCStates walks
// cpuidle/stateN directories and host.go's initHost walks /sys cpu dirs,
// generalized to cover physical-core grouping and idle-level names too.
func discoverVirtualCores(root sysfs.Root) ([]discoveryInfo, error) {
	entries, err := os.ReadDir(root.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root.Path, err)
	}

	cpuDirRegex := regexp.MustCompile(`^cpu(\d+)$`)
	var cpuIDs []uint
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := cpuDirRegex.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		cpuIDs = append(cpuIDs, uint(n))
	}
	sort.Slice(cpuIDs, func(i, j int) bool { return cpuIDs[i] < cpuIDs[j] })

	infos := make([]discoveryInfo, 0, len(cpuIDs))
	for _, id := range cpuIDs {
		info := discoveryInfo{cpuID: id, osID: id}

		if pkgID, err := root.ReadUint(id, "topology/physical_package_id"); err == nil {
			info.cpuID = uint(pkgID)
		}
		if coreID, err := root.ReadUint(id, "topology/core_id"); err == nil {
			info.physicalCoreID = uint(coreID)
		} else {
			info.physicalCoreID = id
		}

		info.hotPluggable = root.Exists(id, "online")
		info.plugged = true
		if info.hotPluggable {
			if v, err := root.ReadString(id, "online"); err == nil {
				info.plugged = v == "1"
			}
		}

		idleDir := filepath.Join(root.CpuDir(id), "cpuidle")
		if stateDirs, err := os.ReadDir(idleDir); err == nil {
			var indices []int
			for _, sd := range stateDirs {
				if !sd.IsDir() {
					continue
				}
				m := stateDirRegex.FindStringSubmatch(sd.Name())
				if m == nil {
					continue
				}
				idx, _ := strconv.Atoi(m[1])
				indices = append(indices, idx)
			}
			sort.Ints(indices)
			for _, idx := range indices {
				name, err := root.ReadString(id, fmt.Sprintf("cpuidle/state%d/name", idx))
				if err != nil {
					continue
				}
				info.idleLevelNames = append(info.idleLevelNames, name)
			}
		}

		infos = append(infos, info)
	}
	return infos, nil
}
