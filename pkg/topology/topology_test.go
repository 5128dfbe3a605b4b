package topology

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanieleDeSensi/mammut/internal/sysfs"
)

func buildTestTopology(t *testing.T, cpus []sysfs.FakeCpu) (*Topology, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, sysfs.BuildFakeTree(dir, cpus))
	topo, err := Enumerate(dir, logr.Discard())
	require.NoError(t, err)
	return topo, dir
}

func TestEnumeratePartitionsVirtualCores(t *testing.T) {
	topo, _ := buildTestTopology(t, []sysfs.FakeCpu{
		{CpuID: 0, CoreID: 0},
		{CpuID: 0, CoreID: 0},
		{CpuID: 0, CoreID: 1},
		{CpuID: 1, CoreID: 0},
	})

	assert.Len(t, topo.Cpus(), 2)
	assert.Len(t, topo.VirtualCores(), 4)

	for _, cpu := range topo.Cpus() {
		union := map[uint]bool{}
		for _, pcore := range cpu.PhysicalCores() {
			for _, vc := range pcore.VirtualCores() {
				union[vc.ID] = true
			}
		}
		assert.Equal(t, len(cpu.VirtualCores()), len(union), "physical cores must partition the cpu's virtual cores")
	}
}

func TestHotPlugRoundTrip(t *testing.T) {
	topo, _ := buildTestTopology(t, []sysfs.FakeCpu{
		{CpuID: 0, CoreID: 0, HotPluggable: true, Plugged: true},
	})
	vc := topo.VirtualCores()[0]
	require.True(t, vc.IsHotPluggable())

	require.NoError(t, vc.HotUnplug())
	assert.False(t, vc.IsHotPlugged())

	require.NoError(t, vc.HotPlug())
	assert.True(t, vc.IsHotPlugged())
}

func TestIdleLevelDisableEnableRoundTrips(t *testing.T) {
	topo, _ := buildTestTopology(t, []sysfs.FakeCpu{
		{CpuID: 0, CoreID: 0, IdleStateNames: []string{"POLL", "C1", "C6"}},
	})
	vc := topo.VirtualCores()[0]
	require.Len(t, vc.IdleLevels, 3)

	lvl := vc.IdleLevels[2]
	require.NoError(t, lvl.Disable())
	assert.False(t, lvl.IsEnabled())
	require.NoError(t, lvl.Enable())
	assert.True(t, lvl.IsEnabled())
}

func TestVirtualCoreByIDNotFound(t *testing.T) {
	topo, _ := buildTestTopology(t, []sysfs.FakeCpu{{CpuID: 0, CoreID: 0}})
	_, err := topo.VirtualCoreByID(99)
	assert.Error(t, err)
}
