package cpufreq

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanieleDeSensi/mammut/internal/sysfs"
	"github.com/DanieleDeSensi/mammut/pkg/topology"
)

func buildTestDomain(t *testing.T, cpus []sysfs.FakeCpu) (*CpuFreq, *topology.Topology, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, sysfs.BuildFakeTree(dir, cpus))
	topo, err := topology.Enumerate(dir, logr.Discard())
	require.NoError(t, err)
	cf, err := Discover(dir, topo, logr.Discard())
	require.NoError(t, err)
	return cf, topo, dir
}

func TestSetFrequencyUserspaceRequiresGovernor(t *testing.T) {
	cf, _, _ := buildTestDomain(t, []sysfs.FakeCpu{
		{CpuID: 0, CoreID: 0, Governor: "performance", AffectedCpus: "0"},
	})
	d := cf.Domains()[0]
	require.Equal(t, GovernorPerformance, d.CurrentGovernor())

	err := d.SetFrequencyUserspace(2000000)
	assert.Error(t, err)

	require.NoError(t, d.SetGovernor(GovernorUserspace))
	require.NoError(t, d.SetFrequencyUserspace(2000000))
	f, err := d.CurrentFrequencyUserspace()
	require.NoError(t, err)
	assert.Equal(t, uint64(2000000), f)
}

func TestSetGovernorRejectsUnavailable(t *testing.T) {
	cf, _, _ := buildTestDomain(t, []sysfs.FakeCpu{
		{CpuID: 0, CoreID: 0, AvailableGovs: "performance powersave", AffectedCpus: "0"},
	})
	d := cf.Domains()[0]
	err := d.SetGovernor(GovernorUserspace)
	assert.Error(t, err)
}

func TestRollbackRestoresUserspaceFrequency(t *testing.T) {
	cf, _, _ := buildTestDomain(t, []sysfs.FakeCpu{
		{CpuID: 0, CoreID: 0, Governor: "userspace", AffectedCpus: "0"},
	})
	d := cf.Domains()[0]
	require.NoError(t, d.SetFrequencyUserspace(1600000))

	rp := d.Snapshot()
	require.NoError(t, d.SetFrequencyUserspace(3200000))
	require.NoError(t, d.Rollback(rp))

	f, err := d.CurrentFrequencyUserspace()
	require.NoError(t, err)
	assert.Equal(t, uint64(1600000), f)
}

func TestSetLowestFrequencyUserspaceUsesSmallest(t *testing.T) {
	cf, _, _ := buildTestDomain(t, []sysfs.FakeCpu{
		{CpuID: 0, CoreID: 0, Governor: "userspace", AvailableFreqsKHz: "800000 1600000 2000000", AffectedCpus: "0"},
	})
	d := cf.Domains()[0]
	require.NoError(t, d.SetLowestFrequencyUserspace())
	f, err := d.CurrentFrequencyUserspace()
	require.NoError(t, err)
	assert.Equal(t, uint64(800000), f)
}

func TestDomainGroupsByAffectedCpus(t *testing.T) {
	cf, _, _ := buildTestDomain(t, []sysfs.FakeCpu{
		{CpuID: 0, CoreID: 0, AffectedCpus: "0 1"},
		{CpuID: 0, CoreID: 1, AffectedCpus: "0 1"},
	})
	require.Len(t, cf.Domains(), 1)
	assert.Len(t, cf.Domains()[0].VirtualCores(), 2)
}

func TestBoostToggleRoundTrips(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, sysfs.BuildFakeTree(dir, []sysfs.FakeCpu{{CpuID: 0, CoreID: 0, AffectedCpus: "0"}}))
	require.NoError(t, sysfs.BuildFakeBoost(dir, "0"))
	topo, err := topology.Enumerate(dir, logr.Discard())
	require.NoError(t, err)
	cf, err := Discover(dir, topo, logr.Discard())
	require.NoError(t, err)

	require.True(t, cf.IsBoostingSupported())
	require.NoError(t, cf.EnableBoosting())
	enabled, err := cf.IsBoostingEnabled()
	require.NoError(t, err)
	assert.True(t, enabled)
}
