package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanieleDeSensi/mammut/internal/sysfs"
	"github.com/DanieleDeSensi/mammut/pkg/config"
	"github.com/DanieleDeSensi/mammut/pkg/cpufreq"
	"github.com/DanieleDeSensi/mammut/pkg/energy"
	"github.com/DanieleDeSensi/mammut/pkg/farm"
	"github.com/DanieleDeSensi/mammut/pkg/topology"
	"github.com/DanieleDeSensi/mammut/pkg/voltage"
)

// recordingObserver counts contract violations and records every
// reconfiguration the manager actually applies, letting end-to-end tests
// assert on a real Start()-driven run without reaching into internals.
type recordingObserver struct {
	mu               sync.Mutex
	violations       int
	reconfigurations []farm.Configuration
	// notify, if non-nil, receives a non-blocking send every time
	// OnReconfigure fires, so a test can react to the first real
	// reconfiguration without polling.
	notify chan struct{}
}

func (o *recordingObserver) OnSample(avgBandwidth, avgUtilization float64) {}

func (o *recordingObserver) OnContractViolation(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.violations++
}

func (o *recordingObserver) OnReconfigure(oldWorkers, newWorkers uint, oldFreqKHz, newFreqKHz uint64) {
	o.mu.Lock()
	o.reconfigurations = append(o.reconfigurations, farm.Configuration{NumWorkers: newWorkers, FrequencyKHz: newFreqKHz})
	o.mu.Unlock()
	if o.notify != nil {
		select {
		case o.notify <- struct{}{}:
		default:
		}
	}
}

func (o *recordingObserver) violationCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.violations
}

func (o *recordingObserver) reconfigureCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.reconfigurations)
}

func feedAllWorkers(f *farm.MockFarm, n uint, loadPercent float64, tasksCount uint64) {
	for i := uint(0); i < n; i++ {
		f.MockWorker(i).Feed(loadPercent, tasksCount)
	}
}

// buildMachine constructs an n-virtual-core topology in which every
// virtual core sits on its own socket and physical core, all sharing a
// single frequency domain (userspace governor available), with one RAPL
// counter per socket.
func buildMachine(t *testing.T, n int, freqsKHz []uint64) (*topology.Topology, *cpufreq.CpuFreq, *energy.Energy) {
	t.Helper()
	cpuDir := t.TempDir()

	freqsStr := ""
	for i, f := range freqsKHz {
		if i > 0 {
			freqsStr += " "
		}
		freqsStr += uintToStr(f)
	}
	var affected string
	for i := 0; i < n; i++ {
		if i > 0 {
			affected += " "
		}
		affected += uintToStr(uint64(i))
	}

	var fakeCpus []sysfs.FakeCpu
	for i := 0; i < n; i++ {
		fakeCpus = append(fakeCpus, sysfs.FakeCpu{
			CpuID: uint(i), CoreID: uint(i),
			AvailableFreqsKHz: freqsStr,
			AffectedCpus:      affected,
			CurFreqKHz:        uintToStr(freqsKHz[0]),
			SetSpeedKHz:       uintToStr(freqsKHz[0]),
			Governor:          "userspace",
			HotPluggable:      true,
			Plugged:           true,
		})
	}
	require.NoError(t, sysfs.BuildFakeTree(cpuDir, fakeCpus))

	topo, err := topology.Enumerate(cpuDir, logr.Discard())
	require.NoError(t, err)

	freq, err := cpufreq.Discover(cpuDir, topo, logr.Discard())
	require.NoError(t, err)

	var fakeSockets []sysfs.FakeSocket
	for i := 0; i < n; i++ {
		fakeSockets = append(fakeSockets, sysfs.FakeSocket{ID: uint(i), PackageUj: 0})
	}
	raplDir := t.TempDir()
	require.NoError(t, sysfs.BuildFakeRaplTree(raplDir, fakeSockets))
	en, err := energy.Discover(raplDir, topo, 0, logr.Discard())
	require.NoError(t, err)

	return topo, freq, en
}

func uintToStr(v uint64) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

func buildManager(t *testing.T, n int, freqs []uint64, p config.Parameters, maxWorkers uint) (*Manager, *farm.MockFarm) {
	t.Helper()
	return buildManagerWithNodes(t, n, freqs, p, maxWorkers, true, false)
}

func buildManagerWithNodes(t *testing.T, n int, freqs []uint64, p config.Parameters, maxWorkers uint, withEmitter, withCollector bool) (*Manager, *farm.MockFarm) {
	t.Helper()
	topo, freq, en := buildMachine(t, n, freqs)
	f := farm.NewMockFarm(maxWorkers, withEmitter, withCollector)
	m, err := New(topo, freq, en, f, p, nil, nil, logr.Discard())
	require.NoError(t, err)
	return m, f
}

func TestNewComputesLinearMappingAndInitialConfiguration(t *testing.T) {
	p := config.Default()
	p.MappingStrategy = config.MappingLinear
	m, _ := buildManager(t, 4, []uint64{800000, 1600000, 2000000}, p, 4)
	assert.Equal(t, StateMappingApplied, m.State())
	assert.Len(t, m.mapping, 4)
	// the manager is constructed once the farm's full worker set is
	// already running, so the initial configuration starts at maxWorkers.
	assert.Equal(t, uint(4), m.Configuration().NumWorkers)
}

func TestContractViolatedUtilizationBand(t *testing.T) {
	p := config.Default()
	p.UnderloadThresholdFarm = 80
	p.OverloadThresholdFarm = 90
	m := &Manager{params: p}

	violated, _ := m.contractViolated(0, 95)
	assert.True(t, violated)
	violated, _ = m.contractViolated(0, 85)
	assert.False(t, violated)
}

func TestContractViolatedBandwidthBand(t *testing.T) {
	p := config.Default()
	p.RequiredBandwidth = 1000
	p.MaxBandwidthVariation = 5
	m := &Manager{params: p}

	violated, _ := m.contractViolated(500, 0)
	assert.True(t, violated)
	violated, _ = m.contractViolated(1000, 0)
	assert.False(t, violated)
}

func TestScaleFactorNoneUsesWorkerRatioOnly(t *testing.T) {
	s := scaleFactor(config.FreqNone, 2, 4, 1000, 1000)
	assert.Equal(t, 2.0, s)
}

func TestScaleFactorConservativeUsesWorkersAndFrequency(t *testing.T) {
	s := scaleFactor(config.FreqCoresConservative, 2, 4, 1000, 2000)
	assert.Equal(t, 4.0, s)
}

func TestBestSuboptimalPrefersPositiveOverNegative(t *testing.T) {
	// given x < R < y, y (positive distance) is chosen over x (negative)
	assert.True(t, betterSuboptimal(-500, 200)) // b(200) beats a(-500)
	assert.False(t, betterSuboptimal(200, -500))
}

func TestBestSuboptimalPrefersCloserWhenSameSign(t *testing.T) {
	assert.True(t, betterSuboptimal(-500, -100))  // -100 closer to 0 than -500
	assert.False(t, betterSuboptimal(-100, -500))
}

func TestSearchCoresConservativePicksMinimumCoreThenFrequency(t *testing.T) {
	p := config.Default()
	p.MappingStrategy = config.MappingLinear
	p.FrequencyStrategy = config.FreqCoresConservative
	p.UnderloadThresholdFarm = 0
	p.OverloadThresholdFarm = 100
	m, _ := buildManager(t, 4, []uint64{800000, 1600000, 2000000}, p, 4)

	next, err := m.searchConfiguration(100, 50)
	require.NoError(t, err)
	// from (4, 800000) at 50%, n=1 estimates 200% at 800000 and 100% at
	// 1600000, so (1, 1600000) is the first candidate inside [0,100]
	assert.Equal(t, uint(1), next.NumWorkers)
	assert.Equal(t, uint64(1600000), next.FrequencyKHz)
}

func TestSearchPowerConservativePrefersLowerPowerFeasibleCandidate(t *testing.T) {
	p := config.Default()
	p.MappingStrategy = config.MappingLinear
	p.FrequencyStrategy = config.FreqPowerConservative
	p.VoltageTableFile = "unused-in-test"
	p.UnderloadThresholdFarm = 0
	p.OverloadThresholdFarm = 100

	vt := voltage.New()
	vt.Set(voltage.Key{VirtualCores: 1, FrequencyKHz: 800000}, 0.8)
	vt.Set(voltage.Key{VirtualCores: 1, FrequencyKHz: 1600000}, 1.0)
	vt.Set(voltage.Key{VirtualCores: 1, FrequencyKHz: 2000000}, 1.1)
	vt.Set(voltage.Key{VirtualCores: 2, FrequencyKHz: 800000}, 0.8)
	vt.Set(voltage.Key{VirtualCores: 2, FrequencyKHz: 1600000}, 1.0)
	vt.Set(voltage.Key{VirtualCores: 2, FrequencyKHz: 2000000}, 1.1)
	vt.Set(voltage.Key{VirtualCores: 3, FrequencyKHz: 800000}, 0.8)
	vt.Set(voltage.Key{VirtualCores: 3, FrequencyKHz: 1600000}, 1.0)
	vt.Set(voltage.Key{VirtualCores: 3, FrequencyKHz: 2000000}, 1.1)
	vt.Set(voltage.Key{VirtualCores: 4, FrequencyKHz: 800000}, 0.8)
	vt.Set(voltage.Key{VirtualCores: 4, FrequencyKHz: 1600000}, 1.0)
	vt.Set(voltage.Key{VirtualCores: 4, FrequencyKHz: 2000000}, 1.1)

	topo, freq, en := buildMachine(t, 4, []uint64{800000, 1600000, 2000000})
	f := farm.NewMockFarm(4, true, false)
	m, err := New(topo, freq, en, f, p, vt, nil, logr.Discard())
	require.NoError(t, err)

	next, err := m.searchConfiguration(100, 50)
	require.NoError(t, err)
	// every candidate is feasible under [0,100]; minimum n*f*V^2 is n=1,f=lowest
	assert.Equal(t, uint(1), next.NumWorkers)
	assert.Equal(t, uint64(800000), next.FrequencyKHz)
}

func TestApplyUnusedCorePolicyOffHotUnplugsIdleCores(t *testing.T) {
	p := config.Default()
	p.MappingStrategy = config.MappingLinear
	p.InactiveVCStrategy = config.UnusedOff
	// no emitter/collector: every mapping slot is a worker, so with 8
	// cores mapped 1:1 onto 8 worker slots there is no "unused" bucket,
	// only "inactive" (worker slots beyond numWorkers).
	m, _ := buildManagerWithNodes(t, 8, []uint64{800000, 1600000}, p, 8, false, false)

	m.applyUnusedCorePolicy(2)

	offCount := 0
	for _, vc := range m.mapping {
		if !vc.IsHotPlugged() {
			offCount++
		}
	}
	assert.Equal(t, 6, offCount)
}

func TestApplyMappingWECOrderPlacesWorkersBeforeEmitter(t *testing.T) {
	p := config.Default()
	p.MappingStrategy = config.MappingLinear
	p.NodesMappingOrder = config.MappingOrderWEC
	m, f := buildManagerWithNodes(t, 3, []uint64{800000}, p, 2, true, false)

	// WEC: workers take mapping[0] and mapping[1], emitter takes mapping[2].
	assert.Equal(t, m.mapping[0].ID, m.workers[0].vc.ID)
	assert.Equal(t, m.mapping[1].ID, m.workers[1].vc.ID)
	assert.Equal(t, m.mapping[2].ID, m.emitter.vc.ID)
	assert.NotNil(t, f.Emitter())
}

// buildMachineDisjointDomains builds two single-core cpus each in its own
// frequency domain (distinct affected_cpus strings), so
// findDisjointDomain always has a candidate.
func buildMachineDisjointDomains(t *testing.T, freqKHz uint64) (*topology.Topology, *cpufreq.CpuFreq, *energy.Energy) {
	t.Helper()
	cpuDir := t.TempDir()
	var fakeCpus []sysfs.FakeCpu
	for i := 0; i < 2; i++ {
		fakeCpus = append(fakeCpus, sysfs.FakeCpu{
			CpuID: uint(i), CoreID: uint(i),
			AvailableFreqsKHz: uintToStr(freqKHz),
			AffectedCpus:      uintToStr(uint64(i)),
			CurFreqKHz:        uintToStr(freqKHz),
			SetSpeedKHz:       uintToStr(freqKHz),
			Governor:          "userspace",
			HotPluggable:      false,
			Plugged:           true,
		})
	}
	require.NoError(t, sysfs.BuildFakeTree(cpuDir, fakeCpus))

	topo, err := topology.Enumerate(cpuDir, logr.Discard())
	require.NoError(t, err)
	freq, err := cpufreq.Discover(cpuDir, topo, logr.Discard())
	require.NoError(t, err)
	require.Len(t, freq.Domains(), 2)

	raplDir := t.TempDir()
	require.NoError(t, sysfs.BuildFakeRaplTree(raplDir, []sysfs.FakeSocket{{ID: 0}, {ID: 1}}))
	en, err := energy.Discover(raplDir, topo, 0, logr.Discard())
	require.NoError(t, err)

	return topo, freq, en
}

func TestApplySensitivityLeavesCollectorPinnedWithoutMigrateCollector(t *testing.T) {
	p := config.Default()
	p.MappingStrategy = config.MappingLinear
	p.FrequencyStrategy = config.FreqOS
	p.SensitiveCollector = true
	p.MigrateCollector = false

	topo, freq, en := buildMachineDisjointDomains(t, 800000)
	f := farm.NewMockFarm(1, false, true)
	m, err := New(topo, freq, en, f, p, nil, nil, logr.Discard())
	require.NoError(t, err)

	collectorSlot := m.mapping[len(m.mapping)-1]
	assert.Equal(t, collectorSlot.ID, m.collector.vc.ID)
}

func TestApplySensitivityMigratesCollectorWhenAllowed(t *testing.T) {
	p := config.Default()
	p.MappingStrategy = config.MappingLinear
	p.FrequencyStrategy = config.FreqOS
	p.SensitiveCollector = true
	p.MigrateCollector = true

	topo, freq, en := buildMachineDisjointDomains(t, 800000)
	f := farm.NewMockFarm(1, false, true)
	m, err := New(topo, freq, en, f, p, nil, nil, logr.Discard())
	require.NoError(t, err)

	assert.NotNil(t, m.sensitiveDom)
	assert.Equal(t, m.sensitiveDom.VirtualCores()[0].ID, m.collector.vc.ID)
}

func TestLinearMappingPlacesOnePerPhysicalCoreFirst(t *testing.T) {
	topo, _, _ := buildMachine(t, 4, []uint64{800000})
	v := linearMapping(topo)
	assert.Len(t, v, 4)
	seen := map[uint]bool{}
	for _, vc := range v {
		assert.False(t, seen[vc.ID])
		seen[vc.ID] = true
	}
}

// feedContinuously keeps re-feeding loadPercent to every worker on a tight
// cadence well under the manager's sampling interval, until stop is
// closed, so every real sample the manager reads during the test sees a
// fresh value rather than a stale zero left over from a prior read.
func feedContinuously(f *farm.MockFarm, n uint, loadPercent float64, tasksCount uint64, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				feedAllWorkers(f, n, loadPercent, tasksCount)
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
	return done
}

// TestEndToEndScenario1PersistentOverloadAtMaxWorkersStaysPut drives
// scenario 1 of the end-to-end scenarios through a real Start(): one CPU,
// 4 virtual cores, 1 domain, maxWorkers=4, utilization contract [80,90].
// The manager already starts at n=maxWorkers (it is constructed once the
// farm's full worker set is running), so under a sustained load of 95 the
// search's best-suboptimal tie-break always keeps it at 4 — the overload
// is logged repeatedly, but no reconfiguration is ever actually applied.
func TestEndToEndScenario1PersistentOverloadAtMaxWorkersStaysPut(t *testing.T) {
	p := config.Default()
	p.MappingStrategy = config.MappingLinear
	p.UnderloadThresholdFarm = 80
	p.OverloadThresholdFarm = 90
	p.NumSamples = 3
	p.SamplesToDiscard = 1
	p.SamplingIntervalSec = 0.03

	topo, freq, en := buildMachine(t, 4, []uint64{800000})
	f := farm.NewMockFarm(4, false, false)
	obs := &recordingObserver{}
	m, err := New(topo, freq, en, f, p, nil, obs, logr.Discard())
	require.NoError(t, err)
	require.Equal(t, uint(4), m.Configuration().NumWorkers)

	require.NoError(t, m.Start())

	stop := make(chan struct{})
	done := feedContinuously(f, 4, 95, 10, stop)
	time.Sleep(300 * time.Millisecond)
	close(stop)
	<-done
	m.Stop()

	assert.Equal(t, uint(4), m.Configuration().NumWorkers)
	assert.GreaterOrEqual(t, obs.violationCount(), 1)
	assert.Equal(t, 0, obs.reconfigureCount())
}

// TestEndToEndScenario4UnderloadShrinksWorkersAndHotUnplugsIdleCores drives
// scenario 4: inactiveVCStrategy=off (the worker-slot mapping here leaves
// no separate "unused" bucket, only "inactive" worker slots beyond
// numWorkers), 8 virtual cores, starting at maxWorkers=8. A sustained
// per-worker load low enough that n=2 is the first feasible candidate
// from n=8 drives a real reconfiguration through Start(); the test stops
// feeding and the manager the instant that first reconfiguration is
// observed, then asserts exactly 6 virtual cores report
// isHotPlugged()==false.
func TestEndToEndScenario4UnderloadShrinksWorkersAndHotUnplugsIdleCores(t *testing.T) {
	p := config.Default()
	p.MappingStrategy = config.MappingLinear
	p.InactiveVCStrategy = config.UnusedOff
	p.UnderloadThresholdFarm = 50
	p.OverloadThresholdFarm = 100
	p.NumSamples = 2
	p.SamplesToDiscard = 0
	p.SamplingIntervalSec = 0.03

	topo, freq, en := buildMachine(t, 8, []uint64{800000, 1600000})
	f := farm.NewMockFarm(8, false, false)
	obs := &recordingObserver{notify: make(chan struct{}, 1)}
	m, err := New(topo, freq, en, f, p, nil, obs, logr.Discard())
	require.NoError(t, err)
	require.Equal(t, uint(8), m.Configuration().NumWorkers)

	require.NoError(t, m.Start())

	stop := make(chan struct{})
	done := feedContinuously(f, 8, 20, 10, stop)

	select {
	case <-obs.notify:
	case <-time.After(2 * time.Second):
		close(stop)
		<-done
		m.Stop()
		t.Fatal("manager never reconfigured")
	}
	close(stop)
	<-done
	m.Stop()

	require.Equal(t, 1, obs.reconfigureCount())
	assert.Equal(t, uint(2), m.Configuration().NumWorkers)

	offCount := 0
	for _, vc := range m.mapping {
		if !vc.IsHotPlugged() {
			offCount++
		}
	}
	assert.Equal(t, 6, offCount)
}
