package farm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockNodeSampleRoundTrips(t *testing.T) {
	n := NewMockNode(42)
	n.Feed(75.5, 10)

	s, err := n.GetAndResetSample()
	require.NoError(t, err)
	assert.Equal(t, 75.5, s.LoadPercent)
	assert.Equal(t, uint64(10), s.TasksCount)
	assert.True(t, s.Alive)

	// resets after read
	s2, err := n.GetAndResetSample()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), s2.TasksCount)
}

func TestMockNodeKillReportsDead(t *testing.T) {
	n := NewMockNode(1)
	n.Kill()
	s, err := n.GetAndResetSample()
	require.NoError(t, err)
	assert.False(t, s.Alive)

	h, err := n.ThreadHandle()
	require.NoError(t, err)
	assert.False(t, h.IsAlive())
}

func TestMockFarmRunThenFreezeTracksActiveCount(t *testing.T) {
	f := NewMockFarm(4, true, true)
	require.NoError(t, f.RunThenFreeze(2))
	assert.Equal(t, uint(2), f.ActiveWorkers())

	for i := uint(0); i < 2; i++ {
		require.NoError(t, f.MockWorker(i).ProduceNull())
	}
	require.NoError(t, f.WaitFreezing())
}

func TestMockFarmWaitFreezingFailsIfNotDrained(t *testing.T) {
	f := NewMockFarm(2, false, false)
	require.NoError(t, f.RunThenFreeze(2))
	// only worker 0 froze
	require.NoError(t, f.MockWorker(0).ProduceNull())
	assert.Error(t, f.WaitFreezing())
}

func TestMultiObserverFansOutToAllObservers(t *testing.T) {
	var a, b recordingObserver
	m := NewMultiObserver(&a, &b)
	m.OnSample(100, 50)
	m.OnReconfigure(2, 4, 1000, 2000)
	m.OnContractViolation("overload")

	assert.Equal(t, 1, a.samples)
	assert.Equal(t, 1, b.samples)
	assert.Equal(t, 1, a.reconfigs)
	assert.Equal(t, []string{"overload"}, a.violations)
}

type recordingObserver struct {
	samples, reconfigs int
	violations         []string
}

func (r *recordingObserver) OnSample(float64, float64)                    { r.samples++ }
func (r *recordingObserver) OnReconfigure(uint, uint, uint64, uint64)      { r.reconfigs++ }
func (r *recordingObserver) OnContractViolation(reason string)            { r.violations = append(r.violations, reason) }
