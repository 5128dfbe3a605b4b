package energy

import (
	"fmt"
	"path/filepath"
	"strconv"

	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/DanieleDeSensi/mammut/pkg/errs"
)

const (
	powerLimitFileFmt = "constraint_%d_power_limit_uw"
	timeWindowFileFmt = "constraint_%d_time_window_us"
	hwMaxPowerFile     = "max_power_uw"
)

// PowerCapWindow is one of up to two independently configurable RAPL-style
// windows per socket.
type PowerCapWindow struct {
	CapWatts     intstr.IntOrString
	WindowSeconds float64
}

// PowerCapper applies per-socket power caps, clamping to hardware bounds.
type PowerCapper struct {
	e *Energy
}

// NewPowerCapper builds a PowerCapper bound to e's discovered sockets.
func NewPowerCapper(e *Energy) *PowerCapper { return &PowerCapper{e: e} }

// SetWindow applies windows[i] as constraint i (0 or 1) on cpuID's socket.
// Values clamp to the socket's hardware max power; setting a cap for a
// missing socket fails with Unsupported.
func (p *PowerCapper) SetWindow(cpuID uint, windowIndex int, w PowerCapWindow) error {
	if windowIndex != 0 && windowIndex != 1 {
		return errs.New("PowerCapper.SetWindow", errs.InvalidArgument, fmt.Errorf("window index must be 0 or 1, got %d", windowIndex))
	}
	if _, err := p.e.CounterByCpuID(cpuID); err != nil {
		return errs.New("PowerCapper.SetWindow", errs.Unsupported, fmt.Errorf("no socket %d", cpuID))
	}

	dir := socketDir(cpuID)
	maxPowerUw, err := readGlobalUint(p.e.sys, dir, hwMaxPowerFile)
	if err != nil {
		return errs.New("PowerCapper.SetWindow", errs.Unsupported, err)
	}

	capWatts, err := resolveCapWatts(w.CapWatts, maxPowerUw)
	if err != nil {
		return errs.New("PowerCapper.SetWindow", errs.InvalidArgument, err)
	}
	if capWatts > maxPowerUw {
		capWatts = maxPowerUw
	}

	if err := p.e.sys.WriteGlobalString(filepath.Join(dir, fmt.Sprintf(powerLimitFileFmt, windowIndex)), strconv.FormatUint(capWatts, 10)); err != nil {
		return errs.New("PowerCapper.SetWindow", errs.Fatal, err)
	}
	windowUs := uint64(w.WindowSeconds * 1e6)
	if err := p.e.sys.WriteGlobalString(filepath.Join(dir, fmt.Sprintf(timeWindowFileFmt, windowIndex)), strconv.FormatUint(windowUs, 10)); err != nil {
		return errs.New("PowerCapper.SetWindow", errs.Fatal, err)
	}
	return nil
}

// SetMachineWideCap distributes capWatts equally across every discovered
// socket's window 0.
func (p *PowerCapper) SetMachineWideCap(capWatts intstr.IntOrString, windowSeconds float64) error {
	n := len(p.e.order)
	if n == 0 {
		return errs.New("PowerCapper.SetMachineWideCap", errs.Unsupported, fmt.Errorf("no sockets discovered"))
	}
	for _, cpuID := range p.e.order {
		var perSocket intstr.IntOrString
		if capWatts.Type == intstr.Int {
			perSocket = intstr.FromInt(int(capWatts.IntVal) / n)
		} else {
			perSocket = capWatts // percentages distribute naturally: same % of each socket's own TDP
		}
		if err := p.SetWindow(cpuID, 0, PowerCapWindow{CapWatts: perSocket, WindowSeconds: windowSeconds}); err != nil {
			return err
		}
	}
	return nil
}

func resolveCapWatts(capWatts intstr.IntOrString, maxPowerUw uint64) (uint64, error) {
	if capWatts.Type == intstr.Int {
		return uint64(capWatts.IntVal) * 1_000_000, nil
	}
	scaled, err := intstr.GetScaledValueFromIntOrPercent(&capWatts, int(maxPowerUw), true)
	if err != nil {
		return 0, err
	}
	return uint64(scaled), nil
}
