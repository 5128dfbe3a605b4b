package manager

// rawSample is one sampling-loop iteration's raw readings, before being
// folded into the sliding window.
type rawSample struct {
	loads       []float64
	tasks       uint64
	usedJoules  float64
	unusedJoules float64
}

// samplingWindow is the ring buffer of the last numSamples readings
// (§4.4.4 step 4), with samplesToDiscard readings dropped after any
// reconfiguration or on window construction.
type samplingWindow struct {
	capacity uint
	discard  uint

	samples []rawSample
	elapsed uint // total samples observed since this window started, including discarded ones
}

func newSamplingWindow(capacity uint) samplingWindow {
	if capacity == 0 {
		capacity = 1
	}
	return samplingWindow{capacity: capacity}
}

// add folds s into the window, dropping it if still within the discard
// count. Returns true if s was kept and false if it was discarded; callers
// should check ready() before evaluating the window.
func (w *samplingWindow) add(s rawSample) bool {
	w.elapsed++
	if w.discard > 0 {
		w.discard--
		return false
	}
	w.samples = append(w.samples, s)
	if uint(len(w.samples)) > w.capacity {
		w.samples = w.samples[uint(len(w.samples))-w.capacity:]
	}
	return true
}

// ready reports whether elapsedSamples > numSamples and the window has
// a full, post-discard set of samples to evaluate (§4.4.4 step 5).
func (w *samplingWindow) ready() bool {
	return w.elapsed > w.capacity && uint(len(w.samples)) >= w.capacity
}

// averages computes avgBandwidth (tasks/sec) and avgUtilization (percent)
// per §4.4.4 step 4, given the sampling cadence used to take each reading.
func (w *samplingWindow) averages(samplingIntervalSec float64) (avgBandwidth, avgUtilization float64) {
	n := len(w.samples)
	if n == 0 {
		return 0, 0
	}
	var totalTasks uint64
	var totalLoad float64
	var totalWorkers int
	for _, s := range w.samples {
		totalTasks += s.tasks
		for _, l := range s.loads {
			totalLoad += l
		}
		totalWorkers += len(s.loads)
	}
	if samplingIntervalSec <= 0 {
		samplingIntervalSec = 1
	}
	avgBandwidth = float64(totalTasks) / float64(n) / samplingIntervalSec
	if totalWorkers > 0 {
		avgUtilization = totalLoad / float64(totalWorkers)
	}
	return avgBandwidth, avgUtilization
}
