package manager

import (
	"fmt"

	"github.com/DanieleDeSensi/mammut/pkg/config"
)

// contractViolated implements §4.4.5: a bandwidth contract (selected by a
// non-zero requiredBandwidth) is violated outside
// [R*(1-v/100), R*(1+v/100)]; otherwise the utilization contract is
// violated outside [underloadThresholdFarm, overloadThresholdFarm].
func (m *Manager) contractViolated(avgBandwidth, avgUtilization float64) (bool, string) {
	if m.params.RequiredBandwidth > 0 {
		lo, hi := bandwidthBand(m.params.RequiredBandwidth, m.params.MaxBandwidthVariation)
		if avgBandwidth < lo {
			return true, fmt.Sprintf("bandwidth %.2f below %.2f", avgBandwidth, lo)
		}
		if avgBandwidth > hi {
			return true, fmt.Sprintf("bandwidth %.2f above %.2f", avgBandwidth, hi)
		}
		return false, ""
	}
	if avgUtilization < m.params.UnderloadThresholdFarm {
		return true, fmt.Sprintf("utilization %.2f below %.2f", avgUtilization, m.params.UnderloadThresholdFarm)
	}
	if avgUtilization > m.params.OverloadThresholdFarm {
		return true, fmt.Sprintf("utilization %.2f above %.2f", avgUtilization, m.params.OverloadThresholdFarm)
	}
	return false, ""
}

func bandwidthBand(required, variationPercent float64) (lo, hi float64) {
	v := variationPercent / 100
	return required * (1 - v), required * (1 + v)
}

// scaleFactor is the monotone scaling estimator's multiplier for moving
// from (n,f) to (n',f'), per §4.4.5.
func scaleFactor(strategy config.FrequencyStrategy, n, nPrime uint, f, fPrime uint64) float64 {
	if strategy == config.FreqNone || strategy == config.FreqOS {
		if n == 0 {
			return 1
		}
		return float64(nPrime) / float64(n)
	}
	if n == 0 || f == 0 {
		return 1
	}
	return (float64(nPrime) * float64(fPrime)) / (float64(n) * float64(f))
}

// estimate projects avgBandwidth/avgUtilization onto candidate (n',f')
// using the current (n,f) and scaleFactor.
func estimate(strategy config.FrequencyStrategy, avgBandwidth, avgUtilization float64, n, nPrime uint, f, fPrime uint64) (estBandwidth, estUtilization float64) {
	scale := scaleFactor(strategy, n, nPrime, f, fPrime)
	if scale == 0 {
		scale = 1
	}
	return avgBandwidth * scale, avgUtilization / scale
}

// satisfiesContract reports whether a candidate's estimated metrics
// would satisfy the manager's configured contract.
func (m *Manager) satisfiesContract(estBandwidth, estUtilization float64) bool {
	if m.params.RequiredBandwidth > 0 {
		lo, hi := bandwidthBand(m.params.RequiredBandwidth, m.params.MaxBandwidthVariation)
		return estBandwidth >= lo && estBandwidth <= hi
	}
	return estUtilization >= m.params.UnderloadThresholdFarm && estUtilization <= m.params.OverloadThresholdFarm
}

// suboptimalDistance returns the signed distance metric(candidate) minus
// the contract's target, used by the best-suboptimal tie-break (§4.4.6):
// for bandwidth, target = R; for utilization, target =
// underloadThresholdFarm.
func (m *Manager) suboptimalDistance(estBandwidth, estUtilization float64) float64 {
	if m.params.RequiredBandwidth > 0 {
		return estBandwidth - m.params.RequiredBandwidth
	}
	return estUtilization - m.params.UnderloadThresholdFarm
}

// betterSuboptimal reports whether candidate b is a better best-suboptimal
// choice than the current best a, given their signed distances. The
// positive one wins when signs differ; otherwise the smaller |d| wins.
func betterSuboptimal(aDist, bDist float64) bool {
	if sign(aDist) != sign(bDist) {
		return bDist > aDist
	}
	return abs(bDist) < abs(aDist)
}

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
