// Package config loads and validates AdaptivityParameters, the XML
// configuration consumed by the AdaptiveManager. Parsing uses the
// standard library's encoding/xml: none of the example repos pull in a
// third-party XML library, and <adaptivityParameters> is a flat,
// attribute-free document that encoding/xml handles directly — the
// corpus's own preference for depending on an ecosystem library doesn't
// extend to reimplementing what the stdlib already does well.
package config

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/DanieleDeSensi/mammut/pkg/cpufreq"
	"github.com/DanieleDeSensi/mammut/pkg/errs"
)

// MappingStrategy selects how the manager places threads on virtual cores.
type MappingStrategy string

const (
	MappingNone           MappingStrategy = "none"
	MappingAuto           MappingStrategy = "auto"
	MappingLinear         MappingStrategy = "linear"
	MappingCacheEfficient MappingStrategy = "cacheEfficient"
)

// FrequencyStrategy selects whether/how the manager drives DVFS.
type FrequencyStrategy string

const (
	FreqNone              FrequencyStrategy = "none"
	FreqOS                FrequencyStrategy = "os"
	FreqCoresConservative FrequencyStrategy = "coresConservative"
	FreqPowerConservative FrequencyStrategy = "powerConservative"
)

// LinearMappingType selects the relative placement of the emitter, the
// workers and the collector on the sorted virtual-core list V computed by
// the linear mapping policy.
type LinearMappingType string

const (
	// MappingOrderEWC places the emitter first, the workers next, and the
	// collector last. This is the default and the only layout spec.md
	// documents.
	MappingOrderEWC LinearMappingType = "EWC"
	// MappingOrderWEC places the workers first, then the emitter, then
	// the collector.
	MappingOrderWEC LinearMappingType = "WEC"
	// MappingOrderECW places the emitter first, then the collector, then
	// the workers.
	MappingOrderECW LinearMappingType = "ECW"
)

// UnusedStrategy selects what happens to cores not running a worker.
type UnusedStrategy string

const (
	UnusedNone           UnusedStrategy = "none"
	UnusedAuto           UnusedStrategy = "auto"
	UnusedLowestFrequency UnusedStrategy = "lowestFrequency"
	UnusedOff            UnusedStrategy = "off"
)

// Parameters is the fully-parsed, not-yet-validated AdaptivityParameters
// document. XML element names follow the source's camelCase naming.
type Parameters struct {
	XMLName xml.Name `xml:"adaptivityParameters"`

	MappingStrategy   MappingStrategy   `xml:"mappingStrategy"`
	FrequencyStrategy FrequencyStrategy `xml:"frequencyStrategy"`
	Governor          string            `xml:"governor"`
	TurboBoost        bool              `xml:"turboBoost"`

	FrequencyLowerBound uint64 `xml:"frequencyLowerBound"`
	FrequencyUpperBound uint64 `xml:"frequencyUpperBound"`

	FastReconfiguration bool `xml:"fastReconfiguration"`

	UnusedVCStrategy   UnusedStrategy `xml:"unusedVCStrategy"`
	InactiveVCStrategy UnusedStrategy `xml:"inactiveVCStrategy"`

	SensitiveEmitter   bool `xml:"sensitiveEmitter"`
	SensitiveCollector bool `xml:"sensitiveCollector"`

	// NodesMappingOrder selects the EWC/WEC/ECW relative placement of
	// emitter, workers and collector on V; see LinearMappingType.
	NodesMappingOrder LinearMappingType `xml:"nodesMappingOrder"`
	// MigrateCollector, when true, lets the collector be relocated onto
	// a different virtual core by sensitivity placement; when false the
	// collector always keeps its initial EWC/WEC/ECW slot.
	MigrateCollector bool `xml:"migrateCollector"`

	NumSamples           uint    `xml:"numSamples"`
	SamplesToDiscard     uint    `xml:"samplesToDiscard"`
	SamplingIntervalSec  float64 `xml:"samplingIntervalSec"`

	UnderloadThresholdFarm   float64 `xml:"underloadThresholdFarm"`
	OverloadThresholdFarm    float64 `xml:"overloadThresholdFarm"`
	UnderloadThresholdWorker float64 `xml:"underloadThresholdWorker"`
	OverloadThresholdWorker  float64 `xml:"overloadThresholdWorker"`

	RequiredBandwidth      float64 `xml:"requiredBandwidth"`
	MaxBandwidthVariation  float64 `xml:"maxBandwidthVariation"`

	VoltageTableFile string `xml:"voltageTableFile"`

	MaxWorkers uint `xml:"maxWorkers"`
}

// Default returns the parameter set's documented defaults: no mapping, no
// DVFS control, a wide utilization band, and a 1s sampling interval over a
// 3-sample window discarding the first sample after reconfiguration — the
// Open Question decision recorded for the samplesToDiscard variant of the
// two divergent source headers.
func Default() Parameters {
	return Parameters{
		MappingStrategy:          MappingNone,
		FrequencyStrategy:        FreqNone,
		Governor:                 "",
		NodesMappingOrder:        MappingOrderEWC,
		UnusedVCStrategy:         UnusedNone,
		InactiveVCStrategy:       UnusedNone,
		NumSamples:               3,
		SamplesToDiscard:         1,
		SamplingIntervalSec:      1,
		UnderloadThresholdFarm:   0,
		OverloadThresholdFarm:    100,
		UnderloadThresholdWorker: 0,
		OverloadThresholdWorker:  100,
		MaxWorkers:               1,
	}
}

// Load reads path and overlays it on Default(); elements absent from the
// file keep their default value, and unrecognized elements are ignored
// (encoding/xml already skips fields with no matching struct tag).
func Load(path string) (Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Parameters{}, errs.New("config.Load", errs.NotFound, err)
	}
	p := Default()
	if err := xml.Unmarshal(data, &p); err != nil {
		return Parameters{}, errs.New("config.Load", errs.InvalidArgument, err)
	}
	return p, nil
}

// Validate checks p for internal consistency, returning a ConfigInvalid
// error carrying the first violated sub-code encountered. hwLowerKHz and
// hwUpperKHz are the hardware frequency bounds of the domain(s) the
// manager will drive; supportsHotplug/supportsUserspace/supportsPowersave
// describe platform capability as discovered by topology/cpufreq.
type Capabilities struct {
	HwLowerKHz, HwUpperKHz uint64
	SupportsHotplug        bool
	SupportsUserspace      bool
	SupportsPowersave      bool
	DisjointDomainExists   bool
}

func Validate(p Parameters, caps Capabilities) error {
	const op = "config.Validate"

	if p.RequiredBandwidth > 0 {
		if p.MaxBandwidthVariation < 0 || p.MaxBandwidthVariation > 100 {
			return errs.NewConfig(op, errs.ConfigSubBandwidthParamsInvalid, fmt.Errorf("maxBandwidthVariation %.2f out of [0,100]", p.MaxBandwidthVariation))
		}
	} else {
		if p.UnderloadThresholdFarm < 0 || p.OverloadThresholdFarm > 100 || p.UnderloadThresholdFarm >= p.OverloadThresholdFarm {
			return errs.NewConfig(op, errs.ConfigSubThresholdsInvalid, fmt.Errorf("farm thresholds [%.2f,%.2f] invalid", p.UnderloadThresholdFarm, p.OverloadThresholdFarm))
		}
		if p.UnderloadThresholdWorker < 0 || p.OverloadThresholdWorker > 100 || p.UnderloadThresholdWorker >= p.OverloadThresholdWorker {
			return errs.NewConfig(op, errs.ConfigSubThresholdsInvalid, fmt.Errorf("worker thresholds [%.2f,%.2f] invalid", p.UnderloadThresholdWorker, p.OverloadThresholdWorker))
		}
	}

	switch p.MappingStrategy {
	case MappingNone, MappingAuto, MappingLinear:
	case MappingCacheEfficient:
		return errs.NewConfig(op, errs.ConfigSubMappingUnsupported, fmt.Errorf("cacheEfficient mapping is reserved"))
	default:
		return errs.NewConfig(op, errs.ConfigSubMappingUnsupported, fmt.Errorf("unknown mappingStrategy %q", p.MappingStrategy))
	}

	switch p.FrequencyStrategy {
	case FreqNone, FreqOS, FreqCoresConservative, FreqPowerConservative:
	default:
		return errs.NewConfig(op, errs.ConfigSubFreqStrategyUnsupported, fmt.Errorf("unknown frequencyStrategy %q", p.FrequencyStrategy))
	}

	switch p.NodesMappingOrder {
	case "", MappingOrderEWC, MappingOrderWEC, MappingOrderECW:
	default:
		return errs.NewConfig(op, errs.ConfigSubMappingUnsupported, fmt.Errorf("unknown nodesMappingOrder %q", p.NodesMappingOrder))
	}

	if p.FrequencyStrategy != FreqNone && p.MappingStrategy == MappingNone {
		return errs.NewConfig(op, errs.ConfigSubFreqStrategyRequiresMapping, fmt.Errorf("frequencyStrategy %q requires a non-none mappingStrategy", p.FrequencyStrategy))
	}

	if p.FrequencyStrategy == FreqOS && p.Governor != "" {
		if _, err := cpufreq.ParseGovernor(p.Governor); err != nil {
			return errs.NewConfig(op, errs.ConfigSubGovernorUnsupported, err)
		}
	}

	if p.FrequencyStrategy == FreqOS {
		if p.FrequencyLowerBound > p.FrequencyUpperBound && p.FrequencyUpperBound != 0 {
			return errs.NewConfig(op, errs.ConfigSubInvalidFrequencyBounds, fmt.Errorf("frequencyLowerBound %d > frequencyUpperBound %d", p.FrequencyLowerBound, p.FrequencyUpperBound))
		}
		if p.FrequencyLowerBound != 0 && p.FrequencyLowerBound < caps.HwLowerKHz {
			return errs.NewConfig(op, errs.ConfigSubInvalidFrequencyBounds, fmt.Errorf("frequencyLowerBound %d below hardware minimum %d", p.FrequencyLowerBound, caps.HwLowerKHz))
		}
		if p.FrequencyUpperBound != 0 && p.FrequencyUpperBound > caps.HwUpperKHz {
			return errs.NewConfig(op, errs.ConfigSubInvalidFrequencyBounds, fmt.Errorf("frequencyUpperBound %d above hardware maximum %d", p.FrequencyUpperBound, caps.HwUpperKHz))
		}
	}

	if (p.SensitiveEmitter || p.SensitiveCollector) && p.FrequencyStrategy == FreqNone {
		return errs.NewConfig(op, errs.ConfigSubSensitiveWithoutFreqStrategy, fmt.Errorf("sensitive placement requires a non-none frequencyStrategy"))
	}
	if (p.SensitiveEmitter || p.SensitiveCollector) && !caps.DisjointDomainExists {
		return errs.NewConfig(op, errs.ConfigSubSensitiveMissingGovernors, fmt.Errorf("no frequency domain disjoint from the worker domain is available"))
	}

	for _, s := range []UnusedStrategy{p.UnusedVCStrategy, p.InactiveVCStrategy} {
		switch s {
		case UnusedNone, UnusedAuto, UnusedLowestFrequency, UnusedOff:
		default:
			return errs.NewConfig(op, errs.ConfigSubUnusedNoOff, fmt.Errorf("unknown unused-core strategy %q", s))
		}
		if s == UnusedOff && !caps.SupportsHotplug {
			return errs.NewConfig(op, errs.ConfigSubUnusedNoOff, fmt.Errorf("unusedVCStrategy=off requires hot-plug support"))
		}
		if s == UnusedLowestFrequency && !caps.SupportsUserspace && !caps.SupportsPowersave {
			return errs.NewConfig(op, errs.ConfigSubUnusedNoFrequencies, fmt.Errorf("unusedVCStrategy=lowestFrequency requires userspace or powersave governor support"))
		}
	}

	if p.FrequencyStrategy == FreqPowerConservative && p.VoltageTableFile == "" {
		return errs.NewConfig(op, errs.ConfigSubVoltageFileNeeded, fmt.Errorf("frequencyStrategy=powerConservative requires voltageTableFile"))
	}

	if p.FastReconfiguration && p.FrequencyStrategy == FreqNone {
		return errs.NewConfig(op, errs.ConfigSubNoFastReconf, fmt.Errorf("fastReconfiguration requires a non-none frequencyStrategy to force performance"))
	}

	return nil
}
