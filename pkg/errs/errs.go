// Package errs defines the error taxonomy shared by every mammut package.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the failure so callers can branch without string matching.
type Kind int

const (
	// Unknown is the zero value and should never be returned deliberately.
	Unknown Kind = iota
	// Unsupported means the host or kernel does not expose the requested
	// capability (e.g. no userspace governor, no RAPL domain).
	Unsupported
	// InvalidArgument means the caller passed a value outside the allowed
	// domain (negative frequency, empty virtual core set, ...).
	InvalidArgument
	// NotFound means a referenced entity (virtual core, domain, counter)
	// does not exist on this host.
	NotFound
	// Transport means a remote Communicator call failed at the wire level.
	Transport
	// ConfigInvalid means an AdaptivityParameters file failed validation.
	// Sub is set to one of the ConfigSub* codes below.
	ConfigInvalid
	// Fatal means the manager cannot continue operating and has stopped.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Unsupported:
		return "Unsupported"
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case Transport:
		return "Transport"
	case ConfigInvalid:
		return "ConfigInvalid"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// ConfigSub enumerates the specific reasons an AdaptivityParameters value
// can fail validation, mirroring AdaptivityParameters::validate in the
// original Mammut fastflow module.
type ConfigSub int

const (
	ConfigSubNone ConfigSub = iota
	// ConfigSubThresholdsInvalid: underload/overload (farm or worker) bounds
	// are missing, inverted, or out of [0,100].
	ConfigSubThresholdsInvalid
	// ConfigSubFreqStrategyRequiresMapping: frequencyStrategy other than
	// none requires mappingStrategy other than none.
	ConfigSubFreqStrategyRequiresMapping
	// ConfigSubFreqStrategyUnsupported: frequencyStrategy names a value
	// outside {none, os, coresConservative, powerConservative}.
	ConfigSubFreqStrategyUnsupported
	// ConfigSubGovernorUnsupported: governor names a value outside the
	// recognized governor set.
	ConfigSubGovernorUnsupported
	// ConfigSubMappingUnsupported: mappingStrategy names cacheEfficient,
	// reserved and rejected in this implementation.
	ConfigSubMappingUnsupported
	// ConfigSubSensitiveWithoutFreqStrategy: sensitiveEmitter/Collector
	// requested while frequencyStrategy == none.
	ConfigSubSensitiveWithoutFreqStrategy
	// ConfigSubSensitiveMissingGovernors: sensitivity placement needs a
	// disjoint domain pinnable to performance/userspace, and validation
	// cannot establish that any governor set supports it.
	ConfigSubSensitiveMissingGovernors
	// ConfigSubInvalidFrequencyBounds: frequencyLowerBound > upperBound,
	// or bounds outside hardware limits.
	ConfigSubInvalidFrequencyBounds
	// ConfigSubUnusedNoOff: unusedVCStrategy/inactiveVCStrategy == off on a
	// platform without hot-plug support.
	ConfigSubUnusedNoOff
	// ConfigSubUnusedNoFrequencies: unusedVCStrategy/inactiveVCStrategy ==
	// lowestFrequency with no userspace/powersave governor available.
	ConfigSubUnusedNoFrequencies
	// ConfigSubBandwidthParamsInvalid: requiredBandwidth set with a
	// negative or >100 maxBandwidthVariation, or vice versa.
	ConfigSubBandwidthParamsInvalid
	// ConfigSubVoltageFileNeeded: frequencyStrategy == powerConservative
	// without a voltageTableFile.
	ConfigSubVoltageFileNeeded
	// ConfigSubNoFastReconf: fastReconfiguration requested while
	// frequencyStrategy == none.
	ConfigSubNoFastReconf
)

func (s ConfigSub) String() string {
	switch s {
	case ConfigSubThresholdsInvalid:
		return "ThresholdsInvalid"
	case ConfigSubFreqStrategyRequiresMapping:
		return "FreqStrategyRequiresMapping"
	case ConfigSubFreqStrategyUnsupported:
		return "FreqStrategyUnsupported"
	case ConfigSubGovernorUnsupported:
		return "GovernorUnsupported"
	case ConfigSubMappingUnsupported:
		return "MappingUnsupported"
	case ConfigSubSensitiveWithoutFreqStrategy:
		return "SensitiveWithoutFreqStrategy"
	case ConfigSubSensitiveMissingGovernors:
		return "SensitiveMissingGovernors"
	case ConfigSubInvalidFrequencyBounds:
		return "InvalidFrequencyBounds"
	case ConfigSubUnusedNoOff:
		return "UnusedNoOff"
	case ConfigSubUnusedNoFrequencies:
		return "UnusedNoFrequencies"
	case ConfigSubBandwidthParamsInvalid:
		return "BandwidthParamsInvalid"
	case ConfigSubVoltageFileNeeded:
		return "VoltageFileNeeded"
	case ConfigSubNoFastReconf:
		return "NoFastReconf"
	default:
		return "None"
	}
}

// Error is the concrete error type returned by every public mammut API.
type Error struct {
	Kind Kind
	Sub  ConfigSub
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.Sub != ConfigSubNone {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Sub, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New wraps err with op/kind context, attaching a stack trace via
// github.com/pkg/errors the same way the katalyst-core poweraware plugin
// wraps its internal errors.
func New(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, err: errors.WithStack(err)}
}

// NewConfig wraps a config validation failure with its sub-code.
func NewConfig(op string, sub ConfigSub, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: ConfigInvalid, Sub: sub, err: errors.WithStack(err)}
}

// Is reports whether err (or one if its wrapped causes) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
