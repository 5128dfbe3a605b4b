package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/DanieleDeSensi/mammut/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeParamsFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "params.xml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeParamsFile(t, `<adaptivityParameters>
		<mappingStrategy>linear</mappingStrategy>
		<numSamples>5</numSamples>
	</adaptivityParameters>`)

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, MappingLinear, p.MappingStrategy)
	assert.Equal(t, uint(5), p.NumSamples)
	// unspecified elements keep the default
	assert.Equal(t, uint(1), p.SamplesToDiscard)
	assert.Equal(t, FreqNone, p.FrequencyStrategy)
}

func TestLoadIgnoresUnknownElements(t *testing.T) {
	path := writeParamsFile(t, `<adaptivityParameters>
		<somethingMadeUp>42</somethingMadeUp>
		<mappingStrategy>auto</mappingStrategy>
	</adaptivityParameters>`)

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, MappingAuto, p.MappingStrategy)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.xml"))
	assert.Error(t, err)
}

func baseCaps() Capabilities {
	return Capabilities{HwLowerKHz: 800000, HwUpperKHz: 3200000, SupportsHotplug: true, SupportsUserspace: true}
}

func TestValidateDefaultsPass(t *testing.T) {
	assert.NoError(t, Validate(Default(), baseCaps()))
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	p := Default()
	p.UnderloadThresholdFarm = 90
	p.OverloadThresholdFarm = 80
	err := Validate(p, baseCaps())
	require.Error(t, err)
	assertSub(t, err, errs.ConfigSubThresholdsInvalid)
}

func TestValidateFreqStrategyRequiresMapping(t *testing.T) {
	p := Default()
	p.FrequencyStrategy = FreqOS
	err := Validate(p, baseCaps())
	require.Error(t, err)
	assertSub(t, err, errs.ConfigSubFreqStrategyRequiresMapping)
}

func TestValidateRejectsCacheEfficientMapping(t *testing.T) {
	p := Default()
	p.MappingStrategy = MappingCacheEfficient
	err := Validate(p, baseCaps())
	require.Error(t, err)
	assertSub(t, err, errs.ConfigSubMappingUnsupported)
}

func TestValidateRejectsUnknownNodesMappingOrder(t *testing.T) {
	p := Default()
	p.NodesMappingOrder = "XYZ"
	err := Validate(p, baseCaps())
	require.Error(t, err)
	assertSub(t, err, errs.ConfigSubMappingUnsupported)
}

func TestValidateRejectsUnknownGovernor(t *testing.T) {
	p := Default()
	p.MappingStrategy = MappingLinear
	p.FrequencyStrategy = FreqOS
	p.Governor = "whatever"
	err := Validate(p, baseCaps())
	require.Error(t, err)
	assertSub(t, err, errs.ConfigSubGovernorUnsupported)
}

func TestValidateRejectsBoundsBeyondHardware(t *testing.T) {
	p := Default()
	p.MappingStrategy = MappingLinear
	p.FrequencyStrategy = FreqOS
	p.FrequencyUpperBound = 9999999
	err := Validate(p, baseCaps())
	require.Error(t, err)
	assertSub(t, err, errs.ConfigSubInvalidFrequencyBounds)
}

func TestValidateSensitiveRequiresFreqStrategy(t *testing.T) {
	p := Default()
	p.SensitiveEmitter = true
	err := Validate(p, baseCaps())
	require.Error(t, err)
	assertSub(t, err, errs.ConfigSubSensitiveWithoutFreqStrategy)
}

func TestValidateSensitiveRequiresDisjointDomain(t *testing.T) {
	p := Default()
	p.MappingStrategy = MappingLinear
	p.FrequencyStrategy = FreqOS
	p.SensitiveEmitter = true
	caps := baseCaps()
	caps.DisjointDomainExists = false
	err := Validate(p, caps)
	require.Error(t, err)
	assertSub(t, err, errs.ConfigSubSensitiveMissingGovernors)
}

func TestValidateUnusedOffRequiresHotplug(t *testing.T) {
	p := Default()
	p.UnusedVCStrategy = UnusedOff
	caps := baseCaps()
	caps.SupportsHotplug = false
	err := Validate(p, caps)
	require.Error(t, err)
	assertSub(t, err, errs.ConfigSubUnusedNoOff)
}

func TestValidatePowerConservativeRequiresVoltageFile(t *testing.T) {
	p := Default()
	p.MappingStrategy = MappingLinear
	p.FrequencyStrategy = FreqPowerConservative
	err := Validate(p, baseCaps())
	require.Error(t, err)
	assertSub(t, err, errs.ConfigSubVoltageFileNeeded)
}

func TestValidateBandwidthContractChecksVariationRange(t *testing.T) {
	p := Default()
	p.RequiredBandwidth = 1000
	p.MaxBandwidthVariation = 150
	err := Validate(p, baseCaps())
	require.Error(t, err)
	assertSub(t, err, errs.ConfigSubBandwidthParamsInvalid)
}

func assertSub(t *testing.T, err error, want errs.ConfigSub) {
	t.Helper()
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, want, e.Sub)
}
