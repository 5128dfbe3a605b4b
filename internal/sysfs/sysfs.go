// Package sysfs provides the read/write primitives shared by the
// topology, cpufreq and energy packages. Every real sysfs path they touch
// is rooted at a configurable directory so tests can point it at a
// synthetic tree instead of /sys.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Root is the directory standing in for /sys/devices/system/cpu. Tests
// replace it with a temp directory populated with fake files, the same
// trick the teacher's test_common.go uses for its basePath.
type Root struct {
	Path string
}

// NewRoot builds a Root rooted at path. An empty path defaults to the
// real sysfs location.
func NewRoot(path string) Root {
	if path == "" {
		path = "/sys/devices/system/cpu"
	}
	return Root{Path: path}
}

// CpuDir returns the directory for a given virtual core id, e.g. cpu0.
func (r Root) CpuDir(cpuID uint) string {
	return filepath.Join(r.Path, fmt.Sprintf("cpu%d", cpuID))
}

// ReadString reads relFile under a cpu's directory and trims whitespace.
func (r Root) ReadString(cpuID uint, relFile string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.CpuDir(cpuID), relFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadUint reads relFile under a cpu's directory and parses it as uint64.
func (r Root) ReadUint(cpuID uint, relFile string) (uint64, error) {
	s, err := r.ReadString(cpuID, relFile)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", relFile, err)
	}
	return v, nil
}

// ReadInt64 reads relFile under a cpu's directory and parses it as int64,
// used for hardware counters that may legitimately hold negative deltas.
func (r Root) ReadInt64(cpuID uint, relFile string) (int64, error) {
	s, err := r.ReadString(cpuID, relFile)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", relFile, err)
	}
	return v, nil
}

// WriteString writes value to relFile under a cpu's directory.
func (r Root) WriteString(cpuID uint, relFile, value string) error {
	path := filepath.Join(r.CpuDir(cpuID), relFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(value)
	return err
}

// ReadGlobalString reads relFile directly under Root (not under a per-cpu
// directory), e.g. the boost toggle at cpufreq/boost.
func (r Root) ReadGlobalString(relFile string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.Path, relFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteGlobalString writes value to relFile directly under Root.
func (r Root) WriteGlobalString(relFile, value string) error {
	path := filepath.Join(r.Path, relFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(value)
	return err
}

// ReadGlobalUintAt reads an absolute-ish path (still joined under Root)
// and parses it as uint64, used by counters whose layout isn't the
// standard per-cpu cpufreq/cpuidle shape (e.g. RAPL socket directories).
func (r Root) ReadGlobalUintAt(relPath string) (uint64, error) {
	s, err := r.ReadGlobalString(relPath)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", relPath, err)
	}
	return v, nil
}

// Exists reports whether relFile exists under a cpu's directory.
func (r Root) Exists(cpuID uint, relFile string) bool {
	_, err := os.Stat(filepath.Join(r.CpuDir(cpuID), relFile))
	return err == nil
}

// SplitFields splits a whitespace separated sysfs list value, e.g. the
// contents of scaling_available_governors.
func SplitFields(s string) []string {
	return strings.Fields(s)
}
