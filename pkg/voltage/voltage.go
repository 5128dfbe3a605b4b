// Package voltage loads and dumps the VoltageTable used by the
// power-conservative configuration-search strategy, parsing the
// semicolon-delimited text format described for the adaptive manager.
// The scanner follows the teacher's own sysfs line-parsing idiom
// (strings.Split / strings.TrimSuffix in p_states.go) rather than
// reaching for encoding/csv, since the format isn't RFC 4180 CSV.
package voltage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/DanieleDeSensi/mammut/pkg/errs"
)

// Key identifies one entry: the number of active virtual cores and the
// frequency (kHz) the entry was measured at.
type Key struct {
	VirtualCores uint
	FrequencyKHz uint64
}

// Table maps (usedVirtualCoreCount, frequencyKHz) to a measured voltage.
type Table struct {
	entries map[Key]float64
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: map[Key]float64{}}
}

// Set records the voltage for k, overwriting any previous entry.
func (t *Table) Set(k Key, voltage float64) {
	if t.entries == nil {
		t.entries = map[Key]float64{}
	}
	t.entries[k] = voltage
}

// Lookup returns the voltage for k. A missing entry is NotFound; callers
// driving the power-conservative estimator must treat that as Fatal.
func (t *Table) Lookup(k Key) (float64, error) {
	v, ok := t.entries[k]
	if !ok {
		return 0, errs.New("Table.Lookup", errs.NotFound, fmt.Errorf("no voltage entry for %d cores @ %d kHz", k.VirtualCores, k.FrequencyKHz))
	}
	return v, nil
}

// Equal reports whether two tables hold exactly the same entries,
// regardless of insertion order.
func (t *Table) Equal(other *Table) bool {
	if len(t.entries) != len(other.entries) {
		return false
	}
	for k, v := range t.entries {
		ov, ok := other.entries[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Load parses a voltage table file: one entry per line, '#'-prefixed
// lines are comments, fields separated by ';' in the order
// numVirtualCores;frequencyKHz;voltage.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New("Load", errs.NotFound, err)
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) (*Table, error) {
	t := New()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ";")
		if len(fields) != 3 {
			return nil, errs.New("Load", errs.InvalidArgument, fmt.Errorf("line %d: expected 3 fields, got %d", lineNo, len(fields)))
		}
		cores, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 32)
		if err != nil {
			return nil, errs.New("Load", errs.InvalidArgument, fmt.Errorf("line %d: bad virtual core count: %w", lineNo, err))
		}
		freq, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return nil, errs.New("Load", errs.InvalidArgument, fmt.Errorf("line %d: bad frequency: %w", lineNo, err))
		}
		voltage, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			return nil, errs.New("Load", errs.InvalidArgument, fmt.Errorf("line %d: bad voltage: %w", lineNo, err))
		}
		t.Set(Key{VirtualCores: uint(cores), FrequencyKHz: freq}, voltage)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New("Load", errs.Fatal, err)
	}
	return t, nil
}

// Dump writes the table out in Load's format, sorted for determinism.
func Dump(t *Table, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.New("Dump", errs.Fatal, err)
	}
	defer f.Close()
	return dump(t, f)
}

func dump(t *Table, w io.Writer) error {
	keys := make([]Key, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sortKeys(keys)
	bw := bufio.NewWriter(w)
	for _, k := range keys {
		if _, err := fmt.Fprintf(bw, "%d;%d;%g\n", k.VirtualCores, k.FrequencyKHz, t.entries[k]); err != nil {
			return errs.New("Dump", errs.Fatal, err)
		}
	}
	return bw.Flush()
}

func sortKeys(keys []Key) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && less(keys[j], keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

func less(a, b Key) bool {
	if a.VirtualCores != b.VirtualCores {
		return a.VirtualCores < b.VirtualCores
	}
	return a.FrequencyKHz < b.FrequencyKHz
}
