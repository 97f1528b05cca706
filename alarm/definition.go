// Package alarm turns the PLC's packed alarm bits into edge-triggered alarm
// events with at most one operator notification per alarm.
package alarm

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"batchhmi/tag"
)

// Severity classifies an alarm.
type Severity int

const (
	SeverityAlarm Severity = iota + 1
	SeverityWarning
)

func (s Severity) String() string {
	switch s {
	case SeverityAlarm:
		return "Alarm"
	case SeverityWarning:
		return "Warning"
	default:
		return "Unknown"
	}
}

// ParseSeverity accepts "alarm" or "warning" in any case. Empty means alarm.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "alarm":
		return SeverityAlarm, nil
	case "warning", "warn":
		return SeverityWarning, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// Definition describes one alarm index.
type Definition struct {
	Index    int
	Name     string
	Severity Severity
}

// DefaultDefinition is used for indices without a configured definition.
func DefaultDefinition(i int) Definition {
	return Definition{Index: i, Name: fmt.Sprintf("Alarm %d", i), Severity: SeverityAlarm}
}

// Table maps every index in [0, count) to its definition.
type Table struct {
	defs []Definition
}

// NewTable builds a table for count alarms. Indices without a definition get
// DefaultDefinition. Out-of-range or duplicate indices are a *tag.ConfigError.
func NewTable(count int, defs []Definition) (*Table, error) {
	if count <= 0 {
		return nil, &tag.ConfigError{Field: "alarms.count", Reason: "must be positive"}
	}
	t := &Table{defs: make([]Definition, count)}
	seen := make(map[int]bool, len(defs))
	for _, d := range defs {
		field := fmt.Sprintf("alarms.definitions[%d]", d.Index)
		if err := tag.ValidateIndex(field, d.Index, count); err != nil {
			return nil, err
		}
		if seen[d.Index] {
			return nil, &tag.ConfigError{Field: field, Reason: "duplicate alarm index"}
		}
		seen[d.Index] = true
		if d.Severity == 0 {
			d.Severity = SeverityAlarm
		}
		if d.Name == "" {
			d.Name = DefaultDefinition(d.Index).Name
		}
		t.defs[d.Index] = d
	}
	for i := range t.defs {
		if !seen[i] {
			t.defs[i] = DefaultDefinition(i)
		}
	}
	return t, nil
}

// Len returns the number of alarm indices.
func (t *Table) Len() int { return len(t.defs) }

// Get returns the definition of index i.
func (t *Table) Get(i int) (Definition, bool) {
	if i < 0 || i >= len(t.defs) {
		return Definition{}, false
	}
	return t.defs[i], true
}

// All returns a copy of every definition in index order.
func (t *Table) All() []Definition {
	out := make([]Definition, len(t.defs))
	copy(out, t.defs)
	return out
}

// LoadDefinitionsFile reads definitions from a CSV file. See ReadDefinitions.
func LoadDefinitionsFile(path string) ([]Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open alarm definitions: %w", err)
	}
	defer f.Close()
	defs, err := ReadDefinitions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// ReadDefinitions parses index,name,severity rows. A leading header row and
// blank lines are skipped; severity may be omitted.
func ReadDefinitions(r io.Reader) ([]Definition, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var defs []Definition
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "index") {
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("line %d: want index,name[,severity]", line)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad index %q", line, rec[0])
		}
		d := Definition{Index: idx, Name: strings.TrimSpace(rec[1])}
		sev := ""
		if len(rec) > 2 {
			sev = rec[2]
		}
		if d.Severity, err = ParseSeverity(sev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Index < defs[j].Index })
	return defs, nil
}
