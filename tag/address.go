// Package tag provides PLC tag addressing, typed tag values, the packed
// boolean codec and chunked block reads. Nothing in this package performs I/O
// on its own; block reads are driven through a caller supplied RangeReader.
package tag

import (
	"fmt"
	"strconv"
	"strings"
)

// DataKind is the representation of a tag in PLC memory.
type DataKind int

const (
	KindBool DataKind = iota + 1
	KindInt32
	KindFloat32
)

func (k DataKind) String() string {
	switch k {
	case KindBool:
		return "Bool"
	case KindInt32:
		return "Int32"
	case KindFloat32:
		return "Float32"
	default:
		return "Unknown"
	}
}

// ParseKind maps a configuration type name to a DataKind.
// Both the generic names and the IEC names used on the PLC side are accepted.
func ParseKind(s string) (DataKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "boolean":
		return KindBool, nil
	case "int32", "dint", "int":
		return KindInt32, nil
	case "float32", "real", "float":
		return KindFloat32, nil
	default:
		return 0, fmt.Errorf("unknown data kind %q", s)
	}
}

// Address identifies one PLC memory location.
//
// For packed boolean arrays the logical Index is a bit number; the physical
// location is the Int32 word Name[Index/32].
type Address struct {
	Name    string
	Kind    DataKind
	Index   int  // element index, meaningful only when Indexed
	Indexed bool // element of an array
	Packed  bool // element of a packed boolean array (32 flags per word)
	Gateway string
	Path    string
}

// At returns the address of element i of the array rooted at a.
func (a Address) At(i int) Address {
	a.Index = i
	a.Indexed = true
	return a
}

// PhysicalName returns the name the transport must read for this address.
// Packed booleans resolve to their containing word.
func (a Address) PhysicalName() string {
	if !a.Indexed {
		return a.Name
	}
	if a.Packed && a.Kind == KindBool {
		return ElementName(a.Name, WordIndex(a.Index))
	}
	return ElementName(a.Name, a.Index)
}

// WordAddress returns the Int32 word address holding a packed boolean.
// It returns a unchanged for anything that is not a packed boolean element.
func (a Address) WordAddress() Address {
	if !a.Packed || !a.Indexed || a.Kind != KindBool {
		return a
	}
	w := a
	w.Kind = KindInt32
	w.Index = WordIndex(a.Index)
	w.Packed = false
	return w
}

func (a Address) String() string {
	name := a.Name
	if a.Indexed {
		name = ElementName(a.Name, a.Index)
	}
	return fmt.Sprintf("%s(%s)", name, a.Kind)
}

// ElementName formats the sequential element name base[i].
func ElementName(base string, i int) string {
	return base + "[" + strconv.Itoa(i) + "]"
}

// SplitElement splits "Base[12]" into ("Base", 12, true).
// Names without a trailing index return (name, 0, false).
func SplitElement(name string) (string, int, bool) {
	if !strings.HasSuffix(name, "]") {
		return name, 0, false
	}
	open := strings.LastIndexByte(name, '[')
	if open <= 0 {
		return name, 0, false
	}
	i, err := strconv.Atoi(name[open+1 : len(name)-1])
	if err != nil || i < 0 {
		return name, 0, false
	}
	return name[:open], i, true
}
