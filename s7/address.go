// Package s7 provides Siemens S7 PLC memory access on top of gos7.
package s7

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Area represents an S7 memory area.
type Area int

const (
	AreaDB Area = iota // Data Block
	AreaI              // Process Image Input
	AreaQ              // Process Image Output
	AreaM              // Merker/Flag
)

// String returns the area name.
func (a Area) String() string {
	switch a {
	case AreaDB:
		return "DB"
	case AreaI:
		return "I"
	case AreaQ:
		return "Q"
	case AreaM:
		return "M"
	default:
		return "?"
	}
}

// Address is a parsed S7 memory address.
type Address struct {
	Area     Area
	DBNumber int // only for AreaDB
	Offset   int // byte offset
	BitNum   int // 0-7 for bit access, -1 otherwise
	Size     int // element size in bytes; 0 when the address leaves it to the caller
}

var (
	// DB1.DBX0.0 (bit), DB1.DBB0 (byte), DB1.DBW0 (word), DB1.DBD0 (dword)
	reDB = regexp.MustCompile(`^DB(\d+)\.DB([XBWD])(\d+)(?:\.(\d))?$`)

	// DB1.0 (offset only, size from the tag kind)
	reDBSimple = regexp.MustCompile(`^DB(\d+)\.(\d+)$`)

	// M0.0 (bit), MB0 (byte), MW0 (word), MD0 (dword); same for I and Q
	reIQM = regexp.MustCompile(`^([IQM])([XBWD])?(\d+)(?:\.(\d))?$`)
)

// ParseAddress parses an S7 address string.
// Supported formats:
//   - DB1.0      - Data Block offset, element size taken from the tag kind
//   - DB1.DBX0.0 - Data Block bit
//   - DB1.DBB0   - Data Block byte
//   - DB1.DBW0   - Data Block word
//   - DB1.DBD0   - Data Block dword
//   - M0.0, MB0, MW0, MD0 - Merker
//   - I0.0, IB0, IW0, ID0 - Input
//   - Q0.0, QB0, QW0, QD0 - Output
func ParseAddress(addr string) (Address, error) {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	if addr == "" {
		return Address{}, fmt.Errorf("empty address")
	}

	if m := reDBSimple.FindStringSubmatch(addr); m != nil {
		db, _ := strconv.Atoi(m[1])
		off, _ := strconv.Atoi(m[2])
		return Address{Area: AreaDB, DBNumber: db, Offset: off, BitNum: -1}, nil
	}

	if m := reDB.FindStringSubmatch(addr); m != nil {
		db, _ := strconv.Atoi(m[1])
		a, err := sized(AreaDB, m[2], m[3], m[4], true)
		if err != nil {
			return Address{}, err
		}
		a.DBNumber = db
		return a, nil
	}

	if m := reIQM.FindStringSubmatch(addr); m != nil {
		area := map[string]Area{"I": AreaI, "Q": AreaQ, "M": AreaM}[m[1]]
		letter := m[2]
		if letter == "" {
			letter = "X"
		}
		return sized(area, letter, m[3], m[4], false)
	}

	return Address{}, fmt.Errorf("invalid S7 address format: %s", addr)
}

func sized(area Area, letter, offset, bit string, bitRequired bool) (Address, error) {
	off, _ := strconv.Atoi(offset)
	a := Address{Area: area, Offset: off, BitNum: -1}

	switch letter {
	case "X":
		if bit == "" {
			if bitRequired {
				return Address{}, fmt.Errorf("DBX requires bit number (e.g., DB1.DBX0.0)")
			}
			bit = "0"
		}
		n, _ := strconv.Atoi(bit)
		if n > 7 {
			return Address{}, fmt.Errorf("bit number must be 0-7, got %d", n)
		}
		a.BitNum = n
		a.Size = 1
	case "B":
		a.Size = 1
	case "W":
		a.Size = 2
	case "D":
		a.Size = 4
	default:
		return Address{}, fmt.Errorf("unknown type letter: %s", letter)
	}
	if bit != "" && letter != "X" {
		return Address{}, fmt.Errorf("bit number only valid for bit access")
	}
	return a, nil
}

// IsBit reports whether the address names a single bit.
func (a Address) IsBit() bool { return a.BitNum >= 0 }

// Element returns the address of element i of an array starting at a.
// Bit arrays advance bit by bit across byte boundaries; other arrays advance
// by elemSize bytes.
func (a Address) Element(i, elemSize int) Address {
	e := a
	if a.IsBit() {
		abs := a.Offset*8 + a.BitNum + i
		e.Offset = abs / 8
		e.BitNum = abs % 8
		return e
	}
	e.Offset = a.Offset + i*elemSize
	return e
}

// String formats the address back into the long notation.
func (a Address) String() string {
	var prefix string
	switch a.Area {
	case AreaDB:
		prefix = fmt.Sprintf("DB%d.DB", a.DBNumber)
	default:
		prefix = a.Area.String()
	}
	if a.IsBit() {
		if a.Area == AreaDB {
			return fmt.Sprintf("%sX%d.%d", prefix, a.Offset, a.BitNum)
		}
		return fmt.Sprintf("%s%d.%d", prefix, a.Offset, a.BitNum)
	}
	switch a.Size {
	case 1:
		return fmt.Sprintf("%sB%d", prefix, a.Offset)
	case 2:
		return fmt.Sprintf("%sW%d", prefix, a.Offset)
	case 4:
		return fmt.Sprintf("%sD%d", prefix, a.Offset)
	}
	if a.Area == AreaDB {
		return fmt.Sprintf("DB%d.%d", a.DBNumber, a.Offset)
	}
	return fmt.Sprintf("%s%d", prefix, a.Offset)
}

// ValidateAddress checks if an address string is valid.
func ValidateAddress(addr string) error {
	_, err := ParseAddress(addr)
	return err
}
