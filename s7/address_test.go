package s7

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input    string
		wantErr  bool
		wantArea Area
		wantDB   int
		wantOff  int
		wantBit  int
		wantSize int
	}{
		// DB addresses
		{"DB1.DBX0.0", false, AreaDB, 1, 0, 0, 1},
		{"DB1.DBX0.7", false, AreaDB, 1, 0, 7, 1},
		{"DB1.DBB0", false, AreaDB, 1, 0, -1, 1},
		{"DB1.DBW2", false, AreaDB, 1, 2, -1, 2},
		{"DB1.DBD4", false, AreaDB, 1, 4, -1, 4},
		{"DB100.DBD10", false, AreaDB, 100, 10, -1, 4},
		{"db1.dbx0.0", false, AreaDB, 1, 0, 0, 1},
		{"DB5.120", false, AreaDB, 5, 120, -1, 0},

		// M / I / Q
		{"M0.0", false, AreaM, 0, 0, 0, 1},
		{"M0", false, AreaM, 0, 0, 0, 1},
		{"MB0", false, AreaM, 0, 0, -1, 1},
		{"MD4", false, AreaM, 0, 4, -1, 4},
		{"I0.3", false, AreaI, 0, 0, 3, 1},
		{"QW2", false, AreaQ, 0, 2, -1, 2},

		// Invalid addresses
		{"", true, 0, 0, 0, 0, 0},
		{"invalid", true, 0, 0, 0, 0, 0},
		{"DB1.DBX0.8", true, 0, 0, 0, 0, 0},
		{"DB1.DBX0", true, 0, 0, 0, 0, 0},
		{"DB1.DBD0.1", true, 0, 0, 0, 0, 0},
		{"T0", true, 0, 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			addr, err := ParseAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAddress(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) unexpected error: %v", tt.input, err)
			}
			if addr.Area != tt.wantArea {
				t.Errorf("Area = %v, want %v", addr.Area, tt.wantArea)
			}
			if addr.DBNumber != tt.wantDB {
				t.Errorf("DBNumber = %v, want %v", addr.DBNumber, tt.wantDB)
			}
			if addr.Offset != tt.wantOff {
				t.Errorf("Offset = %v, want %v", addr.Offset, tt.wantOff)
			}
			if addr.BitNum != tt.wantBit {
				t.Errorf("BitNum = %v, want %v", addr.BitNum, tt.wantBit)
			}
			if addr.Size != tt.wantSize {
				t.Errorf("Size = %v, want %v", addr.Size, tt.wantSize)
			}
		})
	}
}

func TestElement(t *testing.T) {
	words, _ := ParseAddress("DB10.DBD0")
	if got := words.Element(3, 4); got.Offset != 12 {
		t.Errorf("dword element 3 offset = %d, want 12", got.Offset)
	}

	bits, _ := ParseAddress("DB10.DBX1.6")
	got := bits.Element(3, 0)
	if got.Offset != 2 || got.BitNum != 1 {
		t.Errorf("bit element 3 = %d.%d, want 2.1", got.Offset, got.BitNum)
	}
}

func TestAddressString(t *testing.T) {
	for _, in := range []string{"DB1.DBX0.3", "DB2.DBD8", "MW4", "DB7.16"} {
		a, err := ParseAddress(in)
		if err != nil {
			t.Fatal(err)
		}
		if a.String() != in {
			t.Errorf("String() = %q, want %q", a.String(), in)
		}
	}
}

func TestCodec(t *testing.T) {
	buf := append(EncodeDInt(-5), EncodeReal(512.5)...)

	ints, err := DecodeDInts(buf, 1)
	if err != nil || ints[0] != -5 {
		t.Errorf("DecodeDInts = %v, %v", ints, err)
	}
	reals, err := DecodeReals(buf[4:], 1)
	if err != nil || reals[0] != 512.5 {
		t.Errorf("DecodeReals = %v, %v", reals, err)
	}
	if _, err := DecodeReals(buf, 3); err == nil {
		t.Error("expected short buffer error")
	}

	bits, err := DecodeBits([]byte{0x80, 0x01}, 7, 2)
	if err != nil || !bits[0] || !bits[1] {
		t.Errorf("DecodeBits = %v, %v", bits, err)
	}
	if BitSpan(7, 2) != 2 {
		t.Errorf("BitSpan(7, 2) = %d, want 2", BitSpan(7, 2))
	}
}
