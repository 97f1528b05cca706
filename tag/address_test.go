package tag

import "testing"

func TestParseKind(t *testing.T) {
	tests := []struct {
		input string
		want  DataKind
		ok    bool
	}{
		{"bool", KindBool, true},
		{"BOOL", KindBool, true},
		{"dint", KindInt32, true},
		{"int32", KindInt32, true},
		{"real", KindFloat32, true},
		{" Float32 ", KindFloat32, true},
		{"string", 0, false},
	}
	for _, tc := range tests {
		got, err := ParseKind(tc.input)
		if (err == nil) != tc.ok {
			t.Errorf("ParseKind(%q) error = %v, want ok=%v", tc.input, err, tc.ok)
		}
		if got != tc.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestPhysicalName(t *testing.T) {
	tests := []struct {
		name string
		addr Address
		want string
	}{
		{"scalar", Address{Name: "TankWeight", Kind: KindFloat32}, "TankWeight"},
		{"float element", Address{Name: "Weights", Kind: KindFloat32}.At(7), "Weights[7]"},
		{"packed bit", Address{Name: "AlarmWords", Kind: KindBool, Packed: true}.At(70), "AlarmWords[2]"},
		{"discrete bool element", Address{Name: "Valves", Kind: KindBool}.At(3), "Valves[3]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.addr.PhysicalName(); got != tc.want {
				t.Errorf("PhysicalName() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWordAddress(t *testing.T) {
	bit := Address{Name: "AlarmWords", Kind: KindBool, Packed: true}.At(65)
	w := bit.WordAddress()
	if w.Kind != KindInt32 || w.Index != 2 || w.Packed {
		t.Errorf("unexpected word address %+v", w)
	}

	scalar := Address{Name: "Level", Kind: KindFloat32}
	if scalar.WordAddress() != scalar {
		t.Error("non-packed address should be unchanged")
	}
}

func TestSplitElement(t *testing.T) {
	tests := []struct {
		input string
		base  string
		index int
		ok    bool
	}{
		{"Weights[12]", "Weights", 12, true},
		{"Program:Main.Words[0]", "Program:Main.Words", 0, true},
		{"Level", "Level", 0, false},
		{"[3]", "[3]", 0, false},
		{"Bad[x]", "Bad[x]", 0, false},
	}
	for _, tc := range tests {
		base, idx, ok := SplitElement(tc.input)
		if base != tc.base || idx != tc.index || ok != tc.ok {
			t.Errorf("SplitElement(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tc.input, base, idx, ok, tc.base, tc.index, tc.ok)
		}
	}
}

func TestValueAccessors(t *testing.T) {
	v := Float32Value(520)
	if f, ok := v.Float32(); !ok || f != 520 {
		t.Errorf("Float32() = %v, %v", f, ok)
	}
	if _, ok := v.Bool(); ok {
		t.Error("Bool() should fail for float value")
	}

	e := ErrorValue(ErrorTimeout)
	if !e.IsError() || e.Err() != ErrorTimeout || e.GoValue() != nil {
		t.Errorf("unexpected error value %v", e)
	}

	if _, err := Coerce(Int32Value(3), KindBool); err == nil {
		t.Error("expected Int32 -> Bool coercion to fail")
	}
	if c, err := Coerce(Int32Value(3), KindFloat32); err != nil || c.GoValue() != float32(3) {
		t.Errorf("Coerce Int32 -> Float32 = %v, %v", c, err)
	}
}
