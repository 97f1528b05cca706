package tag

import "fmt"

// WordBits is the number of boolean flags packed in one PLC word.
const WordBits = 32

// WordIndex returns the word holding logical bit i.
func WordIndex(i int) int { return i / WordBits }

// BitPosition returns the bit position of logical bit i inside its word.
func BitPosition(i int) int { return i % WordBits }

// WordCount returns the number of words needed to hold n flags.
func WordCount(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + WordBits - 1) / WordBits
}

// DecodeBit extracts one bit from a packed word.
func DecodeBit(word int32, bit int) (bool, error) {
	if bit < 0 || bit >= WordBits {
		return false, &DecodeError{Reason: fmt.Sprintf("bit position %d out of range", bit)}
	}
	return (uint32(word)>>uint(bit))&1 != 0, nil
}

// DecodeIndex reads logical bit i from a slice of packed words.
func DecodeIndex(words []int32, i int) (bool, error) {
	if i < 0 || WordIndex(i) >= len(words) {
		return false, &DecodeError{Reason: fmt.Sprintf("index %d outside %d words", i, len(words))}
	}
	return DecodeBit(words[WordIndex(i)], BitPosition(i))
}

// DecodeWords expands packed words into n booleans.
func DecodeWords(words []int32, n int) ([]bool, error) {
	if n < 0 || WordCount(n) > len(words) {
		return nil, &DecodeError{Reason: fmt.Sprintf("%d flags need %d words, have %d", n, WordCount(n), len(words))}
	}
	out := make([]bool, n)
	for i := range out {
		out[i] = (uint32(words[WordIndex(i)])>>uint(BitPosition(i)))&1 != 0
	}
	return out, nil
}

// EncodeWord packs up to 32 booleans into one word, bit i from bits[i].
func EncodeWord(bits []bool) (int32, error) {
	if len(bits) > WordBits {
		return 0, &DecodeError{Reason: fmt.Sprintf("%d flags do not fit one word", len(bits))}
	}
	var w uint32
	for i, b := range bits {
		if b {
			w |= 1 << uint(i)
		}
	}
	return int32(w), nil
}

// SetBit returns word with bit set or cleared. Out-of-range bits leave the
// word unchanged.
func SetBit(word int32, bit int, on bool) int32 {
	if bit < 0 || bit >= WordBits {
		return word
	}
	u := uint32(word)
	if on {
		u |= 1 << uint(bit)
	} else {
		u &^= 1 << uint(bit)
	}
	return int32(u)
}

// ValidateIndex checks a logical array index against the array length.
func ValidateIndex(field string, i, length int) error {
	if length <= 0 {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("array length %d must be positive", length)}
	}
	if i < 0 || i >= length {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("index %d outside [0,%d)", i, length)}
	}
	return nil
}

// CheckWrite rejects writes the packed representation can not express.
func CheckWrite(addr Address, v Value) error {
	if addr.Packed && addr.Indexed && addr.Kind == KindBool {
		return ErrPackedBitWrite
	}
	if v.IsError() {
		return &DecodeError{Reason: "cannot write an error value"}
	}
	return nil
}
