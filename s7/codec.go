package s7

import (
	"encoding/binary"
	"fmt"
	"math"
)

// S7 stores multi-byte values big-endian.

// DecodeDInts decodes n signed 32-bit values.
func DecodeDInts(buf []byte, n int) ([]int32, error) {
	if len(buf) < n*4 {
		return nil, fmt.Errorf("need %d bytes for %d DINT, have %d", n*4, n, len(buf))
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.BigEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

// DecodeReals decodes n IEEE 754 single precision values.
func DecodeReals(buf []byte, n int) ([]float32, error) {
	if len(buf) < n*4 {
		return nil, fmt.Errorf("need %d bytes for %d REAL, have %d", n*4, n, len(buf))
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

// DecodeBits extracts n consecutive bits starting at bit of buf[0].
func DecodeBits(buf []byte, bit, n int) ([]bool, error) {
	if bit < 0 || bit > 7 {
		return nil, fmt.Errorf("bit number must be 0-7, got %d", bit)
	}
	if need := (bit + n + 7) / 8; len(buf) < need {
		return nil, fmt.Errorf("need %d bytes for %d bits, have %d", need, n, len(buf))
	}
	out := make([]bool, n)
	for i := range out {
		abs := bit + i
		out[i] = buf[abs/8]&(1<<uint(abs%8)) != 0
	}
	return out, nil
}

// BitSpan returns the number of bytes covering n bits starting at bit.
func BitSpan(bit, n int) int {
	return (bit + n + 7) / 8
}

func EncodeDInt(v int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	return buf
}

func EncodeReal(v float32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	return buf
}
