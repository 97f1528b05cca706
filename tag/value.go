package tag

import (
	"fmt"
	"math"
)

// ErrorKind classifies a failed tag access.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorUnreachable
	ErrorNotFound
	ErrorTypeMismatch
	ErrorTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "None"
	case ErrorUnreachable:
		return "Unreachable"
	case ErrorNotFound:
		return "NotFound"
	case ErrorTypeMismatch:
		return "TypeMismatch"
	case ErrorTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Value is an immutable typed tag value: exactly one of Bool, Int32,
// Float32 or Error. The zero Value is an error value of kind ErrorNone and
// reports IsValid() == false.
type Value struct {
	kind DataKind
	b    bool
	i    int32
	f    float32
	err  ErrorKind
}

func BoolValue(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int32Value(i int32) Value        { return Value{kind: KindInt32, i: i} }
func Float32Value(f float32) Value    { return Value{kind: KindFloat32, f: f} }
func ErrorValue(kind ErrorKind) Value { return Value{err: kind} }

// Zero returns the zero value of a data kind.
func Zero(kind DataKind) Value {
	switch kind {
	case KindBool:
		return BoolValue(false)
	case KindInt32:
		return Int32Value(0)
	case KindFloat32:
		return Float32Value(0)
	}
	return ErrorValue(ErrorTypeMismatch)
}

// Kind returns the data kind, or 0 for error values.
func (v Value) Kind() DataKind { return v.kind }

// IsValid reports whether v holds data rather than an error.
func (v Value) IsValid() bool { return v.kind != 0 }

// IsError reports whether v is an error value.
func (v Value) IsError() bool { return v.kind == 0 }

// Err returns the error kind of an error value.
func (v Value) Err() ErrorKind {
	if v.kind != 0 {
		return ErrorNone
	}
	return v.err
}

func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) Int32() (int32, bool) {
	return v.i, v.kind == KindInt32
}

func (v Value) Float32() (float32, bool) {
	return v.f, v.kind == KindFloat32
}

// Float64 widens numeric values. Booleans map to 0/1.
func (v Value) Float64() (float64, bool) {
	switch v.kind {
	case KindFloat32:
		return float64(v.f), true
	case KindInt32:
		return float64(v.i), true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// GoValue returns the plain Go value for JSON encoding and publishing.
// Error values return nil.
func (v Value) GoValue() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt32:
		return v.i
	case KindFloat32:
		return v.f
	}
	return nil
}

// Equal compares kind and payload.
func (v Value) Equal(o Value) bool {
	return v == o
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt32:
		return fmt.Sprintf("%d", v.i)
	case KindFloat32:
		return fmt.Sprintf("%g", v.f)
	}
	return "error(" + v.err.String() + ")"
}

// Coerce converts v to kind when the conversion is lossless enough to be
// meaningful on the wire (Int32 word to Bool is not one of them).
func Coerce(v Value, kind DataKind) (Value, error) {
	if v.kind == kind {
		return v, nil
	}
	switch {
	case v.kind == KindInt32 && kind == KindFloat32:
		return Float32Value(float32(v.i)), nil
	case v.kind == KindFloat32 && kind == KindInt32:
		return Int32Value(int32(v.f)), nil
	}
	return Value{}, &DecodeError{Reason: fmt.Sprintf("cannot convert %s to %s", v.kind, kind)}
}

// FromJSON converts a decoded JSON value (bool or float64) to a typed value
// of kind. Integral values must fit Int32 exactly.
func FromJSON(value interface{}, kind DataKind) (Value, error) {
	switch v := value.(type) {
	case bool:
		if kind == KindBool {
			return BoolValue(v), nil
		}
		return Value{}, &DecodeError{Reason: fmt.Sprintf("cannot convert bool to %s", kind)}
	case float64:
		switch kind {
		case KindBool:
			return BoolValue(v != 0), nil
		case KindInt32:
			if v < math.MinInt32 || v > math.MaxInt32 || v != math.Trunc(v) {
				return Value{}, &DecodeError{Reason: fmt.Sprintf("value %v out of range for Int32", v)}
			}
			return Int32Value(int32(v)), nil
		case KindFloat32:
			if math.Abs(v) > math.MaxFloat32 {
				return Value{}, &DecodeError{Reason: fmt.Sprintf("value %v out of range for Float32", v)}
			}
			return Float32Value(float32(v)), nil
		}
		return Value{}, &DecodeError{Reason: fmt.Sprintf("unknown data kind %s", kind)}
	case int:
		return FromJSON(float64(v), kind)
	case int32:
		return FromJSON(float64(v), kind)
	case int64:
		return FromJSON(float64(v), kind)
	default:
		return Value{}, &DecodeError{Reason: fmt.Sprintf("unsupported value type %T", value)}
	}
}
