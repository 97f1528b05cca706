// Package provider defines the tag read/write contract and its Live and
// Simulated implementations, plus the Switcher that swaps them at runtime.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"batchhmi/tag"
)

// Mode selects the active provider implementation.
type Mode int

const (
	ModeLive Mode = iota + 1
	ModeSimulated
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeSimulated:
		return "simulated"
	default:
		return "unknown"
	}
}

// ParseMode parses "live" or "simulated".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live":
		return ModeLive, nil
	case "simulated", "sim", "simulation":
		return ModeSimulated, nil
	}
	return 0, fmt.Errorf("unknown provider mode %q", s)
}

// Provider reads and writes PLC tags. Calls may block for transport latency
// and must not be made from a goroutine that has to stay responsive.
type Provider interface {
	Mode() Mode
	Read(ctx context.Context, addr tag.Address) (tag.Value, error)
	// ReadRange reads count sequential elements of an array in one physical read.
	ReadRange(ctx context.Context, base tag.Address, start, count int) ([]tag.Value, error)
	Write(ctx context.Context, addr tag.Address, v tag.Value) error
	Close() error
}

// ReadWords reads a packed boolean array as Int32 words, chunkSize words
// per physical read. length is the number of logical flags.
func ReadWords(ctx context.Context, p Provider, array tag.Address, length, chunkSize int) tag.Block {
	words := array
	words.Kind = tag.KindInt32
	words.Packed = false
	return tag.ReadBlock(ctx, p, words, tag.WordCount(length), chunkSize)
}

// PlcError is a failed tag access.
type PlcError struct {
	Kind tag.ErrorKind
	Tag  string
	Err  error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrUnreachable  = &PlcError{Kind: tag.ErrorUnreachable}
	ErrNotFound     = &PlcError{Kind: tag.ErrorNotFound}
	ErrTypeMismatch = &PlcError{Kind: tag.ErrorTypeMismatch}
	ErrTimeout      = &PlcError{Kind: tag.ErrorTimeout}
)

func (e *PlcError) Error() string {
	var sb strings.Builder
	sb.WriteString("plc")
	if e.Tag != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Tag)
	}
	sb.WriteString(": ")
	sb.WriteString(strings.ToLower(e.Kind.String()))
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *PlcError) Unwrap() error { return e.Err }

// Is matches any PlcError of the same kind.
func (e *PlcError) Is(target error) bool {
	t, ok := target.(*PlcError)
	return ok && t.Kind == e.Kind
}

// KindOf classifies any error returned by a provider or transport.
func KindOf(err error) tag.ErrorKind {
	if err == nil {
		return tag.ErrorNone
	}
	var pe *PlcError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var de *tag.DecodeError
	if errors.As(err, &de) {
		return tag.ErrorTypeMismatch
	}
	if errors.Is(err, tag.ErrPackedBitWrite) {
		return tag.ErrorTypeMismatch
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return tag.ErrorTimeout
	}
	return tag.ErrorUnreachable
}

// wrap converts err into a *PlcError naming tagName.
func wrap(tagName string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PlcError
	if errors.As(err, &pe) {
		if pe.Tag == "" {
			return &PlcError{Kind: pe.Kind, Tag: tagName, Err: pe.Err}
		}
		return err
	}
	return &PlcError{Kind: KindOf(err), Tag: tagName, Err: err}
}
