package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"batchhmi/tag"
)

// SimConfig tunes the simulated process.
type SimConfig struct {
	Min  float32 // lower clamp for float tags
	Max  float32 // upper clamp for float tags
	Step float32 // largest change per read

	// ExcursionProb is the chance per read that a float tag jumps above
	// ExcursionLevel, so alarm thresholds get crossed now and then.
	ExcursionProb  float64
	ExcursionLevel float32

	// BitFlipProb is the chance per read that one flag of a packed word
	// or a discrete bool toggles.
	BitFlipProb float64

	Seed int64
}

// DefaultSimConfig wanders ±5 inside [100,600].
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Min:            100,
		Max:            600,
		Step:           5,
		ExcursionProb:  0.002,
		ExcursionLevel: 500,
		BitFlipProb:    0.001,
		Seed:           1,
	}
}

type simTag struct {
	addr   tag.Address
	length int // array length; 0 for scalars, flag count for packed arrays
}

// Simulated synthesizes bounded, slowly varying tag values. Only declared
// tags exist; anything else reads as NotFound.
type Simulated struct {
	cfg    SimConfig
	mu     sync.Mutex
	rng    *rand.Rand
	tags   map[string]simTag
	floats map[string]float32
	ints   map[string]int32
	bools  map[string]bool
	closed bool
}

// NewSimulated creates a simulator with no declared tags.
func NewSimulated(cfg SimConfig) *Simulated {
	if cfg.Max <= cfg.Min {
		d := DefaultSimConfig()
		cfg.Min, cfg.Max = d.Min, d.Max
	}
	if cfg.Step <= 0 {
		cfg.Step = DefaultSimConfig().Step
	}
	return &Simulated{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		tags:   make(map[string]simTag),
		floats: make(map[string]float32),
		ints:   make(map[string]int32),
		bools:  make(map[string]bool),
	}
}

// Declare makes a tag readable. length is the array length (flag count for
// packed arrays) or 0 for a scalar.
func (s *Simulated) Declare(addr tag.Address, length int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr.Indexed = false
	addr.Index = 0
	s.tags[addr.Name] = simTag{addr: addr, length: length}
}

func (s *Simulated) Mode() Mode { return ModeSimulated }

func (s *Simulated) lookup(addr tag.Address) (simTag, error) {
	t, ok := s.tags[addr.Name]
	if !ok {
		return simTag{}, &PlcError{Kind: tag.ErrorNotFound, Tag: addr.String(), Err: fmt.Errorf("not declared")}
	}
	if addr.Indexed {
		limit := t.length
		if t.addr.Packed && addr.Kind == tag.KindInt32 {
			limit = tag.WordCount(t.length)
		}
		if addr.Index < 0 || addr.Index >= limit {
			return simTag{}, &PlcError{Kind: tag.ErrorNotFound, Tag: addr.String(), Err: fmt.Errorf("index outside [0,%d)", limit)}
		}
	}
	return t, nil
}

func (s *Simulated) Read(ctx context.Context, addr tag.Address) (tag.Value, error) {
	if err := ctx.Err(); err != nil {
		return tag.ErrorValue(tag.ErrorTimeout), wrap(addr.String(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tag.ErrorValue(tag.ErrorUnreachable), &PlcError{Kind: tag.ErrorUnreachable, Tag: addr.String(), Err: fmt.Errorf("provider closed")}
	}
	t, err := s.lookup(addr)
	if err != nil {
		return tag.ErrorValue(KindOf(err)), err
	}

	if t.addr.Packed && addr.Kind == tag.KindBool && addr.Indexed {
		w := s.nextWord(tag.ElementName(addr.Name, tag.WordIndex(addr.Index)))
		b, _ := tag.DecodeBit(w, tag.BitPosition(addr.Index))
		return tag.BoolValue(b), nil
	}

	key := addr.Name
	if addr.Indexed {
		key = tag.ElementName(addr.Name, addr.Index)
	}
	switch addr.Kind {
	case tag.KindFloat32:
		return tag.Float32Value(s.nextFloat(key)), nil
	case tag.KindInt32:
		if t.addr.Packed {
			return tag.Int32Value(s.nextWord(key)), nil
		}
		return tag.Int32Value(s.nextInt(key)), nil
	case tag.KindBool:
		return tag.BoolValue(s.nextBool(key)), nil
	}
	return tag.ErrorValue(tag.ErrorTypeMismatch), &PlcError{Kind: tag.ErrorTypeMismatch, Tag: addr.String()}
}

func (s *Simulated) ReadRange(ctx context.Context, base tag.Address, start, count int) ([]tag.Value, error) {
	out := make([]tag.Value, count)
	for i := range out {
		v, err := s.Read(ctx, base.At(start+i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Simulated) Write(ctx context.Context, addr tag.Address, v tag.Value) error {
	if err := tag.CheckWrite(addr, v); err != nil {
		return wrap(addr.String(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(addr); err != nil {
		return err
	}
	cv, err := tag.Coerce(v, addr.Kind)
	if err != nil {
		return wrap(addr.String(), err)
	}

	key := addr.Name
	if addr.Indexed {
		key = tag.ElementName(addr.Name, addr.Index)
	}
	switch addr.Kind {
	case tag.KindFloat32:
		s.floats[key], _ = cv.Float32()
	case tag.KindInt32:
		s.ints[key], _ = cv.Int32()
	case tag.KindBool:
		s.bools[key], _ = cv.Bool()
	}
	return nil
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SetWord forces a packed word, for tests and demos.
func (s *Simulated) SetWord(array string, word int, value int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ints[tag.ElementName(array, word)] = value
}

func (s *Simulated) nextFloat(key string) float32 {
	v, ok := s.floats[key]
	if !ok {
		v = s.cfg.Min + s.rng.Float32()*(s.cfg.Max-s.cfg.Min)/2
	}
	if s.cfg.ExcursionProb > 0 && s.rng.Float64() < s.cfg.ExcursionProb {
		v = s.cfg.ExcursionLevel + s.rng.Float32()*s.cfg.Step*4
	} else {
		v += (s.rng.Float32()*2 - 1) * s.cfg.Step
	}
	if v < s.cfg.Min {
		v = s.cfg.Min
	}
	if v > s.cfg.Max {
		v = s.cfg.Max
	}
	s.floats[key] = v
	return v
}

func (s *Simulated) nextInt(key string) int32 {
	v := s.ints[key] + int32(s.rng.Intn(3)-1)
	if v < 0 {
		v = 0
	}
	s.ints[key] = v
	return v
}

func (s *Simulated) nextWord(key string) int32 {
	w := s.ints[key]
	if s.cfg.BitFlipProb > 0 && s.rng.Float64() < s.cfg.BitFlipProb {
		bit := s.rng.Intn(tag.WordBits)
		on, _ := tag.DecodeBit(w, bit)
		w = tag.SetBit(w, bit, !on)
	}
	s.ints[key] = w
	return w
}

func (s *Simulated) nextBool(key string) bool {
	b := s.bools[key]
	if s.cfg.BitFlipProb > 0 && s.rng.Float64() < s.cfg.BitFlipProb {
		b = !b
	}
	s.bools[key] = b
	return b
}
