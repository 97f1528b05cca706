package tag

import (
	"context"
	"fmt"
)

// DefaultChunkSize is the largest element run fetched by one physical read.
const DefaultChunkSize = 120

// RangeReader performs one physical read of count sequential elements
// base[start] .. base[start+count-1].
type RangeReader interface {
	ReadRange(ctx context.Context, base Address, start, count int) ([]Value, error)
}

// Chunk is one physical read of a block.
type Chunk struct {
	Start int
	Count int
}

// ChunkPlan splits a run of length elements into reads of at most size
// elements, in index order. A 180 element run with size 120 yields
// [0,120) and [120,180).
func ChunkPlan(length, size int) []Chunk {
	if length <= 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	plan := make([]Chunk, 0, (length+size-1)/size)
	for start := 0; start < length; start += size {
		n := size
		if start+n > length {
			n = length - start
		}
		plan = append(plan, Chunk{Start: start, Count: n})
	}
	return plan
}

// ChunkError records a chunk that could not be read.
type ChunkError struct {
	Chunk
	Err error
}

func (e ChunkError) Error() string {
	return fmt.Sprintf("elements [%d,%d): %v", e.Start, e.Start+e.Count, e.Err)
}

func (e ChunkError) Unwrap() error { return e.Err }

// Block is the result of a chunked read. Elements of degraded chunks are
// zero-filled; use Stale to tell them apart.
type Block struct {
	Values   []Value
	Degraded []ChunkError
}

// Complete reports whether every chunk was read.
func (b Block) Complete() bool { return len(b.Degraded) == 0 }

// Stale reports whether element i came from a failed chunk.
func (b Block) Stale(i int) bool {
	for _, d := range b.Degraded {
		if i >= d.Start && i < d.Start+d.Count {
			return true
		}
	}
	return false
}

// Err summarises the degraded chunks, or nil for a complete block.
func (b Block) Err() error {
	if b.Complete() {
		return nil
	}
	return fmt.Errorf("block read degraded: %d of %d elements unread, first: %w",
		b.staleCount(), len(b.Values), b.Degraded[0].Err)
}

func (b Block) staleCount() int {
	n := 0
	for _, d := range b.Degraded {
		n += d.Count
	}
	return n
}

// ReadBlock reads length elements of base in chunks of chunkSize. A failing
// chunk never disturbs chunks already read; it is zero-filled and reported
// in Block.Degraded. Reading stops early only if ctx is done, in which case
// the remaining chunks are reported degraded with ctx.Err().
func ReadBlock(ctx context.Context, r RangeReader, base Address, length, chunkSize int) Block {
	base.Indexed = false
	block := Block{Values: make([]Value, length)}
	zero := Zero(base.Kind)

	for _, c := range ChunkPlan(length, chunkSize) {
		var vals []Value
		err := ctx.Err()
		if err == nil {
			vals, err = r.ReadRange(ctx, base, c.Start, c.Count)
		}
		if err == nil && len(vals) != c.Count {
			err = &DecodeError{Reason: fmt.Sprintf("chunk returned %d elements, want %d", len(vals), c.Count)}
		}
		if err == nil {
			for i, v := range vals {
				if cv, cerr := Coerce(v, base.Kind); cerr == nil {
					vals[i] = cv
				} else {
					err = cerr
					break
				}
			}
		}
		if err != nil {
			for i := c.Start; i < c.Start+c.Count; i++ {
				block.Values[i] = zero
			}
			block.Degraded = append(block.Degraded, ChunkError{Chunk: c, Err: err})
			continue
		}
		copy(block.Values[c.Start:], vals)
	}
	return block
}

// Words extracts the Int32 payloads of a block read of packed words.
func (b Block) Words() []int32 {
	words := make([]int32, len(b.Values))
	for i, v := range b.Values {
		words[i], _ = v.Int32()
	}
	return words
}
