package tag

import (
	"context"
	"errors"
	"testing"
)

// fakeRange serves elements from a backing slice and counts physical reads.
type fakeRange struct {
	data    []float32
	reads   []Chunk
	failAt  int // chunk start that fails, -1 for none
	failErr error
}

func (f *fakeRange) ReadRange(ctx context.Context, base Address, start, count int) ([]Value, error) {
	f.reads = append(f.reads, Chunk{Start: start, Count: count})
	if start == f.failAt {
		return nil, f.failErr
	}
	out := make([]Value, count)
	for i := range out {
		out[i] = Float32Value(f.data[start+i])
	}
	return out, nil
}

func newFakeRange(n int) *fakeRange {
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)*1.5 + 100
	}
	return &fakeRange{data: data, failAt: -1}
}

func TestChunkPlan(t *testing.T) {
	tests := []struct {
		name   string
		length int
		size   int
		want   []Chunk
	}{
		{"180 by 120", 180, 120, []Chunk{{0, 120}, {120, 60}}},
		{"exact", 120, 120, []Chunk{{0, 120}}},
		{"small", 5, 120, []Chunk{{0, 5}}},
		{"default size", 130, 0, []Chunk{{0, 120}, {120, 10}}},
		{"empty", 0, 120, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ChunkPlan(tc.length, tc.size)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("chunk %d = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestReadBlockMatchesElementReads(t *testing.T) {
	src := newFakeRange(180)
	base := Address{Name: "Weights", Kind: KindFloat32}

	block := ReadBlock(context.Background(), src, base, 180, 120)
	if !block.Complete() {
		t.Fatalf("expected complete block, degraded: %v", block.Degraded)
	}
	if len(src.reads) != 2 {
		t.Fatalf("expected 2 physical reads, got %d", len(src.reads))
	}

	single := newFakeRange(180)
	for i := 0; i < 180; i++ {
		vals, err := single.ReadRange(context.Background(), base, i, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !block.Values[i].Equal(vals[0]) {
			t.Fatalf("element %d: block %v, single %v", i, block.Values[i], vals[0])
		}
	}
}

func TestReadBlockDegradedChunk(t *testing.T) {
	src := newFakeRange(180)
	src.failAt = 120
	src.failErr = errors.New("timeout")
	base := Address{Name: "Weights", Kind: KindFloat32}

	block := ReadBlock(context.Background(), src, base, 180, 120)

	if block.Complete() {
		t.Fatal("expected degraded block")
	}
	if len(block.Degraded) != 1 || block.Degraded[0].Start != 120 || block.Degraded[0].Count != 60 {
		t.Fatalf("unexpected degraded chunks: %v", block.Degraded)
	}
	if block.Err() == nil {
		t.Error("expected summary error")
	}

	for i := 0; i < 120; i++ {
		if block.Stale(i) {
			t.Fatalf("element %d from good chunk marked stale", i)
		}
		f, _ := block.Values[i].Float32()
		if f != src.data[i] {
			t.Fatalf("element %d = %v, want %v", i, f, src.data[i])
		}
	}
	for i := 120; i < 180; i++ {
		if !block.Stale(i) {
			t.Fatalf("element %d from failed chunk not stale", i)
		}
		if f, ok := block.Values[i].Float32(); !ok || f != 0 {
			t.Fatalf("element %d not zero-filled: %v", i, block.Values[i])
		}
	}
}

func TestReadBlockShortChunk(t *testing.T) {
	src := &shortRange{}
	block := ReadBlock(context.Background(), src, Address{Name: "W", Kind: KindInt32}, 10, 120)
	var decErr *DecodeError
	if block.Complete() || !errors.As(block.Degraded[0].Err, &decErr) {
		t.Fatalf("expected DecodeError for short chunk, got %v", block.Degraded)
	}
}

type shortRange struct{}

func (shortRange) ReadRange(ctx context.Context, base Address, start, count int) ([]Value, error) {
	return []Value{Int32Value(1)}, nil
}

func TestReadBlockCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := newFakeRange(10)
	block := ReadBlock(ctx, src, Address{Name: "W", Kind: KindFloat32}, 10, 4)
	if len(src.reads) != 0 {
		t.Errorf("expected no reads after cancel, got %d", len(src.reads))
	}
	if len(block.Degraded) != 3 {
		t.Errorf("expected all 3 chunks degraded, got %d", len(block.Degraded))
	}
}
