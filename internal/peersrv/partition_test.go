package peersrv

import (
	"math/rand"
	"testing"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name       string
		size       int64
		id, total  int
		wantOffset int64
		wantLength int64
	}{
		{"single seeder", 1000, 0, 1, 0, 1000},
		{"even split first", 1000, 0, 2, 0, 500},
		{"even split last", 1000, 1, 2, 500, 500},
		{"remainder to last", 10003, 1, 2, 5001, 5002},
		{"remainder first half", 10003, 0, 2, 0, 5001},
		{"more seeders than bytes", 3, 3, 5, 0, 0},
		{"empty file", 0, 0, 4, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOffset, gotLength := Partition(tt.size, tt.id, tt.total)
			if gotOffset != tt.wantOffset || gotLength != tt.wantLength {
				t.Errorf(
					"Partition() = (%v, %v), want (%v, %v)",
					gotOffset,
					gotLength,
					tt.wantOffset,
					tt.wantLength,
				)
			}
		})
	}
}

// The ranges of all seeders must tile [0, size) with no gaps or overlaps,
// whatever the seeder count.
func TestPartitionCoversFileExactly(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for total := 1; total <= 16; total++ {
		for trial := 0; trial < 32; trial++ {
			size := rng.Int63n(1 << 20)

			var next int64
			for id := 0; id < total; id++ {
				offset, length := Partition(size, id, total)
				if offset != next {
					t.Fatalf(
						"size=%d total=%d id=%d: offset = %d, want %d",
						size, total, id, offset, next,
					)
				}
				if length < 0 {
					t.Fatalf("size=%d total=%d id=%d: negative length %d", size, total, id, length)
				}
				next = offset + length
			}
			if next != size {
				t.Fatalf("size=%d total=%d: ranges end at %d, want %d", size, total, next, size)
			}
		}
	}
}
