package safeconv

import (
	"math"
	"time"
)

// IntSliceToUint32Slice converts a slice of int to uint32 with clamping to avoid overflow/underflow.
func IntSliceToUint32Slice(input []int) []uint32 {
	out := make([]uint32, len(input))
	for i, v := range input {
		out[i] = IntToUint32(v)
	}
	return out
}

// IntToUint32 converts a single int to uint32, clamping into [0, MaxUint32].
func IntToUint32(v int) uint32 {
	if v < 0 {
		return 0
	}
	if uint64(v) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// Uint32SliceToIntSlice converts token ids back to the int ids used by the pure go tokenizer.
func Uint32SliceToIntSlice(input []uint32) []int {
	out := make([]int, len(input))
	for i, v := range input {
		out[i] = int(v)
	}
	return out
}

// IntOffsetsToUintPairs converts tokenizer offsets from [][]int to [][2]uint
// with clamping of negative values to 0.
func IntOffsetsToUintPairs(input [][]int) [][2]uint {
	out := make([][2]uint, len(input))
	for i, pair := range input {
		var a, b int
		if len(pair) > 0 {
			a = pair[0]
		}
		if len(pair) > 1 {
			b = pair[1]
		}
		if a < 0 {
			a = 0
		}
		if b < 0 {
			b = 0
		}
		out[i] = [2]uint{uint(a), uint(b)} // #nosec G115 both a and b are clamped to be non-negative above.
	}
	return out
}

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}
