// Package stride implements the arithmetic of Stride scheduling.
//
// A stride is a fixed-width unsigned counter that only ever grows by a pass
// value and is allowed to wrap. Strides must never be compared with plain
// integer comparison; use Less or Compare, which order two values by the sign
// of their wrapping difference.
package stride

import (
	"errors"
	"fmt"
)

const (
	// BigStride is the numerator of every pass value.
	BigStride uint64 = 1<<32 - 1

	// MinPriority is the lowest accepted priority. It bounds every pass by
	// BigStride/2, which is what keeps Less consistent across wraparound.
	MinPriority int64 = 2

	// MaxPriority is the highest accepted priority. Above it the pass
	// would be 0 and the task would never advance.
	MaxPriority int64 = int64(BigStride)

	// DefaultPriority is assigned to tasks that do not ask for one.
	DefaultPriority int64 = 16
)

var ErrInvalidPriority = errors.New("invalid priority")

// Unsigned is the set of counter widths a stride may be stored in.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Validate reports whether prio may be used to compute a pass.
func Validate(prio int64) error {
	if prio < MinPriority || prio > MaxPriority {
		return fmt.Errorf("%w: %d (must be in [%d, %d])", ErrInvalidPriority, prio, MinPriority, MaxPriority)
	}
	return nil
}

// Pass returns BigStride / prio.
func Pass(prio int64) (uint64, error) {
	if err := Validate(prio); err != nil {
		return 0, err
	}
	return BigStride / uint64(prio), nil
}

// Less reports whether a is logically smaller than b.
//
// The true distance between two live strides never exceeds the largest pass,
// which is at most half the counter range. a is smaller exactly when a-b,
// computed with wrapping, falls in the upper half of the range. A counter that
// has wrapped past the maximum has a small raw value but still orders after
// the values it overtook.
func Less[T Unsigned](a, b T) bool {
	half := ^T(0) >> 1
	return a-b > half
}

// Compare returns -1, 0 or +1 using the same ordering as Less.
func Compare[T Unsigned](a, b T) int {
	switch {
	case a == b:
		return 0
	case Less(a, b):
		return -1
	default:
		return 1
	}
}

// Advance adds pass to s, wrapping at the width of T.
func Advance[T Unsigned](s, pass T) T {
	return s + pass
}
