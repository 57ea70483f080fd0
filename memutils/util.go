package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	~int | ~uint
}

// CheckPow2 returns an error wrapping PowerOfTwoError if number is not a power of two
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to a multiple of alignment, which must be a power of two
func AlignUp[T constraints.Integer](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// DivideRoundingUp returns the number of units of the given size required to hold value
func DivideRoundingUp(value int, unit int) int {
	return (value + unit - 1) / unit
}

// Log2Ceil returns the smallest order such that 1<<order >= value. Values of 1 or less return 0.
func Log2Ceil(value int) int {
	if value <= 1 {
		return 0
	}
	return bits.Len(uint(value - 1))
}

// Log2Floor returns the largest order such that 1<<order <= value. The value must be positive.
func Log2Floor(value int) int {
	return bits.Len(uint(value)) - 1
}

// NextPow2 rounds value up to the nearest power of two
func NextPow2(value int) int {
	return 1 << Log2Ceil(value)
}
