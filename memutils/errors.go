package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfCapacity is returned when an allocation cannot be satisfied and the allocator has no
// way to grow into a new arena that could satisfy it
var ErrOutOfCapacity error = errors.New("allocation exceeds the capacity of the allocator")

// ErrInvalidSize is returned when an allocation or arena is requested with a size of zero or less
var ErrInvalidSize error = errors.New("size must be greater than zero")
