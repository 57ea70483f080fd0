package metadata

import (
	"math/bits"

	"github.com/pkg/errors"
)

const wordBits = 64

// Bitset is a fixed-size vector of bits, one per page of an arena. It supports
// constant-time set, reset and test, and a word-at-a-time scan for the first set
// or clear bit.
type Bitset struct {
	words    []uint64
	size     int
	setCount int
}

// NewBitset creates a Bitset of the provided size with every bit clear
func NewBitset(size int) *Bitset {
	b := &Bitset{}
	b.Init(size)
	return b
}

// Init must be called before a zero-value Bitset is used. Any previous contents are discarded.
func (b *Bitset) Init(size int) {
	if size < 0 {
		panic("attempted to initialize a bitset with a negative size")
	}

	b.words = make([]uint64, (size+wordBits-1)/wordBits)
	b.size = size
	b.setCount = 0
}

// Size returns the number of bits in the set
func (b *Bitset) Size() int { return b.size }

// Count returns the number of set bits
func (b *Bitset) Count() int { return b.setCount }

// IsEmpty returns true if no bits are set
func (b *Bitset) IsEmpty() bool { return b.setCount == 0 }

// IsFull returns true if every bit is set
func (b *Bitset) IsFull() bool { return b.setCount == b.size }

func (b *Bitset) checkIndex(index int) {
	if index < 0 || index >= b.size {
		panic(errors.Errorf("bit index %d is out of range for a bitset of size %d", index, b.size))
	}
}

// Test returns true if the bit at index is set
func (b *Bitset) Test(index int) bool {
	b.checkIndex(index)
	return b.words[index/wordBits]&(1<<(index%wordBits)) != 0
}

// Set sets the bit at index. It returns false if the bit was already set.
func (b *Bitset) Set(index int) bool {
	b.checkIndex(index)

	mask := uint64(1) << (index % wordBits)
	word := &b.words[index/wordBits]
	if *word&mask != 0 {
		return false
	}

	*word |= mask
	b.setCount++
	return true
}

// Reset clears the bit at index. It returns false if the bit was already clear.
func (b *Bitset) Reset(index int) bool {
	b.checkIndex(index)

	mask := uint64(1) << (index % wordBits)
	word := &b.words[index/wordBits]
	if *word&mask == 0 {
		return false
	}

	*word &^= mask
	b.setCount--
	return true
}

// ResetAll clears every bit
func (b *Bitset) ResetAll() {
	for i := range b.words {
		b.words[i] = 0
	}
	b.setCount = 0
}

// FindFirstSet returns the lowest index with a set bit, or false if no bit is set
func (b *Bitset) FindFirstSet() (int, bool) {
	if b.setCount == 0 {
		return 0, false
	}

	for wordIndex, word := range b.words {
		if word != 0 {
			return wordIndex*wordBits + bits.TrailingZeros64(word), true
		}
	}

	return 0, false
}

// FindFirstClear returns the lowest index with a clear bit, or false if every bit is set
func (b *Bitset) FindFirstClear() (int, bool) {
	if b.setCount == b.size {
		return 0, false
	}

	for wordIndex, word := range b.words {
		if word == ^uint64(0) {
			continue
		}

		index := wordIndex*wordBits + bits.TrailingZeros64(^word)
		if index >= b.size {
			break
		}
		return index, true
	}

	return 0, false
}

// VisitSet calls the provided callback with the index of every set bit, in ascending order
func (b *Bitset) VisitSet(visit func(index int)) {
	for wordIndex, word := range b.words {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			visit(wordIndex*wordBits + bit)
			word &= word - 1
		}
	}
}

// Validate verifies that the cached bit count matches the contents of the set and that no
// bits past the end of the set have been set
func (b *Bitset) Validate() error {
	if len(b.words) != (b.size+wordBits-1)/wordBits {
		return errors.Errorf("bitset of size %d has %d words", b.size, len(b.words))
	}

	count := 0
	for _, word := range b.words {
		count += bits.OnesCount64(word)
	}

	if count != b.setCount {
		return errors.Errorf("bitset reports %d set bits but contains %d", b.setCount, count)
	}

	if tail := b.size % wordBits; tail != 0 && b.words[len(b.words)-1]>>tail != 0 {
		return errors.New("bitset has bits set beyond its size")
	}

	return nil
}
