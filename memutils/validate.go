package memutils

// Validatable is anything that can check its own internal consistency. Bitsets, buddy allocators,
// heaps and descriptor allocators all qualify.
type Validatable interface {
	Validate() error
}
