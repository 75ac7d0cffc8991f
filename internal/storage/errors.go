package storage

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrMappingRebound is returned when a (device, local id, kind) key is
	// bound to a server id different from the one previously recorded.
	// Signals a client protocol violation; the stored binding is never
	// overwritten.
	ErrMappingRebound = errors.New("storage: identity mapping already bound to a different server id")

	// ErrImmutable is returned when a mutation targets a signed entity.
	// The signed state is terminal.
	ErrImmutable = errors.New("storage: entity is signed and immutable")
)
