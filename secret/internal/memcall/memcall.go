// Package memcall wraps the platform mmap/mlock/mprotect primitives from
// awnumar/memcall behind a narrow interface so the protectedmemory Secret
// can be tested against a fake implementation.
package memcall

import "github.com/awnumar/memcall"

// Flag selects a memory protection mode for Protect.
type Flag = memcall.MemoryProtectionFlag

// NoAccess marks a region unreadable and immutable.
func NoAccess() Flag { return memcall.NoAccess() }

// ReadOnly marks a region readable but immutable.
func ReadOnly() Flag { return memcall.ReadOnly() }

// ReadWrite marks a region readable and writable.
func ReadWrite() Flag { return memcall.ReadWrite() }

// Allocator obtains a new memory region of the requested size.
type Allocator interface {
	Alloc(size int) ([]byte, error)
}

// Freer releases a region obtained from an Allocator.
type Freer interface {
	Free([]byte) error
}

// Protector changes the access mode of a region.
type Protector interface {
	Protect([]byte, Flag) error
}

// Locker pins a region in RAM, excluding it from swap.
type Locker interface {
	Lock([]byte) error
}

// Unlocker reverses Locker.
type Unlocker interface {
	Unlock([]byte) error
}

// Interface groups the primitives a Secret implementation needs.
type Interface interface {
	Allocator
	Freer
	Protector
	Locker
	Unlocker
}

// Default wraps the real platform implementation from awnumar/memcall.
var Default Interface = wrapper{}

type wrapper struct{}

func (wrapper) Alloc(size int) ([]byte, error)         { return memcall.Alloc(size) }
func (wrapper) Protect(b []byte, f Flag) error          { return memcall.Protect(b, f) }
func (wrapper) Lock(b []byte) error                     { return memcall.Lock(b) }
func (wrapper) Unlock(b []byte) error                   { return memcall.Unlock(b) }
func (wrapper) Free(b []byte) error                     { return memcall.Free(b) }
