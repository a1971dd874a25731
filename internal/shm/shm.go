// Package shm allocates the fixed-size buffers shared between the bridge and
// the simulated hardware. Buffers live outside the Go heap (anonymous shared
// mappings), so their base address never moves and can be handed across a
// foreign call boundary as a plain integer.
package shm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultCapacity is the size of each RX/TX buffer unless configured otherwise.
const DefaultCapacity = 65536

// Handle is the exported, integer-width identity of a buffer. At the
// simulator boundary it is bit-identical to the buffer's base address.
type Handle uint64

// String formats the handle the way addresses are usually printed.
func (h Handle) String() string {
	return fmt.Sprintf("0x%x", uint64(h))
}

// AllocationError reports a failed mapping request.
type AllocationError struct {
	Capacity int
	Err      error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("mmap of %d bytes failed: %v", e.Capacity, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// ErrReleased is returned when a buffer is used after Release.
var ErrReleased = errors.New("buffer already released")

// Buffer is one fixed-capacity, zero-initialized mapping.
type Buffer struct {
	data     []byte
	handle   Handle
	released bool
}

// Allocate maps a new zero-filled buffer of the given capacity.
func Allocate(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, &AllocationError{Capacity: capacity, Err: unix.EINVAL}
	}

	data, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_SHARED)
	if err != nil {
		return nil, &AllocationError{Capacity: capacity, Err: err}
	}
	clear(data)

	return &Buffer{
		data:   data,
		handle: Handle(uintptr(unsafe.Pointer(&data[0]))),
	}, nil
}

// Bytes returns the whole mapped region. Writes through the slice mutate the
// buffer in place.
func (b *Buffer) Bytes() []byte {
	if b.released {
		return nil
	}
	return b.data
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Handle returns the buffer's base address as an opaque integer.
func (b *Buffer) Handle() Handle {
	return b.handle
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b.released
}

// Release unmaps the region. It must be called exactly once, at shutdown.
func (b *Buffer) Release() error {
	if b.released {
		return ErrReleased
	}
	b.released = true
	if err := unix.Munmap(b.data); err != nil {
		return fmt.Errorf("munmap %s: %w", b.handle, err)
	}
	return nil
}
