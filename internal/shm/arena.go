package shm

import (
	"errors"
	"fmt"
)

// Arena owns the RX and TX buffers of one bridge.
type Arena struct {
	RX *Buffer
	TX *Buffer
}

// NewArena allocates an RX and a TX buffer of identical capacity. If the
// second mapping fails the first one is released before returning.
func NewArena(capacity int) (*Arena, error) {
	rx, err := Allocate(capacity)
	if err != nil {
		return nil, fmt.Errorf("RX buffer: %w", err)
	}
	tx, err := Allocate(capacity)
	if err != nil {
		rx.Release()
		return nil, fmt.Errorf("TX buffer: %w", err)
	}
	return &Arena{RX: rx, TX: tx}, nil
}

// Capacity returns the per-buffer capacity.
func (a *Arena) Capacity() int {
	return a.RX.Cap()
}

// Lookup maps an exported handle back to the buffer it names. Handles that
// do not name a live buffer of this arena are rejected.
func (a *Arena) Lookup(h Handle) ([]byte, bool) {
	for _, b := range []*Buffer{a.RX, a.TX} {
		if b.Handle() == h && !b.Released() {
			return b.Bytes(), true
		}
	}
	return nil, false
}

// Release unmaps both buffers.
func (a *Arena) Release() error {
	return errors.Join(a.RX.Release(), a.TX.Release())
}
