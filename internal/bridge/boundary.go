package bridge

import "math"

// The methods below are the integer-only surface the simulated hardware
// calls. Error detail is logged and collapsed into the integer encoding
// here and nowhere else.

const (
	// StatusOK is the transmit status for a frame handed to the kernel.
	StatusOK uint32 = 0
	// StatusFailed is the transmit status for any failure.
	StatusFailed uint32 = 1
)

// RXBufferAddress returns the RX buffer's base address, or 0 outside Ready.
func (b *Bridge) RXBufferAddress() uint64 {
	h, err := b.RXHandle()
	if err != nil {
		b.log.Warn("RX address requested", "state", b.state, "err", err)
		return 0
	}
	return uint64(h)
}

// TXBufferAddress returns the TX buffer's base address, or 0 outside Ready.
func (b *Bridge) TXBufferAddress() uint64 {
	h, err := b.TXHandle()
	if err != nil {
		b.log.Warn("TX address requested", "state", b.state, "err", err)
		return 0
	}
	return uint64(h)
}

// SendPacket transmits length bytes from TX. It returns StatusOK on
// success and StatusFailed otherwise.
func (b *Bridge) SendPacket(length uint64) uint32 {
	if length > math.MaxInt32 {
		b.log.Warn("send failed", "length", length, "err", ErrFrameTooLarge)
		return StatusFailed
	}
	if err := b.Transmit(int(length)); err != nil {
		b.log.Warn("send failed", "length", length, "err", err)
		return StatusFailed
	}
	return StatusOK
}

// ReceivePacket blocks for one frame and returns its length. 0 means the
// receive failed; it cannot be told apart from an empty frame here.
func (b *Bridge) ReceivePacket() uint32 {
	n, err := b.Receive()
	if err != nil {
		b.log.Warn("receive failed", "err", err)
		return 0
	}
	return uint32(n)
}
