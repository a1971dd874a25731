// Package sim runs the simulated design that drives a bridge. The engine is
// opaque: it is started once with an argument list, calls back into the
// four peripheral operations as often as it likes, and returns an exit
// status.
package sim

// Peripheral is the integer-only register interface the simulated design
// sees. Addresses are raw base addresses of the shared buffers.
type Peripheral interface {
	RXBufferAddress() uint64
	TXBufferAddress() uint64
	SendPacket(length uint64) uint32
	ReceivePacket() uint32
}

// Host is a Peripheral whose shared buffers can also be reached from Go,
// for simulated logic that runs in-process.
type Host interface {
	Peripheral
	// Map returns the buffer whose base address is addr.
	Map(addr uint64) ([]byte, bool)
}

// Engine runs one simulation to completion and returns its exit status.
type Engine interface {
	Run(args []string, host Host) int
}

// FuncEngine adapts a function to Engine.
type FuncEngine func(args []string, host Host) int

// Run calls f.
func (f FuncEngine) Run(args []string, host Host) int {
	return f(args, host)
}
