package netutil

import "golang.org/x/net/bpf"

const (
	offEtherType = 12    // EtherType field offset
	snapLen      = 65536 // accept the whole frame
)

// EtherTypeFilter returns a BPF program that accepts only frames whose
// EtherType equals etherType.
func EtherTypeFilter(etherType uint16) ([]bpf.RawInstruction, error) {
	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: offEtherType, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(etherType), SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: snapLen},
		bpf.RetConstant{Val: 0},
	})
}
