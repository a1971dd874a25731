package sim

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"vnic/internal/shm"
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// Argv is a C-style, NULL-terminated argument vector laid out in memory
// outside the Go heap, so foreign code may keep pointers into it.
//
// Layout: argc+1 native-endian pointers, then the NUL-terminated strings.
type Argv struct {
	buf  *shm.Buffer
	argc int
}

// NewArgv copies args into a fresh mapping.
func NewArgv(args []string) (*Argv, error) {
	table := (len(args) + 1) * ptrSize
	size := table
	for _, a := range args {
		size += len(a) + 1
	}

	buf, err := shm.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("argv: %w", err)
	}

	mem := buf.Bytes()
	base := uint64(buf.Handle())
	off := table
	for i, a := range args {
		putPtr(mem[i*ptrSize:], base+uint64(off))
		off += copy(mem[off:], a)
		mem[off] = 0
		off++
	}
	// The trailing NULL slot is already zero.
	return &Argv{buf: buf, argc: len(args)}, nil
}

func putPtr(b []byte, v uint64) {
	if ptrSize == 8 {
		binary.NativeEndian.PutUint64(b, v)
	} else {
		binary.NativeEndian.PutUint32(b, uint32(v))
	}
}

// Len returns argc.
func (a *Argv) Len() int {
	return a.argc
}

// Pointer returns argv as passed to a C main.
func (a *Argv) Pointer() **byte {
	return (**byte)(unsafe.Pointer(&a.buf.Bytes()[0]))
}

// Release frees the mapping. Foreign code must not use argv afterwards.
func (a *Argv) Release() error {
	return a.buf.Release()
}
