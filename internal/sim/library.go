package sim

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/ebitengine/purego"
)

const (
	// entrySymbol is the simulator's main, e.g. GHDL's generated ghdl_main.
	entrySymbol = "ghdl_main"
	// registerSymbol, when exported by the simulator object, receives the
	// addresses of the four peripheral callbacks in the order
	// rx address, tx address, send, receive.
	registerSymbol = "vnic_register"
	// flushSymbol is libc's fflush; fflush(NULL) drains every open stdio
	// stream in the process.
	flushSymbol = "fflush"
)

// Library is a simulator built as a shared object and loaded at run time.
type Library struct {
	path   string
	handle uintptr
	log    *slog.Logger

	main     func(argc int32, argv **byte) int32
	register func(rxAddr, txAddr, send, receive uintptr)
	flush    func(stream uintptr) int32
}

// OpenLibrary loads the simulator at path and binds its entry point.
func OpenLibrary(path string, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("load simulator %s: %w", path, err)
	}
	if _, err := purego.Dlsym(handle, entrySymbol); err != nil {
		purego.Dlclose(handle)
		return nil, fmt.Errorf("simulator %s has no %s: %w", path, entrySymbol, err)
	}

	l := &Library{path: path, handle: handle, log: logger.With("simulator", path)}
	purego.RegisterLibFunc(&l.main, handle, entrySymbol)
	if _, err := purego.Dlsym(handle, registerSymbol); err == nil {
		purego.RegisterLibFunc(&l.register, handle, registerSymbol)
	}
	for _, h := range []uintptr{handle, purego.RTLD_DEFAULT} {
		if _, err := purego.Dlsym(h, flushSymbol); err == nil {
			purego.RegisterLibFunc(&l.flush, h, flushSymbol)
			break
		}
	}
	if l.flush == nil {
		l.log.Warn("libc " + flushSymbol + " not found; buffered simulator output may be lost on exit")
	}
	return l, nil
}

// Run hands the peripheral callbacks to the simulator, if it accepts them,
// then calls its entry point with args on a locked OS thread. Callbacks
// arrive on that same thread.
func (l *Library) Run(args []string, host Host) int {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if l.register != nil {
		l.register(
			purego.NewCallback(func() uintptr { return uintptr(host.RXBufferAddress()) }),
			purego.NewCallback(func() uintptr { return uintptr(host.TXBufferAddress()) }),
			purego.NewCallback(func(length uintptr) uintptr { return uintptr(host.SendPacket(uint64(length))) }),
			purego.NewCallback(func() uintptr { return uintptr(host.ReceivePacket()) }),
		)
	} else {
		l.log.Warn("simulator does not export " + registerSymbol + "; it must resolve the bridge calls itself")
	}

	argv, err := NewArgv(args)
	if err != nil {
		l.log.Error("build argv", "err", err)
		return 1
	}
	defer argv.Release()

	status := int(l.main(int32(argv.Len()), argv.Pointer()))
	l.Flush()
	return status
}

// Flush writes out whatever the simulator left in its C stdio buffers. The
// process leaves through os.Exit, which never runs libc's exit handlers.
func (l *Library) Flush() {
	if l.flush != nil {
		l.flush(0)
	}
}

// Close flushes and unloads the simulator.
func (l *Library) Close() error {
	l.Flush()
	return purego.Dlclose(l.handle)
}
