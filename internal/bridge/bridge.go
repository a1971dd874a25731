// Package bridge moves Ethernet frames between the shared RX/TX buffers of
// a simulated design and a host network interface.
//
// A Bridge is driven from a single thread of control: the simulated logic
// writes TX before calling Transmit, and reads RX only after Receive has
// returned. Nothing here locks the buffers; the call sequence is the
// synchronisation.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"vnic/internal/shm"
	"vnic/internal/trace"
)

// State is the lifecycle state of a Bridge.
type State int

const (
	Uninitialized State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNotReady is returned by operations called before Start.
	ErrNotReady = errors.New("bridge not started")
	// ErrClosed is returned by operations called after Close.
	ErrClosed = errors.New("bridge closed")
	// ErrFrameTooLarge is returned when a transmit length exceeds the TX buffer.
	ErrFrameTooLarge = errors.New("frame larger than TX buffer")
)

// Options configures a Bridge.
type Options struct {
	// Interface is the device name, e.g. "eth0".
	Interface string
	// BufferSize is the capacity of each of RX and TX. Zero means
	// shm.DefaultCapacity.
	BufferSize int
	// EtherType, when non-zero, restricts RX to frames of that EtherType.
	EtherType uint16
	// Trace, when set, receives a copy of every frame moved. The caller
	// owns and closes it.
	Trace *trace.Recorder
	// Logger defaults to discarding output.
	Logger *slog.Logger
	// Link defaults to AF_PACKET raw sockets.
	Link Link
}

// Stats counts traffic through a Bridge.
type Stats struct {
	FramesSent     uint64
	BytesSent      uint64
	SendErrors     uint64
	FramesReceived uint64
	BytesReceived  uint64
	ReceiveErrors  uint64
}

type counters struct {
	framesSent, bytesSent, sendErrors          atomic.Uint64
	framesReceived, bytesReceived, recvErrors atomic.Uint64
}

// Bridge owns one RX buffer, one TX buffer, the resolved interface and the
// socket pair for the lifetime of a run.
type Bridge struct {
	opts Options
	log  *slog.Logger
	link Link

	state   State
	arena   *shm.Arena
	rx, tx  Conn
	ifIndex int

	counters counters
}

// New returns an uninitialized Bridge. Call Start to allocate buffers, open
// sockets and resolve the interface.
func New(opts Options) *Bridge {
	if opts.BufferSize == 0 {
		opts.BufferSize = shm.DefaultCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	link := opts.Link
	if link == nil {
		link = packetLink{etherType: opts.EtherType}
	}
	return &Bridge{
		opts:    opts,
		log:     logger.With("interface", opts.Interface),
		link:    link,
		ifIndex: -1,
	}
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	return b.state
}

// Interface returns the device name and its resolved index (-1 before Start).
func (b *Bridge) Interface() (string, int) {
	return b.opts.Interface, b.ifIndex
}

// Start moves the Bridge from Uninitialized to Ready: buffers are mapped,
// the RX and TX sockets opened and the interface resolved, in that order.
// Any failure is fatal for the run; partially acquired resources are
// released before the error is returned and the Bridge stays Uninitialized.
func (b *Bridge) Start() error {
	switch b.state {
	case Ready:
		return errors.New("bridge already started")
	case Closed:
		return ErrClosed
	}

	arena, err := shm.NewArena(b.opts.BufferSize)
	if err != nil {
		return fmt.Errorf("allocate buffers: %w", err)
	}

	rx, err := b.link.Open(true)
	if err != nil {
		arena.Release()
		return fmt.Errorf("open RX socket: %w", err)
	}
	tx, err := b.link.Open(false)
	if err != nil {
		rx.Close()
		arena.Release()
		return fmt.Errorf("open TX socket: %w", err)
	}

	fail := func(err error) error {
		tx.Close()
		rx.Close()
		arena.Release()
		return err
	}

	ifIndex, err := b.link.Resolve(b.opts.Interface, tx)
	if err != nil {
		return fail(fmt.Errorf("resolve interface: %w", err))
	}
	if err := b.link.Attach(tx, ifIndex, false); err != nil {
		return fail(fmt.Errorf("prepare TX socket: %w", err))
	}
	if err := b.link.Attach(rx, ifIndex, true); err != nil {
		return fail(fmt.Errorf("prepare RX socket: %w", err))
	}

	b.arena = arena
	b.rx, b.tx = rx, tx
	b.ifIndex = ifIndex
	b.state = Ready

	b.log.Info("bridge ready",
		"index", ifIndex,
		"rx", arena.RX.Handle(),
		"tx", arena.TX.Handle(),
		"capacity", arena.Capacity(),
	)
	return nil
}

func (b *Bridge) ready() error {
	switch b.state {
	case Ready:
		return nil
	case Closed:
		return ErrClosed
	default:
		return ErrNotReady
	}
}

// Capacity returns the size of each buffer.
func (b *Bridge) Capacity() int {
	return b.opts.BufferSize
}

// RXHandle returns the exported handle of the RX buffer. The value is
// constant for as long as the Bridge is Ready.
func (b *Bridge) RXHandle() (shm.Handle, error) {
	if err := b.ready(); err != nil {
		return 0, err
	}
	return b.arena.RX.Handle(), nil
}

// TXHandle returns the exported handle of the TX buffer.
func (b *Bridge) TXHandle() (shm.Handle, error) {
	if err := b.ready(); err != nil {
		return 0, err
	}
	return b.arena.TX.Handle(), nil
}

// Map resolves a buffer handle to the memory it names, the way simulated
// logic dereferences the addresses it was handed. Only whole-buffer
// handles are accepted.
func (b *Bridge) Map(addr uint64) ([]byte, bool) {
	if b.ready() != nil {
		return nil, false
	}
	return b.arena.Lookup(shm.Handle(addr))
}

// Transmit puts the first n bytes of TX on the wire as one frame. TX is
// read, not cleared. A zero-length transmit succeeds without touching the
// socket. Send failures, including short writes, are returned as
// *netutil.SendError and never retried.
func (b *Bridge) Transmit(n int) error {
	if err := b.ready(); err != nil {
		return err
	}
	if n < 0 || n > b.arena.TX.Cap() {
		return fmt.Errorf("transmit %d bytes: %w", n, ErrFrameTooLarge)
	}
	if n == 0 {
		b.log.Debug("empty transmit")
		return nil
	}

	frame := b.arena.TX.Bytes()[:n]
	if err := b.tx.Send(frame, b.ifIndex); err != nil {
		b.counters.sendErrors.Add(1)
		return err
	}
	b.counters.framesSent.Add(1)
	b.counters.bytesSent.Add(uint64(n))
	b.record("tx", frame)
	return nil
}

// Receive blocks until one frame arrives, copies it into RX (overwriting
// what was there) and returns its length. It waits indefinitely.
func (b *Bridge) Receive() (int, error) {
	if err := b.ready(); err != nil {
		return 0, err
	}
	n, err := b.rx.Receive(b.arena.RX.Bytes())
	return b.received(n, err)
}

// ReceiveContext is Receive with a cancellable wait. RX is untouched if
// ctx ends first.
func (b *Bridge) ReceiveContext(ctx context.Context) (int, error) {
	if err := b.ready(); err != nil {
		return 0, err
	}
	n, err := b.rx.ReceiveContext(ctx, b.arena.RX.Bytes())
	if err != nil && ctx.Err() != nil {
		return 0, err
	}
	return b.received(n, err)
}

func (b *Bridge) received(n int, err error) (int, error) {
	if err != nil {
		b.counters.recvErrors.Add(1)
		return 0, err
	}
	b.counters.framesReceived.Add(1)
	b.counters.bytesReceived.Add(uint64(n))
	b.record("rx", b.arena.RX.Bytes()[:n])
	return n, nil
}

func (b *Bridge) record(dir string, frame []byte) {
	if b.log.Enabled(context.Background(), slog.LevelDebug) {
		b.log.Debug("frame", "dir", dir, "summary", trace.Summary(frame))
	}
	if b.opts.Trace == nil {
		return
	}
	if err := b.opts.Trace.Record(frame); err != nil {
		b.log.Warn("trace write failed", "dir", dir, "err", err)
	}
}

// Stats returns a snapshot of the traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		FramesSent:     b.counters.framesSent.Load(),
		BytesSent:      b.counters.bytesSent.Load(),
		SendErrors:     b.counters.sendErrors.Load(),
		FramesReceived: b.counters.framesReceived.Load(),
		BytesReceived:  b.counters.bytesReceived.Load(),
		ReceiveErrors:  b.counters.recvErrors.Load(),
	}
}

// Close closes both sockets and then releases both buffers. It is one-shot:
// a second call returns ErrClosed. Closing a Bridge that was never started
// only moves it to Closed.
func (b *Bridge) Close() error {
	switch b.state {
	case Closed:
		return ErrClosed
	case Uninitialized:
		b.state = Closed
		return nil
	}
	b.state = Closed

	err := errors.Join(
		b.rx.Close(),
		b.tx.Close(),
		b.arena.Release(),
	)
	b.log.Info("bridge closed")
	return err
}
