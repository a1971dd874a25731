package bridge

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"

	"vnic/internal/netutil"
	"vnic/internal/trace"
)

type fakeConn struct {
	sends  [][]byte
	sendFn func(frame []byte) error

	frames chan []byte
	recvFn func() error

	closed int
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 8)}
}

func (c *fakeConn) Send(frame []byte, ifIndex int) error {
	c.sends = append(c.sends, append([]byte(nil), frame...))
	if c.sendFn != nil {
		return c.sendFn(frame)
	}
	return nil
}

func (c *fakeConn) Receive(buf []byte) (int, error) {
	if c.recvFn != nil {
		if err := c.recvFn(); err != nil {
			return 0, err
		}
	}
	return copy(buf, <-c.frames), nil
}

func (c *fakeConn) ReceiveContext(ctx context.Context, buf []byte) (int, error) {
	select {
	case f := <-c.frames:
		return copy(buf, f), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

type fakeLink struct {
	conns     []*fakeConn
	openErr   error
	openAfter int
	index     int
	resolveFn func(name string) error
	attached  []bool
	opened    []bool
}

func (l *fakeLink) Open(rx bool) (Conn, error) {
	if l.openErr != nil && len(l.conns) >= l.openAfter {
		return nil, l.openErr
	}
	l.opened = append(l.opened, rx)
	c := newFakeConn()
	l.conns = append(l.conns, c)
	return c, nil
}

func (l *fakeLink) Resolve(name string, c Conn) (int, error) {
	if l.resolveFn != nil {
		if err := l.resolveFn(name); err != nil {
			return 0, err
		}
	}
	return l.index, nil
}

func (l *fakeLink) Attach(c Conn, ifIndex int, rx bool) error {
	l.attached = append(l.attached, rx)
	return nil
}

// rx and tx return the fake channels in the order Start opens them.
func (l *fakeLink) rx() *fakeConn { return l.conns[0] }
func (l *fakeLink) tx() *fakeConn { return l.conns[1] }

func startFake(t *testing.T, opts Options) (*Bridge, *fakeLink) {
	t.Helper()
	link := &fakeLink{index: 7}
	opts.Link = link
	if opts.Interface == "" {
		opts.Interface = "sim0"
	}
	b := New(opts)
	if err := b.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if b.State() == Ready {
			b.Close()
		}
	})
	return b, link
}

func TestLifecycleGuards(t *testing.T) {
	b := New(Options{Interface: "sim0", Link: &fakeLink{}})

	if b.State() != Uninitialized {
		t.Fatalf("state = %v", b.State())
	}
	if _, err := b.RXHandle(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("RXHandle before start: %v", err)
	}
	if _, err := b.TXHandle(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("TXHandle before start: %v", err)
	}
	if err := b.Transmit(14); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Transmit before start: %v", err)
	}
	if _, err := b.Receive(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Receive before start: %v", err)
	}
	if b.RXBufferAddress() != 0 || b.TXBufferAddress() != 0 {
		t.Fatal("addresses exported before start")
	}
	if b.SendPacket(14) != StatusFailed {
		t.Fatal("SendPacket succeeded before start")
	}
	if b.ReceivePacket() != 0 {
		t.Fatal("ReceivePacket returned data before start")
	}

	if err := b.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if b.State() != Ready {
		t.Fatalf("state = %v", b.State())
	}
	if err := b.Start(); err == nil {
		t.Fatal("second Start succeeded")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v", b.State())
	}
	if _, err := b.RXHandle(); !errors.Is(err, ErrClosed) {
		t.Fatalf("RXHandle after close: %v", err)
	}
	if err := b.Transmit(14); !errors.Is(err, ErrClosed) {
		t.Fatalf("Transmit after close: %v", err)
	}
	if b.RXBufferAddress() != 0 || b.TXBufferAddress() != 0 {
		t.Fatal("addresses exported after close")
	}
	if err := b.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second close: %v", err)
	}
	if err := b.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("restart after close: %v", err)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	b, link := startFake(t, Options{})
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if link.rx().closed != 1 || link.tx().closed != 1 {
		t.Fatalf("closed rx=%d tx=%d", link.rx().closed, link.tx().closed)
	}
	if !b.arena.RX.Released() || !b.arena.TX.Released() {
		t.Fatal("buffers not released")
	}
}

func TestCloseUnstarted(t *testing.T) {
	b := New(Options{Link: &fakeLink{}})
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v", b.State())
	}
}

func TestAttachOrder(t *testing.T) {
	_, link := startFake(t, Options{})
	if len(link.attached) != 2 || link.attached[0] || !link.attached[1] {
		t.Fatalf("attach calls = %v, want [tx rx]", link.attached)
	}
}

func TestOpenMarksReceiveChannel(t *testing.T) {
	_, link := startFake(t, Options{})
	if len(link.opened) != 2 || !link.opened[0] || link.opened[1] {
		t.Fatalf("open calls = %v, want [rx tx]", link.opened)
	}
}

func TestAddressesConstant(t *testing.T) {
	b, _ := startFake(t, Options{})

	rx, tx := b.RXBufferAddress(), b.TXBufferAddress()
	if rx == 0 || tx == 0 || rx == tx {
		t.Fatalf("rx=%#x tx=%#x", rx, tx)
	}

	for i := 0; i < 3; i++ {
		if err := b.Transmit(1); err != nil {
			t.Fatalf("transmit: %v", err)
		}
		if b.RXBufferAddress() != rx || b.TXBufferAddress() != tx {
			t.Fatal("address changed while ready")
		}
	}

	if name, idx := b.Interface(); name != "sim0" || idx != 7 {
		t.Fatalf("interface = %s/%d", name, idx)
	}
}

func TestTransmitRequestsExactLength(t *testing.T) {
	b, link := startFake(t, Options{BufferSize: 2048})
	txMem, ok := b.Map(b.TXBufferAddress())
	if !ok {
		t.Fatal("TX address not mappable")
	}
	for i := range txMem {
		txMem[i] = byte(i * 7)
	}

	lengths := []int{1, 14, 60, 1514, 2048}
	for _, l := range lengths {
		if status := b.SendPacket(uint64(l)); status != StatusOK {
			t.Fatalf("SendPacket(%d) = %d", l, status)
		}
	}

	sends := link.tx().sends
	if len(sends) != len(lengths) {
		t.Fatalf("%d sends, want %d", len(sends), len(lengths))
	}
	for i, l := range lengths {
		if !bytes.Equal(sends[i], txMem[:l]) {
			t.Fatalf("send %d: got %d bytes, want first %d bytes of TX", i, len(sends[i]), l)
		}
	}

	// TX is read, not cleared.
	if txMem[13] != byte(13*7) {
		t.Fatal("TX buffer modified by transmit")
	}

	st := b.Stats()
	if st.FramesSent != uint64(len(lengths)) || st.BytesSent != 1+14+60+1514+2048 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTransmitZero(t *testing.T) {
	b, link := startFake(t, Options{})

	if err := b.Transmit(0); err != nil {
		t.Fatalf("transmit 0: %v", err)
	}
	if b.SendPacket(0) != StatusOK {
		t.Fatal("SendPacket(0) failed")
	}
	if len(link.tx().sends) != 0 {
		t.Fatal("zero-length transmit reached the socket")
	}
}

func TestTransmitTooLarge(t *testing.T) {
	b, link := startFake(t, Options{BufferSize: 1024})

	if err := b.Transmit(1025); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if b.SendPacket(1 << 40) != StatusFailed {
		t.Fatal("oversized SendPacket succeeded")
	}
	if len(link.tx().sends) != 0 {
		t.Fatal("oversized transmit reached the socket")
	}
}

func TestPartialSendNotRetried(t *testing.T) {
	b, link := startFake(t, Options{})
	link.tx().sendFn = func(frame []byte) error {
		return &netutil.SendError{Want: len(frame), Sent: len(frame) - 4}
	}

	err := b.Transmit(64)
	var sendErr *netutil.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err = %v, want SendError", err)
	}
	if sendErr.Want != 64 || sendErr.Sent != 60 {
		t.Fatalf("send error = %+v", sendErr)
	}
	if len(link.tx().sends) != 1 {
		t.Fatalf("%d send attempts, want 1", len(link.tx().sends))
	}

	if b.SendPacket(64) != StatusFailed {
		t.Fatal("partial send reported success")
	}
	if len(link.tx().sends) != 2 {
		t.Fatalf("%d send attempts, want 2", len(link.tx().sends))
	}
	if st := b.Stats(); st.SendErrors != 2 || st.FramesSent != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBroadcastHeaderScenario(t *testing.T) {
	b, link := startFake(t, Options{})

	tx, ok := b.Map(b.TXBufferAddress())
	if !ok {
		t.Fatal("TX not mappable")
	}
	copy(tx, bytes.Repeat([]byte{0xFF}, 14))

	if status := b.SendPacket(14); status != StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !bytes.Equal(link.tx().sends[0], bytes.Repeat([]byte{0xFF}, 14)) {
		t.Fatalf("sent % x", link.tx().sends[0])
	}
}

func TestReceiveCopiesFrame(t *testing.T) {
	b, link := startFake(t, Options{})
	rx, _ := b.Map(b.RXBufferAddress())

	long := bytes.Repeat([]byte{0xEE}, 100)
	short := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 0x88, 0xB5, 0x42}
	link.rx().frames <- long
	link.rx().frames <- short

	if n := b.ReceivePacket(); n != uint32(len(long)) {
		t.Fatalf("first length = %d", n)
	}
	if !bytes.Equal(rx[:len(long)], long) {
		t.Fatal("first frame not in RX")
	}

	if n := b.ReceivePacket(); n != uint32(len(short)) {
		t.Fatalf("second length = %d", n)
	}
	if !bytes.Equal(rx[:len(short)], short) {
		t.Fatalf("RX = % x, want % x", rx[:len(short)], short)
	}
	// Bytes past the new frame keep the old content; only [0:n) is valid.
	if rx[len(short)] != 0xEE {
		t.Fatal("receive cleared bytes beyond the frame")
	}

	if st := b.Stats(); st.FramesReceived != 2 || st.BytesReceived != uint64(len(long)+len(short)) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestReceiveTruncatesToCapacity(t *testing.T) {
	b, link := startFake(t, Options{BufferSize: 32})
	link.rx().frames <- bytes.Repeat([]byte{0x11}, 100)

	if n := b.ReceivePacket(); n != 32 {
		t.Fatalf("length = %d, want 32", n)
	}
}

func TestReceiveError(t *testing.T) {
	b, link := startFake(t, Options{})
	link.rx().recvFn = func() error {
		return &netutil.ReceiveError{Err: errors.New("boom")}
	}

	_, err := b.Receive()
	var recvErr *netutil.ReceiveError
	if !errors.As(err, &recvErr) {
		t.Fatalf("err = %v, want ReceiveError", err)
	}
	if n := b.ReceivePacket(); n != 0 {
		t.Fatalf("ReceivePacket = %d on error, want 0", n)
	}
	if st := b.Stats(); st.ReceiveErrors != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestReceiveContextTimesOut(t *testing.T) {
	b, _ := startFake(t, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := b.ReceiveContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if st := b.Stats(); st.ReceiveErrors != 0 {
		t.Fatalf("timeout counted as receive error: %+v", st)
	}
}

func TestStartFailures(t *testing.T) {
	t.Run("socket open", func(t *testing.T) {
		link := &fakeLink{openErr: &netutil.SocketOpenError{Err: errors.New("EPERM")}, openAfter: 1}
		b := New(Options{Interface: "sim0", Link: link})

		err := b.Start()
		var openErr *netutil.SocketOpenError
		if !errors.As(err, &openErr) {
			t.Fatalf("err = %v, want SocketOpenError", err)
		}
		if link.conns[0].closed != 1 {
			t.Fatal("RX socket leaked after TX open failed")
		}
		if b.State() != Uninitialized {
			t.Fatalf("state = %v", b.State())
		}
	})

	t.Run("interface", func(t *testing.T) {
		link := &fakeLink{resolveFn: func(name string) error {
			return &netutil.InterfaceNotFoundError{Name: name, Err: errors.New("ENODEV")}
		}}
		b := New(Options{Interface: "nope0", Link: link})

		err := b.Start()
		var notFound *netutil.InterfaceNotFoundError
		if !errors.As(err, &notFound) || notFound.Name != "nope0" {
			t.Fatalf("err = %v, want InterfaceNotFoundError", err)
		}
		for i, c := range link.conns {
			if c.closed != 1 {
				t.Fatalf("socket %d closed %d times", i, c.closed)
			}
		}
		if b.RXBufferAddress() != 0 {
			t.Fatal("address exported after failed start")
		}
	})

	t.Run("allocation", func(t *testing.T) {
		link := &fakeLink{}
		b := New(Options{Interface: "sim0", BufferSize: -1, Link: link})
		if err := b.Start(); err == nil {
			t.Fatal("start with negative buffer size succeeded")
		}
		if len(link.conns) != 0 {
			t.Fatal("sockets opened after allocation failed")
		}
	})
}

func TestTraceRecordsBothDirections(t *testing.T) {
	var out bytes.Buffer
	rec, err := trace.NewRecorder(&out, 65536)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	b, link := startFake(t, Options{Trace: rec})

	tx, _ := b.Map(b.TXBufferAddress())
	copy(tx, bytes.Repeat([]byte{0xFF}, 14))
	if err := b.Transmit(14); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	link.rx().frames <- bytes.Repeat([]byte{0xAB}, 20)
	if _, err := b.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}

	rd, err := pcapgo.NewReader(&out)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	for _, want := range []int{14, 20} {
		data, _, err := rd.ReadPacketData()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(data) != want {
			t.Fatalf("traced %d bytes, want %d", len(data), want)
		}
	}
}
