package netutil

import (
	"context"
	"errors"
	"time"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	ethPAll = 0x0003 // ETH_P_ALL
	ethALen = 6      // ETH_ALEN

	// pollInterval bounds each wait in ReceiveContext so cancellation is
	// noticed even without a deadline.
	pollInterval = 100 * time.Millisecond
)

// htons converts a uint16 from host to network byte order.
func htons(v uint16) uint16 {
	return (v<<8)&0xff00 | (v >> 8)
}

// Socket wraps one AF_PACKET raw socket accepting all protocols.
type Socket struct {
	fd int
}

// OpenSocket creates a new AF_PACKET/SOCK_RAW socket for ETH_P_ALL.
// Failure is almost always missing CAP_NET_RAW.
func OpenSocket() (*Socket, error) {
	return openSocket(htons(ethPAll))
}

// OpenReceiveSocket creates an AF_PACKET/SOCK_RAW socket that hears nothing
// until Bind, which switches it to ETH_P_ALL on one interface. Filters
// attached before Bind therefore apply to every frame it ever queues.
func OpenReceiveSocket() (*Socket, error) {
	return openSocket(0)
}

func openSocket(proto uint16) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, &SocketOpenError{Err: err}
	}
	return &Socket{fd: fd}, nil
}

// FD returns the underlying file descriptor.
func (s *Socket) FD() int {
	return s.fd
}

// Bind restricts the socket to one interface and starts delivery of all
// protocols on it.
func (s *Socket) Bind(ifIndex int) error {
	addr := unix.SockaddrLinklayer{
		Protocol: htons(ethPAll),
		Ifindex:  ifIndex,
	}
	return unix.Bind(s.fd, &addr)
}

// SetBPFFilter attaches a compiled BPF program to the socket via SO_ATTACH_FILTER.
func (s *Socket) SetBPFFilter(instrs []bpf.RawInstruction) error {
	if len(instrs) == 0 {
		return errors.New("empty BPF program")
	}

	filter := make([]unix.SockFilter, len(instrs))
	for i, ins := range instrs {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	return unix.SetsockoptSockFprog(s.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog)
}

// Send transmits frame as-is on the interface with the given index. The
// destination hardware address must already be in the frame. A short write
// is reported as a SendError and is not retried.
func (s *Socket) Send(frame []byte, ifIndex int) error {
	addr := unix.SockaddrLinklayer{
		Ifindex: ifIndex,
		Halen:   ethALen,
	}
	n, err := unix.SendmsgN(s.fd, frame, nil, &addr, 0)
	if err != nil {
		return &SendError{Want: len(frame), Err: err}
	}
	if n != len(frame) {
		return &SendError{Want: len(frame), Sent: n}
	}
	return nil
}

// Receive blocks until a frame arrives and copies up to len(buf) bytes of
// it into buf. There is no timeout.
func (s *Socket) Receive(buf []byte) (int, error) {
	for {
		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, &ReceiveError{Err: err}
		}
		return n, nil
	}
}

// ReceiveContext is Receive with a cancellable wait. It returns ctx.Err()
// if ctx is done before a frame is available; buf is untouched in that case.
func (s *Socket) ReceiveContext(ctx context.Context, buf []byte) (int, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		wait := pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			if left := time.Until(deadline); left < wait {
				wait = left
			}
		}
		if wait <= 0 {
			<-ctx.Done()
			return 0, ctx.Err()
		}

		ready, err := unix.Poll(fds, pollTimeout(wait))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, &ReceiveError{Err: err}
		}
		if ready == 0 {
			continue
		}

		n, _, err := unix.Recvfrom(s.fd, buf, unix.MSG_DONTWAIT)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, &ReceiveError{Err: err}
		}
		return n, nil
	}
}

// pollTimeout converts wait to poll(2) milliseconds, rounding up so a
// sub-millisecond remainder still blocks instead of spinning.
func pollTimeout(wait time.Duration) int {
	return int((wait + time.Millisecond - 1) / time.Millisecond)
}

// Close closes the underlying file descriptor. Closing twice is a no-op.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
