package bridge

import (
	"context"
	"fmt"

	"vnic/internal/netutil"
)

// Conn is one raw link-layer channel.
type Conn interface {
	Send(frame []byte, ifIndex int) error
	Receive(buf []byte) (int, error)
	ReceiveContext(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// Link opens and prepares the channels a Bridge drives.
type Link interface {
	// Open creates a new channel. A receive channel (rx set) must not
	// deliver anything until Attach has prepared it.
	Open(rx bool) (Conn, error)
	// Resolve returns the index of the named device, queried through c.
	Resolve(name string, c Conn) (int, error)
	// Attach prepares c for use on the device. rx is set for the receive
	// channel; the transmit channel addresses every frame explicitly.
	Attach(c Conn, ifIndex int, rx bool) error
}

// packetLink is the AF_PACKET implementation of Link.
type packetLink struct {
	etherType uint16
}

func (l packetLink) Open(rx bool) (Conn, error) {
	open := netutil.OpenSocket
	if rx {
		open = netutil.OpenReceiveSocket
	}
	s, err := open()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (l packetLink) Resolve(name string, c Conn) (int, error) {
	s, ok := c.(*netutil.Socket)
	if !ok {
		return 0, fmt.Errorf("resolve %q: unsupported channel %T", name, c)
	}
	return netutil.ResolveIndex(name, s.FD())
}

func (l packetLink) Attach(c Conn, ifIndex int, rx bool) error {
	if !rx {
		return nil
	}
	s, ok := c.(*netutil.Socket)
	if !ok {
		return fmt.Errorf("attach: unsupported channel %T", c)
	}
	// The socket was opened with protocol 0 and queues nothing until Bind,
	// so the filter covers every frame it will ever deliver.
	if l.etherType != 0 {
		filter, err := netutil.EtherTypeFilter(l.etherType)
		if err != nil {
			return fmt.Errorf("assemble EtherType filter: %w", err)
		}
		if err := s.SetBPFFilter(filter); err != nil {
			return fmt.Errorf("attach EtherType filter 0x%04x: %w", l.etherType, err)
		}
	}
	if err := s.Bind(ifIndex); err != nil {
		return fmt.Errorf("bind to index %d: %w", ifIndex, err)
	}
	return nil
}
