package sim

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LoopbackEtherType is the IEEE "local experimental" EtherType used for the
// self-check frame.
const LoopbackEtherType = 0x88B5

// loopbackTries bounds how many unrelated frames are skipped while waiting
// for the frame to come back.
const loopbackTries = 64

// Loopback returns an engine that stands in for a simulated design: it
// writes one broadcast echo frame into TX, transmits it, and reports
// success once the same bytes show up in RX. A packet socket sees its
// host's outgoing frames, so no peer is needed.
//
// The wait for RX is as unbounded as ReceivePacket itself.
func Loopback(src net.HardwareAddr, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return FuncEngine(func(args []string, host Host) int {
		echo, err := echoFrame(src, time.Now())
		if err != nil {
			logger.Error("build echo frame", "err", err)
			return 1
		}

		tx, ok := host.Map(host.TXBufferAddress())
		if !ok || len(tx) < len(echo) {
			logger.Error("TX buffer unavailable")
			return 1
		}
		copy(tx, echo)
		if status := host.SendPacket(uint64(len(echo))); status != 0 {
			logger.Error("echo send failed", "status", status)
			return 1
		}

		for i := 0; i < loopbackTries; i++ {
			n := host.ReceivePacket()
			if n == 0 {
				continue
			}
			rx, ok := host.Map(host.RXBufferAddress())
			if !ok {
				logger.Error("RX buffer unavailable")
				return 1
			}
			if bytes.Equal(rx[:n], echo) {
				logger.Info("echo returned", "len", n, "skipped", i)
				return 0
			}
		}
		logger.Error("echo not seen", "frames", loopbackTries)
		return 1
	})
}

func echoFrame(src net.HardwareAddr, now time.Time) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetType(LoopbackEtherType),
	}
	payload := gopacket.Payload(fmt.Sprintf("vnic echo %d", now.UnixNano()))

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &eth, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
