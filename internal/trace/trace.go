// Package trace records bridged frames to a pcap file and renders one-line
// frame summaries for debug logs. Nothing here feeds back into the bridge;
// frames are opaque to it.
package trace

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Recorder appends frames to a pcap stream.
type Recorder struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	c       io.Closer
	snapLen uint32
	now     func() time.Time
}

// Create opens path for writing and emits the pcap file header.
func Create(path string, snapLen uint32) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	r, err := NewRecorder(f, snapLen)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.c = f
	return r, nil
}

// NewRecorder writes the pcap file header to w and returns a Recorder that
// appends to it. Closing the Recorder does not close w.
func NewRecorder(w io.Writer, snapLen uint32) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Recorder{w: pw, snapLen: snapLen, now: time.Now}, nil
}

// Record appends one frame. Frames longer than the snap length are
// truncated in the capture but keep their original length.
func (r *Recorder) Record(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := frame
	if uint32(len(data)) > r.snapLen {
		data = data[:r.snapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     r.now(),
		CaptureLength: len(data),
		Length:        len(frame),
	}
	return r.w.WritePacket(ci, data)
}

// Close closes the underlying file if the Recorder opened it.
func (r *Recorder) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

// Summary renders a frame as "src > dst type len=N" for logs. Frames too
// short for an Ethernet header are shown as raw length only.
func Summary(frame []byte) string {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return fmt.Sprintf("raw len=%d", len(frame))
	}
	return fmt.Sprintf("%s > %s %s len=%d", eth.SrcMAC, eth.DstMAC, eth.EthernetType, len(frame))
}
