package trace

import (
	"bytes"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func buildFrame(t *testing.T, payload []byte) []byte {
	t.Helper()

	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetType(0x88B5),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &eth, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestRecorderRoundTrip(t *testing.T) {
	var out bytes.Buffer
	r, err := NewRecorder(&out, 64)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	stamp := time.Unix(1700000000, 0)
	r.now = func() time.Time { return stamp }

	short := buildFrame(t, []byte("hi"))
	long := buildFrame(t, bytes.Repeat([]byte{0xAA}, 200))
	for _, f := range [][]byte{short, long} {
		if err := r.Record(f); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	rd, err := pcapgo.NewReader(&out)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	if rd.LinkType() != layers.LinkTypeEthernet {
		t.Fatalf("link type = %v", rd.LinkType())
	}

	data, ci, err := rd.ReadPacketData()
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if !bytes.Equal(data, short) {
		t.Fatalf("first frame = % x, want % x", data, short)
	}
	if !ci.Timestamp.Equal(stamp) {
		t.Fatalf("timestamp = %v", ci.Timestamp)
	}

	data, ci, err = rd.ReadPacketData()
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if len(data) != 64 || ci.Length != len(long) {
		t.Fatalf("truncated frame: captured %d, length %d", len(data), ci.Length)
	}
}

func TestCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pcap")
	r, err := Create(path, 65536)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Record(buildFrame(t, []byte("x"))); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSummary(t *testing.T) {
	s := Summary(buildFrame(t, []byte("payload")))
	if !strings.Contains(s, "02:00:00:00:00:01 > ff:ff:ff:ff:ff:ff") {
		t.Fatalf("summary = %q", s)
	}

	if s := Summary([]byte{1, 2, 3}); s != "raw len=3" {
		t.Fatalf("short summary = %q", s)
	}
}
