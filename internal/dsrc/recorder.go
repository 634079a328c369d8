package dsrc

import (
	"fmt"
	"net"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/fusion.report/internal/fusion"
)

// CapturePort is the UDP port the DSRC radio's logger sends to.
const CapturePort = 5005

// Recorder writes raw DSRC frames into a pcap capture that ReplayParser can
// play back. Frames are wrapped in a synthetic Ethernet/IPv4/UDP envelope so
// the capture is also inspectable with standard tooling.
type Recorder struct {
	file *os.File
	w    *pcapgo.Writer
}

// NewRecorder creates (truncating) a pcap capture at path.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create dsrc capture: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Recorder{file: f, w: w}, nil
}

// Record appends one raw frame at its capture timestamp.
func (r *Recorder) Record(frame fusion.RawFrame) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(CapturePort),
		DstPort: layers.UDPPort(CapturePort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(frame.Payload)); err != nil {
		return fmt.Errorf("failed to serialize dsrc frame: %w", err)
	}

	data := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     frame.CapturedAt,
		CaptureLength: len(data),
		Length:        len(data),
	}
	return r.w.WritePacket(ci, data)
}

// Close flushes and closes the capture file.
func (r *Recorder) Close() error { return r.file.Close() }
