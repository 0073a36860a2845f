// Package pcaptest writes synthetic single-connection captures for tests.
package pcaptest

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Default endpoints of a capture.
var (
	ServerIP   = net.IP{10, 0, 0, 1}
	ClientIP   = net.IP{192, 168, 1, 20}
	ClientPort = uint16(40000)
	Start      = time.Unix(1700000000, 0)
)

const serverISN = 1000

// Capture is an in-memory Ethernet pcap of one TCP connection.
type Capture struct {
	buf  bytes.Buffer
	w    *pcapgo.Writer
	port uint16
	ts   time.Time
	next uint32
}

// New starts a capture whose server listens on port.
func New(port uint16) (*Capture, error) {
	c := &Capture{port: port, ts: Start, next: serverISN + 1}
	c.w = pcapgo.NewWriter(&c.buf)
	if err := c.w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, err
	}
	return c, nil
}

// Flow is the server to client flow key the replay source reports.
func (c *Capture) Flow() string {
	return fmt.Sprintf("%s:%d->%s:%d", ServerIP, c.port, ClientIP, ClientPort)
}

// ServerSYN writes the server SYN-ACK.
func (c *Capture) ServerSYN() error {
	return c.Segment(true, serverISN, nil, true, false)
}

// ServerData writes p as the next in-order server segment.
func (c *Capture) ServerData(p []byte) error {
	if err := c.Segment(true, c.next, p, false, false); err != nil {
		return err
	}
	c.next += uint32(len(p))
	return nil
}

// SkipServer leaves n bytes of the server stream out of the capture.
func (c *Capture) SkipServer(n int) {
	c.next += uint32(n)
}

// ServerFIN closes the server direction.
func (c *Capture) ServerFIN() error {
	return c.Segment(true, c.next, nil, false, true)
}

// ClientData writes a client to server segment.
func (c *Capture) ClientData(seq uint32, p []byte) error {
	return c.Segment(false, seq, p, false, false)
}

// Segment writes one raw TCP segment.
func (c *Capture) Segment(fromServer bool, seq uint32, payload []byte, syn, fin bool) error {
	src, dst := ClientIP, ServerIP
	sport, dport := layers.TCPPort(ClientPort), layers.TCPPort(c.port)
	if fromServer {
		src, dst = ServerIP, ClientIP
		sport, dport = dport, sport
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{SrcPort: sport, DstPort: dport, Seq: seq, SYN: syn, FIN: fin, ACK: true, Window: 65535}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	out := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(out, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return err
	}

	c.ts = c.ts.Add(time.Millisecond)
	data := out.Bytes()
	return c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     c.ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

// Bytes returns the capture file contents written so far.
func (c *Capture) Bytes() []byte { return c.buf.Bytes() }

// WriteFile saves the capture to path.
func (c *Capture) WriteFile(path string) error {
	return os.WriteFile(path, c.buf.Bytes(), 0o644)
}
