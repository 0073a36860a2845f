// Package pcapfile replays recorded traffic into the analyzer.
package pcapfile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/gopacket/tcpassembly"
	"golang.org/x/net/bpf"

	"firestige.xyz/dpslens/internal/log"
)

// Sink receives reassembled server to client streams.
type Sink interface {
	Connect(flow string) error
	Feed(flow string, data []byte, seen time.Time) error
	Gap(flow string) error
	ConnectionLost(flow string) error
}

// Config selects which TCP streams are replayed.
type Config struct {
	// ServerPorts are the game server ports. Only segments sent from one
	// of them are replayed. Empty replays every stream.
	ServerPorts []uint16 `mapstructure:"server_ports" yaml:"server_ports"`
}

// Stats summarizes one replay.
type Stats struct {
	Packets    uint64
	Filtered   uint64
	Segments   uint64
	Streams    uint64
	Bytes      uint64
	Gaps       uint64
	SinkErrors uint64
}

// Source reads pcap files and drives a Sink.
type Source struct {
	ports  map[layers.TCPPort]bool
	vm     *bpf.VM
	sink   Sink
	logger log.Logger
}

// New creates a pcap replay source.
func New(cfg Config, sink Sink, logger log.Logger) *Source {
	if logger == nil {
		logger = log.Discard()
	}
	ports := make(map[layers.TCPPort]bool, len(cfg.ServerPorts))
	for _, p := range cfg.ServerPorts {
		ports[layers.TCPPort(p)] = true
	}
	s := &Source{ports: ports, sink: sink, logger: logger}
	if len(cfg.ServerPorts) > 0 {
		vm, err := newPortVM(cfg.ServerPorts)
		if err != nil {
			logger.WithError(err).Warn("bpf prefilter disabled")
		}
		s.vm = vm
	}
	return s
}

// ReplayFile replays the pcap file at path.
func (s *Source) ReplayFile(ctx context.Context, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}
	defer f.Close()
	return s.Replay(ctx, bufio.NewReader(f))
}

// Replay reads a pcap stream to the end, or until ctx is done. Open
// streams are flushed and closed before it returns.
func (s *Source) Replay(ctx context.Context, r io.Reader) (Stats, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read pcap header: %w", err)
	}

	var stats Stats
	pool := tcpassembly.NewStreamPool(&streamFactory{source: s, stats: &stats})
	assembler := tcpassembly.NewAssembler(pool)

	err = s.assemble(ctx, pr, assembler, &stats)
	assembler.FlushAll()

	s.logger.WithFields(map[string]interface{}{
		"packets":  stats.Packets,
		"filtered": stats.Filtered,
		"segments": stats.Segments,
		"streams":  stats.Streams,
		"bytes":    stats.Bytes,
		"gaps":     stats.Gaps,
	}).Info("pcap replay finished")
	return stats, err
}

func (s *Source) assemble(ctx context.Context, pr *pcapgo.Reader, assembler *tcpassembly.Assembler, stats *Stats) error {
	linkType := pr.LinkType()
	vm := s.vm
	if linkType != layers.LinkTypeEthernet {
		vm = nil
	}
	opts := gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		if vm != nil {
			if n, _ := vm.Run(data); n == 0 {
				stats.Filtered++
				continue
			}
		}

		pkt := gopacket.NewPacket(data, linkType, opts)
		nl := pkt.NetworkLayer()
		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if nl == nil || !ok {
			continue
		}
		if len(s.ports) > 0 && !s.ports[tcp.SrcPort] {
			stats.Filtered++
			continue
		}
		stats.Segments++
		assembler.AssembleWithTimestamp(nl.NetworkFlow(), tcp, ci.Timestamp)
	}
}

func (s *Source) accept(err error, stats *Stats, flow, op string) {
	if err == nil {
		return
	}
	stats.SinkErrors++
	if s.logger.IsDebugEnabled() {
		s.logger.WithError(err).WithField("flow", flow).WithField("op", op).Debug("sink refused")
	}
}
