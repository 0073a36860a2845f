package pcapfile

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"
)

// streamFactory is driven synchronously by the assembler, so streams
// forward straight to the sink without their own goroutine.
type streamFactory struct {
	source *Source
	stats  *Stats
}

type stream struct {
	flow    string
	factory *streamFactory
}

// FlowKey renders the direction of a TCP stream.
func FlowKey(net, transport gopacket.Flow) string {
	return fmt.Sprintf("%s:%s->%s:%s", net.Src(), transport.Src(), net.Dst(), transport.Dst())
}

func (f *streamFactory) New(net, transport gopacket.Flow) tcpassembly.Stream {
	st := &stream{flow: FlowKey(net, transport), factory: f}
	f.stats.Streams++
	f.source.logger.WithField("flow", st.flow).Info("stream opened")
	f.source.accept(f.source.sink.Connect(st.flow), f.stats, st.flow, "connect")
	return st
}

func (s *stream) Reassembled(rs []tcpassembly.Reassembly) {
	src, stats := s.factory.source, s.factory.stats
	for _, r := range rs {
		if r.Skip != 0 {
			stats.Gaps++
			src.accept(src.sink.Gap(s.flow), stats, s.flow, "gap")
		}
		if len(r.Bytes) == 0 {
			continue
		}
		stats.Bytes += uint64(len(r.Bytes))
		src.accept(src.sink.Feed(s.flow, r.Bytes, r.Seen), stats, s.flow, "feed")
	}
}

func (s *stream) ReassemblyComplete() {
	src := s.factory.source
	src.logger.WithField("flow", s.flow).Info("stream closed")
	src.accept(src.sink.ConnectionLost(s.flow), s.factory.stats, s.flow, "lost")
}
