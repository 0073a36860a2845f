package pcapfile

import (
	"fmt"

	"golang.org/x/net/bpf"
)

const (
	bpfAccept = 0x40000
	// Each port check costs one instruction and jumps are 8 bit.
	maxFilterPorts = 200
)

// serverPortFilter assembles a classic BPF program that accepts
// unfragmented IPv4 TCP segments sent from one of ports on an Ethernet
// link.
func serverPortFilter(ports []uint16) ([]bpf.Instruction, error) {
	n := len(ports)
	if n == 0 || n > maxFilterPorts {
		return nil, fmt.Errorf("bpf filter supports 1 to %d ports, got %d", maxFilterPorts, n)
	}
	reject := uint8(8 + n)

	// ethertype, ip proto, fragment offset, then the src port at
	// 14 + ip header length. Every failed check jumps to reject.
	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0800, SkipFalse: reject - 2},
		bpf.LoadAbsolute{Off: 23, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 6, SkipFalse: reject - 4},
		bpf.LoadAbsolute{Off: 20, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1fff, SkipTrue: reject - 6},
		bpf.LoadMemShift{Off: 14},
		bpf.LoadIndirect{Off: 14, Size: 2},
	}
	for i, p := range ports {
		prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(p), SkipTrue: uint8(n - i)})
	}
	prog = append(prog,
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: bpfAccept},
	)
	return prog, nil
}

func newPortVM(ports []uint16) (*bpf.VM, error) {
	prog, err := serverPortFilter(ports)
	if err != nil {
		return nil, err
	}
	return bpf.NewVM(prog)
}
