package internet

import (
	"log/slog"

	"github.com/aipstack-go/aipstack"
	"github.com/aipstack-go/aipstack/arp"
	"github.com/aipstack-go/aipstack/ethernet"
)

var _ StackNode = (*NodeARP)(nil)

// NodeARP adapts [arp.Handler] to the StackNode graph and bridges its
// resolution API to [StackIP]'s transmit-path callbacks (see
// [NodeARP.AttachToIPStack]).
type NodeARP struct {
	handler arp.Handler
	vld     lneto.Validator
	ticks   []arp.TickAction
}

func (narp *NodeARP) Reset(cfg arp.HandlerConfig) error {
	return narp.handler.Reset(cfg)
}

func (narp *NodeARP) LocalPort() uint16 { return 0 }

func (narp *NodeARP) Protocol() uint64 { return uint64(ethernet.TypeARP) }

func (narp *NodeARP) ConnectionID() *uint64 { return narp.handler.ConnectionID() }

// AttachToIPStack wires this node's resolution machinery into sb's transmit
// path: unresolved local destinations start queries here, and resolved ones
// are read back from the handler's cache.
func (narp *NodeARP) AttachToIPStack(sb *StackIP) {
	sb.SetARP(narp.QueueQuery, narp.CheckQuery)
}

// QueueQuery starts (or refreshes) resolution of ip.
func (narp *NodeARP) QueueQuery(ip [4]byte) error {
	_, err := narp.handler.ResolveHW(ip[:])
	if err == arp.ErrARPQueryPending || err == arp.ErrARPQueryNotFound {
		err = nil // Query underway; that is the success case here.
	}
	return err
}

// CheckQuery polls resolution of ip, returning the hardware address once known.
func (narp *NodeARP) CheckQuery(ip [4]byte) ([6]byte, error) {
	return narp.handler.ResolveHW(ip[:])
}

// Tick drives the handler's per-second cache aging.
func (narp *NodeARP) Tick() {
	narp.ticks = narp.handler.Tick(narp.ticks)
}

func (narp *NodeARP) Demux(etherFrame []byte, arpOff int) error {
	afrm, err := arp.NewFrame(etherFrame[arpOff:])
	if err != nil {
		slog.Error("bad-ARP", slog.String("err", err.Error()))
		return nil
	}
	afrm.ValidateSize(&narp.vld)
	if narp.vld.HasError() {
		slog.Error("invalid-ARP", slog.String("err", narp.vld.ErrPop().Error()))
		return nil
	}
	return narp.handler.Demux(etherFrame, arpOff)
}

func (narp *NodeARP) Encapsulate(etherFrame []byte, offsetToIP, arpOff int) (int, error) {
	n, err := narp.handler.Encapsulate(etherFrame, offsetToIP, arpOff)
	if err != nil || n == 0 {
		return 0, err
	}
	afrm, _ := arp.NewFrame(etherFrame[arpOff:])
	slog.Debug("arp-out", slog.String("out", afrm.String()))
	return n, err
}
