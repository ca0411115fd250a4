package ipv4

// Iface is the minimal view of an attached interface that route consumers
// (PMTU discovery, fragmentation) need: its link MTU budget for IPv4
// payloads.
type Iface struct {
	// MTU is the interface's IPv4 MTU (Ethernet payload budget minus the
	// Ethernet header, already accounted for by the driver per the
	// Interface driver contract).
	MTU uint16
}

// Router resolves a destination address to the outgoing interface and next
// hop that would carry it, without actually sending anything. It is
// consulted by the path-MTU cache on a miss or aging re-check.
type Router interface {
	RouteIPv4(dst [4]byte) (iface *Iface, nextHop [4]byte, ok bool)
}
