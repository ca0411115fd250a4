package internet

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/netip"

	"github.com/aipstack-go/aipstack"
	"github.com/aipstack-go/aipstack/arp"
	"github.com/aipstack-go/aipstack/clock"
	"github.com/aipstack-go/aipstack/ethernet"
	"github.com/aipstack-go/aipstack/internal"
	"github.com/aipstack-go/aipstack/internal/lrucache"
	"github.com/aipstack-go/aipstack/ipv4"
	"github.com/aipstack-go/aipstack/ipv4/icmpv4"
	"github.com/aipstack-go/aipstack/ipv4/ipreasm"
	"github.com/aipstack-go/aipstack/ipv4/pmtu"
	"github.com/aipstack-go/aipstack/tcp"
	"github.com/aipstack-go/aipstack/udp"
)

var _ StackNode = (*StackIP)(nil)

type (
	queueARPFunc func([4]byte) error
	checkARPFunc func([4]byte) ([6]byte, error)
)

// DestUnreachFunc receives ICMP Destination Unreachable code 4
// (fragmentation needed) notifications. encap holds the quoted IPv4 header
// plus at least 8 octets of the offending datagram so the handler can decide
// whether the referenced flow is its own.
type DestUnreachFunc func(proto lneto.IPProto, nextHopMTU uint16, encap []byte)

// StackIP is the IPv4 endpoint engine: it validates incoming datagrams,
// reassembles fragments, answers ICMP echo, distributes ICMP errors and
// dispatches complete datagrams to registered upper-protocol nodes by
// protocol number. On the way out it frames registered nodes' payloads in
// IPv4 headers and resolves the destination hardware address via ARP when an
// Ethernet layer is below.
type StackIP struct {
	connID      uint64
	ipID        uint16
	ip          [4]byte
	subMask32   uint32
	validator   lneto.Validator
	handlers    handlers
	pendingICMP []icmpReply
	arpCache    lrucache.Cache[[4]byte, [6]byte]
	queueARP    queueARPFunc
	checkARP    checkARPFunc
	// reasm, pathMTU, router and clockSrc are optional attachments set after
	// Reset; a nil value disables the corresponding behavior.
	reasm        *ipreasm.Cache
	reasmScratch []byte
	reasmExpired []ipreasm.Expired
	pathMTU      *pmtu.Cache
	router       ipv4.Router
	clockSrc     clock.Source
	destUnreach  DestUnreachFunc
	logger
}

type icmpReply struct {
	dst     [4]byte
	payload []byte
}

const defaultARPCacheSize = 8

// Reset clears all protocol state and configures the stack with the local
// address and the maximum number of upper-protocol nodes. Attachments made
// with SetARP, SetReassembler, SetPathMTU and SetClock survive a Reset.
func (sb *StackIP) Reset(addr netip.Addr, maxNodes int) error {
	if maxNodes <= 0 {
		return errZeroMaxNodesArg
	}
	err := sb.SetAddr(addr, netip.AddrFrom4([4]byte{255, 255, 255, 0}))
	if err != nil {
		return err
	}
	sb.handlers.reset("StackIP", maxNodes)
	*sb = StackIP{
		connID:      sb.connID + 1,
		validator:   sb.validator,
		handlers:    sb.handlers,
		logger:      sb.logger,
		ip:          sb.ip,
		subMask32:   sb.subMask32,
		pendingICMP: sb.pendingICMP[:0],
		arpCache:    lrucache.New[[4]byte, [6]byte](defaultARPCacheSize),
		queueARP:    sb.queueARP,
		checkARP:    sb.checkARP,
		reasm:       sb.reasm,
		pathMTU:     sb.pathMTU,
		router:      sb.router,
		clockSrc:    sb.clockSrc,
		destUnreach: sb.destUnreach,
	}
	return nil
}

func (sb *StackIP) SetAddr(addr netip.Addr, subnetMask netip.Addr) error {
	if !addr.IsValid() {
		return errors.New("invalid IP")
	}
	if !subnetMask.IsValid() {
		return errors.New("invalid subnet mask")
	}
	if !addr.Is4() || !subnetMask.Is4() {
		return errors.New("require IPv4")
	}
	sb.ip = addr.As4()
	sb.subMask32 = asUint32(subnetMask.As4())
	return nil
}

// SetARP attaches the ARP resolution callbacks used on the transmit path
// when an Ethernet layer sits below this stack. queueARP starts a query for
// an unresolved address; checkARP polls an in-flight query's result.
func (sb *StackIP) SetARP(queueARP queueARPFunc, checkARP checkARPFunc) {
	sb.queueARP = queueARP
	sb.checkARP = checkARP
}

// SetReassembler attaches a fragment reassembly table. Without one,
// fragmented datagrams are dropped.
func (sb *StackIP) SetReassembler(cache *ipreasm.Cache) { sb.reasm = cache }

// SetPathMTU attaches a path-MTU cache updated from incoming ICMP
// fragmentation-needed errors, and the router consulted by the cache's own
// aging sweep (see [StackIP.TickMinute]).
func (sb *StackIP) SetPathMTU(cache *pmtu.Cache, router ipv4.Router) {
	sb.pathMTU = cache
	sb.router = router
}

// SetClock attaches the tick source used to stamp reassembly contexts.
func (sb *StackIP) SetClock(src clock.Source) { sb.clockSrc = src }

// SetDestUnreachHandler registers a callback invoked for every validated
// ICMP fragmentation-needed error, after the path-MTU cache has been
// updated. Typically wired to [tcp.Conn.HandleDestUnreach] or a listener's
// fan-out.
func (sb *StackIP) SetDestUnreachHandler(fn DestUnreachFunc) { sb.destUnreach = fn }

func (sb *StackIP) now() clock.Ticks {
	if sb.clockSrc == nil {
		return 0
	}
	return sb.clockSrc.Now()
}

func (sb *StackIP) ConnectionID() *uint64 {
	return &sb.connID
}

func (sb *StackIP) Protocol() uint64 {
	return uint64(ethernet.TypeIPv4) // Only support ipv4 for now.
}

func (sb *StackIP) LocalPort() uint16 { return 0 }

func (sb *StackIP) Addr() netip.Addr {
	return netip.AddrFrom4(sb.ip)
}

func (sb *StackIP) SetLogger(logger *slog.Logger) {
	sb.logger.log = logger
	sb.handlers.logger.log = logger
}

func (sb *StackIP) Demux(carrierData []byte, offset int) error {
	sb.trace("StackIP.Demux:start")
	frame := carrierData[offset:] // we don't care about carrier data in IP.
	ifrm, err := ipv4.NewFrame(frame)
	if err != nil {
		return err
	}
	dst := ifrm.DestinationAddr()
	if sb.ip != ([4]byte{}) && *dst != sb.ip && !sb.isBroadcast(*dst) {
		return errors.New("not meant for us") // Not meant for us.
	}

	sb.validator.ResetErr()
	ifrm.ValidateExceptCRC(&sb.validator)
	if err = sb.validator.ErrPop(); err != nil {
		return err
	}
	gotCRC := ifrm.CRC()
	wantCRC := ifrm.CalculateHeaderCRC()
	if gotCRC != wantCRC {
		sb.error("StackIP:Demux:crc-mismatch", slog.Uint64("want", uint64(wantCRC)), slog.Uint64("got", uint64(gotCRC)))
		return errors.New("IPv4 CRC mismatch")
	}
	flags := ifrm.Flags()
	if flags.MoreFragments() || flags.FragmentOffset() != 0 {
		return sb.recvFragment(ifrm)
	}
	totalLen := ifrm.TotalLength()
	return sb.dispatchUpper(frame[:totalLen], ifrm.HeaderLength())
}

// dispatchUpper hands a complete, already header-validated datagram to the
// matching upper-protocol node. frame starts at the IPv4 header; off is the
// start of the payload. This is the single dispatch point shared by the
// direct receive path and the reassembly completion path, so transport-layer
// checksums (which span the whole datagram) are always verified against the
// complete payload.
func (sb *StackIP) dispatchUpper(frame []byte, off int) error {
	ifrm, err := ipv4.NewFrame(frame)
	if err != nil {
		return err
	}
	proto := ifrm.Protocol()
	if proto == lneto.IPProtoICMP {
		return sb.recvICMP(ifrm)
	}
	node := sb.handlers.nodeByProto(uint16(proto))
	if node == nil {
		// Drop packet.
		sb.info("iprecv:drop", slog.String("dstaddr", netip.AddrFrom4(*ifrm.DestinationAddr()).String()), slog.String("proto", proto.String()))
		return nil
	}
	// Incoming CRC Validation of common IP Protocols.
	var crc lneto.CRC791
	switch proto {
	case lneto.IPProtoTCP:
		ifrm.CRCWriteTCPPseudo(&crc)
		tfrm, err := tcp.NewFrame(ifrm.Payload())
		if err != nil {
			return err
		}
		tfrm.CRCWrite(&crc)
		if crc.Sum16() != tfrm.CRC() {
			return errors.New("TCP CRC mismatch")
		}
	case lneto.IPProtoUDP:
		ifrm.CRCWriteUDPPseudo(&crc)
		ufrm, err := udp.NewFrame(ifrm.Payload())
		if err != nil {
			return err
		}
		ufrm.CRCWriteIPv4(&crc)
		if crc.Sum16() != ufrm.CRC() {
			return errors.New("UDP CRC mismatch")
		}
	}
	sb.info("ipDemux", slog.String("ipproto", proto.String()), slog.Int("plen", len(frame)))
	err = node.demux(frame, off)
	if sb.handlers.tryHandleError(node, err) {
		sb.info("ipclose", slog.String("proto", proto.String()))
		err = nil
	}
	return err
}

// recvFragment feeds one fragment to the reassembly table and, once the
// datagram completes, rebuilds an unfragmented header ahead of the
// reassembled payload and re-enters the normal dispatch path.
func (sb *StackIP) recvFragment(ifrm ipv4.Frame) error {
	if sb.reasm == nil {
		sb.info("iprecv:frag-drop", slog.String("proto", ifrm.Protocol().String()))
		return nil // No reassembler attached; fragments are dropped and counted via log.
	}
	flags := ifrm.Flags()
	key := ipreasm.Key{
		Src:   *ifrm.SourceAddr(),
		Dst:   *ifrm.DestinationAddr(),
		Proto: uint8(ifrm.Protocol()),
		ID:    ifrm.ID(),
	}
	res, err := sb.reasm.Process(sb.now(), key, int(flags.FragmentOffset()), flags.MoreFragments(), ifrm.Payload())
	if err != nil {
		return err
	}
	if !res.Complete {
		return nil
	}
	const headerlen = 20
	need := headerlen + len(res.Datagram)
	if cap(sb.reasmScratch) < need {
		sb.reasmScratch = make([]byte, need)
	}
	b := sb.reasmScratch[:need]
	rfrm, err := ipv4.NewFrame(b)
	if err != nil {
		return err
	}
	rfrm.ClearHeader()
	rfrm.SetVersionAndIHL(4, 5)
	rfrm.SetTotalLength(uint16(need))
	rfrm.SetID(key.ID)
	rfrm.SetTTL(ifrm.TTL())
	rfrm.SetProtocol(lneto.IPProto(key.Proto))
	*rfrm.SourceAddr() = key.Src
	*rfrm.DestinationAddr() = key.Dst
	rfrm.SetCRC(rfrm.CalculateHeaderCRC())
	copy(b[headerlen:], res.Datagram)
	sb.debug("StackIP:reassembled", slog.Int("len", need), slog.String("proto", lneto.IPProto(key.Proto).String()))
	return sb.dispatchUpper(b, headerlen)
}

// recvICMP validates an incoming ICMP message and acts on the two types this
// endpoint cares about: echo requests (a reply is queued for the next
// Encapsulate call) and destination-unreachable/fragmentation-needed errors
// (the path-MTU cache learns the reported next-hop MTU and the registered
// handler is notified).
func (sb *StackIP) recvICMP(ifrm ipv4.Frame) error {
	var crc lneto.CRC791
	payload := ifrm.Payload()
	cfrm, err := icmpv4.NewFrame(payload)
	if err != nil {
		return err
	}
	cfrm.CRCWrite(&crc)
	if crc.Sum16() != cfrm.CRC() {
		return errors.New("ICMP CRC mismatch")
	}
	switch cfrm.Type() {
	case icmpv4.TypeEcho:
		reply := make([]byte, len(payload))
		copy(reply, payload)
		rfrm, _ := icmpv4.NewFrame(reply)
		rfrm.SetType(icmpv4.TypeEchoReply)
		rfrm.SetCRC(0) // Recomputed when the reply is framed for transmit.
		sb.pendingICMP = append(sb.pendingICMP, icmpReply{dst: *ifrm.SourceAddr(), payload: reply})
		sb.debug("StackIP:echo-request", slog.String("from", netip.AddrFrom4(*ifrm.SourceAddr()).String()))

	case icmpv4.TypeDestinationUnreachable:
		du := icmpv4.FrameDestinationUnreachable{Frame: cfrm}
		if du.Code() != icmpv4.CodeFragNeededAndDFSet {
			return nil
		}
		encap := du.Encapsulated()
		efrm, err := ipv4.NewFrame(encap)
		if err != nil {
			return nil // Quoted datagram too short to act on; drop.
		}
		nextMTU := du.NextHopMTU()
		remote := *efrm.DestinationAddr()
		if sb.pathMTU != nil {
			dropped := sb.pathMTU.HandleIcmpPacketTooBig(remote, nextMTU)
			sb.debug("StackIP:frag-needed",
				slog.String("remote", netip.AddrFrom4(remote).String()),
				slog.Uint64("nexthopmtu", uint64(nextMTU)), slog.Bool("dropped", dropped))
		}
		if sb.destUnreach != nil {
			sb.destUnreach(efrm.Protocol(), nextMTU, encap)
		}
	}
	return nil
}

// Tick ages the fragment reassembly table. Expired incomplete reassemblies
// that received a non-first fragment generate an ICMP time-exceeded
// (reassembly timeout) reply, queued for the next Encapsulate call. Intended
// to be driven at >= 1s granularity.
func (sb *StackIP) Tick(now clock.Ticks) {
	if sb.reasm == nil {
		return
	}
	sb.reasmExpired = sb.reasm.Tick(now, sb.reasmExpired[:0])
	for i := range sb.reasmExpired {
		exp := &sb.reasmExpired[i]
		if !exp.NotifyICMP {
			continue
		}
		sb.queueTimeExceeded(exp)
	}
}

// TickMinute drives the path-MTU cache's per-minute aging sweep.
func (sb *StackIP) TickMinute() {
	if sb.pathMTU == nil || sb.router == nil {
		return
	}
	sb.pathMTU.Tick(sb.router)
}

// queueTimeExceeded builds an ICMP time exceeded (code 1, fragment
// reassembly time exceeded) message quoting a reconstructed header of the
// abandoned datagram plus its first payload octets, per RFC 792's layout.
func (sb *StackIP) queueTimeExceeded(exp *ipreasm.Expired) {
	const headerlen = 20
	msg := make([]byte, 8+headerlen+len(exp.DataHead))
	tfrm, _ := icmpv4.NewFrame(msg)
	tfrm.SetType(icmpv4.TypeTimeExceeded)
	tfrm.SetCode(uint8(icmpv4.CodeFragmentReassembly))
	quoted, _ := ipv4.NewFrame(msg[8:])
	quoted.ClearHeader()
	quoted.SetVersionAndIHL(4, 5)
	quoted.SetID(exp.Key.ID)
	quoted.SetProtocol(lneto.IPProto(exp.Key.Proto))
	*quoted.SourceAddr() = exp.Key.Src
	*quoted.DestinationAddr() = exp.Key.Dst
	quoted.SetCRC(quoted.CalculateHeaderCRC())
	copy(msg[8+headerlen:], exp.DataHead[:])
	sb.pendingICMP = append(sb.pendingICMP, icmpReply{dst: exp.Key.Src, payload: msg})
	sb.debug("StackIP:reasm-timeout", slog.String("src", netip.AddrFrom4(exp.Key.Src).String()))
}

func (sb *StackIP) ipv4Addr(addr []byte) ([4]byte, bool) {
	if len(addr) != 4 {
		sb.error("StackIP:ipv4Addr invalid address", slog.Any("addr", addr))
		return [4]byte{}, false
	}
	return *(*[4]byte)(addr), true
}

func asUint32(addr [4]byte) uint32 {
	return binary.BigEndian.Uint32(addr[:])
}

func (sb *StackIP) isLocal(addr [4]byte) bool {
	return (asUint32(sb.ip)^asUint32(addr))&sb.subMask32 == 0
}

// isBroadcast reports whether addr is the limited broadcast address or this
// interface's subnet broadcast.
func (sb *StackIP) isBroadcast(addr [4]byte) bool {
	if addr == ([4]byte{255, 255, 255, 255}) {
		return true
	}
	return sb.subMask32 != 0 && sb.isLocal(addr) && asUint32(addr)|sb.subMask32 == 0xffff_ffff
}

func (sb *StackIP) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	frame := carrierData[offsetToFrame:]
	if len(frame) < 256 {
		return 0, io.ErrShortBuffer
	}
	ifrm, _ := ipv4.NewFrame(frame)
	const ihl = 5
	const headerlen = ihl * 4
	const dontFrag = 0x4000
	ifrm.SetVersionAndIHL(4, ihl)
	ifrm.SetToS(0)
	seed := sb.ipID + uint16(sb.connID)
	id := internal.Prand16(seed)
	ifrm.SetID(id)
	ifrm.SetFlags(dontFrag)
	ifrm.SetTTL(64)
	*ifrm.SourceAddr() = sb.ip
	sb.ipID = id

	if len(sb.pendingICMP) > 0 {
		return sb.encapsulateICMP(carrierData, offsetToFrame, ifrm)
	}

	h, n, err := sb.handlers.encapsulateAny(carrierData, offsetToFrame, offsetToFrame+headerlen)
	if n == 0 || h == nil {
		return 0, err
	}
	proto := lneto.IPProto(h.proto)
	totalLen := n + headerlen
	ifrm.SetTotalLength(uint16(totalLen))
	ifrm.SetProtocol(proto)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	// Calculate CRC for our newly generated packet.
	var crc lneto.CRC791
	switch proto {
	case lneto.IPProtoTCP:
		ifrm.CRCWriteTCPPseudo(&crc)
		tfrm, _ := tcp.NewFrame(ifrm.Payload())
		tfrm.CRCWrite(&crc)
		tfrm.SetCRC(crc.Sum16())
	case lneto.IPProtoUDP:
		ifrm.CRCWriteUDPPseudo(&crc)
		ufrm, _ := udp.NewFrame(ifrm.Payload())
		ufrm.SetLength(uint16(n))
		ufrm.CRCWriteIPv4(&crc)
		ufrm.SetCRC(crc.Sum16())
		if n != int(ufrm.Length()) {
			sb.error("StackIP:encaps", slog.Int("n", n), slog.Int("un", int(ufrm.Length())))
			return 0, errors.New("invalid UDP length")
		}
	}
	ok, err := sb.fillDestHW(carrierData, offsetToFrame, *ifrm.DestinationAddr())
	if err != nil {
		return 0, err
	} else if !ok {
		// Address resolution in flight; the datagram is dropped and the
		// transport's retransmission recovers once ARP completes.
		return 0, nil
	}
	return totalLen, nil
}

// encapsulateICMP frames the oldest queued ICMP reply. Replies take priority
// over regular node traffic so echo and error responses are not starved by a
// busy transport node.
func (sb *StackIP) encapsulateICMP(carrierData []byte, offsetToFrame int, ifrm ipv4.Frame) (int, error) {
	const headerlen = 20
	reply := sb.pendingICMP[0]
	copy(sb.pendingICMP, sb.pendingICMP[1:])
	sb.pendingICMP = sb.pendingICMP[:len(sb.pendingICMP)-1]

	frame := carrierData[offsetToFrame:]
	totalLen := headerlen + len(reply.payload)
	if len(frame) < totalLen {
		return 0, io.ErrShortBuffer
	}
	copy(frame[headerlen:], reply.payload)
	cfrm, err := icmpv4.NewFrame(frame[headerlen:totalLen])
	if err != nil {
		return 0, err
	}
	var crc lneto.CRC791
	cfrm.SetCRC(0)
	cfrm.CRCWrite(&crc)
	cfrm.SetCRC(crc.Sum16())

	*ifrm.DestinationAddr() = reply.dst
	ifrm.SetTotalLength(uint16(totalLen))
	ifrm.SetProtocol(lneto.IPProtoICMP)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	ok, err := sb.fillDestHW(carrierData, offsetToFrame, reply.dst)
	if err != nil {
		return 0, err
	} else if !ok {
		// Re-queue: ICMP replies have no retransmission above them.
		sb.pendingICMP = append(sb.pendingICMP, reply)
		return 0, nil
	}
	sb.debug("StackIP:icmp-reply", slog.String("dst", netip.AddrFrom4(reply.dst).String()))
	return totalLen, nil
}

// fillDestHW resolves dst to a hardware address and writes it into the
// Ethernet header preceding the IP frame, when one is present. Broadcast
// destinations resolve to the Ethernet broadcast address without touching
// the ARP machinery; off-subnet destinations keep the gateway address the
// Ethernet layer already filled in. Returns ok=false when resolution is
// pending (an ARP query was started).
func (sb *StackIP) fillDestHW(carrierData []byte, offsetToFrame int, dst [4]byte) (ok bool, err error) {
	const sizeHeaderEthernet = 14
	if offsetToFrame < sizeHeaderEthernet {
		return true, nil // No Ethernet framing below us; nothing to resolve.
	}
	ethHeader := carrierData[:offsetToFrame]
	if sb.isBroadcast(dst) {
		internal.SetDestHWAddr(ethHeader, [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
		return true, nil
	}
	if !sb.isLocal(dst) {
		return true, nil // Routed via gateway MAC set by the Ethernet layer.
	}
	if hw, hit := sb.arpCache.Get(dst); hit {
		internal.SetDestHWAddr(ethHeader, hw)
		return true, nil
	}
	if sb.checkARP == nil {
		return true, nil // No ARP wiring (loopback-style test setups).
	}
	hw, err := sb.checkARP(dst)
	if err == nil {
		sb.arpCache.Push(dst, hw)
		internal.SetDestHWAddr(ethHeader, hw)
		return true, nil
	}
	if err == arp.ErrARPQueryPending {
		return false, nil // Query already underway; drop until it resolves.
	}
	if err == arp.ErrARPQueryNotFound && sb.queueARP != nil {
		if qerr := sb.queueARP(dst); qerr != nil {
			sb.error("StackIP:queueARP", slog.String("err", qerr.Error()))
		}
		return false, nil
	}
	sb.error("StackIP:checkARP", slog.String("err", err.Error()))
	return false, nil
}

func (sb *StackIP) Register(h StackNode) error {
	proto := h.Protocol()
	if proto > 255 {
		return errInvalidProto
	}
	return sb.handlers.registerByProto(nodeFromStackNode(h, h.LocalPort(), proto, nil))
}
