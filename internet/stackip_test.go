package internet

import (
	"bytes"
	"math/rand"
	"net/netip"
	"testing"

	"github.com/aipstack-go/aipstack"
	"github.com/aipstack-go/aipstack/ipv4"
	"github.com/aipstack-go/aipstack/ipv4/icmpv4"
	"github.com/aipstack-go/aipstack/ipv4/ipreasm"
	"github.com/aipstack-go/aipstack/ipv4/pmtu"
	"github.com/aipstack-go/aipstack/tcp"
)

type staticRouter struct {
	mtu uint16
}

func (r staticRouter) RouteIPv4(dst [4]byte) (*ipv4.Iface, [4]byte, bool) {
	return &ipv4.Iface{MTU: r.mtu}, [4]byte{}, true
}

func buildIPv4Header(buf []byte, src, dst [4]byte, proto lneto.IPProto, id uint16, flags ipv4.Flags, totalLen int) {
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		panic(err)
	}
	ifrm.ClearHeader()
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(totalLen))
	ifrm.SetID(id)
	ifrm.SetFlags(flags)
	ifrm.SetTTL(64)
	ifrm.SetProtocol(proto)
	*ifrm.SourceAddr() = src
	*ifrm.DestinationAddr() = dst
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
}

func buildEchoRequest(src, dst [4]byte, payload []byte) []byte {
	buf := make([]byte, 20+8+len(payload))
	buildIPv4Header(buf, src, dst, lneto.IPProtoICMP, 0x1234, 0, len(buf))
	cfrm, _ := icmpv4.NewFrame(buf[20:])
	cfrm.SetType(icmpv4.TypeEcho)
	cfrm.SetCode(0)
	echo := icmpv4.FrameEcho{Frame: cfrm}
	echo.SetIdentifier(7)
	echo.SetSequenceNumber(1)
	copy(echo.Data(), payload)
	var crc lneto.CRC791
	cfrm.CRCWrite(&crc)
	cfrm.SetCRC(crc.Sum16())
	return buf
}

func TestStackIPEchoReply(t *testing.T) {
	var stack StackIP
	local := [4]byte{192, 168, 1, 2}
	peer := [4]byte{192, 168, 1, 9}
	if err := stack.Reset(netip.AddrFrom4(local), 1); err != nil {
		t.Fatal(err)
	}
	payload := []byte("ping payload")
	req := buildEchoRequest(peer, local, payload)
	if err := stack.Demux(req, 0); err != nil {
		t.Fatal("demux echo request:", err)
	}

	var out [512]byte
	n, err := stack.Encapsulate(out[:], -1, 0)
	if err != nil {
		t.Fatal("encapsulate reply:", err)
	} else if n == 0 {
		t.Fatal("no echo reply produced")
	}
	ifrm, err := ipv4.NewFrame(out[:n])
	if err != nil {
		t.Fatal(err)
	}
	if ifrm.Protocol() != lneto.IPProtoICMP {
		t.Fatalf("reply proto: %s", ifrm.Protocol())
	}
	if *ifrm.DestinationAddr() != peer {
		t.Errorf("reply dst: %v want %v", *ifrm.DestinationAddr(), peer)
	}
	if *ifrm.SourceAddr() != local {
		t.Errorf("reply src: %v want %v", *ifrm.SourceAddr(), local)
	}
	cfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if cfrm.Type() != icmpv4.TypeEchoReply {
		t.Fatalf("reply type: %d", cfrm.Type())
	}
	var crc lneto.CRC791
	cfrm.CRCWrite(&crc)
	if crc.Sum16() != cfrm.CRC() {
		t.Error("reply ICMP checksum invalid")
	}
	reply := icmpv4.FrameEcho{Frame: cfrm}
	if !bytes.Equal(reply.Data(), payload) {
		t.Error("reply payload mismatch")
	}
}

func TestStackIPReassembleFragmentedEcho(t *testing.T) {
	var stack StackIP
	local := [4]byte{192, 168, 1, 2}
	peer := [4]byte{192, 168, 1, 9}
	if err := stack.Reset(netip.AddrFrom4(local), 1); err != nil {
		t.Fatal(err)
	}
	stack.SetReassembler(ipreasm.NewCache(2, 2048))

	// Build the full ICMP message, then ship it as two fragments split at
	// the 8-byte boundary the offset field requires.
	payload := []byte("01234567fragment tail")
	whole := buildEchoRequest(peer, local, payload)
	icmpBytes := whole[20:]
	const cut = 16 // multiple of 8
	const id = 0x4242

	frag1 := make([]byte, 20+cut)
	const moreFragments ipv4.Flags = 0x2000
	buildIPv4Header(frag1, peer, local, lneto.IPProtoICMP, id, moreFragments, len(frag1))
	copy(frag1[20:], icmpBytes[:cut])

	frag2 := make([]byte, 20+len(icmpBytes)-cut)
	buildIPv4Header(frag2, peer, local, lneto.IPProtoICMP, id, ipv4.Flags(cut/8), len(frag2))
	copy(frag2[20:], icmpBytes[cut:])

	// Deliver out of order: tail first.
	if err := stack.Demux(frag2, 0); err != nil {
		t.Fatal("demux frag2:", err)
	}
	var out [512]byte
	if n, _ := stack.Encapsulate(out[:], -1, 0); n != 0 {
		t.Fatal("reply produced before reassembly completed")
	}
	if err := stack.Demux(frag1, 0); err != nil {
		t.Fatal("demux frag1:", err)
	}
	n, err := stack.Encapsulate(out[:], -1, 0)
	if err != nil {
		t.Fatal(err)
	} else if n == 0 {
		t.Fatal("no echo reply after reassembly")
	}
	ifrm, _ := ipv4.NewFrame(out[:n])
	cfrm, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if cfrm.Type() != icmpv4.TypeEchoReply {
		t.Fatalf("reply type: %d", cfrm.Type())
	}
	reply := icmpv4.FrameEcho{Frame: cfrm}
	if !bytes.Equal(reply.Data(), payload) {
		t.Error("reassembled reply payload mismatch")
	}
}

func buildFragNeeded(routerAddr, dst [4]byte, quotedSrc, quotedDst [4]byte, srcPort, dstPort uint16, nextMTU uint16) []byte {
	// Outer IP + 8-byte ICMP header + quoted IP header + 8 octets of TCP.
	buf := make([]byte, 20+8+20+8)
	buildIPv4Header(buf, routerAddr, dst, lneto.IPProtoICMP, 0x99, 0, len(buf))
	cfrm, _ := icmpv4.NewFrame(buf[20:])
	cfrm.SetType(icmpv4.TypeDestinationUnreachable)
	du := icmpv4.FrameDestinationUnreachable{Frame: cfrm}
	du.SetCode(icmpv4.CodeFragNeededAndDFSet)
	du.SetNextHopMTU(nextMTU)
	quote := du.Encapsulated()
	buildIPv4Header(quote, quotedSrc, quotedDst, lneto.IPProtoTCP, 0x1, 0x4000, 20+8)
	quote[20] = byte(srcPort >> 8)
	quote[21] = byte(srcPort)
	quote[22] = byte(dstPort >> 8)
	quote[23] = byte(dstPort)
	var crc lneto.CRC791
	cfrm.CRCWrite(&crc)
	cfrm.SetCRC(crc.Sum16())
	return buf
}

func TestConnPathMTUReduction(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var clientStack, serverStack StackIP
	var clientConn, serverConn tcp.Conn
	setupClientServer(t, rng, &clientStack, &serverStack, &clientConn, &serverConn)
	var buf [2048]byte
	expectExchange(t, &clientStack, &serverStack, buf[:]) // SYN
	expectExchange(t, &serverStack, &clientStack, buf[:]) // SYN-ACK
	expectExchange(t, &clientStack, &serverStack, buf[:]) // ACK
	if clientConn.State() != tcp.StateEstablished {
		t.Fatal("client not established")
	}

	serverIP := [4]byte{192, 168, 1, 2}
	clientIP := [4]byte{192, 168, 1, 1}
	routerAddr := [4]byte{192, 168, 1, 254}
	cache := pmtu.NewCache(2, 0)
	router := staticRouter{mtu: 1500}
	if err := clientConn.SetupPathMTU(cache, router); err != nil {
		t.Fatal(err)
	}
	clientStack.SetPathMTU(cache, router)
	var handled bool
	clientStack.SetDestUnreachHandler(func(proto lneto.IPProto, nextMTU uint16, encap []byte) {
		handled = clientConn.HandleDestUnreach(nextMTU, encap)
	})

	msg := buildFragNeeded(routerAddr, clientIP, clientIP, serverIP, 1337, 80, 1400)
	if err := clientStack.Demux(msg, 0); err != nil {
		t.Fatal("demux frag-needed:", err)
	}
	if !handled {
		t.Fatal("connection did not recognize the quoted flow")
	}
	if mtu, _, _, ok := cache.Lookup(serverIP); !ok || mtu != 1400 {
		t.Fatalf("cache entry: mtu=%d ok=%v, want 1400", mtu, ok)
	}
	const headers = 40 // IPv4 + TCP
	if got := clientConn.InternalHandler().SendMSS(); got != 1400-headers {
		t.Fatalf("SendMSS = %d, want %d", got, 1400-headers)
	}

	// A report that does not shrink the path MTU must change nothing.
	handled = false
	msg = buildFragNeeded(routerAddr, clientIP, clientIP, serverIP, 1337, 80, 1450)
	if err := clientStack.Demux(msg, 0); err != nil {
		t.Fatal(err)
	}
	if !handled {
		t.Fatal("second report should still match the flow")
	}
	if got := clientConn.InternalHandler().SendMSS(); got != 1400-headers {
		t.Fatalf("SendMSS after raise attempt = %d, want %d", got, 1400-headers)
	}
}
