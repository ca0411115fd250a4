package tcp

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestHandlerRetransmitOnRTO(t *testing.T) {
	const mtu = 1500
	rng := rand.New(rand.NewSource(3))
	client, server := newHandler(t, mtu, 3), newHandler(t, mtu, 3)
	setupClientServer(t, rng, client, server)
	var rawbuf [mtu]byte
	establish(t, client, server, rawbuf[:])

	data := []byte("this segment gets lost")
	client.Tick(1)
	if _, err := client.Write(data); err != nil {
		t.Fatal(err)
	}
	n, err := client.Send(rawbuf[:])
	if err != nil || n != sizeHeaderTCP+len(data) {
		t.Fatalf("first send: n=%d err=%v", n, err)
	}
	firstFrm, _ := NewFrame(rawbuf[:n])
	lostSeq := firstFrm.Seq()
	// The segment is dropped: never delivered to the server.

	// Nothing to retransmit before the RTO deadline.
	client.Tick(2)
	clear(rawbuf[:])
	if n, _ := client.Send(rawbuf[:]); n != 0 {
		t.Fatalf("sent %d bytes before RTO expiry", n)
	}

	// Past the deadline the first unacked segment is re-emitted verbatim
	// and the congestion window collapses per RFC 5681 §3.1.
	client.Tick(1 + defaultInitialRTO)
	clear(rawbuf[:])
	n, err = client.Send(rawbuf[:])
	if err != nil {
		t.Fatal("retransmit send:", err)
	} else if n != sizeHeaderTCP+len(data) {
		t.Fatalf("retransmit length %d, want %d", n, sizeHeaderTCP+len(data))
	}
	tfrm, _ := NewFrame(rawbuf[:n])
	if tfrm.Seq() != lostSeq {
		t.Fatalf("retransmit SEQ %d, want original %d", tfrm.Seq(), lostSeq)
	}
	if !bytes.Equal(tfrm.Payload()[:len(data)], data) {
		t.Fatal("retransmitted payload differs from original")
	}
	mss := Size(client.SendMSS())
	if client.retx.cwnd != mss {
		t.Fatalf("cwnd after loss = %d, want 1 MSS (%d)", client.retx.cwnd, mss)
	}
	if client.retx.ssthresh != 2*mss {
		t.Fatalf("ssthresh after loss = %d, want %d", client.retx.ssthresh, 2*mss)
	}
	if client.retx.rto != 2*defaultInitialRTO {
		t.Fatalf("backed-off RTO = %d, want %d", client.retx.rto, 2*defaultInitialRTO)
	}

	// Deliver the retransmission; the server sees the stream intact.
	if err := server.Recv(rawbuf[:n]); err != nil {
		t.Fatal("server recv retransmission:", err)
	}
	if server.BufferedInput() != len(data) {
		t.Fatalf("server buffered %d, want %d", server.BufferedInput(), len(data))
	}

	// The server's ACK releases the sent data and disarms the timer.
	clear(rawbuf[:])
	n, err = server.Send(rawbuf[:])
	if err != nil || n < sizeHeaderTCP {
		t.Fatalf("server ack: n=%d err=%v", n, err)
	}
	if err := client.Recv(rawbuf[:n]); err != nil {
		t.Fatal("client recv ack:", err)
	}
	if client.bufTx.BufferedSent() != 0 {
		t.Fatalf("unacked bytes after ack: %d", client.bufTx.BufferedSent())
	}
	if client.retx.rtoArmed {
		t.Fatal("RTO still armed with nothing in flight")
	}
	if client.retx.nretx != 0 {
		t.Fatalf("retransmit counter not reset: %d", client.retx.nretx)
	}
}

func TestHandlerRTTEstimator(t *testing.T) {
	const mtu = 1500
	rng := rand.New(rand.NewSource(4))
	client, server := newHandler(t, mtu, 3), newHandler(t, mtu, 3)
	setupClientServer(t, rng, client, server)
	var rawbuf [mtu]byte
	establish(t, client, server, rawbuf[:])

	client.Tick(10)
	if _, err := client.Write([]byte("measure me")); err != nil {
		t.Fatal(err)
	}
	n, err := client.Send(rawbuf[:])
	if err != nil || n == 0 {
		t.Fatalf("send: n=%d err=%v", n, err)
	}
	if err := server.Recv(rawbuf[:n]); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	n, err = server.Send(rawbuf[:]) // ACK
	if err != nil || n == 0 {
		t.Fatalf("ack: n=%d err=%v", n, err)
	}
	client.Tick(12) // two ticks of round trip observed, inside the RTO
	if err := client.Recv(rawbuf[:n]); err != nil {
		t.Fatal(err)
	}
	if !client.retx.hasRTT {
		t.Fatal("no RTT sample taken from clean ACK")
	}
	if got := client.retx.srtt8 / 8; got != 2 {
		t.Fatalf("srtt = %d ticks, want 2", got)
	}
	// First sample: rttvar = rtt/2, RTO = srtt + 4*rttvar = 2 + 4.
	if client.retx.rto != 6 {
		t.Fatalf("derived RTO = %d, want 6", client.retx.rto)
	}
}

func TestHandlerZeroWindowProbe(t *testing.T) {
	const mtu = 1500
	rng := rand.New(rand.NewSource(5))
	client, server := newHandler(t, mtu, 3), newHandler(t, mtu, 3)
	setupClientServer(t, rng, client, server)
	var rawbuf [mtu]byte
	establish(t, client, server, rawbuf[:])

	// Peer slams the window shut while the client still has data queued.
	client.scb.snd.WND = 0
	if _, err := client.Write([]byte("stuck behind zero window")); err != nil {
		t.Fatal(err)
	}
	clear(rawbuf[:])
	if n, _ := client.Send(rawbuf[:]); n != 0 {
		t.Fatalf("data sent into zero window: %d", n)
	}

	// Persist timer arms on the first tick and fires one interval later.
	client.Tick(100)
	clear(rawbuf[:])
	if n, _ := client.Send(rawbuf[:]); n != 0 {
		t.Fatalf("probe before persist interval: %d", n)
	}
	client.Tick(100 + client.retx.rto)
	clear(rawbuf[:])
	n, err := client.Send(rawbuf[:])
	if err != nil {
		t.Fatal(err)
	} else if n != sizeHeaderTCP {
		t.Fatalf("probe length %d, want bare header", n)
	}
	tfrm, _ := NewFrame(rawbuf[:n])
	seg := tfrm.Segment(0)
	if seg.SEQ != client.scb.snd.NXT-1 {
		t.Fatalf("probe SEQ %d, want SND.NXT-1 (%d)", seg.SEQ, client.scb.snd.NXT-1)
	}
	if seg.Flags != FlagACK {
		t.Fatalf("probe flags %s, want bare ACK", seg.Flags)
	}

	// The probe elicits the peer's window; once it reopens, data flows.
	if err := server.Recv(rawbuf[:n]); err != nil {
		t.Fatal("server recv probe:", err)
	}
	client.scb.snd.WND = 1024 // peer announces room again.
	clear(rawbuf[:])
	n, err = client.Send(rawbuf[:])
	if err != nil || n <= sizeHeaderTCP {
		t.Fatalf("no data after window reopened: n=%d err=%v", n, err)
	}
}
