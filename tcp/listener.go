package tcp

import (
	"bytes"
	"crypto/rand"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/aipstack-go/aipstack"
	"github.com/aipstack-go/aipstack/clock"
	"github.com/aipstack-go/aipstack/internal"
)

// pool is a [sync.Pool] like source of preconfigured connections. The second
// return value is an opaque per-connection user context handed back to the
// caller of [Listener.TryAccept] together with the accepted connection.
type pool interface {
	GetTCP() (*Conn, any, Value)
	PutTCP(*Conn)
}

// DefaultListenQueueSize bounds the number of not-yet-ready connections a
// Listener holds at once when no explicit size is configured via SetQueueLimits.
const DefaultListenQueueSize = 8

// DefaultListenQueueTimeout is how long a queued connection may go without
// becoming ready before Tick reclaims it.
const DefaultListenQueueTimeout = clock.Ticks(30)

// queuedConn is one listen-queue entry: a connection between SYN arrival and
// hand-over to the user. The connection's own receive ring buffer (set up by
// the pool) doubles as the entry's rx buffer, so data arriving before accept
// is retained and readable from the accepted connection.
type queuedConn struct {
	conn    *Conn
	arrival clock.Ticks
	uctx    any
	// ready flips false -> true on the first non-empty data delivery; only
	// ready entries are eligible for TryAccept, and only not-ready entries
	// are aged out by Tick.
	ready bool
}

// Listener is a bounded queue of connections awaiting their first data
// delivery, plus the connections already handed to the user. Each queued
// entry tracks its arrival tick so Tick can age out peers that handshake (or
// never finish handshaking) but then go silent.
type Listener struct {
	connID uint64
	mu     sync.Mutex
	// incoming stores connections that are potential candidates for acceptance.
	incoming []queuedConn
	// accepted stores all connections that have been accepted and are open.
	accepted     []*Conn
	port         uint16
	poolGet      func() (*Conn, any, Value)
	poolReturn   func(*Conn)
	queueSize    int
	queueTimeout clock.Ticks
	cookies      SYNCookieJar
	clockSrc     clock.Source
	// rstQueue holds stateless RST responses for segments that match the
	// listening port but no connection (RFC 9293 §3.10.7.1).
	rstQueue RSTQueue
	logger
}

// SetClock attaches the clock.Source used to stamp each newly queued
// connection's arrival time. Without one, every arrival is stamped tick 0, so
// the first Tick whose now is at least the queue timeout ages out every entry
// that is not yet ready.
func (listener *Listener) SetClock(src clock.Source) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.clockSrc = src
}

func (listener *Listener) now() clock.Ticks {
	if listener.clockSrc == nil {
		return 0
	}
	return listener.clockSrc.Now()
}

func (listener *Listener) reset(port uint16, tcppool pool) {
	listener.accepted = listener.accepted[:0]
	listener.incoming = listener.incoming[:0]
	listener.connID++
	listener.port = port
	listener.poolGet = tcppool.GetTCP
	listener.poolReturn = tcppool.PutTCP
	if listener.queueSize == 0 {
		listener.queueSize = DefaultListenQueueSize
	}
	if listener.queueTimeout == 0 {
		listener.queueTimeout = DefaultListenQueueTimeout
	}
	_ = listener.cookies.Reset(SYNCookieConfig{Rand: rand.Reader})
}

// SetQueueLimits configures the listen queue's bound (queue size) and the
// aging timeout applied by Tick to queued connections that never become
// ready. Must be called after Reset; a zero value leaves the corresponding
// default in place.
func (listener *Listener) SetQueueLimits(queueSize int, queueTimeout clock.Ticks) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if queueSize > 0 {
		listener.queueSize = queueSize
	}
	if queueTimeout > 0 {
		listener.queueTimeout = queueTimeout
	}
}

// Tick ages out queued connections that have sat longer than the queue
// timeout without delivering any data — both unfinished handshakes and peers
// that completed the handshake and then went silent — returning them to the
// pool. now should advance monotonically across calls; see clock.Source.
func (listener *Listener) Tick(now clock.Ticks) (evicted int) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.cookies.IncrementCounter()
	for i := range listener.incoming {
		q := &listener.incoming[i]
		if q.conn == nil || q.ready {
			continue
		}
		if now.Sub(q.arrival) < int32(listener.queueTimeout) {
			continue
		}
		listener.debug("listener:queue-timeout", slog.Uint64("port", uint64(listener.port)))
		listener.poolReturn(q.conn)
		q.conn = nil
		evicted++
	}
	if evicted > 0 {
		listener.compactIncoming()
	}
	// Drive every live connection's retransmission/persist timers too, so
	// the embedding loop only has one timer entry point per listener.
	for i := range listener.incoming {
		if q := &listener.incoming[i]; q.conn != nil {
			q.conn.Tick(now)
		}
	}
	for _, conn := range listener.accepted {
		if conn != nil {
			conn.Tick(now)
		}
	}
	return evicted
}

func (listener *Listener) SetLogger(logger *slog.Logger) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.logger.log = logger
}

// LocalPort implements [StackNode].
func (listener *Listener) LocalPort() uint16 {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	return listener.port
}

// ConnectionID implements [StackNode].
func (listener *Listener) ConnectionID() *uint64 { return &listener.connID }

// Protocol implements [StackNode].
func (listener *Listener) Protocol() uint64 { return uint64(lneto.IPProtoTCP) }

func (listener *Listener) Close() error {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return errors.New("already closed")
	}
	listener.debug("listener:reset", slog.Uint64("port", uint64(listener.port)))
	listener.connID++
	listener.port = 0
	return nil
}

func (listener *Listener) Reset(port uint16, pool pool) error {
	if port == 0 {
		return errZeroDstPort
	} else if pool == nil {
		return errors.New("nil TCP pool")
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	listener.debug("listener:reset", slog.Uint64("port", uint64(port)))
	listener.reset(port, pool)
	return nil
}

// acceptable reports whether a queue entry may be handed to the user: the
// peer has delivered data and the connection is either fully established or
// already half-closed with that data still buffered.
func (q *queuedConn) acceptable() bool {
	return q.conn != nil && q.ready && !q.conn.State().IsClosed()
}

func (listener *Listener) NumberOfReadyToAccept() (nready int) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0
	}
	for i := range listener.incoming {
		if listener.incoming[i].acceptable() {
			nready++
		}
	}
	return nready
}

// TryAccept hands over the oldest ready connection along with its pool user
// context. The connection's receive buffer already holds the bytes that made
// it ready, so the caller's first Read seeds its stream with them.
func (listener *Listener) TryAccept() (*Conn, any, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return nil, nil, net.ErrClosed
	}
	listener.debug("listener:tryaccept", slog.Uint64("port", uint64(listener.port)))
	listener.maintainConns()
	for i := range listener.incoming {
		q := &listener.incoming[i]
		if !q.acceptable() {
			continue
		}
		conn, ctx := q.conn, q.uctx
		listener.accepted = append(listener.accepted, conn)
		*q = queuedConn{}
		return conn, ctx, nil
	}
	return nil, nil, errors.New("no conns available")
}

// Encapsulate implements [StackNode].
func (listener *Listener) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return 0, net.ErrClosed
	}
	// First queued connections (handshake SYN-ACKs, window updates).
	for i := range listener.incoming {
		q := &listener.incoming[i]
		if q.conn == nil {
			continue
		}
		n, err := q.conn.Encapsulate(carrierData, offsetToIP, offsetToFrame)
		if err == net.ErrClosed {
			listener.poolReturn(q.conn)
			q.conn = nil
			err = nil
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:encaps", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "incoming"))
		return n, err
	}
	// Then try accepted connections.
	for i, conn := range listener.accepted {
		if conn == nil {
			continue
		}
		n, err := conn.Encapsulate(carrierData, offsetToIP, offsetToFrame)
		if err == net.ErrClosed {
			listener.accepted[i] = nil
			err = nil
		}
		if n == 0 {
			continue
		}
		listener.debug("listener:encaps", slog.Uint64("port", uint64(listener.port)), slog.Int("plen", n), slog.String("list", "accepted"))
		return n, err
	}
	if n, _ := listener.rstQueue.Drain(carrierData, offsetToIP, offsetToFrame); n > 0 {
		listener.debug("listener:encaps-rst", slog.Uint64("port", uint64(listener.port)))
		return n, nil
	}
	return 0, nil
}

// Demux implements [StackNode].
func (listener *Listener) Demux(carrierData []byte, tcpFrameOffset int) error {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.isClosed() {
		return net.ErrClosed
	}
	tfrm, err := NewFrame(carrierData[tcpFrameOffset:])
	if err != nil {
		return err
	}
	srcaddr, dstaddr, _, _, err := internal.GetIPAddr(carrierData)
	if err != nil {
		return err
	}
	dst := tfrm.DestinationPort()
	if dst != listener.port {
		return errors.New("not our port")
	}
	src := tfrm.SourcePort()

	// Try to demux to an accepted connection first, then the queue.
	if idx := getConn(listener.accepted, src, srcaddr); idx >= 0 {
		err := listener.accepted[idx].Demux(carrierData, tcpFrameOffset)
		if err == net.ErrClosed {
			listener.accepted[idx] = nil
			err = nil
		}
		listener.debug("tcplistener:demux", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)), slog.Bool("accepted", true))
		return err
	}
	if idx := listener.getQueued(src, srcaddr); idx >= 0 {
		err := listener.demuxQueued(idx, carrierData, tcpFrameOffset)
		listener.debug("tcplistener:demux", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)), slog.Bool("accepted", false))
		return err
	}

	// Connection not queued nor accepted.
	_, flags := tfrm.OffsetAndFlags()
	isSYN := flags.HasAny(FlagSYN) && !flags.HasAny(FlagACK|FlagRST|FlagFIN)
	if !isSYN {
		// Stale segment for a dead connection: answer with RST per
		// RFC 9293 §3.10.7.1 so the peer tears down quickly.
		if !flags.HasAny(FlagRST) {
			if flags.HasAny(FlagACK) {
				listener.rstQueue.Queue(srcaddr, src, dst, tfrm.Ack(), 0, FlagRST)
			} else {
				seg := tfrm.Segment(0)
				listener.rstQueue.Queue(srcaddr, src, dst, 0, Add(seg.SEQ, seg.LEN()), FlagRST|FlagACK)
			}
		}
		return lneto.ErrPacketDrop
	}
	if len(listener.incoming) >= listener.queueSize {
		// Queue is at capacity: evict the oldest not-ready entry to make
		// room rather than silently dropping the new SYN, and derive its
		// replacement's ISS from a SYN cookie instead of the pool's own
		// counter.
		oldest := -1
		for i := range listener.incoming {
			q := &listener.incoming[i]
			if q.conn == nil || q.ready {
				continue
			}
			if oldest == -1 || q.arrival.Before(listener.incoming[oldest].arrival) {
				oldest = i
			}
		}
		if oldest != -1 {
			listener.debug("listener:queue-full-evict", slog.Uint64("port", uint64(listener.port)))
			listener.poolReturn(listener.incoming[oldest].conn)
			listener.incoming[oldest].conn = nil
		}
		listener.compactIncoming()
		if len(listener.incoming) >= listener.queueSize {
			listener.rstQueue.Queue(srcaddr, src, dst, 0, tfrm.Seq()+1, FlagRST|FlagACK)
			return lneto.ErrPacketDrop
		}
	}

	conn, ctx, iss := listener.poolGet()
	if conn == nil {
		// Pool exhausted: refuse the handshake outright rather than
		// leaving the peer to time out its SYN retransmissions.
		listener.rstQueue.Queue(srcaddr, src, dst, 0, tfrm.Seq()+1, FlagRST|FlagACK)
		slog.Error("tcpListener:no-free-conn")
		return lneto.ErrPacketDrop
	}
	if len(listener.incoming) >= listener.queueSize-1 {
		// Near or at capacity: take the ISS from a SYN cookie instead of
		// the pool's counter. The connection still occupies a queue slot
		// and the cookie is not checked when the handshake completes.
		// See SYNCookieJar.
		iss = listener.cookies.MakeSYNCookie(dstaddr, srcaddr, dst, src, tfrm.Seq())
	}
	err = conn.OpenListen(dst, iss)
	if err != nil {
		listener.poolReturn(conn)
		slog.Error("Listener:open", slog.String("err", err.Error()))
		return err // This should not happend
	}
	err = conn.Demux(carrierData, tcpFrameOffset)
	if err != nil {
		listener.poolReturn(conn)
		slog.Error("Listener:demux", slog.String("err", err.Error()))
		return lneto.ErrPacketDrop
	}
	listener.incoming = append(listener.incoming, queuedConn{conn: conn, arrival: listener.now(), uctx: ctx})
	listener.debug("tcplistener:demux-new", slog.Uint64("lport", uint64(listener.port)), slog.Uint64("rport", uint64(src)))
	return nil
}

// demuxQueued delivers a segment to queue entry idx and updates the entry's
// readiness from what the connection now holds: the first buffered byte makes
// it ready, while a FIN (or reset) arriving before any data aborts the entry
// outright — the peer gave us nothing to hand to an acceptor.
func (listener *Listener) demuxQueued(idx int, carrierData []byte, tcpFrameOffset int) error {
	q := &listener.incoming[idx]
	err := q.conn.Demux(carrierData, tcpFrameOffset)
	if err == net.ErrClosed {
		listener.poolReturn(q.conn)
		q.conn = nil
		return nil // avoid closing listener entirely.
	}
	if !q.ready && q.conn.BufferedInput() > 0 {
		q.ready = true
		listener.debug("listener:queued-ready", slog.Uint64("port", uint64(listener.port)))
	}
	if !q.ready {
		state := q.conn.State()
		if state.IsClosed() || state > StateEstablished {
			// FIN or RST before any data: abort the queued connection.
			listener.debug("listener:queued-abort", slog.Uint64("port", uint64(listener.port)), slog.String("state", state.String()))
			listener.poolReturn(q.conn)
			q.conn = nil
		}
	}
	return err
}

func (listener *Listener) isClosed() bool {
	return listener.port == 0
}

func (listener *Listener) maintainConns() {
	listener.accepted = internal.DeleteZeroed(listener.accepted)
	for i := range listener.incoming {
		q := &listener.incoming[i]
		if q.conn == nil {
			continue
		}
		state := q.conn.State()
		if state.IsClosed() || (!q.ready && state > StateEstablished) {
			// Handshake failed, the pool reclaimed the connection, or the
			// peer closed before delivering any data.
			listener.poolReturn(q.conn)
			q.conn = nil
		}
	}
	listener.compactIncoming()
}

// compactIncoming removes emptied entries, preserving arrival order.
func (listener *Listener) compactIncoming() {
	off := 0
	for i := range listener.incoming {
		if listener.incoming[i].conn == nil {
			continue
		}
		listener.incoming[off] = listener.incoming[i]
		off++
	}
	listener.incoming = listener.incoming[:off]
}

// getQueued finds the queue entry matching the remote (port, address), -1 if none.
func (listener *Listener) getQueued(remotePort uint16, remoteAddr []byte) int {
	for i := range listener.incoming {
		conn := listener.incoming[i].conn
		if conn == nil {
			continue
		}
		if remotePort == conn.RemotePort() && bytes.Equal(remoteAddr, conn.RemoteAddr()) {
			return i
		}
	}
	return -1
}

func getConn(conns []*Conn, remotePort uint16, remoteAddr []byte) int {
	for i, conn := range conns {
		if conn == nil {
			continue
		}
		gotPort := conn.RemotePort()
		gotaddr := conn.RemoteAddr()
		if remotePort == gotPort && bytes.Equal(remoteAddr, gotaddr) {
			return i
		}
	}
	return -1
}
