package tcp

import (
	"log/slog"

	"github.com/aipstack-go/aipstack/clock"
)

// Retransmission timing defaults, expressed in ticks of whatever rate drives
// [Handler.Tick]. Override with [Handler.SetRetransmitTimeouts] to match the
// embedding loop's tick frequency.
const (
	defaultInitialRTO clock.Ticks = 3
	defaultMinRTO     clock.Ticks = 1
	defaultMaxRTO     clock.Ticks = 120
	// maxRetransmits bounds consecutive unanswered retransmissions of the
	// same segment before the connection is aborted.
	maxRetransmits = 8
)

// retxState carries one connection's retransmission timer, round-trip
// estimator and congestion window (RFC 6298 + RFC 5681). All time values are
// ticks as reported to Handler.Tick; the estimator keeps srtt scaled by 8 and
// rttvar by 4 so the classic Jacobson fractions survive integer math.
type retxState struct {
	// lastTick is the most recent timestamp handed to Tick; segment send
	// and ACK arrival times resolve to it, so RTT resolution equals the
	// tick granularity.
	lastTick clock.Ticks

	srtt8   int32
	rttvar4 int32
	hasRTT  bool
	rto     clock.Ticks
	minRTO  clock.Ticks
	maxRTO  clock.Ticks

	// One unambiguous measurement at a time; never sampled across a
	// retransmission (Karn's algorithm).
	measuring    bool
	measureEnd   Value
	measureStart clock.Ticks

	rtoArmed    bool
	rtoDeadline clock.Ticks
	nretx       uint8
	// retxPending asks the next Send call to re-emit the first unacked
	// segment instead of fresh data.
	retxPending bool

	cwnd     Size
	ssthresh Size

	persistArmed    bool
	persistDeadline clock.Ticks
	// probePending asks the next Send call to emit a zero-window probe.
	probePending bool
}

// SetRetransmitTimeouts overrides the retransmission timer's initial, minimum
// and maximum bounds, all in ticks. Zero values leave the defaults in place.
func (h *Handler) SetRetransmitTimeouts(initial, min, max clock.Ticks) {
	h.retx.ensureDefaults()
	if initial != 0 {
		h.retx.rto = initial
	}
	if min != 0 {
		h.retx.minRTO = min
	}
	if max != 0 {
		h.retx.maxRTO = max
	}
}

func (rs *retxState) ensureDefaults() {
	if rs.rto == 0 {
		rs.rto = defaultInitialRTO
		rs.minRTO = defaultMinRTO
		rs.maxRTO = defaultMaxRTO
	}
}

// initCongestion sets the initial window per RFC 5681 §3.1 once the
// negotiated MSS is known. ssthresh starts effectively unbounded so slow
// start rules until the first loss.
func (rs *retxState) initCongestion(mss Size) {
	if rs.cwnd != 0 || mss == 0 {
		return
	}
	switch {
	case mss > 2190:
		rs.cwnd = 2 * mss
	case mss > 1095:
		rs.cwnd = 3 * mss
	default:
		rs.cwnd = 4 * mss
	}
	rs.ssthresh = 1 << 30
}

// usableCwnd returns how many new octets the congestion window permits with
// inflight octets already outstanding.
func (rs *retxState) usableCwnd(inflight Size) Size {
	if rs.cwnd <= inflight {
		return 0
	}
	return rs.cwnd - inflight
}

// sample feeds one round-trip measurement through the RFC 6298 estimator and
// rederives the retransmission timeout.
func (rs *retxState) sample(rtt clock.Ticks) {
	m := int32(rtt)
	if m < 1 {
		m = 1
	}
	if !rs.hasRTT {
		rs.srtt8 = m * 8
		rs.rttvar4 = m * 2 // rttvar = m/2
		rs.hasRTT = true
	} else {
		delta := m - rs.srtt8/8
		if delta < 0 {
			delta = -delta
		}
		rs.rttvar4 += delta - rs.rttvar4/4
		rs.srtt8 += m - rs.srtt8/8
	}
	rto := clock.Ticks(rs.srtt8/8) + maxTicks(1, clock.Ticks(rs.rttvar4))
	rs.rto = clampTicks(rto, rs.minRTO, rs.maxRTO)
}

// onAck accounts for acked octets arriving at time now: grows the congestion
// window (slow start below ssthresh, linear above), completes any pending RTT
// measurement, resets the retransmission counter and re-arms or disarms the
// RTO timer depending on whether data remains in flight.
func (rs *retxState) onAck(now clock.Ticks, acked Size, una Value, mss Size, unackedRemains bool) {
	if rs.cwnd < rs.ssthresh {
		rs.cwnd += minSize(acked, mss)
	} else if rs.cwnd > 0 {
		add := mss * mss / rs.cwnd
		if add == 0 {
			add = 1
		}
		rs.cwnd += add
	}
	if rs.measuring && rs.measureEnd.LessThanEq(una) {
		rs.sample(clock.Ticks(now.Sub(rs.measureStart)))
		rs.measuring = false
	}
	rs.nretx = 0
	if unackedRemains {
		rs.rtoArmed = true
		rs.rtoDeadline = now + rs.rto
	} else {
		rs.rtoArmed = false
		rs.retxPending = false
	}
}

// Tick drives the connection's retransmission and persist timers. now must
// advance monotonically; call at a steady rate (the tick unit the RTO
// constants are expressed in).
func (h *Handler) Tick(now clock.Ticks) {
	h.retx.ensureDefaults()
	h.retx.lastTick = now
	state := h.State()
	if state.IsClosed() {
		h.retx.rtoArmed = false
		h.retx.persistArmed = false
		return
	}
	if h.retx.rtoArmed && !now.Before(h.retx.rtoDeadline) {
		h.onRTOExpired(now)
	}
	// Zero-window persist: as long as the peer advertises no room and data
	// waits, probe at RTO cadence so the window reopening is never missed.
	if h.scb.snd.WND == 0 && h.bufTx.Buffered() > 0 && state == StateEstablished {
		if !h.retx.persistArmed {
			h.retx.persistArmed = true
			h.retx.persistDeadline = now + h.retx.rto
		} else if !now.Before(h.retx.persistDeadline) {
			h.retx.probePending = true
			h.retx.persistDeadline = now + h.retx.rto
		}
	} else {
		h.retx.persistArmed = false
	}
}

// onRTOExpired applies RFC 5681 §3.1 loss response and schedules the
// retransmission of the first unacked segment with an exponentially backed
// off timer (RFC 6298 §5.5). The connection is torn down after
// maxRetransmits consecutive unanswered attempts.
func (h *Handler) onRTOExpired(now clock.Ticks) {
	if h.bufTx.BufferedSent() == 0 {
		h.retx.rtoArmed = false
		return
	}
	h.retx.nretx++
	if h.retx.nretx > maxRetransmits {
		h.logerr("tcp.Handler:retransmit-limit", slog.Uint64("port", uint64(h.localPort)))
		h.Abort()
		return
	}
	mss := Size(h.SendMSS())
	inflight := Sizeof(h.scb.snd.UNA, h.scb.snd.NXT)
	h.retx.ssthresh = maxSize(inflight/2, 2*mss)
	h.retx.cwnd = mss
	h.retx.rto = clampTicks(h.retx.rto*2, h.retx.minRTO, h.retx.maxRTO)
	h.retx.measuring = false // Karn: ambiguous from here on.
	h.retx.retxPending = true
	h.retx.rtoArmed = true
	h.retx.rtoDeadline = now + h.retx.rto
	h.debug("tcp.Handler:rto-expired", slog.Uint64("port", uint64(h.localPort)),
		slog.Uint64("rto", uint64(h.retx.rto)), slog.Uint64("nretx", uint64(h.retx.nretx)))
}

// sendRetransmit re-emits the oldest unacked segment. Retransmission re-sends
// sequence space the TCB already consumed, so the control block is left
// untouched.
func (h *Handler) sendRetransmit(b []byte) (int, error) {
	h.retx.retxPending = false
	tfrm, err := NewFrame(b)
	if err != nil {
		return 0, err
	}
	limit := min(len(b)-sizeHeaderTCP, int(h.SendMSS()))
	n, seq, ok := h.bufTx.FirstUnacked(b[sizeHeaderTCP : sizeHeaderTCP+limit])
	if !ok || n == 0 {
		return 0, nil
	}
	seg := Segment{
		SEQ:     seq,
		ACK:     h.scb.rcv.NXT,
		WND:     h.scb.rcv.WND,
		Flags:   FlagACK | FlagPSH,
		DATALEN: Size(n),
	}
	tfrm.SetSourcePort(h.localPort)
	tfrm.SetDestinationPort(h.remotePort)
	tfrm.SetSegment(seg, 5)
	tfrm.SetUrgentPtr(0)
	h.debug("tcp.Handler:retransmit", slog.Uint64("port", uint64(h.localPort)),
		slog.Uint64("seq", uint64(seq)), slog.Int("plen", n))
	return sizeHeaderTCP + n, nil
}

// sendWindowProbe emits a keepalive-shaped segment (SND.NXT-1, no data) that
// forces the peer to answer with its current window, reopening a zero-window
// stall without consuming sequence space.
func (h *Handler) sendWindowProbe(b []byte) (int, error) {
	h.retx.probePending = false
	tfrm, err := NewFrame(b)
	if err != nil {
		return 0, err
	}
	seg := h.scb.MakeKeepalive()
	tfrm.SetSourcePort(h.localPort)
	tfrm.SetDestinationPort(h.remotePort)
	tfrm.SetSegment(seg, 5)
	tfrm.SetUrgentPtr(0)
	h.trace("tcp.Handler:zero-window-probe", slog.Uint64("port", uint64(h.localPort)))
	return sizeHeaderTCP, nil
}

func minSize(a, b Size) Size {
	if a < b {
		return a
	}
	return b
}

func maxSize(a, b Size) Size {
	if a > b {
		return a
	}
	return b
}

func maxTicks(a, b clock.Ticks) clock.Ticks {
	if a > b {
		return a
	}
	return b
}

func clampTicks(v, lo, hi clock.Ticks) clock.Ticks {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
