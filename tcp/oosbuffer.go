package tcp

// MaxOosSegs bounds the number of out-of-order runs oosBuffer tracks
// simultaneously. Chosen to match typical small embedded TCP windows;
// a connection with more than this many disjoint gaps degrades to
// dropping the least useful run rather than growing unbounded.
const MaxOosSegs = 4

// OosSeg is a compact descriptor for one buffered out-of-order run.
// It overloads the start/end pair to avoid a separate "kind" field:
//
//   - data segment:  start != end, and Sizeof(end, start) > 1. The run
//     covers the half-open sequence range [start, end) and data holds
//     an owned copy of the payload bytes.
//   - FIN marker:    start == end. Means the peer's FIN occupies
//     sequence number start (a FIN consumes one sequence number but
//     carries no data).
//   - unused slot:   start == end+1, i.e. Sizeof(end, start) == 1.
//     Canonical zero value is {start:1, end:0}.
//
// A slot is "special" (FIN marker or unused) exactly when
// Sizeof(end, start) <= 1; this is the single test used throughout to
// tell data runs apart from markers, since a data run's reverse
// distance wraps around to a huge uint32 value.
type OosSeg struct {
	start, end Value
	data       []byte
}

func unusedSeg() OosSeg { return OosSeg{start: 1, end: 0} }

func finSeg(at Value) OosSeg { return OosSeg{start: at, end: at} }

func (s OosSeg) isUnused() bool { return s.start == s.end+1 }
func (s OosSeg) isFin() bool    { return s.start == s.end && !s.isUnused() }
func (s OosSeg) isData() bool   { return Sizeof(s.end, s.start) > 1 }

// length returns the datalen of a data segment; zero for markers/unused.
func (s OosSeg) length() Size {
	if !s.isData() {
		return 0
	}
	return Sizeof(s.start, s.end)
}

// oosBuffer holds a small set of out-of-order segments kept ahead of
// rcv.NXT, waiting for the gap before them to be filled by
// retransmissions. A fixed slot array with linear scans keeps it
// allocation-free; the working set is never more than a handful of runs.
type oosBuffer struct {
	segs [MaxOosSegs]OosSeg
}

func newOosBuffer() *oosBuffer {
	b := &oosBuffer{}
	b.reset()
	return b
}

func (b *oosBuffer) reset() {
	for i := range b.segs {
		b.segs[i] = unusedSeg()
	}
}

// Empty reports whether there are no buffered out-of-order runs.
func (b *oosBuffer) Empty() bool {
	for i := range b.segs {
		if !b.segs[i].isUnused() {
			return false
		}
	}
	return true
}

// updateForSegmentReceived records a segment that arrived ahead of
// rcvNxt (the caller must only invoke this for segments that are NOT
// the next expected byte; in-order segments bypass oosBuffer
// entirely). start is the segment's sequence number, payload its
// bytes (may be empty), and fin reports whether the FIN flag was set.
//
// It returns ok=false if the segment carried no new information (pure
// duplicate already fully covered) and needAck to signal the caller
// should generate an immediate ACK advertising the current hole
// (RFC 9293 recommends an immediate duplicate ACK for out-of-order
// segments to trigger fast retransmit on the peer).
func (b *oosBuffer) updateForSegmentReceived(rcvNxt, start Value, payload []byte, fin bool) (ok bool, needAck bool) {
	datalen := Size(len(payload))
	end := Add(start, datalen)

	// Trim off any prefix already delivered (retransmit overlap with rcv.NXT).
	if start.LessThan(rcvNxt) {
		trim := Sizeof(start, rcvNxt)
		if trim >= datalen {
			if !fin {
				return false, true
			}
			start, datalen, payload = rcvNxt, 0, nil
		} else {
			payload = payload[trim:]
			start = rcvNxt
			datalen -= trim
		}
		end = Add(start, datalen)
	}

	if datalen == 0 && !fin {
		return false, true
	}

	// A buffered FIN pins down the end of the peer's stream: a second FIN
	// at a different sequence, or data reaching beyond the recorded FIN,
	// contradicts it and is dropped without touching buffer state.
	if finAt, hasFin := b.finSeq(); hasFin {
		if fin && end != finAt {
			return false, true
		}
		if datalen > 0 && finAt.LessThan(end) {
			return false, true
		}
	}

	changed := false
	if datalen > 0 {
		changed = b.mergeData(start, end, payload)
	}
	if fin {
		if b.placeFin(end) {
			changed = true
		}
	}
	return changed, true
}

// mergeData absorbs every existing run overlapping or directly
// abutting [start,end) into a single splice, then installs the
// result. Overlapping bytes are taken from whichever source actually
// covers them; the incoming payload wins ties since it is the most
// recently received copy.
func (b *oosBuffer) mergeData(start, end Value, payload []byte) bool {
	for {
		absorbedAny := false
		for i := range b.segs {
			s := b.segs[i]
			if !s.isData() || !overlapsOrAbuts(start, end, s.start, s.end) {
				continue
			}
			if !start.LessThan(s.start) && !s.end.LessThan(end) {
				return false // fully contained duplicate, nothing new
			}
			newStart, newEnd, spliced := splice(start, end, payload, s.start, s.end, s.data)
			start, end, payload = newStart, newEnd, spliced
			b.segs[i] = unusedSeg()
			absorbedAny = true
		}
		if !absorbedAny {
			break
		}
	}
	return b.placeData(OosSeg{start: start, end: end, data: payload})
}

// splice merges run b (existing, [bStart,bEnd) with data bData) into
// run a (the new arrival, [aStart,aEnd) with data aData), returning the
// combined range and a freshly allocated byte slice covering it.
func splice(aStart, aEnd Value, aData []byte, bStart, bEnd Value, bData []byte) (start, end Value, data []byte) {
	start = aStart
	if bStart.LessThan(start) {
		start = bStart
	}
	end = aEnd
	if bEnd.LessThan(end) {
		// keep aEnd
	} else {
		end = bEnd
	}
	out := make([]byte, Sizeof(start, end))
	copy(out[Sizeof(start, bStart):], bData)
	copy(out[Sizeof(start, aStart):], aData)
	return start, end, out
}

// placeData installs seg into a free slot, applying the full-buffer
// eviction policy when none is available: the existing data run with
// the largest start (i.e. furthest ahead of rcv.NXT, least imminently
// useful) is dropped to make room, but only if seg itself would be
// more useful (a smaller start) than that run. Otherwise seg itself is
// the one dropped. This is a deliberately lossy policy — the peer's
// retransmission timer will resend the lost run regardless.
func (b *oosBuffer) placeData(seg OosSeg) bool {
	for i := range b.segs {
		if b.segs[i].isUnused() {
			b.segs[i] = seg
			return true
		}
	}
	worstIdx, worstStart := -1, Value(0)
	for i := range b.segs {
		if b.segs[i].isData() && (worstIdx == -1 || worstStart.LessThan(b.segs[i].start)) {
			worstIdx, worstStart = i, b.segs[i].start
		}
	}
	if worstIdx == -1 || !seg.start.LessThan(worstStart) {
		return false // seg itself is the least useful run; drop it instead.
	}
	b.segs[worstIdx] = seg
	return true
}

// finSeq returns the sequence number of the buffered FIN marker, if any.
func (b *oosBuffer) finSeq() (at Value, ok bool) {
	for i := range b.segs {
		if b.segs[i].isFin() {
			return b.segs[i].start, true
		}
	}
	return 0, false
}

// placeFin records a FIN marker at sequence number at, evicting the
// worst data run to make room if the buffer is full. The caller has
// already rejected a FIN conflicting with a previously buffered one.
func (b *oosBuffer) placeFin(at Value) bool {
	for i := range b.segs {
		if b.segs[i].isFin() && b.segs[i].start == at {
			return false // already recorded
		}
	}
	for i := range b.segs {
		if b.segs[i].isUnused() {
			b.segs[i] = finSeg(at)
			return true
		}
	}
	worstIdx, worstStart := -1, Value(0)
	for i := range b.segs {
		if b.segs[i].isData() && (worstIdx == -1 || worstStart.LessThan(b.segs[i].start)) {
			worstIdx, worstStart = i, b.segs[i].start
		}
	}
	if worstIdx == -1 {
		return false
	}
	b.segs[worstIdx] = finSeg(at)
	return true
}

func overlapsOrAbuts(aStart, aEnd, bStart, bEnd Value) bool {
	return !aEnd.LessThan(bStart) && !bEnd.LessThan(aStart)
}

// shiftAvailable checks whether the lowest-sequence buffered run now
// starts exactly at rcvNxt (the gap before it has been filled by an
// in-order arrival) and, if so, removes and returns it so the caller
// can deliver it immediately. ok is false when nothing is ready yet.
func (b *oosBuffer) shiftAvailable(rcvNxt Value) (payload []byte, fin bool, ok bool) {
	for i := range b.segs {
		s := b.segs[i]
		if s.isData() && s.start == rcvNxt {
			b.segs[i] = unusedSeg()
			hasFin := b.consumeFinAt(s.end)
			return s.data, hasFin, true
		}
	}
	for i := range b.segs {
		if b.segs[i].isFin() && b.segs[i].start == rcvNxt {
			b.segs[i] = unusedSeg()
			return nil, true, true
		}
	}
	return nil, false, false
}

func (b *oosBuffer) consumeFinAt(at Value) bool {
	for i := range b.segs {
		if b.segs[i].isFin() && b.segs[i].start == at {
			b.segs[i] = unusedSeg()
			return true
		}
	}
	return false
}
