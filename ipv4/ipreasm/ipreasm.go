// Package ipreasm implements the per-source IPv4 fragment reassembly table:
// a fixed pool of assembly contexts, each tracking a hole list over a
// reassembly buffer, aged by an external per-second tick. The hole
// bookkeeping follows the classic RFC 815 split/merge algorithm.
package ipreasm

import (
	"errors"
	"log/slog"

	"github.com/aipstack-go/aipstack/clock"
	"github.com/aipstack-go/aipstack/internal"
)

var errTooLarge = errors.New("ipreasm: fragment exceeds maximum datagram length")

// infinity stands in for "right boundary not yet known" in a hole's upper
// bound: a freshly allocated assembly starts with a single hole [0, infinity)
// and the true upper bound is learned once the final fragment (MF=0) arrives.
const infinity = 1 << 30

// Key identifies a datagram under reassembly, per RFC 791 §3.2.
type Key struct {
	Src, Dst [4]byte
	Proto    uint8
	ID       uint16
}

type hole struct {
	first, last int // inclusive byte range, last == infinity means "open"
}

type assembly struct {
	key         Key
	used        bool
	holes       []hole
	totalLen    int // -1 until the MF=0 fragment arrives
	deadline    clock.Ticks
	arrival     clock.Ticks
	gotNonFirst bool // a fragment with offset > 0 was received (for ICMP time-exceeded)
	buf         []byte
}

func (a *assembly) reset(key Key, now, timeout clock.Ticks, bufCap int) {
	a.key = key
	a.used = true
	a.holes = append(a.holes[:0], hole{first: 0, last: infinity})
	a.totalLen = -1
	a.arrival = now
	a.deadline = now + timeout
	a.gotNonFirst = false
	if cap(a.buf) < bufCap {
		a.buf = make([]byte, bufCap)
	}
	a.buf = a.buf[:bufCap]
}

// Cache is the reassembly table: a fixed-size pool of assembly contexts.
type Cache struct {
	slots      []assembly
	maxDgram   int
	timeout    clock.Ticks
	log        *slog.Logger
}

// NewCache builds a Cache with poolSize concurrent reassembly contexts, each
// able to hold a datagram up to maxDatagramLen bytes (including the stripped
// IP header budget the caller accounts for before payload bytes land here).
func NewCache(poolSize, maxDatagramLen int) *Cache {
	if poolSize <= 0 || maxDatagramLen <= 0 {
		panic("ipreasm: invalid pool size or datagram length")
	}
	return &Cache{
		slots:    make([]assembly, poolSize),
		maxDgram: maxDatagramLen,
		timeout:  clock.Ticks(30), // caller overrides via SetTimeout to match its tick rate
	}
}

// SetLogger attaches a structured logger; nil disables logging.
func (c *Cache) SetLogger(l *slog.Logger) { c.log = l }

func (c *Cache) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(c.log, slog.LevelDebug, msg, attrs...)
}

// SetTimeout sets how many ticks (as driven by Tick) an incomplete
// reassembly may live before being discarded.
func (c *Cache) SetTimeout(ticks clock.Ticks) { c.timeout = ticks }

func (c *Cache) find(key Key) *assembly {
	for i := range c.slots {
		if c.slots[i].used && c.slots[i].key == key {
			return &c.slots[i]
		}
	}
	return nil
}

// allocate finds a free slot, or evicts the oldest in-use one (by arrival
// tick) if the pool is full.
func (c *Cache) allocate(key Key, now clock.Ticks) (a *assembly, evicted bool) {
	for i := range c.slots {
		if !c.slots[i].used {
			c.slots[i].reset(key, now, c.timeout, c.maxDgram)
			return &c.slots[i], false
		}
	}
	oldest := 0
	for i := 1; i < len(c.slots); i++ {
		if c.slots[i].arrival.Before(c.slots[oldest].arrival) {
			oldest = i
		}
	}
	c.debug("ipreasm:evict-oldest", slog.Any("evicted_key", c.slots[oldest].key))
	c.slots[oldest].reset(key, now, c.timeout, c.maxDgram)
	return &c.slots[oldest], true
}

// punch removes the byte range [first,last] (inclusive) from the hole list,
// splitting any hole it partially overlaps into 0/1/2 remaining holes.
func punch(holes []hole, first, last int) []hole {
	out := holes[:0]
	for _, h := range holes {
		if last < h.first || first > h.last {
			out = append(out, h)
			continue
		}
		if h.first < first {
			out = append(out, hole{first: h.first, last: first - 1})
		}
		if h.last > last {
			out = append(out, hole{first: last + 1, last: h.last})
		}
	}
	return out
}

// Result reports the outcome of processing one fragment.
type Result struct {
	// Complete is true once every hole has been filled and the total
	// length is known; Datagram then holds the reassembled bytes.
	Complete bool
	Datagram []byte
	// Evicted reports that an older, unrelated incomplete reassembly was
	// dropped to make room for this fragment's context.
	Evicted bool
}

// Process handles one incoming IPv4 fragment. fragOffsetWords is the raw
// 8-byte-unit IPv4 "fragment offset" header field; payload is the fragment's
// data (header already stripped). Returns the datagram once reassembly
// completes.
func (c *Cache) Process(now clock.Ticks, key Key, fragOffsetWords int, moreFragments bool, payload []byte) (Result, error) {
	fragFirst := fragOffsetWords * 8
	fragLast := fragFirst + len(payload) - 1
	if len(payload) == 0 {
		fragLast = fragFirst - 1 // empty fragment touches no holes
	}
	if fragFirst+len(payload) > c.maxDgram {
		return Result{}, errTooLarge
	}

	a := c.find(key)
	evicted := false
	if a == nil {
		a, evicted = c.allocate(key, now)
	}
	if fragFirst > 0 {
		a.gotNonFirst = true
	}

	if len(payload) > 0 {
		copy(a.buf[fragFirst:fragFirst+len(payload)], payload)
		a.holes = punch(a.holes, fragFirst, fragLast)
	}

	if !moreFragments {
		a.totalLen = fragLast + 1
		// Clip every still-open hole to the now-known right boundary.
		clipped := a.holes[:0]
		for _, h := range a.holes {
			if h.last == infinity {
				h.last = a.totalLen - 1
			}
			if h.first <= h.last {
				clipped = append(clipped, h)
			}
		}
		a.holes = clipped
	}

	if len(a.holes) == 0 && a.totalLen >= 0 {
		datagram := a.buf[:a.totalLen]
		a.used = false
		c.debug("ipreasm:complete", slog.Any("key", key), slog.Int("len", a.totalLen))
		return Result{Complete: true, Datagram: datagram, Evicted: evicted}, nil
	}
	return Result{Evicted: evicted}, nil
}

// Expired describes a reassembly context dropped by Tick for having
// exceeded its deadline.
type Expired struct {
	Key Key
	// NotifyICMP is true when a fragment beyond offset 0 was received
	// before the timeout: only then is an ICMP "time exceeded (reassembly
	// timeout)" warranted, since a lone first fragment with no followers
	// is not distinguishable from normal traffic that just never got
	// fragmented further.
	NotifyICMP bool
	// DataHead holds the first octets of the abandoned datagram's payload
	// (zero where the corresponding fragment never arrived), for quoting
	// in the ICMP time-exceeded message.
	DataHead [8]byte
}

// Tick ages every in-use context and discards those past their deadline,
// reporting which ones warrant an ICMP time-exceeded reply. Intended to be
// driven at >= 1s granularity by the embedding event loop.
func (c *Cache) Tick(now clock.Ticks, into []Expired) []Expired {
	for i := range c.slots {
		a := &c.slots[i]
		if !a.used {
			continue
		}
		if now.Before(a.deadline) {
			continue
		}
		exp := Expired{Key: a.key, NotifyICMP: a.gotNonFirst}
		copy(exp.DataHead[:], a.buf)
		into = append(into, exp)
		a.used = false
		c.debug("ipreasm:timeout", slog.Any("key", a.key), slog.Bool("icmp", a.gotNonFirst))
	}
	return into
}

// Len returns the pool capacity.
func (c *Cache) Len() int { return len(c.slots) }

// InUse returns the number of contexts currently holding an incomplete
// reassembly, for diagnostics and tests.
func (c *Cache) InUse() (n int) {
	for i := range c.slots {
		if c.slots[i].used {
			n++
		}
	}
	return n
}
