// Package pmtu implements the path-MTU cache: a fixed-size, refcounted
// arena of per-destination MTU entries with minute-granularity aging, per
// RFC 1191. Entries move through an Invalid/Referenced/Unused lifecycle
// threaded on a free list: timed-out entries rejoin at the head for
// immediate reuse, refcount-released ones at the tail.
package pmtu

import (
	"errors"
	"log/slog"

	"github.com/aipstack-go/aipstack/internal"
	"github.com/aipstack-go/aipstack/ipv4"
)

// DefaultMinMTU is the IPv4 minimum-reassembly-size floor (RFC 791/1191):
// no entry's MTU is ever allowed below this, regardless of what the
// interface or an ICMP message reports.
const DefaultMinMTU = 576

// MaxRefCount bounds a single entry's reference count. aipstack-go never
// needs more than a handful of PCBs sharing one destination, so a byte is
// plenty and lets the entry stay compact.
const MaxRefCount = 255

var (
	// ErrRefCountSaturated is returned by Setup when the matching entry's
	// refcount is already at MaxRefCount; the caller should retry later.
	ErrRefCountSaturated = errors.New("pmtu: refcount saturated")
	// ErrNoRoute is returned by Setup when the Router can't resolve the
	// destination on a cache miss.
	ErrNoRoute = errors.New("pmtu: no route to destination")
	// ErrPoolExhausted is returned by Setup when every entry is Referenced
	// and none can be evicted as a victim for a new destination.
	ErrPoolExhausted = errors.New("pmtu: no free entry for new destination")
	errAlreadySetup  = errors.New("pmtu: ref already set up")
)

// State is the lifecycle state of a cache entry.
type State uint8

const (
	// StateInvalid entries are unused, unkeyed, and sit at the free-list head.
	StateInvalid State = iota
	// StateReferenced entries are held by one or more MtuRefs.
	StateReferenced
	// StateUnused entries are keyed but held by nobody; they sit on the
	// free list awaiting reuse or timeout.
	StateUnused
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateReferenced:
		return "referenced"
	case StateUnused:
		return "unused"
	default:
		return "?"
	}
}

type entry struct {
	state      State
	mtu        uint16
	minutesOld uint8
	refcount   uint8
	remote     [4]byte
	freeNext   int32 // index into Cache.entries, -1 terminates
}

// Cache is the path-MTU table: a fixed-size arena of entries indexed by
// remote address, with a singly linked free list threading through the
// Invalid and Unused entries available for reuse.
type Cache struct {
	entries        []entry
	index          map[[4]byte]int32
	freeHead       int32
	freeTail       int32
	minMTU         uint16
	agingTimeoutMin uint8
	log            *slog.Logger
}

// DefaultAgingTimeoutMinutes is how many one-minute ticks an entry may go
// without being refreshed before the per-minute sweep acts on it.
const DefaultAgingTimeoutMinutes = 10

// NewCache builds a Cache with size entries, each entry's MTU never allowed
// below minMTU (DefaultMinMTU if 0).
func NewCache(size int, minMTU uint16) *Cache {
	if size <= 0 {
		panic("pmtu: cache size must be > 0")
	}
	if minMTU == 0 {
		minMTU = DefaultMinMTU
	}
	c := &Cache{
		entries:         make([]entry, size),
		index:           make(map[[4]byte]int32, size),
		minMTU:          minMTU,
		agingTimeoutMin: DefaultAgingTimeoutMinutes,
		freeHead:        0,
		freeTail:        int32(size - 1),
	}
	for i := range c.entries {
		c.entries[i].freeNext = int32(i + 1)
	}
	c.entries[size-1].freeNext = -1
	return c
}

// SetLogger attaches a structured logger; nil disables logging.
func (c *Cache) SetLogger(l *slog.Logger) { c.log = l }

func (c *Cache) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(c.log, slog.LevelDebug, msg, attrs...)
}

// SetAgingTimeout overrides the per-minute timeout budget (in ticks of
// Tick), mainly for tests that don't want to wait 10 simulated minutes.
func (c *Cache) SetAgingTimeout(minutes uint8) { c.agingTimeoutMin = minutes }

// Len returns the capacity of the cache.
func (c *Cache) Len() int { return len(c.entries) }

// MtuRef is a reference-counted handle into a Cache, typically owned by a
// TCP pcb for the lifetime of states that may send. The zero value is not
// set up; call Setup before GetPmtu.
type MtuRef struct {
	cache *Cache
	index int32
}

// IsSetup reports whether the ref currently holds an entry.
func (r *MtuRef) IsSetup() bool { return r.cache != nil }

func (c *Cache) popFree() (int32, bool) {
	if c.freeHead < 0 {
		return -1, false
	}
	idx := c.freeHead
	c.freeHead = c.entries[idx].freeNext
	if c.freeHead < 0 {
		c.freeTail = -1
	}
	c.entries[idx].freeNext = -1
	return idx, true
}

func (c *Cache) removeFree(idx int32) {
	if c.freeHead == idx {
		c.freeHead = c.entries[idx].freeNext
		if c.freeHead < 0 {
			c.freeTail = -1
		}
		c.entries[idx].freeNext = -1
		return
	}
	for prev := c.freeHead; prev >= 0; prev = c.entries[prev].freeNext {
		if c.entries[prev].freeNext == idx {
			c.entries[prev].freeNext = c.entries[idx].freeNext
			if c.freeTail == idx {
				c.freeTail = prev
			}
			c.entries[idx].freeNext = -1
			return
		}
	}
}

func (c *Cache) pushFreeTail(idx int32) {
	c.entries[idx].freeNext = -1
	if c.freeTail < 0 {
		c.freeHead, c.freeTail = idx, idx
		return
	}
	c.entries[c.freeTail].freeNext = idx
	c.freeTail = idx
}

func (c *Cache) pushFreeHead(idx int32) {
	c.entries[idx].freeNext = c.freeHead
	c.freeHead = idx
	if c.freeTail < 0 {
		c.freeTail = idx
	}
}

func (c *Cache) clampMTU(mtu uint16) uint16 {
	if mtu < c.minMTU {
		return c.minMTU
	}
	return mtu
}

// Setup binds ref to the entry for remote, incrementing its refcount on a
// hit or allocating a fresh entry (via router) on a miss. ref must not
// already be set up.
func (c *Cache) Setup(ref *MtuRef, remote [4]byte, router ipv4.Router) error {
	if ref.IsSetup() {
		return errAlreadySetup
	}
	if idx, ok := c.index[remote]; ok {
		e := &c.entries[idx]
		switch e.state {
		case StateReferenced:
			if e.refcount == MaxRefCount {
				return ErrRefCountSaturated
			}
			e.refcount++
			ref.cache, ref.index = c, idx
			return nil
		case StateUnused:
			c.removeFree(idx)
			e.state = StateReferenced
			e.refcount = 1
			ref.cache, ref.index = c, idx
			return nil
		}
	}

	iface, _, ok := router.RouteIPv4(remote)
	if !ok {
		return ErrNoRoute
	}
	idx, ok := c.popFree()
	if !ok {
		return ErrPoolExhausted
	}
	e := &c.entries[idx]
	if e.state == StateUnused {
		delete(c.index, e.remote)
	}
	*e = entry{
		state:      StateReferenced,
		mtu:        c.clampMTU(iface.MTU),
		minutesOld: 0,
		refcount:   1,
		remote:     remote,
		freeNext:   -1,
	}
	c.index[remote] = idx
	ref.cache, ref.index = c, idx
	c.debug("pmtu:setup-miss", slog.Any("remote", remote), slog.Uint64("mtu", uint64(e.mtu)))
	return nil
}

// Reset releases ref's hold on its entry, demoting it to Unused (queued for
// reuse at the free-list tail) once the last holder lets go. Reset on a ref
// that isn't set up is a no-op.
func (r *MtuRef) Reset() {
	if !r.IsSetup() {
		return
	}
	c := r.cache
	e := &c.entries[r.index]
	e.refcount--
	if e.refcount == 0 {
		e.state = StateUnused
		c.pushFreeTail(r.index)
	}
	r.cache, r.index = nil, -1
}

// GetPmtu returns the entry's current MTU, or 0 if r isn't set up.
func (r *MtuRef) GetPmtu() uint16 {
	if !r.IsSetup() {
		return 0
	}
	return r.cache.entries[r.index].mtu
}

// HandleIcmpPacketTooBig clamps the entry's MTU to max(MinMTU, nextMTU) and
// reports whether the PMTU actually dropped as a result — only then should
// the holder (a TCP pcb) resize retransmissions. A nextMTU at or above the
// current value is a no-op: it does not perturb the aging counter either.
func (r *MtuRef) HandleIcmpPacketTooBig(nextMTU uint16) (dropped bool) {
	if !r.IsSetup() {
		return false
	}
	e := &r.cache.entries[r.index]
	clamped := r.cache.clampMTU(nextMTU)
	if clamped >= e.mtu {
		return false
	}
	e.mtu = clamped
	return true
}

// HandleIcmpPacketTooBig applies an ICMP fragmentation-needed report for
// remote to the cache, clamping the entry's MTU to max(MinMTU, nextMTU).
// Reports whether the PMTU actually dropped; a report for an unknown
// destination, or one at or above the current value, changes nothing and
// does not perturb the aging counter.
func (c *Cache) HandleIcmpPacketTooBig(remote [4]byte, nextMTU uint16) (dropped bool) {
	idx, ok := c.index[remote]
	if !ok {
		return false
	}
	e := &c.entries[idx]
	clamped := c.clampMTU(nextMTU)
	if clamped >= e.mtu {
		return false
	}
	e.mtu = clamped
	c.debug("pmtu:packet-too-big", slog.Any("remote", remote), slog.Uint64("mtu", uint64(clamped)))
	return true
}

// Tick advances every non-Invalid entry's age by one minute and acts on
// those that reach the aging timeout: Unused entries are dropped from the
// index and moved to the free-list head for immediate reuse; Referenced
// entries are re-routed and their MTU reset to the (possibly new) interface
// MTU, with their age reset to 1 so the next timeout lands exactly one full
// period later.
func (c *Cache) Tick(router ipv4.Router) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == StateInvalid {
			continue
		}
		e.minutesOld++
		if e.minutesOld < c.agingTimeoutMin {
			continue
		}
		switch e.state {
		case StateUnused:
			c.removeFree(int32(i))
			delete(c.index, e.remote)
			remote := e.remote
			e.state = StateInvalid
			e.mtu = 0
			e.remote = [4]byte{}
			c.pushFreeHead(int32(i))
			c.debug("pmtu:timeout-unused", slog.Any("remote", remote))
		case StateReferenced:
			if iface, _, ok := router.RouteIPv4(e.remote); ok {
				e.mtu = c.clampMTU(iface.MTU)
			}
			e.minutesOld = 1
			c.debug("pmtu:timeout-referenced", slog.Any("remote", e.remote), slog.Uint64("mtu", uint64(e.mtu)))
		}
	}
}

// Lookup reports the current state of the entry for remote without
// mutating anything, for tests and diagnostics.
func (c *Cache) Lookup(remote [4]byte) (mtu uint16, state State, refcount uint8, ok bool) {
	idx, found := c.index[remote]
	if !found {
		return 0, StateInvalid, 0, false
	}
	e := &c.entries[idx]
	return e.mtu, e.state, e.refcount, true
}
