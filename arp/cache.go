package arp

// EntryState is the lifecycle state of a Cache entry.
type EntryState uint8

const (
	// StateFree entries are unused and available for reuse by the next lookup miss.
	StateFree EntryState = iota
	// StateQuery entries are awaiting the first ARP reply; a broadcast request was sent.
	StateQuery
	// StateValid entries carry a usable MAC address.
	StateValid
	// StateRefreshing entries are usable but a unicast re-request is outstanding.
	StateRefreshing
)

func (s EntryState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateQuery:
		return "query"
	case StateValid:
		return "valid"
	case StateRefreshing:
		return "refreshing"
	default:
		return "invalid"
	}
}

// Default countdown budgets in seconds, matching the aging timer tick of one
// second. See Cache.Tick.
const (
	DefaultQueryTimeout   = 3
	DefaultRefreshTimeout = 3
	DefaultValidTimeout   = 60
)

// entry is one slot of the cache's arena. Entries are linked into a single
// MRU list via next (index into Cache.entries, -1 terminates); there is no
// separate free list; a StateFree entry simply sits somewhere in that list
// until reused by getEntry.
type entry struct {
	next     int32
	state    EntryState
	weak     bool // learned passively (RX) vs. created by a resolution request (TX)
	timeLeft uint8
	mac      [6]byte
	ip       [4]byte
}

// Cache is the ARP resolution table: a fixed-size, MRU-ordered arena of
// entries split into a "hard" (actively resolved) and "weak" (passively
// learned) budget, with countdown aging driven by Tick. Entries are linked
// by index rather than pointer so the whole table is a single allocation;
// every hit reorders the entry to the front, so eviction always takes the
// tail of the over-budget class.
type Cache struct {
	entries      []entry
	first        int32 // index of the MRU entry, -1 if empty
	protectCount int   // floor below which hard entries are never evicted for a weak insert

	queryTimeout, refreshTimeout, validTimeout uint8
}

// NewCache builds a Cache of size entries, reserving protectCount of them as
// the minimum number of hard (actively resolved) entries that a weak insert
// must never evict.
func NewCache(size, protectCount int) Cache {
	if size <= 0 {
		panic("arp: cache size must be > 0")
	}
	if protectCount < 0 || protectCount > size {
		panic("arp: invalid protected count")
	}
	c := Cache{
		entries:        make([]entry, size),
		first:          0,
		protectCount:   protectCount,
		queryTimeout:   DefaultQueryTimeout,
		refreshTimeout: DefaultRefreshTimeout,
		validTimeout:   DefaultValidTimeout,
	}
	for i := range c.entries {
		c.entries[i].next = int32(i + 1)
		c.entries[i].state = StateFree
		c.entries[i].weak = true
	}
	c.entries[size-1].next = -1
	return c
}

// SetTimeouts overrides the default per-second countdown budgets. Intended
// for tests that want to exercise aging without a 60-tick wait.
func (c *Cache) SetTimeouts(query, refresh, valid uint8) {
	c.queryTimeout, c.refreshTimeout, c.validTimeout = query, refresh, valid
}

// getEntry finds or allocates the entry for ip, moves it to the front of the
// MRU list and returns it. weak indicates the caller's intended use: false
// (hard) always clears an existing entry's weak bit; on a miss it decides
// which class's budget is charged when choosing an evictee.
func (c *Cache) getEntry(ip [4]byte, weak bool) *entry {
	var (
		index, prevIndex         int32 = -1, -1
		numHard                  int
		lastWeakIndex, lastWeakPrev int32 = -1, -1
		lastHardIndex, lastHardPrev int32 = -1, -1
	)

	cur := c.first
	prev := int32(-1)
	for cur >= 0 {
		e := &c.entries[cur]
		if e.state != StateFree && e.ip == ip {
			index, prevIndex = cur, prev
			break
		}
		if e.weak {
			lastWeakIndex, lastWeakPrev = cur, prev
		} else {
			numHard++
			lastHardIndex, lastHardPrev = cur, prev
		}
		prev = cur
		cur = e.next
	}

	var e *entry
	if index >= 0 {
		e = &c.entries[index]
		if !weak {
			e.weak = false
		}
	} else {
		var useWeak bool
		if lastWeakIndex >= 0 && c.entries[lastWeakIndex].state == StateFree {
			useWeak = true
		} else if weak {
			useWeak = !(numHard > c.protectCount || lastWeakIndex < 0)
		} else {
			numWeak := len(c.entries) - numHard
			nonProtect := len(c.entries) - c.protectCount
			useWeak = numWeak > nonProtect || lastHardIndex < 0
		}
		if useWeak {
			index, prevIndex = lastWeakIndex, lastWeakPrev
		} else {
			index, prevIndex = lastHardIndex, lastHardPrev
		}
		e = &c.entries[index]
		e.state = StateFree
		e.ip = ip
		e.weak = weak
	}

	if prevIndex >= 0 {
		c.entries[prevIndex].next = e.next
		e.next = c.first
		c.first = index
	}
	return e
}

// Action is what the caller of Resolve must do as a side effect of the
// lookup: send an ARP request frame. NoAction means the resolved MAC is
// already usable and nothing needs to go out on the wire.
type Action uint8

const (
	NoAction Action = iota
	SendBroadcastRequest
	SendUnicastRequest
)

// Resolve looks up ip, creating a hard entry on miss, and reports the action
// the caller must take plus the MAC address to use (valid only when ok is
// true). ip must not be the broadcast or all-ones address; callers resolve
// those without consulting the cache.
func (c *Cache) Resolve(ip [4]byte) (mac [6]byte, action Action, ok bool) {
	e := c.getEntry(ip, false)

	if e.state == StateFree {
		e.state = StateQuery
		e.timeLeft = c.queryTimeout
		return mac, SendBroadcastRequest, false
	}
	if e.state == StateQuery {
		return mac, NoAction, false
	}
	if e.state == StateValid && e.timeLeft == 0 {
		e.state = StateRefreshing
		e.timeLeft = c.refreshTimeout
		return e.mac, SendUnicastRequest, true
	}
	return e.mac, NoAction, true
}

// Save records a learned (ip -> mac) mapping as a weak entry, promoting it to
// Valid. Called for every ARP packet (request or reply) whose sender address
// lies in the local subnet, regardless of whether a query is outstanding.
func (c *Cache) Save(ip [4]byte, mac [6]byte) {
	e := c.getEntry(ip, true)
	e.state = StateValid
	e.timeLeft = c.validTimeout
	e.mac = mac
}

// TickAction is emitted by Tick for every entry that must (re)send an ARP
// request as a result of aging.
type TickAction struct {
	IP        [4]byte
	MAC       [6]byte // target of a unicast re-request; zero for broadcast
	Broadcast bool
}

// Tick advances every entry's countdown by one step (intended to be called
// once per second) and returns the set of ARP requests that must be sent as
// a result. Entries that merely decay (Valid with time remaining) produce no
// action.
func (c *Cache) Tick(into []TickAction) []TickAction {
	for i := range c.entries {
		e := &c.entries[i]
		switch e.state {
		case StateQuery:
			e.timeLeft--
			if e.timeLeft == 0 {
				e.state = StateFree
			} else {
				into = append(into, TickAction{IP: e.ip, Broadcast: true})
			}
		case StateValid:
			if e.timeLeft > 0 {
				e.timeLeft--
			}
		case StateRefreshing:
			e.timeLeft--
			if e.timeLeft == 0 {
				e.state = StateQuery
				e.timeLeft = c.queryTimeout
				into = append(into, TickAction{IP: e.ip, Broadcast: true})
			} else {
				into = append(into, TickAction{IP: e.ip, MAC: e.mac})
			}
		}
	}
	return into
}

// Lookup reports the current state of the entry for ip without mutating the
// MRU order or allocating on miss. Intended for tests and diagnostics.
func (c *Cache) Lookup(ip [4]byte) (mac [6]byte, state EntryState, weak bool, ok bool) {
	for i := c.first; i >= 0; i = c.entries[i].next {
		e := &c.entries[i]
		if e.state != StateFree && e.ip == ip {
			return e.mac, e.state, e.weak, true
		}
	}
	return mac, StateFree, false, false
}

// Len returns the capacity of the cache (total entry slots, not just used ones).
func (c *Cache) Len() int { return len(c.entries) }
