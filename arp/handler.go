package arp

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/aipstack-go/aipstack"
	"github.com/aipstack-go/aipstack/ethernet"
	"github.com/aipstack-go/aipstack/internal"
)

var (
	// ErrARPQueryNotFound reports that no query or cache entry exists for the
	// requested protocol address; the caller should start one.
	ErrARPQueryNotFound = errors.New("ARP query not found")
	// ErrARPQueryPending reports that a query is in flight but unanswered.
	ErrARPQueryPending = errors.New("ARP query pending")
)

type Handler struct {
	connID          uint64
	ourHWAddr       []byte
	ourProtoAddr    []byte
	htype           uint16
	protoType       ethernet.Type
	pendingResponse [][sizeHeaderv6]byte
	queries         []queryResult
	// cache holds resolved mappings when configured (IPv4-over-Ethernet
	// only); the query table above is then just the wire-request driver.
	cache        Cache
	cacheEnabled bool
	protoMask    []byte
}

type HandlerConfig struct {
	HardwareAddr []byte
	ProtocolAddr []byte
	MaxQueries   int
	MaxPending   int
	HardwareType uint16
	ProtocolType ethernet.Type
	// CacheSize enables the resolution cache when positive. Requires
	// 6-byte hardware and 4-byte protocol addresses.
	CacheSize int
	// CacheProtect is the floor of hard (actively resolved) cache entries
	// never evicted in favor of passively learned ones.
	CacheProtect int
	// ProtocolAddrMask, when set, gates passive learning to senders within
	// the local subnet, excluding the subnet broadcast address.
	ProtocolAddrMask []byte
}

func (h *Handler) LocalPort() uint16 { return 0 }

func (h *Handler) Protocol() uint64 { return uint64(ethernet.TypeARP) }

func (h *Handler) ConnectionID() *uint64 { return &h.connID }

func (h *Handler) UpdateProtoAddr(protoAddr []byte) error {
	if len(protoAddr) != len(h.ourProtoAddr) {
		return errors.New("mismatch ARP proto size")
	}
	copy(h.ourProtoAddr, protoAddr)
	return nil
}

func (h *Handler) Reset(cfg HandlerConfig) error {
	if len(cfg.HardwareAddr) == 0 || len(cfg.HardwareAddr) > 255 ||
		len(cfg.ProtocolAddr) == 0 || len(cfg.ProtocolAddr) > 255 {
		return errors.New("invalid Handler address config")
	} else if cfg.MaxQueries <= 0 || cfg.MaxPending <= 0 {
		return errors.New("invalid Handler query or pending config")
	}
	if cfg.CacheSize > 0 && (len(cfg.HardwareAddr) != 6 || len(cfg.ProtocolAddr) != 4) {
		return errors.New("ARP cache requires 6-byte hardware and 4-byte protocol addresses")
	} else if cfg.ProtocolAddrMask != nil && len(cfg.ProtocolAddrMask) != len(cfg.ProtocolAddr) {
		return errors.New("mismatched ARP protocol mask length")
	}
	*h = Handler{
		connID:          h.connID,
		ourHWAddr:       h.ourHWAddr[:0],
		ourProtoAddr:    h.ourProtoAddr[:0],
		htype:           cfg.HardwareType,
		protoType:       cfg.ProtocolType,
		pendingResponse: h.pendingResponse[:0],
		queries:         h.queries[:0],
	}
	h.ourHWAddr = append(h.ourHWAddr, cfg.HardwareAddr...)
	h.ourProtoAddr = append(h.ourProtoAddr, cfg.ProtocolAddr...)
	if cfg.CacheSize > 0 {
		h.cache = NewCache(cfg.CacheSize, cfg.CacheProtect)
		h.cacheEnabled = true
		h.protoMask = append([]byte(nil), cfg.ProtocolAddrMask...)
	}
	if cap(h.pendingResponse) < cfg.MaxPending {
		h.pendingResponse = make([][52]byte, cfg.MaxPending)[:0]
	}
	if cap(h.queries) < cfg.MaxQueries {
		h.queries = make([]queryResult, cfg.MaxQueries)[:0]
	}
	return nil
}

type queryResult struct {
	protoaddr []byte
	hwaddr    []byte
	dstHw     []byte
	// unicastTo, when non-empty, addresses the request directly to a known
	// hardware address instead of broadcasting (cache refresh requests).
	unicastTo []byte
	querysent bool
}

func (qr *queryResult) destroy() {
	*qr = queryResult{protoaddr: qr.protoaddr[:0], hwaddr: qr.hwaddr[:0], unicastTo: qr.unicastTo[:0]}
}

func (qr *queryResult) response() []byte {
	if len(qr.hwaddr) == 0 {
		return nil
	}
	return qr.hwaddr[:]
}
func (qr *queryResult) isInvalid() bool { return len(qr.protoaddr) == 0 }

// AbortPending drops pending queries and incoming requests.
func (h *Handler) AbortPending() {
	h.pendingResponse = h.pendingResponse[:0]
	h.queries = h.queries[:0]
}

func (h *Handler) expectSize() int {
	return sizeHeader + 2*len(h.ourHWAddr) + 2*len(h.ourProtoAddr)
}

func (h *Handler) QueryResult(protoAddr []byte) (hwAddr []byte, err error) {
	for i := range h.queries {
		if bytes.Equal(protoAddr, h.queries[i].protoaddr) {
			if !h.queries[i].querysent {
				return nil, ErrARPQueryPending
			}
			mac := h.queries[i].response()
			if mac == nil {
				return nil, ErrARPQueryPending
			}
			return mac, nil
		}
	}
	return nil, ErrARPQueryNotFound
}

// ResolveHW resolves a 4-byte protocol address through the configured cache,
// starting or refreshing a wire query as the cache's aging policy dictates.
// A stale-but-valid entry is returned immediately while a unicast refresh
// goes out in the background. Returns ErrARPQueryPending while a lookup is
// in flight. Falls back to the raw query table when no cache is configured.
func (h *Handler) ResolveHW(protoAddr []byte) (hw [6]byte, err error) {
	if !h.cacheEnabled || len(protoAddr) != 4 {
		res, err := h.QueryResult(protoAddr)
		if err == ErrARPQueryNotFound {
			if qerr := h.StartQuery(nil, protoAddr); qerr != nil {
				return hw, qerr
			}
			return hw, ErrARPQueryPending
		} else if err != nil {
			return hw, err
		}
		copy(hw[:], res)
		return hw, nil
	}
	mac, action, ok := h.cache.Resolve([4]byte(protoAddr))
	switch action {
	case SendBroadcastRequest:
		h.tryStartQuery(nil, protoAddr)
	case SendUnicastRequest:
		h.tryStartQuery(mac[:], protoAddr)
	}
	if !ok {
		return hw, ErrARPQueryPending
	}
	return mac, nil
}

// tryStartQuery queues a wire request, tolerating a full query table: the
// cache entry's countdown will retry on a later tick.
func (h *Handler) tryStartQuery(unicastTo, protoAddr []byte) {
	for i := range h.queries {
		if bytes.Equal(protoAddr, h.queries[i].protoaddr) {
			return // Request already queued or in flight.
		}
	}
	if len(h.queries) == cap(h.queries) {
		h.compactQueries()
		if len(h.queries) == cap(h.queries) {
			return
		}
	}
	h.queries = h.queries[:len(h.queries)+1]
	q := &h.queries[len(h.queries)-1]
	*q = queryResult{
		protoaddr: append(q.protoaddr[:0], protoAddr...),
		hwaddr:    q.hwaddr[:0],
		unicastTo: append(q.unicastTo[:0], unicastTo...),
	}
}

// Tick drives the cache's per-second aging, queueing the re-requests it
// demands. scratch is reused for the returned action list.
func (h *Handler) Tick(scratch []TickAction) []TickAction {
	if !h.cacheEnabled {
		return scratch[:0]
	}
	actions := h.cache.Tick(scratch[:0])
	for i := range actions {
		if actions[i].Broadcast {
			h.tryStartQuery(nil, actions[i].IP[:])
		} else {
			h.tryStartQuery(actions[i].MAC[:], actions[i].IP[:])
		}
	}
	return actions
}

// CacheLookup exposes the cache's diagnostic lookup; ok is always false when
// no cache is configured.
func (h *Handler) CacheLookup(ip [4]byte) (mac [6]byte, state EntryState, weak bool, ok bool) {
	if !h.cacheEnabled {
		return mac, StateFree, false, false
	}
	return h.cache.Lookup(ip)
}

func (h *Handler) DiscardQuery(protoAddr []byte) error {
	for i := range h.queries {
		q := &h.queries[i]
		if bytes.Equal(protoAddr, q.protoaddr) {
			q.destroy()
			return nil
		}
	}
	return errors.New("query not found")
}

func (h *Handler) compactQueries() {
	validOff := 0
	for i := 0; i < len(h.queries); i++ {
		if !h.queries[i].isInvalid() {
			// Swap rather than copy so every slot keeps its own address buffers.
			h.queries[validOff], h.queries[i] = h.queries[i], h.queries[validOff]
			validOff++
		}
	}
	h.queries = h.queries[:validOff]
}

// StartQuery queues a query to perform over ARP for the protocol address `proto`.
// The user can additionally specify an dstHWAddr to write query result to on completion.
// If dstHWAddr is nil then query still occurs but no external buffer is written on query completion.
// dstHWAddr must be zeroed out (invalid MAC).
func (h *Handler) StartQuery(dstHWAddr, proto []byte) error {
	if len(h.queries) == cap(h.queries) {
		h.compactQueries()
		if len(h.queries) == cap(h.queries) {
			return errors.New("too many ongoing queries")
		}
	}
	if len(proto) != len(h.ourProtoAddr) {
		return errors.New("bad protocol address length")
	} else if dstHWAddr != nil && len(dstHWAddr) != len(h.ourHWAddr) {
		return errors.New("mismatch hardware size")
	} else if dstHWAddr != nil && !internal.IsZeroed(dstHWAddr...) {
		return errors.New("write-to buffer must be zeroed out")
	}
	h.queries = h.queries[:len(h.queries)+1]
	q := &h.queries[len(h.queries)-1]
	*q = queryResult{
		protoaddr: append(q.protoaddr[:0], proto...),
		hwaddr:    q.hwaddr[:0],
		dstHw:     dstHWAddr,
	}
	return nil
}

func (h *Handler) Encapsulate(carrierData []byte, offsetToIP, offsetToFrame int) (int, error) {
	b := carrierData[offsetToFrame:]
	n := h.expectSize()
	if len(b) < n {
		return 0, errShortARP
	}
	if len(h.pendingResponse) > 0 {
		// pop frame.
		afrm, _ := NewFrame(h.pendingResponse[len(h.pendingResponse)-1][:])
		h.pendingResponse = h.pendingResponse[:len(h.pendingResponse)-1]
		afrm.SetOperation(OpReply)
		afrm.SwapTargetSender()
		hwsender, _ := afrm.Sender()
		copy(hwsender, h.ourHWAddr)
		n := copy(b, afrm.Clip().RawData())
		tgt, _ := afrm.Target()
		trySetEthernetDst(carrierData[:offsetToFrame], tgt)
		return n, nil
	}
	for i := range h.queries {
		if !h.queries[i].querysent {
			h.queries[i].querysent = true
			afrm, _ := NewFrame(b)
			afrm.SetHardware(h.htype, uint8(len(h.ourHWAddr)))
			afrm.SetProtocol(h.protoType, uint8(len(h.ourProtoAddr)))
			afrm.SetOperation(OpRequest)
			hwSender, protoSender := afrm.Sender()
			copy(hwSender, h.ourHWAddr)
			copy(protoSender, h.ourProtoAddr)
			hwTarget, protoTarget := afrm.Target()
			copy(protoTarget, h.queries[i].protoaddr)
			for j := range hwTarget {
				hwTarget[j] = 0
			}
			if len(h.queries[i].unicastTo) == len(hwTarget) {
				// Refresh request: addressed straight to the known MAC.
				copy(hwTarget, h.queries[i].unicastTo)
				trySetEthernetDst(carrierData[:offsetToFrame], h.queries[i].unicastTo)
			} else {
				broadcast := ethernet.BroadcastAddr()
				trySetEthernetDst(carrierData[:offsetToFrame], broadcast[:])
			}
			return n, nil
		}
	}
	return 0, nil
}

func (h *Handler) Demux(ethFrame []byte, frameOffset int) error {
	if len(h.pendingResponse) == cap(h.pendingResponse) {
		return errARPBufferFull
	}

	b := ethFrame[frameOffset:]
	afrm, err := NewFrame(b)
	if err != nil {
		return err
	}
	var vld lneto.Validator
	afrm.ValidateSize(&vld)
	if vld.HasError() {
		return vld.ErrPop()
	}
	htype, hlen := afrm.Hardware()
	if htype != h.htype || int(hlen) != len(h.ourHWAddr) {
		return errors.New("bad ARP hardware")
	}
	protoType, protoLen := afrm.Protocol()
	if protoType != h.protoType || int(protoLen) != len(h.ourProtoAddr) {
		return errors.New("bad ARP proto")
	}
	if frameOffset >= 14 {
		// The ARP sender hardware address must match the frame's source MAC.
		hwsender, _ := afrm.Sender()
		if len(hwsender) == 6 && !bytes.Equal(hwsender, ethFrame[6:12]) {
			return nil // Spoofed or relayed; drop silently.
		}
	}
	switch afrm.Operation() {
	case OpRequest:
		h.learnSender(afrm)
		_, protoaddr := afrm.Target()
		if !bytes.Equal(protoaddr, h.ourProtoAddr) {
			return nil // Not for us.
		}
		h.pendingResponse = h.pendingResponse[:len(h.pendingResponse)+1] // Extend pending buffer.
		copy(h.pendingResponse[len(h.pendingResponse)-1][:], afrm.buf)   // Set pending buffer.

	case OpReply:
		h.learnSender(afrm)
		hwaddr, protoaddr := afrm.Sender()
		for i := range h.queries {
			q := &h.queries[i]
			mac := q.response()
			if mac == nil && bytes.Equal(q.protoaddr, protoaddr) {
				q.hwaddr = append(q.hwaddr, hwaddr...)
				if q.dstHw != nil {
					if !internal.IsZeroed(q.dstHw...) {
						slog.Error("race-condition:ARP-reused-buffer")
					}
					copy(q.dstHw, hwaddr) // External write to user buffer.
				}
				if h.cacheEnabled {
					// The cache now holds the mapping; free the slot.
					q.destroy()
				}
				return nil
			}
		}

	default:
		return errARPUnsupported
	}
	return nil
}

// learnSender records the sender's (protocol -> hardware) mapping as a weak
// cache entry. Learning is unconditional for any ARP message whose sender
// lies in the local subnet, excluding the subnet broadcast address.
func (h *Handler) learnSender(afrm Frame) {
	if !h.cacheEnabled {
		return
	}
	hwaddr, protoaddr := afrm.Sender()
	if len(protoaddr) != 4 || len(hwaddr) != 6 {
		return
	}
	if len(h.protoMask) == 4 {
		isBroadcast := true
		for i := range protoaddr {
			if (protoaddr[i]^h.ourProtoAddr[i])&h.protoMask[i] != 0 {
				return // Not in our subnet.
			}
			if protoaddr[i]|h.protoMask[i] != 0xff {
				isBroadcast = false
			}
		}
		if isBroadcast {
			return
		}
	}
	h.cache.Save([4]byte(protoaddr), [6]byte(hwaddr))
}

func trySetEthernetDst(ethFrame []byte, dst []byte) {
	if len(ethFrame) >= 14 {
		copy(ethFrame[:6], dst)
	}
}
