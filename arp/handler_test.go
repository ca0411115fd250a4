package arp

import (
	"testing"

	"github.com/aipstack-go/aipstack/ethernet"
)

func newCachedHandler(t *testing.T, hw byte, ip byte) *Handler {
	t.Helper()
	var h Handler
	err := h.Reset(HandlerConfig{
		HardwareAddr:     []byte{0x02, 0x00, 0x00, 0x00, 0x00, hw},
		ProtocolAddr:     []byte{192, 168, 1, ip},
		MaxQueries:       4,
		MaxPending:       2,
		HardwareType:     1,
		ProtocolType:     ethernet.TypeIPv4,
		CacheSize:        4,
		CacheProtect:     2,
		ProtocolAddrMask: []byte{255, 255, 255, 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &h
}

func TestHandlerCacheResolve(t *testing.T) {
	c1 := newCachedHandler(t, 1, 1)
	c2 := newCachedHandler(t, 2, 2)
	target := [4]byte{192, 168, 1, 2}

	// First resolve misses and starts a broadcast query.
	_, err := c1.ResolveHW(target[:])
	if err != ErrARPQueryPending {
		t.Fatalf("first resolve: want pending, got %v", err)
	}
	var buf [64]byte
	n, err := c1.Encapsulate(buf[:], -1, 0)
	if err != nil {
		t.Fatal(err)
	} else if n == 0 {
		t.Fatal("no request emitted for pending query")
	}
	if err := c2.Demux(buf[:n], 0); err != nil {
		t.Fatal(err)
	}
	n, err = c2.Encapsulate(buf[:], -1, 0)
	if err != nil {
		t.Fatal(err)
	} else if n == 0 {
		t.Fatal("no reply emitted")
	}
	if err := c1.Demux(buf[:n], 0); err != nil {
		t.Fatal(err)
	}

	// Reply learned into the cache; second resolve hits.
	hw, err := c1.ResolveHW(target[:])
	if err != nil {
		t.Fatal("resolve after reply:", err)
	}
	want := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 2}
	if hw != want {
		t.Fatalf("resolved MAC: got %x want %x", hw, want)
	}
	if _, state, _, ok := c1.CacheLookup(target); !ok || state != StateValid {
		t.Fatalf("cache entry: ok=%v state=%s", ok, state)
	}
}

func TestHandlerCachePassiveLearn(t *testing.T) {
	c2 := newCachedHandler(t, 2, 2)
	c3 := newCachedHandler(t, 3, 3)

	// c3 broadcasts a request for someone else; c2 still learns c3's mapping.
	if err := c3.StartQuery(nil, []byte{192, 168, 1, 100}); err != nil {
		t.Fatal(err)
	}
	var buf [64]byte
	n, err := c3.Encapsulate(buf[:], -1, 0)
	if err != nil || n == 0 {
		t.Fatalf("encapsulate: n=%d err=%v", n, err)
	}
	if err := c2.Demux(buf[:n], 0); err != nil {
		t.Fatal(err)
	}
	mac, state, weak, ok := c2.CacheLookup([4]byte{192, 168, 1, 3})
	if !ok || state != StateValid {
		t.Fatalf("passive learn: ok=%v state=%s", ok, state)
	}
	if !weak {
		t.Error("passively learned entry should be weak")
	}
	if mac != ([6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 3}) {
		t.Errorf("learned MAC: got %x", mac)
	}
}

func TestHandlerCacheSubnetGate(t *testing.T) {
	c2 := newCachedHandler(t, 2, 2)
	outside := newCachedHandler(t, 9, 2) // same last octet, different subnet below
	if err := outside.UpdateProtoAddr([]byte{10, 0, 0, 9}); err != nil {
		t.Fatal(err)
	}
	if err := outside.StartQuery(nil, []byte{10, 0, 0, 1}); err != nil {
		t.Fatal(err)
	}
	var buf [64]byte
	n, err := outside.Encapsulate(buf[:], -1, 0)
	if err != nil || n == 0 {
		t.Fatalf("encapsulate: n=%d err=%v", n, err)
	}
	if err := c2.Demux(buf[:n], 0); err != nil {
		t.Fatal(err)
	}
	if _, _, _, ok := c2.CacheLookup([4]byte{10, 0, 0, 9}); ok {
		t.Error("off-subnet sender must not be learned")
	}
}

func TestHandlerCacheRefresh(t *testing.T) {
	c1 := newCachedHandler(t, 1, 1)
	c1.cache.SetTimeouts(2, 2, 1) // valid entries stale after one tick
	target := [4]byte{192, 168, 1, 2}
	c1.cache.Save(target, [6]byte{0x02, 0, 0, 0, 0, 2})

	// Age the entry to staleness.
	c1.Tick(nil)

	// Resolve still succeeds with the stale MAC but starts a unicast refresh.
	hw, err := c1.ResolveHW(target[:])
	if err != nil {
		t.Fatal(err)
	}
	if hw != ([6]byte{0x02, 0, 0, 0, 0, 2}) {
		t.Fatalf("stale resolve MAC: %x", hw)
	}
	if _, state, _, _ := c1.CacheLookup(target); state != StateRefreshing {
		t.Fatalf("want refreshing state, got %s", state)
	}
	var buf [64]byte
	n, err := c1.Encapsulate(buf[:], -1, 0)
	if err != nil || n == 0 {
		t.Fatalf("refresh request: n=%d err=%v", n, err)
	}
	afrm, err := NewFrame(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	hwTarget, _ := afrm.Target()
	if [6]byte(hwTarget) != ([6]byte{0x02, 0, 0, 0, 0, 2}) {
		t.Errorf("refresh must be unicast to known MAC, got %x", hwTarget)
	}
}
