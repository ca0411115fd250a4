package pmtu

import (
	"testing"

	"github.com/aipstack-go/aipstack/ipv4"
)

type fakeRouter struct {
	routes map[[4]byte]uint16
}

func (f fakeRouter) RouteIPv4(dst [4]byte) (*ipv4.Iface, [4]byte, bool) {
	mtu, ok := f.routes[dst]
	if !ok {
		return nil, [4]byte{}, false
	}
	return &ipv4.Iface{MTU: mtu}, [4]byte{}, true
}

var addrA = [4]byte{10, 0, 0, 1}
var addrB = [4]byte{10, 0, 0, 2}

func TestSetupMissCreatesEntry(t *testing.T) {
	c := NewCache(4, 0)
	router := fakeRouter{routes: map[[4]byte]uint16{addrA: 1500}}
	var ref MtuRef
	if err := c.Setup(&ref, addrA, router); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got := ref.GetPmtu(); got != 1500 {
		t.Fatalf("GetPmtu = %d, want 1500", got)
	}
	_, state, refcount, ok := c.Lookup(addrA)
	if !ok || state != StateReferenced || refcount != 1 {
		t.Fatalf("Lookup = state=%v refcount=%d ok=%v", state, refcount, ok)
	}
}

func TestSetupHitIncrementsRefcount(t *testing.T) {
	c := NewCache(4, 0)
	router := fakeRouter{routes: map[[4]byte]uint16{addrA: 1500}}
	var ref1, ref2 MtuRef
	if err := c.Setup(&ref1, addrA, router); err != nil {
		t.Fatal(err)
	}
	if err := c.Setup(&ref2, addrA, router); err != nil {
		t.Fatal(err)
	}
	_, _, refcount, _ := c.Lookup(addrA)
	if refcount != 2 {
		t.Fatalf("refcount = %d, want 2", refcount)
	}
}

func TestRefCountSaturated(t *testing.T) {
	c := NewCache(2, 0)
	router := fakeRouter{routes: map[[4]byte]uint16{addrA: 1500}}
	var refs [MaxRefCount]MtuRef
	for i := range refs {
		if err := c.Setup(&refs[i], addrA, router); err != nil {
			t.Fatalf("ref %d: %v", i, err)
		}
	}
	var extra MtuRef
	if err := c.Setup(&extra, addrA, router); err != ErrRefCountSaturated {
		t.Fatalf("err = %v, want ErrRefCountSaturated", err)
	}
}

func TestResetDemotesToUnusedThenReused(t *testing.T) {
	c := NewCache(1, 0)
	router := fakeRouter{routes: map[[4]byte]uint16{addrA: 1500, addrB: 1400}}
	var ref MtuRef
	if err := c.Setup(&ref, addrA, router); err != nil {
		t.Fatal(err)
	}
	ref.Reset()
	_, state, _, ok := c.Lookup(addrA)
	if !ok || state != StateUnused {
		t.Fatalf("after Reset: state=%v ok=%v, want Unused", state, ok)
	}

	// Pool has only 1 slot; a different destination must evict the Unused entry.
	var ref2 MtuRef
	if err := c.Setup(&ref2, addrB, router); err != nil {
		t.Fatalf("Setup(B): %v", err)
	}
	if _, _, _, ok := c.Lookup(addrA); ok {
		t.Fatalf("addrA should have been evicted from index")
	}
	if got := ref2.GetPmtu(); got != 1400 {
		t.Fatalf("GetPmtu(B) = %d, want 1400", got)
	}
}

func TestSetupHitOnUnusedResurrects(t *testing.T) {
	c := NewCache(2, 0)
	router := fakeRouter{routes: map[[4]byte]uint16{addrA: 1500}}
	var ref MtuRef
	if err := c.Setup(&ref, addrA, router); err != nil {
		t.Fatal(err)
	}
	ref.Reset()

	var ref2 MtuRef
	if err := c.Setup(&ref2, addrA, router); err != nil {
		t.Fatalf("Setup on Unused hit: %v", err)
	}
	_, state, refcount, ok := c.Lookup(addrA)
	if !ok || state != StateReferenced || refcount != 1 {
		t.Fatalf("state=%v refcount=%d ok=%v", state, refcount, ok)
	}
}

func TestPoolExhausted(t *testing.T) {
	c := NewCache(1, 0)
	router := fakeRouter{routes: map[[4]byte]uint16{addrA: 1500, addrB: 1400}}
	var ref MtuRef
	if err := c.Setup(&ref, addrA, router); err != nil {
		t.Fatal(err)
	}
	var ref2 MtuRef
	if err := c.Setup(&ref2, addrB, router); err != ErrPoolExhausted {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
}

func TestHandleIcmpPacketTooBig(t *testing.T) {
	c := NewCache(1, 576)
	router := fakeRouter{routes: map[[4]byte]uint16{addrA: 1500}}
	var ref MtuRef
	if err := c.Setup(&ref, addrA, router); err != nil {
		t.Fatal(err)
	}
	if dropped := ref.HandleIcmpPacketTooBig(2000); dropped {
		t.Fatalf("a larger next-hop MTU must not be reported as a drop")
	}
	if got := ref.GetPmtu(); got != 1500 {
		t.Fatalf("MTU changed on no-op report: %d", got)
	}
	if dropped := ref.HandleIcmpPacketTooBig(1400); !dropped {
		t.Fatalf("expected drop reported")
	}
	if got := ref.GetPmtu(); got != 1400 {
		t.Fatalf("MTU = %d, want 1400", got)
	}
	if dropped := ref.HandleIcmpPacketTooBig(0); !dropped {
		t.Fatalf("expected drop reported for 0")
	}
	if got := ref.GetPmtu(); got != 576 {
		t.Fatalf("MTU = %d, want MinMTU floor 576", got)
	}
}

func TestTickReferencedResetsToOne(t *testing.T) {
	c := NewCache(1, 0)
	c.SetAgingTimeout(3)
	router := fakeRouter{routes: map[[4]byte]uint16{addrA: 1500}}
	var ref MtuRef
	if err := c.Setup(&ref, addrA, router); err != nil {
		t.Fatal(err)
	}
	ref.HandleIcmpPacketTooBig(1400)

	c.Tick(router) // minutesOld=1
	c.Tick(router) // minutesOld=2
	c.Tick(router) // minutesOld=3 == timeout -> re-route, reset mtu, minutesOld=1
	if got := ref.GetPmtu(); got != 1500 {
		t.Fatalf("MTU after re-route timeout = %d, want iface MTU 1500", got)
	}

	c.Tick(router) // minutesOld=2, below timeout still
	c.Tick(router) // minutesOld=3 -> timeout fires exactly one period later
	_, state, _, ok := c.Lookup(addrA)
	if !ok || state != StateReferenced {
		t.Fatalf("state=%v ok=%v", state, ok)
	}
}

func TestTickUnusedGoesInvalidAndIsReusableImmediately(t *testing.T) {
	c := NewCache(1, 0)
	c.SetAgingTimeout(2)
	router := fakeRouter{routes: map[[4]byte]uint16{addrA: 1500, addrB: 1400}}
	var ref MtuRef
	if err := c.Setup(&ref, addrA, router); err != nil {
		t.Fatal(err)
	}
	ref.Reset()

	c.Tick(router)
	c.Tick(router)
	if _, _, _, ok := c.Lookup(addrA); ok {
		t.Fatalf("addrA should be Invalid/removed from index")
	}

	var ref2 MtuRef
	if err := c.Setup(&ref2, addrB, router); err != nil {
		t.Fatalf("Setup(B) after timeout: %v", err)
	}
}

func TestCacheLevelPacketTooBig(t *testing.T) {
	c := NewCache(2, 0)
	router := fakeRouter{routes: map[[4]byte]uint16{addrA: 1500}}
	var ref MtuRef
	if err := c.Setup(&ref, addrA, router); err != nil {
		t.Fatal(err)
	}
	if c.HandleIcmpPacketTooBig(addrB, 1400) {
		t.Error("unknown destination must not report a drop")
	}
	if !c.HandleIcmpPacketTooBig(addrA, 1400) {
		t.Error("expected drop to 1400")
	}
	if got := ref.GetPmtu(); got != 1400 {
		t.Fatalf("GetPmtu = %d, want 1400", got)
	}
	if c.HandleIcmpPacketTooBig(addrA, 1450) {
		t.Error("raise attempt must be ignored")
	}
	if !c.HandleIcmpPacketTooBig(addrA, 0) {
		t.Error("expected clamp to floor")
	}
	if got := ref.GetPmtu(); got != DefaultMinMTU {
		t.Fatalf("GetPmtu = %d, want floor %d", got, DefaultMinMTU)
	}
}
