package ipreasm

import (
	"bytes"
	"testing"

	"github.com/aipstack-go/aipstack/clock"
)

var testKey = Key{Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{10, 0, 0, 1}, Proto: 6, ID: 42}

func TestReassembleInOrder(t *testing.T) {
	c := NewCache(4, 2048)
	first := bytes.Repeat([]byte{0xAA}, 8)
	second := bytes.Repeat([]byte{0xBB}, 4)

	res, err := c.Process(0, testKey, 0, true, first)
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete {
		t.Fatalf("should not be complete after first fragment")
	}

	res, err = c.Process(0, testKey, 1, false, second) // offset=1*8=8
	if err != nil {
		t.Fatal(err)
	}
	if !res.Complete {
		t.Fatalf("expected completion after final fragment")
	}
	want := append(append([]byte{}, first...), second...)
	if !bytes.Equal(res.Datagram, want) {
		t.Fatalf("datagram = %x, want %x", res.Datagram, want)
	}
}

func TestReassembleOutOfOrderWithGap(t *testing.T) {
	c := NewCache(4, 2048)
	f0 := bytes.Repeat([]byte{1}, 8) // bytes [0,8)
	f2 := bytes.Repeat([]byte{3}, 8) // bytes [16,24), final
	f1 := bytes.Repeat([]byte{2}, 8) // bytes [8,16)

	if res, _ := c.Process(0, testKey, 0, true, f0); res.Complete {
		t.Fatal("premature completion")
	}
	if res, _ := c.Process(0, testKey, 2, false, f2); res.Complete {
		t.Fatal("premature completion with middle gap")
	}
	res, err := c.Process(0, testKey, 1, true, f1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Complete {
		t.Fatal("expected completion once gap filled")
	}
	want := append(append(append([]byte{}, f0...), f1...), f2...)
	if !bytes.Equal(res.Datagram, want) {
		t.Fatalf("datagram mismatch")
	}
}

func TestDuplicateFragmentIdempotent(t *testing.T) {
	c := NewCache(4, 2048)
	f0 := bytes.Repeat([]byte{1}, 8)
	c.Process(0, testKey, 0, true, f0)
	res, err := c.Process(0, testKey, 0, true, f0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Complete {
		t.Fatal("single duplicate fragment should not complete a 2-fragment datagram")
	}
	if c.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1 (duplicate should not allocate a new context)", c.InUse())
	}
}

func TestPoolFullEvictsOldest(t *testing.T) {
	c := NewCache(1, 2048)
	keyA := testKey
	keyB := testKey
	keyB.ID = 99

	c.Process(0, keyA, 0, true, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if c.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1", c.InUse())
	}
	res, err := c.Process(10, keyB, 0, true, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Evicted {
		t.Fatal("expected eviction of keyA's context")
	}
	if c.InUse() != 1 {
		t.Fatalf("InUse = %d, want 1 after eviction+reuse", c.InUse())
	}
}

func TestTickAgesOutIncompleteReassembly(t *testing.T) {
	c := NewCache(4, 2048)
	c.SetTimeout(clock.Ticks(5))
	c.Process(0, testKey, 0, true, bytes.Repeat([]byte{1}, 8))
	c.Process(clock.Ticks(1), testKey, 2, false, bytes.Repeat([]byte{2}, 8))

	expired := c.Tick(clock.Ticks(3), nil)
	if len(expired) != 0 {
		t.Fatalf("should not have expired yet")
	}
	expired = c.Tick(clock.Ticks(5), nil)
	if len(expired) != 1 {
		t.Fatalf("expected one expired context, got %d", len(expired))
	}
	if !expired[0].NotifyICMP {
		t.Fatalf("a fragment beyond offset 0 arrived; ICMP time-exceeded should be warranted")
	}
	if c.InUse() != 0 {
		t.Fatalf("context should have been freed")
	}
}

func TestTickNoICMPForLoneFirstFragment(t *testing.T) {
	c := NewCache(4, 2048)
	c.SetTimeout(clock.Ticks(5))
	c.Process(0, testKey, 0, true, bytes.Repeat([]byte{1}, 8))

	expired := c.Tick(clock.Ticks(5), nil)
	if len(expired) != 1 || expired[0].NotifyICMP {
		t.Fatalf("lone first fragment should not warrant ICMP time-exceeded: %+v", expired)
	}
}
