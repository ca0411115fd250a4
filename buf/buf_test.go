package buf

import (
	"bytes"
	"testing"
)

func chain(chunks ...[]byte) *Node {
	var first, prev *Node
	for _, c := range chunks {
		n := &Node{Ptr: c}
		if first == nil {
			first = n
		} else {
			prev.Next = n
		}
		prev = n
	}
	return first
}

func TestRevealHideRoundTrip(t *testing.T) {
	backing := make([]byte, 32)
	n := &Node{Ptr: backing}
	r := Ref{First: n, Offset: 14, TotalLen: 10}

	revealed, err := r.RevealHeader(14)
	if err != nil {
		t.Fatalf("RevealHeader: %v", err)
	}
	if revealed.Offset != 0 || revealed.TotalLen != 24 {
		t.Fatalf("unexpected revealed ref: %+v", revealed)
	}
	hidden := revealed.HideHeader(14)
	if hidden != r {
		t.Fatalf("round trip mismatch: got %+v want %+v", hidden, r)
	}
}

func TestRevealHeaderInsufficientRoom(t *testing.T) {
	n := &Node{Ptr: make([]byte, 10)}
	r := Ref{First: n, Offset: 4, TotalLen: 6}
	if _, err := r.RevealHeader(5); err == nil {
		t.Fatal("expected error revealing more than available offset")
	}
}

func TestSubToSubFromTo(t *testing.T) {
	n := chain([]byte("hello "), []byte("world!"))
	r := Ref{First: n, Offset: 0, TotalLen: 12}

	sub, err := r.SubTo(5)
	if err != nil || sub.TotalLength() != 5 {
		t.Fatalf("SubTo: %v %+v", err, sub)
	}

	got, err := r.SubFromTo(3, 9)
	if err != nil {
		t.Fatalf("SubFromTo: %v", err)
	}
	skip, _ := r.SubFrom(3)
	want, err := skip.SubTo(9 - 3)
	if err != nil {
		t.Fatalf("want: %v", err)
	}
	if got != want {
		t.Fatalf("SubFromTo != SubFrom().SubTo(): %+v vs %+v", got, want)
	}
}

func TestTakeBytesEagerAdvance(t *testing.T) {
	n := chain([]byte("AB"), []byte("CD"), []byte("EF"))
	r := Ref{First: n, Offset: 0, TotalLen: 6}
	dst := make([]byte, 4)
	if err := r.TakeBytes(4, dst); err != nil {
		t.Fatalf("TakeBytes: %v", err)
	}
	if string(dst) != "ABCD" {
		t.Fatalf("got %q", dst)
	}
	// After consuming exactly to a node boundary, the eager-advance rule
	// requires the ref to have moved onto the next node with offset 0.
	if r.First != n.Next.Next || r.Offset != 0 {
		t.Fatalf("expected eager advance onto third node, got node=%p offset=%d", r.First, r.Offset)
	}
	if r.TotalLen != 2 {
		t.Fatalf("expected 2 bytes remaining, got %d", r.TotalLen)
	}
}

func TestGiveBytesWriteThrough(t *testing.T) {
	backing := make([]byte, 8)
	n := &Node{Ptr: backing}
	r := Ref{First: n, Offset: 0, TotalLen: 8}
	if err := r.GiveBytes(5, []byte("HELLO")); err != nil {
		t.Fatalf("GiveBytes: %v", err)
	}
	if !bytes.Equal(backing[:5], []byte("HELLO")) {
		t.Fatalf("write-through failed: %q", backing[:5])
	}
}

func TestSubHeaderToContinuedBy(t *testing.T) {
	headerBuf := make([]byte, 20)
	payload := &Node{Ptr: []byte("payload-data")}
	hdrNode := &Node{Ptr: headerBuf}
	r := Ref{First: hdrNode, Offset: 0, TotalLen: 20}

	var out Node
	spliced, err := r.SubHeaderToContinuedBy(14, payload, 14+len(payload.Ptr), &out)
	if err != nil {
		t.Fatalf("SubHeaderToContinuedBy: %v", err)
	}
	if spliced.TotalLength() != 14+len(payload.Ptr) {
		t.Fatalf("unexpected total length: %d", spliced.TotalLength())
	}
	full := make([]byte, spliced.TotalLength())
	if err := spliced.TakeBytes(len(full), full); err != nil {
		t.Fatalf("TakeBytes: %v", err)
	}
	if !bytes.Equal(full[14:], []byte("payload-data")) {
		t.Fatalf("payload not reachable through spliced node: %q", full[14:])
	}
}

func TestChecksumEquivalentRechunking(t *testing.T) {
	data := []byte("The quick brown fox jumps over the lazy dog!!")

	var whole Checksum
	whole.Write(data)
	want := whole.Sum16()

	for _, split := range []int{1, 2, 3, 7, 15} {
		var c Checksum
		for i := 0; i < len(data); i += split {
			end := i + split
			if end > len(data) {
				end = len(data)
			}
			c.Write(data[i:end])
		}
		if got := c.Sum16(); got != want {
			t.Fatalf("split=%d: checksum mismatch got=%x want=%x", split, got, want)
		}
	}
}

func TestSumOverChain(t *testing.T) {
	n := chain([]byte("AB"), []byte("C"), []byte("DEF"))
	r := Ref{First: n, Offset: 0, TotalLen: 6}
	contig := []byte("ABCDEF")
	var c Checksum
	c.Write(contig)
	if got, want := Sum(r), c.Sum16(); got != want {
		t.Fatalf("chained sum %x != contiguous sum %x", got, want)
	}
}
