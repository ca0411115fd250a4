// Package buf implements the discontiguous byte-range reference used
// throughout aipstack-go: a BufRef points into a singly linked chain of
// physical buffers (BufNode) without ever taking ownership of them. It is
// the zero-copy backbone that lets header reveal/hide, TX header splicing
// and checksum computation operate without ever copying payload bytes.
package buf

import "errors"

var (
	errNoHeaderSpace = errors.New("buf: not enough header room")
	errShortChain    = errors.New("buf: chain shorter than requested length")
	errSubTooLarge   = errors.New("buf: sub length exceeds total length")
)

// Node is an immutable (while referenced) link in a singly linked chain of
// physical buffers. Callers never own a Node through a BufRef: BufRef
// operations either copy bytes or produce a new BufRef describing a
// different slice of the same nodes.
type Node struct {
	Ptr  []byte
	Next *Node
}

// Len returns the capacity of the node's backing slice.
func (n *Node) Len() int { return len(n.Ptr) }

// Ref is a reference to a possibly discontiguous range of bytes starting at
// First, Offset bytes into it, spanning TotalLen bytes across First and
// however many of its successors are needed.
//
// A Ref is valid iff Offset <= First.Len() and the chain starting at First,
// byte Offset, contains at least TotalLen bytes.
type Ref struct {
	First    *Node
	Offset   int
	TotalLen int
}

// TotalLength returns r.TotalLen. Valid on a zero-value Ref.
func (r Ref) TotalLength() int { return r.TotalLen }

// chunkLen returns the number of bytes available in the first physical
// chunk of the reference, i.e. min(TotalLen, First.Len()-Offset).
func (r Ref) chunkLen() int {
	rem := r.First.Len() - r.Offset
	if r.TotalLen < rem {
		return r.TotalLen
	}
	return rem
}

// ChunkPtr returns the slice backing the first chunk of the reference.
func (r Ref) ChunkPtr() []byte {
	return r.First.Ptr[r.Offset : r.Offset+r.chunkLen()]
}

// HasHeader reports whether there are at least amount bytes available in
// the first chunk of the reference, i.e. whether a hideHeader(amount) or a
// direct header write of that size would stay within the first node.
func (r Ref) HasHeader(amount int) bool {
	return r.chunkLen() >= amount
}

// RevealHeader is the inverse of HideHeader: it extends the reference
// backward within the first node by amount bytes, succeeding only when
// amount <= Offset (there is enough unrevealed room before the current
// start of the reference in the same physical buffer).
func (r Ref) RevealHeader(amount int) (Ref, error) {
	if amount > r.Offset {
		return Ref{}, errNoHeaderSpace
	}
	return Ref{First: r.First, Offset: r.Offset - amount, TotalLen: r.TotalLen + amount}, nil
}

// HideHeader returns a reference with the first amount bytes excluded. It is
// the exact inverse of RevealHeader: RevealHeader(k) then HideHeader(k) on
// the result yields the original Ref for any k <= Offset.
func (r Ref) HideHeader(amount int) Ref {
	return Ref{First: r.First, Offset: r.Offset + amount, TotalLen: r.TotalLen - amount}
}

// ToNode returns a Node describing the reference's first buffer with the
// offset applied (Ptr starts at Offset, Next unchanged). It does not modify
// the physical node.
func (r Ref) ToNode() Node {
	return Node{Ptr: r.First.Ptr[r.Offset:], Next: r.First.Next}
}

// SubTo returns a reference to the first newTotalLen bytes of r. newTotalLen
// must not exceed r.TotalLen.
func (r Ref) SubTo(newTotalLen int) (Ref, error) {
	if newTotalLen > r.TotalLen {
		return Ref{}, errSubTooLarge
	}
	return Ref{First: r.First, Offset: r.Offset, TotalLen: newTotalLen}, nil
}

// SubFrom returns the reference skipping the first `from` bytes. Equivalent
// to calling SkipBytes(from) on a copy.
func (r Ref) SubFrom(from int) (Ref, error) {
	cp := r
	err := cp.SkipBytes(from)
	return cp, err
}

// SubFromTo returns the sub-reference spanning [from, to). Equivalent to
// SubFrom(from) then SubTo(to-from).
func (r Ref) SubFromTo(from, to int) (Ref, error) {
	if to < from {
		return Ref{}, errSubTooLarge
	}
	sub, err := r.SubFrom(from)
	if err != nil {
		return Ref{}, err
	}
	return sub.SubTo(to - from)
}

// SubHeaderToContinuedBy writes a synthetic node into out describing
// First.Ptr[:Offset+headerLen] continued by cont, and returns a Ref over
// that synthetic node. Used on TX to prepend a freshly computed header
// (e.g. IP/TCP header built on the stack) to a user-owned payload chain
// without copying the payload. out must outlive the returned Ref's usage.
func (r Ref) SubHeaderToContinuedBy(headerLen int, cont *Node, totalLen int, out *Node) (Ref, error) {
	if headerLen > r.First.Len()-r.Offset {
		return Ref{}, errShortChain
	}
	if totalLen < headerLen {
		return Ref{}, errSubTooLarge
	}
	*out = Node{Ptr: r.First.Ptr[:r.Offset+headerLen], Next: cont}
	return Ref{First: out, Offset: r.Offset, TotalLen: totalLen}, nil
}

// nextChunk drops the current chunk from r and moves it onto the next node
// in the chain with offset 0. Reports whether any data remains (TotalLen > 0).
func (r *Ref) nextChunk() bool {
	r.TotalLen -= r.chunkLen()
	r.First = r.First.Next
	r.Offset = 0
	return r.TotalLen > 0
}

// processBytes consumes amount bytes from the front of r, invoking fn on
// each contiguous chunk consumed (never on a zero-length chunk). It
// implements the eager-advance rule: once all requested bytes have been
// consumed, if offset has reached the end of the current node and a next
// node exists, the reference is advanced onto it with offset 0 — this keeps
// ring-buffer nodes' offsets from ever reaching their length.
func (r *Ref) processBytes(amount int, fn func(chunk []byte)) error {
	if amount > r.TotalLen {
		return errShortChain
	}
	for {
		remInBuf := r.First.Len() - r.Offset
		if remInBuf > 0 {
			if amount == 0 {
				return nil
			}
			take := remInBuf
			if amount < take {
				take = amount
			}
			fn(r.ChunkPtr()[:take])
			r.TotalLen -= take
			if take < remInBuf || r.First.Next == nil {
				r.Offset += take
				return nil
			}
			amount -= take
		} else if r.First.Next == nil {
			return nil
		}
		r.First = r.First.Next
		r.Offset = 0
	}
}

// SkipBytes consumes amount bytes from the front of r without copying them
// anywhere.
func (r *Ref) SkipBytes(amount int) error {
	return r.processBytes(amount, func([]byte) {})
}

// TakeBytes consumes amount bytes from the front of r, copying them into
// dst, which must have length >= amount.
func (r *Ref) TakeBytes(amount int, dst []byte) error {
	n := 0
	return r.processBytes(amount, func(chunk []byte) {
		n += copy(dst[n:], chunk)
	})
}

// TakeByte consumes and returns a single byte from the front of r.
func (r *Ref) TakeByte() (byte, error) {
	var b byte
	err := r.processBytes(1, func(chunk []byte) { b = chunk[0] })
	return b, err
}

// GiveBytes consumes amount bytes from the front of r while copying src into
// the consumed region (a write-through op; the only BufRef operation that
// mutates physical buffers).
func (r *Ref) GiveBytes(amount int, src []byte) error {
	n := 0
	return r.processBytes(amount, func(chunk []byte) {
		n += copy(chunk, src[n:])
	})
}

// GiveBuf consumes src.TotalLength() bytes from the front of r while copying
// src's bytes into the consumed region.
func (r *Ref) GiveBuf(src Ref) error {
	return r.processBytes(src.TotalLen, func(chunk []byte) {
		src.TakeBytes(len(chunk), chunk)
	})
}
