package tcp

// Value is a point in the TCP sequence number space (RFC 9293 §3.4): a
// 32-bit counter that wraps. There is no absolute ordering between two
// Values — only relative ordering anchored at a reference point, which is
// why every comparison here is expressed through Sizeof/LessThan/InWindow
// rather than Go's built-in operators.
type Value uint32

// Size is a count of octets (or, equivalently, a distance between two
// Values in the sequence number space). Subtracting two Values yields a
// Size via Sizeof; advancing a Value by a Size is done with Add.
type Size uint32

// Add returns v advanced by sz positions, wrapping mod 2^32.
func Add(v Value, sz Size) Value { return v + Value(sz) }

// Sizeof returns the forward distance from a to b, i.e. the Size n such
// that Add(a, n) == b. It is always in [0, 2^32), never negative: going
// "backward" wraps all the way around.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan reports whether v occurs strictly before u when both are
// interpreted relative to the implicit split point opposite v — i.e.
// whether the forward distance from v to u is nonzero and less than half
// the sequence space. This is the standard RFC 1982-style serial number
// comparison TCP sequence arithmetic relies on everywhere in this package.
func (v Value) LessThan(u Value) bool {
	return int32(u-v) > 0
}

// LessThanEq reports whether v == u or v.LessThan(u).
func (v Value) LessThanEq(u Value) bool {
	return v == u || v.LessThan(u)
}

// InWindow reports whether v lies in the half-open window
// [start, start+sz) of the sequence space, mod 2^32. A zero-size window
// never contains anything.
func (v Value) InWindow(start Value, sz Size) bool {
	return Sizeof(start, v) < sz
}

// UpdateForward advances v by sz positions in place, wrapping mod 2^32.
func (v *Value) UpdateForward(sz Size) { *v = Add(*v, sz) }
