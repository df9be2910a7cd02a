// Package buf provides the scatter/gather byte views used on every packet
// path of the stack. A Node describes one borrowed memory region; a Ref is a
// view over a chain of nodes. Nothing in this package allocates or owns
// memory: all storage belongs to the caller and must outlive the view.
package buf

// Node is one link of a buffer chain. The memory behind Buf is owned by the
// caller; Next may point back at the node itself to form a ring.
type Node struct {
	Buf  []byte
	Next *Node
}

// Ref is a view over a chain of nodes: it starts Off bytes into Node's
// buffer and spans Len bytes across the chain.
//
// Invariants: Off <= len(Node.Buf), and at least Len bytes are reachable by
// traversing Next. Consuming operations advance to the next node eagerly
// whenever the offset reaches the end of the current node and a next node
// exists, which keeps the offset strictly below the node size for ring
// buffers.
type Ref struct {
	Node *Node
	Off  int
	Len  int
}

// RefFromBytes wraps a single slice in a view using the given node as
// storage for the link.
func RefFromBytes(node *Node, b []byte) Ref {
	*node = Node{Buf: b}
	return Ref{Node: node, Len: len(b)}
}

// ProcessBytes consumes n bytes from the front of the view, invoking visit
// for each contiguous chunk. visit is never called with an empty chunk and
// may be nil. The view is advanced past the consumed bytes.
func (r *Ref) ProcessBytes(n int, visit func(chunk []byte)) {
	if n > r.Len {
		panic("buf: ProcessBytes beyond view length")
	}
	r.Len -= n
	for {
		// Eager advancement: never leave the view parked at the end of a
		// node that has a successor.
		if r.Off == len(r.Node.Buf) && r.Node.Next != nil {
			r.Node = r.Node.Next
			r.Off = 0
			continue
		}
		if n == 0 {
			return
		}
		avail := len(r.Node.Buf) - r.Off
		if avail == 0 {
			panic("buf: view shorter than advertised")
		}
		take := min(n, avail)
		if visit != nil {
			visit(r.Node.Buf[r.Off : r.Off+take])
		}
		r.Off += take
		n -= take
	}
}

// ProcessBytesInterruptible consumes up to maxN bytes. For each contiguous
// chunk, visit returns how many bytes of it were consumed and whether to
// stop. Returns the total number of bytes consumed; the view is advanced
// past exactly that many bytes.
func (r *Ref) ProcessBytesInterruptible(maxN int, visit func(chunk []byte) (consumed int, stop bool)) int {
	if maxN > r.Len {
		maxN = r.Len
	}
	total := 0
	for {
		avail := len(r.Node.Buf) - r.Off
		if avail == 0 && r.Node.Next != nil {
			r.Node = r.Node.Next
			r.Off = 0
			continue
		}
		if maxN == 0 {
			break
		}
		take := min(maxN, avail)
		if take == 0 {
			break
		}
		consumed, stop := visit(r.Node.Buf[r.Off : r.Off+take])
		if consumed < 0 || consumed > take {
			panic("buf: visitor consumed out of range")
		}
		if consumed == 0 && !stop {
			panic("buf: visitor made no progress")
		}
		r.Off += consumed
		r.Len -= consumed
		maxN -= consumed
		total += consumed
		if stop {
			break
		}
	}
	// Leave the view eagerly advanced even when we stopped on a boundary.
	for len(r.Node.Buf) == r.Off && r.Node.Next != nil {
		r.Node = r.Node.Next
		r.Off = 0
	}
	return total
}

// SkipBytes consumes n bytes without looking at them.
func (r *Ref) SkipBytes(n int) {
	r.ProcessBytes(n, nil)
}

// TakeBytes consumes n bytes, copying them to dst. dst must hold n bytes.
func (r *Ref) TakeBytes(n int, dst []byte) {
	pos := 0
	r.ProcessBytes(n, func(chunk []byte) {
		pos += copy(dst[pos:], chunk)
	})
}

// GiveBytes consumes len(src) bytes while overwriting them with src.
func (r *Ref) GiveBytes(src []byte) {
	pos := 0
	r.ProcessBytes(len(src), func(chunk []byte) {
		pos += copy(chunk, src[pos:])
	})
}

// GiveBuf consumes src.Len bytes while overwriting them with the contents of
// src. The two views must not overlap.
func (r *Ref) GiveBuf(src Ref) {
	r.ProcessBytes(src.Len, func(chunk []byte) {
		src.TakeBytes(len(chunk), chunk)
	})
}

// HeadByte returns the byte at the front of the view without consuming it.
func (r Ref) HeadByte() byte {
	if r.Len == 0 {
		panic("buf: HeadByte on empty view")
	}
	for r.Off == len(r.Node.Buf) {
		r.Node = r.Node.Next
		r.Off = 0
	}
	return r.Node.Buf[r.Off]
}

// FindByte consumes bytes until b is found or maxN bytes have been examined.
// Returns the number of bytes consumed including b, and whether b was found.
func (r *Ref) FindByte(b byte, maxN int) (int, bool) {
	found := false
	n := r.ProcessBytesInterruptible(maxN, func(chunk []byte) (int, bool) {
		for i, c := range chunk {
			if c == b {
				found = true
				return i + 1, true
			}
		}
		return len(chunk), false
	})
	return n, found
}

// StartsWith reports whether the view begins with prefix, consuming the
// matched bytes on success. On mismatch the view is left advanced past the
// bytes that matched before the first differing byte.
func (r *Ref) StartsWith(prefix []byte) bool {
	if len(prefix) > r.Len {
		return false
	}
	pos := 0
	mismatch := false
	r.ProcessBytesInterruptible(len(prefix), func(chunk []byte) (int, bool) {
		for i, c := range chunk {
			if c != prefix[pos] {
				mismatch = true
				return i, true
			}
			pos++
		}
		return len(chunk), false
	})
	return !mismatch && pos == len(prefix)
}

// SubTo returns a view of the first n bytes.
func (r Ref) SubTo(n int) Ref {
	if n > r.Len {
		panic("buf: SubTo beyond view length")
	}
	return Ref{Node: r.Node, Off: r.Off, Len: n}
}

// SubFromTo returns a view of n bytes starting off bytes into this view.
func (r Ref) SubFromTo(off, n int) Ref {
	sub := r
	sub.SkipBytes(off)
	return sub.SubTo(n)
}

// SubFrom returns a view of everything after the first off bytes.
func (r Ref) SubFrom(off int) Ref {
	sub := r
	sub.SkipBytes(off)
	return sub
}

// HideHeader returns a view with the first n bytes hidden. Unlike SkipBytes
// it operates on a copy, leaving the receiver untouched.
func (r Ref) HideHeader(n int) Ref {
	sub := r
	sub.SkipBytes(n)
	return sub
}

// RevealHeader returns a view extended backward by n bytes within the first
// node. The caller must have reserved that space: Off >= n.
func (r Ref) RevealHeader(n int) Ref {
	if n > r.Off {
		panic("buf: RevealHeader without reserved header space")
	}
	return Ref{Node: r.Node, Off: r.Off - n, Len: r.Len + n}
}

// HasHeader reports whether n bytes of header space precede the view in its
// first node.
func (r Ref) HasHeader(n int) bool {
	return r.Off >= n
}

// SubHeaderToContinuedBy splices headerLen bytes from the front of this view
// with the continuation chain cont, producing a view of totLen bytes. The
// caller provides scratch as storage for the splice node; the returned view
// is valid only while scratch is.
//
// The header bytes must lie within the first node.
func (r Ref) SubHeaderToContinuedBy(headerLen int, cont *Node, totLen int, scratch *Node) Ref {
	if r.Off+headerLen > len(r.Node.Buf) {
		panic("buf: header not contained in first node")
	}
	if totLen < headerLen {
		panic("buf: total length shorter than header")
	}
	*scratch = Node{Buf: r.Node.Buf[:r.Off+headerLen], Next: cont}
	return Ref{Node: scratch, Off: r.Off, Len: totLen}
}

// ToNode materializes the view's start position as a node, using scratch
// for storage: the node covers the rest of the first buffer and continues
// with the original chain. Used to splice a freshly written header in front
// of a partially consumed payload.
func (r Ref) ToNode(scratch *Node) *Node {
	*scratch = Node{Buf: r.Node.Buf[r.Off:], Next: r.Node.Next}
	return scratch
}

// ToBytes copies the whole view into a freshly allocated slice. Intended for
// tests and slow paths only.
func (r Ref) ToBytes() []byte {
	out := make([]byte, r.Len)
	tmp := r
	tmp.TakeBytes(r.Len, out)
	return out
}
