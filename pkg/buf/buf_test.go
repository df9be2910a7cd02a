package buf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// chainOf builds a chain over the given slices and returns a view of the
// whole contents.
func chainOf(parts ...[]byte) Ref {
	total := 0
	nodes := make([]Node, len(parts))
	for n := range parts {
		nodes[n].Buf = parts[n]
		if n > 0 {
			nodes[n-1].Next = &nodes[n]
		}
		total += len(parts[n])
	}
	return Ref{Node: &nodes[0], Len: total}
}

func TestBuf_Ref_ProcessBytesVisitsEveryByteInOrder(t *testing.T) {
	t.Parallel()

	r := chainOf([]byte("abc"), []byte(""), []byte("defg"), []byte("h"))
	var got []byte
	r.ProcessBytes(8, func(chunk []byte) {
		require.NotEmpty(t, chunk)
		got = append(got, chunk...)
	})
	require.Equal(t, "abcdefgh", string(got))
	require.Equal(t, 0, r.Len)
}

func TestBuf_Ref_EagerAdvancementKeepsOffsetBelowNodeSize(t *testing.T) {
	t.Parallel()

	// A ring: one node chained to itself.
	storage := make([]byte, 8)
	var ring Ring
	ring.Init(storage)

	r := ring.RefAt(6, 5) // wraps past the end
	r.GiveBytes([]byte("vwxyz"))
	require.Equal(t, "vw", string(storage[6:8]))
	require.Equal(t, "xyz", string(storage[0:3]))
	// After crossing the end of the node, the view continues from the
	// start of the next traversal, so its offset stays below the ring size.
	require.Less(t, r.Off, len(storage))
}

func TestBuf_Ref_CatenationIdentity(t *testing.T) {
	t.Parallel()

	content := []byte("0123456789abcdefghij")
	for n := 0; n <= len(content); n++ {
		r := chainOf(content[:7], content[7:13], content[13:])
		head := r.SubTo(n)
		tail := r.SubFromTo(n, r.Len-n)
		require.Equal(t, content[:n], head.ToBytes(), "n=%d", n)
		require.Equal(t, content[n:], tail.ToBytes(), "n=%d", n)
	}
}

func TestBuf_Ref_TakeGiveRoundTrip(t *testing.T) {
	t.Parallel()

	r := chainOf(make([]byte, 3), make([]byte, 5))
	w := r
	w.GiveBytes([]byte("hello..."))
	out := make([]byte, 8)
	r.TakeBytes(8, out)
	require.Equal(t, "hello...", string(out))
}

func TestBuf_Ref_FindByte(t *testing.T) {
	t.Parallel()

	r := chainOf([]byte("ab"), []byte("c\nxy"))
	n, found := r.FindByte('\n', r.Len)
	require.True(t, found)
	require.Equal(t, 4, n)
	require.Equal(t, "xy", string(r.ToBytes()))

	r2 := chainOf([]byte("abc"))
	n, found = r2.FindByte('\n', r2.Len)
	require.False(t, found)
	require.Equal(t, 3, n)
}

func TestBuf_Ref_StartsWith(t *testing.T) {
	t.Parallel()

	r := chainOf([]byte("GE"), []byte("T /"))
	require.True(t, r.StartsWith([]byte("GET ")))

	r2 := chainOf([]byte("POST"))
	require.False(t, r2.StartsWith([]byte("PUT")))
	require.False(t, r2.StartsWith([]byte("POSTPOST")))
}

func TestBuf_Ref_RevealHideHeader(t *testing.T) {
	t.Parallel()

	storage := make([]byte, 30)
	copy(storage[10:], "payload")
	node := Node{Buf: storage}
	payload := Ref{Node: &node, Off: 10, Len: 7}

	require.True(t, payload.HasHeader(10))
	require.False(t, payload.HasHeader(11))

	pkt := payload.RevealHeader(4)
	require.Equal(t, 6, pkt.Off)
	require.Equal(t, 11, pkt.Len)
	back := pkt.HideHeader(4)
	require.Equal(t, "payload", string(back.ToBytes()))
}

func TestBuf_Ref_SubHeaderToContinuedBy(t *testing.T) {
	t.Parallel()

	hdrStorage := []byte("HHHHtrailing")
	hdrNode := Node{Buf: hdrStorage}
	hdrRef := Ref{Node: &hdrNode, Off: 0, Len: 4}

	payload := chainOf([]byte("pay"), []byte("load"))
	var payNode, scratch Node
	pkt := hdrRef.SubHeaderToContinuedBy(4, payload.ToNode(&payNode), 11, &scratch)
	require.Equal(t, "HHHHpayload", string(pkt.ToBytes()))
}

func TestBuf_Ring_RefAtWrapsReads(t *testing.T) {
	t.Parallel()

	var ring Ring
	ring.Init([]byte("01234567"))
	r := ring.RefAt(5, 6)
	require.Equal(t, "567012", string(r.ToBytes()))
	require.Equal(t, 3, ring.Add(5, 6))
}

func TestBuf_Ref_GiveBufCopiesAcrossChains(t *testing.T) {
	t.Parallel()

	src := chainOf([]byte("ab"), []byte("cde"))
	dst := chainOf(make([]byte, 4), make([]byte, 1))
	w := dst
	w.GiveBuf(src)
	require.True(t, bytes.Equal([]byte("abcde"), dst.ToBytes()))
}
