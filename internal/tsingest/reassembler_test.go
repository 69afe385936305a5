package tsingest

import "testing"

import "github.com/stretchr/testify/require"

// packet builds a minimal valid TS packet with the given PID in its first
// three bytes and deterministic filler for the rest.
func packet(pid uint16, fill byte) []byte {
	p := make([]byte, PacketSize)
	p[0] = SyncByte
	p[1] = byte(pid >> 8 & 0x1f)
	p[2] = byte(pid)
	for i := 3; i < PacketSize; i++ {
		p[i] = fill
	}
	return p
}

func TestFeedAlignedInput(t *testing.T) {
	r := NewReassembler()
	payload := append(append([]byte{}, packet(0x100, 1)...), packet(0x101, 2)...)

	out := r.Feed(payload)
	require.Len(t, out, 2*PacketSize)
	require.Equal(t, byte(SyncByte), out[0])
	require.Equal(t, byte(SyncByte), out[PacketSize])
	require.Empty(t, r.Tail())
}

func TestFeedSplitAcrossPayloads(t *testing.T) {
	r := NewReassembler()
	pkt := packet(0x200, 7)

	first := r.Feed(pkt[:100])
	require.Empty(t, first)
	require.Len(t, r.Tail(), 100)

	second := r.Feed(pkt[100:])
	require.Equal(t, pkt, second)
	require.Empty(t, r.Tail())
}

func TestFeedDiscardsGarbageThenResyncs(t *testing.T) {
	r := NewReassembler()
	garbage := []byte{0x00, 0x11, 0x22, 0x33, 0x44}
	pkt := packet(0x300, 9)

	out := r.Feed(append(append([]byte{}, garbage...), pkt...))
	require.Equal(t, pkt, out)
}

func TestFeedStaleTailDiscardedOnMismatch(t *testing.T) {
	r := NewReassembler()
	pkt1 := packet(0x10, 1)

	// Seed a tail, then feed a payload whose confirming byte isn't 0x47:
	// the stale tail must be dropped rather than spliced onto garbage.
	r.Feed(pkt1[:50])
	require.Len(t, r.Tail(), 50)

	notSync := make([]byte, PacketSize-50+1)
	notSync[PacketSize-50] = 0xAB
	out := r.Feed(notSync)
	require.Empty(t, out)
	require.NotEqual(t, byte(SyncByte), notSync[len(notSync)-1])
}

func TestFeedOutputIsAlwaysPacketMultiple(t *testing.T) {
	r := NewReassembler()
	pkts := append(append(append([]byte{}, packet(0x41, 3)...), packet(0x42, 4)...), packet(0x43, 5)...)

	// Split into three uneven chunks to exercise tail-carry repeatedly.
	chunks := [][]byte{pkts[:300], pkts[300:500], pkts[500:]}
	total := 0
	for _, c := range chunks {
		out := r.Feed(c)
		require.Zero(t, len(out)%PacketSize)
		total += len(out)
	}
	require.Equal(t, len(pkts), total+len(r.Tail()))
}
