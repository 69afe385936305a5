package tsingest

// PacketSize is the fixed MPEG-2 TS packet length.
const PacketSize = 188

// SyncByte begins every TS packet.
const SyncByte = 0x47

// Reassembler turns a sequence of isochronous payloads with no guaranteed
// 188-byte alignment into byte-exact, sync-aligned 188-byte packets
// (spec.md §4.5). It keeps a tail of at most PacketSize-1 bytes across
// calls to Feed.
//
// Feed implements the algorithm verbatim:
//  1. If the byte at offset (188-len(tail)) of the new payload is 0x47,
//     or the payload ends exactly at that offset, the previous tail is a
//     valid prefix: emit tail+payload[:need] as one packet.
//  2. Otherwise the tail is discarded.
//  3. Scan the remainder for maximal runs where buf[i]==0x47 and
//     buf[i+188]==0x47, emitting a packet each time the chain holds and
//     resyncing byte-by-byte on a false candidate.
//  4. Any trailing <188 bytes become the new tail.
type Reassembler struct {
	tail []byte
}

// NewReassembler returns a Reassembler with an empty tail.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Tail returns the current carry-over bytes (for tests and diagnostics).
func (r *Reassembler) Tail() []byte {
	return append([]byte(nil), r.tail...)
}

// Feed reassembles one isochronous payload and returns the sync-aligned
// packet bytes extracted from it (always a multiple of PacketSize,
// possibly zero-length).
func (r *Reassembler) Feed(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(r.tail))

	pos := 0
	if len(r.tail) > 0 {
		need := PacketSize - len(r.tail)
		switch {
		case need == len(payload) || (need < len(payload) && payload[need] == SyncByte):
			pkt := make([]byte, PacketSize)
			copy(pkt, r.tail)
			copy(pkt[len(r.tail):], payload[:need])
			out = append(out, pkt...)
			pos = need
		default:
			// Either the confirming byte mismatched, or the payload ends
			// before completing the packet: the tail is discarded.
			r.tail = nil
		}
	}

	buf := payload
	i := pos
	for len(buf)-i >= PacketSize {
		if buf[i] != SyncByte {
			i++
			continue
		}
		if i+PacketSize < len(buf) {
			if buf[i+PacketSize] == SyncByte {
				out = append(out, buf[i:i+PacketSize]...)
				i += PacketSize
				continue
			}
			// False positive: buf[i] looked like a sync byte but the
			// next expected sync position isn't one. Resync forward.
			i++
			continue
		}
		// Exactly one full packet remains with no further byte to
		// confirm it: emit it, it will be re-validated implicitly by
		// whatever follows in the next Feed call only if a further
		// packet boundary appears; per the algorithm this is still a
		// maximal run member since buf[i]==0x47 and there's nothing
		// beyond to contradict it.
		out = append(out, buf[i:i+PacketSize]...)
		i += PacketSize
	}

	r.tail = append([]byte(nil), buf[i:]...)
	return out
}
