package psi

// SectionReassembler accumulates TS packet payloads belonging to a single
// PID into complete PSI sections (spec.md §4.6: "A section reassembler
// attached to PID 0 collects the PAT; each discovered PMT PID spawns a
// second section reassembler").
type SectionReassembler struct {
	buf     []byte
	started bool
}

// NewSectionReassembler returns an empty reassembler.
func NewSectionReassembler() *SectionReassembler {
	return &SectionReassembler{}
}

// Feed processes one 188-byte TS packet payload and returns a complete
// section (table_id through CRC inclusive) whenever one becomes available.
func (s *SectionReassembler) Feed(packet []byte) []byte {
	if len(packet) != 188 || packet[0] != 0x47 {
		return nil
	}
	pusi := packet[1]&0x40 != 0
	afc := (packet[3] >> 4) & 0x3
	off := 4
	switch afc {
	case 0x1: // payload only
	case 0x3: // adaptation + payload
		adaptLen := int(packet[4])
		off = 5 + adaptLen
	default: // adaptation only, or reserved: no payload
		return nil
	}
	if off >= len(packet) {
		return nil
	}
	payload := packet[off:]

	if !pusi {
		if !s.started {
			return nil
		}
		s.appendCapped(payload)
		return s.drainIfComplete()
	}

	if len(payload) == 0 {
		return nil
	}
	pointer := int(payload[0])
	rest := payload[1:]
	if pointer > len(rest) {
		s.reset()
		return nil
	}

	var completed []byte
	if s.started {
		s.appendCapped(rest[:pointer])
		completed = s.drainIfComplete()
	}
	s.reset()
	s.appendCapped(rest[pointer:])
	s.started = true
	if completed != nil {
		return completed
	}
	return s.drainIfComplete()
}

// appendCapped appends bytes to buf, never growing it past the section
// length once that length is known from the header: any bytes beyond it
// are stuffing (0xFF padding to the end of the TS packet), not section
// data, and must be discarded rather than mistaken for a continuation.
func (s *SectionReassembler) appendCapped(b []byte) {
	for _, bb := range b {
		if len(s.buf) >= 3 && len(s.buf) >= s.totalLen() {
			return
		}
		s.buf = append(s.buf, bb)
	}
}

func (s *SectionReassembler) totalLen() int {
	return 3 + (int(s.buf[1]&0x0f)<<8 | int(s.buf[2]))
}

func (s *SectionReassembler) drainIfComplete() []byte {
	if len(s.buf) < 3 || len(s.buf) < s.totalLen() {
		return nil
	}
	out := append([]byte(nil), s.buf[:s.totalLen()]...)
	s.reset()
	return out
}

func (s *SectionReassembler) reset() {
	s.buf = nil
	s.started = false
}
