package psi

import (
	"encoding/binary"
	"fmt"
)

// Stream is one elementary stream entry within a PMT.
type Stream struct {
	StreamType byte
	PID        uint16
}

// PMT is a parsed Program Map Table (spec.md §3 Program type, §4.6).
type PMT struct {
	ProgramNumber uint16
	Version       uint8
	PCRPID        uint16
	Streams       []Stream
}

// HasVideo reports whether any elementary stream is a recognised video
// codec (spec.md §3 Program.flags "has-video").
func (p *PMT) HasVideo() bool {
	for _, s := range p.Streams {
		if isVideoStreamType(s.StreamType) {
			return true
		}
	}
	return false
}

// HasAudio reports whether any elementary stream is a recognised audio
// codec (spec.md §3 Program.flags "has-audio").
func (p *PMT) HasAudio() bool {
	for _, s := range p.Streams {
		if isAudioStreamType(s.StreamType) {
			return true
		}
	}
	return false
}

// Stream type assignments per ISO/IEC 13818-1 Table 2-34 and common
// satellite-broadcast extensions; only the ones this module classifies.
const (
	StreamTypeMPEG2Video = 0x02
	StreamTypeMPEG1Audio = 0x03
	StreamTypeMPEG2Audio = 0x04
	StreamTypeAAC        = 0x0f
	StreamTypeH264       = 0x1b
	StreamTypeHEVC       = 0x24
	StreamTypeAC3        = 0x81
	StreamTypeEAC3       = 0x87
)

func isVideoStreamType(t byte) bool {
	switch t {
	case StreamTypeMPEG2Video, StreamTypeH264, StreamTypeHEVC:
		return true
	}
	return false
}

func isAudioStreamType(t byte) bool {
	switch t {
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio, StreamTypeAAC, StreamTypeAC3, StreamTypeEAC3:
		return true
	}
	return false
}

// ParsePMT parses a complete PMT section.
func ParsePMT(section []byte) (*PMT, error) {
	if len(section) < 12 {
		return nil, fmt.Errorf("psi: PMT section too short: %d bytes", len(section))
	}
	if section[0] != TableIDPMT {
		return nil, fmt.Errorf("psi: not a PMT section, table_id=0x%02x", section[0])
	}
	sectionLength := int(section[1]&0x0f)<<8 | int(section[2])
	if 3+sectionLength > len(section) {
		return nil, fmt.Errorf("psi: PMT section_length overruns buffer")
	}
	crcOff := 3 + sectionLength - 4
	got := crc32MPEG(section[:crcOff])
	want := binary.BigEndian.Uint32(section[crcOff:])
	if got != want {
		return nil, fmt.Errorf("psi: PMT CRC mismatch: got 0x%08x want 0x%08x", got, want)
	}

	pmt := &PMT{
		ProgramNumber: binary.BigEndian.Uint16(section[3:5]),
		Version:       (section[5] >> 1) & 0x1f,
		PCRPID:        binary.BigEndian.Uint16(section[8:10]) & 0x1fff,
	}
	programInfoLength := int(section[10]&0x0f)<<8 | int(section[11])
	off := 12 + programInfoLength

	for off+5 <= crcOff {
		streamType := section[off]
		pid := binary.BigEndian.Uint16(section[off+1:off+3]) & 0x1fff
		esInfoLength := int(section[off+3]&0x0f)<<8 | int(section[off+4])
		pmt.Streams = append(pmt.Streams, Stream{StreamType: streamType, PID: pid})
		off += 5 + esInfoLength
	}
	return pmt, nil
}
