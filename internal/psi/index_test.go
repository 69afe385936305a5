package psi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildPMTPacket hand-builds a single-packet PMT declaring one H264 video
// stream, grounded on the pack's ffmpeg-compatible PMT builder layout.
func buildPMTPacket(pmtPID uint16, programNumber uint16, videoPID uint16, cc uint8) []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = byte(0x40 | pmtPID>>8&0x1f)
	pkt[2] = byte(pmtPID)
	pkt[3] = 0x10 | cc&0x0f
	pkt[4] = 0x00 // pointer_field

	s := pkt[5:]
	s[0] = TableIDPMT
	binary.BigEndian.PutUint16(s[3:5], programNumber)
	s[5] = 0xc1
	s[6] = 0x00
	s[7] = 0x00
	binary.BigEndian.PutUint16(s[8:10], 0xe000|videoPID)
	s[10] = 0xf0
	s[11] = 0x00
	s[12] = StreamTypeH264
	binary.BigEndian.PutUint16(s[13:15], 0xe000|videoPID)
	s[15] = 0xf0
	s[16] = 0x00

	length := 9 + 5 + 4
	s[1] = 0xb0 | byte(length>>8&0x0f)
	s[2] = byte(length)

	crc := crc32MPEG(pkt[5:22])
	binary.BigEndian.PutUint32(s[17:21], crc)
	for i := 26; i < 188; i++ {
		pkt[i] = 0xff
	}
	return pkt
}

func TestIndexDiscoversProgramFromPATThenPMT(t *testing.T) {
	idx := NewIndex()

	pat := BuildPAT(1, map[uint16]uint16{10: 0x100}, 0, 0)
	newPIDs := idx.FeedPacket(0x00, pat)
	require.Equal(t, []uint16{0x100}, newPIDs)

	pmt := buildPMTPacket(0x100, 10, 0x110, 0)
	more := idx.FeedPacket(0x100, pmt)
	require.Empty(t, more)

	programs := idx.Programs()
	require.Len(t, programs, 1)
	require.Equal(t, uint16(10), programs[0].Number)
	require.True(t, programs[0].HasVideo)
	require.Len(t, programs[0].Streams, 1)
	require.Equal(t, uint16(0x110), programs[0].Streams[0].PID)
}

func TestIndexIgnoresRepeatPATWithSameVersion(t *testing.T) {
	idx := NewIndex()
	pat := BuildPAT(1, map[uint16]uint16{10: 0x100}, 0, 0)

	first := idx.FeedPacket(0x00, pat)
	require.Len(t, first, 1)

	second := idx.FeedPacket(0x00, pat)
	require.Empty(t, second, "same PAT version must not re-trigger PMT discovery")
}

func TestIndexDropsProgramsRemovedFromPAT(t *testing.T) {
	idx := NewIndex()
	pat1 := BuildPAT(1, map[uint16]uint16{10: 0x100, 20: 0x200}, 0, 0)
	idx.FeedPacket(0x00, pat1)
	require.Len(t, idx.Programs(), 2)

	pat2 := BuildPAT(1, map[uint16]uint16{10: 0x100}, 1, 0)
	idx.FeedPacket(0x00, pat2)
	require.Len(t, idx.Programs(), 1)
}
