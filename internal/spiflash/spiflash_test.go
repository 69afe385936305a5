package spiflash

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jokersys/dvbcore/internal/devicerr"
)

type fakeBus struct {
	id       [3]byte
	status   byte
	erases   []uint32
	programs map[uint32][]byte
}

func newFakeBus(id [3]byte) *fakeBus {
	return &fakeBus{id: id, programs: map[uint32][]byte{}}
}

func (f *fakeBus) SPI(req []byte) ([]byte, error) {
	switch req[0] {
	case cmdReadID:
		return []byte{0, f.id[0], f.id[1], f.id[2]}, nil
	case cmdWriteEnable:
		return []byte{0}, nil
	case cmdReadStatus:
		return []byte{0, f.status}, nil
	case cmdSectorErase:
		addr := uint32(req[1])<<16 | uint32(req[2])<<8 | uint32(req[3])
		f.erases = append(f.erases, addr)
		return make([]byte, len(req)), nil
	case cmdPageProgram:
		addr := uint32(req[1])<<16 | uint32(req[2])<<8 | uint32(req[3])
		f.programs[addr] = append([]byte(nil), req[4:]...)
		return make([]byte, len(req)), nil
	default:
		return make([]byte, len(req)), nil
	}
}

func TestNewRejectsIDMismatch(t *testing.T) {
	bus := newFakeBus([3]byte{0x01, 0x02, 0x03})
	_, err := New(bus, [3]byte{0xEF, 0x40, 0x18})
	require.ErrorIs(t, err, devicerr.ErrSpiFlashIDMismatch)
}

func TestNewAcceptsMatchingID(t *testing.T) {
	bus := newFakeBus([3]byte{0xEF, 0x40, 0x18})
	_, err := New(bus, [3]byte{0xEF, 0x40, 0x18})
	require.NoError(t, err)
}

func TestEraseSectorRoundsDownToSectorBoundary(t *testing.T) {
	bus := newFakeBus([3]byte{0xEF, 0x40, 0x18})
	p, err := New(bus, [3]byte{0xEF, 0x40, 0x18})
	require.NoError(t, err)
	require.NoError(t, p.EraseSector(SectorSize + 10))
	require.Equal(t, []uint32{SectorSize}, bus.erases)
}

func TestProgramPageRejectsOversizedPayload(t *testing.T) {
	bus := newFakeBus([3]byte{0xEF, 0x40, 0x18})
	p, err := New(bus, [3]byte{0xEF, 0x40, 0x18})
	require.NoError(t, err)
	require.Error(t, p.ProgramPage(0, make([]byte, PageSize+1)))
}

func TestWriteSectorProgramsEveryPage(t *testing.T) {
	bus := newFakeBus([3]byte{0xEF, 0x40, 0x18})
	p, err := New(bus, [3]byte{0xEF, 0x40, 0x18})
	require.NoError(t, err)
	data := make([]byte, SectorSize)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, p.WriteSector(0, data))
	require.Len(t, bus.erases, 1)
	require.Len(t, bus.programs, SectorSize/PageSize)
}

func TestWriteSectorRejectsMisalignedAddress(t *testing.T) {
	bus := newFakeBus([3]byte{0xEF, 0x40, 0x18})
	p, err := New(bus, [3]byte{0xEF, 0x40, 0x18})
	require.NoError(t, err)
	require.Error(t, p.WriteSector(10, make([]byte, SectorSize)))
}
