package cam

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jokersys/dvbcore/internal/devicerr"
)

type fakeBus struct {
	status  uint16
	mem     map[uint16]uint16
	written [][]byte
	reads   [][]byte
	tsOn    bool
}

func newFakeBus(status uint16) *fakeBus {
	return &fakeBus{status: status, mem: map[uint16]uint16{}}
}

func (f *fakeBus) CIStatus() (uint16, error)         { return f.status, nil }
func (f *fakeBus) CIReadMem(addr uint16) (uint16, error) { return f.mem[addr], nil }
func (f *fakeBus) CIEnableTS(enable bool) error      { f.tsOn = enable; return nil }
func (f *fakeBus) CIWrite(data []byte) error {
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}
func (f *fakeBus) CIRead(n int) ([]byte, error) {
	if len(f.reads) == 0 {
		return make([]byte, n), nil
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	out := make([]byte, n)
	copy(out, r)
	return out, nil
}

func TestReadStatusDecodesBits(t *testing.T) {
	bus := newFakeBus(statusBitPresent | statusBitReady)
	c := New(bus)
	st, err := c.ReadStatus()
	require.NoError(t, err)
	require.True(t, st.ModulePresent)
	require.True(t, st.Ready)
	require.False(t, st.HasData)
}

func TestReadAttributeMemoryRequiresModulePresent(t *testing.T) {
	bus := newFakeBus(0)
	c := New(bus)
	_, err := c.ReadAttributeMemory(0x10)
	require.ErrorIs(t, err, devicerr.ErrCamNotPresent)
}

func TestSendTPDURequiresReady(t *testing.T) {
	bus := newFakeBus(statusBitPresent)
	c := New(bus)
	err := c.SendTPDU(1, []byte("hello"))
	require.ErrorIs(t, err, devicerr.ErrCamNotReady)
}

func TestSendTPDUPrependsHeaderAndMarksLast(t *testing.T) {
	bus := newFakeBus(statusBitPresent | statusBitReady)
	c := New(bus)
	require.NoError(t, c.SendTPDU(3, []byte("hi")))
	require.Len(t, bus.written, 1)
	require.Equal(t, byte(3), bus.written[0][0])
	require.Equal(t, byte(1), bus.written[0][1])
	require.Equal(t, []byte("hi"), bus.written[0][2:])
}

func TestSendTPDUChunksLargePayloads(t *testing.T) {
	bus := newFakeBus(statusBitPresent | statusBitReady)
	c := New(bus)
	payload := make([]byte, maxTPDUPayload+10)
	require.NoError(t, c.SendTPDU(1, payload))
	require.Len(t, bus.written, 2)
	require.Equal(t, byte(0), bus.written[0][1], "first chunk is not the last")
	require.Equal(t, byte(1), bus.written[1][1], "second chunk is the last")
}

func TestRecvTPDUReturnsNilWithoutPendingData(t *testing.T) {
	bus := newFakeBus(statusBitPresent)
	c := New(bus)
	_, payload, err := c.RecvTPDU()
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestRecvTPDUStripsHeader(t *testing.T) {
	bus := newFakeBus(statusBitPresent | statusBitHasData)
	bus.reads = [][]byte{{7, 1}}
	c := New(bus)
	conn, payload, err := c.RecvTPDU()
	require.NoError(t, err)
	require.Equal(t, byte(7), conn)
	require.NotNil(t, payload)
}

func TestStartLoopbackRelayBindsLoopback(t *testing.T) {
	bus := newFakeBus(statusBitPresent)
	c := New(bus)
	addr, err := c.StartLoopbackRelay("127.0.0.1:0")
	require.NoError(t, err)
	require.NotNil(t, addr)
	require.NoError(t, c.StopLoopbackRelay())
}
