package cmdbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTransport answers a fixed reply per opcode and records every frame
// written, so tests can assert on exact byte sequences.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	reply  func(op Opcode, payload []byte, inLen int) []byte
}

func (f *fakeTransport) Exchange(out []byte, inLen int) ([]byte, error) {
	f.mu.Lock()
	cp := append([]byte(nil), out...)
	f.frames = append(f.frames, cp)
	f.mu.Unlock()

	op := Opcode(out[0])
	payload := out[1:]
	if f.reply != nil {
		return f.reply(op, payload, inLen), nil
	}
	return make([]byte, inLen), nil
}

func TestVersionRoundTrip(t *testing.T) {
	ft := &fakeTransport{reply: func(op Opcode, payload []byte, inLen int) []byte {
		return []byte{0x01, 0x02}
	}}
	b := New(ft, nil)

	v, err := b.Version()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0102), v)
}

func TestFilterBurstFrameShape(t *testing.T) {
	ft := &fakeTransport{}
	b := New(ft, nil)

	require.NoError(t, b.FilterDenyAll())
	require.NoError(t, b.FilterAllowOne(0x100))
	require.NoError(t, b.FilterAllowOne(0x11))

	require.Equal(t, []byte{byte(OpTSFilter), filterDenyAll}, ft.frames[0])
	require.Equal(t, []byte{byte(OpTSFilter), filterAllowOne, 0x01, 0x00}, ft.frames[1])
	require.Equal(t, []byte{byte(OpTSFilter), filterAllowOne, 0x00, 0x11}, ft.frames[2])
}

func TestExchangeRejectsOversizeFrame(t *testing.T) {
	ft := &fakeTransport{}
	b := New(ft, nil)

	_, err := b.ExchangeN(OpSPI, make([]byte, MaxFrameLen), 0)
	require.Error(t, err)
}

func TestConcurrentCallersNeverInterleave(t *testing.T) {
	ft := &fakeTransport{reply: func(op Opcode, payload []byte, inLen int) []byte {
		return make([]byte, inLen)
	}}
	b := New(ft, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(pid uint16) {
			defer wg.Done()
			_ = b.FilterAllowOne(pid)
		}(uint16(i))
	}
	wg.Wait()

	require.Len(t, ft.frames, 50)
	for _, fr := range ft.frames {
		require.Len(t, fr, 4)
		require.Equal(t, byte(OpTSFilter), fr[0])
		require.Equal(t, filterAllowOne, fr[1])
	}
}
