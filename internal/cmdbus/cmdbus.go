// Package cmdbus implements the USB command multiplexer (spec.md §4.2,
// component C2): it encodes typed control requests into fixed-opcode
// command frames, exchanges them one at a time over a narrow Transport,
// and routes the reply back to the caller. The bus is mutex-protected so
// concurrent callers from C3/C4/C8/C10 are serialized without any of
// them knowing about each other.
package cmdbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/jokersys/dvbcore/internal/devicerr"
	"github.com/jokersys/dvbcore/internal/metrics"
)

// Transport is the narrow primitive the bus needs from C1: one blocking
// request/reply round trip. It must never be held open across anything
// but the duration of one exchange.
type Transport interface {
	Exchange(out []byte, inLen int) ([]byte, error)
}

// Bus serializes frame exchanges over a single Transport.
type Bus struct {
	mu        sync.Mutex
	transport Transport
	metrics   *metrics.Set
}

// New wires a Bus to the given transport. metrics may be nil.
func New(t Transport, m *metrics.Set) *Bus {
	return &Bus{transport: t, metrics: m}
}

// Exchange sends one opcode + payload frame and returns exactly replyLen
// bytes of reply, for opcodes whose reply length is request-independent.
// For SPI/CI_READ, callers use ExchangeN with an explicit reply length.
func (b *Bus) Exchange(op Opcode, payload []byte) ([]byte, error) {
	n, ok := replyLen(op)
	if !ok {
		return nil, fmt.Errorf("cmdbus: opcode %s requires explicit reply length: %w", op, devicerr.ErrUnknownOpcode)
	}
	return b.ExchangeN(op, payload, n)
}

// ExchangeN sends one frame and reads exactly inLen reply bytes. The N-th
// call's reply is paired FIFO with the N-th call because the mutex
// forbids any interleaving of two callers' bytes on the wire.
func (b *Bus) ExchangeN(op Opcode, payload []byte, inLen int) ([]byte, error) {
	if len(payload) > MaxFrameLen-1 || inLen > MaxFrameLen {
		return nil, fmt.Errorf("cmdbus: frame too large: %w", devicerr.ErrBadFrame)
	}

	out := make([]byte, 1+len(payload))
	out[0] = byte(op)
	copy(out[1:], payload)

	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	reply, err := b.transport.Exchange(out, inLen)
	if b.metrics != nil {
		b.metrics.CmdBusFrames.WithLabelValues(op.String()).Inc()
		b.metrics.CmdBusLatency.WithLabelValues(op.String()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("cmdbus: %s exchange: %w", op, err)
	}
	if len(reply) != inLen {
		return nil, fmt.Errorf("cmdbus: %s short reply (%d/%d): %w", op, len(reply), inLen, devicerr.ErrIoShortRead)
	}
	return reply, nil
}

// Version reads the firmware revision.
func (b *Bus) Version() (uint16, error) {
	r, err := b.Exchange(OpVersion, nil)
	if err != nil {
		return 0, err
	}
	return be16(r), nil
}

// I2CWrite / I2CRead perform a single register R/W against the internal
// I2C-master block (consumed by internal/i2c).
func (b *Bus) I2CWrite(reg, val byte) error {
	_, err := b.Exchange(OpI2CWrite, []byte{reg, val})
	return err
}

func (b *Bus) I2CRead(reg byte) (byte, error) {
	r, err := b.Exchange(OpI2CRead, []byte{reg})
	if err != nil {
		return 0, err
	}
	return r[1], nil
}

// ResetCtrlWrite / ResetCtrlRead drive the chip reset mask (spec.md §4.2).
// Writes are idempotent.
func (b *Bus) ResetCtrlWrite(mask uint16) error {
	_, err := b.Exchange(OpResetCtrlWrite, be16bytes(mask))
	return err
}

func (b *Bus) ResetCtrlRead() (uint16, error) {
	r, err := b.Exchange(OpResetCtrlRead, nil)
	if err != nil {
		return 0, err
	}
	return be16(r), nil
}

// TSInselWrite / TSInselRead select the TS source mux.
func (b *Bus) TSInselWrite(source byte) error {
	_, err := b.Exchange(OpTSInselWrite, []byte{source})
	return err
}

func (b *Bus) TSInselRead() (uint16, error) {
	r, err := b.Exchange(OpTSInselRead, nil)
	if err != nil {
		return 0, err
	}
	return be16(r), nil
}

// IsocLenWrite hints the device-side isochronous packet size.
func (b *Bus) IsocLenWrite(packetSize uint16) error {
	hi := byte(packetSize >> 8)
	lo := byte(packetSize)
	if _, err := b.Exchange(OpIsocLenWriteHi, []byte{hi}); err != nil {
		return err
	}
	_, err := b.Exchange(OpIsocLenWriteLo, []byte{lo})
	return err
}

// FilterAllowAll / FilterDenyAll / FilterAllowOne / FilterDenyOne issue
// the TS_FILTER opcode sub-commands the filter coordinator (C7) composes
// into an allow-list burst.
func (b *Bus) FilterAllowAll() error {
	_, err := b.Exchange(OpTSFilter, []byte{filterAllowAll})
	return err
}

func (b *Bus) FilterDenyAll() error {
	_, err := b.Exchange(OpTSFilter, []byte{filterDenyAll})
	return err
}

func (b *Bus) FilterAllowOne(pid uint16) error {
	_, err := b.Exchange(OpTSFilter, filterPIDPayload(filterAllowOne, pid))
	return err
}

func (b *Bus) FilterDenyOne(pid uint16) error {
	_, err := b.Exchange(OpTSFilter, filterPIDPayload(filterDenyOne, pid))
	return err
}

func filterPIDPayload(sub byte, pid uint16) []byte {
	return []byte{sub, byte(pid >> 8 & 0x1f), byte(pid)}
}

// SPI exchanges an opaque byte stream with the SPI flash (C10). The
// reply is always the same length as the request.
func (b *Bus) SPI(req []byte) ([]byte, error) {
	return b.ExchangeN(OpSPI, req, len(req))
}

// CIStatus / CIReadMem / CIEnableTS / CIWrite / CIRead are the CAM control
// primitives consumed by internal/cam.
func (b *Bus) CIStatus() (uint16, error) {
	r, err := b.Exchange(OpCIStatus, nil)
	if err != nil {
		return 0, err
	}
	return be16(r), nil
}

func (b *Bus) CIReadMem(addr uint16) (uint16, error) {
	r, err := b.Exchange(OpCIReadMem, be16bytes(addr))
	if err != nil {
		return 0, err
	}
	return be16(r), nil
}

func (b *Bus) CIEnableTS(enable bool) error {
	var v byte
	if enable {
		v = 1
	}
	_, err := b.Exchange(OpCITS, []byte{v})
	return err
}

func (b *Bus) CIWrite(data []byte) error {
	_, err := b.Exchange(OpCIWrite, data)
	return err
}

func (b *Bus) CIRead(n int) ([]byte, error) {
	return b.ExchangeN(OpCIRead, nil, n)
}

func be16(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

func be16bytes(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}
