package i2c

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jokersys/dvbcore/internal/devicerr"
)

// fakeBus emulates an OpenCores I2C core: a fixed set of addresses ACK,
// everything else NACKs, and SR.TIP always clears on the first poll.
type fakeBus struct {
	ackAddrs map[byte]bool
	lastTXR  byte
	sr       byte
}

func newFakeBus(ackAddrs ...byte) *fakeBus {
	m := make(map[byte]bool)
	for _, a := range ackAddrs {
		m[a] = true
	}
	return &fakeBus{ackAddrs: m}
}

func (f *fakeBus) I2CWrite(reg, val byte) error {
	switch reg {
	case regTXR:
		f.lastTXR = val
	case regCR:
		if val&(cmdStart|cmdWrite) != 0 {
			addr7 := f.lastTXR >> 1
			if f.ackAddrs[addr7] {
				f.sr = 0 // ACK: bit7 clear
			} else {
				f.sr = srACK // NACK: bit7 set
			}
		}
	}
	return nil
}

func (f *fakeBus) I2CRead(reg byte) (byte, error) {
	if reg == regSR {
		return f.sr, nil
	}
	return 0, nil
}

func TestPingAcksKnownAddress(t *testing.T) {
	bus := newFakeBus(0x68)
	m, err := New(bus)
	require.NoError(t, err)

	require.NoError(t, m.Ping(0x68))
}

func TestPingNoAckUnknownAddress(t *testing.T) {
	bus := newFakeBus(0x68)
	m, err := New(bus)
	require.NoError(t, err)

	err = m.Ping(0x42)
	require.ErrorIs(t, err, devicerr.ErrI2cNoAck)
}
