package frontend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jokersys/dvbcore/internal/devicerr"
)

type fakeLNBBus struct {
	status byte
}

func (f *fakeLNBBus) Write(addr byte, data []byte) error { return nil }

func (f *fakeLNBBus) Read(addr byte, n int) ([]byte, error) {
	return []byte{f.status}, nil
}

func TestSetVoltageOkWhenVoutAndCableGood(t *testing.T) {
	bus := &fakeLNBBus{status: tps65233StatusVoutGood | tps65233StatusCableGood}
	lnb := NewTPS65233(bus, 0x60)
	require.NoError(t, lnb.SetVoltage(Voltage18))
}

func TestSetVoltageOvercurrentWhenOCPSet(t *testing.T) {
	bus := &fakeLNBBus{status: tps65233StatusOCP}
	lnb := NewTPS65233(bus, 0x60)
	err := lnb.SetVoltage(Voltage18)
	require.ErrorIs(t, err, devicerr.ErrLnbOvercurrent)
}

func TestSetVoltageCurrentLowWhenCableNotGood(t *testing.T) {
	bus := &fakeLNBBus{status: tps65233StatusVoutGood}
	lnb := NewTPS65233(bus, 0x60)
	err := lnb.SetVoltage(Voltage18)
	require.ErrorIs(t, err, devicerr.ErrLnbCurrentLow)
}

func TestSetVoltageOutOfRangeWhenVoutNotGood(t *testing.T) {
	bus := &fakeLNBBus{status: 0}
	lnb := NewTPS65233(bus, 0x60)
	err := lnb.SetVoltage(Voltage18)
	require.ErrorIs(t, err, devicerr.ErrLnbOutOfRange)
}

func TestSetVoltageOffSkipsStatusCheck(t *testing.T) {
	bus := &fakeLNBBus{status: 0}
	lnb := NewTPS65233(bus, 0x60)
	require.NoError(t, lnb.SetVoltage(VoltageOff))
}
