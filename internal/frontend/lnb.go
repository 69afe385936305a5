package frontend

import (
	"fmt"
	"time"

	"github.com/jokersys/dvbcore/internal/devicerr"
)

// TPS65233 register map (grounded on original_source's tps65233.c driver:
// config register 0x00, status register 0x02; bit assignments are this
// module's own, the original kernel driver's constants live in a header
// not present in the retrieved source tree).
const (
	tps65233RegConfig = 0x00
	tps65233RegStatus = 0x02

	tps65233ConfigEnable   = 0x01
	tps65233ConfigSelect18 = 0x02 // 0 = 13V, 1 = 18V

	tps65233StatusVoutGood  = 0x01
	tps65233StatusCableGood = 0x02
	tps65233StatusOCP       = 0x04
	tps65233StatusOTP       = 0x08
)

// TPS65233 drives the LNB supply chip (spec.md §4.4 set_voltage, restored
// sense detail from original_source per SPEC_FULL.md's supplemented
// feature section).
type TPS65233 struct {
	i2c  I2C
	addr byte
}

// NewTPS65233 returns a driver for the chip at the given 7-bit address.
func NewTPS65233(i2c I2C, addr byte) *TPS65233 {
	return &TPS65233{i2c: i2c, addr: addr}
}

// SetVoltage writes the config register and, unless v is VoltageOff, reads
// back the status register: OCP yields ErrLnbOvercurrent, a clear
// VOUT_GOOD yields ErrLnbOutOfRange, a clear CABLE_GOOD yields
// ErrLnbCurrentLow, and otherwise it returns nil. The OTP bit is not
// examined (spec.md §4.4, LNB sense detail restored from original_source).
func (t *TPS65233) SetVoltage(v Voltage) error {
	var cfg byte
	switch v {
	case Voltage13:
		cfg = tps65233ConfigEnable
	case Voltage18:
		cfg = tps65233ConfigEnable | tps65233ConfigSelect18
	case VoltageOff:
		cfg = 0
	}
	if err := t.i2c.Write(t.addr, []byte{tps65233RegConfig, cfg}); err != nil {
		return fmt.Errorf("lnb: write config: %w", err)
	}
	if v == VoltageOff {
		return nil
	}

	time.Sleep(10 * time.Millisecond)

	if err := t.i2c.Write(t.addr, []byte{tps65233RegStatus}); err != nil {
		return fmt.Errorf("lnb: select status register: %w", err)
	}
	status, err := t.i2c.Read(t.addr, 1)
	if err != nil {
		return fmt.Errorf("lnb: read status: %w", err)
	}
	st := status[0]

	if st&tps65233StatusOCP != 0 {
		return devicerr.ErrLnbOvercurrent
	}
	if st&tps65233StatusVoutGood == 0 {
		return devicerr.ErrLnbOutOfRange
	}
	if st&tps65233StatusCableGood == 0 {
		return devicerr.ErrLnbCurrentLow
	}
	return nil
}
