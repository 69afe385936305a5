// Package i2c drives an OpenCores-compatible I2C master block through
// cmdbus register opcodes (spec.md §4.3, component C3). It implements the
// write-TXR / write-CR / poll-SR algorithm the core block expects,
// classifying the status register's ACK and arbitration-lost bits into
// the typed errors devicerr exports.
package i2c

import (
	"fmt"
	"time"

	"github.com/jokersys/dvbcore/internal/devicerr"
)

// Register addresses of the OpenCores I2C master block, reached through
// cmdbus's I2C_WRITE/I2C_READ opcodes.
const (
	regPreLo = 0x00
	regPreHi = 0x01
	regCTR   = 0x02
	regTXR   = 0x03
	regRXR   = 0x03
	regCR    = 0x04
	regSR    = 0x04
)

// CTR bits.
const ctrCoreEnable = 0x80

// CR command bits.
const (
	cmdStart = 1 << 7
	cmdStop  = 1 << 6
	cmdRead  = 1 << 5
	cmdWrite = 1 << 4
	cmdNack  = 1 << 3
)

// SR status bits.
const (
	srTIP  = 1 << 1
	srAL   = 1 << 5
	srBusy = 1 << 6
	srACK  = 1 << 7
)

// Prescaler values for the two bus speeds the device supports.
const (
	prescale100k = 0x63
	prescale400k = 0x18
)

// pollCeiling / pollBackoff bound how long Master waits for TIP to clear
// (spec.md §4.3: "timeout (≥ 100 register-poll cycles with 1 ms
// backoff)").
const (
	pollCeiling = 100
	pollBackoff = time.Millisecond
)

// Bus is the register-level transport i2c.Master needs from cmdbus.Bus.
type Bus interface {
	I2CWrite(reg, val byte) error
	I2CRead(reg byte) (byte, error)
}

// Master drives the I2C core at a fixed bus speed, initialised to 400kHz
// on construction (spec.md §4.3).
type Master struct {
	bus Bus
}

// New initialises the I2C core at 400kHz and returns a ready Master.
func New(bus Bus) (*Master, error) {
	m := &Master{bus: bus}
	if err := m.setSpeed(prescale400k); err != nil {
		return nil, err
	}
	if err := m.bus.I2CWrite(regCTR, ctrCoreEnable); err != nil {
		return nil, fmt.Errorf("i2c: enable core: %w", err)
	}
	return m, nil
}

func (m *Master) setSpeed(prescale byte) error {
	if err := m.bus.I2CWrite(regPreLo, prescale); err != nil {
		return fmt.Errorf("i2c: write prescale lo: %w", err)
	}
	if err := m.bus.I2CWrite(regPreHi, 0x00); err != nil {
		return fmt.Errorf("i2c: write prescale hi: %w", err)
	}
	return nil
}

// waitTIP polls SR until TIP clears, classifying arbitration-lost
// along the way. It never blocks longer than pollCeiling*pollBackoff.
func (m *Master) waitTIP() error {
	for i := 0; i < pollCeiling; i++ {
		sr, err := m.bus.I2CRead(regSR)
		if err != nil {
			return fmt.Errorf("i2c: read status: %w", err)
		}
		if sr&srAL != 0 {
			return devicerr.ErrI2cArbLost
		}
		if sr&srTIP == 0 {
			return nil
		}
		time.Sleep(pollBackoff)
	}
	return devicerr.ErrI2cTimeout
}

func (m *Master) readSR() (byte, error) {
	return m.bus.I2CRead(regSR)
}

// addrByte encodes a 7-bit address and R/W bit the way the core expects:
// bit0 = 1 for read, 0 for write.
func addrByte(addr7 byte, read bool) byte {
	b := addr7 << 1
	if read {
		b |= 1
	}
	return b
}

// Ping probes addr7 with a zero-length write and reports whether it
// ACKed (spec.md §8 scenario 3).
func (m *Master) Ping(addr7 byte) error {
	if err := m.bus.I2CWrite(regTXR, addrByte(addr7, false)); err != nil {
		return err
	}
	if err := m.bus.I2CWrite(regCR, cmdStart|cmdWrite); err != nil {
		return err
	}
	if err := m.waitTIP(); err != nil {
		return err
	}
	sr, err := m.readSR()
	if err != nil {
		return err
	}
	if sr&srACK != 0 {
		if err := m.bus.I2CWrite(regCR, cmdStop); err != nil {
			return err
		}
		return devicerr.ErrI2cNoAck
	}
	return m.bus.I2CWrite(regCR, cmdStop)
}

// Write sends Start/addr/data[0..n-1]/Stop (spec.md §4.3).
func (m *Master) Write(addr7 byte, data []byte) error {
	if err := m.bus.I2CWrite(regTXR, addrByte(addr7, false)); err != nil {
		return err
	}
	if err := m.bus.I2CWrite(regCR, cmdStart|cmdWrite); err != nil {
		return err
	}
	if err := m.waitTIP(); err != nil {
		return err
	}
	if err := m.checkAck(); err != nil {
		return err
	}

	for i, b := range data {
		if err := m.bus.I2CWrite(regTXR, b); err != nil {
			return err
		}
		cmd := byte(cmdWrite)
		if i == len(data)-1 {
			cmd |= cmdStop
		}
		if err := m.bus.I2CWrite(regCR, cmd); err != nil {
			return err
		}
		if err := m.waitTIP(); err != nil {
			return err
		}
		if err := m.checkAck(); err != nil {
			return err
		}
	}
	return nil
}

// Read issues Start/addr(read)/... and clocks out n bytes, NACKing the
// last one per spec.md §4.3.
func (m *Master) Read(addr7 byte, n int) ([]byte, error) {
	if err := m.bus.I2CWrite(regTXR, addrByte(addr7, true)); err != nil {
		return nil, err
	}
	if err := m.bus.I2CWrite(regCR, cmdStart|cmdWrite); err != nil {
		return nil, err
	}
	if err := m.waitTIP(); err != nil {
		return nil, err
	}
	if err := m.checkAck(); err != nil {
		return nil, err
	}

	out := make([]byte, n)
	for i := 0; i < n; i++ {
		cmd := byte(cmdRead)
		last := i == n-1
		if last {
			cmd |= cmdNack | cmdStop
		}
		if err := m.bus.I2CWrite(regCR, cmd); err != nil {
			return nil, err
		}
		if err := m.waitTIP(); err != nil {
			return nil, err
		}
		b, err := m.bus.I2CRead(regRXR)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (m *Master) checkAck() error {
	sr, err := m.readSR()
	if err != nil {
		return err
	}
	if sr&srACK != 0 {
		return devicerr.ErrI2cNoAck
	}
	return nil
}
