// Package spiflash implements the SPI flash programmer state machine
// (spec.md §4.10, component C10): read-ID, sector-erase and
// page-program sequencing over the command bus's opaque SPI opcode.
package spiflash

import (
	"fmt"
	"time"

	"github.com/jokersys/dvbcore/internal/devicerr"
)

// Standard SPI NOR flash opcodes.
const (
	cmdWriteEnable = 0x06
	cmdReadStatus  = 0x05
	cmdSectorErase = 0xD8
	cmdPageProgram = 0x02
	cmdReadID      = 0x9F
)

// statusWIP is the write-in-progress bit of the status register.
const statusWIP = 0x01

// SectorSize and PageSize match the device's flash geometry (spec.md
// §4.10).
const (
	SectorSize = 256 * 1024
	PageSize   = 256
)

// pollInterval / pollDeadline bound how long the state machine waits for
// WIP to clear before declaring a timeout (spec.md §4.10: "poll
// time-out > 5 s per erase").
const (
	pollInterval = 10 * time.Millisecond
	pollDeadline = 5 * time.Second
)

// Bus is the narrow cmdbus surface the programmer drives.
type Bus interface {
	SPI(req []byte) ([]byte, error)
}

// Programmer drives one SPI NOR flash device, verifying its identifier
// on construction.
type Programmer struct {
	bus Bus
}

// New opens a Programmer, verifying the device's 3-byte JEDEC ID matches
// expectedID (spec.md §4.10: "read-ID, expect fixed 3-byte signature").
func New(bus Bus, expectedID [3]byte) (*Programmer, error) {
	p := &Programmer{bus: bus}
	id, err := p.readID()
	if err != nil {
		return nil, err
	}
	if id != expectedID {
		return nil, devicerr.ErrSpiFlashIDMismatch
	}
	return p, nil
}

func (p *Programmer) readID() ([3]byte, error) {
	reply, err := p.bus.SPI([]byte{cmdReadID, 0, 0, 0})
	if err != nil {
		return [3]byte{}, fmt.Errorf("spiflash: read id: %w", err)
	}
	if len(reply) < 4 {
		return [3]byte{}, fmt.Errorf("spiflash: short read-id reply")
	}
	var id [3]byte
	copy(id[:], reply[1:4])
	return id, nil
}

func (p *Programmer) writeEnable() error {
	_, err := p.bus.SPI([]byte{cmdWriteEnable})
	if err != nil {
		return fmt.Errorf("spiflash: write enable: %w", err)
	}
	return nil
}

func (p *Programmer) readStatus() (byte, error) {
	reply, err := p.bus.SPI([]byte{cmdReadStatus, 0})
	if err != nil {
		return 0, fmt.Errorf("spiflash: read status: %w", err)
	}
	if len(reply) < 2 {
		return 0, fmt.Errorf("spiflash: short status reply")
	}
	return reply[1], nil
}

func (p *Programmer) waitWIPClear() error {
	deadline := time.Now().Add(pollDeadline)
	for {
		st, err := p.readStatus()
		if err != nil {
			return err
		}
		if st&statusWIP == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return devicerr.ErrSpiFlashTimeout
		}
		time.Sleep(pollInterval)
	}
}

// EraseSector erases the SectorSize-byte sector containing addr
// (rounded down to a sector boundary), per the WE → ERASE → poll
// sequence of spec.md §4.10.
func (p *Programmer) EraseSector(addr uint32) error {
	addr -= addr % SectorSize
	if err := p.writeEnable(); err != nil {
		return err
	}
	req := []byte{cmdSectorErase, byte(addr >> 16), byte(addr >> 8), byte(addr)}
	if _, err := p.bus.SPI(req); err != nil {
		return fmt.Errorf("spiflash: sector erase at 0x%06x: %w", addr, err)
	}
	return p.waitWIPClear()
}

// ProgramPage writes up to PageSize bytes at addr via WE → PP → poll
// (spec.md §4.10). addr must fall within the page it starts.
func (p *Programmer) ProgramPage(addr uint32, data []byte) error {
	if len(data) == 0 || len(data) > PageSize {
		return fmt.Errorf("spiflash: page program must be 1..%d bytes, got %d", PageSize, len(data))
	}
	if err := p.writeEnable(); err != nil {
		return err
	}
	req := make([]byte, 4+len(data))
	req[0] = cmdPageProgram
	req[1] = byte(addr >> 16)
	req[2] = byte(addr >> 8)
	req[3] = byte(addr)
	copy(req[4:], data)
	if _, err := p.bus.SPI(req); err != nil {
		return fmt.Errorf("spiflash: page program at 0x%06x: %w", addr, err)
	}
	return p.waitWIPClear()
}

// WriteSector erases the sector starting at addr (must be sector
// aligned) and programs data (must be exactly SectorSize bytes),
// page-program at a time, matching spec.md §4.10's per-sector state
// machine: WE → ERASE → poll → for each page: WE → PP → poll.
func (p *Programmer) WriteSector(addr uint32, data []byte) error {
	if addr%SectorSize != 0 {
		return fmt.Errorf("spiflash: sector address 0x%06x is not sector-aligned", addr)
	}
	if len(data) != SectorSize {
		return fmt.Errorf("spiflash: sector write requires exactly %d bytes, got %d", SectorSize, len(data))
	}
	if err := p.EraseSector(addr); err != nil {
		return err
	}
	for off := 0; off < SectorSize; off += PageSize {
		if err := p.ProgramPage(addr+uint32(off), data[off:off+PageSize]); err != nil {
			return err
		}
	}
	return nil
}
