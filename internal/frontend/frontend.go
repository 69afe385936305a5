// Package frontend is the polymorphic demodulator/tuner abstraction
// (spec.md §4.4, component C4): it hides whether a concrete demodulator
// variant exposes a one-shot tune or a continuous search behind a single
// non-blocking configure + pollable status interface.
package frontend

import (
	"context"
	"time"

	"github.com/jokersys/dvbcore/internal/devicerr"
)

// SpectralInversion is an optional tune parameter some satellite
// demodulators can report and others cannot (SPEC_FULL.md §9 Open
// Question decision).
type SpectralInversion int

const (
	InversionAuto SpectralInversion = iota
	InversionNormal
	InversionInverted
)

// DeliverySystem distinguishes DVB-S from DVB-S2/S2X tuning parameter
// sets; only satellite systems expose diseqc/tone/voltage/blind_scan.
type DeliverySystem int

const (
	SystemDVBS DeliverySystem = iota
	SystemDVBS2
	SystemDVBT
	SystemDVBT2
	SystemDVBC
)

// Params is the configuration a caller hands to SetFrontend (spec.md §3
// Frontend Parameters).
type Params struct {
	System            DeliverySystem
	FrequencyKHz      uint32
	SymbolRateKSym    uint32 // satellite only
	Modulation        string
	FEC               string
	SpectralInversion SpectralInversion
}

// LockState mirrors the demodulator's coarse lock ladder.
type LockState int

const (
	LockNone LockState = iota
	LockSignal
	LockCarrier
	LockFEC
	LockSync
)

// Status is the polled frontend state (spec.md §3 Frontend Status, with
// the rolling-average fields restored from original_source in SPEC_FULL.md
// §3).
type Status struct {
	Lock           LockState
	SignalStrength uint16 // 0x0000 weak .. 0xFFFF strong
	SNRMilliDB     int32
	BERNum         uint32
	BERDen         uint32
	UncorrectedBlk uint32
	AvgRF          float64
	AvgCNR         float64
	SampleCount    uint32
}

// Voltage is the LNB supply voltage state (satellite only).
type Voltage int

const (
	VoltageOff Voltage = iota
	Voltage13
	Voltage18
)

// Tone is the 22 kHz DiSEqC tone state.
type Tone int

const (
	ToneOff Tone = iota
	ToneOn
)

// I2C is the narrow register-level surface a demodulator driver needs.
type I2C interface {
	Write(addr7 byte, data []byte) error
	Read(addr7 byte, n int) ([]byte, error)
}

// LNBSupply is the narrow surface the voltage-set path needs from the
// LNB supply chip driver (lnb.go).
type LNBSupply interface {
	SetVoltage(v Voltage) error
}

// Driver is the interface a concrete demodulator variant implements; the
// generic Frontend wraps any Driver into the uniform operation set of
// spec.md §4.4.
type Driver interface {
	Init() error
	Sleep() error
	Release() error
	SetFrontend(ctx context.Context, p Params) error
	// Tune returns the host's advisory poll interval for ReadStatus.
	Tune(ctx context.Context, retune bool) (time.Duration, error)
	ReadStatus() (Status, error)
	ReadSignalStrength() (uint16, error)
	ReadBER() (num, den uint32, err error)
	ReadSNR() (milliDB int32, err error)
	ReadUncorrectedBlocks() (uint32, error)
	I2CGateCtrl(open bool) error
}

// SatelliteDriver extends Driver with the satellite-only operations.
type SatelliteDriver interface {
	Driver
	DiseqcSendMasterCmd(cmd []byte) error
	SetTone(t Tone) error
	SetVoltage(v Voltage) error
	BlindScan(ctx context.Context, fMinKHz, fMaxKHz, srMinKSym, srMaxKSym uint32, progress func(BlindScanProgress)) ([]Detection, error)
}

// BlindScanProgress is the in-process progress callback shape blindscan
// reports through (mirrored to Prometheus in SPEC_FULL.md §4.9).
type BlindScanProgress struct {
	StagePercent int
	Stage        string
}

// Detection is one confirmed blind-scan channel (spec.md §4.9 FS output).
type Detection struct {
	System       DeliverySystem
	CenterKHz    uint32
	SymbolRateK  uint32
}

// Frontend wraps a concrete Driver and is the handle callers hold
// (spec.md §4.4).
type Frontend struct {
	drv Driver
}

// New wraps drv into the uniform Frontend interface.
func New(drv Driver) *Frontend {
	return &Frontend{drv: drv}
}

func (f *Frontend) Init() error    { return f.drv.Init() }
func (f *Frontend) Sleep() error   { return f.drv.Sleep() }
func (f *Frontend) Release() error { return f.drv.Release() }

func (f *Frontend) SetFrontend(ctx context.Context, p Params) error {
	return f.drv.SetFrontend(ctx, p)
}

func (f *Frontend) Tune(ctx context.Context, retune bool) (time.Duration, error) {
	return f.drv.Tune(ctx, retune)
}

func (f *Frontend) ReadStatus() (Status, error) { return f.drv.ReadStatus() }

func (f *Frontend) ReadSignalStrength() (uint16, error) { return f.drv.ReadSignalStrength() }

func (f *Frontend) ReadBER() (uint32, uint32, error) { return f.drv.ReadBER() }

func (f *Frontend) ReadSNR() (int32, error) { return f.drv.ReadSNR() }

func (f *Frontend) ReadUncorrectedBlocks() (uint32, error) { return f.drv.ReadUncorrectedBlocks() }

func (f *Frontend) I2CGateCtrl(open bool) error { return f.drv.I2CGateCtrl(open) }

func (f *Frontend) satellite() (SatelliteDriver, error) {
	sat, ok := f.drv.(SatelliteDriver)
	if !ok {
		return nil, devicerr.ErrNotSatelliteDriver
	}
	return sat, nil
}

func (f *Frontend) DiseqcSendMasterCmd(cmd []byte) error {
	sat, err := f.satellite()
	if err != nil {
		return err
	}
	return sat.DiseqcSendMasterCmd(cmd)
}

func (f *Frontend) SetTone(t Tone) error {
	sat, err := f.satellite()
	if err != nil {
		return err
	}
	return sat.SetTone(t)
}

func (f *Frontend) SetVoltage(v Voltage) error {
	sat, err := f.satellite()
	if err != nil {
		return err
	}
	return sat.SetVoltage(v)
}

func (f *Frontend) BlindScan(ctx context.Context, fMinKHz, fMaxKHz, srMinKSym, srMaxKSym uint32, progress func(BlindScanProgress)) ([]Detection, error) {
	sat, err := f.satellite()
	if err != nil {
		return nil, err
	}
	return sat.BlindScan(ctx, fMinKHz, fMaxKHz, srMinKSym, srMaxKSym, progress)
}
