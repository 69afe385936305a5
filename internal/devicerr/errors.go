// Package devicerr defines the typed error kinds surfaced by the DVB
// capture core across its USB, I2C, control-bus, frontend, LNB and
// ring-buffer layers.
package devicerr

import "errors"

// USB transport (C1).
var (
	ErrIoTimeout    = errors.New("usb: io timeout")
	ErrIoShortRead  = errors.New("usb: short read")
	ErrIoShortWrite = errors.New("usb: short write")
	ErrIoCancelled  = errors.New("usb: io cancelled")
)

// I2C master (C3).
var (
	ErrI2cNoAck    = errors.New("i2c: no ack")
	ErrI2cArbLost  = errors.New("i2c: arbitration lost")
	ErrI2cTimeout  = errors.New("i2c: timeout")
)

// Control bus (C2).
var (
	ErrBadFrame      = errors.New("cmdbus: malformed frame")
	ErrUnknownOpcode = errors.New("cmdbus: unknown opcode")
)

// Frontend (C4).
var (
	ErrNoLock             = errors.New("frontend: no lock")
	ErrDemodHwState       = errors.New("frontend: demodulator in bad hardware state")
	ErrNotSatelliteDriver = errors.New("frontend: operation requires a satellite driver")
)

// LNB supply.
var (
	ErrLnbOutOfRange  = errors.New("lnb: output voltage out of range")
	ErrLnbCurrentLow  = errors.New("lnb: output current below threshold")
	ErrLnbOvercurrent = errors.New("lnb: overcurrent protection tripped")
)

// TS ingest (C5) / blind scan (C9).
var (
	ErrRingOverflow    = errors.New("tsingest: retention ring overflow, dropped")
	ErrStorageOverflow = errors.New("blindscan: candidate arena exhausted")
)

// CI link / CAM byte channel (C8).
var (
	ErrCamNotPresent = errors.New("cam: module not present in slot")
	ErrCamNotReady   = errors.New("cam: link not ready")
	ErrTpduTooLarge  = errors.New("cam: tpdu payload exceeds link frame size")
)

// SPI flash programmer (C10).
var (
	ErrSpiFlashIDMismatch = errors.New("spiflash: unexpected device id")
	ErrSpiFlashTimeout    = errors.New("spiflash: operation poll timed out")
)

// Blind scan (C9).
var (
	ErrBlindScanLockTimeout = errors.New("blindscan: lock timeout, candidate abandoned")
)

// Cooperative cancellation, shared by every long-running activity.
var ErrCancelled = errors.New("operation cancelled")
