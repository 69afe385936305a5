package frontend

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jokersys/dvbcore/internal/blindscan"
	"github.com/jokersys/dvbcore/internal/devicerr"
)

// Register map for the satellite demodulator (grounded on original_source's
// cxd2841er_blind_scan.h chip-id table and lock-state ladder; this driver
// targets the DVB-S/S2 chip family identified by chipIDS2).
const (
	cxd2841RegChipID    = 0x00
	cxd2841RegSystem    = 0x01 // 0=DVB-S, 1=DVB-S2
	cxd2841RegFreqKHz   = 0x10 // 4 bytes, big-endian
	cxd2841RegSymRateK  = 0x14 // 4 bytes, big-endian
	cxd2841RegTuneCmd   = 0x18 // write 1 to (re)start acquisition
	cxd2841RegLock      = 0x20 // lock ladder, see lock* consts below
	cxd2841RegSignal    = 0x22 // 2 bytes, big-endian, 0x0000..0xffff
	cxd2841RegSNR       = 0x24 // 2 bytes, big-endian, signed milli-dB
	cxd2841RegBERNum    = 0x26 // 4 bytes, big-endian
	cxd2841RegBERDen    = 0x2a // 4 bytes, big-endian
	cxd2841RegUncorBlk  = 0x2e // 4 bytes, big-endian
	cxd2841RegSleep     = 0x30 // write 1 to sleep, 0 to wake
	cxd2841RegI2CGate   = 0x32 // write 1 to open the tuner I2C repeater
	cxd2841RegDiseqcTX  = 0x40 // DiSEqC master command FIFO
	cxd2841RegDiseqcLen = 0x41
	cxd2841RegTone      = 0x42 // 0=off, 1=on
	cxd2841RegVoltage   = 0x43 // LNB supply mirror, informational only
)

const (
	lockNone    = 0x00
	lockSignal  = 0x01
	lockCarrier = 0x02
	lockFEC     = 0x03
	lockSync    = 0x04
)

const chipIDS2 = 0xA5 // SONY_DEMOD_CHIP_ID_CXD2842 in original_source

// pollInterval is the advisory Tune poll interval this chip family
// recommends while acquisition is in progress.
const pollInterval = 25 * time.Millisecond

// CXD2841 drives a Sony CXD2841-family DVB-S/S2 demodulator over I2C
// (spec.md §4.4). It implements SatelliteDriver; DiSEqC, tone and voltage
// control are exposed only through this concrete type, matched by
// Frontend's satellite() type assertion.
type CXD2841 struct {
	i2c  I2C
	addr byte
	lnb  LNBSupply
}

// NewCXD2841 returns a driver for the chip at addr, using lnb for voltage
// switching (spec.md §4.4 set_voltage delegates to the LNB supply chip).
func NewCXD2841(i2c I2C, addr byte, lnb LNBSupply) *CXD2841 {
	return &CXD2841{i2c: i2c, addr: addr, lnb: lnb}
}

func (d *CXD2841) reg(reg byte, n int) ([]byte, error) {
	if err := d.i2c.Write(d.addr, []byte{reg}); err != nil {
		return nil, fmt.Errorf("frontend: select register 0x%02x: %w", reg, err)
	}
	return d.i2c.Read(d.addr, n)
}

func (d *CXD2841) writeReg(reg byte, data []byte) error {
	buf := append([]byte{reg}, data...)
	if err := d.i2c.Write(d.addr, buf); err != nil {
		return fmt.Errorf("frontend: write register 0x%02x: %w", reg, err)
	}
	return nil
}

// Init verifies the chip responds with the expected identifier.
func (d *CXD2841) Init() error {
	id, err := d.reg(cxd2841RegChipID, 1)
	if err != nil {
		return fmt.Errorf("frontend: read chip id: %w", err)
	}
	if id[0] != chipIDS2 {
		return devicerr.ErrDemodHwState
	}
	return nil
}

func (d *CXD2841) Sleep() error   { return d.writeReg(cxd2841RegSleep, []byte{1}) }
func (d *CXD2841) Release() error { return d.writeReg(cxd2841RegSleep, []byte{1}) }

// SetFrontend programs frequency, symbol rate and delivery system and
// kicks off acquisition (spec.md §4.4 set_frontend).
func (d *CXD2841) SetFrontend(ctx context.Context, p Params) error {
	var sys byte
	switch p.System {
	case SystemDVBS:
		sys = 0
	case SystemDVBS2:
		sys = 1
	default:
		return fmt.Errorf("frontend: cxd2841 does not support delivery system %d", p.System)
	}
	if err := d.writeReg(cxd2841RegSystem, []byte{sys}); err != nil {
		return err
	}
	freq := make([]byte, 4)
	binary.BigEndian.PutUint32(freq, p.FrequencyKHz)
	if err := d.writeReg(cxd2841RegFreqKHz, freq); err != nil {
		return err
	}
	sr := make([]byte, 4)
	binary.BigEndian.PutUint32(sr, p.SymbolRateKSym)
	if err := d.writeReg(cxd2841RegSymRateK, sr); err != nil {
		return err
	}
	return d.writeReg(cxd2841RegTuneCmd, []byte{1})
}

// Tune polls the lock ladder until LockSync or ctx expires, returning the
// advisory poll interval a caller should use for subsequent ReadStatus
// calls (spec.md §4.4 tune).
func (d *CXD2841) Tune(ctx context.Context, retune bool) (time.Duration, error) {
	if retune {
		if err := d.writeReg(cxd2841RegTuneCmd, []byte{1}); err != nil {
			return 0, err
		}
	}
	for {
		status, err := d.ReadStatus()
		if err != nil {
			return 0, err
		}
		if status.Lock == LockSync {
			return pollInterval, nil
		}
		select {
		case <-ctx.Done():
			return pollInterval, devicerr.ErrNoLock
		case <-time.After(pollInterval):
		}
	}
}

func (d *CXD2841) ReadStatus() (Status, error) {
	lock, err := d.reg(cxd2841RegLock, 1)
	if err != nil {
		return Status{}, err
	}
	var ls LockState
	switch lock[0] {
	case lockSignal:
		ls = LockSignal
	case lockCarrier:
		ls = LockCarrier
	case lockFEC:
		ls = LockFEC
	case lockSync:
		ls = LockSync
	default:
		ls = LockNone
	}

	strength, err := d.ReadSignalStrength()
	if err != nil {
		return Status{}, err
	}
	snr, err := d.ReadSNR()
	if err != nil {
		return Status{}, err
	}
	berNum, berDen, err := d.ReadBER()
	if err != nil {
		return Status{}, err
	}
	uncor, err := d.ReadUncorrectedBlocks()
	if err != nil {
		return Status{}, err
	}

	return Status{
		Lock:           ls,
		SignalStrength: strength,
		SNRMilliDB:     snr,
		BERNum:         berNum,
		BERDen:         berDen,
		UncorrectedBlk: uncor,
	}, nil
}

func (d *CXD2841) ReadSignalStrength() (uint16, error) {
	b, err := d.reg(cxd2841RegSignal, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *CXD2841) ReadBER() (uint32, uint32, error) {
	num, err := d.reg(cxd2841RegBERNum, 4)
	if err != nil {
		return 0, 0, err
	}
	den, err := d.reg(cxd2841RegBERDen, 4)
	if err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint32(num), binary.BigEndian.Uint32(den), nil
}

func (d *CXD2841) ReadSNR() (int32, error) {
	b, err := d.reg(cxd2841RegSNR, 2)
	if err != nil {
		return 0, err
	}
	return int32(int16(binary.BigEndian.Uint16(b))), nil
}

func (d *CXD2841) ReadUncorrectedBlocks() (uint32, error) {
	b, err := d.reg(cxd2841RegUncorBlk, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// I2CGateCtrl opens or closes the demodulator's I2C repeater to the
// tuner, required before any tuner register access (spec.md §4.4).
func (d *CXD2841) I2CGateCtrl(open bool) error {
	v := byte(0)
	if open {
		v = 1
	}
	return d.writeReg(cxd2841RegI2CGate, []byte{v})
}

func (d *CXD2841) DiseqcSendMasterCmd(cmd []byte) error {
	if len(cmd) == 0 || len(cmd) > 6 {
		return fmt.Errorf("frontend: diseqc master command must be 1..6 bytes, got %d", len(cmd))
	}
	if err := d.writeReg(cxd2841RegDiseqcLen, []byte{byte(len(cmd))}); err != nil {
		return err
	}
	return d.writeReg(cxd2841RegDiseqcTX, cmd)
}

func (d *CXD2841) SetTone(t Tone) error {
	v := byte(0)
	if t == ToneOn {
		v = 1
	}
	return d.writeReg(cxd2841RegTone, []byte{v})
}

func (d *CXD2841) SetVoltage(v Voltage) error {
	if err := d.lnb.SetVoltage(v); err != nil {
		return err
	}
	return d.writeReg(cxd2841RegVoltage, []byte{byte(v)})
}

// Registers used only by the blind-scan sub-sequences (spec.md §4.9).
// CS and BT are host-software state machines driven by these primitive
// reads, not self-contained hardware searches: grounded on
// original_source's cxd2841er_blind_scan.c, whose CS_STATE_* and
// BT_STATE_* switches poll exactly this kind of single-bit/single-value
// register (monitor_SymbolRate's ITRL_LOCK, blindscan_GetSRSFIN's
// IFSM_SRSFIN_ARS, monitor_SyncStat's ITSLOCK, monitor_Pilot's PLSC/pilot
// bits) between host-side computation steps.
const (
	cxd2841RegSSFreqKHz     = 0x50 // 4 bytes, spectrum sweep frequency to sample
	cxd2841RegSSPower       = 0x54 // 2 bytes, relative power level at the swept frequency
	cxd2841RegSRSFin        = 0x58 // bit0: symbol-rate search finished (IFSM_SRSFIN_ARS)
	cxd2841RegTRLLock       = 0x59 // bit0: timing recovery loop locked (ITRL_LOCK)
	cxd2841RegDetSymRateSps = 0x5a // 4 bytes, detected symbol rate once TRL locked
	cxd2841RegTSLock        = 0x5e // bit0: transport-stream lock (ITSLOCK)
	cxd2841RegPLSCLock      = 0x5f // bit0: PL signalling code locked
	cxd2841RegPilotOn       = 0x60 // bit0: pilot symbols present in this transmission
	cxd2841RegDetSystem     = 0x61 // 0=DVB-S, 1=DVB-S2, valid once TS locked
)

// csPeakSearchHalfSteps/csPeakStepKHz define the CS sub-sequence's
// initial peak search: an 11-point window spanning ±500 kHz around the
// candidate center in 100 kHz steps (cxd2841er_blind_scan.c
// CS_STATE_PEAK_SEARCH_START/PEAK_SEARCHING).
const (
	csPeakSearchHalfSteps = 5
	csPeakStepKHz         = 100
)

// csEdgeFoundPct/csEdgeAbortPct are the CS edge-walk's integer-percent
// power thresholds relative to the peak (LOVAL/HIVAL in
// cxd2841er_blind_scan.c): peakPower*100 > power*csEdgeFoundPct means
// power has dropped to roughly 73% of peak or below (edge found);
// power*100 > peakPower*csEdgeAbortPct means power has grown past
// roughly 150% of peak (an adjacent carrier, abort this candidate).
const (
	csEdgeFoundPct = 137
	csEdgeAbortPct = 150
)

// csStepTableKHz is the CS edge walk's outward step table
// (get_step_cs in cxd2841er_blind_scan.c): three linear 100 kHz steps,
// then a geometric series 400kHz * 1.1^k for k = 0..23. Index 0 is
// unused (the walk always starts at index 1).
var csStepTableKHz = [...]uint32{
	0, 100, 200, 300,
	400, 440, 484, 532, 586, 644, 709, 779, 857, 943, 1037, 1141,
	1255, 1381, 1519, 1671, 1838, 2022, 2224, 2446, 2691, 2960, 3256, 3582,
}

const (
	// btTRLLockDeadline bounds how long BT waits for the symbol-rate
	// search to finish and the timing loop to lock before giving up
	// (cxd2841er_blind_scan.c BT_STATE_WAIT_SRSFIN).
	btTRLLockDeadline = 10 * time.Second
	// btTSLockTimeoutExtraMS pads the symbol-rate-dependent TS-lock
	// deadline (BT_STATE_WAIT_SRSFIN's timeout computation).
	btTSLockTimeoutExtraMS = 150
)

// SpectrumPower samples signal power at freqKHz for the blind-scan
// spectrum sweep (SS sub-sequence) and for the CS sub-sequence's peak
// search and edge walk.
func (d *CXD2841) SpectrumPower(freqKHz uint32) (int32, error) {
	freq := make([]byte, 4)
	binary.BigEndian.PutUint32(freq, freqKHz)
	if err := d.writeReg(cxd2841RegSSFreqKHz, freq); err != nil {
		return 0, err
	}
	b, err := d.reg(cxd2841RegSSPower, 2)
	if err != nil {
		return 0, err
	}
	return int32(int16(binary.BigEndian.Uint16(b))), nil
}

// CandidateLock runs the CS sub-sequence: a peak search around
// centerKHz followed by an outward edge walk in both directions,
// deriving a coarse symbol rate from the resulting bandwidth estimate
// (spec.md §4.9, cxd2841er_blind_scan.c
// sony_demod_dvbs_s2_blindscan_subseq_cs_Sequence).
func (d *CXD2841) CandidateLock(ctx context.Context, centerKHz, minSRKSps, maxSRKSps uint32) (bool, uint32, error) {
	peakPower, peakOffsetKHz, err := d.csPeakSearch(ctx, centerKHz)
	if err != nil {
		return false, 0, err
	}

	lowerKHz, ok, err := d.csEdgeWalk(ctx, centerKHz, peakOffsetKHz, peakPower, -1)
	if err != nil || !ok {
		return false, 0, err
	}
	upperKHz, ok, err := d.csEdgeWalk(ctx, centerKHz, peakOffsetKHz, peakPower, 1)
	if err != nil || !ok {
		return false, 0, err
	}
	if upperKHz <= lowerKHz {
		return false, 0, nil
	}
	sr := upperKHz - lowerKHz
	if sr < minSRKSps || sr > maxSRKSps {
		return false, 0, nil
	}
	return true, sr, nil
}

// csPeakSearch samples the ±500 kHz/100 kHz window around centerKHz and
// returns the strongest sample's power and its signed offset from
// centerKHz.
func (d *CXD2841) csPeakSearch(ctx context.Context, centerKHz uint32) (peakPower, peakOffsetKHz int32, err error) {
	first := true
	for idx := -csPeakSearchHalfSteps; idx <= csPeakSearchHalfSteps; idx++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, devicerr.ErrCancelled
		}
		offset := int32(idx) * csPeakStepKHz
		p, err := d.SpectrumPower(offsetFreqKHz(centerKHz, offset))
		if err != nil {
			return 0, 0, err
		}
		if first || p > peakPower {
			peakPower, peakOffsetKHz = p, offset
			first = false
		}
	}
	return peakPower, peakOffsetKHz, nil
}

// csEdgeWalk walks outward from the peak in dir (-1 lower, +1 upper)
// along csStepTableKHz until the sampled power drops to csEdgeFoundPct
// of the peak (edge found, returns the edge frequency and true) or
// grows past csEdgeAbortPct (an adjacent carrier; returns false with no
// error). Running off the end of the step table without resolving is
// also a false/no-error result.
func (d *CXD2841) csEdgeWalk(ctx context.Context, centerKHz uint32, peakOffsetKHz, peakPower int32, dir int32) (uint32, bool, error) {
	for idx := 1; idx < len(csStepTableKHz); idx++ {
		if err := ctx.Err(); err != nil {
			return 0, false, devicerr.ErrCancelled
		}
		step := int32(csStepTableKHz[idx]) * dir
		freq := offsetFreqKHz(centerKHz, peakOffsetKHz+step)
		p, err := d.SpectrumPower(freq)
		if err != nil {
			return 0, false, err
		}
		switch {
		case int64(peakPower)*100 > int64(p)*csEdgeFoundPct:
			return freq, true, nil
		case int64(p)*100 > int64(peakPower)*csEdgeAbortPct:
			return 0, false, nil
		}
	}
	return 0, false, nil
}

func offsetFreqKHz(centerKHz uint32, offsetKHz int32) uint32 {
	return uint32(int64(centerKHz) + int64(offsetKHz))
}

// ChannelLock runs the BT sub-sequence: tune, wait for the timing loop
// to lock within btTRLLockDeadline, then wait for TS lock within a
// symbol-rate-dependent timeout, retrying once if the stream has simply
// turned its pilot symbols off (spec.md §4.9, cxd2841er_blind_scan.c
// sony_demod_dvbs_s2_blindscan_subseq_bt_Sequence).
func (d *CXD2841) ChannelLock(ctx context.Context, centerKHz, srKSps uint32) (bool, blindscan.System, error) {
	if err := d.SetFrontend(ctx, Params{System: SystemDVBS2, FrequencyKHz: centerKHz, SymbolRateKSym: srKSps}); err != nil {
		return false, 0, err
	}
	if err := d.writeReg(cxd2841RegTuneCmd, []byte{1}); err != nil {
		return false, 0, err
	}

	trlLocked, detSRKSps, err := d.waitTRLLock(ctx)
	if err != nil {
		return false, 0, err
	}
	if !trlLocked {
		return false, 0, nil
	}

	timeout := btTSLockTimeout(detSRKSps)
	locked, err := d.waitTSLock(ctx, timeout)
	if err != nil {
		return false, 0, err
	}
	if locked {
		return d.readLockedSystem()
	}

	// A PLS-locked stream with no pilot symbols just needs longer to
	// converge; retry the same timeout window once before giving up.
	plscLocked, pilotOn, err := d.readPilotStatus()
	if err != nil {
		return false, 0, err
	}
	if plscLocked && !pilotOn {
		locked, err = d.waitTSLock(ctx, timeout)
		if err != nil {
			return false, 0, err
		}
		if locked {
			return d.readLockedSystem()
		}
	}
	return false, 0, nil
}

// waitTRLLock polls for the symbol-rate search to finish and the
// timing-recovery loop to lock, up to btTRLLockDeadline. It returns the
// detected symbol rate in kSym/s once locked.
func (d *CXD2841) waitTRLLock(ctx context.Context) (bool, uint32, error) {
	start := time.Now()
	for {
		fin, err := d.symbolRateSearchFinished()
		if err != nil {
			return false, 0, err
		}
		if fin {
			locked, err := d.timingLoopLocked()
			if err != nil {
				return false, 0, err
			}
			if !locked {
				return false, 0, nil
			}
			sps, err := d.detectedSymbolRateSps()
			if err != nil {
				return false, 0, err
			}
			return true, (sps + 500) / 1000, nil
		}
		if time.Since(start) > btTRLLockDeadline {
			return false, 0, nil
		}
		select {
		case <-ctx.Done():
			return false, 0, devicerr.ErrCancelled
		case <-time.After(pollInterval):
		}
	}
}

// waitTSLock polls for transport-stream lock up to timeout.
func (d *CXD2841) waitTSLock(ctx context.Context, timeout time.Duration) (bool, error) {
	start := time.Now()
	for {
		locked, err := d.tsLocked()
		if err != nil {
			return false, err
		}
		if locked {
			return true, nil
		}
		if time.Since(start) > timeout {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, devicerr.ErrCancelled
		case <-time.After(pollInterval):
		}
	}
}

// btTSLockTimeout computes the symbol-rate-dependent TS-lock deadline:
// 3,600,000/detSRKSps milliseconds (the time for 3.6 million symbols),
// rounded up, plus a fixed btTSLockTimeoutExtraMS guard band
// (cxd2841er_blind_scan.c BT_STATE_WAIT_SRSFIN).
func btTSLockTimeout(detSRKSps uint32) time.Duration {
	if detSRKSps == 0 {
		detSRKSps = 1
	}
	ms := (3_600_000+detSRKSps-1)/detSRKSps + btTSLockTimeoutExtraMS
	return time.Duration(ms) * time.Millisecond
}

func (d *CXD2841) symbolRateSearchFinished() (bool, error) {
	b, err := d.reg(cxd2841RegSRSFin, 1)
	if err != nil {
		return false, err
	}
	return b[0]&0x01 != 0, nil
}

func (d *CXD2841) timingLoopLocked() (bool, error) {
	b, err := d.reg(cxd2841RegTRLLock, 1)
	if err != nil {
		return false, err
	}
	return b[0]&0x01 != 0, nil
}

func (d *CXD2841) detectedSymbolRateSps() (uint32, error) {
	b, err := d.reg(cxd2841RegDetSymRateSps, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *CXD2841) tsLocked() (bool, error) {
	b, err := d.reg(cxd2841RegTSLock, 1)
	if err != nil {
		return false, err
	}
	return b[0]&0x01 != 0, nil
}

func (d *CXD2841) readPilotStatus() (plscLocked, pilotOn bool, err error) {
	plsc, err := d.reg(cxd2841RegPLSCLock, 1)
	if err != nil {
		return false, false, err
	}
	pilot, err := d.reg(cxd2841RegPilotOn, 1)
	if err != nil {
		return false, false, err
	}
	return plsc[0]&0x01 != 0, pilot[0]&0x01 != 0, nil
}

func (d *CXD2841) readLockedSystem() (bool, blindscan.System, error) {
	b, err := d.reg(cxd2841RegDetSystem, 1)
	if err != nil {
		return false, 0, err
	}
	if b[0] == 1 {
		return true, blindscan.SystemDVBS2, nil
	}
	return true, blindscan.SystemDVBS, nil
}

// BlindScan runs the full blind-scan state machine (spec.md §4.9) over
// this demodulator and translates its results into Detections.
func (d *CXD2841) BlindScan(ctx context.Context, fMinKHz, fMaxKHz, srMinKSym, srMaxKSym uint32, progress func(BlindScanProgress)) ([]Detection, error) {
	results, err := blindscan.Run(ctx, d, blindscan.Range{
		MinFreqKHz: fMinKHz, MaxFreqKHz: fMaxKHz,
		MinSymbolRateKSps: srMinKSym, MaxSymbolRateKSps: srMaxKSym,
	}, func(p blindscan.Progress) {
		if progress != nil {
			progress(BlindScanProgress{StagePercent: p.Percent, Stage: p.Stage})
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]Detection, 0, len(results))
	for _, r := range results {
		sys := SystemDVBS
		if r.System == blindscan.SystemDVBS2 {
			sys = SystemDVBS2
		}
		out = append(out, Detection{System: sys, CenterKHz: r.CenterKHz, SymbolRateK: r.SymbolRateKSps})
	}
	return out, nil
}
