package frontend

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jokersys/dvbcore/internal/blindscan"
	"github.com/jokersys/dvbcore/internal/devicerr"
	"github.com/stretchr/testify/require"
)

// fakeI2C models a single demodulator register file: Write([reg]) selects
// a register, Write([reg, data...]) selects-and-stores, Read(n) returns n
// bytes from the currently selected register.
type fakeI2C struct {
	regs     map[byte][]byte
	selected byte
}

func newFakeI2C() *fakeI2C { return &fakeI2C{regs: map[byte][]byte{}} }

func (f *fakeI2C) Write(addr byte, data []byte) error {
	f.selected = data[0]
	if len(data) > 1 {
		f.regs[f.selected] = append([]byte(nil), data[1:]...)
	}
	return nil
}

func (f *fakeI2C) Read(addr byte, n int) ([]byte, error) {
	v, ok := f.regs[f.selected]
	if !ok {
		return make([]byte, n), nil
	}
	out := make([]byte, n)
	copy(out, v)
	return out, nil
}

func (f *fakeI2C) set(reg byte, data []byte) { f.regs[reg] = data }

type fakeLNB struct {
	lastVoltage Voltage
}

func (f *fakeLNB) SetVoltage(v Voltage) error { f.lastVoltage = v; return nil }

func TestInitRejectsUnexpectedChipID(t *testing.T) {
	i2c := newFakeI2C()
	i2c.set(cxd2841RegChipID, []byte{0xFF})
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})
	require.Error(t, d.Init())
}

func TestInitAcceptsExpectedChipID(t *testing.T) {
	i2c := newFakeI2C()
	i2c.set(cxd2841RegChipID, []byte{chipIDS2})
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})
	require.NoError(t, d.Init())
}

func TestTuneReturnsOnceLockSyncObserved(t *testing.T) {
	i2c := newFakeI2C()
	i2c.set(cxd2841RegLock, []byte{lockSync})
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	interval, err := d.Tune(ctx, false)
	require.NoError(t, err)
	require.Equal(t, pollInterval, interval)
}

func TestTuneTimesOutWithoutLock(t *testing.T) {
	i2c := newFakeI2C()
	i2c.set(cxd2841RegLock, []byte{lockSignal})
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := d.Tune(ctx, false)
	require.Error(t, err)
}

func TestReadStatusDecodesAllFields(t *testing.T) {
	i2c := newFakeI2C()
	i2c.set(cxd2841RegLock, []byte{lockFEC})
	i2c.set(cxd2841RegSignal, []byte{0x80, 0x00})
	snr := make([]byte, 2)
	binary.BigEndian.PutUint16(snr, uint16(int16(-150)))
	i2c.set(cxd2841RegSNR, snr)
	berNum := make([]byte, 4)
	binary.BigEndian.PutUint32(berNum, 3)
	i2c.set(cxd2841RegBERNum, berNum)
	berDen := make([]byte, 4)
	binary.BigEndian.PutUint32(berDen, 1_000_000)
	i2c.set(cxd2841RegBERDen, berDen)

	d := NewCXD2841(i2c, 0x68, &fakeLNB{})
	st, err := d.ReadStatus()
	require.NoError(t, err)
	require.Equal(t, LockFEC, st.Lock)
	require.Equal(t, uint16(0x8000), st.SignalStrength)
	require.Equal(t, int32(-150), st.SNRMilliDB)
	require.Equal(t, uint32(3), st.BERNum)
	require.Equal(t, uint32(1_000_000), st.BERDen)
}

func TestSetVoltageDelegatesToLNBSupply(t *testing.T) {
	i2c := newFakeI2C()
	lnb := &fakeLNB{}
	d := NewCXD2841(i2c, 0x68, lnb)
	require.NoError(t, d.SetVoltage(Voltage18))
	require.Equal(t, Voltage18, lnb.lastVoltage)
}

func TestFrontendRejectsSatelliteOpsOnNonSatelliteDriver(t *testing.T) {
	f := New(&stubDriver{})
	require.Error(t, f.SetTone(ToneOn))
	require.Error(t, f.SetVoltage(Voltage18))
	require.Error(t, f.DiseqcSendMasterCmd([]byte{0xe0}))
}

// stubDriver satisfies Driver but not SatelliteDriver.
type stubDriver struct{}

func (stubDriver) Init() error    { return nil }
func (stubDriver) Sleep() error   { return nil }
func (stubDriver) Release() error { return nil }
func (stubDriver) SetFrontend(ctx context.Context, p Params) error { return nil }
func (stubDriver) Tune(ctx context.Context, retune bool) (time.Duration, error) { return 0, nil }
func (stubDriver) ReadStatus() (Status, error)                     { return Status{}, nil }
func (stubDriver) ReadSignalStrength() (uint16, error)             { return 0, nil }
func (stubDriver) ReadBER() (uint32, uint32, error)                { return 0, 0, nil }
func (stubDriver) ReadSNR() (int32, error)                         { return 0, nil }
func (stubDriver) ReadUncorrectedBlocks() (uint32, error)          { return 0, nil }
func (stubDriver) I2CGateCtrl(open bool) error                     { return nil }

// freqPowerI2C simulates SpectrumPower as a function of the last
// frequency written to cxd2841RegSSFreqKHz, for exercising the CS
// sub-sequence's peak search and edge walk against a synthetic power
// profile.
type freqPowerI2C struct {
	power    func(freqKHz uint32) int32
	regs     map[byte][]byte
	selected byte
}

func newFreqPowerI2C(power func(uint32) int32) *freqPowerI2C {
	return &freqPowerI2C{power: power, regs: map[byte][]byte{}}
}

func (f *freqPowerI2C) Write(addr byte, data []byte) error {
	f.selected = data[0]
	if len(data) > 1 {
		f.regs[f.selected] = append([]byte(nil), data[1:]...)
	}
	return nil
}

func (f *freqPowerI2C) Read(addr byte, n int) ([]byte, error) {
	if f.selected == cxd2841RegSSPower {
		freq := binary.BigEndian.Uint32(f.regs[cxd2841RegSSFreqKHz])
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(int16(f.power(freq))))
		return out, nil
	}
	v, ok := f.regs[f.selected]
	if !ok {
		return make([]byte, n), nil
	}
	out := make([]byte, n)
	copy(out, v)
	return out, nil
}

func TestCSPeakSearchFindsStrongestSample(t *testing.T) {
	const center = 1_000_000
	i2c := newFreqPowerI2C(func(freq uint32) int32 {
		if freq == center+200 {
			return 900
		}
		return 100
	})
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})

	power, offset, err := d.csPeakSearch(context.Background(), center)
	require.NoError(t, err)
	require.Equal(t, int32(900), power)
	require.Equal(t, int32(200), offset)
}

// TestCSEdgeWalkFindsEdgeAtSearchWindowBoundary places the carrier's
// edge exactly at a step-table boundary: power holds at peak through
// the 300 kHz step and only drops on the next (400 kHz) step.
func TestCSEdgeWalkFindsEdgeAtSearchWindowBoundary(t *testing.T) {
	const center = 1_000_000
	i2c := newFreqPowerI2C(func(freq uint32) int32 {
		if freq <= center+300 {
			return 1000
		}
		return 100
	})
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})

	edge, ok, err := d.csEdgeWalk(context.Background(), center, 0, 1000, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(center+400), edge)
}

// TestCSEdgeWalkAbortsOnAdjacentCarrier exercises the HIVAL abort path:
// power grows well past the peak instead of dropping, as it would next
// to a second, stronger carrier.
func TestCSEdgeWalkAbortsOnAdjacentCarrier(t *testing.T) {
	const center = 1_000_000
	i2c := newFreqPowerI2C(func(freq uint32) int32 {
		if freq <= center+200 {
			return 1000
		}
		return 2000
	})
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})

	_, ok, err := d.csEdgeWalk(context.Background(), center, 0, 1000, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestCandidateLockTwoAdjacentCarriers confirms the CS edge walk from
// one carrier's peak stops at the valley between it and a neighbor
// rather than reading through to the neighbor's own peak.
func TestCandidateLockTwoAdjacentCarriers(t *testing.T) {
	const centerA = 1_000_000
	const centerB = 1_003_000 // 3 MHz away, its own plateau starts at +2700 from centerA
	i2c := newFreqPowerI2C(func(freq uint32) int32 {
		switch {
		case freq >= centerA-300 && freq <= centerA+300:
			return 1000
		case freq >= centerB-300 && freq <= centerB+300:
			return 1000
		default:
			return 50
		}
	})
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})

	exists, sr, err := d.CandidateLock(context.Background(), centerA, 0, 100_000)
	require.NoError(t, err)
	require.True(t, exists)
	require.Less(t, sr, uint32(3000), "edge walk must stop in the valley, not reach the neighbor's plateau")
}

// scriptedBTI2C drives the BT sub-sequence's primitive registers with
// simple read counters, so tests can exercise TRL/TS-lock polling
// without waiting out real hardware timing.
type scriptedBTI2C struct {
	regs     map[byte][]byte
	selected byte

	srsfinAfter   int // read count before SRSFin reports set
	trlLocked     bool
	detSymRateSps uint32

	tsLockAfter int // cumulative TSLock read count before it reports locked; -1 = never
	plscLocked  bool
	pilotOn     bool
	detSystem   byte

	srsfinReads int
	tsLockReads int
}

func newScriptedBTI2C() *scriptedBTI2C {
	return &scriptedBTI2C{regs: map[byte][]byte{}, tsLockAfter: -1}
}

func (s *scriptedBTI2C) Write(addr byte, data []byte) error {
	s.selected = data[0]
	if len(data) > 1 {
		s.regs[s.selected] = append([]byte(nil), data[1:]...)
	}
	return nil
}

func (s *scriptedBTI2C) Read(addr byte, n int) ([]byte, error) {
	switch s.selected {
	case cxd2841RegSRSFin:
		v := byte(0)
		if s.srsfinReads >= s.srsfinAfter {
			v = 1
		}
		s.srsfinReads++
		return []byte{v}, nil
	case cxd2841RegTRLLock:
		if s.trlLocked {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case cxd2841RegDetSymRateSps:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, s.detSymRateSps)
		return b, nil
	case cxd2841RegTSLock:
		v := byte(0)
		if s.tsLockAfter >= 0 && s.tsLockReads >= s.tsLockAfter {
			v = 1
		}
		s.tsLockReads++
		return []byte{v}, nil
	case cxd2841RegPLSCLock:
		if s.plscLocked {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case cxd2841RegPilotOn:
		if s.pilotOn {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case cxd2841RegDetSystem:
		return []byte{s.detSystem}, nil
	default:
		v, ok := s.regs[s.selected]
		if !ok {
			return make([]byte, n), nil
		}
		out := make([]byte, n)
		copy(out, v)
		return out, nil
	}
}

func TestWaitTRLLockSucceeds(t *testing.T) {
	i2c := newScriptedBTI2C()
	i2c.srsfinAfter = 0
	i2c.trlLocked = true
	i2c.detSymRateSps = 27_500_500
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})

	locked, srKSps, err := d.waitTRLLock(context.Background())
	require.NoError(t, err)
	require.True(t, locked)
	require.Equal(t, uint32(27_501), srKSps)
}

func TestWaitTRLLockFailsWhenTimingLoopNeverLocks(t *testing.T) {
	i2c := newScriptedBTI2C()
	i2c.srsfinAfter = 0
	i2c.trlLocked = false
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})

	locked, _, err := d.waitTRLLock(context.Background())
	require.NoError(t, err)
	require.False(t, locked)
}

func TestWaitTRLLockCancelledByContext(t *testing.T) {
	i2c := newScriptedBTI2C()
	i2c.srsfinAfter = 1_000_000 // never reached within the test's deadline
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, _, err := d.waitTRLLock(ctx)
	require.ErrorIs(t, err, devicerr.ErrCancelled)
}

func TestBTTSLockTimeoutFormula(t *testing.T) {
	require.Equal(t, 3_750*time.Millisecond, btTSLockTimeout(1_000))
	require.Equal(t, 151*time.Millisecond, btTSLockTimeout(3_600_000))
}

// TestChannelLockRetriesOnPilotOff exercises the pilot-off retry path:
// TS lock does not arrive within the first symbol-rate-dependent
// timeout window, the stream reports PLS-locked with pilot symbols
// off, and TS lock then arrives within the retried window.
func TestChannelLockRetriesOnPilotOff(t *testing.T) {
	i2c := newScriptedBTI2C()
	i2c.srsfinAfter = 0
	i2c.trlLocked = true
	i2c.detSymRateSps = 3_600_000_000 // yields a short (~151ms) TS-lock window
	i2c.plscLocked = true
	i2c.pilotOn = false
	i2c.tsLockAfter = 10 // past the first window's poll count, within the second's
	i2c.detSystem = 1
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})

	locked, system, err := d.ChannelLock(context.Background(), 1_000_000, 27_500)
	require.NoError(t, err)
	require.True(t, locked)
	require.Equal(t, blindscan.SystemDVBS2, system)
}

// TestChannelLockFailsWithoutPilotRetryWhenNotPLSCLocked confirms the
// retry is only attempted for a genuinely pilot-off stream, not every
// TS-lock timeout.
func TestChannelLockFailsWithoutPilotRetryWhenNotPLSCLocked(t *testing.T) {
	i2c := newScriptedBTI2C()
	i2c.srsfinAfter = 0
	i2c.trlLocked = true
	i2c.detSymRateSps = 3_600_000_000
	i2c.plscLocked = false
	d := NewCXD2841(i2c, 0x68, &fakeLNB{})

	locked, _, err := d.ChannelLock(context.Background(), 1_000_000, 27_500)
	require.NoError(t, err)
	require.False(t, locked)
}
