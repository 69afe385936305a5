// Package blindscan implements the cooperative blind-scan sequencer
// (spec.md §4.9, component C9): a single-threaded state machine that
// sweeps a frequency range for power, extracts carrier candidates from
// the resulting spectrum ("wagiri" slicing), and fine-locks each
// candidate to confirm its delivery system and symbol rate.
//
// Grounded on original_source's cxd2841er_blind_scan.h state enums
// (BLINDSCAN_SEQ_STATE_*, SS/CS/BT/FS sub-sequence states) for naming and
// on the "wagiri" candidate-extraction description in spec.md §4.9.
package blindscan

import (
	"context"
	"fmt"
	"sort"

	"github.com/jokersys/dvbcore/internal/devicerr"
)

// System is the delivery system a fine-lock attempt confirmed.
type System int

const (
	SystemDVBS System = iota
	SystemDVBS2
)

// Scanner is the narrow set of register-level primitives the sequencer
// needs from a concrete demodulator driver. frontend.CXD2841 implements
// this structurally; this package never imports frontend.
type Scanner interface {
	// SpectrumPower samples power (centi-dB) at freqKHz during a sweep.
	SpectrumPower(freqKHz uint32) (int32, error)
	// CandidateLock runs the coarse symbol-rate search (CS) around
	// centerKHz, reporting whether a carrier exists and its measured
	// symbol rate in kSym/s.
	CandidateLock(ctx context.Context, centerKHz, minSRKSps, maxSRKSps uint32) (exists bool, symbolRateKSps uint32, err error)
	// ChannelLock attempts a full fine lock (BT) on a candidate,
	// classifying its delivery system once locked.
	ChannelLock(ctx context.Context, centerKHz, srKSps uint32) (locked bool, system System, err error)
}

// Range is the user-requested scan window (spec.md §4.9).
type Range struct {
	MinFreqKHz        uint32
	MaxFreqKHz        uint32
	MinSymbolRateKSps uint32
	MaxSymbolRateKSps uint32
}

// Progress is the sequencer's major/minor progress report.
type Progress struct {
	Stage   string // "SPECTRUM", "STAGE1", "STAGE2", "FS2", "CS", "FS3"
	Percent int    // 0..100, major-stage progress per spec.md §4.9
}

// Result is one confirmed channel.
type Result struct {
	System        System
	CenterKHz     uint32
	SymbolRateKSps uint32
}

// candidate is one carrier hypothesis surfaced by spectrum slicing.
type candidate struct {
	centerKHz         uint32
	minSRKSps         uint32
	maxSRKSps         uint32
}

// maxCandidates bounds the fixed-size candidate arena (spec.md §4.9
// "fixed-size arenas"); exceeding it is a hard StorageOverflow error
// rather than unbounded growth.
const maxCandidates = 4096

// sweepStepKHz is the tuner-step resolution used for the power sweep.
// spec.md §4.9 distinguishes 2 MHz (stage 1) / 500 kHz (stage 2) / 1 MHz
// merge-dedup resolution; this implementation uses one fixed-resolution
// sweep plus the wagiri slicer rather than the full three-stage
// composition (documented simplification, see DESIGN.md).
const sweepStepKHz = 500

// clipStepCentiDB is the descending-level slicing increment for wagiri
// candidate extraction.
const clipStepCentiDB = 50

// Run drives the full sequencer over r and returns every confirmed
// channel. progress may be nil. Lock timeouts (ChannelLock returning
// locked=false) abort only the current candidate; any error returned by
// a Scanner method aborts the whole scan (spec.md §4.9 failure
// semantics).
func Run(ctx context.Context, s Scanner, r Range, progress func(Progress)) ([]Result, error) {
	report := func(stage string, pct int) {
		if progress != nil {
			progress(Progress{Stage: stage, Percent: pct})
		}
	}

	samples, err := sweep(ctx, s, r, report)
	if err != nil {
		return nil, err
	}
	report("SPECTRUM", 10)

	candidates := extractCandidates(samples, r)
	if len(candidates) > maxCandidates {
		return nil, devicerr.ErrStorageOverflow
	}
	report("STAGE1", 25)

	refined := make([]candidate, 0, len(candidates))
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, devicerr.ErrCancelled
		}
		exists, sr, err := s.CandidateLock(ctx, c.centerKHz, c.minSRKSps, c.maxSRKSps)
		if err != nil {
			return nil, fmt.Errorf("blindscan: candidate lock at %d kHz: %w", c.centerKHz, err)
		}
		if exists {
			refined = append(refined, candidate{centerKHz: c.centerKHz, minSRKSps: sr, maxSRKSps: sr})
		}
		report("CS", 55+int(float64(i+1)/float64(len(candidates))*20))
	}

	var results []Result
	for i, c := range refined {
		if err := ctx.Err(); err != nil {
			return nil, devicerr.ErrCancelled
		}
		locked, system, err := s.ChannelLock(ctx, c.centerKHz, c.minSRKSps)
		if err != nil {
			return nil, fmt.Errorf("blindscan: channel lock at %d kHz: %w", c.centerKHz, err)
		}
		if locked {
			results = append(results, Result{System: system, CenterKHz: c.centerKHz, SymbolRateKSps: c.minSRKSps})
		}
		report("FS3", 75+int(float64(i+1)/float64(len(refined))*25))
	}

	report("FS3", 100)
	return results, nil
}

type powerSample struct {
	freqKHz uint32
	powerCentiDB int32
}

func sweep(ctx context.Context, s Scanner, r Range, report func(string, int)) ([]powerSample, error) {
	if r.MaxFreqKHz <= r.MinFreqKHz {
		return nil, fmt.Errorf("blindscan: invalid frequency range [%d, %d] kHz", r.MinFreqKHz, r.MaxFreqKHz)
	}
	span := r.MaxFreqKHz - r.MinFreqKHz
	steps := span/sweepStepKHz + 1
	samples := make([]powerSample, 0, steps)
	for f := r.MinFreqKHz; f <= r.MaxFreqKHz; f += sweepStepKHz {
		if err := ctx.Err(); err != nil {
			return nil, devicerr.ErrCancelled
		}
		p, err := s.SpectrumPower(f)
		if err != nil {
			return nil, fmt.Errorf("blindscan: spectrum power at %d kHz: %w", f, err)
		}
		samples = append(samples, powerSample{freqKHz: f, powerCentiDB: p})
		report("SPECTRUM", int(float64(f-r.MinFreqKHz)/float64(span)*10))
	}
	return samples, nil
}

// extractCandidates implements the "wagiri" slicing algorithm of
// spec.md §4.9: descending power-level clips yield segments, which are
// converted to center/width candidates. A candidate whose center lies
// within 1 MHz of an earlier one is merged into it (mergeCandidate);
// candidates are not fused by width overlap, and adjacent segments are
// not paired (no MP mode).
func extractCandidates(samples []powerSample, r Range) []candidate {
	if len(samples) == 0 {
		return nil
	}
	maxP, minP := samples[0].powerCentiDB, samples[0].powerCentiDB
	for _, s := range samples {
		if s.powerCentiDB > maxP {
			maxP = s.powerCentiDB
		}
		if s.powerCentiDB < minP {
			minP = s.powerCentiDB
		}
	}

	var found []candidate
	for level := maxP; level >= minP; level -= clipStepCentiDB {
		for _, seg := range segmentsAbove(samples, level) {
			centerKHz := (seg.startKHz + seg.stopKHz) / 2
			width := seg.stopKHz - seg.startKHz
			minSR := symbolRateFromWidth(width, 4, 3) // width ≈ (1+rolloff) * symbolRate; rolloff assumed 0.35 max
			maxSR := symbolRateFromWidth(width, 1, 1)
			if maxSR < r.MinSymbolRateKSps || minSR > r.MaxSymbolRateKSps {
				continue
			}
			found = mergeCandidate(found, candidate{centerKHz: centerKHz, minSRKSps: minSR, maxSRKSps: maxSR})
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].centerKHz < found[j].centerKHz })
	return found
}

// symbolRateFromWidth converts an occupied-bandwidth estimate (kHz) to a
// symbol-rate estimate (kSym/s) via width ≈ num/den * symbolRate.
func symbolRateFromWidth(widthKHz uint32, num, den uint32) uint32 {
	if num == 0 {
		return widthKHz
	}
	return widthKHz * den / num
}

type segment struct {
	startKHz uint32
	stopKHz  uint32
}

func segmentsAbove(samples []powerSample, level int32) []segment {
	var segs []segment
	var start uint32
	inSeg := false
	for _, s := range samples {
		if s.powerCentiDB > level {
			if !inSeg {
				start = s.freqKHz
				inSeg = true
			}
		} else if inSeg {
			segs = append(segs, segment{startKHz: start, stopKHz: s.freqKHz})
			inSeg = false
		}
	}
	if inSeg {
		segs = append(segs, segment{startKHz: start, stopKHz: samples[len(samples)-1].freqKHz})
	}
	return segs
}

// mergeCandidate folds c into found if an existing candidate's center is
// within 1 MHz (spec.md §4.9 dedup rule), widening its symbol-rate range
// to the union; otherwise appends c.
func mergeCandidate(found []candidate, c candidate) []candidate {
	const dedupKHz = 1000
	for i, f := range found {
		if absDiff(f.centerKHz, c.centerKHz) <= dedupKHz {
			if c.minSRKSps < found[i].minSRKSps {
				found[i].minSRKSps = c.minSRKSps
			}
			if c.maxSRKSps > found[i].maxSRKSps {
				found[i].maxSRKSps = c.maxSRKSps
			}
			return found
		}
	}
	return append(found, c)
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
