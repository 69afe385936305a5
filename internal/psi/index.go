// Package psi runs the section reassembler described in spec.md §4.6 over
// PID 0 (PAT), discovered PMT PIDs and the SDT PID, maintaining the
// program list (component C6). The selected-program set is kept by
// filter.Coordinator, not here.
package psi

import (
	"fmt"
	"sync"
)

// Program mirrors spec.md §3's Program type.
type Program struct {
	Number          uint16
	Name            string
	PMTPID          uint16
	HasVideo        bool
	HasAudio        bool
	Streams         []Stream
	PMTVersion      uint8
	SDTServiceName  string
	SDTProviderName string
}

// CAMState enumerates whether a program's ECM has been forwarded to a CAM
// (spec.md §3 Program.CAMState). Program has no CAMState field, and no
// package in this module sets or reads a CAMState.
type CAMState int

const (
	CAMStateNone CAMState = iota
	CAMStatePendingSend
	CAMStateSent
)

// Index maintains the live program list from PAT/PMT/SDT sections
// (spec.md §4.6). It is safe for concurrent reads from any goroutine; one
// feeder goroutine is expected to call the Feed* methods.
type Index struct {
	mu sync.RWMutex

	patReassembler *SectionReassembler
	pmtByPID       map[uint16]*SectionReassembler
	sdtReassembler *SectionReassembler

	transportStreamID uint16
	patVersion        uint8
	havePAT           bool

	programs map[uint16]*Program // by program_number
	pmtPID   map[uint16]uint16   // program_number -> PMT PID, mirrors PAT

	onChange func()
}

// NewIndex returns an Index with a PAT reassembler primed on PID 0x00.
func NewIndex() *Index {
	return &Index{
		patReassembler: NewSectionReassembler(),
		pmtByPID:       make(map[uint16]*SectionReassembler),
		sdtReassembler: NewSectionReassembler(),
		programs:       make(map[uint16]*Program),
		pmtPID:         make(map[uint16]uint16),
	}
}

// OnChange registers a callback invoked after any PAT/PMT update that
// changes the program list or an elementary-stream set, matching the
// pack's callback-driven wiring style.
func (idx *Index) OnChange(fn func()) {
	idx.mu.Lock()
	idx.onChange = fn
	idx.mu.Unlock()
}

// FeedPacket routes one TS packet to the PAT, a known PMT, or the SDT
// reassembler by PID, whichever applies. Packets of uninteresting PIDs are
// ignored. newPMTPIDs reports any newly discovered PMT PIDs this call
// caused the index to start tracking, so the caller (the PAT hook that
// device.Open installs) can install a PID hook for each of them.
func (idx *Index) FeedPacket(pid uint16, packet []byte) (newPMTPIDs []uint16) {
	switch {
	case pid == 0x00:
		if section := idx.patReassembler.Feed(packet); section != nil {
			newPMTPIDs = idx.applyPAT(section)
		}
	case pid == 0x11:
		if section := idx.sdtReassembler.Feed(packet); section != nil {
			idx.applySDT(section)
		}
	default:
		idx.mu.Lock()
		r, ok := idx.pmtByPID[pid]
		idx.mu.Unlock()
		if !ok {
			return nil
		}
		if section := r.Feed(packet); section != nil {
			idx.applyPMT(pid, section)
		}
	}
	return newPMTPIDs
}

func (idx *Index) applyPAT(section []byte) (newPMTPIDs []uint16) {
	pat, err := ParsePAT(section)
	if err != nil {
		return nil
	}

	idx.mu.Lock()
	if idx.havePAT && idx.patVersion == pat.Version {
		idx.mu.Unlock()
		return nil
	}
	idx.havePAT = true
	idx.patVersion = pat.Version
	idx.transportStreamID = pat.TransportStreamID

	seen := make(map[uint16]bool, len(pat.Programs))
	for number, pmtPID := range pat.Programs {
		seen[number] = true
		if idx.pmtPID[number] == pmtPID {
			continue
		}
		idx.pmtPID[number] = pmtPID
		p, ok := idx.programs[number]
		if !ok {
			p = &Program{Number: number, Name: fmt.Sprintf("program-%d", number)}
			idx.programs[number] = p
		}
		p.PMTPID = pmtPID
		if _, tracking := idx.pmtByPID[pmtPID]; !tracking {
			idx.pmtByPID[pmtPID] = NewSectionReassembler()
			newPMTPIDs = append(newPMTPIDs, pmtPID)
		}
	}
	for number := range idx.programs {
		if !seen[number] {
			delete(idx.programs, number)
			delete(idx.pmtPID, number)
		}
	}
	cb := idx.onChange
	idx.mu.Unlock()

	if cb != nil {
		cb()
	}
	return newPMTPIDs
}

func (idx *Index) applyPMT(pmtPID uint16, section []byte) {
	pmt, err := ParsePMT(section)
	if err != nil {
		return
	}

	idx.mu.Lock()
	p, ok := idx.programs[pmt.ProgramNumber]
	if !ok {
		idx.mu.Unlock()
		return
	}
	if p.PMTVersion == pmt.Version && p.Streams != nil {
		idx.mu.Unlock()
		return
	}
	p.PMTVersion = pmt.Version
	p.Streams = pmt.Streams
	p.HasVideo = pmt.HasVideo()
	p.HasAudio = pmt.HasAudio()
	cb := idx.onChange
	idx.mu.Unlock()

	if cb != nil {
		cb()
	}
}

func (idx *Index) applySDT(section []byte) {
	names := ParseSDTServiceNames(section)
	if len(names) == 0 {
		return
	}
	idx.mu.Lock()
	for number, p := range idx.programs {
		if n, ok := names[number]; ok {
			p.SDTServiceName = n.ServiceName
			p.SDTProviderName = n.ProviderName
			if n.ServiceName != "" {
				p.Name = n.ServiceName
			}
		}
	}
	idx.mu.Unlock()
}

// Programs returns a snapshot of the current program list.
func (idx *Index) Programs() []Program {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Program, 0, len(idx.programs))
	for _, p := range idx.programs {
		out = append(out, *p)
	}
	return out
}

// TransportStreamID returns the most recently parsed PAT's stream id.
func (idx *Index) TransportStreamID() uint16 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.transportStreamID
}
