// Package filter is the PID allow-list coordinator (spec.md §4.7,
// component C7): given a selected-program set, it computes the union of
// PMT PIDs, elementary-stream PIDs, and the fixed service PID set, issues
// that as the hardware allow-list over the command bus, and installs the
// synthesized-PAT rewrite on the ingest pipeline when selection narrows
// the live program list.
package filter

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jokersys/dvbcore/internal/psi"
)

// Bus is the narrow cmdbus surface the coordinator drives.
type Bus interface {
	FilterAllowAll() error
	FilterDenyAll() error
	FilterAllowOne(pid uint16) error
	FilterDenyOne(pid uint16) error
}

// PATInstaller is the narrow tsingest surface used to install/clear the
// PAT rewrite hook (decouples filter from tsingest's concrete type).
type PATInstaller interface {
	SetPATRewriter(func(patPacket []byte) []byte)
}

// ServicePIDs is the fixed set of service information PIDs that remain
// allowed regardless of program selection (spec.md §4.7).
var ServicePIDs = []uint16{
	0x00,   // PAT
	0x01,   // CAT
	0x02,   // TSDT
	0x10,   // NIT
	0x11,   // SDT
	0x12,   // EIT
	0x13,   // RST
	0x14,   // TDT
	0x1e,   // DIT
	0x1f,   // SIT
	0x1ffb, // ATSC MGT
}

// Coordinator owns the selected-program set and re-derives the allow-list
// and PAT rewrite every time selection or the program index changes.
type Coordinator struct {
	bus   Bus
	index *psi.Index
	ts    PATInstaller

	mu       sync.Mutex
	selected map[uint16]bool
	patVer   atomic.Uint32 // version_number of the synthesized PAT, bumped each time Reapply installs a PAT rewrite
	patCC    atomic.Uint32 // continuity counter for synthesized PAT packets, touched from the reader goroutine
}

// New binds a Coordinator to the command bus, the live program index, and
// the ingest pipeline's PAT-rewrite hook.
func New(bus Bus, index *psi.Index, ts PATInstaller) *Coordinator {
	c := &Coordinator{bus: bus, index: index, ts: ts, selected: make(map[uint16]bool)}
	index.OnChange(func() { _ = c.Reapply() })
	return c
}

// Select replaces the selected-program set and re-derives the allow-list.
// An empty set means "no filtering": allow-all, PAT passthrough.
func (c *Coordinator) Select(programNumbers ...uint16) error {
	c.mu.Lock()
	c.selected = make(map[uint16]bool, len(programNumbers))
	for _, n := range programNumbers {
		c.selected[n] = true
	}
	c.mu.Unlock()
	return c.Reapply()
}

// Reapply recomputes and reissues the allow-list from the current
// selection and program index state. It is also the psi.Index OnChange
// callback, so a PMT version bump while a selection is active updates the
// hardware allow-list without the caller having to re-call Select.
func (c *Coordinator) Reapply() error {
	c.mu.Lock()
	selected := c.selected
	c.mu.Unlock()

	if len(selected) == 0 {
		c.ts.SetPATRewriter(nil)
		return c.bus.FilterAllowAll()
	}

	programs := c.index.Programs()
	pids := map[uint16]bool{}
	for _, pid := range ServicePIDs {
		pids[pid] = true
	}
	patPrograms := map[uint16]uint16{}
	for _, p := range programs {
		if !selected[p.Number] {
			continue
		}
		pids[p.PMTPID] = true
		patPrograms[p.Number] = p.PMTPID
		for _, s := range p.Streams {
			pids[s.PID] = true
		}
	}
	if len(patPrograms) == 0 {
		return fmt.Errorf("filter: no selected program found in current program index")
	}

	if err := c.bus.FilterDenyAll(); err != nil {
		return fmt.Errorf("filter: deny-all: %w", err)
	}
	for pid := range pids {
		if err := c.bus.FilterAllowOne(pid); err != nil {
			return fmt.Errorf("filter: allow-one 0x%04x: %w", pid, err)
		}
	}

	tsid := c.index.TransportStreamID()
	version := byte(c.patVer.Add(1) & 0x1f)
	c.ts.SetPATRewriter(func(patPacket []byte) []byte {
		cc := byte(c.patCC.Add(1) & 0x0f)
		return psi.BuildPAT(tsid, patPrograms, version, cc)
	})
	return nil
}
