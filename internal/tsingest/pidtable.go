package tsingest

import "sync/atomic"

// WildcardPID means "all PIDs" in the hook API (spec.md §3/§6).
const WildcardPID uint16 = 0x2000

// Hook is invoked at most once per arriving packet of its PID, never
// concurrently for the same PID (spec.md §3 invariant), always on the TS
// worker goroutine.
type Hook func(pid uint16, packet []byte, ctx any)

type hookEntry struct {
	fn  Hook
	ctx any
}

// pidTable is copy-on-write from the worker's point of view: Set
// installs a brand new map, so the worker's in-flight dispatch loop
// never observes a table mutating under it (spec.md §5).
type pidTable struct {
	entries atomic.Pointer[map[uint16]hookEntry]
}

func newPIDTable() *pidTable {
	t := &pidTable{}
	empty := map[uint16]hookEntry{}
	t.entries.Store(&empty)
	return t
}

// Set installs (or clears, with fn==nil) the hook for pid.
func (t *pidTable) Set(pid uint16, fn Hook, ctx any) {
	old := *t.entries.Load()
	next := make(map[uint16]hookEntry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if fn == nil {
		delete(next, pid)
	} else {
		next[pid] = hookEntry{fn: fn, ctx: ctx}
	}
	t.entries.Store(&next)
}

// dispatch invokes the hook registered for pid, falling back to the
// wildcard hook if present. Both may fire for a single packet: a
// specific hook first, then the wildcard, matching a tap/filter split.
func (t *pidTable) dispatch(pid uint16, packet []byte) {
	m := *t.entries.Load()
	if e, ok := m[pid]; ok {
		e.fn(pid, packet, e.ctx)
	}
	if e, ok := m[WildcardPID]; ok {
		e.fn(pid, packet, e.ctx)
	}
}

// PacketPID extracts the 13-bit PID from a 188-byte TS packet (spec.md §6).
func PacketPID(packet []byte) uint16 {
	return uint16(packet[1]&0x1f)<<8 | uint16(packet[2])
}
