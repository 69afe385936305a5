// Package cam exposes the CI link byte channel to a single CAM
// (Conditional Access Module) slot (spec.md §4.8, component C8): status
// polling, attribute-memory reads, TS-through-CAM routing, and a framed
// TPDU send/receive pair over the link-layer two-byte header. An
// optional loopback TCP relay bridges that channel to a single external
// client for EN50221 application-layer traffic, which stays out of this
// module's scope (spec.md Non-goals).
//
// Grounded on original_source's joker_ci.c/joker_ci.h for the channel
// shape; the EN50221 MMI/descramble application layer in
// joker_en50221.c is explicitly out of scope.
package cam

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/jokersys/dvbcore/internal/devicerr"
)

// maxTPDUPayload bounds one link-layer frame's payload (spec.md §6 CI
// link-layer frame: up to 4094 bytes of TPDU payload after the 2-byte
// header).
const maxTPDUPayload = 4094

// Status is the CAM slot's coarse state (spec.md §4.8 ci_read_status).
type Status struct {
	ModulePresent bool
	HasData       bool
	Ready         bool
}

// statusBit positions within the CIStatus register word. Bit layout is
// this module's own; original_source only documents the three named
// conditions, not their exact register encoding.
const (
	statusBitPresent = 1 << 0
	statusBitHasData = 1 << 1
	statusBitReady   = 1 << 2
)

// Bus is the narrow cmdbus surface the CAM channel drives.
type Bus interface {
	CIStatus() (uint16, error)
	CIReadMem(addr uint16) (uint16, error)
	CIEnableTS(enable bool) error
	CIWrite(data []byte) error
	CIRead(n int) ([]byte, error)
}

// Channel owns the CI link to one CAM slot.
type Channel struct {
	bus Bus

	mu        sync.Mutex
	relay     net.Listener
	relayWG   sync.WaitGroup
	relayID   uuid.UUID
	stopRelay chan struct{}

	// OnReply, if set, is called by the loopback relay for every reply
	// TPDU it reads back from the CAM, before the reply is written to the
	// relay client (spec.md §4.8 "invokes an upcall whenever the CAM posts
	// a reply"). RecvTPDU itself does not call it.
	OnReply func(connectionID byte, payload []byte)
}

// New binds a Channel to the command bus.
func New(bus Bus) *Channel {
	return &Channel{bus: bus}
}

// ReadStatus reports module presence, pending-data and readiness
// (spec.md §4.8 ci_read_status).
func (c *Channel) ReadStatus() (Status, error) {
	v, err := c.bus.CIStatus()
	if err != nil {
		return Status{}, fmt.Errorf("cam: read status: %w", err)
	}
	return Status{
		ModulePresent: v&statusBitPresent != 0,
		HasData:       v&statusBitHasData != 0,
		Ready:         v&statusBitReady != 0,
	}, nil
}

// ReadAttributeMemory reads one 16-bit word from CAM attribute memory at
// addr (spec.md §4.8 ci_read_attr_mem).
func (c *Channel) ReadAttributeMemory(addr uint16) (uint16, error) {
	st, err := c.ReadStatus()
	if err != nil {
		return 0, err
	}
	if !st.ModulePresent {
		return 0, devicerr.ErrCamNotPresent
	}
	v, err := c.bus.CIReadMem(addr)
	if err != nil {
		return 0, fmt.Errorf("cam: read attribute memory 0x%04x: %w", addr, err)
	}
	return v, nil
}

// EnableTS routes the live TS through the CAM for descrambling when
// enable is true, or bypasses it when false (spec.md §4.8 ci_enable_ts).
func (c *Channel) EnableTS(enable bool) error {
	if err := c.bus.CIEnableTS(enable); err != nil {
		return fmt.Errorf("cam: enable ts: %w", err)
	}
	return nil
}

// SendTPDU prepends the link-layer header (connection_id, more/last) and
// writes payload, chunking into maxTPDUPayload-sized frames when
// necessary (spec.md §4.8/§6).
func (c *Channel) SendTPDU(connectionID byte, payload []byte) error {
	st, err := c.ReadStatus()
	if err != nil {
		return err
	}
	if !st.ModulePresent {
		return devicerr.ErrCamNotPresent
	}
	if !st.Ready {
		return devicerr.ErrCamNotReady
	}

	if len(payload) == 0 {
		return c.bus.CIWrite([]byte{connectionID, 1})
	}
	for off := 0; off < len(payload); off += maxTPDUPayload {
		end := off + maxTPDUPayload
		if end > len(payload) {
			end = len(payload)
		}
		last := byte(1)
		if end < len(payload) {
			last = 0
		}
		frame := make([]byte, 2+end-off)
		frame[0] = connectionID
		frame[1] = last
		copy(frame[2:], payload[off:end])
		if err := c.bus.CIWrite(frame); err != nil {
			return fmt.Errorf("cam: write tpdu: %w", err)
		}
	}
	return nil
}

// RecvTPDU reads link-layer frames until one carries the last flag,
// strips each header and returns the first frame's connection id with the
// concatenated payloads (spec.md §4.8 tpdu_recv). It returns a nil payload
// when the CAM reports no pending data, and ErrTpduTooLarge when the
// payloads exceed 2*maxTPDUPayload bytes.
func (c *Channel) RecvTPDU() (byte, []byte, error) {
	st, err := c.ReadStatus()
	if err != nil {
		return 0, nil, err
	}
	if !st.ModulePresent {
		return 0, nil, devicerr.ErrCamNotPresent
	}
	if !st.HasData {
		return 0, nil, nil
	}
	hdr, err := c.bus.CIRead(2)
	if err != nil {
		return 0, nil, fmt.Errorf("cam: read tpdu header: %w", err)
	}
	if len(hdr) < 2 {
		return 0, nil, fmt.Errorf("cam: short tpdu header")
	}
	connectionID := hdr[0]

	var frame []byte
	for {
		body, err := c.bus.CIRead(maxTPDUPayload)
		if err != nil {
			return 0, nil, fmt.Errorf("cam: read tpdu body: %w", err)
		}
		frame = append(frame, body...)
		if hdr[1] != 0 { // last
			break
		}
		hdr, err = c.bus.CIRead(2)
		if err != nil {
			return 0, nil, fmt.Errorf("cam: read tpdu continuation header: %w", err)
		}
	}
	if len(frame) > maxTPDUPayload*2 {
		return 0, nil, devicerr.ErrTpduTooLarge
	}
	return connectionID, frame, nil
}

// newRelaySessionID returns a fresh uuid.UUID that tags one accepted
// relay session; acceptLoop stores it in relayID. Nothing is sent to the
// client.
func newRelaySessionID() uuid.UUID { return uuid.New() }

// StartLoopbackRelay binds a TCP listener on addr, closing it with an
// error when the bound address is not a loopback IP, and bridges bytes
// between the CAM channel and exactly one connected client at a time
// (spec.md §4.8: "binds only to the loopback interface"). The accept loop
// runs each session to its end before it accepts the next connection, so
// a second client waits until the active session ends.
func (c *Channel) StartLoopbackRelay(addr string) (net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relay != nil {
		return c.relay.Addr(), nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cam: start loopback relay: %w", err)
	}
	host, _, splitErr := net.SplitHostPort(ln.Addr().String())
	if splitErr == nil {
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			ln.Close()
			return nil, fmt.Errorf("cam: relay must bind loopback, got %s", host)
		}
	}

	c.relay = ln
	c.stopRelay = make(chan struct{})
	c.relayWG.Add(1)
	go c.acceptLoop(ln, c.stopRelay)
	return ln.Addr(), nil
}

func (c *Channel) acceptLoop(ln net.Listener, stop chan struct{}) {
	defer c.relayWG.Done()
	var active net.Conn
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			return
		}
		if active != nil {
			conn.Close()
			continue
		}
		active = conn
		sessionID := newRelaySessionID()
		c.relayID = sessionID
		c.bridge(conn)
		active = nil
	}
}

// bridge copies bytes in both directions between conn and the CAM
// channel until either side closes, invoking OnReply for every TPDU
// read back from the CAM.
func (c *Channel) bridge(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, maxTPDUPayload+2)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if n < 2 {
			continue
		}
		connectionID := buf[0]
		if err := c.SendTPDU(connectionID, buf[2:n]); err != nil {
			return
		}
		replyConn, reply, err := c.RecvTPDU()
		if err != nil {
			return
		}
		if reply == nil {
			continue
		}
		if c.OnReply != nil {
			c.OnReply(replyConn, reply)
		}
		frame := make([]byte, 2+len(reply))
		frame[0] = replyConn
		frame[1] = 1
		copy(frame[2:], reply)
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

// StopLoopbackRelay closes the listener and any active client
// connection, and waits for the accept loop to exit.
func (c *Channel) StopLoopbackRelay() error {
	c.mu.Lock()
	ln := c.relay
	stop := c.stopRelay
	c.relay = nil
	c.stopRelay = nil
	c.mu.Unlock()

	if ln == nil {
		return nil
	}
	close(stop)
	err := ln.Close()
	c.relayWG.Wait()
	return err
}
