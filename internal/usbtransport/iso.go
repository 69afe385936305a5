package usbtransport

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/gousb"
)

// PacketSize is the negotiated isochronous packet size (spec.md §3/§6):
// one of 512, 1024 or 3072 device bytes per microframe depending on the
// device's reported high-bandwidth capability.
type PacketSize int

const (
	PacketSize512  PacketSize = 512
	PacketSize1024 PacketSize = 1024
	PacketSize3072 PacketSize = 3072
)

// IsoCallback receives one reaped isochronous payload. It must not block;
// the caller is expected to copy out what it needs (the TS ingest
// reassembler copies into its own tail buffer) because the backing slice
// is reused by the next staging buffer.
type IsoCallback func(payload []byte)

// IsoStream owns the claimed isochronous endpoint and the staging pool
// gousb multiplexes transfers through. Cancel stops the pump goroutine;
// after Cancel returns, the callback is guaranteed not to be invoked
// again (spec.md §4.1: "the callback must neither free the request
// buffer nor resubmit" after cancellation — gousb's stream Close()
// provides that guarantee for us since it owns the transfer queue).
type IsoStream struct {
	ep     *gousb.InEndpoint
	stream *gousb.ReadStream
	done   chan struct{}
	closed atomic.Bool
}

// IsoSubmit claims the isochronous endpoint, allocates nBufs staging
// buffers of packetSize bytes each (spec.md §4.1, typ. nBufs=16) and
// starts a dedicated pump goroutine that invokes cb for every reaped
// payload until Cancel is called or a non-timeout read error occurs.
func (t *Transport) IsoSubmit(packetSize PacketSize, nBufs int, cb IsoCallback) (*IsoStream, error) {
	epIso, err := t.intf.InEndpoint(EndpointIsoIn)
	if err != nil {
		return nil, fmt.Errorf("usbtransport: open iso-in: %w", err)
	}

	stream, err := epIso.NewStream(int(packetSize), nBufs)
	if err != nil {
		return nil, fmt.Errorf("usbtransport: start iso stream: %w", err)
	}

	is := &IsoStream{
		ep:     epIso,
		stream: stream,
		done:   make(chan struct{}),
	}

	go is.pump(cb, int(packetSize))

	return is, nil
}

// pump runs on the dedicated USB event thread (spec.md §5): it only
// reassembles-by-copy and hands payloads to cb, never performing any
// other work, matching the "no work in the callback beyond reassembly
// and enqueue" design note. Cancel() unblocks the in-flight Read by
// closing the underlying stream, per gousb's stream semantics, so no
// separate bounded-wait poll is needed here.
func (is *IsoStream) pump(cb IsoCallback, bufSize int) {
	defer close(is.done)

	buf := make([]byte, bufSize)
	for {
		n, err := is.stream.Read(buf)
		if n > 0 {
			cb(buf[:n])
		}
		if err != nil {
			if is.closed.Load() || err == io.EOF {
				return
			}
			// Spurious completion (e.g. a transient libusb error):
			// spec.md allows resubmit-after-spurious-completion as
			// local recovery, so loop unless cancelled.
			continue
		}
	}
}

// Cancel stops the pump and releases the staging pool. After it returns,
// no further callback invocations occur and the isochronous endpoint has
// been released (spec.md §5 cancellation discipline).
func (is *IsoStream) Cancel() error {
	if !is.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := is.stream.Close()
	<-is.done
	return err
}
