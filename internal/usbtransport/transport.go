// Package usbtransport owns the USB device handle (component C1) and
// exposes the two primitives the rest of the core needs: a blocking
// request/reply exchange over the bulk endpoint pair, and a callback-fed
// isochronous ingest stream. The pattern (gousb.Context -> Device ->
// Config -> Interface -> Endpoints, with context-bounded reads on the
// bulk-IN endpoint) mirrors the pack's own bulk-USB driver.
package usbtransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/jokersys/dvbcore/internal/devicerr"
)

const (
	usbInterfaceNum  = 0
	usbAltSetting    = 0
	usbConfiguration = 1

	EndpointBulkOut = 0x02
	EndpointBulkIn  = 0x81
	EndpointIsoIn   = 0x83
)

// Transport owns one claimed USB interface and serializes exchanges with
// its own mutex, independent of the higher-level cmdbus.Bus mutex, so a
// Transport is safe to share even outside the command-bus discipline
// (e.g. during device open/close sequencing).
type Transport struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
	epIso  *gousb.InEndpoint
	mu     sync.Mutex
	deadline time.Duration
}

// Open claims interface 0 of the device identified by vid/pid at
// configuration 1 (spec.md §6) and opens the bulk-OUT/bulk-IN pair. The
// isochronous endpoint is opened lazily by IsoSubmit so a pure
// control-plane caller never pays for it.
func Open(vid, pid uint16, bulkTimeout time.Duration) (*Transport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: open device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: device %04x:%04x not found", vid, pid)
	}

	cfg, err := dev.Config(usbConfiguration)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: set config: %w", err)
	}

	intf, err := cfg.Interface(usbInterfaceNum, usbAltSetting)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: claim interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(EndpointBulkOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: open bulk-out: %w", err)
	}

	epIn, err := intf.InEndpoint(EndpointBulkIn)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: open bulk-in: %w", err)
	}

	if bulkTimeout <= 0 {
		bulkTimeout = 200 * time.Millisecond
	}

	return &Transport{
		ctx:      ctx,
		dev:      dev,
		cfg:      cfg,
		intf:     intf,
		epOut:    epOut,
		epIn:     epIn,
		deadline: bulkTimeout,
	}, nil
}

// Close releases the claimed interface first, then the configuration,
// the device handle and the libusb context.
func (t *Transport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		t.dev.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}

// Exchange writes out on bulk-OUT then, if inLen > 0, reads exactly
// inLen bytes from bulk-IN within the configured deadline (spec.md
// §4.1). It is the sole blocking suspension point this package exposes
// to cmdbus.Bus.
func (t *Transport) Exchange(out []byte, inLen int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.deadline)
	defer cancel()

	n, err := t.epOut.WriteContext(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("usbtransport: write: %w", classifyErr(err))
	}
	if n != len(out) {
		return nil, fmt.Errorf("usbtransport: wrote %d/%d: %w", n, len(out), devicerr.ErrIoShortWrite)
	}

	if inLen == 0 {
		return nil, nil
	}

	in := make([]byte, inLen)
	n, err = t.epIn.ReadContext(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("usbtransport: read: %w", classifyErr(err))
	}
	if n != inLen {
		return nil, fmt.Errorf("usbtransport: read %d/%d: %w", n, inLen, devicerr.ErrIoShortRead)
	}
	return in, nil
}

func classifyErr(err error) error {
	if err == context.DeadlineExceeded {
		return devicerr.ErrIoTimeout
	}
	return err
}
