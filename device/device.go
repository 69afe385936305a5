// Package device is the top-level facade binding the USB transport,
// command bus, I2C master, frontend, TS ingest pipeline, PSI index,
// filter coordinator, CAM channel and SPI flash programmer into the
// open/tune/stop_ts/close lifecycle spec.md §1 and §5 describe.
//
// Grounded on the teacher's Device struct and reverse-order Close
// pattern (internal/driver/device/controller.go in the retrieval pack),
// generalized from a single-purpose ASIC miner handle into the
// multi-component DVB capture device this module implements.
package device

import (
	"context"
	"fmt"

	"github.com/jokersys/dvbcore/internal/cam"
	"github.com/jokersys/dvbcore/internal/cmdbus"
	"github.com/jokersys/dvbcore/internal/config"
	"github.com/jokersys/dvbcore/internal/filter"
	"github.com/jokersys/dvbcore/internal/frontend"
	"github.com/jokersys/dvbcore/internal/i2c"
	"github.com/jokersys/dvbcore/internal/metrics"
	"github.com/jokersys/dvbcore/internal/psi"
	"github.com/jokersys/dvbcore/internal/spiflash"
	"github.com/jokersys/dvbcore/internal/tsingest"
	"github.com/jokersys/dvbcore/internal/usbtransport"
)

// Satellite LNB supply / demodulator I2C addresses. These are the
// teacher device family's fixed addresses; a future variant table would
// key off USB product ID the way config.Default already keys off
// environment overrides.
const (
	addrDemod = 0x68
	addrLNB   = 0x60
)

// Device owns the full capture pipeline for one physical unit.
type Device struct {
	cfg       config.Config
	metrics   *metrics.Set
	transport *usbtransport.Transport
	bus       *cmdbus.Bus
	i2c       *i2c.Master
	Frontend  *frontend.Frontend
	pipeline  *tsingest.Pipeline
	index     *psi.Index
	filter    *filter.Coordinator
	CAM       *cam.Channel
	SPI       *spiflash.Programmer

	iso    *usbtransport.IsoStream
	cancel context.CancelFunc
}

// Open claims the USB device, brings up the command bus, I2C master and
// frontend, and wires the PSI index into the filter coordinator. It does
// not start TS ingestion; call StartTS for that.
func Open(cfg config.Config) (*Device, error) {
	transport, err := usbtransport.Open(cfg.USBVendorID, cfg.USBProductID, cfg.BulkTimeout)
	if err != nil {
		return nil, err
	}

	m := metrics.New(cfg.MetricsNamespace)
	bus := cmdbus.New(transport, m)

	master, err := i2c.New(bus)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("device: init i2c: %w", err)
	}

	lnb := frontend.NewTPS65233(master, addrLNB)
	demod := frontend.NewCXD2841(master, addrDemod, lnb)
	if err := demod.Init(); err != nil {
		transport.Close()
		return nil, fmt.Errorf("device: init frontend: %w", err)
	}
	fe := frontend.New(demod)

	pipeline := tsingest.New(cfg.RingMaxBytes, m)
	index := psi.NewIndex()
	feed := func(pid uint16, packet []byte, _ any) {
		index.FeedPacket(pid, packet)
	}
	pipeline.SetHook(0x00, func(pid uint16, packet []byte, _ any) {
		for _, pmtPID := range index.FeedPacket(pid, packet) {
			pipeline.SetHook(pmtPID, feed, nil)
		}
	}, nil)
	pipeline.SetHook(0x11, feed, nil)

	coordinator := filter.New(bus, index, pipeline)

	return &Device{
		cfg:       cfg,
		metrics:   m,
		transport: transport,
		bus:       bus,
		i2c:       master,
		Frontend:  fe,
		pipeline:  pipeline,
		index:     index,
		filter:    coordinator,
		CAM:       cam.New(bus),
	}, nil
}

// InitSPI verifies and binds the SPI flash programmer; separate from
// Open because not every capture session touches flash.
func (d *Device) InitSPI(expectedID [3]byte) error {
	p, err := spiflash.New(d.bus, expectedID)
	if err != nil {
		return err
	}
	d.SPI = p
	return nil
}

// SelectPrograms narrows the allow-list to the given program numbers
// (spec.md §4.7); pass no arguments to clear the filter.
func (d *Device) SelectPrograms(programNumbers ...uint16) error {
	return d.filter.Select(programNumbers...)
}

// Metrics exposes the Prometheus collector set for the caller to mount.
func (d *Device) Metrics() *metrics.Set { return d.metrics }

// StartTS claims the isochronous endpoint and starts the ingest
// pipeline's worker and stats goroutines (spec.md §5 USB event thread +
// TS worker).
func (d *Device) StartTS(ctx context.Context, packetSize usbtransport.PacketSize) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.pipeline.Start(runCtx)

	iso, err := d.transport.IsoSubmit(packetSize, d.cfg.IsoBufCount, func(payload []byte) {
		d.pipeline.Feed(payload)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("device: start ts: %w", err)
	}
	d.iso = iso
	return nil
}

// ReadTS pulls sync-aligned TS bytes (spec.md §4.6 read_ts pull API).
func (d *Device) ReadTS(buf []byte) int {
	return d.pipeline.ReadTS(buf)
}

// StopTS cancels isochronous transfers, stops the pipeline worker, and
// joins both in that order (spec.md §5 cancellation discipline).
func (d *Device) StopTS() error {
	if d.iso != nil {
		if err := d.iso.Cancel(); err != nil {
			return fmt.Errorf("device: cancel iso stream: %w", err)
		}
		d.iso = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.pipeline.Stop()
	return nil
}

// BlindScan runs the sequencer over the satellite frontend (spec.md
// §4.9), reporting progress through fn and the per-detection Prometheus
// counter.
func (d *Device) BlindScan(ctx context.Context, fMinKHz, fMaxKHz, srMinKSym, srMaxKSym uint32, fn func(frontend.BlindScanProgress)) ([]frontend.Detection, error) {
	detections, err := d.Frontend.BlindScan(ctx, fMinKHz, fMaxKHz, srMinKSym, srMaxKSym, func(p frontend.BlindScanProgress) {
		d.metrics.BlindScanStage.Set(float64(p.StagePercent))
		if fn != nil {
			fn(p)
		}
	})
	if err != nil {
		return nil, err
	}
	d.metrics.BlindScanHits.Add(float64(len(detections)))
	return detections, nil
}

// Close tears the device down in the reverse order of Open: TS
// ingestion first (if still running), then the CAM relay, then the USB
// transport.
func (d *Device) Close() error {
	_ = d.StopTS()
	if d.CAM != nil {
		_ = d.CAM.StopLoopbackRelay()
	}
	return d.transport.Close()
}
