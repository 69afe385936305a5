// Package config loads runtime configuration for the DVB capture core
// from environment variables, the way the rest of the pack keeps device
// wiring out of source.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the tunables spec.md leaves implementation-chosen.
type Config struct {
	// USBVendorID / USBProductID identify the capture device (spec.md §6).
	USBVendorID  uint16
	USBProductID uint16

	// BulkTimeout bounds one exchange() round trip (spec.md §4.1 default 200ms).
	BulkTimeout time.Duration

	// IsoBufCount is the number of isochronous transfers kept queued, each
	// holding one packet of the negotiated size (spec.md §4.1).
	// IsoPacketsPerBuf is read from the environment but no package uses it.
	IsoBufCount      int
	IsoPacketsPerBuf int

	// RingMaxBytes bounds the retained ring (spec.md §3, default order 16 MiB).
	RingMaxBytes int64

	// MetricsNamespace prefixes every Prometheus metric this module registers.
	MetricsNamespace string
}

const (
	envVendorID   = "DVBCORE_USB_VENDOR_ID"
	envProductID  = "DVBCORE_USB_PRODUCT_ID"
	envBulkMs     = "DVBCORE_BULK_TIMEOUT_MS"
	envIsoBufs    = "DVBCORE_ISO_BUFS"
	envIsoPackets = "DVBCORE_ISO_PACKETS_PER_BUF"
	envRingMax    = "DVBCORE_RING_MAX_BYTES"
	envNamespace  = "DVBCORE_METRICS_NAMESPACE"
)

// Default returns the configuration spec.md names as defaults, with any
// DVBCORE_* environment variable overriding its field.
func Default() Config {
	cfg := Config{
		USBVendorID:      0x2D6B,
		USBProductID:     0x7777,
		BulkTimeout:      200 * time.Millisecond,
		IsoBufCount:      16,
		IsoPacketsPerBuf: 32,
		RingMaxBytes:     16 << 20,
		MetricsNamespace: "dvbcore",
	}

	if v, ok := lookupUint16(envVendorID); ok {
		cfg.USBVendorID = v
	}
	if v, ok := lookupUint16(envProductID); ok {
		cfg.USBProductID = v
	}
	if v, ok := lookupInt(envBulkMs); ok {
		cfg.BulkTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := lookupInt(envIsoBufs); ok {
		cfg.IsoBufCount = v
	}
	if v, ok := lookupInt(envIsoPackets); ok {
		cfg.IsoPacketsPerBuf = v
	}
	if v, ok := lookupInt64(envRingMax); ok {
		cfg.RingMaxBytes = v
	}
	if v, ok := os.LookupEnv(envNamespace); ok && v != "" {
		cfg.MetricsNamespace = v
	}

	return cfg
}

func lookupUint16(key string) (uint16, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 0, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

func lookupInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupInt64(key string) (int64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
