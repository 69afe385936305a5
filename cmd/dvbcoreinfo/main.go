// Command dvbcoreinfo opens one capture device, tunes the satellite
// frontend to a fixed transponder, and prints its status and signal
// readings. It is a wiring demonstration, not the CLI/XML lock-list
// tool spec.md explicitly excludes (SPEC_FULL.md Non-goals).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jokersys/dvbcore/device"
	"github.com/jokersys/dvbcore/internal/config"
	"github.com/jokersys/dvbcore/internal/frontend"
	"github.com/jokersys/dvbcore/internal/usbtransport"
)

var (
	freqKHz  = flag.Uint("freq-khz", 11727000, "transponder frequency in kHz")
	srKSym   = flag.Uint("symbol-rate-ksym", 27500, "symbol rate in ksym/s")
	voltage  = flag.String("voltage", "18", "LNB voltage: off, 13, 18")
	tuneWait = flag.Duration("tune-timeout", 2*time.Second, "how long to wait for lock")
	readTS   = flag.Bool("read-ts", false, "start TS ingestion and print a byte count after tune-timeout")
)

func main() {
	flag.Parse()

	d, err := device.Open(config.Default())
	if err != nil {
		log.Fatalf("open device: %v", err)
	}
	defer d.Close()

	if err := setVoltage(d); err != nil {
		log.Fatalf("set voltage: %v", err)
	}

	params := frontend.Params{
		System:         frontend.SystemDVBS2,
		FrequencyKHz:   uint32(*freqKHz),
		SymbolRateKSym: uint32(*srKSym),
	}
	if err := d.Frontend.SetFrontend(context.Background(), params); err != nil {
		log.Fatalf("set frontend: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *tuneWait)
	defer cancel()
	if _, err := d.Frontend.Tune(ctx, false); err != nil {
		log.Printf("tune did not complete: %v", err)
	}

	printStatus(d)

	if *readTS {
		runReadTS(d)
	}
}

func setVoltage(d *device.Device) error {
	switch *voltage {
	case "off":
		return d.Frontend.SetVoltage(frontend.VoltageOff)
	case "13":
		return d.Frontend.SetVoltage(frontend.Voltage13)
	case "18":
		return d.Frontend.SetVoltage(frontend.Voltage18)
	default:
		return fmt.Errorf("unknown voltage %q", *voltage)
	}
}

func printStatus(d *device.Device) {
	st, err := d.Frontend.ReadStatus()
	if err != nil {
		log.Printf("read status: %v", err)
		return
	}
	fmt.Printf("lock=%d signal=0x%04x snr_mdb=%d ber=%d/%d uncorrected=%d\n",
		st.Lock, st.SignalStrength, st.SNRMilliDB, st.BERNum, st.BERDen, st.UncorrectedBlk)
}

func runReadTS(d *device.Device) {
	if err := d.StartTS(context.Background(), usbtransport.PacketSize512); err != nil {
		log.Printf("start ts: %v", err)
		return
	}
	defer d.StopTS()

	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(*tuneWait)
	var total int
	for time.Now().Before(deadline) {
		n := d.ReadTS(buf)
		total += n
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	fmt.Fprintf(os.Stdout, "read %d TS bytes\n", total)
}
