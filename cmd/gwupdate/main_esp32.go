//go:build tinygo

// Command gwupdate runs on the ESP32 gateway itself: at boot, it
// checks the paired nRF52 coprocessor's firmware version over SWD
// against the image bundled into this binary and reprograms it if
// they differ, before handing control back to the coprocessor.
package main

import (
	"context"
	"embed"
	"io/fs"
	"log/slog"
	"machine"
	"time"

	"gwbridge.dev/driver/swdbus"
	"gwbridge.dev/update"
)

// firmwareFS bundles the nRF52 image this gateway build expects its
// coprocessor to run. The info.txt checked into this directory is a
// zero-segment placeholder; a real release build replaces it (and the
// segment .bin files alongside it) at image-build time.
//
//go:embed firmware
var firmwareFS embed.FS

const (
	pinSWCLK = machine.GPIO4
	pinSWDIO = machine.GPIO5
	pinNRST  = machine.GPIO6
)

func main() {
	log := slog.New(slog.NewTextHandler(machine.Serial, nil))
	time.Sleep(2 * time.Second) // let the USB-serial console attach

	bus := swdbus.OpenTinyGo(pinSWCLK, pinSWDIO, pinNRST, swdbus.Config{})
	fw, err := fs.Sub(firmwareFS, "firmware")
	if err != nil {
		log.Error("mount firmware image", "error", err)
		return
	}

	cfg := update.Config{Logger: log}
	result, err := update.Run(context.Background(), fw, bus, cfg)
	if err != nil {
		log.Error("update failed", "result", result, "error", err)
		return
	}
	log.Info("update finished", "result", result)
}
