// Command gwconsole is a bench tool for talking to a gwupdate
// gateway over its UART console: it relays the gateway's structured
// log lines to stdout and, with -trigger, first writes triggerByte to
// the port. The gwupdate command in this repository runs its update
// check once at boot and does not read console input, so the byte
// does not start a new check.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/tarm/serial"
)

var (
	dev     = flag.String("dev", "", "serial device (default: platform-specific guess)")
	baud    = flag.Int("baud", 115200, "baud rate")
	trigger = flag.Bool("trigger", false, "send the 0x01 trigger byte before relaying")
)

// triggerByte is the byte -trigger sends. It is a single
// non-printable byte so it can never be sent by accident from a human
// typing into the console.
const triggerByte = 0x01

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gwconsole: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	port, err := open(*dev, *baud)
	if err != nil {
		return err
	}
	defer port.Close()

	if *trigger {
		if _, err := port.Write([]byte{triggerByte}); err != nil {
			return fmt.Errorf("send trigger: %w", err)
		}
	}

	_, err = io.Copy(os.Stdout, port)
	return err
}

// open mirrors driver/mjolnir.Open's device-guessing fallback: an
// explicit -dev always wins, otherwise fall back to the first
// platform-typical device name that opens.
func open(dev string, baud int) (io.ReadWriteCloser, error) {
	var devices []string
	if dev != "" {
		devices = append(devices, dev)
	} else {
		switch runtime.GOOS {
		case "windows":
			devices = append(devices, "COM3")
		case "linux":
			devices = append(devices, "/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyACM0")
		case "darwin":
			devices = append(devices, "/dev/tty.usbserial-0001")
		}
	}
	if len(devices) == 0 {
		return nil, errors.New("no device specified")
	}
	var firstErr error
	for _, d := range devices {
		s, err := serial.OpenPort(&serial.Config{Name: d, Baud: baud})
		if err == nil {
			return s, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
