package dce

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// SerialConfig describes the UART the modem's AT port is wired to.
type SerialConfig struct {
	// Port is the device path, e.g. "/dev/ttyUSB2"
	Port string
	// BaudRate of the link (default: 115200)
	BaudRate int
}

// DefaultBaudRate is the factory rate of SIM7600 modules.
const DefaultBaudRate = 115200

// OpenSerial opens the modem port 8N1. serial.Open does not take a context,
// so the open races ctx and a late success is closed.
func OpenSerial(ctx context.Context, cfg SerialConfig) (io.ReadWriteCloser, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: serial port", ErrConfigRequired)
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	type result struct {
		p   serial.Port
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := serial.Open(cfg.Port, mode)
		ch <- result{p: p, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.p.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open serial port %q: %w", cfg.Port, r.err)
		}
		// drop whatever the modem printed while nobody was listening
		if err := r.p.ResetInputBuffer(); err != nil {
			r.p.Close()
			return nil, fmt.Errorf("reset serial port %q: %w", cfg.Port, err)
		}
		return r.p, nil
	}
}

// IsDisconnected reports whether err means the serial device went away, as
// opposed to a configuration or permission problem.
func IsDisconnected(err error) bool {
	var code serial.PortErrorCode
	var ptrErr *serial.PortError
	var valErr serial.PortError
	switch {
	case errors.As(err, &ptrErr):
		code = ptrErr.Code()
	case errors.As(err, &valErr):
		code = valErr.Code()
	default:
		return false
	}
	switch code {
	case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
		return true
	default:
		return false
	}
}
