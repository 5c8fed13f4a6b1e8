package cellmodem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// ColdBootDelay lets the supply rails settle before the lines are
	// touched after a cold boot.
	ColdBootDelay = 300 * time.Millisecond
	// PowerPulse is how long the power key is held.
	PowerPulse = 300 * time.Millisecond
)

// WakeReason tells why the host is running.
type WakeReason int

const (
	// WakeColdBoot is a power-on or reset: the rails may still be settling.
	WakeColdBoot WakeReason = iota
	// WakeResume is a resume from sleep with the rails already up.
	WakeResume
)

func (r WakeReason) String() string {
	switch r {
	case WakeColdBoot:
		return "ColdBoot"
	case WakeResume:
		return "Resume"
	default:
		return "Unknown"
	}
}

// powerOn pulses the power key and takes the modem out of flight mode.
// Callers hold c.mu.
func (c *Component) powerOn(ctx context.Context, coldBoot bool) error {
	if coldBoot {
		if err := c.sleep(ctx, ColdBootDelay); err != nil {
			return err
		}
	}

	pc := c.cfg.Power
	flight, err := c.pins.Output(pc.FlightPin, 0)
	if err != nil {
		return fmt.Errorf("%w: flight pin %d: %w", ErrHardware, pc.FlightPin, err)
	}
	power, err := c.pins.Output(pc.PowerPin, 0)
	if err != nil {
		flight.Close()
		return fmt.Errorf("%w: power pin %d: %w", ErrHardware, pc.PowerPin, err)
	}
	c.flight, c.power = flight, power

	if err := power.SetValue(1); err != nil {
		return fmt.Errorf("%w: power pin %d: %w", ErrHardware, pc.PowerPin, err)
	}
	if err := c.sleep(ctx, PowerPulse); err != nil {
		// never leave the key pressed
		power.SetValue(0)
		return err
	}
	if err := power.SetValue(0); err != nil {
		return fmt.Errorf("%w: power pin %d: %w", ErrHardware, pc.PowerPin, err)
	}
	if err := flight.SetValue(1); err != nil {
		return fmt.Errorf("%w: flight pin %d: %w", ErrHardware, pc.FlightPin, err)
	}
	c.log.Info("modem powered on",
		zap.Int("power_pin", pc.PowerPin),
		zap.Int("flight_pin", pc.FlightPin),
		zap.Bool("cold_boot", coldBoot))
	return nil
}

// powerOff enables flight mode, drops the power line and releases both
// lines. Callers hold c.mu.
func (c *Component) powerOff() error {
	var errs []error
	if c.flight != nil {
		errs = append(errs, c.flight.SetValue(0), c.flight.Close())
		c.flight = nil
	}
	if c.power != nil {
		errs = append(errs, c.power.SetValue(0), c.power.Close())
		c.power = nil
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("release control lines: %w", err)
	}
	return nil
}
