package cellmodem

import (
	"context"
	"fmt"

	"github.com/jaracil/cellmodem/dce"
	"github.com/jaracil/cellmodem/metrics"
	"github.com/jaracil/cellmodem/netif"
	"go.uber.org/zap"
)

func stepError(step string, kind, err error) error {
	metrics.IncSetupFailure(step)
	return fmt.Errorf("%w: %s: %w", kind, step, err)
}

// bringUp dials the data connection. On failure the device is closed and
// nothing is retained. Callers hold c.mu.
func (c *Component) bringUp(ctx context.Context) error {
	if err := c.stack.Init(); err != nil {
		return stepError(metrics.StepStack, ErrEnvironment, err)
	}
	if err := c.stack.CreateDefaultEventLoop(); err != nil {
		return stepError(metrics.StepStack, ErrEnvironment, err)
	}

	// handlers go in before dialing so no address event is missed
	if err := c.stack.RegisterHandler(netif.IPEvent, netif.AnyID, c.handleIPEvent); err != nil {
		return stepError(metrics.StepBridge, ErrEnvironment, err)
	}
	if err := c.stack.RegisterHandler(netif.PPPStatusEvent, netif.AnyID, c.handlePPPStatus); err != nil {
		return stepError(metrics.StepBridge, ErrEnvironment, err)
	}

	nif, err := c.stack.NewInterface(c.cfg.Device.Interface)
	if err != nil {
		return stepError(metrics.StepDevice, ErrEnvironment, err)
	}
	dev, err := c.newDevice(ctx, c.cfg.Serial, c.cfg.Device, nif)
	if err != nil {
		return stepError(metrics.StepDevice, ErrHardware, err)
	}

	if err := dev.SetMode(ctx, dce.ModeCommand); err != nil {
		dev.Close()
		return stepError(metrics.StepCommand, ErrHardware, err)
	}
	rssi, ber, err := dev.SignalQuality(ctx)
	if err != nil {
		dev.Close()
		return stepError(metrics.StepSignal, ErrHardware, err)
	}
	c.log.Info("signal quality", zap.Int("rssi", rssi), zap.Int("ber", ber))
	metrics.ObserveSignalQuality(rssi, ber)

	if err := dev.SetMode(ctx, dce.ModeData); err != nil {
		dev.Close()
		return stepError(metrics.StepData, ErrHardware, err)
	}
	c.dev, c.nif = dev, nif

	// an address may already have been acquired
	if c.state.advance(StateStopped, StateConnecting) {
		metrics.SetConnectionState(int(StateConnecting))
	}
	c.log.Info("data mode entered", zap.String("interface", nif.Name()))
	return nil
}
