package cellmodem

import (
	"context"
	"io"

	"github.com/jaracil/cellmodem/at"
	"github.com/jaracil/cellmodem/dce"
	"github.com/jaracil/cellmodem/netif"
	"go.uber.org/zap"
)

// SerialDevice returns the default DeviceFactory: it opens the serial port
// and synchronizes a dce.Device on it.
func SerialDevice(log *zap.Logger) DeviceFactory {
	return func(ctx context.Context, serial SerialConfig, device DeviceConfig, nif *netif.Interface) (Device, error) {
		port, err := dce.OpenSerial(ctx, dce.SerialConfig{Port: serial.Port, BaudRate: serial.BaudRate})
		if err != nil {
			return nil, err
		}
		return NewDevice(ctx, port, device, nif, log)
	}
}

// NewDevice synchronizes a dce.Device over an open transport, sized for
// the modem link. The transport is closed on failure.
func NewDevice(ctx context.Context, rw io.ReadWriteCloser, device DeviceConfig, nif *netif.Interface, log *zap.Logger) (Device, error) {
	cfg := dce.DefaultConfig(device.APN)
	cfg.ChannelOptions = []at.Option{
		at.WithReadBuffer(RxBufferSize),
		at.WithWriteChunk(TxBufferSize),
		at.WithLineBuffer(DTEBufferSize),
	}
	if log == nil {
		log = zap.NewNop()
	}
	dev, err := dce.New(ctx, rw, cfg, nif, dce.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return dev, nil
}
