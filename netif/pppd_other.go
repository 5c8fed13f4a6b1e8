//go:build !linux

package netif

import (
	"context"
	"errors"
	"io"
)

// ErrUnsupported is returned by PPPD.Run on platforms without netlink.
var ErrUnsupported = errors.New("netif: pppd link driver requires linux")

// Run always fails outside Linux.
func (p *PPPD) Run(_ context.Context, nif *Interface, _ io.ReadWriteCloser, post PostFunc) error {
	_ = post(PPPStatusEvent, int32(PPPErrorDevice), nif)
	return ErrUnsupported
}
