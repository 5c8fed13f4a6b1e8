//go:build !linux

package simulator

import "errors"

// Pty is only available on Linux.
type Pty struct{}

// NewPty always fails on this platform.
func NewPty() (*Pty, error) {
	return nil, errors.ErrUnsupported
}

func (p *Pty) Close() error                      { return nil }
func (p *Pty) Name() string                      { return "" }
func (p *Pty) Read(b []byte) (n int, err error)  { return 0, errors.ErrUnsupported }
func (p *Pty) Write(b []byte) (n int, err error) { return 0, errors.ErrUnsupported }
