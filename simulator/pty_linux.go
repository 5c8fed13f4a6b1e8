package simulator

import (
	"fmt"
	"os"

	"github.com/aymanbagabas/go-pty"
	"golang.org/x/sys/unix"
)

// Pty is a pseudo-terminal hosting a simulated modem. The modem owns the
// master side; the controller opens Name() as its serial port.
type Pty struct {
	p      pty.UnixPty
	closed bool
}

// NewPty allocates a pseudo-terminal in raw mode.
func NewPty() (*Pty, error) {
	p, err := pty.New()
	if err != nil {
		return nil, err
	}
	up, ok := p.(pty.UnixPty)
	if !ok {
		p.Close()
		return nil, fmt.Errorf("simulator: %T is not a unix pty", p)
	}
	h := &Pty{p: up}
	if err := h.makeRaw(); err != nil {
		h.Close()
		return nil, fmt.Errorf("simulator: set raw mode: %w", err)
	}
	return h, nil
}

// Close implements io.Closer.
func (p *Pty) Close() error {
	if p.closed {
		return nil
	}
	defer func() {
		p.closed = true
	}()
	return p.p.Close()
}

// Name returns the path of the slave device.
func (p *Pty) Name() string {
	return p.p.Name()
}

// Read implements io.Reader.
func (p *Pty) Read(b []byte) (n int, err error) {
	return p.p.Read(b)
}

// Write implements io.Writer.
func (p *Pty) Write(b []byte) (n int, err error) {
	return p.p.Write(b)
}

// Master returns the master side of the terminal.
func (p *Pty) Master() *os.File {
	return p.p.Master()
}

// makeRaw disables the slave line discipline. With the default cooked mode
// the slave echoes whatever the modem prints back to the master until the
// controller opens and configures the port.
func (p *Pty) makeRaw() error {
	fd := int(p.p.Slave().Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
