package simulator

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewPty(t *testing.T) {
	p, err := NewPty()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	defer p.Close()

	if p.Master() == nil {
		t.Error("Master() returned nil")
	}
	if name := p.Name(); !strings.HasPrefix(name, "/dev/") {
		t.Errorf("Name() = %q, want a device path", name)
	}
}

func TestPty_Close(t *testing.T) {
	p, err := NewPty()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	if p.closed {
		t.Error("pty should not be closed initially")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !p.closed {
		t.Error("pty should be marked as closed")
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestPty_HostsModem(t *testing.T) {
	p, err := NewPty()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	modem, err := NewModem(&Config{Id: "pty", Serial: p})
	if err != nil {
		t.Fatalf("NewModem() error = %v", err)
	}
	defer modem.CloseSync()

	port, err := os.OpenFile(p.Name(), os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open %s: %v", p.Name(), err)
	}
	defer port.Close()

	if _, err := port.WriteString("AT+CGMI\r"); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out strings.Builder
	buf := make([]byte, 256)
	deadline := time.Now().Add(time.Second)
	port.SetReadDeadline(deadline)
	for !strings.Contains(out.String(), "OK") && time.Now().Before(deadline) {
		n, err := port.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(out.String(), "SIMCOM INCORPORATED") {
		t.Errorf("modem answered %q", out.String())
	}
}
