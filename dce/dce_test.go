package dce

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jaracil/cellmodem/at"
	"github.com/jaracil/cellmodem/simulator"
)

type fakeNetif struct {
	mu     sync.Mutex
	stream io.ReadWriteCloser
	ups    int
	downs  int
	upErr  error
}

func (n *fakeNetif) Attach(stream io.ReadWriteCloser) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stream = stream
}

func (n *fakeNetif) Up(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ups++
	return n.upErr
}

func (n *fakeNetif) Down() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.downs++
	if n.stream != nil {
		n.stream.Close()
		n.stream = nil
	}
	return nil
}

func (n *fakeNetif) counts() (ups, downs int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ups, n.downs
}

func testConfig() Config {
	cfg := DefaultConfig("internet")
	cfg.SyncAttempts = 3
	cfg.SyncInterval = 10 * time.Millisecond
	cfg.CommandTimeout = 500 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.EscapeGuard = 150 * time.Millisecond
	return cfg
}

func newSimulated(t *testing.T, network *simulator.Network, opts ...func(*simulator.Config)) (*simulator.Modem, io.ReadWriteCloser) {
	t.Helper()
	dte, dceEnd := net.Pipe()
	cfg := &simulator.Config{
		Id:        "sim",
		Serial:    dceEnd,
		Dial:      network.Dial,
		GuardTime: 2,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	modem, err := simulator.NewModem(cfg)
	if err != nil {
		t.Fatalf("simulator.NewModem() error = %v", err)
	}
	t.Cleanup(modem.CloseSync)
	return modem, dte
}

func TestDevice_Lifecycle(t *testing.T) {
	ctx := context.Background()
	network := simulator.NewNetwork(simulator.DefaultNetworkConfig())
	modem, dte := newSimulated(t, network)
	nif := &fakeNetif{}

	dev, err := New(ctx, dte, testConfig(), nif)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer dev.Close()
	if dev.Mode() != ModeUndef {
		t.Errorf("Mode() = %v, want %v", dev.Mode(), ModeUndef)
	}

	if err := dev.SetMode(ctx, ModeCommand); err != nil {
		t.Fatalf("SetMode(command) error = %v", err)
	}
	rssi, ber, err := dev.SignalQuality(ctx)
	if err != nil || rssi != 20 || ber != 0 {
		t.Errorf("SignalQuality() = %d, %d, %v, want 20, 0", rssi, ber, err)
	}

	if err := dev.SetMode(ctx, ModeData); err != nil {
		t.Fatalf("SetMode(data) error = %v", err)
	}
	if dev.Mode() != ModeData {
		t.Errorf("Mode() = %v, want %v", dev.Mode(), ModeData)
	}
	if got := modem.ContextsSync()[1]; got.APN != "internet" || got.Type != "IP" {
		t.Errorf("modem context 1 = %+v, want IP/internet", got)
	}
	if modem.StatusSync() != simulator.StatusOnline {
		t.Errorf("modem status = %v, want %v", modem.StatusSync(), simulator.StatusOnline)
	}
	if ups, _ := nif.counts(); ups != 1 {
		t.Errorf("netif brought up %d times, want 1", ups)
	}
	// entering the current mode is a no-op
	if err := dev.SetMode(ctx, ModeData); err != nil {
		t.Errorf("second SetMode(data) error = %v", err)
	}

	if _, err := nif.stream.Write([]byte("ppp frame")); err != nil {
		t.Fatalf("stream Write() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if m := modem.MetricsSync(); m.CallTxBytes < len("ppp frame") {
		t.Errorf("modem forwarded %d bytes, want at least %d", m.CallTxBytes, len("ppp frame"))
	}

	if _, _, err := dev.SignalQuality(ctx); !errors.Is(err, ErrWrongMode) {
		t.Errorf("SignalQuality() in data mode error = %v, want %v", err, ErrWrongMode)
	}

	if err := dev.SetMode(ctx, ModeCommand); err != nil {
		t.Fatalf("SetMode(command) from data error = %v", err)
	}
	if _, downs := nif.counts(); downs != 1 {
		t.Errorf("netif stopped %d times, want 1", downs)
	}
	if modem.StatusSync() != simulator.StatusIdle {
		t.Errorf("modem status after hangup = %v, want %v", modem.StatusSync(), simulator.StatusIdle)
	}

	if err := dev.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := dev.SetMode(ctx, ModeData); !errors.Is(err, ErrClosed) {
		t.Errorf("SetMode() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestDevice_DataModeFromUndef(t *testing.T) {
	ctx := context.Background()
	network := simulator.NewNetwork(simulator.DefaultNetworkConfig())
	_, dte := newSimulated(t, network)
	nif := &fakeNetif{}

	dev, err := New(ctx, dte, testConfig(), nif)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := dev.SetMode(ctx, ModeData); err != nil {
		t.Fatalf("SetMode(data) error = %v", err)
	}
	// closing in data mode stops the interface
	if err := dev.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, downs := nif.counts(); downs != 1 {
		t.Errorf("netif stopped %d times, want 1", downs)
	}
}

func TestDevice_DialFailure(t *testing.T) {
	ctx := context.Background()
	network := simulator.NewNetwork(simulator.DefaultNetworkConfig())
	network.SetCoverage(false)
	_, dte := newSimulated(t, network)
	nif := &fakeNetif{}

	dev, err := New(ctx, dte, testConfig(), nif)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer dev.Close()

	err = dev.SetMode(ctx, ModeData)
	var cmdErr *at.CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Result != at.NoCarrier {
		t.Fatalf("SetMode(data) error = %v, want NO CARRIER", err)
	}
	if dev.Mode() != ModeCommand {
		t.Errorf("Mode() after failed dial = %v, want %v", dev.Mode(), ModeCommand)
	}
	if ups, _ := nif.counts(); ups != 0 {
		t.Errorf("netif brought up %d times, want 0", ups)
	}
}

func TestDevice_NetifUpFailure(t *testing.T) {
	ctx := context.Background()
	network := simulator.NewNetwork(simulator.DefaultNetworkConfig())
	_, dte := newSimulated(t, network)
	nif := &fakeNetif{upErr: errors.New("no pppd")}

	dev, err := New(ctx, dte, testConfig(), nif)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer dev.Close()

	if err := dev.SetMode(ctx, ModeData); err == nil {
		t.Fatal("SetMode(data) succeeded with a failing interface")
	}
	if dev.Mode() == ModeData {
		t.Error("device reports data mode after a failed start")
	}
}

func TestNew_SilentModem(t *testing.T) {
	dte, other := net.Pipe()
	go io.Copy(io.Discard, other)
	defer other.Close()

	cfg := testConfig()
	cfg.CommandTimeout = 30 * time.Millisecond
	start := time.Now()
	_, err := New(context.Background(), dte, cfg, &fakeNetif{})
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("New() error = %v, want %v", err, ErrNoResponse)
	}
	if !errors.Is(err, at.ErrTimeout) {
		t.Errorf("New() error = %v, want it to wrap %v", err, at.ErrTimeout)
	}
	if elapsed := time.Since(start); elapsed < 3*cfg.CommandTimeout {
		t.Errorf("New() gave up after %v, before %d attempts", elapsed, cfg.SyncAttempts)
	}
	// the transport is released
	if _, err := dte.Write([]byte("x")); err == nil {
		t.Error("transport still open after failed New()")
	}
}

func TestDevice_SignalQuality(t *testing.T) {
	ctx := context.Background()
	network := simulator.NewNetwork(simulator.DefaultNetworkConfig())
	modem, dte := newSimulated(t, network)

	dev, err := New(ctx, dte, testConfig(), &fakeNetif{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer dev.Close()
	if err := dev.SetMode(ctx, ModeCommand); err != nil {
		t.Fatalf("SetMode(command) error = %v", err)
	}

	modem.SetSignalSync(99, 5)
	rssi, ber, err := dev.SignalQuality(ctx)
	if err != nil || rssi != 99 || ber != 5 {
		t.Errorf("SignalQuality() = %d, %d, %v, want 99, 5", rssi, ber, err)
	}
}

func TestDevice_URCDuringCommand(t *testing.T) {
	ctx := context.Background()
	network := simulator.NewNetwork(simulator.DefaultNetworkConfig())
	// the answer to AT+CSQ arrives with an unsolicited line in front of it
	delayed := func(cfg *simulator.Config) {
		cfg.CommandHook = func(m *simulator.Modem, cmdChar, _ string, _, _ bool, _ string) simulator.RetCode {
			if cmdChar != "+CSQ" {
				return simulator.RetCodeSkip
			}
			go func() {
				m.URCSync(`+CMTI: "SM",3`)
				m.URCSync("+CSQ: 17,2")
				m.URCSync("OK")
			}()
			return simulator.RetCodeSilent
		}
	}
	_, dte := newSimulated(t, network, delayed)

	dev, err := New(ctx, dte, testConfig(), &fakeNetif{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer dev.Close()
	if err := dev.SetMode(ctx, ModeCommand); err != nil {
		t.Fatalf("SetMode(command) error = %v", err)
	}

	rssi, ber, err := dev.SignalQuality(ctx)
	if err != nil || rssi != 17 || ber != 2 {
		t.Errorf("SignalQuality() = %d, %d, %v, want 17, 2", rssi, ber, err)
	}
}

func TestDevice_CloseDoesNotHangUp(t *testing.T) {
	ctx := context.Background()
	network := simulator.NewNetwork(simulator.DefaultNetworkConfig())
	var mu sync.Mutex
	var hangups int
	record := func(cfg *simulator.Config) {
		cfg.CommandHook = func(_ *simulator.Modem, cmdChar, _ string, _, _ bool, _ string) simulator.RetCode {
			if cmdChar == "H" {
				mu.Lock()
				hangups++
				mu.Unlock()
			}
			return simulator.RetCodeSkip
		}
	}
	_, dte := newSimulated(t, network, record)
	nif := &fakeNetif{}

	dev, err := New(ctx, dte, testConfig(), nif)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := dev.SetMode(ctx, ModeData); err != nil {
		t.Fatalf("SetMode(data) error = %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, downs := nif.counts(); downs != 1 {
		t.Errorf("netif stopped %d times, want 1", downs)
	}
	mu.Lock()
	defer mu.Unlock()
	if hangups != 0 {
		t.Errorf("Close() sent ATH %d times, want 0", hangups)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{APN: "internet"}
	cfg.applyDefaults()
	def := DefaultConfig("internet")
	if cfg.EscapeGuard != def.EscapeGuard {
		t.Errorf("EscapeGuard = %v, want %v", cfg.EscapeGuard, def.EscapeGuard)
	}
	if cfg.DialTimeout != def.DialTimeout || cfg.CommandTimeout != def.CommandTimeout || cfg.SyncAttempts != def.SyncAttempts {
		t.Errorf("applyDefaults() = %+v, want the defaults of %+v", cfg, def)
	}

	cfg = Config{APN: "internet", EscapeGuard: 150 * time.Millisecond}
	cfg.applyDefaults()
	if cfg.EscapeGuard != 150*time.Millisecond {
		t.Errorf("EscapeGuard = %v, want %v", cfg.EscapeGuard, 150*time.Millisecond)
	}
}

func TestNew_Config(t *testing.T) {
	dte, other := net.Pipe()
	defer other.Close()

	if _, err := New(context.Background(), nil, testConfig(), &fakeNetif{}); !errors.Is(err, ErrConfigRequired) {
		t.Errorf("New(nil rw) error = %v, want %v", err, ErrConfigRequired)
	}
	cfg := testConfig()
	cfg.APN = ""
	if _, err := New(context.Background(), dte, cfg, &fakeNetif{}); !errors.Is(err, ErrConfigRequired) {
		t.Errorf("New() without APN error = %v, want %v", err, ErrConfigRequired)
	}
}

func TestParseCSQ(t *testing.T) {
	tests := []struct {
		line     string
		rssi     int
		ber      int
		wantFail bool
	}{
		{"+CSQ: 23,0", 23, 0, false},
		{"+CSQ: 99,99", 99, 99, false},
		{"+CSQ:7,3", 7, 3, false},
		{"+CSQ: 23", 0, 0, true},
		{"+CSQ: a,b", 0, 0, true},
	}
	for _, tt := range tests {
		rssi, ber, err := parseCSQ(tt.line)
		if tt.wantFail {
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("parseCSQ(%q) error = %v, want %v", tt.line, err, ErrMalformedResponse)
			}
			continue
		}
		if err != nil || rssi != tt.rssi || ber != tt.ber {
			t.Errorf("parseCSQ(%q) = %d, %d, %v, want %d, %d", tt.line, rssi, ber, err, tt.rssi, tt.ber)
		}
	}
}

func TestMode_String(t *testing.T) {
	tests := []struct {
		mode Mode
		want string
	}{
		{ModeUndef, "Undef"},
		{ModeCommand, "Command"},
		{ModeData, "Data"},
		{Mode(9), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", tt.mode, got, tt.want)
		}
	}
}

func TestOpenSerial_RequiresPort(t *testing.T) {
	if _, err := OpenSerial(context.Background(), SerialConfig{}); !errors.Is(err, ErrConfigRequired) {
		t.Errorf("OpenSerial() error = %v, want %v", err, ErrConfigRequired)
	}
	if _, err := OpenSerial(context.Background(), SerialConfig{Port: "/dev/does-not-exist"}); err == nil {
		t.Error("OpenSerial() of a missing port succeeded")
	}
}
