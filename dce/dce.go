// Package dce drives a SIM7600-class cellular modem over its AT command
// port: synchronization, command/data mode switching and signal quality.
//
// Once the device enters data mode the serial link is handed to a network
// interface that runs PPP over it; from then on the modem only accepts
// commands again after the +++ escape sequence.
package dce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jaracil/cellmodem/at"
	"go.uber.org/zap"
)

var (
	// ErrConfigRequired is returned when a required parameter is missing.
	ErrConfigRequired = errors.New("dce: config required")
	// ErrNoResponse is returned when the modem never answered the sync command.
	ErrNoResponse = errors.New("dce: modem not responding")
	// ErrUnsupportedMode is returned for modes the device cannot enter.
	ErrUnsupportedMode = errors.New("dce: unsupported mode")
	// ErrWrongMode is returned for commands that need command mode.
	ErrWrongMode = errors.New("dce: device not in command mode")
	// ErrMalformedResponse is returned when a response cannot be parsed.
	ErrMalformedResponse = errors.New("dce: malformed response")
	// ErrClosed is returned when the device was closed.
	ErrClosed = errors.New("dce: device closed")
)

// Mode is the operating mode of the modem's serial link.
type Mode int

const (
	// ModeUndef is the mode of a freshly constructed device: the modem may
	// still be in data mode from a previous session.
	ModeUndef Mode = iota
	// ModeCommand accepts AT commands.
	ModeCommand
	// ModeData carries PPP traffic.
	ModeData
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeUndef:
		return "Undef"
	case ModeCommand:
		return "Command"
	case ModeData:
		return "Data"
	default:
		return "Unknown"
	}
}

// Netif is the network interface the device feeds in data mode.
type Netif interface {
	Attach(stream io.ReadWriteCloser)
	Up(ctx context.Context) error
	Down() error
}

// Config holds device parameters.
type Config struct {
	// APN is the access point name of the packet data context (required)
	APN string
	// PDPContext is the context id defined and dialed (default: 1)
	PDPContext int
	// PDPType is the packet data protocol (default: "IP")
	PDPType string
	// DialString is dialed to enter data mode (default: "*99#")
	DialString string
	// SyncAttempts is how many times AT is sent before giving up (default: 10)
	SyncAttempts int
	// SyncInterval is the wait between sync attempts (default: 500ms)
	SyncInterval time.Duration
	// CommandTimeout bounds ordinary commands (default: 3s)
	CommandTimeout time.Duration
	// DialTimeout bounds the dial command (default: 30s)
	DialTimeout time.Duration
	// EscapeGuard is the silence around +++ (default: 1s)
	EscapeGuard time.Duration
	// ChannelOptions tune the AT channel buffers
	ChannelOptions []at.Option
}

// DefaultConfig returns the default parameters for apn.
func DefaultConfig(apn string) Config {
	return Config{
		APN:            apn,
		PDPContext:     1,
		PDPType:        "IP",
		DialString:     "*99#",
		SyncAttempts:   10,
		SyncInterval:   500 * time.Millisecond,
		CommandTimeout: 3 * time.Second,
		DialTimeout:    30 * time.Second,
		EscapeGuard:    time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.APN)
	if c.PDPContext == 0 {
		c.PDPContext = def.PDPContext
	}
	if c.PDPType == "" {
		c.PDPType = def.PDPType
	}
	if c.DialString == "" {
		c.DialString = def.DialString
	}
	if c.SyncAttempts == 0 {
		c.SyncAttempts = def.SyncAttempts
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.EscapeGuard == 0 {
		c.EscapeGuard = def.EscapeGuard
	}
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the device logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Device) {
		if log != nil {
			d.log = log
		}
	}
}

// Device is a live modem. Its methods are safe for concurrent use.
type Device struct {
	mu     sync.Mutex
	ch     *at.Channel
	cfg    Config
	nif    Netif
	mode   Mode
	closed bool
	log    *zap.Logger
}

// New synchronizes with the modem on rw and returns the device in ModeUndef.
// The device owns rw: it is closed on failure and by Close. Synchronization
// retries AT up to cfg.SyncAttempts times; the returned error aggregates
// every attempt.
func New(ctx context.Context, rw io.ReadWriteCloser, cfg Config, nif Netif, opts ...Option) (*Device, error) {
	if rw == nil || nif == nil {
		return nil, ErrConfigRequired
	}
	if cfg.APN == "" {
		rw.Close()
		return nil, fmt.Errorf("%w: apn", ErrConfigRequired)
	}
	cfg.applyDefaults()

	d := &Device{
		ch:  at.NewChannel(rw, cfg.ChannelOptions...),
		cfg: cfg,
		nif: nif,
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.sync(ctx); err != nil {
		d.ch.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) sync(ctx context.Context) error {
	var errs []error
	for attempt := 1; attempt <= d.cfg.SyncAttempts; attempt++ {
		_, err := d.ch.Command(ctx, at.CmdAt, d.cfg.CommandTimeout)
		if err == nil {
			d.log.Debug("modem answered", zap.Int("attempt", attempt))
			if _, err := d.ch.Command(ctx, at.CmdEchoOff, d.cfg.CommandTimeout); err != nil {
				return fmt.Errorf("disable echo: %w", err)
			}
			return nil
		}
		errs = append(errs, fmt.Errorf("attempt %d: %w", attempt, err))
		if ctx.Err() != nil || errors.Is(err, at.ErrClosed) {
			break
		}
		if err := sleep(ctx, d.cfg.SyncInterval); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return fmt.Errorf("%w: %w", ErrNoResponse, errors.Join(errs...))
}

func (d *Device) command(ctx context.Context, cmd string) (*at.Response, error) {
	resp, err := d.ch.Command(ctx, cmd, d.cfg.CommandTimeout)
	if err != nil {
		d.log.Debug("at", zap.String("cmd", cmd), zap.Error(err))
		return resp, err
	}
	d.log.Debug("at", zap.String("cmd", cmd), zap.Strings("lines", resp.Lines), zap.String("result", resp.Result))
	return resp, nil
}

// Mode returns the current mode.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SetMode switches the device to mode.
func (d *Device) SetMode(ctx context.Context, mode Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	switch mode {
	case ModeCommand:
		return d.setCommandMode(ctx)
	case ModeData:
		return d.setDataMode(ctx)
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedMode, mode)
	}
}

func (d *Device) setCommandMode(ctx context.Context) error {
	switch d.mode {
	case ModeCommand:
		return nil
	case ModeData:
		if err := d.nif.Down(); err != nil {
			d.log.Warn("failed to stop network interface", zap.Error(err))
		}
		d.ch.EnterCommand()
		if err := d.ch.Escape(ctx, d.cfg.EscapeGuard); err != nil {
			return fmt.Errorf("escape data mode: %w", err)
		}
		if _, err := d.command(ctx, at.CmdHangup); err != nil && !isNoCarrier(err) {
			return fmt.Errorf("hang up: %w", err)
		}
	default:
		// the modem may still be online from a previous run
		if err := d.ch.Escape(ctx, d.cfg.EscapeGuard); err != nil {
			return fmt.Errorf("escape data mode: %w", err)
		}
		if _, err := d.command(ctx, at.CmdAt); err != nil {
			return fmt.Errorf("enter command mode: %w", err)
		}
	}
	d.mode = ModeCommand
	d.log.Debug("modem in command mode")
	return nil
}

func (d *Device) setDataMode(ctx context.Context) error {
	if d.mode == ModeData {
		return nil
	}
	if d.mode != ModeCommand {
		if err := d.setCommandMode(ctx); err != nil {
			return err
		}
	}
	pdp := fmt.Sprintf(`%s=%d,"%s","%s"`, at.CmdDefinePDP, d.cfg.PDPContext, d.cfg.PDPType, d.cfg.APN)
	if _, err := d.command(ctx, pdp); err != nil {
		return fmt.Errorf("define PDP context: %w", err)
	}
	resp, err := d.ch.Command(ctx, at.CmdDial+d.cfg.DialString, d.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", d.cfg.DialString, err)
	}
	if !strings.HasPrefix(resp.Result, at.Connect) {
		return fmt.Errorf("dial %s: %w: %q", d.cfg.DialString, ErrMalformedResponse, resp.Result)
	}

	d.nif.Attach(d.ch.EnterData())
	if err := d.nif.Up(ctx); err != nil {
		d.ch.EnterCommand()
		return fmt.Errorf("start network interface: %w", err)
	}
	d.mode = ModeData
	d.log.Debug("modem in data mode", zap.String("connect", resp.Result))
	return nil
}

// SignalQuality returns the received signal strength indicator (0-31, 99
// unknown) and channel bit error rate (0-7, 99 unknown).
func (d *Device) SignalQuality(ctx context.Context) (rssi, ber int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, 0, ErrClosed
	}
	if d.mode == ModeData {
		return 0, 0, ErrWrongMode
	}
	resp, err := d.command(ctx, at.CmdSignalQuality)
	if err != nil {
		return 0, 0, err
	}
	for _, line := range resp.Lines {
		if strings.HasPrefix(line, at.RespSignalQuality) {
			return parseCSQ(line)
		}
	}
	return 0, 0, fmt.Errorf("%w: no %s line", ErrMalformedResponse, at.RespSignalQuality)
}

func parseCSQ(line string) (rssi, ber int, err error) {
	fields := strings.Split(strings.TrimSpace(strings.TrimPrefix(line, at.RespSignalQuality)), ",")
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	if rssi, err = strconv.Atoi(strings.TrimSpace(fields[0])); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	if ber, err = strconv.Atoi(strings.TrimSpace(fields[1])); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedResponse, line)
	}
	return rssi, ber, nil
}

// Close stops the network interface and releases the serial link. No ATH
// is sent; the call ends when the modem loses the link or leaves the
// network.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var errs []error
	if d.mode == ModeData {
		errs = append(errs, d.nif.Down())
		d.ch.EnterCommand()
	}
	errs = append(errs, d.ch.Close())
	d.mode = ModeUndef
	return errors.Join(errs...)
}

func isNoCarrier(err error) bool {
	var cmdErr *at.CommandError
	return errors.As(err, &cmdErr) && cmdErr.Result == at.NoCarrier
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
