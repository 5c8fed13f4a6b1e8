// Package cellmodem brings up a cellular modem as a PPP network link and
// tracks the state of the connection.
//
// Setup powers the modem through its control lines, synchronizes with it
// over the serial port, checks the signal and dials the data connection.
// From then on the network stack reports address changes asynchronously;
// they only update the connection state. The host calls Loop periodically
// (or Run, which does it on a ticker) and the OnConnect and OnDisconnect
// observers run from there, never from the network stack's goroutine.
package cellmodem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaracil/cellmodem/dce"
	"github.com/jaracil/cellmodem/gpio"
	"github.com/jaracil/cellmodem/metrics"
	"github.com/jaracil/cellmodem/netif"
	"go.uber.org/zap"
)

var (
	// ErrConfigRequired is returned when the configuration is incomplete.
	ErrConfigRequired = errors.New("config required")
	// ErrEnvironment wraps setup faults of the host (network stack).
	ErrEnvironment = errors.New("environment fault")
	// ErrHardware wraps setup faults of the modem or its control lines.
	ErrHardware = errors.New("hardware fault")
	// ErrFailed is returned once setup has failed.
	ErrFailed = errors.New("component failed")
	// ErrAlreadySetup is returned by a second call to Setup.
	ErrAlreadySetup = errors.New("component already set up")
)

// DefaultPollInterval is the Run period when none is given.
const DefaultPollInterval = 100 * time.Millisecond

// NetworkStack is the part of the network stack the controller drives.
// *netif.Stack implements it.
type NetworkStack interface {
	Init() error
	CreateDefaultEventLoop() error
	RegisterHandler(base netif.EventBase, id int32, h netif.Handler) error
	NewInterface(name string) (*netif.Interface, error)
}

// Device is a modem driver bound to a network interface. *dce.Device
// implements it.
type Device interface {
	SetMode(ctx context.Context, mode dce.Mode) error
	SignalQuality(ctx context.Context) (rssi, ber int, err error)
	Close() error
}

// DeviceFactory opens the modem and binds it to nif. It retries internally
// and returns a single error.
type DeviceFactory func(ctx context.Context, serial SerialConfig, device DeviceConfig, nif *netif.Interface) (Device, error)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Component is the modem lifecycle controller.
type Component struct {
	cfg       Config
	log       *zap.Logger
	pins      gpio.PinDriver
	stack     NetworkStack
	ownStack  *netif.Stack
	newDevice DeviceFactory
	wake      WakeReason
	sleep     Sleeper

	state        stateCell
	failed       atomic.Bool
	onConnect    callbackList
	onDisconnect callbackList

	mu      sync.Mutex
	started bool
	flight  gpio.Line
	power   gpio.Line
	dev     Device
	nif     *netif.Interface

	// owned by Loop
	loopMu       sync.Mutex
	announced    bool
	seenConnects uint32
	seenLosts    uint32
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the logger. The component logs under the name "modem".
func WithLogger(log *zap.Logger) Option {
	return func(c *Component) {
		if log != nil {
			c.log = log
		}
	}
}

// WithPinDriver replaces the GPIO character device driver.
func WithPinDriver(pins gpio.PinDriver) Option {
	return func(c *Component) {
		c.pins = pins
	}
}

// WithNetworkStack replaces the pppd backed network stack.
func WithNetworkStack(stack NetworkStack) Option {
	return func(c *Component) {
		c.stack = stack
	}
}

// WithDeviceFactory replaces the serial port device factory.
func WithDeviceFactory(f DeviceFactory) Option {
	return func(c *Component) {
		c.newDevice = f
	}
}

// WithWakeReason tells the power sequencer why the host is running.
func WithWakeReason(r WakeReason) Option {
	return func(c *Component) {
		c.wake = r
	}
}

// WithSleeper replaces the timer used for the power sequence waits.
func WithSleeper(s Sleeper) Option {
	return func(c *Component) {
		if s != nil {
			c.sleep = s
		}
	}
}

// New validates cfg and returns a stopped component. Collaborators not
// given by option are built from cfg.
func New(cfg Config, opts ...Option) (*Component, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Component{
		cfg:   cfg,
		log:   zap.NewNop(),
		wake:  WakeColdBoot,
		sleep: sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("modem")
	if c.pins == nil {
		c.pins = gpio.NewChip(cfg.Power.Chip)
	}
	if c.stack == nil {
		c.ownStack = netif.NewStack(
			netif.NewPPPD(netif.WithPPPDLogger(c.log)),
			netif.WithQueueSize(EventQueueSize),
			netif.WithLogger(c.log))
		c.stack = c.ownStack
	}
	if c.newDevice == nil {
		c.newDevice = SerialDevice(c.log)
	}
	metrics.SetConnectionState(int(StateStopped))
	return c, nil
}

// OnConnect registers fn to run, in registration order, each time the
// connection comes up.
func (c *Component) OnConnect(fn func()) {
	c.onConnect.add(fn)
}

// OnDisconnect registers fn to run, in registration order, each time the
// connection goes down.
func (c *Component) OnDisconnect(fn func()) {
	c.onDisconnect.add(fn)
}

// Setup powers the modem and dials the data connection. Any error marks
// the component failed.
func (c *Component) Setup(ctx context.Context) error {
	if c.failed.Load() {
		return ErrFailed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadySetup
	}
	c.started = true

	c.log.Info("setting up modem",
		zap.String("port", c.cfg.Serial.Port),
		zap.Int("baud", c.cfg.Serial.BaudRate),
		zap.Int("tx_pin", c.cfg.Serial.TxPin),
		zap.Int("rx_pin", c.cfg.Serial.RxPin),
		zap.String("apn", c.cfg.Device.APN),
		zap.Stringer("wake", c.wake))

	if err := c.powerOn(ctx, c.wake == WakeColdBoot); err != nil {
		metrics.IncSetupFailure(metrics.StepPower)
		return c.fail(err)
	}
	if err := c.bringUp(ctx); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Component) fail(err error) error {
	c.log.Error("modem setup failed", zap.Error(err))
	c.failed.Store(true)
	return err
}

// Loop delivers pending notifications. It is a no-op on a failed
// component.
func (c *Component) Loop() {
	if c.failed.Load() {
		return
	}
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	w := c.state.load()
	switch w.state() {
	case StateConnectNotify:
		if !c.state.cas(w, w.with(StateConnected)) {
			return
		}
		// lost and reacquired since the last announcement
		if c.announced && w.losts() != c.seenLosts {
			c.transitioned(StateStopped)
			c.onDisconnect.broadcast()
		}
		c.seenConnects, c.seenLosts = w.connects(), w.losts()
		c.announced = true
		c.transitioned(StateConnected)
		c.onConnect.broadcast()
	case StateDisconnected:
		if !c.state.cas(w, w.with(StateStopped)) {
			return
		}
		// acquired and lost since the last poll
		if !c.announced && w.connects() != c.seenConnects {
			c.transitioned(StateConnected)
			c.onConnect.broadcast()
		}
		c.seenConnects, c.seenLosts = w.connects(), w.losts()
		c.announced = false
		c.transitioned(StateStopped)
		c.onDisconnect.broadcast()
	}
}

func (c *Component) transitioned(to ConnectionState) {
	c.log.Info("connection state", zap.Stringer("state", to))
	metrics.IncTransition(to.String())
	metrics.SetConnectionState(int(to))
}

// Run calls Loop every interval until ctx is done.
func (c *Component) Run(ctx context.Context, interval time.Duration) error {
	if c.failed.Load() {
		return ErrFailed
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Loop()
		}
	}
}

// Shutdown releases the device and leaves the modem in flight mode with
// the power line low. It is safe to call more than once.
func (c *Component) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.dev != nil {
		if err := c.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device: %w", err))
		}
		c.dev = nil
		c.nif = nil
	}
	if err := c.powerOff(); err != nil {
		errs = append(errs, err)
	}
	if c.ownStack != nil {
		if err := c.ownStack.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close network stack: %w", err))
		}
		c.ownStack = nil
	}
	if err := errors.Join(errs...); err != nil {
		c.log.Warn("modem shutdown", zap.Error(err))
		return err
	}
	c.log.Info("modem shut down")
	return nil
}

// IsConnected reports whether the connection is up and announced.
func (c *Component) IsConnected() bool {
	return c.State() == StateConnected
}

// State returns the current connection state.
func (c *Component) State() ConnectionState {
	return c.state.load().state()
}

// Failed reports whether setup failed.
func (c *Component) Failed() bool {
	return c.failed.Load()
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
