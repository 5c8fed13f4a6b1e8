// Package netif is the network side of the modem: an event loop that
// delivers IP and PPP status notifications, and PPP interfaces whose link is
// driven by a pluggable LinkDriver once the modem enters data mode.
package netif

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotInitialized is returned when the stack is used before Init.
	ErrNotInitialized = errors.New("netif: stack not initialized")
	// ErrNoEventLoop is returned when handlers are registered before the event loop exists.
	ErrNoEventLoop = errors.New("netif: no event loop")
	// ErrNoDriver is returned by Init when the stack has no link driver.
	ErrNoDriver = errors.New("netif: no link driver")
	// ErrNoStream is returned by Up when no data stream is attached.
	ErrNoStream = errors.New("netif: no data stream attached")
	// ErrNoDNS is returned when the link did not provide the requested server.
	ErrNoDNS = errors.New("netif: dns server not available")
)

// DefaultQueueSize is the event queue length of the default event loop.
const DefaultQueueSize = 30

// DNSType selects a name server of an interface.
type DNSType int

const (
	DNSMain DNSType = iota
	DNSBackup
)

// String returns the name of the server slot.
func (t DNSType) String() string {
	switch t {
	case DNSMain:
		return "main"
	case DNSBackup:
		return "backup"
	default:
		return "unknown"
	}
}

// PostFunc queues an event on the stack's event loop.
type PostFunc func(base EventBase, id int32, data any) error

// LinkDriver runs the PPP link of an interface over the modem data stream.
type LinkDriver interface {
	// Run drives the link until ctx is cancelled or the link terminates,
	// reporting progress through post.
	Run(ctx context.Context, nif *Interface, stream io.ReadWriteCloser, post PostFunc) error
	// DNS returns the name server negotiated on nif.
	DNS(nif *Interface, kind DNSType) (netip.Addr, error)
}

// Stack owns the default event loop and the link driver shared by its
// interfaces.
type Stack struct {
	mu          sync.Mutex
	driver      LinkDriver
	loop        *Loop
	initialized bool
	queueSize   int
	log         *zap.Logger
}

// StackOption configures a Stack.
type StackOption func(*Stack)

// WithQueueSize sets the length of the default event loop queue.
func WithQueueSize(n int) StackOption {
	return func(s *Stack) {
		s.queueSize = n
	}
}

// WithLogger sets the logger used by the stack and its interfaces.
func WithLogger(log *zap.Logger) StackOption {
	return func(s *Stack) {
		if log != nil {
			s.log = log
		}
	}
}

// NewStack returns a stack whose interfaces are driven by driver.
func NewStack(driver LinkDriver, opts ...StackOption) *Stack {
	s := &Stack{
		driver:    driver,
		queueSize: DefaultQueueSize,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init prepares the stack. Calling it again is a no-op.
func (s *Stack) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver == nil {
		return ErrNoDriver
	}
	s.initialized = true
	return nil
}

// CreateDefaultEventLoop starts the event loop. Calling it again is a no-op.
func (s *Stack) CreateDefaultEventLoop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.loop == nil {
		s.loop = NewLoop(s.queueSize)
	}
	return nil
}

func (s *Stack) eventLoop() (*Loop, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop == nil {
		return nil, ErrNoEventLoop
	}
	return s.loop, nil
}

// RegisterHandler registers h on the default event loop.
func (s *Stack) RegisterHandler(base EventBase, id int32, h Handler) error {
	l, err := s.eventLoop()
	if err != nil {
		return err
	}
	return l.Register(base, id, h)
}

// Post queues an event on the default event loop.
func (s *Stack) Post(base EventBase, id int32, data any) error {
	l, err := s.eventLoop()
	if err != nil {
		return err
	}
	return l.Post(base, id, data)
}

// NewInterface creates a PPP interface named name.
func (s *Stack) NewInterface(name string) (*Interface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return &Interface{
		name:  name,
		stack: s,
		log:   s.log.With(zap.String("netif", name)),
	}, nil
}

// Close stops the event loop after delivering queued events.
func (s *Stack) Close() error {
	s.mu.Lock()
	l := s.loop
	s.loop = nil
	s.mu.Unlock()
	if l != nil {
		l.Close()
	}
	return nil
}

// Interface is a point-to-point network interface fed by the modem data
// stream.
type Interface struct {
	name  string
	stack *Stack
	log   *zap.Logger

	mu     sync.Mutex
	stream io.ReadWriteCloser
	cancel context.CancelFunc
	done   chan struct{}
}

// Name returns the interface name.
func (i *Interface) Name() string {
	return i.name
}

// Attach sets the data stream the link runs over on the next Up.
func (i *Interface) Attach(stream io.ReadWriteCloser) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stream = stream
}

// Up starts the link driver on the attached stream. The link keeps running
// after ctx is done; Down stops it.
func (i *Interface) Up(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil {
		return nil
	}
	if i.stream == nil {
		return ErrNoStream
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	i.cancel, i.done = cancel, done
	stream := i.stream
	go func() {
		defer close(done)
		err := i.stack.driver.Run(runCtx, i, stream, i.stack.Post)
		if err != nil && !errors.Is(err, context.Canceled) {
			i.log.Warn("PPP link terminated", zap.Error(err))
			return
		}
		i.log.Debug("PPP link stopped")
	}()
	return nil
}

// Down stops the link driver and closes the stream, waiting a bounded time
// for the driver to return.
func (i *Interface) Down() error {
	i.mu.Lock()
	cancel, done, stream := i.cancel, i.done, i.stream
	i.cancel, i.done, i.stream = nil, nil, nil
	i.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if stream != nil {
		err = stream.Close()
	}
	select {
	case <-done:
	case <-time.After(downTimeout):
		return fmt.Errorf("netif %s: link driver did not stop within %v", i.name, downTimeout)
	}
	return err
}

const downTimeout = 5 * time.Second

// DNS returns the name server of the given slot.
func (i *Interface) DNS(kind DNSType) (netip.Addr, error) {
	if i == nil {
		return netip.Addr{}, ErrNoDNS
	}
	return i.stack.driver.DNS(i, kind)
}
