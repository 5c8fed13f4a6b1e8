// Package gpio drives the modem control lines (power key and flight mode)
// as GPIO outputs.
package gpio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/zap"
)

// Consumer labels the lines requested by this package.
const Consumer = "cellmodem"

// ErrLineClosed is returned when a released line is driven.
var ErrLineClosed = errors.New("gpio: line closed")

// Line is a requested output line.
type Line interface {
	SetValue(value int) error
	Close() error
}

// PinDriver requests output lines.
type PinDriver interface {
	Output(offset, initial int) (Line, error)
}

// Chip requests lines through the GPIO character device.
type Chip struct {
	name     string
	consumer string
}

// NewChip returns a driver for the named chip, e.g. "gpiochip0".
func NewChip(name string) *Chip {
	return &Chip{name: name, consumer: Consumer}
}

// Output implements PinDriver.
func (c *Chip) Output(offset, initial int) (Line, error) {
	l, err := gpiocdev.RequestLine(c.name, offset,
		gpiocdev.AsOutput(initial),
		gpiocdev.WithConsumer(c.consumer))
	if err != nil {
		return nil, fmt.Errorf("gpio: request %s line %d: %w", c.name, offset, err)
	}
	return l, nil
}

// DefaultSysfsRoot is where the legacy sysfs interface lives.
const DefaultSysfsRoot = "/sys/class/gpio"

// Sysfs drives lines through the legacy /sys/class/gpio interface, for
// kernels built without the character device.
type Sysfs struct {
	Root string
}

// Output implements PinDriver. Exporting an already exported line is not
// an error.
func (s Sysfs) Output(offset, initial int) (Line, error) {
	root := s.Root
	if root == "" {
		root = DefaultSysfsRoot
	}
	dir := filepath.Join(root, "gpio"+strconv.Itoa(offset))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(root, "export"), []byte(strconv.Itoa(offset)), 0o644); err != nil {
			return nil, fmt.Errorf("gpio: export %d: %w", offset, err)
		}
	}
	// "high" and "low" set the direction and the initial level atomically
	direction := "low"
	if initial != 0 {
		direction = "high"
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte(direction), 0o644); err != nil {
		return nil, fmt.Errorf("gpio: set direction of %d: %w", offset, err)
	}
	return &sysfsLine{root: root, dir: dir, offset: offset}, nil
}

type sysfsLine struct {
	mu     sync.Mutex
	root   string
	dir    string
	offset int
	closed bool
}

func (l *sysfsLine) SetValue(value int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLineClosed
	}
	v := "0"
	if value != 0 {
		v = "1"
	}
	return os.WriteFile(filepath.Join(l.dir, "value"), []byte(v), 0o644)
}

func (l *sysfsLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return os.WriteFile(filepath.Join(l.root, "unexport"), []byte(strconv.Itoa(l.offset)), 0o644)
}

// Change is a level change recorded by Sim.
type Change struct {
	Offset int
	Value  int
	At     time.Time
}

// Sim is a PinDriver that only records and logs level changes. It stands
// in for the board when the modem is simulated.
type Sim struct {
	mu      sync.Mutex
	levels  map[int]int
	history []Change
	log     *zap.Logger
}

// NewSim returns a recording driver. log may be nil.
func NewSim(log *zap.Logger) *Sim {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sim{levels: make(map[int]int), log: log}
}

// Output implements PinDriver.
func (s *Sim) Output(offset, initial int) (Line, error) {
	l := &simLine{sim: s, offset: offset}
	s.set(offset, initial)
	return l, nil
}

func (s *Sim) set(offset, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[offset] = value
	s.history = append(s.history, Change{Offset: offset, Value: value, At: time.Now()})
	s.log.Debug("line level", zap.Int("offset", offset), zap.Int("value", value))
}

// Level returns the last level driven on offset.
func (s *Sim) Level(offset int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.levels[offset]
	return v, ok
}

// History returns every change so far, oldest first.
func (s *Sim) History() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Change(nil), s.history...)
}

type simLine struct {
	sim    *Sim
	offset int
	mu     sync.Mutex
	closed bool
}

func (l *simLine) SetValue(value int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLineClosed
	}
	l.sim.set(l.offset, value)
	return nil
}

func (l *simLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
