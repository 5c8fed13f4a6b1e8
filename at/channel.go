package at

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when the modem does not send a final result in time.
	ErrTimeout = errors.New("at: command timeout")
	// ErrClosed is returned when the channel or its transport is closed.
	ErrClosed = errors.New("at: channel closed")
	// ErrDataMode is returned when a command is sent while the link carries data.
	ErrDataMode = errors.New("at: channel in data mode")
)

// CommandError is returned when the modem answers a command with a failure
// result code such as ERROR, +CME ERROR or NO CARRIER.
type CommandError struct {
	Command string
	Result  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("at: %s: %s", e.Command, e.Result)
}

// Response holds the lines a modem sent for a single command.
type Response struct {
	// Lines contains intermediate output, in arrival order.
	Lines []string
	// Result is the final result code.
	Result string
}

// Channel multiplexes a serial transport between AT command exchanges and a
// raw data stream. A single pump goroutine owns all reads from the transport
// and routes bytes according to the current mode.
type Channel struct {
	rw         io.ReadWriteCloser
	readSize   int
	lineSize   int
	writeChunk int

	cmdMu sync.Mutex // one command exchange at a time
	wrMu  sync.Mutex

	lines chan string
	cmdW  *io.PipeWriter

	mu    sync.Mutex
	dataR *io.PipeReader
	dataW *io.PipeWriter

	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

// Option configures a Channel.
type Option func(*Channel)

// WithReadBuffer sets the size of the transport read buffer.
func WithReadBuffer(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// WithLineBuffer sets the maximum length of a single response line.
func WithLineBuffer(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.lineSize = n
		}
	}
}

// WithWriteChunk splits data mode writes into chunks of at most n bytes.
func WithWriteChunk(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.writeChunk = n
		}
	}
}

// NewChannel starts a channel over rw in command mode. The channel owns rw
// and closes it on Close.
func NewChannel(rw io.ReadWriteCloser, opts ...Option) *Channel {
	pr, pw := io.Pipe()
	c := &Channel{
		rw:         rw,
		readSize:   1024,
		lineSize:   512,
		writeChunk: 512,
		lines:      make(chan string, 64),
		cmdW:       pw,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.scan(pr)
	go c.pump()
	return c
}

func (c *Channel) pump() {
	buf := make([]byte, c.readSize)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			c.route(buf[:n])
		}
		if err != nil {
			c.cmdW.CloseWithError(err)
			c.mu.Lock()
			if c.dataW != nil {
				c.dataW.CloseWithError(err)
			}
			c.mu.Unlock()
			return
		}
	}
}

func (c *Channel) route(b []byte) {
	c.mu.Lock()
	dw := c.dataW
	c.mu.Unlock()
	if dw != nil {
		// bytes for a stream that was already released are dropped
		_, _ = dw.Write(b)
		return
	}
	_, _ = c.cmdW.Write(b)
}

func (c *Channel) scan(r *io.PipeReader) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, c.lineSize), c.lineSize)
	s.Split(Splitter)
	for s.Scan() {
		line := s.Text()
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		default:
			// nobody is listening, keep the newest lines
			select {
			case <-c.lines:
			default:
			}
			c.lines <- line
		}
	}
	// unblock the pump if the scanner gave up on an oversized line
	r.CloseWithError(ErrClosed)
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Channel) write(b []byte) error {
	c.wrMu.Lock()
	defer c.wrMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if _, err := c.rw.Write(b); err != nil {
		return fmt.Errorf("at: write: %w", err)
	}
	return nil
}

func (c *Channel) drain() {
	for {
		select {
		case <-c.lines:
		default:
			return
		}
	}
}

func (c *Channel) inDataMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataW != nil
}

// Command sends cmd terminated by CR and waits up to timeout for a final
// result code. Lines received before the command was sent are discarded.
// A failure result is returned both in the Response and as a *CommandError.
func (c *Channel) Command(ctx context.Context, cmd string, timeout time.Duration) (*Response, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.inDataMode() {
		return nil, ErrDataMode
	}
	c.drain()
	if err := c.write([]byte(cmd + CR)); err != nil {
		return nil, err
	}
	return c.await(ctx, cmd, timeout)
}

func (c *Channel) await(ctx context.Context, cmd string, timeout time.Duration) (*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	resp := &Response{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", ErrTimeout, cmd)
		case <-c.done:
			return nil, ErrClosed
		case line := <-c.lines:
			if line == cmd {
				continue
			}
			switch Classify(line) {
			case TypeFinal:
				resp.Result = line
				if IsError(line) {
					return resp, &CommandError{Command: cmd, Result: line}
				}
				return resp, nil
			case TypeURC:
				continue
			default:
				resp.Lines = append(resp.Lines, line)
			}
		}
	}
}

// Escape writes the +++ escape sequence preceded and followed by guard
// silence. It does not wait for the modem's answer; the next Command
// discards it.
func (c *Channel) Escape(ctx context.Context, guard time.Duration) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if err := sleep(ctx, guard); err != nil {
		return err
	}
	if err := c.write([]byte(Escape)); err != nil {
		return err
	}
	return sleep(ctx, guard)
}

// EnterData switches the channel to data mode and returns the stream that
// now owns the link. Bytes read from the transport go to the stream until
// EnterCommand is called.
func (c *Channel) EnterData() io.ReadWriteCloser {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataW != nil {
		c.dataW.Close()
	}
	c.dataR, c.dataW = io.Pipe()
	return &dataStream{c: c, r: c.dataR}
}

// EnterCommand releases the data stream, if any, and routes transport
// input back to the command parser. The released stream reads EOF.
func (c *Channel) EnterCommand() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataW == nil {
		return
	}
	c.dataW.Close()
	c.dataR, c.dataW = nil, nil
}

// Close closes the transport. Pending commands fail with ErrClosed.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.EnterCommand()
		err = c.rw.Close()
		c.cmdW.CloseWithError(ErrClosed)
		c.doneOnce.Do(func() { close(c.done) })
	})
	return err
}

// Done is closed once the channel can no longer exchange commands.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

type dataStream struct {
	c *Channel
	r *io.PipeReader
}

func (s *dataStream) current() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.c.dataR == s.r
}

func (s *dataStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *dataStream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if !s.current() {
			return written, io.ErrClosedPipe
		}
		end := min(written+s.c.writeChunk, len(p))
		if err := s.c.write(p[written:end]); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (s *dataStream) Close() error {
	return s.r.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
