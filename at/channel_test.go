package at

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedModem answers commands read from its end of a pipe using a
// fixed table of replies.
type scriptedModem struct {
	conn    net.Conn
	echo    bool
	replies map[string]string
	mu      sync.Mutex
	seen    []string
}

func newScriptedModem(t *testing.T, echo bool, replies map[string]string) (*scriptedModem, net.Conn) {
	t.Helper()
	host, dev := net.Pipe()
	m := &scriptedModem{conn: dev, echo: echo, replies: replies}
	go m.serve()
	t.Cleanup(func() { dev.Close() })
	return m, host
}

func (m *scriptedModem) serve() {
	r := bufio.NewReader(m.conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		cmd := strings.TrimSuffix(line, "\r")
		m.mu.Lock()
		m.seen = append(m.seen, cmd)
		m.mu.Unlock()
		out := ""
		if m.echo {
			out += cmd + "\r\r\n"
		}
		reply, ok := m.replies[cmd]
		if !ok {
			reply = "ERROR"
		}
		if reply == "" {
			continue
		}
		out += "\r\n" + reply + "\r\n"
		if _, err := m.conn.Write([]byte(out)); err != nil {
			return
		}
	}
}

func (m *scriptedModem) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seen...)
}

func TestChannel_Command(t *testing.T) {
	for _, echo := range []bool{false, true} {
		_, host := newScriptedModem(t, echo, map[string]string{
			"AT":     "OK",
			"AT+CSQ": "+CSQ: 21,0\r\n\r\nOK",
		})
		ch := NewChannel(host)

		resp, err := ch.Command(context.Background(), "AT", time.Second)
		if err != nil {
			t.Fatalf("echo=%v Command(AT) error = %v", echo, err)
		}
		if resp.Result != OK || len(resp.Lines) != 0 {
			t.Errorf("echo=%v Command(AT) = %+v, want OK without lines", echo, resp)
		}

		resp, err = ch.Command(context.Background(), "AT+CSQ", time.Second)
		if err != nil {
			t.Fatalf("echo=%v Command(AT+CSQ) error = %v", echo, err)
		}
		if len(resp.Lines) != 1 || resp.Lines[0] != "+CSQ: 21,0" {
			t.Errorf("echo=%v Command(AT+CSQ) lines = %q", echo, resp.Lines)
		}
		ch.Close()
	}
}

func TestChannel_CommandError(t *testing.T) {
	_, host := newScriptedModem(t, false, map[string]string{
		"AT+CPIN?": "+CME ERROR: SIM not inserted",
	})
	ch := NewChannel(host)
	defer ch.Close()

	resp, err := ch.Command(context.Background(), "AT+CPIN?", time.Second)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Command() error = %v, want *CommandError", err)
	}
	if cmdErr.Result != "+CME ERROR: SIM not inserted" {
		t.Errorf("CommandError.Result = %q", cmdErr.Result)
	}
	if resp == nil || resp.Result != cmdErr.Result {
		t.Errorf("Response.Result = %v, want %q", resp, cmdErr.Result)
	}
}

func TestChannel_Timeout(t *testing.T) {
	_, host := newScriptedModem(t, false, map[string]string{"AT": ""})
	ch := NewChannel(host)
	defer ch.Close()

	_, err := ch.Command(context.Background(), "AT", 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Command() error = %v, want %v", err, ErrTimeout)
	}
}

func TestChannel_ContextCancel(t *testing.T) {
	_, host := newScriptedModem(t, false, map[string]string{"AT": ""})
	ch := NewChannel(host)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ch.Command(ctx, "AT", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Command() error = %v, want %v", err, context.Canceled)
	}
}

func TestChannel_Closed(t *testing.T) {
	_, host := newScriptedModem(t, false, map[string]string{"AT": "OK"})
	ch := NewChannel(host)
	ch.Close()

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after Close()")
	}
	if _, err := ch.Command(context.Background(), "AT", time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Command() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestChannel_DataMode(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()
	ch := NewChannel(host, WithWriteChunk(4))
	defer ch.Close()

	stream := ch.EnterData()

	if _, err := ch.Command(context.Background(), "AT", time.Second); !errors.Is(err, ErrDataMode) {
		t.Errorf("Command() in data mode error = %v, want %v", err, ErrDataMode)
	}

	// modem -> stream
	go dev.Write([]byte("~\x7d\x23LCP"))
	buf := make([]byte, 16)
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatalf("stream.Read() error = %v", err)
	}
	if string(buf[:n]) != "~\x7d\x23LCP" {
		t.Errorf("stream.Read() = %q", buf[:n])
	}

	// stream -> modem, split into chunks
	go stream.Write([]byte("0123456789"))
	got := make([]byte, 0, 10)
	for len(got) < 10 {
		n, err := dev.Read(buf)
		if err != nil {
			t.Fatalf("dev.Read() error = %v", err)
		}
		if n > 4 {
			t.Errorf("chunk of %d bytes, want at most 4", n)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "0123456789" {
		t.Errorf("modem received %q", got)
	}

	ch.EnterCommand()
	if _, err := stream.Read(buf); err != io.EOF {
		t.Errorf("stream.Read() after EnterCommand error = %v, want EOF", err)
	}
	if _, err := stream.Write([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("stream.Write() after EnterCommand error = %v, want %v", err, io.ErrClosedPipe)
	}
}

func TestChannel_Escape(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()
	ch := NewChannel(host)
	defer ch.Close()

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 8)
		n, _ := dev.Read(buf)
		got <- string(buf[:n])
	}()

	start := time.Now()
	if err := ch.Escape(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("Escape() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Escape() took %v, want at least two guard times", elapsed)
	}
	if s := <-got; s != Escape {
		t.Errorf("modem received %q, want %q", s, Escape)
	}
}

func TestChannel_DiscardsStaleLines(t *testing.T) {
	m, host := newScriptedModem(t, false, map[string]string{"AT": "OK"})
	ch := NewChannel(host)
	defer ch.Close()

	// unsolicited output before the command must not be taken as its answer
	go m.conn.Write([]byte("\r\nRDY\r\n\r\nERROR\r\n"))
	time.Sleep(20 * time.Millisecond)

	resp, err := ch.Command(context.Background(), "AT", time.Second)
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if resp.Result != OK {
		t.Errorf("Command() result = %q, want OK", resp.Result)
	}
	if cmds := m.commands(); len(cmds) != 1 || cmds[0] != "AT" {
		t.Errorf("modem saw %q", cmds)
	}
}
