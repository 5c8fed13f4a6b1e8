// Package at implements the small part of the AT command protocol needed to
// drive a cellular modem: line framing, response classification and a
// command channel that can hand the serial link over to a data stream once
// the modem has dialed a packet data connection.
//
// The channel assumes the modem answers with CR/LF terminated lines. Echoed
// commands are recognized and skipped, so it works before and after ATE0.
package at

import (
	"bytes"
	"strings"
)

const (
	// CR terminates every command sent to the modem.
	CR = "\r"
	// Escape switches a modem from data mode back to command mode when
	// surrounded by guard time silence.
	Escape = "+++"

	// Final result codes.
	OK         = "OK"
	Error      = "ERROR"
	Connect    = "CONNECT"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// Commands.
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdHangup        = "ATH"
	CmdSignalQuality = "AT+CSQ"
	CmdDefinePDP     = "AT+CGDCONT"
	CmdDial          = "ATD"

	// Information responses.
	RespSignalQuality = "+CSQ:"

	// Unsolicited result codes seen on SIM7600-class modems.
	UrcRing     = "RING"
	UrcReady    = "RDY"
	UrcNewMsg   = "+CMTI:"
	UrcSMSDone  = "SMS DONE"
	UrcPBDone   = "PB DONE"
	UrcCPINInit = "+CPIN: READY"
)

// ResponseType classifies a line received from the modem.
type ResponseType int

const (
	// TypeFinal terminates the current command.
	TypeFinal ResponseType = iota
	// TypeURC is an unsolicited notification unrelated to the current command.
	TypeURC
	// TypeData is intermediate command output.
	TypeData
)

// String returns a human-readable name of the response type.
func (t ResponseType) String() string {
	switch t {
	case TypeFinal:
		return "Final"
	case TypeURC:
		return "URC"
	case TypeData:
		return "Data"
	default:
		return "Unknown"
	}
}

var finalPrefixes = []string{OK, Error, Connect, NoCarrier, NoDialtone, Busy, NoAnswer, CmeError, CmsError}

var urcPrefixes = []string{UrcRing, UrcReady, UrcNewMsg, UrcSMSDone, UrcPBDone}

// Classify returns the response type of a trimmed line.
func Classify(line string) ResponseType {
	for _, p := range finalPrefixes {
		if strings.HasPrefix(line, p) {
			return TypeFinal
		}
	}
	for _, p := range urcPrefixes {
		if strings.HasPrefix(line, p) {
			return TypeURC
		}
	}
	return TypeData
}

// IsError reports whether a final result code means the command failed.
func IsError(final string) bool {
	switch {
	case final == OK, strings.HasPrefix(final, Connect):
		return false
	default:
		return true
	}
}

// Splitter is a bufio.SplitFunc returning one modem line per token.
// Lines may be terminated by CR, LF or CRLF; empty lines are skipped.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if start == len(data) {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, bytes.TrimSpace(data[start : start+i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data[start:]), nil
	}
	return start, nil, nil
}
