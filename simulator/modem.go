// Package simulator emulates a SIM7600-class cellular modem on the DCE side
// of a serial link. It answers the AT commands the controller issues,
// dials packet data calls through a pluggable DialFunc and honours the +++
// escape sequence with guard times, so the whole bring-up can run without
// hardware.
//
// The core component is the Modem struct, a state machine with the states
// Idle, Dialing, Online, OnlineCmd and Closed. Simulated radio conditions
// (signal quality, SIM and registration status) can be changed at runtime.
//
// Example usage:
//
//	network := simulator.NewNetwork(simulator.DefaultNetworkConfig())
//	m, err := simulator.NewModem(&simulator.Config{
//		Id:     "sim0",
//		Serial: pty,
//		Dial:   network.Dial,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.CloseSync()
package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrInvalidStateTransition is returned when an invalid state transition is attempted
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrNoCarrier is returned when no packet data call can be established
	ErrNoCarrier = errors.New("no carrier")
)

// ModemStatus represents the current operational state of the modem.
type ModemStatus int

const (
	// StatusIdle is the command state with no call up
	StatusIdle ModemStatus = iota
	// StatusDialing is the state while a packet data call is being set up
	StatusDialing
	// StatusOnline passes serial bytes to and from the data call
	StatusOnline
	// StatusOnlineCmd accepts commands while the data call stays up
	StatusOnlineCmd
	// StatusClosed is the terminal state
	StatusClosed
)

// String returns a human-readable string representation of the modem status.
func (ms ModemStatus) String() string {
	switch ms {
	case StatusIdle:
		return "Idle"
	case StatusDialing:
		return "Dialing"
	case StatusOnline:
		return "Online"
	case StatusOnlineCmd:
		return "OnlineCmd"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// RetCode is the result of processing a command line.
type RetCode int

const (
	RetCodeOk RetCode = iota
	RetCodeError
	// RetCodeSilent sends no result code
	RetCodeSilent
	RetCodeConnect
	RetCodeNoCarrier
	RetCodeNoDialtone
	RetCodeBusy
	RetCodeNoAnswer
	// RetCodeSkip makes a hook fall through to the built-in handler
	RetCodeSkip
	RetCodeUnknown
)

// RetCodeFromString converts a result code name to its RetCode, ignoring case.
func RetCodeFromString(s string) RetCode {
	switch strings.ToUpper(s) {
	case "OK":
		return RetCodeOk
	case "ERROR":
		return RetCodeError
	case "CONNECT":
		return RetCodeConnect
	case "NO CARRIER":
		return RetCodeNoCarrier
	case "NO DIALTONE":
		return RetCodeNoDialtone
	case "BUSY":
		return RetCodeBusy
	case "NO ANSWER":
		return RetCodeNoAnswer
	case "SILENT":
		return RetCodeSilent
	case "SKIP":
		return RetCodeSkip
	default:
		return RetCodeUnknown
	}
}

// PDPContext is a packet data context defined with AT+CGDCONT.
type PDPContext struct {
	CID  int
	Type string
	APN  string
}

// Modem is a simulated cellular modem attached to the DCE end of a serial
// link.
//
// The modem uses a mutex to protect internal state. Methods without the
// Sync suffix require the caller to hold the lock; the Sync variants
// acquire and release it.
type Modem struct {
	sync.Mutex
	st               ModemStatus
	stCtx            context.Context
	stCtxCancel      context.CancelFunc
	id               string
	serial           io.ReadWriteCloser
	call             io.ReadWriteCloser
	statusTransition StatusTransitionFunc
	dial             DialFunc
	commandHook      CommandHookFunc
	lineHook         LineHookFunc
	connectStr       string
	identity         Identity
	sregs            map[byte]byte
	echo             bool
	shortForm        bool
	quietMode        bool
	rssi             int
	ber              int
	simReady         bool
	registered       bool
	functionality    int
	contexts         map[int]PDPContext
	disablePreGuard  bool
	disablePostGuard bool
	metrics          *Metrics
	log              *zap.Logger
}

// StatusTransitionFunc is called on every status change with the lock held.
type StatusTransitionFunc func(m *Modem, prevStatus ModemStatus, newStatus ModemStatus)

// DialFunc sets up a packet data call. It receives the dialed number and
// the context the call uses, and returns the network side of the call.
type DialFunc func(m *Modem, number string, pdp PDPContext) (io.ReadWriteCloser, error)

// CommandHookFunc intercepts single commands. cmdChar is upper case and
// includes the leading '+' of extended commands.
type CommandHookFunc func(m *Modem, cmdChar string, cmdNum string, cmdAssign bool, cmdQuery bool, cmdAssignVal string) RetCode

// LineHookFunc intercepts complete command lines, without the AT prefix.
type LineHookFunc func(m *Modem, line string) RetCode

// Identity is what the modem reports for ATI and the +CGM* commands.
type Identity struct {
	Manufacturer string
	Model        string
	Revision     string
	IMEI         string
}

// DefaultIdentity is a SIM7600E module.
var DefaultIdentity = Identity{
	Manufacturer: "SIMCOM INCORPORATED",
	Model:        "SIMCOM_SIM7600E",
	Revision:     "LE20B04SIM7600M22",
	IMEI:         "861234050000000",
}

// Config contains the parameters of a simulated modem. Serial is required.
type Config struct {
	// Id identifies the modem in logs
	Id string
	// Serial is the DCE end of the serial link (required)
	Serial io.ReadWriteCloser
	// Dial sets up packet data calls; without it every dial fails with NO CARRIER
	Dial DialFunc
	// CommandHook is an optional callback for custom commands
	CommandHook CommandHookFunc
	// LineHook is an optional callback for complete command lines
	LineHook LineHookFunc
	// StatusTransition is an optional callback for status changes
	StatusTransition StatusTransitionFunc
	// ConnectStr is sent when a call is established (default: "CONNECT 115200")
	ConnectStr string
	// Identity overrides DefaultIdentity
	Identity *Identity
	// GuardTime is the +++ guard time in 50ms units (default: 20)
	GuardTime int
	// DisablePreGuard disables the silence check before +++
	DisablePreGuard bool
	// DisablePostGuard disables the silence check after +++
	DisablePostGuard bool
	// RSSI and BER are the initial +CSQ values (default: 20, 0)
	RSSI, BER int
	// NoSIM makes +CPIN report a missing SIM and blocks registration
	NoSIM bool
	// BootURCs makes the modem print its power-on notifications
	BootURCs bool
	// Logger receives modem events (default: no-op)
	Logger *zap.Logger
}

// Metrics contains runtime statistics of a modem. Byte counters are
// cumulative since the modem was created.
type Metrics struct {
	Status ModemStatus
	// SerialTxBytes is the number of bytes sent to the DTE
	SerialTxBytes int
	// SerialRxBytes is the number of bytes received from the DTE
	SerialRxBytes int
	// CallTxBytes is the number of bytes sent into data calls
	CallTxBytes int
	// CallRxBytes is the number of bytes received from data calls
	CallRxBytes int
	// NumCalls is the number of established data calls
	NumCalls int
	// NumFailedCalls is the number of dials that ended in NO CARRIER
	NumFailedCalls int
	LastSerialTxTime time.Time
	LastSerialRxTime time.Time
	LastCmdTime      time.Time
	LastCallTime     time.Time
}

func checkValidCmdChar(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

func checkValidNumChar(b byte) bool {
	return (b >= '0' && b <= '9')
}

func (m *Modem) checkLock() {
	if m.TryLock() {
		panic("Modem lock not held")
	}
}

func (m *Modem) serialWrite(b []byte) {
	m.metrics.LastSerialTxTime = time.Now()
	n, err := m.serial.Write(b)
	if err != nil || n == 0 {
		m.setStatus(StatusClosed)
		return
	}
	m.metrics.SerialTxBytes += n
}

func (m *Modem) serialWriteStr(s string) {
	m.serialWrite([]byte(s))
}

// SerialWriteStr writes s to the DTE.
// The modem lock must be held before calling this method.
func (m *Modem) SerialWriteStr(s string) {
	m.checkLock()
	m.serialWriteStr(s)
}

// SerialWriteStrSync writes s to the DTE with automatic lock management.
func (m *Modem) SerialWriteStrSync(s string) {
	m.Lock()
	defer m.Unlock()
	m.serialWriteStr(s)
}

// URCSync sends an unsolicited result code framed as the modem frames
// responses.
func (m *Modem) URCSync(line string) {
	m.Lock()
	defer m.Unlock()
	m.info(line)
}

// Id returns the identifier of the modem.
func (m *Modem) Id() string {
	return m.id
}

func (m *Modem) cr() string {
	if m.shortForm {
		return "\r"
	}
	return "\r\n"
}

// info writes an information response line.
func (m *Modem) info(line string) {
	m.serialWriteStr(m.cr() + line + m.cr())
}

func (m *Modem) printRetCode(ret RetCode) {
	retStr := ""
	if m.shortForm {
		switch ret {
		case RetCodeSilent, RetCodeSkip:
			return
		case RetCodeOk:
			retStr = "0"
		case RetCodeError:
			retStr = "4"
		case RetCodeConnect:
			retStr = "1"
		case RetCodeNoCarrier:
			retStr = "3"
		case RetCodeNoDialtone:
			retStr = "6"
		case RetCodeBusy:
			retStr = "7"
		case RetCodeNoAnswer:
			retStr = "8"
		}
	} else {
		switch ret {
		case RetCodeSilent, RetCodeSkip:
			return
		case RetCodeOk:
			retStr = "OK"
		case RetCodeError:
			retStr = "ERROR"
		case RetCodeConnect:
			retStr = m.connectStr
		case RetCodeNoCarrier:
			retStr = "NO CARRIER"
		case RetCodeNoDialtone:
			retStr = "NO DIALTONE"
		case RetCodeBusy:
			retStr = "BUSY"
		case RetCodeNoAnswer:
			retStr = "NO ANSWER"
		}
	}
	if !m.quietMode {
		// no error handling here, setStatus may be the caller
		_, _ = m.serial.Write([]byte(m.cr() + retStr + m.cr()))
	}
}

// SetStatusSync changes the modem status with automatic lock management.
func (m *Modem) SetStatusSync(status ModemStatus) {
	m.Lock()
	defer m.Unlock()
	m.setStatus(status)
}

func (m *Modem) setStatus(status ModemStatus) {
	prevStatus := m.st
	if prevStatus == status {
		return
	}
	if prevStatus == StatusClosed {
		panic(ErrInvalidStateTransition)
	}
	m.stCtxCancel()
	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())
	m.st = status
	switch m.st {
	case StatusIdle:
		if prevStatus == StatusOnline || prevStatus == StatusOnlineCmd || prevStatus == StatusDialing {
			m.printRetCode(RetCodeNoCarrier)
		}
		if prevStatus == StatusDialing {
			m.metrics.NumFailedCalls++
		}
		if m.call != nil {
			m.call.Close()
			m.call = nil
		}
	case StatusOnline:
		if prevStatus != StatusDialing && prevStatus != StatusOnlineCmd {
			panic(ErrInvalidStateTransition)
		}
		if prevStatus == StatusDialing {
			m.metrics.NumCalls++
			m.metrics.LastCallTime = time.Now()
		}
		m.printRetCode(RetCodeConnect)
		go m.onlineTask(m.stCtx)
	case StatusOnlineCmd:
		if prevStatus != StatusOnline {
			panic(ErrInvalidStateTransition)
		}
		m.printRetCode(RetCodeOk)
	case StatusDialing:
		if prevStatus != StatusIdle {
			panic(ErrInvalidStateTransition)
		}
	case StatusClosed:
		m.serial.Close()
		if m.call != nil {
			m.call.Close()
			m.call = nil
		}
	}
	m.log.Debug("modem status changed",
		zap.String("modem", m.id), zap.Stringer("from", prevStatus), zap.Stringer("to", status))
	if m.statusTransition != nil {
		m.statusTransition(m, prevStatus, status)
	}
}

func (m *Modem) status() ModemStatus {
	return m.st
}

// Status returns the current status.
// The modem lock must be held before calling this method.
func (m *Modem) Status() ModemStatus {
	m.checkLock()
	return m.status()
}

// StatusSync returns the current status with automatic lock management.
func (m *Modem) StatusSync() ModemStatus {
	m.Lock()
	defer m.Unlock()
	return m.status()
}

// CloseSync terminates the modem and closes the serial link and any call.
func (m *Modem) CloseSync() {
	m.Lock()
	defer m.Unlock()
	m.setStatus(StatusClosed)
}

// DropCarrierSync ends the data call from the network side. The DTE sees
// NO CARRIER.
func (m *Modem) DropCarrierSync() {
	m.Lock()
	defer m.Unlock()
	if m.st == StatusOnline || m.st == StatusOnlineCmd {
		m.setStatus(StatusIdle)
	}
}

// SetSignalSync changes the values reported by AT+CSQ.
func (m *Modem) SetSignalSync(rssi, ber int) {
	m.Lock()
	defer m.Unlock()
	m.rssi, m.ber = rssi, ber
}

// SetRegisteredSync changes the network registration status.
func (m *Modem) SetRegisteredSync(registered bool) {
	m.Lock()
	defer m.Unlock()
	m.registered = registered && m.simReady
}

// Contexts returns a copy of the defined PDP contexts.
// The modem lock must be held before calling this method.
func (m *Modem) Contexts() map[int]PDPContext {
	m.checkLock()
	out := make(map[int]PDPContext, len(m.contexts))
	for k, v := range m.contexts {
		out[k] = v
	}
	return out
}

// ContextsSync returns a copy of the defined PDP contexts with automatic
// lock management.
func (m *Modem) ContextsSync() map[int]PDPContext {
	m.Lock()
	defer m.Unlock()
	return m.Contexts()
}

func (m *Modem) onlineTask(ctx context.Context) {
	buff := make([]byte, 512)
	m.Lock()
	call := m.call
	for ctx.Err() == nil {
		m.Unlock()
		n, err := call.Read(buff)
		m.Lock()
		if ctx.Err() != nil {
			break
		}
		if err != nil || n == 0 {
			m.setStatus(StatusIdle)
			break
		}
		m.metrics.CallRxBytes += n
		m.serialWrite(buff[:n])
	}
	m.Unlock()
}

func (m *Modem) processDialing(ctx context.Context, number string, pdp PDPContext) {
	if ctx.Err() != nil {
		return
	}
	call, err := m.dial(m, number, pdp)
	m.Lock()
	defer m.Unlock()
	if ctx.Err() != nil {
		if err == nil {
			call.Close()
		}
		return
	}
	if err != nil {
		m.log.Debug("dial failed", zap.String("modem", m.id), zap.String("number", number), zap.Error(err))
		m.setStatus(StatusIdle)
		return
	}
	m.call = call
	m.setStatus(StatusOnline)
}

// dialContext resolves the PDP context a data number refers to: "*99#"
// uses context 1 and "*99***<cid>#" selects one.
func (m *Modem) dialContext(number string) (PDPContext, bool) {
	if !strings.HasPrefix(number, "*99") || !strings.HasSuffix(number, "#") {
		return PDPContext{}, false
	}
	cid := 1
	if rest := strings.TrimSuffix(strings.TrimPrefix(number, "*99"), "#"); rest != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(rest, "***"))
		if err != nil || !strings.HasPrefix(rest, "***") {
			return PDPContext{}, false
		}
		cid = n
	}
	pdp, ok := m.contexts[cid]
	return pdp, ok
}

func (m *Modem) processCommand(cmdChar string, cmdNum string, cmdAssign bool, cmdQuery bool, cmdAssignVal string) RetCode {
	if m.commandHook != nil {
		r := m.commandHook(m, cmdChar, cmdNum, cmdAssign, cmdQuery, cmdAssignVal)
		if r != RetCodeSkip {
			return r
		}
	}
	if strings.HasPrefix(cmdChar, "+") {
		return m.processExtended(cmdChar, cmdAssign, cmdQuery, cmdAssignVal)
	}
	switch cmdChar {
	case "S":
		r, _ := strconv.Atoi(cmdNum)
		if r < 0 || r > 255 {
			return RetCodeError
		}
		if cmdAssign {
			v, _ := strconv.Atoi(cmdAssignVal)
			if v < 0 || v > 255 {
				return RetCodeError
			}
			m.sregs[byte(r)] = byte(v)
			return RetCodeOk
		}
		if cmdQuery {
			v := m.sregs[byte(r)]
			m.serialWriteStr(fmt.Sprintf(m.cr()+"%03d\r\n", v))
			return RetCodeOk
		}
	case "E":
		n, _ := strconv.Atoi(cmdNum)
		switch n {
		case 0:
			m.echo = false
		case 1:
			m.echo = true
		default:
			return RetCodeError
		}
	case "V":
		n, _ := strconv.Atoi(cmdNum)
		switch n {
		case 0:
			m.shortForm = true
		case 1:
			m.shortForm = false
		default:
			return RetCodeError
		}
	case "I":
		m.info("Manufacturer: " + m.identity.Manufacturer)
		m.info("Model: " + m.identity.Model)
		m.info("Revision: " + m.identity.Revision)
		m.info("IMEI: " + m.identity.IMEI)
	case "D":
		if m.status() != StatusIdle {
			return RetCodeError
		}
		number := strings.ToUpper(strings.TrimSpace(cmdAssignVal))
		if len(number) > 0 && (number[0] == 'T' || number[0] == 'P') {
			number = strings.TrimSpace(number[1:])
		}
		pdp, ok := m.dialContext(number)
		if !ok || !m.registered || m.dial == nil {
			m.metrics.NumFailedCalls++
			return RetCodeNoCarrier
		}
		m.setStatus(StatusDialing)
		go m.processDialing(m.stCtx, number, pdp)
		return RetCodeSilent
	case "H":
		if m.status() == StatusOnline || m.status() == StatusOnlineCmd {
			m.setStatus(StatusIdle)
			return RetCodeSilent
		}
	case "O":
		if m.status() != StatusOnlineCmd {
			return RetCodeError
		}
		m.setStatus(StatusOnline)
		return RetCodeSilent
	case "Q":
		n, _ := strconv.Atoi(cmdNum)
		switch n {
		case 0:
			m.quietMode = false
		case 1:
			m.quietMode = true
		default:
			return RetCodeError
		}
	case "&F", "Z":
		m.sregs[0] = 0
		m.echo = true
		m.shortForm = false
		m.quietMode = false
		if m.status() == StatusOnline || m.status() == StatusOnlineCmd {
			m.setStatus(StatusIdle)
			return RetCodeSilent
		}
	}
	return RetCodeOk
}

func (m *Modem) processExtended(cmd string, assign, query bool, val string) RetCode {
	test := assign && query
	switch cmd {
	case "+CSQ":
		if test {
			m.info("+CSQ: (0-31,99),(0-7,99)")
			return RetCodeOk
		}
		rssi, ber := m.rssi, m.ber
		if !m.registered {
			rssi, ber = 99, 99
		}
		m.info(fmt.Sprintf("+CSQ: %d,%d", rssi, ber))
	case "+CPIN":
		if !query {
			return RetCodeError
		}
		if !m.simReady {
			return m.cmeError(10)
		}
		m.info("+CPIN: READY")
	case "+CREG", "+CGREG", "+CEREG":
		if !query {
			return RetCodeOk
		}
		stat := 2
		if m.registered {
			stat = 1
		}
		m.info(fmt.Sprintf("%s: 0,%d", cmd, stat))
	case "+CFUN":
		switch {
		case test:
			m.info("+CFUN: (0,1,4),(0-1)")
		case query:
			m.info(fmt.Sprintf("+CFUN: %d", m.functionality))
		case assign:
			fun, err := strconv.Atoi(strings.SplitN(val, ",", 2)[0])
			if err != nil || (fun != 0 && fun != 1 && fun != 4) {
				return RetCodeError
			}
			m.functionality = fun
			m.registered = fun == 1 && m.simReady
		}
	case "+CGDCONT":
		switch {
		case test:
			m.info(`+CGDCONT: (1-24),"IP",,,(0-2),(0-4),(0-1),(0-1)`)
		case query:
			for cid := 1; cid <= 24; cid++ {
				if pdp, ok := m.contexts[cid]; ok {
					m.info(fmt.Sprintf(`+CGDCONT: %d,"%s","%s","0.0.0.0",0,0`, pdp.CID, pdp.Type, pdp.APN))
				}
			}
		case assign:
			pdp, ok := parsePDPContext(val)
			if !ok {
				return RetCodeError
			}
			if pdp.Type == "" {
				delete(m.contexts, pdp.CID)
				return RetCodeOk
			}
			m.contexts[pdp.CID] = pdp
		}
	case "+CGMI":
		m.info(m.identity.Manufacturer)
	case "+CGMM":
		m.info(m.identity.Model)
	case "+CGMR":
		m.info("+CGMR: " + m.identity.Revision)
	case "+CGSN":
		m.info(m.identity.IMEI)
	default:
		return RetCodeError
	}
	return RetCodeOk
}

func (m *Modem) cmeError(code int) RetCode {
	m.info(fmt.Sprintf("+CME ERROR: %d", code))
	return RetCodeSilent
}

func parsePDPContext(val string) (PDPContext, bool) {
	fields := strings.Split(val, ",")
	cid, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || cid < 1 || cid > 24 {
		return PDPContext{}, false
	}
	pdp := PDPContext{CID: cid}
	if len(fields) > 1 {
		pdp.Type = strings.Trim(strings.TrimSpace(fields[1]), `"`)
		switch pdp.Type {
		case "IP", "IPV6", "IPV4V6", "PPP":
		default:
			return PDPContext{}, false
		}
	}
	if len(fields) > 2 {
		pdp.APN = strings.Trim(strings.TrimSpace(fields[2]), `"`)
	}
	return pdp, true
}

func (m *Modem) processAtCommand(cmd string) RetCode {
	if m.status() != StatusIdle && m.status() != StatusOnlineCmd {
		return RetCodeError
	}
	m.metrics.LastCmdTime = time.Now()
	if m.lineHook != nil {
		r := m.lineHook(m, cmd)
		if r != RetCodeSkip {
			return r
		}
	}
	cmdBuf := bytes.NewBufferString(cmd)
	cmdRet := RetCodeOk
	e := false
	for cmdBuf.Len() > 0 && !e {
		cmdChar := ""
		cmdNum := ""
		cmdLong := false
		cmdAssign := false
		cmdQuery := false
		cmdAssignVal := ""

		for cmdBuf.Len() > 0 && !e {
			b, err := cmdBuf.ReadByte()
			if err != nil {
				e = true
				break
			}

			if b == '?' {
				if cmdChar != "" {
					cmdQuery = true
					break
				}
				e = true
				break
			}

			if cmdAssign {
				if !cmdLong && !checkValidNumChar(b) { // short commands only take numbers
					cmdBuf.UnreadByte()
					break
				}
				cmdAssignVal += string(b)
				continue
			}

			if b == '+' {
				if cmdChar == "" {
					cmdLong = true
					cmdChar += string(b)
					continue
				}
				e = true
				break
			}

			if b == '=' {
				if cmdChar != "" {
					cmdAssign = true
					continue
				}
				e = true
				break
			}

			if cmdLong {
				if checkValidCmdChar(b) {
					cmdChar += string(b)
					continue
				}
				e = true
				break
			}

			if cmdChar == "" || cmdChar == "&" {
				if b == '&' && cmdChar == "" && cmdBuf.Len() > 0 {
					cmdChar += string(b)
					continue
				}
				if checkValidCmdChar(b) {
					cmdChar += string(b)
					if cmdChar == "d" || cmdChar == "D" {
						cmdLong = true
						cmdAssign = true
					}
				} else {
					e = true
					break
				}
			} else {
				if checkValidNumChar(b) {
					cmdNum += string(b)
				} else {
					cmdBuf.UnreadByte()
					break
				}
			}
		}
		if !e {
			cmdRet = m.processCommand(strings.ToUpper(cmdChar), cmdNum, cmdAssign, cmdQuery, cmdAssignVal)
			if cmdRet == RetCodeError {
				break
			}
		}
		if cmdLong {
			break // extended commands end the line
		}
	}

	if e {
		cmdRet = RetCodeError
	}
	return cmdRet
}

// ProcessAtCommandSync processes a command line without the AT prefix and
// returns its result code.
func (m *Modem) ProcessAtCommandSync(cmd string) RetCode {
	m.Lock()
	defer m.Unlock()
	return m.processAtCommand(cmd)
}

// Metrics returns a copy of the modem statistics.
// The modem lock must be held before calling this method.
func (m *Modem) Metrics() *Metrics {
	m.checkLock()
	copy := *m.metrics
	copy.Status = m.status()
	return &copy
}

// MetricsSync returns a copy of the modem statistics with automatic lock
// management.
func (m *Modem) MetricsSync() *Metrics {
	m.Lock()
	defer m.Unlock()
	return m.Metrics()
}

// boot prints the power-on notifications of a SIM7600.
func (m *Modem) boot() {
	m.Lock()
	defer m.Unlock()
	if m.st != StatusIdle {
		return
	}
	m.info("RDY")
	if m.simReady {
		m.info("+CPIN: READY")
		m.info("SMS DONE")
		m.info("PB DONE")
	}
}

func (m *Modem) guard() time.Duration {
	return time.Duration(m.sregs[12]) * 50 * time.Millisecond
}

func (m *Modem) serialReadTask() {
	aFlag := false
	atFlag := false
	buffer := *bytes.NewBuffer(nil)
	byteBuff := make([]byte, 1)
	lastCmd := ""
	plusCnt := 0
	lastPlus := time.Time{}
	lastNotPlus := time.Time{}

	m.Lock()
	for m.status() != StatusClosed {
		m.Unlock()
		n, err := m.serial.Read(byteBuff)
		m.Lock()
		if m.status() == StatusClosed {
			break
		}

		if err != nil || n == 0 {
			m.setStatus(StatusClosed)
			break
		}
		m.metrics.LastSerialRxTime = time.Now()
		m.metrics.SerialRxBytes += n
		if m.status() == StatusOnline { // data pass-through
			m.metrics.CallTxBytes += n
			if m.call != nil {
				if _, err := m.call.Write(byteBuff); err != nil {
					m.setStatus(StatusIdle)
					continue
				}
			}
			if byteBuff[0] == '+' {
				if !m.disablePreGuard {
					if time.Since(lastNotPlus) < m.guard() {
						plusCnt = 0
						lastNotPlus = time.Now()
						continue
					}
				}

				if time.Since(lastPlus) > m.guard() {
					plusCnt = 0
				}
				plusCnt++
				lastPlus = time.Now()
				if plusCnt == 3 {
					if m.disablePostGuard {
						m.setStatus(StatusOnlineCmd)
					} else {
						go func(ctx context.Context) {
							time.Sleep(m.guard())
							m.Lock()
							defer m.Unlock()
							if ctx.Err() != nil || plusCnt != 3 {
								return
							}
							m.setStatus(StatusOnlineCmd)
						}(m.stCtx)
					}
				}
			} else {
				plusCnt = 0
				lastNotPlus = time.Now()
			}
			continue
		}
		plusCnt = 0

		if m.status() == StatusDialing {
			// any character aborts a dial
			m.setStatus(StatusIdle)
			continue
		}

		if !atFlag {
			if m.echo {
				m.serialWrite(byteBuff)
			}
			if bytes.ToUpper(byteBuff)[0] == 'A' {
				aFlag = true
				continue
			}
			if aFlag && byteBuff[0] == '/' {
				aFlag = false
				if m.echo {
					m.serialWriteStr("\r")
				}
				m.printRetCode(m.processAtCommand(lastCmd))
				continue
			}
			if aFlag && bytes.ToUpper(byteBuff)[0] == 'T' {
				atFlag = true
				aFlag = false
				continue
			}
			aFlag = false
		} else {
			if byteBuff[0] == 0x7f {
				if buffer.Len() > 0 {
					buffer.Truncate(buffer.Len() - 1)
					if m.echo {
						m.serialWriteStr("\x1b[D \x1b[D")
					}
				}
				continue
			}
			if byteBuff[0] == '\r' {
				atFlag = false
				lastCmd = buffer.String()
				if m.echo {
					m.serialWriteStr("\r")
				}
				m.printRetCode(m.processAtCommand(lastCmd))
				buffer.Reset()
				continue
			}
			if buffer.Len() < 556 && strconv.IsPrint(rune(byteBuff[0])) {
				buffer.Write(byteBuff)
				if m.echo {
					m.serialWrite(byteBuff)
				}
			}
		}
	}
	m.Unlock()
}

// NewModem creates a simulated modem and starts serving its serial link.
// The modem starts Idle, registered to the network unless NoSIM is set.
//
// Returns ErrConfigRequired if config is nil or has no Serial link.
func NewModem(config *Config) (*Modem, error) {
	if config == nil || config.Serial == nil {
		return nil, ErrConfigRequired
	}

	m := &Modem{
		st:               StatusIdle,
		id:               config.Id,
		dial:             config.Dial,
		commandHook:      config.CommandHook,
		lineHook:         config.LineHook,
		statusTransition: config.StatusTransition,
		serial:           config.Serial,
		connectStr:       config.ConnectStr,
		identity:         DefaultIdentity,
		disablePreGuard:  config.DisablePreGuard,
		disablePostGuard: config.DisablePostGuard,
		echo:             true,
		rssi:             config.RSSI,
		ber:              config.BER,
		simReady:         !config.NoSIM,
		registered:       !config.NoSIM,
		functionality:    1,
		sregs:            make(map[byte]byte),
		contexts:         make(map[int]PDPContext),
		metrics:          &Metrics{},
		log:              config.Logger,
	}
	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())

	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.connectStr == "" {
		m.connectStr = "CONNECT 115200"
	}
	if config.Identity != nil {
		m.identity = *config.Identity
	}
	if m.rssi == 0 && m.ber == 0 {
		m.rssi = 20
	}
	guard := config.GuardTime
	if guard == 0 {
		guard = 20
	}
	m.sregs[12] = byte(guard)

	go m.serialReadTask()
	if config.BootURCs {
		go m.boot()
	}
	return m, nil
}
