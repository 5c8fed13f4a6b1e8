package cellmodem

import "sync/atomic"

// ConnectionState is the externally visible state of the data connection.
type ConnectionState uint8

const (
	// StateStopped is the initial state and the state after a disconnect
	// has been announced.
	StateStopped ConnectionState = iota
	// StateConnecting means the modem is dialed and PPP is negotiating.
	StateConnecting
	// StateConnectNotify means an address was acquired and the connect
	// callbacks are due on the next poll.
	StateConnectNotify
	// StateConnected means the connect callbacks have run.
	StateConnected
	// StateDisconnected means the address was lost and the disconnect
	// callbacks are due on the next poll.
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateConnecting:
		return "Connecting"
	case StateConnectNotify:
		return "ConnectNotify"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// The cell packs the state in the low byte and two wrapping event counters
// above it, so the poll can tell how many acquisitions and losses happened
// since it last looked.
const (
	stateMask    = 0xff
	counterBits  = 28
	counterMask  = 1<<counterBits - 1
	connectShift = 8
	lostShift    = connectShift + counterBits
)

type stateWord uint64

func pack(st ConnectionState, connects, losts uint32) stateWord {
	return stateWord(uint64(st) |
		uint64(connects&counterMask)<<connectShift |
		uint64(losts&counterMask)<<lostShift)
}

func (w stateWord) state() ConnectionState { return ConnectionState(w & stateMask) }
func (w stateWord) connects() uint32       { return uint32(w>>connectShift) & counterMask }
func (w stateWord) losts() uint32          { return uint32(w>>lostShift) & counterMask }

func (w stateWord) with(st ConnectionState) stateWord {
	return w&^stateMask | stateWord(st)
}

type stateCell struct {
	v atomic.Uint64
}

func (c *stateCell) load() stateWord {
	return stateWord(c.v.Load())
}

func (c *stateCell) cas(old, next stateWord) bool {
	return c.v.CompareAndSwap(uint64(old), uint64(next))
}

// acquired records an address acquisition.
func (c *stateCell) acquired() {
	for {
		w := c.load()
		if c.cas(w, pack(StateConnectNotify, w.connects()+1, w.losts())) {
			return
		}
	}
}

// lost records an address loss.
func (c *stateCell) lost() {
	for {
		w := c.load()
		if c.cas(w, pack(StateDisconnected, w.connects(), w.losts()+1)) {
			return
		}
	}
}

// advance moves from one state to another, failing if the state is not
// from. Counters are preserved.
func (c *stateCell) advance(from, to ConnectionState) bool {
	for {
		w := c.load()
		if w.state() != from {
			return false
		}
		if c.cas(w, w.with(to)) {
			return true
		}
	}
}
