package netif

import (
	"fmt"
	"net/netip"
)

// EventBase identifies a class of network stack events.
type EventBase string

const (
	// IPEvent carries address lifecycle events for network interfaces.
	IPEvent EventBase = "IP_EVENT"
	// PPPStatusEvent carries PPP phase changes and termination causes.
	PPPStatusEvent EventBase = "NETIF_PPP_STATUS"
)

// AnyID registers a handler for every event id of a base.
const AnyID int32 = -1

// IP event ids.
const (
	IPEventGotIP6    int32 = 3
	IPEventPPPGotIP  int32 = 6
	IPEventPPPLostIP int32 = 7
)

// IPEventName returns the name of an IP event id.
func IPEventName(id int32) string {
	switch id {
	case IPEventGotIP6:
		return "GOT_IP6"
	case IPEventPPPGotIP:
		return "PPP_GOT_IP"
	case IPEventPPPLostIP:
		return "PPP_LOST_IP"
	default:
		return fmt.Sprintf("IP_EVENT_%d", id)
	}
}

// IPInfo is the IPv4 configuration negotiated on an interface.
type IPInfo struct {
	IP      netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr
}

// IPEventGotIP is the payload of IPEventPPPGotIP.
type IPEventGotIP struct {
	Interface *Interface
	IPInfo    IPInfo
	Changed   bool
}

// IP6Info is the payload of IPEventGotIP6.
type IP6Info struct {
	Interface *Interface
	IP        netip.Addr
}

// IPEventLostIP is the payload of IPEventPPPLostIP.
type IPEventLostIP struct {
	Interface *Interface
}

// PPPStatus is the event id of PPPStatusEvent: a termination cause below
// 0x100, a negotiation phase from 0x100 on.
type PPPStatus int32

const (
	PPPErrorNone PPPStatus = iota
	PPPErrorParam
	PPPErrorOpen
	PPPErrorDevice
	PPPErrorAlloc
	PPPErrorUser
	PPPErrorConnect
	PPPErrorAuthFail
	PPPErrorProtocol
	PPPErrorPeerDead
	PPPErrorIdleTimeout
	PPPErrorConnectTime
	PPPErrorLoopback
)

const (
	PPPPhaseDead PPPStatus = 0x100 + iota
	PPPPhaseMaster
	PPPPhaseHoldoff
	PPPPhaseInitialize
	PPPPhaseSerialConn
	PPPPhaseDormant
	PPPPhaseEstablish
	PPPPhaseAuthenticate
	PPPPhaseCallback
	PPPPhaseNetwork
	PPPPhaseRunning
	PPPPhaseTerminate
	PPPPhaseDisconnect
)

var pppStatusNames = map[PPPStatus]string{
	PPPErrorNone:         "ErrorNone",
	PPPErrorParam:        "ErrorParam",
	PPPErrorOpen:         "ErrorOpen",
	PPPErrorDevice:       "ErrorDevice",
	PPPErrorAlloc:        "ErrorAlloc",
	PPPErrorUser:         "ErrorUser",
	PPPErrorConnect:      "ErrorConnect",
	PPPErrorAuthFail:     "ErrorAuthFail",
	PPPErrorProtocol:     "ErrorProtocol",
	PPPErrorPeerDead:     "ErrorPeerDead",
	PPPErrorIdleTimeout:  "ErrorIdleTimeout",
	PPPErrorConnectTime:  "ErrorConnectTime",
	PPPErrorLoopback:     "ErrorLoopback",
	PPPPhaseDead:         "PhaseDead",
	PPPPhaseMaster:       "PhaseMaster",
	PPPPhaseHoldoff:      "PhaseHoldoff",
	PPPPhaseInitialize:   "PhaseInitialize",
	PPPPhaseSerialConn:   "PhaseSerialConn",
	PPPPhaseDormant:      "PhaseDormant",
	PPPPhaseEstablish:    "PhaseEstablish",
	PPPPhaseAuthenticate: "PhaseAuthenticate",
	PPPPhaseCallback:     "PhaseCallback",
	PPPPhaseNetwork:      "PhaseNetwork",
	PPPPhaseRunning:      "PhaseRunning",
	PPPPhaseTerminate:    "PhaseTerminate",
	PPPPhaseDisconnect:   "PhaseDisconnect",
}

// String returns the name of the status code.
func (s PPPStatus) String() string {
	if name, ok := pppStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("PPPStatus(%d)", int32(s))
}

// IsPhase reports whether s is a negotiation phase rather than a termination cause.
func (s PPPStatus) IsPhase() bool {
	return s >= PPPPhaseDead
}
