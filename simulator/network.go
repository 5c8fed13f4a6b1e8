package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/jaracil/cellmodem/netif"
	"go.uber.org/zap"
)

// NetworkConfig describes the addresses the simulated operator hands out.
type NetworkConfig struct {
	IP      netip.Addr
	Netmask netip.Addr
	Gateway netip.Addr
	// IPv6 is the link-local address announced after IPv4, if valid
	IPv6 netip.Addr
	// DNS holds the main and backup name servers
	DNS []netip.Addr
	// AcquireDelay is how long PPP negotiation takes (default: 200ms)
	AcquireDelay time.Duration
	// APNs restricts the access point names that can be dialed; empty
	// accepts any
	APNs []string
}

// DefaultNetworkConfig returns a carrier-grade NAT style configuration.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		IP:           netip.MustParseAddr("100.64.12.34"),
		Netmask:      netip.MustParseAddr("255.255.255.255"),
		Gateway:      netip.MustParseAddr("10.64.64.64"),
		IPv6:         netip.MustParseAddr("fe80::2c4d:1ff:fe8a:5b12"),
		DNS:          []netip.Addr{netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("8.8.4.4")},
		AcquireDelay: 200 * time.Millisecond,
	}
}

// Network is the operator side of the simulation. Dial is the DialFunc of
// the simulated modem and the Network itself is the netif.LinkDriver of the
// controller, standing in for pppd: it announces the configured addresses
// once a stream is up and reports their loss when the stream, the data call
// carrying it or the signal goes away.
type Network struct {
	cfg NetworkConfig
	log *zap.Logger

	mu       sync.Mutex
	links    map[*link]struct{}
	calls    map[net.Conn]*link // call -> link riding on it
	coverage bool
}

type link struct {
	nif     *netif.Interface
	post    netif.PostFunc
	haveIP   bool
	changes  chan bool
	peerGone chan struct{}
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithNetworkLogger sets the network logger.
func WithNetworkLogger(log *zap.Logger) NetworkOption {
	return func(n *Network) {
		if log != nil {
			n.log = log
		}
	}
}

// NewNetwork returns a network with coverage.
func NewNetwork(cfg NetworkConfig, opts ...NetworkOption) *Network {
	if cfg.AcquireDelay == 0 {
		cfg.AcquireDelay = DefaultNetworkConfig().AcquireDelay
	}
	n := &Network{
		cfg:      cfg,
		log:      zap.NewNop(),
		links:    make(map[*link]struct{}),
		calls:    make(map[net.Conn]*link),
		coverage: true,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Dial accepts a packet data call for an allowed APN. The returned conn
// carries the call; the operator end discards traffic.
func (n *Network) Dial(_ *Modem, number string, pdp PDPContext) (io.ReadWriteCloser, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.coverage {
		return nil, ErrNoCarrier
	}
	if len(n.cfg.APNs) > 0 && !slices.Contains(n.cfg.APNs, pdp.APN) {
		return nil, fmt.Errorf("%w: apn %q rejected", ErrNoCarrier, pdp.APN)
	}
	modemEnd, operatorEnd := net.Pipe()
	n.calls[operatorEnd] = nil
	go func() {
		_, _ = io.Copy(io.Discard, operatorEnd)
		n.mu.Lock()
		l := n.calls[operatorEnd]
		delete(n.calls, operatorEnd)
		n.mu.Unlock()
		if l != nil {
			select {
			case l.peerGone <- struct{}{}:
			default:
			}
		}
	}()
	n.log.Debug("data call accepted", zap.String("number", number), zap.String("apn", pdp.APN))
	return modemEnd, nil
}

// Run implements netif.LinkDriver.
func (n *Network) Run(ctx context.Context, nif *netif.Interface, stream io.ReadWriteCloser, post netif.PostFunc) error {
	l := &link{nif: nif, post: post, changes: make(chan bool, 4), peerGone: make(chan struct{}, 1)}
	n.mu.Lock()
	n.links[l] = struct{}{}
	// the PPP peer sits behind the call that was dialed for this stream
	for c, owner := range n.calls {
		if owner == nil {
			n.calls[c] = l
			break
		}
	}
	coverage := n.coverage
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.links, l)
		n.mu.Unlock()
	}()

	streamDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, stream)
		streamDone <- err
	}()

	n.send(l, netif.PPPStatusEvent, int32(netif.PPPPhaseEstablish), nif)
	acquire := time.NewTimer(n.cfg.AcquireDelay)
	defer acquire.Stop()
	if !coverage {
		acquire.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			n.terminate(l, netif.PPPErrorUser)
			return ctx.Err()
		case err := <-streamDone:
			if ctx.Err() != nil {
				n.terminate(l, netif.PPPErrorUser)
				return ctx.Err()
			}
			n.terminate(l, netif.PPPErrorPeerDead)
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				return err
			}
			return nil
		case <-l.peerGone:
			n.terminate(l, netif.PPPErrorPeerDead)
			return nil
		case <-acquire.C:
			n.acquire(l)
		case up := <-l.changes:
			if up && !l.haveIP {
				n.acquire(l)
			}
			if !up && l.haveIP {
				l.haveIP = false
				n.send(l, netif.IPEvent, netif.IPEventPPPLostIP, &netif.IPEventLostIP{Interface: nif})
				n.send(l, netif.PPPStatusEvent, int32(netif.PPPPhaseDormant), nif)
			}
		}
	}
}

func (n *Network) acquire(l *link) {
	info := netif.IPInfo{IP: n.cfg.IP, Netmask: n.cfg.Netmask, Gateway: n.cfg.Gateway}
	l.haveIP = true
	n.send(l, netif.PPPStatusEvent, int32(netif.PPPPhaseRunning), l.nif)
	n.send(l, netif.IPEvent, netif.IPEventPPPGotIP, &netif.IPEventGotIP{Interface: l.nif, IPInfo: info, Changed: true})
	if n.cfg.IPv6.IsValid() {
		n.send(l, netif.IPEvent, netif.IPEventGotIP6, &netif.IP6Info{Interface: l.nif, IP: n.cfg.IPv6})
	}
}

func (n *Network) terminate(l *link, cause netif.PPPStatus) {
	if l.haveIP {
		l.haveIP = false
		n.send(l, netif.IPEvent, netif.IPEventPPPLostIP, &netif.IPEventLostIP{Interface: l.nif})
	}
	n.send(l, netif.PPPStatusEvent, int32(cause), l.nif)
	n.send(l, netif.PPPStatusEvent, int32(netif.PPPPhaseDead), l.nif)
}

func (n *Network) send(l *link, base netif.EventBase, id int32, data any) {
	if err := l.post(base, id, data); err != nil {
		n.log.Warn("failed to post event", zap.String("base", string(base)), zap.Int32("id", id), zap.Error(err))
	}
}

// SetCoverage simulates losing and regaining the radio network. Links that
// are up lose or regain their IP address; new dials fail while there is no
// coverage.
func (n *Network) SetCoverage(coverage bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.coverage = coverage
	for l := range n.links {
		select {
		case l.changes <- coverage:
		default:
		}
	}
}

// HangUp ends every data call from the operator side. Links riding on a
// call terminate with PPPErrorPeerDead.
func (n *Network) HangUp() {
	n.mu.Lock()
	calls := make([]net.Conn, 0, len(n.calls))
	for c := range n.calls {
		calls = append(calls, c)
	}
	n.mu.Unlock()
	for _, c := range calls {
		c.Close()
	}
}

// DNS implements netif.LinkDriver.
func (n *Network) DNS(_ *netif.Interface, kind netif.DNSType) (netip.Addr, error) {
	idx := int(kind)
	if idx < 0 || idx >= len(n.cfg.DNS) {
		return netip.Addr{}, netif.ErrNoDNS
	}
	return n.cfg.DNS[idx], nil
}
