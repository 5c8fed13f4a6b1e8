package netif

import (
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// DefaultResolvConf is where pppd writes peer name servers with usepeerdns.
const DefaultResolvConf = "/etc/ppp/resolv.conf"

// PPPD is a LinkDriver that hands the modem data stream to pppd through its
// standard input and output ("notty") and follows the resulting interface
// through netlink.
type PPPD struct {
	path       string
	args       []string
	resolvConf string
	waitDelay  time.Duration
	log        *zap.Logger
}

// PPPDOption configures a PPPD driver.
type PPPDOption func(*PPPD)

// WithPPPDPath sets the pppd executable.
func WithPPPDPath(path string) PPPDOption {
	return func(p *PPPD) {
		p.path = path
	}
}

// WithPPPDArgs appends options to the pppd command line.
func WithPPPDArgs(args ...string) PPPDOption {
	return func(p *PPPD) {
		p.args = append(p.args, args...)
	}
}

// WithResolvConf sets the file name servers are read from.
func WithResolvConf(path string) PPPDOption {
	return func(p *PPPD) {
		p.resolvConf = path
	}
}

// WithPPPDLogger sets the driver logger.
func WithPPPDLogger(log *zap.Logger) PPPDOption {
	return func(p *PPPD) {
		if log != nil {
			p.log = log
		}
	}
}

// NewPPPD returns a pppd link driver.
func NewPPPD(opts ...PPPDOption) *PPPD {
	p := &PPPD{
		path:       "pppd",
		resolvConf: DefaultResolvConf,
		waitDelay:  2 * time.Second,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PPPD) commandLine(ifname string) []string {
	args := []string{
		"notty", "nodetach", "noauth", "noipdefault",
		"usepeerdns", "defaultroute", "+ipv6",
		"lcp-echo-interval", "30", "lcp-echo-failure", "4",
		"ifname", ifname,
	}
	return append(args, p.args...)
}

// DNS reads the name servers pppd negotiated from its resolv.conf.
func (p *PPPD) DNS(_ *Interface, kind DNSType) (netip.Addr, error) {
	cfg, err := dns.ClientConfigFromFile(p.resolvConf)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %w", ErrNoDNS, err)
	}
	return pickServer(cfg.Servers, kind)
}

func pickServer(servers []string, kind DNSType) (netip.Addr, error) {
	idx := int(kind)
	if idx < 0 || idx >= len(servers) {
		return netip.Addr{}, ErrNoDNS
	}
	addr, err := netip.ParseAddr(servers[idx])
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %w", ErrNoDNS, err)
	}
	return addr, nil
}

// pppd exit codes, see pppd(8) "EXIT STATUS".
var pppdExitStatus = map[int]PPPStatus{
	0:  PPPErrorNone,
	1:  PPPErrorUser,
	2:  PPPErrorParam,
	3:  PPPErrorParam,
	4:  PPPErrorDevice,
	5:  PPPErrorUser,
	6:  PPPErrorOpen,
	7:  PPPErrorOpen,
	8:  PPPErrorConnect,
	9:  PPPErrorDevice,
	10: PPPErrorProtocol,
	11: PPPErrorAuthFail,
	12: PPPErrorIdleTimeout,
	13: PPPErrorConnectTime,
	15: PPPErrorPeerDead,
	16: PPPErrorConnect,
	17: PPPErrorLoopback,
	18: PPPErrorConnect,
	19: PPPErrorAuthFail,
}

// exitStatus maps the result of waiting on pppd to a PPP termination cause.
func exitStatus(err error) PPPStatus {
	if err == nil {
		return PPPErrorNone
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return PPPErrorOpen
	}
	if s, ok := pppdExitStatus[exitErr.ExitCode()]; ok {
		return s
	}
	// killed by a signal, which is how Down stops the link
	return PPPErrorUser
}
