//go:build linux

package netif

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os/exec"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// Run starts pppd on stream and translates netlink address and link
// updates of the PPP interface into IP and PPP status events.
func (p *PPPD) Run(ctx context.Context, nif *Interface, stream io.ReadWriteCloser, post PostFunc) error {
	done := make(chan struct{})
	defer close(done)

	addrs := make(chan netlink.AddrUpdate, 16)
	err := netlink.AddrSubscribeWithOptions(addrs, done, netlink.AddrSubscribeOptions{
		ErrorCallback: func(err error) {
			p.log.Warn("netlink address subscription error", zap.Error(err))
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe to address updates: %w", err)
	}
	links := make(chan netlink.LinkUpdate, 16)
	err = netlink.LinkSubscribeWithOptions(links, done, netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) {
			p.log.Warn("netlink link subscription error", zap.Error(err))
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe to link updates: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.path, p.commandLine(nif.Name())...)
	cmd.Stdin = stream
	cmd.Stdout = stream
	cmd.WaitDelay = p.waitDelay
	if err := cmd.Start(); err != nil {
		p.postStatus(post, PPPErrorOpen, nif)
		return fmt.Errorf("start pppd: %w", err)
	}
	p.log.Info("pppd started", zap.String("ifname", nif.Name()), zap.Int("pid", cmd.Process.Pid))
	p.postStatus(post, PPPPhaseEstablish, nif)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	w := &linkWatcher{pppd: p, nif: nif, post: post}
	for {
		select {
		case u, ok := <-addrs:
			if !ok {
				addrs = nil
				continue
			}
			w.address(u)
		case u, ok := <-links:
			if !ok {
				links = nil
				continue
			}
			w.link(u)
		case err := <-exited:
			status := exitStatus(err)
			p.log.Info("pppd exited", zap.Stringer("status", status), zap.Error(err))
			p.postStatus(post, status, nif)
			if w.haveIP {
				w.postLost()
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (p *PPPD) postStatus(post PostFunc, status PPPStatus, nif *Interface) {
	if err := post(PPPStatusEvent, int32(status), nif); err != nil {
		p.log.Warn("failed to post PPP status", zap.Stringer("status", status), zap.Error(err))
	}
}

type linkWatcher struct {
	pppd   *PPPD
	nif    *Interface
	post   PostFunc
	haveIP bool
	index  int
}

// ours resolves and caches the kernel index of the PPP interface.
func (w *linkWatcher) ours(index int) bool {
	if w.index != 0 {
		return index == w.index
	}
	link, err := netlink.LinkByIndex(index)
	if err != nil || link.Attrs().Name != w.nif.Name() {
		return false
	}
	w.index = index
	return true
}

func (w *linkWatcher) address(u netlink.AddrUpdate) {
	if !w.ours(u.LinkIndex) {
		return
	}
	ip, ok := netip.AddrFromSlice(u.LinkAddress.IP)
	if !ok {
		return
	}
	ip = ip.Unmap()
	switch {
	case ip.Is4() && u.NewAddr:
		info := IPInfo{IP: ip, Netmask: maskAddr(u.LinkAddress.Mask), Gateway: w.peer(ip)}
		w.haveIP = true
		w.send(IPEvent, IPEventPPPGotIP, &IPEventGotIP{Interface: w.nif, IPInfo: info})
	case ip.Is4():
		if w.haveIP {
			w.postLost()
		}
	case u.NewAddr:
		w.send(IPEvent, IPEventGotIP6, &IP6Info{Interface: w.nif, IP: ip})
	}
}

func (w *linkWatcher) postLost() {
	w.haveIP = false
	w.send(IPEvent, IPEventPPPLostIP, &IPEventLostIP{Interface: w.nif})
}

// peer returns the remote end of the point-to-point address, which is the
// gateway of a PPP link.
func (w *linkWatcher) peer(local netip.Addr) netip.Addr {
	link, err := netlink.LinkByIndex(w.index)
	if err != nil {
		return netip.Addr{}
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}
	}
	for _, a := range addrs {
		if a.IPNet == nil || a.Peer == nil {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.IPNet.IP); ok && ip.Unmap() == local {
			if peer, ok := netip.AddrFromSlice(a.Peer.IP); ok {
				return peer.Unmap()
			}
		}
	}
	return netip.Addr{}
}

func (w *linkWatcher) link(u netlink.LinkUpdate) {
	if u.Link == nil || u.Link.Attrs().Name != w.nif.Name() {
		return
	}
	switch u.Link.Attrs().OperState {
	case netlink.OperUp, netlink.OperUnknown:
		// ppp devices report unknown once the network phase is reached
		w.send(PPPStatusEvent, int32(PPPPhaseRunning), w.nif)
	case netlink.OperDown, netlink.OperLowerLayerDown:
		w.send(PPPStatusEvent, int32(PPPPhaseDisconnect), w.nif)
	}
}

func (w *linkWatcher) send(base EventBase, id int32, data any) {
	if err := w.post(base, id, data); err != nil {
		w.pppd.log.Warn("failed to post event", zap.String("base", string(base)), zap.Int32("id", id), zap.Error(err))
	}
}

func maskAddr(m net.IPMask) netip.Addr {
	addr, ok := netip.AddrFromSlice(net.IP(m).To4())
	if !ok {
		return netip.Addr{}
	}
	return addr
}
