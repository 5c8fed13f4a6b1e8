package cellmodem

import (
	"github.com/jaracil/cellmodem/metrics"
	"github.com/jaracil/cellmodem/netif"
	"go.uber.org/zap"
)

// handleIPEvent runs on the network stack's goroutine. It only writes the
// state; Loop announces the change and updates the state gauge.
func (c *Component) handleIPEvent(base netif.EventBase, id int32, data any) {
	metrics.IncLinkEvent(string(base))
	switch id {
	case netif.IPEventPPPGotIP:
		fields := []zap.Field{zap.String("event", netif.IPEventName(id))}
		ev, ok := data.(*netif.IPEventGotIP)
		if ok {
			fields = append(fields,
				zap.Stringer("ip", ev.IPInfo.IP),
				zap.Stringer("netmask", ev.IPInfo.Netmask),
				zap.Stringer("gateway", ev.IPInfo.Gateway))
			fields = append(fields, c.dnsFields(ev.Interface)...)
		}
		c.log.Info("modem connected to ppp server", fields...)
		c.state.acquired()
	case netif.IPEventPPPLostIP:
		c.log.Info("modem disconnected from ppp server")
		c.state.lost()
	case netif.IPEventGotIP6:
		if ev, ok := data.(*netif.IP6Info); ok {
			c.log.Info("got ipv6 address", zap.Stringer("ip", ev.IP))
		}
	default:
		c.log.Debug("ip event", zap.String("event", netif.IPEventName(id)))
	}
}

func (c *Component) dnsFields(nif *netif.Interface) []zap.Field {
	if nif == nil {
		return nil
	}
	var fields []zap.Field
	for _, kind := range []netif.DNSType{netif.DNSMain, netif.DNSBackup} {
		addr, err := nif.DNS(kind)
		if err != nil {
			c.log.Debug("no dns server", zap.Stringer("kind", kind), zap.Error(err))
			continue
		}
		fields = append(fields, zap.Stringer("dns_"+kind.String(), addr))
	}
	return fields
}

// handlePPPStatus logs PPP phase changes and termination causes.
func (c *Component) handlePPPStatus(base netif.EventBase, id int32, _ any) {
	metrics.IncLinkEvent(string(base))
	status := netif.PPPStatus(id)
	if status.IsPhase() || status == netif.PPPErrorNone {
		c.log.Debug("ppp status", zap.Int32("code", id), zap.Stringer("status", status))
		return
	}
	c.log.Warn("ppp status", zap.Int32("code", id), zap.Stringer("status", status))
}
