// Package netinfo reports which local interface traffic to a peer leaves by.
package netinfo

import (
	"errors"
	"net"
)

var ErrUnsupported = errors.New("egress lookup not supported on this platform")

// Egress describes the route the kernel picks for a destination.
type Egress struct {
	Interface string
	Index     int
	MTU       int
	Source    net.IP
	Gateway   net.IP
	// Qdisc is the root queueing discipline of the interface, if known.
	Qdisc string
}

// LogAttrs flattens e into slog key/value pairs.
func (e Egress) LogAttrs() []any {
	attrs := []any{"egress", e.Interface, "mtu", e.MTU}
	if e.Source != nil {
		attrs = append(attrs, "src", e.Source.String())
	}
	if e.Gateway != nil {
		attrs = append(attrs, "gateway", e.Gateway.String())
	}
	if e.Qdisc != "" {
		attrs = append(attrs, "qdisc", e.Qdisc)
	}
	return attrs
}

// PeerIP extracts the IP of a TCP or UDP address.
func PeerIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	if addr == nil {
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
