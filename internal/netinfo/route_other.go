//go:build !linux

package netinfo

import "net"

func Lookup(net.IP) (Egress, error) {
	return Egress{}, ErrUnsupported
}
