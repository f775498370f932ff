package transfer

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// applyDSCP marks the connection's packets with the given DSCP code point.
func applyDSCP(conn net.Conn, dscp int) error {
	if dscp <= 0 {
		return nil
	}
	if dscp > 63 {
		return fmt.Errorf("dscp %d out of range 0..63", dscp)
	}
	tos := dscp << 2
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok && addr.IP.To4() == nil {
		return ipv6.NewConn(conn).SetTrafficClass(tos)
	}
	return ipv4.NewConn(conn).SetTOS(tos)
}
