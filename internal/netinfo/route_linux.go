//go:build linux

package netinfo

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Lookup asks the kernel routing table how dst is reached.
func Lookup(dst net.IP) (Egress, error) {
	if dst == nil {
		return Egress{}, fmt.Errorf("nil destination")
	}
	routes, err := netlink.RouteGet(dst)
	if err != nil {
		return Egress{}, fmt.Errorf("route get %s: %w", dst, err)
	}
	if len(routes) == 0 {
		return Egress{}, fmt.Errorf("no route to %s", dst)
	}
	route := routes[0]
	link, err := netlink.LinkByIndex(route.LinkIndex)
	if err != nil {
		return Egress{}, fmt.Errorf("link %d: %w", route.LinkIndex, err)
	}
	attrs := link.Attrs()
	eg := Egress{
		Interface: attrs.Name,
		Index:     attrs.Index,
		MTU:       attrs.MTU,
		Source:    route.Src,
		Gateway:   route.Gw,
		Qdisc:     rootQdisc(link),
	}
	return eg, nil
}

func rootQdisc(link netlink.Link) string {
	qdiscs, err := netlink.QdiscList(link)
	if err != nil {
		return ""
	}
	for _, q := range qdiscs {
		if q.Attrs().Parent == netlink.HANDLE_ROOT {
			return q.Type()
		}
	}
	return ""
}
