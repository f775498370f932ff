package control

import (
	"net"
	"net/http"

	"github.com/NodePath81/fbpace/internal/version"
)

type identityResponse struct {
	Hostname string   `json:"hostname"`
	IPs      []string `json:"ips"`
	Version  string   `json:"version"`
}

func (c *ControlServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !c.auth.allow(r, false) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: identityResponse{
		Hostname: c.hostname,
		IPs:      localIPs(),
		Version:  version.Version,
	}})
}

// localIPs lists non-loopback addresses, preferring interfaces that are up.
// Addresses on down interfaces are returned only when nothing is up.
func localIPs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return []string{}
	}
	up, down := []string{}, []string{}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil {
				continue
			}
			if iface.Flags&net.FlagUp != 0 {
				up = append(up, ip.String())
			} else {
				down = append(down, ip.String())
			}
		}
	}
	if len(up) > 0 {
		return up
	}
	return down
}
