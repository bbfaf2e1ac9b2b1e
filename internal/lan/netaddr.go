package lan

import (
	"net"
)

// BroadcastAddrs returns the global broadcast address plus the directed
// broadcast address of every non-loopback IPv4 interface, deduplicated.
// Some networks drop 255.255.255.255, so both forms are sent to.
func BroadcastAddrs(port int) []*net.UDPAddr {
	var nets []*net.IPNet
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				if ipnet, ok := a.(*net.IPNet); ok {
					nets = append(nets, ipnet)
				}
			}
		}
	}
	return broadcastTargets(port, nets)
}

func broadcastTargets(port int, nets []*net.IPNet) []*net.UDPAddr {
	seen := map[string]bool{}
	var out []*net.UDPAddr
	add := func(ip net.IP) {
		key := ip.String()
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, &net.UDPAddr{IP: ip, Port: port})
	}

	add(net.IPv4bcast)
	for _, n := range nets {
		if ip := directedBroadcast(n); ip != nil {
			add(ip)
		}
	}
	return out
}

// directedBroadcast computes address | ^netmask for an IPv4 network. It
// returns nil for IPv6 and loopback networks.
func directedBroadcast(n *net.IPNet) net.IP {
	ip4 := n.IP.To4()
	if ip4 == nil || ip4.IsLoopback() {
		return nil
	}
	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range ip4 {
		out[i] = ip4[i] | ^mask[i]
	}
	return out
}
