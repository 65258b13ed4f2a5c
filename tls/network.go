// Package tls issues a locally trusted certificate so browsers on the LAN
// can reach the agent over wss://.
package tls

import (
	"net"
)

// GetLANIPs returns the IPv4 addresses of every interface that is up,
// loopback excluded.
func GetLANIPs() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ip := ipv4(addr); ip != "" {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}

func ipv4(addr net.Addr) string {
	var ip net.IP
	switch v := addr.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	}
	if ip == nil || ip.To4() == nil || ip.IsLoopback() {
		return ""
	}
	return ip.String()
}

// GetAllHosts returns localhost plus the LAN addresses, the SAN list of
// the server certificate.
func GetAllHosts() ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}

	lanIPs, err := GetLANIPs()
	if err != nil {
		return hosts, err
	}
	return append(hosts, lanIPs...), nil
}
