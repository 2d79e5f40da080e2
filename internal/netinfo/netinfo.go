// Package netinfo finds host addresses worth putting in a shareable link.
package netinfo

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/mossy-p/webcam-relay/internal/models"
)

// Interface is the part of a network interface netinfo cares about
type Interface struct {
	Name     string
	Loopback bool
	Addrs    []net.IP
}

// SystemInterfaces lists the host's interfaces that are up
func SystemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		entry := Interface{
			Name:     iface.Name,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				entry.Addrs = append(entry.Addrs, ipnet.IP)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// Classify picks the first external IPv4 address on a wired interface and
// the first on a wireless one. Wired names contain "eth" or "en", wireless
// names contain "wl" or "wi".
func Classify(ifaces []Interface) models.NetworkInfo {
	var info models.NetworkInfo
	for _, iface := range ifaces {
		ip := firstExternalIPv4(iface)
		if ip == "" {
			continue
		}
		name := strings.ToLower(iface.Name)
		switch {
		case strings.Contains(name, "eth") || strings.Contains(name, "en"):
			if info.LanIP == "" {
				info.LanIP = ip
			}
		case strings.Contains(name, "wl") || strings.Contains(name, "wi"):
			if info.WifiIP == "" {
				info.WifiIP = ip
			}
		}
	}
	return info
}

// LocalIP returns any external IPv4 address, or 127.0.0.1 when there is none
func LocalIP(ifaces []Interface) string {
	for _, iface := range ifaces {
		if ip := firstExternalIPv4(iface); ip != "" {
			return ip
		}
	}
	return "127.0.0.1"
}

// JoinLink builds the viewer link for broadcasterID. The LAN address wins
// over the wireless one, and fallbackHost is used when neither is known.
func JoinLink(scheme, fallbackHost, port, broadcasterID string, info models.NetworkInfo) string {
	host := fallbackHost
	if info.WifiIP != "" {
		host = info.WifiIP
	}
	if info.LanIP != "" {
		host = info.LanIP
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}
	if broadcasterID == "" {
		broadcasterID = models.DefaultBroadcasterID
	}

	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     "/viewer.html",
		RawQuery: url.Values{"id": []string{broadcasterID}}.Encode(),
	}
	return u.String()
}

func firstExternalIPv4(iface Interface) string {
	if iface.Loopback {
		return ""
	}
	for _, ip := range iface.Addrs {
		if v4 := ip.To4(); v4 != nil && !v4.IsLoopback() {
			return v4.String()
		}
	}
	return ""
}
