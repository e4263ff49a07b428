package policy

import (
	"net"
	"net/url"
	"strings"
)

// Metadata service addresses that must never be reachable from tool code.
var metadataHosts = map[string]bool{
	"169.254.169.254": true, // AWS, GCP, Azure IMDS
	"metadata.google.internal": true,
	"100.100.100.200":          true, // Alibaba
}

// CheckURL screens an outbound URL. Only http and https are accepted, and
// the host must not resolve into loopback, link-local, private, CGNAT,
// multicast, broadcast, or metadata address space.
func CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return violationf("ssrf", "unparseable url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return violationf("ssrf", "scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return violationf("ssrf", "url %q has no host", raw)
	}
	if metadataHosts[strings.ToLower(host)] {
		return violationf("ssrf", "metadata service address %s", host)
	}
	if strings.EqualFold(host, "localhost") {
		return violationf("ssrf", "loopback host %s", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip, host)
	}
	// Hostname: screen what it resolves to so DNS cannot smuggle a private
	// address past a literal-only check.
	addrs, err := net.LookupIP(host)
	if err != nil {
		return violationf("ssrf", "cannot resolve %s: %v", host, err)
	}
	for _, ip := range addrs {
		if err := checkIP(ip, host); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP, host string) error {
	switch {
	case ip.IsLoopback():
		return violationf("ssrf", "loopback address %s", host)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return violationf("ssrf", "link-local address %s", host)
	case ip.IsMulticast():
		return violationf("ssrf", "multicast address %s", host)
	case ip.IsPrivate():
		return violationf("ssrf", "private address %s", host)
	case ip.IsUnspecified():
		return violationf("ssrf", "unspecified address %s", host)
	case ip.Equal(net.IPv4bcast):
		return violationf("ssrf", "broadcast address %s", host)
	case inCGNAT(ip):
		return violationf("ssrf", "carrier-grade NAT address %s", host)
	case metadataHosts[ip.String()]:
		return violationf("ssrf", "metadata service address %s", host)
	}
	return nil
}

var cgnatNet = mustCIDR("100.64.0.0/10")

func inCGNAT(ip net.IP) bool {
	return cgnatNet.Contains(ip)
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// CheckEndpoint validates an outbound URL against the profile's endpoint
// allow-list after SSRF screening. An empty allow-list admits any screened
// URL.
func (p *Profile) CheckEndpoint(raw string) error {
	if err := CheckURL(raw); err != nil {
		return err
	}
	if len(p.AllowedEndpoints) == 0 {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return violationf("endpoint", "unparseable url %q", raw)
	}
	for _, allowed := range p.AllowedEndpoints {
		a, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if u.Scheme == a.Scheme && u.Host == a.Host && strings.HasPrefix(u.Path, a.Path) {
			return nil
		}
	}
	return violationf("endpoint", "%s not in allowed endpoints", raw)
}
