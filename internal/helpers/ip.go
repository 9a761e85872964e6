package helpers

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// IPClassification is the routing class of an address as far as outbound
// request guards are concerned.
type IPClassification int

const (
	IPClassificationPublic IPClassification = iota
	IPClassificationLoopback
	IPClassificationPrivate
	IPClassificationLinkLocal
	IPClassificationUnspecified
)

// String returns a stable label for logs and metrics
func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the classification of ip. A nil ip is unspecified.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case IsLinkLocal(ip):
		// 169.254.169.254 lives here
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	}
	return IPClassificationPublic
}

// IsLinkLocal reports link-local unicast or multicast addresses
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsPrivateOrInternal reports any address that is not publicly routable
func IsPrivateOrInternal(ip net.IP) bool {
	return ClassifyIP(ip) != IPClassificationPublic
}

// IsLoopbackHostname reports "localhost" and loopback literals, with or
// without IPv6 brackets. Expects a hostname without port.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	h := strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateOutboundURL checks a URL the server is about to call on behalf of
// a data recipient (jwks_uri, recipient_base_uri). It must be absolute https
// without user info or fragment. Literal internal addresses are rejected
// unless allowInternal is set, which test deployments use for httptest
// servers on loopback.
func ValidateOutboundURL(rawURL string, allowInternal bool) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("url must use https")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url must be absolute")
	}
	if u.User != nil {
		return nil, fmt.Errorf("url must not carry user info")
	}
	if u.Fragment != "" {
		return nil, fmt.Errorf("url must not carry a fragment")
	}
	if allowInternal {
		return u, nil
	}
	host := u.Hostname()
	if IsLoopbackHostname(host) {
		return nil, fmt.Errorf("url host %q is loopback", host)
	}
	if ip := net.ParseIP(host); ip != nil && IsPrivateOrInternal(ip) {
		return nil, fmt.Errorf("url host %q is %s", host, ClassifyIP(ip))
	}
	return u, nil
}
