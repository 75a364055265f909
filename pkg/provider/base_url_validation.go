package provider

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateBaseURL rejects base URLs that could be abused to reach internal
// services: anything with credentials, a query or a fragment, and (unless
// allowPrivate is set) hosts on loopback, private or link-local networks.
func ValidateBaseURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	switch {
	case u.Scheme != "http" && u.Scheme != "https":
		return fmt.Errorf("base_url scheme %q is not http or https", u.Scheme)
	case u.Hostname() == "":
		return fmt.Errorf("base_url %q has no host", raw)
	case u.User != nil:
		return errors.New("base_url must not embed credentials")
	case u.RawQuery != "" || u.Fragment != "":
		return errors.New("base_url must not carry a query or fragment")
	}
	if !allowPrivate && internalHost(u.Hostname()) {
		return fmt.Errorf("base_url host %q is not publicly routable (enable allow_private_base_url for local backends)", u.Hostname())
	}
	return nil
}

func internalHost(host string) bool {
	h := strings.ToLower(host)
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsUnspecified() || !ip.IsGlobalUnicast()
}
