package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/edvin/iotgate/internal/apperr"
)

// HostResolver looks up the addresses of a host.
type HostResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// URLPolicy decides which webhook targets are acceptable. Outside development
// mode only https URLs whose host resolves exclusively to public addresses
// are accepted.
type URLPolicy struct {
	Development bool
	Resolver    HostResolver
}

var errPrivateAddress = errors.New("address is not publicly routable")

// Check validates raw and returns a WEBHOOK_URL_INVALID error on failure.
func (p URLPolicy) Check(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return invalidURL(raw, "the URL could not be parsed")
	}
	if u.User != nil {
		return invalidURL(raw, "credentials in the URL are not allowed")
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !p.Development {
			return invalidURL(raw, "the URL must use https")
		}
	default:
		return invalidURL(raw, "the URL must use https")
	}

	if p.Development {
		return nil
	}

	host := u.Hostname()
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return invalidURL(raw, "loopback hosts are not allowed")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !publicAddr(addr) {
			return invalidURL(raw, "private, loopback and link-local addresses are not allowed")
		}
		return nil
	}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return invalidURL(raw, "the host could not be resolved")
	}
	for _, a := range addrs {
		if !publicAddr(a) {
			return invalidURL(raw, "the host resolves to a private, loopback or link-local address")
		}
	}
	return nil
}

func invalidURL(raw, reason string) error {
	return apperr.New(apperr.WebhookURLInvalid, reason).WithDetails(map[string]any{"url": raw})
}

func publicAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsValid() &&
		!a.IsLoopback() &&
		!a.IsPrivate() &&
		!a.IsLinkLocalUnicast() &&
		!a.IsLinkLocalMulticast() &&
		!a.IsInterfaceLocalMulticast() &&
		!a.IsMulticast() &&
		!a.IsUnspecified() &&
		!sharedAddressSpace.Contains(a)
}

// 100.64.0.0/10 is carrier-grade NAT space, not reachable from outside.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// guardedDialer refuses connections to non-public addresses at dial time, so
// a host that re-resolves to an internal address after registration is still
// blocked.
func guardedDialer(development bool) *net.Dialer {
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if development {
		return d
	}
	d.Control = func(_, address string, _ syscall.RawConn) error {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return err
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return err
		}
		if !publicAddr(addr) {
			return fmt.Errorf("dial %s: %w", address, errPrivateAddress)
		}
		return nil
	}
	return d
}
