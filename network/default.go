package network

import (
	"context"
	"net"
)

// stdNetwork is the default Network: plain TCP/UDP listeners and the
// standard resolver, with no overlay transport underneath.
type stdNetwork struct{}

// New returns the default, non-overlay Network implementation.
func New() Network {
	return stdNetwork{}
}

func (stdNetwork) Setup() error { return nil }

func (stdNetwork) Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}

func (stdNetwork) ReverseDNS(c context.Context, addr string) ([]string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.DefaultResolver.LookupAddr(c, host)
}

func (stdNetwork) ForwardDNS(c context.Context, h string) ([]net.Addr, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(c, h)
	if err != nil {
		return nil, err
	}
	addrs := make([]net.Addr, len(ips))
	for i, ip := range ips {
		addrs[i] = &net.IPAddr{IP: ip.IP}
	}
	return addrs, nil
}

func (stdNetwork) GetPublicPrivateAddrs(reverse, forward string) (string, string) {
	return reverse, forward
}

func (stdNetwork) PublicAddr(c context.Context, l net.Listener) (string, error) {
	return l.Addr().String(), nil
}
