package rudp

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// IPMode selects which address family to resolve a hostname to.
type IPMode int

const (
	IPAny IPMode = iota
	IPv4Only
	IPv6Only
)

// Address is a thin wrapper over a resolved socket address. Its zero
// value has no address set; Endpoint.Bind treats that as "any-address of
// the default family" rather than an error, while send paths that need a
// remote peer report ErrAddressRequired.
type Address struct {
	addr *net.UDPAddr
}

// NewAddress wraps an already-resolved net.UDPAddr.
func NewAddress(addr *net.UDPAddr) Address {
	return Address{addr: addr}
}

// SetHostname resolves hostname:port under the given IP mode.
func (a *Address) SetHostname(ctx context.Context, hostname string, port uint16, mode IPMode) error {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", hostname)
	}
	addr, err := filterIPAddr(addrs, mode)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", hostname)
	}
	a.addr = &net.UDPAddr{IP: addr.IP, Port: int(port), Zone: addr.Zone}
	return nil
}

func ipModeNetwork(mode IPMode) string {
	switch mode {
	case IPv4Only:
		return "ip4"
	case IPv6Only:
		return "ip6"
	default:
		return "ip"
	}
}

// filterIPAddr picks the first resolved address matching the requested
// IP mode, mirroring the family filtering net.Resolver.LookupIP applies
// via its network argument.
func filterIPAddr(addrs []net.IPAddr, mode IPMode) (net.IPAddr, error) {
	for _, addr := range addrs {
		switch mode {
		case IPv4Only:
			if addr.IP.To4() != nil {
				return addr, nil
			}
		case IPv6Only:
			if addr.IP.To4() == nil {
				return addr, nil
			}
		default:
			return addr, nil
		}
	}
	return net.IPAddr{}, &net.AddrError{Err: "no suitable address found", Addr: ipModeNetwork(mode)}
}

// SetV4 sets a raw IPv4 address.
func (a *Address) SetV4(ip [4]byte, port uint16) {
	a.addr = &net.UDPAddr{IP: net.IPv4(ip[0], ip[1], ip[2], ip[3]), Port: int(port)}
}

// SetV6 sets a raw IPv6 address.
func (a *Address) SetV6(ip [16]byte, port uint16) {
	a.addr = &net.UDPAddr{IP: append(net.IP{}, ip[:]...), Port: int(port)}
}

// SetRaw accepts a fully formed net.UDPAddr.
func (a *Address) SetRaw(addr *net.UDPAddr) {
	a.addr = addr
}

// IsSet reports whether an address has been assigned.
func (a Address) IsSet() bool { return a.addr != nil }

// UDPAddr returns the underlying net.UDPAddr, or nil if unset.
func (a Address) UDPAddr() *net.UDPAddr { return a.addr }

// Compare returns 0 iff family, address bytes, and port match. This is
// the primitive both the server's peer lookup and an endpoint's own
// bound-address check are built on.
func (a Address) Compare(other Address) int {
	switch {
	case a.addr == nil && other.addr == nil:
		return 0
	case a.addr == nil:
		return -1
	case other.addr == nil:
		return 1
	}
	if !a.addr.IP.Equal(other.addr.IP) {
		if less := compareBytes(a.addr.IP, other.addr.IP); less != 0 {
			return less
		}
	}
	if a.addr.Port != other.addr.Port {
		if a.addr.Port < other.addr.Port {
			return -1
		}
		return 1
	}
	return 0
}

func compareBytes(a, b net.IP) int {
	a4, b4 := a.To16(), b.To16()
	for i := range a4 {
		if a4[i] != b4[i] {
			if a4[i] < b4[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// String renders the address for logging/diagnostics.
func (a Address) String() string {
	if a.addr == nil {
		return "<unset>"
	}
	return a.addr.String()
}

// addressKey returns a value usable as a map key for peer
// demultiplexing on the server.
func addressKey(addr *net.UDPAddr) string {
	return addr.String()
}

// anyAddressLike builds the any-address (port 0) of the same family as
// target, for a client binding its endpoint before connecting.
func anyAddressLike(target Address) Address {
	if target.addr != nil && target.addr.IP.To4() != nil {
		return NewAddress(&net.UDPAddr{IP: net.IPv4zero, Port: 0})
	}
	return NewAddress(&net.UDPAddr{IP: net.IPv6zero, Port: 0})
}
