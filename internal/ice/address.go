package ice

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Family identifies the IP address family of a NetworkAddress. The zero
// value, Unresolved, marks an address that has not yet been resolved
// (or a candidate slot that is simply empty).
type Family int

const (
	Unresolved Family = iota
	IPv4
	IPv6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return "unresolved"
	}
}

// NetworkAddress is a dual-family (address, port) pair with a relayed
// flag, as used throughout the agent for candidates, mapped addresses,
// and peer addresses (see RFC 5245 §3, RFC 5766 §2). Once a
// NetworkAddress is resolved its family never changes; equality requires
// family, address bytes, port, and the relayed flag to all match.
type NetworkAddress struct {
	family  Family
	ip      net.IP // always stored in its canonical 4- or 16-byte form
	port    int
	relayed bool
}

// Empty reports whether a has never been resolved to a concrete address.
func (a NetworkAddress) Empty() bool {
	return a.family == Unresolved
}

// Family returns the address family, or Unresolved if a is empty.
func (a NetworkAddress) Family() Family {
	return a.family
}

// Port returns the port number, or 0 if a is empty.
func (a NetworkAddress) Port() int {
	return a.port
}

// Relayed reports whether this address designates a TURN-relayed
// transport address rather than a directly reachable one.
func (a NetworkAddress) Relayed() bool {
	return a.relayed
}

// IP returns the address bytes in their canonical per-family form (4
// bytes for IPv4, 16 for IPv6). Returns nil if a is empty.
func (a NetworkAddress) IP() net.IP {
	return a.ip
}

// NewNetworkAddress builds a NetworkAddress from a net.IP and port. The
// family is derived from the shape of ip (a 4-in-6 mapped address is
// normalized to IPv4).
func NewNetworkAddress(ip net.IP, port int, relayed bool) NetworkAddress {
	if ip == nil {
		return NetworkAddress{}
	}
	if v4 := ip.To4(); v4 != nil {
		return NetworkAddress{family: IPv4, ip: v4, port: port, relayed: relayed}
	}
	return NetworkAddress{family: IPv6, ip: ip.To16(), port: port, relayed: relayed}
}

// ParseNetworkAddress parses "ip:port" (IPv4) or "[ip]:port" (IPv6) into a
// NetworkAddress.
func ParseNetworkAddress(hostport string, relayed bool) (NetworkAddress, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return NetworkAddress{}, fmt.Errorf("parse network address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NetworkAddress{}, fmt.Errorf("parse network address %q: bad port: %w", hostport, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return NetworkAddress{}, fmt.Errorf("parse network address %q: bad ip", hostport)
	}
	return NewNetworkAddress(ip, port, relayed), nil
}

// UDPAddr returns a's equivalent *net.UDPAddr for use with a UDP socket.
func (a NetworkAddress) UDPAddr() *net.UDPAddr {
	if a.Empty() {
		return nil
	}
	return &net.UDPAddr{IP: a.ip, Port: a.port}
}

// String renders a in its canonical per-family text form, matching the
// candidate-line syntax of §6: plain dotted-quad for IPv4, bracketed for
// IPv6.
func (a NetworkAddress) String() string {
	if a.Empty() {
		return ""
	}
	if a.family == IPv6 {
		return "[" + a.ip.String() + "]:" + strconv.Itoa(a.port)
	}
	return a.ip.String() + ":" + strconv.Itoa(a.port)
}

// Equal reports whether a and b designate the same address, matching the
// invariant in §3: family, bytes, port, and relayed flag must all agree.
func (a NetworkAddress) Equal(b NetworkAddress) bool {
	if a.family != b.family || a.port != b.port || a.relayed != b.relayed {
		return false
	}
	if a.family == Unresolved {
		return true
	}
	return a.ip.Equal(b.ip)
}

// IsLoopback reports whether a is a loopback address.
func (a NetworkAddress) IsLoopback() bool {
	return !a.Empty() && a.ip.IsLoopback()
}

// IsLinkLocal reports whether a falls in 169.254.0.0/16 or fe80::/10.
func (a NetworkAddress) IsLinkLocal() bool {
	return !a.Empty() && a.ip.IsLinkLocalUnicast()
}

// IsLAN reports whether a is a private (RFC 1918) IPv4 address. IPv6
// unique-local addresses (fc00::/7) are also treated as LAN.
func (a NetworkAddress) IsLAN() bool {
	if a.Empty() {
		return false
	}
	if a.family == IPv4 {
		ip := a.ip
		switch {
		case ip[0] == 10:
			return true
		case ip[0] == 172 && ip[1]&0xf0 == 16:
			return true
		case ip[0] == 192 && ip[1] == 168:
			return true
		}
		return false
	}
	return a.ip[0]&0xfe == 0xfc
}

// IsPublic reports whether a is resolved and none of loopback, link-local,
// or LAN. Loopback, LAN, link-local, and public are mutually exclusive.
func (a NetworkAddress) IsPublic() bool {
	return !a.Empty() && !a.IsLoopback() && !a.IsLinkLocal() && !a.IsLAN()
}

// normalizeProtocol normalizes a candidate-line transport token, which
// must equal "UDP" case-insensitively per §6.
func normalizeProtocol(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if !strings.EqualFold(token, "UDP") {
		return "", false
	}
	return "UDP", true
}
