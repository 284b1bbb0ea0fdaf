package registry

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// Network is either a single address or a CIDR subnet of one address family.
// A single address is kept as a full-length prefix, so containment and equality
// are the same test.
type Network struct {
	prefix netip.Prefix
	single bool
}

// ParseError reports a network specification that is neither an address nor a subnet.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q as address or subnet: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var errZone = errors.New("IPv6 zones are not supported")

// ParseNetwork parses an IPv4/IPv6 address or CIDR subnet.
// Subnets are masked, so "10.0.0.5/24" becomes "10.0.0.0/24".
func ParseNetwork(s string) (Network, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Network{}, &ParseError{Input: s, Err: err}
		}
		addr := p.Addr()
		if addr.Is4In6() {
			// ::ffff:a.b.c.d/120 names an IPv4 subnet
			bits := p.Bits() - 96
			if bits < 0 {
				return Network{}, &ParseError{Input: s, Err: fmt.Errorf("prefix /%d is too short for an IPv4-mapped address", p.Bits())}
			}
			p = netip.PrefixFrom(addr.Unmap(), bits)
		}
		return Network{prefix: p.Masked()}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return Network{}, &ParseError{Input: s, Err: err}
	}
	if addr.Zone() != "" {
		return Network{}, &ParseError{Input: s, Err: errZone}
	}
	addr = addr.Unmap()
	return Network{prefix: netip.PrefixFrom(addr, addr.BitLen()), single: true}, nil
}

// MustParseNetwork is like ParseNetwork but panics on error.
func MustParseNetwork(s string) Network {
	n, err := ParseNetwork(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Network) IsValid() bool {
	return n.prefix.IsValid()
}

func (n Network) Family() Family {
	if n.prefix.Addr().Is4() {
		return IPv4
	}
	return IPv6
}

// IsSingle reports whether n was registered as a bare address.
func (n Network) IsSingle() bool {
	return n.single
}

func (n Network) Prefix() netip.Prefix {
	return n.prefix
}

// Contains reports whether addr lies in n. Addresses of the other family never match.
func (n Network) Contains(addr netip.Addr) bool {
	if !n.prefix.IsValid() {
		return false
	}
	return n.prefix.Contains(addr.WithZone("").Unmap())
}

func (n Network) String() string {
	if !n.prefix.IsValid() {
		return "invalid network"
	}
	if n.single {
		return n.prefix.Addr().String()
	}
	return n.prefix.String()
}
