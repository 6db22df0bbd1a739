package common

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrInvalidAddress is returned for text that is not a dotted-decimal IPv4 address.
var ErrInvalidAddress = errors.New("invalid IPv4 address")

// Address is an IPv4 host a binding is attached to. The UDP port is shared by
// every binding of a relay and is supplied separately (see WithPort).
type Address struct {
	ip netip.Addr
}

// ParseAddress parses dotted-decimal IPv4 text. Short forms ("10.1"), IPv6
// and IPv4-mapped IPv6 literals, hostnames and empty text are rejected.
func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil || !ip.Is4() {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return Address{ip: ip}, nil
}

// MustParseAddress is ParseAddress for literals known to be valid.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFrom wraps an IPv4 (or IPv4-mapped) netip.Addr.
func AddressFrom(ip netip.Addr) (Address, bool) {
	ip = ip.Unmap()
	if !ip.Is4() {
		return Address{}, false
	}
	return Address{ip: ip}, true
}

func (a Address) IP() netip.Addr { return a.ip }

// IsValid reports whether a holds a parsed address rather than the zero value.
func (a Address) IsValid() bool { return a.ip.IsValid() }

// WithPort joins the host with the relay port.
func (a Address) WithPort(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(a.ip, port)
}

func (a Address) String() string {
	if !a.ip.IsValid() {
		return "invalid"
	}
	return a.ip.String()
}

// MarshalText and UnmarshalText let addresses appear as plain strings in
// configuration files.
func (a Address) MarshalText() ([]byte, error) {
	if !a.ip.IsValid() {
		return nil, ErrInvalidAddress
	}
	return a.ip.MarshalText()
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
