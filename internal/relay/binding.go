package relay

import (
	"fmt"
	"net/netip"

	"netforward/internal/common"
)

// Role is what a binding is used for. A binding has no role between
// creation and bind/connect.
type Role int

const (
	RoleUnset Role = iota
	RoleSource
	RoleDest
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleDest:
		return "dest"
	default:
		return "unbound"
	}
}

// Binding is one UDP socket plus the address it is attached to. A source
// binding is bound to (Address, Port) and never connected; a dest binding is
// connected to (Address, Port) so plain writes reach that peer.
type Binding struct {
	Address common.Address
	Port    uint16
	Role    Role

	socket Socket
}

// Endpoint is the bound address for a source, the peer address for a dest.
func (b *Binding) Endpoint() netip.AddrPort { return b.Address.WithPort(b.Port) }

func (b *Binding) String() string {
	if b.Role == RoleUnset {
		return fmt.Sprintf("%s %s", b.Role, b.Address)
	}
	return fmt.Sprintf("%s %s", b.Role, b.Endpoint())
}

// BindSource binds the socket to (Address, port) for receiving.
func (b *Binding) BindSource(port uint16) error {
	b.Role, b.Port = RoleSource, port
	if err := b.socket.Bind(b.Endpoint()); err != nil {
		return &Error{Kind: KindBind, Target: b.String(), Err: err}
	}
	return nil
}

// ConnectDest fixes (Address, port) as the socket's send target.
func (b *Binding) ConnectDest(port uint16) error {
	b.Role, b.Port = RoleDest, port
	if err := b.socket.Connect(b.Endpoint()); err != nil {
		return &Error{Kind: KindConnect, Target: b.String(), Err: err}
	}
	return nil
}

// BindingFactory creates bindings with broadcast transmission enabled.
type BindingFactory struct {
	open func() (Socket, error)
}

// NewBindingFactory returns a factory producing IPv4 UDP sockets.
func NewBindingFactory() *BindingFactory {
	return &BindingFactory{open: openUDP4}
}

// Create allocates a socket for addr and enables SO_BROADCAST on it. Either
// role may transmit to a broadcast address, so the option is set regardless
// of what the binding becomes; failing to set it is fatal.
func (f *BindingFactory) Create(addr common.Address) (*Binding, error) {
	socket, err := f.open()
	if err != nil {
		return nil, &Error{Kind: KindSocketCreation, Target: addr.String(), Err: err}
	}
	if err := socket.EnableBroadcast(); err != nil {
		socket.Close()
		return nil, &Error{Kind: KindSocketOption, Target: addr.String(), Err: fmt.Errorf("SO_BROADCAST: %w", err)}
	}
	return &Binding{Address: addr, socket: socket}, nil
}
