// Package wireguard turns the peers of a WireGuard device into relay
// destinations, so a broadcast seen on a local segment can be repeated to
// every node of a WireGuard mesh.
package wireguard

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"netforward/internal/common"
)

// ErrNoPeers is returned for a device without a single IPv4 host allowed IP.
var ErrNoPeers = errors.New("no IPv4 peer addresses")

// DeviceReader is the part of *wgctrl.Client used here.
type DeviceReader interface {
	Device(name string) (*wgtypes.Device, error)
}

// PeerDestinations returns the host address of every IPv4 /32 allowed IP of
// every peer of iface, in device order. Wider ranges name networks rather
// than nodes and are skipped, as are IPv6 entries.
func PeerDestinations(client DeviceReader, iface string) ([]common.Address, error) {
	device, err := client.Device(iface)
	if err != nil {
		return nil, fmt.Errorf("reading wireguard device %s: %w", iface, err)
	}
	var out []common.Address
	for _, peer := range device.Peers {
		for _, allowed := range peer.AllowedIPs {
			if addr, ok := hostAddress(allowed); ok {
				out = append(out, addr)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("wireguard device %s: %w", iface, ErrNoPeers)
	}
	return out, nil
}

func hostAddress(network net.IPNet) (common.Address, bool) {
	ip4 := network.IP.To4()
	if ip4 == nil {
		return common.Address{}, false
	}
	ones, bits := network.Mask.Size()
	if bits == 0 || ones != bits {
		return common.Address{}, false
	}
	return common.AddressFrom(netip.AddrFrom4([4]byte(ip4)))
}

// Destinations expands every named device through the kernel's WireGuard
// interface. Devices are read in order and their peers concatenated.
func Destinations(ifaces []string) ([]common.Address, error) {
	if len(ifaces) == 0 {
		return nil, nil
	}
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("opening wireguard control: %w", err)
	}
	defer client.Close()

	var out []common.Address
	for _, iface := range ifaces {
		addrs, err := PeerDestinations(client, iface)
		if err != nil {
			return nil, err
		}
		out = append(out, addrs...)
	}
	return out, nil
}
