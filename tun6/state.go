package tun6

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/go-kit/kit/log/level"
	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// withRoutingSocket resolves the interface index and runs fn against a
// fresh rtnetlink connection.  The connection lives only for the one
// operation.
func (t *Tunnel) withRoutingSocket(fn func(conn *rtnetlink.Conn, ifindex uint32) error) error {
	ifi, err := net.InterfaceByName(t.name)
	if err != nil {
		return fmt.Errorf("failed to look up interface %q: %v", t.name, err)
	}

	conn, err := rtnetlink.Dial(&netlink.Config{})
	if err != nil {
		return fmt.Errorf("failed to open a routing socket: %v", err)
	}
	defer conn.Close()

	return fn(conn, uint32(ifi.Index))
}

func (t *Tunnel) addressMessage(addr netip.Addr, prefixLen int, ifindex uint32) *rtnetlink.AddressMessage {
	return &rtnetlink.AddressMessage{
		Family:       unix.AF_INET6,
		PrefixLength: uint8(prefixLen),
		Scope:        unix.RT_SCOPE_UNIVERSE,
		Index:        ifindex,
		Attributes: &rtnetlink.AddressAttributes{
			Address: addr.AsSlice(),
			Local:   addr.AsSlice(),
		},
	}
}

func (t *Tunnel) checkAddressArgs(addr netip.Addr, prefixLen int) error {
	if prefixLen < 0 || prefixLen > 128 {
		level.Error(t.logger).Log(
			"message", "IPv6 prefix length out of range",
			"prefix_length", prefixLen)
		return ErrInvalidArgument
	}
	if !addr.Is6() || addr.Is4In6() {
		level.Error(t.logger).Log(
			"message", "not an IPv6 address",
			"address", addr)
		return ErrInvalidArgument
	}
	return nil
}

// SetAddress installs an IPv6 address with the given prefix length on
// the interface.
func (t *Tunnel) SetAddress(addr netip.Addr, prefixLen int) error {
	if err := t.checkAddressArgs(addr, prefixLen); err != nil {
		return err
	}
	err := t.withRoutingSocket(func(conn *rtnetlink.Conn, ifindex uint32) error {
		return conn.Address.New(t.addressMessage(addr, prefixLen, ifindex))
	})
	if err != nil {
		level.Error(t.logger).Log(
			"message", "tunnel address error",
			"interface_name", t.name,
			"error", err)
		return err
	}
	level.Debug(t.logger).Log(
		"message", "tunnel address set",
		"interface_name", t.name,
		"address", addr,
		"prefix_length", prefixLen)
	return nil
}

// RemoveAddress removes an address previously installed by SetAddress.
func (t *Tunnel) RemoveAddress(addr netip.Addr, prefixLen int) error {
	if err := t.checkAddressArgs(addr, prefixLen); err != nil {
		return err
	}
	err := t.withRoutingSocket(func(conn *rtnetlink.Conn, ifindex uint32) error {
		return conn.Address.Delete(t.addressMessage(addr, prefixLen, ifindex))
	})
	if err != nil {
		level.Error(t.logger).Log(
			"message", "tunnel address removal error",
			"interface_name", t.name,
			"error", err)
	}
	return err
}

func (t *Tunnel) routeMessage(prefix netip.Addr, prefixLen int, ifindex uint32) *rtnetlink.RouteMessage {
	dst, _ := prefix.Prefix(prefixLen)
	return &rtnetlink.RouteMessage{
		Family:    unix.AF_INET6,
		Table:     unix.RT_TABLE_MAIN,
		Protocol:  unix.RTPROT_BOOT,
		Scope:     unix.RT_SCOPE_UNIVERSE,
		Type:      unix.RTN_UNICAST,
		DstLength: uint8(prefixLen),
		Attributes: rtnetlink.RouteAttributes{
			Dst:      dst.Addr().AsSlice(),
			OutIface: ifindex,
		},
	}
}

// AddRoute installs a route for the given IPv6 prefix through the
// interface.  A zero prefix length installs a default route.
func (t *Tunnel) AddRoute(prefix netip.Addr, prefixLen int) error {
	if err := t.checkAddressArgs(prefix, prefixLen); err != nil {
		return err
	}
	err := t.withRoutingSocket(func(conn *rtnetlink.Conn, ifindex uint32) error {
		return conn.Route.Add(t.routeMessage(prefix, prefixLen, ifindex))
	})
	if err != nil {
		level.Error(t.logger).Log(
			"message", "tunnel route error",
			"interface_name", t.name,
			"error", err)
		return err
	}
	level.Debug(t.logger).Log(
		"message", "tunnel route added",
		"interface_name", t.name,
		"prefix", prefix,
		"prefix_length", prefixLen)
	return nil
}

// RemoveRoute removes a route previously installed by AddRoute.
func (t *Tunnel) RemoveRoute(prefix netip.Addr, prefixLen int) error {
	if err := t.checkAddressArgs(prefix, prefixLen); err != nil {
		return err
	}
	err := t.withRoutingSocket(func(conn *rtnetlink.Conn, ifindex uint32) error {
		return conn.Route.Delete(t.routeMessage(prefix, prefixLen, ifindex))
	})
	if err != nil {
		level.Error(t.logger).Log(
			"message", "tunnel route removal error",
			"interface_name", t.name,
			"error", err)
	}
	return err
}
