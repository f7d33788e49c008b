package teredo

import (
	"encoding/binary"
	"net/netip"
)

// ServicePort is the IANA-assigned Teredo UDP port.
const ServicePort = 3544

// DefaultPrefix is the IANA-assigned Teredo service prefix, 2001::/32.
var DefaultPrefix = netip.AddrFrom16([16]byte{0x20, 0x01})

// Teredo address layout, RFC 4380 section 2.14:
// prefix (4) | server IPv4 (4) | flags (2) | port (2) | client IPv4 (4).
// The mapped port and address are stored inverted so that dumb NATs do
// not rewrite them in transit.
const (
	addrOffServer = 4
	addrOffFlags  = 8
	addrOffPort   = 10
	addrOffClient = 12

	flagCone = 0x8000
)

// LinkLocalCone and LinkLocalRestricted are the well-known link-local
// addresses a relay assigns to its tunneling interface, the interface
// identifier spelling "TEREDO" with the cone bit set or clear.
var (
	LinkLocalCone = netip.AddrFrom16([16]byte{
		0xfe, 0x80, 0, 0, 0, 0, 0, 0,
		0x80, 0x00, 0x54, 0x45, 0x52, 0x45, 0x44, 0x4f})
	LinkLocalRestricted = netip.AddrFrom16([16]byte{
		0xfe, 0x80, 0, 0, 0, 0, 0, 0,
		0x00, 0x00, 0x54, 0x45, 0x52, 0x45, 0x44, 0x4f})
)

// InPrefix reports whether addr falls within the /32 Teredo prefix.
func InPrefix(addr, prefix netip.Addr) bool {
	a, p := addr.As16(), prefix.As16()
	return a[0] == p[0] && a[1] == p[1] && a[2] == p[2] && a[3] == p[3]
}

// IsCone reports whether the address carries the cone NAT flag.
func IsCone(addr netip.Addr) bool {
	a := addr.As16()
	return binary.BigEndian.Uint16(a[addrOffFlags:])&flagCone != 0
}

// QualifyingServer extracts the qualifying server's IPv4 address.
func QualifyingServer(addr netip.Addr) netip.Addr {
	a := addr.As16()
	return netip.AddrFrom4([4]byte(a[addrOffServer : addrOffServer+4]))
}

// MappedEndpoint extracts the NAT-mapped UDP endpoint of the address
// owner, undoing the obfuscation.
func MappedEndpoint(addr netip.Addr) netip.AddrPort {
	a := addr.As16()
	port := ^binary.BigEndian.Uint16(a[addrOffPort:])
	var ip [4]byte
	binary.BigEndian.PutUint32(ip[:], ^binary.BigEndian.Uint32(a[addrOffClient:]))
	return netip.AddrPortFrom(netip.AddrFrom4(ip), port)
}

// MakeAddress builds the Teredo address for a client of the given
// server whose NAT-mapped endpoint and NAT type are known.
func MakeAddress(prefix, server netip.Addr, cone bool, mapped netip.AddrPort) netip.Addr {
	var a [16]byte
	p := prefix.As16()
	copy(a[:addrOffServer], p[:addrOffServer])
	s := server.As4()
	copy(a[addrOffServer:], s[:])
	if cone {
		binary.BigEndian.PutUint16(a[addrOffFlags:], flagCone)
	}
	binary.BigEndian.PutUint16(a[addrOffPort:], ^mapped.Port())
	m := mapped.Addr().As4()
	binary.BigEndian.PutUint32(a[addrOffClient:], ^binary.BigEndian.Uint32(m[:]))
	return netip.AddrFrom16(a)
}

// NextServerAddress returns the secondary server address, defined as
// the immediate big-endian successor of the primary.
func NextServerAddress(primary netip.Addr) netip.Addr {
	p := primary.As4()
	var s [4]byte
	binary.BigEndian.PutUint32(s[:], binary.BigEndian.Uint32(p[:])+1)
	return netip.AddrFrom4(s)
}
