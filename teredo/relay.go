package teredo

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"

	"github.com/teredoproj/go-teredo/tun6"
)

// PacketWriter delivers a decapsulated IPv6 packet to the tunneling
// interface.  *tun6.Tunnel implements it.
type PacketWriter interface {
	SendPacket(pkt []byte) error
}

const (
	// ipv6HeaderLen is the fixed IPv6 header size; anything shorter
	// cannot be a packet.
	ipv6HeaderLen = 40

	// peerCacheSize bounds the per-relay peer endpoint cache.
	peerCacheSize = 256

	// peerLifetime is how long a peer endpoint stays trusted without
	// fresh traffic.
	peerLifetime = 30 * time.Second
)

type peerEntry struct {
	endpoint netip.AddrPort
	seen     time.Time
}

// Relay forwards IPv6 packets between a tunneling interface and the
// Teredo UDP transport.
type Relay struct {
	logger log.Logger
	tunnel PacketWriter
	fd     int
	ready  bool
	client bool
	cone   bool
	prefix netip.Addr
	server netip.AddrPort
	peers  *lru.Cache[netip.Addr, peerEntry]
	rbuf   [65507]byte
}

// NewClientRelay creates the client variant of the relay: traffic to
// destinations outside the Teredo prefix is sent to the qualifying
// server for relaying.
func NewClientRelay(logger log.Logger, tunnel PacketWriter, server netip.Addr, port uint16, bind netip.Addr) (*Relay, error) {
	if !server.Is4() {
		return nil, fmt.Errorf("server address %v is not IPv4", server)
	}
	r, err := newRelay(logger, tunnel, port, bind)
	if err != nil {
		return nil, err
	}
	r.client = true
	r.prefix = DefaultPrefix
	r.server = netip.AddrPortFrom(server, ServicePort)
	return r, nil
}

// NewRelay creates the gateway variant of the relay, serving the given
// Teredo prefix.  cone selects the cone NAT behavior: source endpoint
// consistency checks are waived.
func NewRelay(logger log.Logger, tunnel PacketWriter, prefix netip.Addr, port uint16, bind netip.Addr, cone bool) (*Relay, error) {
	r, err := newRelay(logger, tunnel, port, bind)
	if err != nil {
		return nil, err
	}
	r.prefix = prefix
	r.cone = cone
	return r, nil
}

func newRelay(logger log.Logger, tunnel PacketWriter, port uint16, bind netip.Addr) (*Relay, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if tunnel == nil {
		return nil, fmt.Errorf("invalid nil tunnel")
	}

	peers, err := lru.New[netip.Addr, peerEntry](peerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer cache: %v", err)
	}

	r := &Relay{
		logger: logger,
		tunnel: tunnel,
		fd:     -1,
		peers:  peers,
	}

	fd, err := openUDP4(bind, port)
	if err != nil {
		// Construction still succeeds; Ready reports the failure.
		level.Debug(logger).Log(
			"message", "relay socket setup failed",
			"error", err)
		return r, nil
	}
	r.fd = fd
	r.ready = true
	return r, nil
}

func openUDP4(bind netip.Addr, port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to open a UDP socket: %v", err)
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	if bind.Is4() {
		sa.Addr = bind.As4()
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to bind UDP port %v: %v", port, err)
	}
	return fd, nil
}

// Ready reports whether the UDP socket bound successfully.
func (r *Relay) Ready() bool {
	return r.ready
}

// LocalAddrPort returns the bound socket endpoint.
func (r *Relay) LocalAddrPort() (netip.AddrPort, error) {
	if !r.ready {
		return netip.AddrPort{}, fmt.Errorf("relay is not ready")
	}
	sa, err := unix.Getsockname(r.fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to read socket name: %v", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unexpected address family %T", sa)
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), nil
}

// Close releases the UDP socket.
func (r *Relay) Close() error {
	if r.fd == -1 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	r.ready = false
	return err
}

// RegisterReadable enters the relay socket into the readiness set and
// returns the descriptor.
func (r *Relay) RegisterReadable(rs *tun6.ReadSet) int {
	rs.Set(r.fd)
	return r.fd
}

// Process performs the relay's per-tick housekeeping: expiring peer
// endpoints that have gone quiet.
func (r *Relay) Process() {
	now := time.Now()
	for _, key := range r.peers.Keys() {
		if entry, ok := r.peers.Peek(key); ok && now.Sub(entry.seen) > peerLifetime {
			r.peers.Remove(key)
		}
	}
}

// SendPacket encapsulates one IPv6 packet from the tunnel into a
// Teredo UDP datagram.  Packets without a deliverable destination are
// silently dropped; the loop must keep running.
func (r *Relay) SendPacket(pkt []byte) error {
	if !r.ready {
		return fmt.Errorf("relay is not ready")
	}
	if len(pkt) < ipv6HeaderLen || pkt[0]>>4 != 6 {
		level.Debug(r.logger).Log("message", "dropping malformed packet from tunnel")
		return nil
	}

	dst := netip.AddrFrom16([16]byte(pkt[24:40]))

	var ep netip.AddrPort
	if entry, ok := r.peers.Get(dst); ok {
		ep = entry.endpoint
	} else if InPrefix(dst, r.prefix) {
		ep = MappedEndpoint(dst)
	} else if r.client {
		ep = r.server
	} else {
		level.Debug(r.logger).Log(
			"message", "no Teredo mapping for destination",
			"destination", dst)
		return nil
	}

	err := unix.Sendto(r.fd, pkt, 0, &unix.SockaddrInet4{
		Port: int(ep.Port()),
		Addr: ep.Addr().As4(),
	})
	if err != nil {
		level.Error(r.logger).Log(
			"message", "failed to send Teredo datagram",
			"endpoint", ep,
			"error", err)
		return fmt.Errorf("failed to send to %v: %v", ep, err)
	}
	return nil
}

// ReceivePacket reads one UDP datagram if the readiness set marks the
// socket readable, validates it, and writes the carried IPv6 packet to
// the tunnel.  Malformed or inconsistent datagrams are dropped.
func (r *Relay) ReceivePacket(rs *tun6.ReadSet) error {
	if r.fd == -1 || !rs.IsSet(r.fd) {
		return nil
	}

	n, from, err := unix.Recvfrom(r.fd, r.rbuf[:], 0)
	if err != nil {
		return fmt.Errorf("failed to receive a Teredo datagram: %v", err)
	}
	sa4, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return nil
	}
	src := netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))

	pkt := r.rbuf[:n]
	if len(pkt) < ipv6HeaderLen || pkt[0]>>4 != 6 {
		level.Debug(r.logger).Log(
			"message", "dropping malformed Teredo datagram",
			"endpoint", src)
		return nil
	}

	peer := netip.AddrFrom16([16]byte(pkt[8:24]))
	switch {
	case InPrefix(peer, r.prefix):
		// The packet source must sit at the endpoint its address
		// advertises, except under cone behavior.
		if !r.cone && MappedEndpoint(peer) != src {
			level.Debug(r.logger).Log(
				"message", "dropping spoofed Teredo datagram",
				"source", peer,
				"endpoint", src)
			return nil
		}
		r.peers.Add(peer, peerEntry{endpoint: src, seen: time.Now()})
	case r.client && src == r.server:
		// Server-relayed traffic toward a client.
	default:
		level.Debug(r.logger).Log(
			"message", "dropping Teredo datagram from untrusted endpoint",
			"endpoint", src)
		return nil
	}

	return r.tunnel.SendPacket(pkt)
}
