package teredo

import (
	"fmt"
	"net/netip"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/teredoproj/go-teredo/tun6"
)

// Server owns the well-known Teredo service port on a primary and
// secondary IPv4 address pair.  Clients probe both addresses during
// qualification to classify their NAT.
type Server struct {
	logger log.Logger
	fds    [2]int
	ready  bool
	prefix netip.Addr
	tunnel PacketWriter
	rbuf   [65507]byte
}

// NewServer creates a server bound to the service port on the primary
// and secondary addresses.  The secondary address must be the
// immediate successor of the primary; see NextServerAddress.
func NewServer(logger log.Logger, primary, secondary netip.Addr) (*Server, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if !primary.Is4() || !secondary.Is4() {
		return nil, fmt.Errorf("server addresses %v and %v must be IPv4", primary, secondary)
	}
	if NextServerAddress(primary) != secondary {
		return nil, fmt.Errorf("secondary address %v must immediately follow %v", secondary, primary)
	}

	s := &Server{logger: logger, fds: [2]int{-1, -1}}
	for i, addr := range [2]netip.Addr{primary, secondary} {
		fd, err := openUDP4(addr, ServicePort)
		if err != nil {
			level.Debug(logger).Log(
				"message", "server socket setup failed",
				"address", addr,
				"error", err)
			return s, nil
		}
		s.fds[i] = fd
	}
	s.ready = true
	return s, nil
}

// Ready reports whether both server sockets bound successfully.
func (s *Server) Ready() bool {
	return s.ready
}

// SetPrefix installs the Teredo prefix the server hands out.
func (s *Server) SetPrefix(prefix netip.Addr) {
	s.prefix = prefix
}

// SetTunnel wires the tunneling interface the server forwards through.
func (s *Server) SetTunnel(tunnel PacketWriter) {
	s.tunnel = tunnel
}

// Close releases both server sockets.
func (s *Server) Close() error {
	var err error
	for i, fd := range s.fds {
		if fd != -1 {
			if cerr := unix.Close(fd); err == nil {
				err = cerr
			}
			s.fds[i] = -1
		}
	}
	s.ready = false
	return err
}

// RegisterReadable enters both server sockets into the readiness set
// and returns the larger descriptor.
func (s *Server) RegisterReadable(rs *tun6.ReadSet) int {
	maxfd := -1
	for _, fd := range s.fds {
		rs.Set(fd)
		if fd > maxfd {
			maxfd = fd
		}
	}
	return maxfd
}

// ProcessPacket handles one datagram per ready server socket.
// Datagrams carrying valid IPv6 traffic for the served prefix are
// forwarded to the tunnel; everything else is dropped.  Qualification
// exchanges are the business of the protocol layer above.
func (s *Server) ProcessPacket(rs *tun6.ReadSet) {
	for _, fd := range s.fds {
		if fd == -1 || !rs.IsSet(fd) {
			continue
		}

		n, from, err := unix.Recvfrom(fd, s.rbuf[:], 0)
		if err != nil {
			level.Error(s.logger).Log(
				"message", "failed to receive a server datagram",
				"error", err)
			continue
		}
		sa4, ok := from.(*unix.SockaddrInet4)
		if !ok {
			continue
		}
		src := netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))

		pkt := s.rbuf[:n]
		if len(pkt) < ipv6HeaderLen || pkt[0]>>4 != 6 {
			level.Debug(s.logger).Log(
				"message", "dropping malformed server datagram",
				"endpoint", src)
			continue
		}

		peer := netip.AddrFrom16([16]byte(pkt[8:24]))
		if !InPrefix(peer, s.prefix) || MappedEndpoint(peer) != src {
			level.Debug(s.logger).Log(
				"message", "dropping server datagram from unqualified endpoint",
				"endpoint", src)
			continue
		}

		if s.tunnel != nil {
			if err := s.tunnel.SendPacket(pkt); err != nil {
				level.Error(s.logger).Log(
					"message", "failed to forward server datagram to tunnel",
					"error", err)
			}
		}
	}
}
