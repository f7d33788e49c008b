package miredo

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/exec"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/teredoproj/go-teredo/tun6"
)

// The privilege separation protocol: the worker sends fixed-size typed
// requests over a stream socket pair, the helper applies each against
// the tunneling interface and answers with one status byte.  The
// helper exits when the socket reaches end of file.
const (
	privOpSetAddress uint8 = iota + 1
	privOpRemoveAddress
	privOpAddRoute
	privOpRemoveRoute
	privOpSetMTU
)

const privRequestLen = 20

const (
	privStatusOK    byte = 0
	privStatusError byte = 1
)

type privRequest struct {
	op        uint8
	prefixLen uint8
	mtu       uint16
	addr      [16]byte
}

func (q *privRequest) encode() [privRequestLen]byte {
	var buf [privRequestLen]byte
	buf[0] = q.op
	buf[1] = q.prefixLen
	binary.BigEndian.PutUint16(buf[2:4], q.mtu)
	copy(buf[4:], q.addr[:])
	return buf
}

func decodePrivRequest(buf []byte) privRequest {
	var q privRequest
	q.op = buf[0]
	q.prefixLen = buf[1]
	q.mtu = binary.BigEndian.Uint16(buf[2:4])
	copy(q.addr[:], buf[4:privRequestLen])
	return q
}

// privClient is the worker's handle on the privileged helper.
type privClient struct {
	sock         *os.File
	cmd          *exec.Cmd
	defaultRoute bool
}

// startPrivProc spawns the privileged helper for the named interface
// and returns the worker side of the control socket.  It must run
// before the worker drops privileges so that the helper retains them.
func startPrivProc(ifname string, defaultRoute bool) (*privClient, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair failed: %v", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "privproc")
	child := os.NewFile(uintptr(fds[1]), "privproc")

	cmd := reexec.Command(privProcCommand, ifname)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{child}
	if err := cmd.Start(); err != nil {
		parent.Close()
		child.Close()
		return nil, fmt.Errorf("failed to start the privileged helper: %v", err)
	}
	child.Close()

	return &privClient{sock: parent, cmd: cmd, defaultRoute: defaultRoute}, nil
}

func (c *privClient) roundTrip(q privRequest) error {
	buf := q.encode()
	if _, err := c.sock.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to send a helper request: %v", err)
	}
	var status [1]byte
	if _, err := io.ReadFull(c.sock, status[:]); err != nil {
		return fmt.Errorf("failed to read the helper reply: %v", err)
	}
	if status[0] != privStatusOK {
		return fmt.Errorf("helper refused the request")
	}
	return nil
}

func (c *privClient) SetAddress(addr netip.Addr, prefixLen int) error {
	return c.roundTrip(privRequest{op: privOpSetAddress, prefixLen: uint8(prefixLen), addr: addr.As16()})
}

func (c *privClient) RemoveAddress(addr netip.Addr, prefixLen int) error {
	return c.roundTrip(privRequest{op: privOpRemoveAddress, prefixLen: uint8(prefixLen), addr: addr.As16()})
}

func (c *privClient) AddRoute(prefix netip.Addr, prefixLen int) error {
	return c.roundTrip(privRequest{op: privOpAddRoute, prefixLen: uint8(prefixLen), addr: prefix.As16()})
}

func (c *privClient) RemoveRoute(prefix netip.Addr, prefixLen int) error {
	return c.roundTrip(privRequest{op: privOpRemoveRoute, prefixLen: uint8(prefixLen), addr: prefix.As16()})
}

func (c *privClient) SetMTU(mtu int) error {
	return c.roundTrip(privRequest{op: privOpSetMTU, mtu: uint16(mtu)})
}

// ConfigureTunnel applies a qualification result: the freshly mapped
// Teredo address, plus the default route when configured.  The client
// protocol layer calls this whenever the server hands out a new
// mapped endpoint.
func (c *privClient) ConfigureTunnel(addr netip.Addr, prefixLen int) error {
	if err := c.SetAddress(addr, prefixLen); err != nil {
		return err
	}
	if c.defaultRoute {
		return c.AddRoute(netip.IPv6Unspecified(), 0)
	}
	return nil
}

// Close shuts the control socket; the helper observes end of file and
// exits.
func (c *privClient) Close() error {
	return c.sock.Close()
}

// Wait reaps the helper process.
func (c *privClient) Wait() error {
	return c.cmd.Wait()
}

// ifaceConfigurator is the slice of the tunnel device the helper is
// allowed to drive.
type ifaceConfigurator interface {
	SetAddress(addr netip.Addr, prefixLen int) error
	RemoveAddress(addr netip.Addr, prefixLen int) error
	AddRoute(prefix netip.Addr, prefixLen int) error
	RemoveRoute(prefix netip.Addr, prefixLen int) error
	SetMTU(mtu int) error
}

// servePrivRequests runs the helper side of the protocol until the
// socket reaches end of file.  The helper touches nothing but the
// interface configuration: no network I/O, no subprocesses, and no
// interpretation of the address beyond its 128 bits.
func servePrivRequests(sock io.ReadWriter, iface ifaceConfigurator) error {
	buf := make([]byte, privRequestLen)
	for {
		if _, err := io.ReadFull(sock, buf); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read a request: %v", err)
		}
		q := decodePrivRequest(buf)

		var err error
		switch q.op {
		case privOpSetAddress:
			err = iface.SetAddress(netip.AddrFrom16(q.addr), int(q.prefixLen))
		case privOpRemoveAddress:
			err = iface.RemoveAddress(netip.AddrFrom16(q.addr), int(q.prefixLen))
		case privOpAddRoute:
			err = iface.AddRoute(netip.AddrFrom16(q.addr), int(q.prefixLen))
		case privOpRemoveRoute:
			err = iface.RemoveRoute(netip.AddrFrom16(q.addr), int(q.prefixLen))
		case privOpSetMTU:
			err = iface.SetMTU(int(q.mtu))
		default:
			err = fmt.Errorf("unknown request op %v", q.op)
		}

		status := [1]byte{privStatusOK}
		if err != nil {
			status[0] = privStatusError
		}
		if _, err := sock.Write(status[:]); err != nil {
			return fmt.Errorf("failed to write a reply: %v", err)
		}
	}
}

// privProcMain is the helper process entrypoint.  It inherits the
// control socket on descriptor 3 and the interface name in argv.
func privProcMain() {
	logger := log.NewLogfmtLogger(os.Stderr)
	if len(os.Args) < 2 {
		level.Error(logger).Log("message", "privileged helper started without an interface name")
		os.Exit(1)
	}

	// Shutdown is signalled by end of file on the control socket, not
	// by process signals.
	signal.Ignore(unix.SIGINT, unix.SIGQUIT, unix.SIGTERM, unix.SIGHUP, unix.SIGPIPE)

	sock := os.NewFile(privSocketFD, "privproc")
	iface := tun6.Existing(logger, os.Args[1])
	if err := servePrivRequests(sock, iface); err != nil {
		level.Error(logger).Log(
			"message", "privileged helper failed",
			"error", err)
		os.Exit(1)
	}
	os.Exit(0)
}
