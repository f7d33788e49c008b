package tun6

import (
	"errors"
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sys/unix"
)

const tunDevice = "/dev/net/tun"

// ErrInvalidArgument is reported when an argument fails validation
// before any kernel interaction takes place.
var ErrInvalidArgument = errors.New("invalid argument")

// Tunnel is a handle on a TUN network interface.
type Tunnel struct {
	logger log.Logger
	fd     int
	name   string
	rbuf   [maxPacketLen + frameHeaderLen]byte
}

// Open creates a TUN interface, optionally with the requested name,
// and returns an owning handle.  The kernel may assign a different
// name than the one requested; Name reports the actual one.
func Open(logger log.Logger, requestedName string) (*Tunnel, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	fd, err := unix.Open(tunDevice, unix.O_RDWR, 0)
	if err != nil {
		level.Error(logger).Log(
			"message", "tunneling driver error",
			"device", tunDevice,
			"error", err)
		return nil, fmt.Errorf("failed to open %v: %v", tunDevice, err)
	}

	ifr, err := unix.NewIfreq(requestedName)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bad interface name %q: %v", requestedName, err)
	}
	ifr.SetUint16(unix.IFF_TUN)

	if err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		level.Error(logger).Log(
			"message", "tunnel error (TUNSETIFF)",
			"error", err)
		unix.Close(fd)
		return nil, fmt.Errorf("failed to create tunnel interface: %v", err)
	}

	t := &Tunnel{
		logger: logger,
		fd:     fd,
		name:   ifr.Name(),
	}
	level.Info(logger).Log(
		"message", "tunneling interface created",
		"interface_name", t.name)
	return t, nil
}

// Existing returns a configuration-only handle on an interface owned
// elsewhere.  Packet I/O is unavailable on such a handle.
func Existing(logger log.Logger, name string) *Tunnel {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Tunnel{logger: logger, fd: -1, name: name}
}

// Name returns the interface name assigned by the kernel.
func (t *Tunnel) Name() string {
	return t.name
}

// Close releases the device descriptor.  For an owning handle this
// removes the network interface.
func (t *Tunnel) Close() error {
	if t.fd == -1 {
		return nil
	}
	level.Info(t.logger).Log(
		"message", "tunneling interface removed",
		"interface_name", t.name)
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

// controlSocket opens a throwaway PF_INET6 datagram socket for
// interface ioctls.
func (t *Tunnel) controlSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, 0)
	if err != nil {
		level.Error(t.logger).Log(
			"message", "IPv6 stack not available",
			"error", err)
		return -1, fmt.Errorf("failed to open an IPv6 socket: %v", err)
	}
	return fd, nil
}

// BringUp sets or clears the interface running state.  The interface
// is always marked point-to-point without ARP, multicast or broadcast.
func (t *Tunnel) BringUp(up bool) error {
	ctl, err := t.controlSocket()
	if err != nil {
		return err
	}
	defer unix.Close(ctl)

	ifr, err := unix.NewIfreq(t.name)
	if err != nil {
		return fmt.Errorf("bad interface name %q: %v", t.name, err)
	}
	if err = unix.IoctlIfreq(ctl, unix.SIOCGIFFLAGS, ifr); err != nil {
		level.Error(t.logger).Log(
			"message", "tunnel error (SIOCGIFFLAGS)",
			"interface_name", t.name,
			"error", err)
		return fmt.Errorf("failed to read interface flags: %v", err)
	}

	flags := ifr.Uint16()
	flags |= unix.IFF_POINTOPOINT | unix.IFF_NOARP
	if up {
		flags |= unix.IFF_UP | unix.IFF_RUNNING
	} else {
		flags &^= unix.IFF_UP | unix.IFF_RUNNING
	}
	flags &^= unix.IFF_MULTICAST | unix.IFF_BROADCAST
	ifr.SetUint16(flags)

	if err = unix.IoctlIfreq(ctl, unix.SIOCSIFFLAGS, ifr); err != nil {
		level.Error(t.logger).Log(
			"message", "tunnel error (SIOCSIFFLAGS)",
			"interface_name", t.name,
			"error", err)
		return fmt.Errorf("failed to set interface flags: %v", err)
	}
	return nil
}

// SetMTU sets the interface MTU.  The value must lie within
// [1280, 65535]: the IPv6 minimum link MTU and the 16-bit upper bound.
func (t *Tunnel) SetMTU(mtu int) error {
	if mtu < 1280 {
		level.Error(t.logger).Log(
			"message", "IPv6 MTU too small (<1280)",
			"mtu", mtu)
		return ErrInvalidArgument
	}
	if mtu > maxPacketLen {
		level.Error(t.logger).Log(
			"message", "IPv6 MTU too big (>65535)",
			"mtu", mtu)
		return ErrInvalidArgument
	}

	ctl, err := t.controlSocket()
	if err != nil {
		return err
	}
	defer unix.Close(ctl)

	ifr, err := unix.NewIfreq(t.name)
	if err != nil {
		return fmt.Errorf("bad interface name %q: %v", t.name, err)
	}
	ifr.SetUint32(uint32(mtu))
	if err = unix.IoctlIfreq(ctl, unix.SIOCSIFMTU, ifr); err != nil {
		level.Error(t.logger).Log(
			"message", "tunnel MTU error (SIOCSIFMTU)",
			"interface_name", t.name,
			"error", err)
		return fmt.Errorf("failed to set MTU: %v", err)
	}

	level.Debug(t.logger).Log(
		"message", "tunnel MTU set",
		"interface_name", t.name,
		"mtu", mtu)
	return nil
}

// RegisterReadable enters the device descriptor into the readiness set
// and returns it.
func (t *Tunnel) RegisterReadable(rs *ReadSet) int {
	rs.Set(t.fd)
	return t.fd
}

// ReceivePacket reads one frame from the device if the readiness set
// marks it readable, and returns the IPv6 payload.  It returns nil
// without error when the device is not ready, or when the frame is
// short or carries a non-IPv6 ethertype.  The returned slice aliases
// the tunnel's read buffer and is valid until the next call.
func (t *Tunnel) ReceivePacket(rs *ReadSet) ([]byte, error) {
	if t.fd == -1 || !rs.IsSet(t.fd) {
		return nil, nil
	}

	n, err := unix.Read(t.fd, t.rbuf[:])
	if err != nil {
		return nil, fmt.Errorf("failed to read from tunnel: %v", err)
	}
	return decodeFrame(t.rbuf[:n]), nil
}

// SendPacket frames one IPv6 packet and writes it to the device in a
// single write.
func (t *Tunnel) SendPacket(pkt []byte) error {
	if t.fd == -1 || len(pkt) > maxPacketLen {
		return ErrInvalidArgument
	}

	frame := encodeFrame(make([]byte, 0, frameHeaderLen+len(pkt)), pkt)
	n, err := unix.Write(t.fd, frame)
	if err != nil {
		level.Error(t.logger).Log(
			"message", "cannot send packet to tunnel",
			"error", err)
		return fmt.Errorf("failed to write to tunnel: %v", err)
	}
	if n != len(frame) {
		level.Error(t.logger).Log(
			"message", "packet truncated",
			"bytes", n)
		return fmt.Errorf("packet truncated to %v byte(s)", n)
	}
	return nil
}
