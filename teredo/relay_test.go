package teredo

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/teredoproj/go-teredo/tun6"
)

type captureTunnel struct {
	pkts [][]byte
}

func (c *captureTunnel) SendPacket(pkt []byte) error {
	c.pkts = append(c.pkts, append([]byte(nil), pkt...))
	return nil
}

var (
	testPrefix = netip.MustParseAddr("2001::")
	testServer = netip.MustParseAddr("65.54.227.120")
	loopback   = netip.MustParseAddr("127.0.0.1")
)

// buildPacket assembles a minimal IPv6 packet with the given addresses
// and payload.
func buildPacket(src, dst netip.Addr, payload []byte) []byte {
	pkt := make([]byte, 40+len(payload))
	pkt[0] = 0x60
	pkt[4] = byte(len(payload) >> 8)
	pkt[5] = byte(len(payload))
	pkt[6] = 59 // no next header
	pkt[7] = 64
	s, d := src.As16(), dst.As16()
	copy(pkt[8:24], s[:])
	copy(pkt[24:40], d[:])
	copy(pkt[40:], payload)
	return pkt
}

func newLoopbackRelay(t *testing.T) *Relay {
	t.Helper()
	r, err := NewRelay(nil, &captureTunnel{}, testPrefix, 0, loopback, false)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	if !r.Ready() {
		t.Fatalf("loopback relay failed to bind")
	}
	return r
}

func mustLocalPort(t *testing.T, r *Relay) netip.AddrPort {
	t.Helper()
	ep, err := r.LocalAddrPort()
	if err != nil {
		t.Fatalf("LocalAddrPort: %v", err)
	}
	return ep
}

// A packet pushed into one relay must come out of a loopback peer
// relay byte-identical.
func TestRelayRoundTrip(t *testing.T) {
	sink := &captureTunnel{}

	a := newLoopbackRelay(t)
	defer a.Close()
	b, err := NewRelay(nil, sink, testPrefix, 0, loopback, false)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	defer b.Close()
	if !b.Ready() {
		t.Fatalf("loopback relay failed to bind")
	}

	srcAddr := MakeAddress(testPrefix, testServer, false, mustLocalPort(t, a))
	dstAddr := MakeAddress(testPrefix, testServer, false, mustLocalPort(t, b))
	pkt := buildPacket(srcAddr, dstAddr, []byte("teredo ping"))

	if err := a.SendPacket(pkt); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	var rs tun6.ReadSet
	rs.Zero()
	b.RegisterReadable(&rs)
	if _, err := rs.Wait(time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := b.ReceivePacket(&rs); err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}

	if len(sink.pkts) != 1 || !bytes.Equal(sink.pkts[0], pkt) {
		t.Fatalf("packet did not round-trip intact: %v", sink.pkts)
	}
}

// A datagram whose inner source address does not map to the sending
// endpoint is spoofed and must not reach the tunnel.
func TestRelayDropsSpoofed(t *testing.T) {
	sink := &captureTunnel{}

	a := newLoopbackRelay(t)
	defer a.Close()
	b, err := NewRelay(nil, sink, testPrefix, 0, loopback, false)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	defer b.Close()

	epA := mustLocalPort(t, a)
	wrong := netip.AddrPortFrom(epA.Addr(), epA.Port()+1)
	srcAddr := MakeAddress(testPrefix, testServer, false, wrong)
	dstAddr := MakeAddress(testPrefix, testServer, false, mustLocalPort(t, b))
	pkt := buildPacket(srcAddr, dstAddr, []byte("spoof"))

	if err := a.SendPacket(pkt); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}

	var rs tun6.ReadSet
	rs.Zero()
	b.RegisterReadable(&rs)
	if _, err := rs.Wait(time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := b.ReceivePacket(&rs); err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}

	if len(sink.pkts) != 0 {
		t.Fatalf("spoofed packet reached the tunnel")
	}
}

func TestRelaySendDrops(t *testing.T) {
	r := newLoopbackRelay(t)
	defer r.Close()

	// Malformed and unroutable packets are dropped, not errors: the
	// event loop must keep running.
	if err := r.SendPacket([]byte{0x60, 0x00}); err != nil {
		t.Fatalf("short packet: %v", err)
	}
	pkt := buildPacket(netip.MustParseAddr("fc00::1"), netip.MustParseAddr("fc00::2"), nil)
	if err := r.SendPacket(pkt); err != nil {
		t.Fatalf("out-of-prefix packet in relay mode: %v", err)
	}
}

func TestClientRelaySendsToServer(t *testing.T) {
	r, err := NewClientRelay(nil, &captureTunnel{}, loopback, 0, loopback)
	if err != nil {
		t.Fatalf("NewClientRelay: %v", err)
	}
	defer r.Close()
	if !r.Ready() {
		t.Fatalf("client relay failed to bind")
	}

	// Destinations outside the Teredo prefix go via the server.
	pkt := buildPacket(
		MakeAddress(testPrefix, testServer, false, netip.AddrPortFrom(loopback, 1234)),
		netip.MustParseAddr("2607:f8b0::1"),
		[]byte("via server"))
	if err := r.SendPacket(pkt); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
}

// The configured port must be the port the socket actually binds.
func TestRelayBindPort(t *testing.T) {
	probe := newLoopbackRelay(t)
	port := mustLocalPort(t, probe).Port()
	if port == 0 {
		t.Fatalf("ephemeral bind reported port 0")
	}
	probe.Close()

	r, err := NewRelay(nil, &captureTunnel{}, testPrefix, port, loopback, false)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	defer r.Close()
	if !r.Ready() {
		t.Fatalf("relay failed to bind port %d", port)
	}
	if got := mustLocalPort(t, r).Port(); got != port {
		t.Fatalf("bound port %d, want %d", got, port)
	}
}

// A second relay on an occupied port must construct un-ready while the
// first keeps working.
func TestRelayBindConflict(t *testing.T) {
	first := newLoopbackRelay(t)
	defer first.Close()
	port := mustLocalPort(t, first).Port()

	second, err := NewRelay(nil, &captureTunnel{}, testPrefix, port, loopback, false)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	defer second.Close()
	if second.Ready() {
		t.Fatalf("second relay bound an occupied port")
	}
	if !first.Ready() {
		t.Fatalf("first relay disturbed by the conflict")
	}
}

func TestRelayPeerExpiry(t *testing.T) {
	r := newLoopbackRelay(t)
	defer r.Close()

	peer := MakeAddress(testPrefix, testServer, false, netip.AddrPortFrom(loopback, 1234))
	r.peers.Add(peer, peerEntry{
		endpoint: netip.AddrPortFrom(loopback, 1234),
		seen:     time.Now().Add(-2 * peerLifetime),
	})

	r.Process()
	if _, ok := r.peers.Peek(peer); ok {
		t.Fatalf("stale peer survived Process()")
	}
}
