package teredo

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/teredoproj/go-teredo/tun6"
)

func TestNewServerAddressPair(t *testing.T) {
	if _, err := NewServer(nil, netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.3")); err == nil {
		t.Fatalf("NewServer() accepted a non-successive secondary address")
	}
	if _, err := NewServer(nil, netip.MustParseAddr("2001::1"), netip.MustParseAddr("2001::2")); err == nil {
		t.Fatalf("NewServer() accepted IPv6 server addresses")
	}
}

func TestServerForwardsToTunnel(t *testing.T) {
	sink := &captureTunnel{}

	primary := netip.MustParseAddr("127.0.0.1")
	srv, err := NewServer(nil, primary, NextServerAddress(primary))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	if !srv.Ready() {
		t.Skipf("Teredo service port %d unavailable", ServicePort)
	}
	srv.SetPrefix(testPrefix)
	srv.SetTunnel(sink)

	// A qualified client socket on loopback.
	client, err := openUDP4(loopback, 0)
	if err != nil {
		t.Fatalf("openUDP4: %v", err)
	}
	defer unix.Close(client)
	sa, err := unix.Getsockname(client)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	ep := netip.AddrPortFrom(loopback, uint16(sa.(*unix.SockaddrInet4).Port))

	pkt := buildPacket(
		MakeAddress(testPrefix, primary, false, ep),
		netip.MustParseAddr("2607:f8b0::1"),
		[]byte("to the tunnel"))
	err = unix.Sendto(client, pkt, 0, &unix.SockaddrInet4{
		Port: ServicePort,
		Addr: primary.As4(),
	})
	if err != nil {
		t.Fatalf("Sendto: %v", err)
	}

	var rs tun6.ReadSet
	rs.Zero()
	srv.RegisterReadable(&rs)
	if _, err := rs.Wait(time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	srv.ProcessPacket(&rs)

	if len(sink.pkts) != 1 || !bytes.Equal(sink.pkts[0], pkt) {
		t.Fatalf("server did not forward the packet intact: %v", sink.pkts)
	}
}
