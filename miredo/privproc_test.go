package miredo

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"reflect"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestPrivRequestCodec(t *testing.T) {
	in := privRequest{
		op:        privOpAddRoute,
		prefixLen: 32,
		mtu:       1280,
		addr:      netip.MustParseAddr("2001::").As16(),
	}
	buf := in.encode()
	out := decodePrivRequest(buf[:])
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("expect %v, got %v", in, out)
	}
}

type fakeConfigurator struct {
	calls []string
	fail  bool
}

func (f *fakeConfigurator) record(op string, addr netip.Addr, prefixLen int) error {
	f.calls = append(f.calls, fmt.Sprintf("%s %s/%d", op, addr, prefixLen))
	if f.fail {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (f *fakeConfigurator) SetAddress(addr netip.Addr, prefixLen int) error {
	return f.record("setaddr", addr, prefixLen)
}
func (f *fakeConfigurator) RemoveAddress(addr netip.Addr, prefixLen int) error {
	return f.record("deladdr", addr, prefixLen)
}
func (f *fakeConfigurator) AddRoute(prefix netip.Addr, prefixLen int) error {
	return f.record("addroute", prefix, prefixLen)
}
func (f *fakeConfigurator) RemoveRoute(prefix netip.Addr, prefixLen int) error {
	return f.record("delroute", prefix, prefixLen)
}
func (f *fakeConfigurator) SetMTU(mtu int) error {
	if f.fail {
		return io.ErrUnexpectedEOF
	}
	f.calls = append(f.calls, "setmtu")
	return nil
}

func TestServePrivRequests(t *testing.T) {
	helperEnd, workerEnd := net.Pipe()

	iface := &fakeConfigurator{}
	done := make(chan error, 1)
	go func() {
		done <- servePrivRequests(helperEnd, iface)
	}()

	send := func(q privRequest) byte {
		t.Helper()
		buf := q.encode()
		if _, err := workerEnd.Write(buf[:]); err != nil {
			t.Fatalf("Write: %v", err)
		}
		var status [1]byte
		if _, err := io.ReadFull(workerEnd, status[:]); err != nil {
			t.Fatalf("ReadFull: %v", err)
		}
		return status[0]
	}

	addr := netip.MustParseAddr("2001:0:4136:e378:8000:63bf:3fff:fdd2")
	if st := send(privRequest{op: privOpSetAddress, prefixLen: 64, addr: addr.As16()}); st != privStatusOK {
		t.Fatalf("SetAddress status %d", st)
	}
	if st := send(privRequest{op: privOpAddRoute, prefixLen: 0, addr: netip.IPv6Unspecified().As16()}); st != privStatusOK {
		t.Fatalf("AddRoute status %d", st)
	}
	if st := send(privRequest{op: privOpSetMTU, mtu: 1280}); st != privStatusOK {
		t.Fatalf("SetMTU status %d", st)
	}
	if st := send(privRequest{op: 0xff}); st != privStatusError {
		t.Fatalf("unknown op status %d, want error", st)
	}

	// Closing the worker end is the shutdown signal.
	workerEnd.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("servePrivRequests: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("helper did not terminate on EOF within one second")
	}

	want := []string{
		"setaddr " + addr.String() + "/64",
		"addroute ::/0",
		"setmtu",
	}
	if !reflect.DeepEqual(iface.calls, want) {
		t.Fatalf("expect %v, got %v", want, iface.calls)
	}
}

// ConfigureTunnel drives the full client path through the real request
// codec: address installation followed by the default route.
func TestPrivClientConfigureTunnel(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	workerEnd := os.NewFile(uintptr(fds[0]), "worker")
	helperEnd := os.NewFile(uintptr(fds[1]), "helper")

	iface := &fakeConfigurator{}
	done := make(chan error, 1)
	go func() {
		done <- servePrivRequests(helperEnd, iface)
	}()

	client := &privClient{sock: workerEnd, defaultRoute: true}
	addr := netip.MustParseAddr("2001:0:4136:e378:8000:63bf:3fff:fdd2")
	if err := client.ConfigureTunnel(addr, 32); err != nil {
		t.Fatalf("ConfigureTunnel: %v", err)
	}

	client.Close()
	if err := <-done; err != nil {
		t.Fatalf("servePrivRequests: %v", err)
	}
	helperEnd.Close()

	want := []string{
		"setaddr " + addr.String() + "/32",
		"addroute ::/0",
	}
	if !reflect.DeepEqual(iface.calls, want) {
		t.Fatalf("expect %v, got %v", want, iface.calls)
	}
}

func TestServePrivRequestsReportsFailure(t *testing.T) {
	helperEnd, workerEnd := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- servePrivRequests(helperEnd, &fakeConfigurator{fail: true})
	}()

	q := privRequest{op: privOpSetMTU, mtu: 1280}
	buf := q.encode()
	if _, err := workerEnd.Write(buf[:]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var status [1]byte
	if _, err := io.ReadFull(workerEnd, status[:]); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if status[0] != privStatusError {
		t.Fatalf("status %d, want error", status[0])
	}

	workerEnd.Close()
	if err := <-done; err != nil {
		t.Fatalf("servePrivRequests: %v", err)
	}
}
