package miredo

import (
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"golang.org/x/sys/unix"

	"github.com/teredoproj/go-teredo/tun6"
)

type fakeRelay struct {
	events *[]string
}

func (r *fakeRelay) RegisterReadable(rs *tun6.ReadSet) int { return -1 }
func (r *fakeRelay) Process()                              { *r.events = append(*r.events, "relay.process") }
func (r *fakeRelay) ReceivePacket(rs *tun6.ReadSet) error {
	*r.events = append(*r.events, "relay.receive")
	return nil
}
func (r *fakeRelay) SendPacket(pkt []byte) error { return nil }
func (r *fakeRelay) Ready() bool                 { return true }

type fakeServer struct {
	events *[]string
}

func (s *fakeServer) RegisterReadable(rs *tun6.ReadSet) int { return -1 }
func (s *fakeServer) ProcessPacket(rs *tun6.ReadSet) {
	*s.events = append(*s.events, "server.process")
}
func (s *fakeServer) Ready() bool { return true }

// A byte on the signal bridge must terminate an otherwise idle loop
// within one tick.
func TestEventLoopBridgeExit(t *testing.T) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	go func() {
		time.Sleep(50 * time.Millisecond)
		unix.Write(p[1], []byte{0x0f, 0x00, 0x00, 0x00})
	}()

	start := time.Now()
	err := runEventLoop(log.NewNopLogger(), []int{p[0]}, nil, nil, nil)
	if err != nil {
		t.Fatalf("runEventLoop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("loop took %v to exit, want under 300ms", elapsed)
	}
}

// Without traffic the loop must tick at least four times a second, and
// each tick must run the server before the relay and the relay's
// housekeeping before its inbound processing.
func TestEventLoopTickOrder(t *testing.T) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	var events []string
	relay := &fakeRelay{events: &events}
	server := &fakeServer{events: &events}
	tunnel := tun6.Existing(nil, "teredo-test")

	done := make(chan error, 1)
	go func() {
		done <- runEventLoop(log.NewNopLogger(), []int{p[0]}, tunnel, relay, server)
	}()

	time.Sleep(600 * time.Millisecond)
	unix.Write(p[1], []byte{0x0f, 0x00, 0x00, 0x00})
	if err := <-done; err != nil {
		t.Fatalf("runEventLoop: %v", err)
	}

	if len(events) < 6 {
		t.Fatalf("observed %d dispatches in 600ms, want at least two full ticks", len(events))
	}
	for i := 0; i+2 < len(events); i += 3 {
		if events[i] != "server.process" || events[i+1] != "relay.process" || events[i+2] != "relay.receive" {
			t.Fatalf("tick %d dispatched out of order: %v", i/3, events[i:i+3])
		}
	}
}
