package miredo

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// SignalBridge translates asynchronous signals into bytes on a pipe so
// that a select-driven loop can observe them.  Terminal signals (INT,
// QUIT, TERM) record an exit request, HUP records a reload request;
// each class is recorded at most once per bridge.  A reload never
// overrides an exit.  PIPE, USR1 and USR2 are ignored.
type SignalBridge struct {
	mu           sync.Mutex
	rf           *os.File
	wfd          int
	closed       bool
	exitSignal   int
	reloadSignal int
	sigCh        chan os.Signal
}

// NewSignalBridge creates the pipe and installs the signal handlers.
// The caller owns the bridge for one supervisor generation.
func NewSignalBridge() (*SignalBridge, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("pipe failed: %v", err)
	}

	b := &SignalBridge{
		rf:    os.NewFile(uintptr(p[0]), "signal-bridge"),
		wfd:   p[1],
		sigCh: make(chan os.Signal, 4),
	}

	signal.Ignore(unix.SIGPIPE, unix.SIGUSR1, unix.SIGUSR2)
	signal.Notify(b.sigCh, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM, unix.SIGHUP)
	go func() {
		for sig := range b.sigCh {
			b.deliver(sig)
		}
	}()

	return b, nil
}

func (b *SignalBridge) deliver(sig os.Signal) {
	num, ok := sig.(unix.Signal)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	recorded := false
	switch num {
	case unix.SIGHUP:
		if b.exitSignal == 0 && b.reloadSignal == 0 {
			b.reloadSignal = int(num)
			recorded = true
		}
	default:
		if b.exitSignal == 0 {
			b.exitSignal = int(num)
			b.reloadSignal = 0
			recorded = true
		}
	}

	if recorded {
		var buf [4]byte
		binary.NativeEndian.PutUint32(buf[:], uint32(num))
		unix.Write(b.wfd, buf[:])
	}
}

// ReadFile returns the read end of the bridge, suitable for
// inheritance by a child process.
func (b *SignalBridge) ReadFile() *os.File {
	return b.rf
}

// ExitSignal returns the recorded terminal signal number, or 0.
func (b *SignalBridge) ExitSignal() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitSignal
}

// ReloadSignal returns the recorded reload signal number, or 0.
func (b *SignalBridge) ReloadSignal() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reloadSignal
}

// CloseWrite closes the write end, turning further deliveries into
// no-ops.  It must precede Close so that a late handler never writes
// to a closed descriptor.
func (b *SignalBridge) CloseWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	unix.Close(b.wfd)
	b.wfd = -1
}

// Close removes the signal handlers and releases the read end.
func (b *SignalBridge) Close() {
	b.CloseWrite()
	signal.Stop(b.sigCh)
	b.rf.Close()
}
