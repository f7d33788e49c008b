package tun6

import (
	"time"

	"golang.org/x/sys/unix"
)

// ReadSet is a select(2) readiness set with max-fd tracking.
// The zero value is empty and ready for use after Zero.
type ReadSet struct {
	fds   unix.FdSet
	maxfd int
}

// Zero empties the set.
func (rs *ReadSet) Zero() {
	rs.fds.Zero()
	rs.maxfd = -1
}

// Set enters fd into the set.  Negative descriptors are ignored so
// that components holding a closed descriptor can register blindly.
func (rs *ReadSet) Set(fd int) {
	if fd < 0 {
		return
	}
	rs.fds.Set(fd)
	if fd > rs.maxfd {
		rs.maxfd = fd
	}
}

// IsSet reports whether fd is present in the set.  After Wait returns,
// presence means the descriptor is ready for reading.
func (rs *ReadSet) IsSet(fd int) bool {
	return fd >= 0 && rs.fds.IsSet(fd)
}

// Wait blocks until at least one registered descriptor is readable or
// the timeout elapses, whichever comes first.  On return the set holds
// only the ready descriptors.  A wait interrupted by a signal reports
// zero ready descriptors rather than an error.
func (rs *ReadSet) Wait(timeout time.Duration) (int, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(rs.maxfd+1, &rs.fds, nil, nil, &tv)
	if err == unix.EINTR {
		rs.fds.Zero()
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}
