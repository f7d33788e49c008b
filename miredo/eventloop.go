package miredo

import (
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/teredoproj/go-teredo/tun6"
)

// tickInterval bounds how long the loop sleeps without traffic, so
// that time-driven relay work runs at least four times a second.
const tickInterval = 250 * time.Millisecond

// relayFacade is the relay capability the event loop consumes.
type relayFacade interface {
	RegisterReadable(rs *tun6.ReadSet) int
	Process()
	ReceivePacket(rs *tun6.ReadSet) error
	SendPacket(pkt []byte) error
	Ready() bool
}

// serverFacade is the server capability the event loop consumes.
type serverFacade interface {
	RegisterReadable(rs *tun6.ReadSet) int
	ProcessPacket(rs *tun6.ReadSet)
	Ready() bool
}

// runEventLoop multiplexes the tunnel, the Teredo sockets and the
// signal bridge until a bridge descriptor becomes readable.  A tunnel
// read error terminates the loop; transport errors do not.
func runEventLoop(logger log.Logger, bridgeFDs []int, tunnel *tun6.Tunnel, relay relayFacade, server serverFacade) error {
	var rs tun6.ReadSet
	for {
		rs.Zero()
		for _, fd := range bridgeFDs {
			rs.Set(fd)
		}
		if server != nil {
			server.RegisterReadable(&rs)
		}
		if relay != nil {
			tunnel.RegisterReadable(&rs)
			relay.RegisterReadable(&rs)
		}

		n, err := rs.Wait(tickInterval)
		if err != nil {
			return fmt.Errorf("failed to wait for readiness: %v", err)
		}
		if n > 0 {
			for _, fd := range bridgeFDs {
				if rs.IsSet(fd) {
					return nil
				}
			}
		}

		if server != nil {
			server.ProcessPacket(&rs)
		}
		if relay != nil {
			relay.Process()

			pkt, err := tunnel.ReceivePacket(&rs)
			if err != nil {
				level.Error(logger).Log(
					"message", "tunnel read failed",
					"error", err)
				return err
			}
			if pkt != nil {
				relay.SendPacket(pkt)
			}

			if err := relay.ReceivePacket(&rs); err != nil {
				level.Error(logger).Log(
					"message", "Teredo receive failed",
					"error", err)
			}
		}
	}
}
