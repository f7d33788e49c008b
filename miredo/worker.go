package miredo

import (
	"io"
	gosyslog "log/syslog"
	"os"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/teredoproj/go-teredo/config"
	"github.com/teredoproj/go-teredo/teredo"
	"github.com/teredoproj/go-teredo/tun6"
)

// teredoMTU is the fixed tunnel MTU mandated by the Teredo
// specification.
const teredoMTU = 1280

// linkLocalPrefixLen is the prefix length for the relay's well-known
// link-local address.
const linkLocalPrefixLen = 64

// teredoPrefixLen is the length of the routed Teredo service prefix.
const teredoPrefixLen = 32

// runWorker performs the worker startup sequence, runs the event loop,
// and tears everything down in order.  It returns the process exit
// code.
func runWorker(logger log.Logger, p *workerParams, bridgeFDs []int) int {
	client := p.mode == config.ModeClient

	if client {
		if err := teredo.InitNonceGenerator(); err != nil {
			level.Error(logger).Log(
				"message", "nonce generator setup failed",
				"error", err)
			return 1
		}
		defer teredo.DeinitNonceGenerator()
	}

	tunnel, err := tun6.Open(logger, p.ifname)
	if err != nil {
		level.Error(logger).Log(
			"message", "Teredo tunnel setup failed: you should be root to do that",
			"error", err)
		return 1
	}
	defer tunnel.Close()

	if err = tunnel.SetMTU(teredoMTU); err != nil {
		level.Error(logger).Log(
			"message", "Teredo tunnel setup failed: you should be root to do that",
			"error", err)
		return 1
	}

	var helper *privClient
	if client {
		if helper, err = startPrivProc(tunnel.Name(), p.defaultRoute); err != nil {
			level.Error(logger).Log(
				"message", "privileged process setup failed",
				"error", err)
			return 1
		}
	} else {
		addr := teredo.LinkLocalCone
		if p.mode == config.ModeRestricted {
			addr = teredo.LinkLocalRestricted
		}
		err = tunnel.BringUp(true)
		if err == nil {
			err = tunnel.SetAddress(addr, linkLocalPrefixLen)
		}
		if err == nil && p.mode != config.ModeDisabled {
			err = tunnel.AddRoute(p.prefix, teredoPrefixLen)
		}
		if err != nil {
			level.Error(logger).Log(
				"message", "Teredo routing failed: you should be root to do that",
				"error", err)
			return 1
		}
	}

	if p.chrootDir != "" {
		if err = unix.Chroot(p.chrootDir); err == nil {
			err = unix.Chdir("/")
		}
		if err != nil {
			level.Warn(logger).Log(
				"message", "chroot failed",
				"directory", p.chrootDir,
				"error", err)
		}
	}

	// Definitely drops privileges.
	if err = unix.Setuid(p.uid); err != nil {
		level.Error(logger).Log(
			"message", "setting UID failed",
			"uid", p.uid,
			"error", err)
		return 1
	}

	var server *teredo.Server
	if !client && p.server.IsValid() && !p.server.IsUnspecified() {
		server, err = teredo.NewServer(logger, p.server, teredo.NextServerAddress(p.server))
		if err != nil {
			level.Error(logger).Log(
				"message", "Teredo server failure",
				"error", err)
			return 1
		}
		if !server.Ready() {
			level.Error(logger).Log("message", "Teredo UDP port failure")
			level.Info(logger).Log(
				"message", "make sure another instance of the program is not already running")
			return 1
		}
		server.SetPrefix(p.prefix)
		server.SetTunnel(tunnel)
	}

	var relay *teredo.Relay
	if client {
		relay, err = teredo.NewClientRelay(logger, tunnel, p.server, p.bindPort, p.bind)
	} else if p.mode != config.ModeDisabled {
		relay, err = teredo.NewRelay(logger, tunnel, p.prefix, p.bindPort, p.bind,
			p.mode == config.ModeCone)
	}

	if p.mode != config.ModeDisabled {
		if err != nil || relay == nil {
			level.Error(logger).Log(
				"message", "Teredo service failure",
				"error", err)
			closeServices(nil, server, helper, client)
			return 1
		}
		if !relay.Ready() {
			if p.bindPort != 0 {
				level.Error(logger).Log(
					"message", "Teredo service port failure: cannot open UDP port",
					"port", p.bindPort)
			} else {
				level.Error(logger).Log(
					"message", "Teredo service port failure: cannot open an UDP port")
			}
			level.Info(logger).Log(
				"message", "make sure another instance of the program is not already running")
			closeServices(relay, server, helper, client)
			return 1
		}
	}

	var rf relayFacade
	if relay != nil {
		rf = relay
	}
	var sf serverFacade
	if server != nil {
		sf = server
	}
	loopErr := runEventLoop(logger, bridgeFDs, tunnel, rf, sf)

	closeServices(relay, server, helper, client)

	if loopErr != nil {
		return 1
	}
	return 0
}

// closeServices tears the worker's services down in order: the helper
// control socket first so the helper sees end of file, then the
// transport objects, then the nonce generator, then the helper reap.
func closeServices(relay *teredo.Relay, server *teredo.Server, helper *privClient, client bool) {
	if helper != nil {
		helper.Close()
	}
	if relay != nil {
		relay.Close()
	}
	if server != nil {
		server.Close()
	}
	if client {
		teredo.DeinitNonceGenerator()
	}
	if helper != nil {
		helper.Wait()
	}
}

// workerBridgeFD is the descriptor on which the worker inherits the
// signal bridge read end.
const workerBridgeFD = 3

// privSocketFD is the descriptor on which the helper inherits the
// control socket.
const privSocketFD = 3

// workerMain is the worker process entrypoint.  The configuration
// record arrives as TOML on standard input.
func workerMain() {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		os.Exit(1)
	}
	wc, err := parseWorkerConfig(data)
	if err != nil {
		os.Exit(1)
	}

	logger, err := NewLogger(wc.Foreground, wc.Verbose, gosyslog.Priority(wc.SyslogFacility))
	if err != nil {
		os.Exit(1)
	}

	p, err := wc.resolve()
	if err != nil {
		level.Error(logger).Log(
			"message", "fatal worker configuration error",
			"error", err)
		os.Exit(1)
	}

	// The supervisor owns signal policy; the worker only ever reacts
	// to bytes on the inherited bridge.
	signal.Ignore(unix.SIGINT, unix.SIGQUIT, unix.SIGTERM, unix.SIGHUP,
		unix.SIGPIPE, unix.SIGUSR1, unix.SIGUSR2)

	os.Exit(runWorker(logger, p, []int{workerBridgeFD}))
}
