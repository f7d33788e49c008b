package miredo

import (
	"bytes"
	gosyslog "log/syslog"
	"os"
	"os/exec"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/teredoproj/go-teredo/config"
)

// Supervisor runs the parse-fork-wait generations: each generation
// parses the configuration afresh, spawns one worker process, and
// decides between exiting, reloading, and crash-restarting once the
// worker returns.
type Supervisor struct {
	configPath string
	foreground bool
	verbose    bool
	logger     log.Logger
	facility   gosyslog.Priority
}

// NewSupervisor creates a supervisor for the given configuration file.
// In foreground mode logging goes to stderr instead of the system log.
func NewSupervisor(configPath string, foreground, verbose bool) (*Supervisor, error) {
	s := &Supervisor{
		configPath: configPath,
		foreground: foreground,
		verbose:    verbose,
		facility:   gosyslog.LOG_DAEMON,
	}
	logger, err := NewLogger(foreground, verbose, s.facility)
	if err != nil {
		return nil, err
	}
	s.logger = logger
	return s, nil
}

// Run executes supervisor generations until one of them decides on an
// exit code.
func (s *Supervisor) Run() int {
	for {
		bridge, err := NewSignalBridge()
		if err != nil {
			level.Error(s.logger).Log(
				"message", "pipe failed",
				"error", err)
			return 1
		}

		cfg, err := config.LoadFile(s.configPath)
		if err != nil {
			level.Error(s.logger).Log(
				"message", "loading configuration failed",
				"path", s.configPath,
				"error", err)
			bridge.Close()
			return 1
		}

		// Apply a syslog facility change if needed.
		if !s.foreground && cfg.SyslogFacility != s.facility {
			if logger, err := NewLogger(false, s.verbose, cfg.SyslogFacility); err == nil {
				s.logger = logger
				s.facility = cfg.SyslogFacility
			}
		}

		uid, err := config.ResolveUser(cfg.UnprivilegedUser)
		if err != nil {
			level.Error(s.logger).Log(
				"message", "fatal configuration error",
				"error", err)
			bridge.Close()
			return 1
		}

		cmd, err := s.spawnWorker(newWorkerConfig(cfg, uid, s.foreground, s.verbose), bridge)
		if err != nil {
			level.Error(s.logger).Log(
				"message", "starting the worker process failed",
				"error", err)
			bridge.Close()
			return 1
		}

		// Waits until the worker process terminates.
		werr := cmd.Wait()
		bridge.Close()

		if sig := bridge.ExitSignal(); sig != 0 {
			level.Info(s.logger).Log(
				"message", "exiting on signal",
				"signal", unix.SignalName(syscall.Signal(sig)))
			return 0
		}
		if sig := bridge.ReloadSignal(); sig != 0 {
			level.Info(s.logger).Log(
				"message", "reloading configuration on signal",
				"signal", unix.SignalName(syscall.Signal(sig)))
			continue
		}

		state := cmd.ProcessState
		if state == nil {
			level.Error(s.logger).Log(
				"message", "waiting for the worker process failed",
				"error", werr)
			return 1
		}
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			level.Info(s.logger).Log(
				"message", "child killed by signal",
				"pid", state.Pid(),
				"signal", unix.SignalName(ws.Signal()))
			continue
		}

		code := state.ExitCode()
		level.Info(s.logger).Log(
			"message", "terminated",
			"exit_code", code)
		if code != 0 {
			return 1
		}
		return 0
	}
}

func (s *Supervisor) spawnWorker(wc *WorkerConfig, bridge *SignalBridge) (*exec.Cmd, error) {
	data, err := wc.marshal()
	if err != nil {
		return nil, err
	}

	cmd := reexec.Command(workerCommand)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{bridge.ReadFile()}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}
