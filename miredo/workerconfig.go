package miredo

import (
	"fmt"
	"net/netip"

	"github.com/pelletier/go-toml"

	"github.com/teredoproj/go-teredo/config"
)

// WorkerConfig is the immutable record the supervisor hands to the
// worker process.  It crosses the process boundary as TOML on the
// worker's standard input, so every field is a wire-friendly type.
type WorkerConfig struct {
	Mode            string `toml:"mode"`
	InterfaceName   string `toml:"interface_name"`
	Prefix          string `toml:"prefix"`
	ServerAddress   string `toml:"server_address"`
	BindAddress     string `toml:"bind_address"`
	BindPort        uint16 `toml:"bind_port"`
	DefaultRoute    bool   `toml:"default_route"`
	ChrootDirectory string `toml:"chroot_directory"`
	UnprivilegedUID int    `toml:"unprivileged_uid"`
	SyslogFacility  int    `toml:"syslog_facility"`
	Foreground      bool   `toml:"foreground"`
	Verbose         bool   `toml:"verbose"`
}

func newWorkerConfig(cfg *config.Config, uid int, foreground, verbose bool) *WorkerConfig {
	wc := &WorkerConfig{
		Mode:            cfg.Mode.String(),
		InterfaceName:   cfg.InterfaceName,
		Prefix:          cfg.Prefix.String(),
		BindPort:        cfg.BindPort,
		DefaultRoute:    cfg.DefaultRoute,
		ChrootDirectory: cfg.ChrootDirectory,
		UnprivilegedUID: uid,
		SyslogFacility:  int(cfg.SyslogFacility),
		Foreground:      foreground,
		Verbose:         verbose,
	}
	if cfg.BindAddress.IsValid() {
		wc.BindAddress = cfg.BindAddress.String()
	}
	// server_v4 doubles as the remote server (client) and the local
	// server bind address (relay/server), as in the worker record.
	if cfg.Mode == config.ModeClient {
		wc.ServerAddress = cfg.ServerAddress.String()
	} else if cfg.ServerBindAddress.IsValid() {
		wc.ServerAddress = cfg.ServerBindAddress.String()
	}
	return wc
}

func (wc *WorkerConfig) marshal() ([]byte, error) {
	data, err := toml.Marshal(wc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal the worker configuration: %v", err)
	}
	return data, nil
}

func parseWorkerConfig(data []byte) (*WorkerConfig, error) {
	wc := &WorkerConfig{}
	if err := toml.Unmarshal(data, wc); err != nil {
		return nil, fmt.Errorf("failed to parse the worker configuration: %v", err)
	}
	return wc, nil
}

// workerParams is the worker-side view of the record, with addresses
// resolved back into their value types.
type workerParams struct {
	mode         config.RelayMode
	ifname       string
	prefix       netip.Addr
	server       netip.Addr
	bind         netip.Addr
	bindPort     uint16
	defaultRoute bool
	chrootDir    string
	uid          int
}

func (wc *WorkerConfig) resolve() (*workerParams, error) {
	mode, err := config.ParseRelayMode(wc.Mode)
	if err != nil {
		return nil, fmt.Errorf("bad worker mode %q: %v", wc.Mode, err)
	}

	p := &workerParams{
		mode:         mode,
		ifname:       wc.InterfaceName,
		bindPort:     wc.BindPort,
		defaultRoute: wc.DefaultRoute,
		chrootDir:    wc.ChrootDirectory,
		uid:          wc.UnprivilegedUID,
	}

	if p.prefix, err = netip.ParseAddr(wc.Prefix); err != nil {
		return nil, fmt.Errorf("bad worker prefix %q: %v", wc.Prefix, err)
	}
	if wc.ServerAddress != "" {
		if p.server, err = netip.ParseAddr(wc.ServerAddress); err != nil {
			return nil, fmt.Errorf("bad worker server address %q: %v", wc.ServerAddress, err)
		}
	}
	if wc.BindAddress != "" {
		if p.bind, err = netip.ParseAddr(wc.BindAddress); err != nil {
			return nil, fmt.Errorf("bad worker bind address %q: %v", wc.BindAddress, err)
		}
	}
	return p, nil
}
