/*
Package config implements a parser for Teredo daemon configuration
represented in the TOML format: https://github.com/toml-lang/toml.

Please refer to the TOML repos for an in-depth description of the syntax.

All configuration keys live at the top level of the document.

	# RelayType selects the operational role of the daemon.
	# Supported values are "disabled", "client", "autoclient",
	# "restricted" and "cone".
	# "autoclient" is an alias for "client".
	RelayType = "client"

	# ServerAddress specifies the IPv4 address of the Teredo server to
	# qualify against.  It is required in client mode and ignored
	# otherwise.
	ServerAddress = "203.0.113.1"

	# DefaultRoute, if true, installs a default IPv6 route through the
	# tunneling interface once the client qualifies.  Client mode only.
	# The default is true.
	DefaultRoute = true

	# ServerBindAddress specifies the primary IPv4 address the Teredo
	# server binds to.  The secondary server address is derived from it.
	# Required in relay and server modes.
	ServerBindAddress = "192.0.2.1"

	# Prefix specifies the Teredo IPv6 prefix served by a relay or
	# server.  Only the high 32 bits are significant.
	# The default is the IANA-assigned Teredo prefix 2001::/32.
	Prefix = "2001::"

	# BindAddress specifies the local IPv4 address the Teredo UDP
	# socket binds to.  The default is the wildcard address.
	BindAddress = "0.0.0.0"

	# BindPort specifies the local UDP port to bind to, in host byte
	# order.  The default is 0, which selects an ephemeral port.
	# A fixed port simplifies firewalling.
	BindPort = 3545

	# InterfaceName specifies the name of the tunneling network
	# interface.  By default the kernel picks a name.
	InterfaceName = "teredo"

	# SyslogFacility selects the system log facility used when the
	# daemon runs in the background.
	# Supported values are "daemon", "user", "kern" and "local0"
	# through "local7".
	SyslogFacility = "daemon"

	# ChrootDirectory, if set, confines the worker process to the
	# given directory before it drops privileges.
	ChrootDirectory = "/var/run/miredo"

	# UnprivilegedUser names the system user the worker process runs
	# as once privileged setup is complete.  The default is "nobody".
	UnprivilegedUser = "nobody"
*/
package config

import (
	"fmt"
	"log/syslog"
	"net/netip"
	"os/user"
	"strconv"

	"github.com/pelletier/go-toml"

	"github.com/teredoproj/go-teredo/teredo"
)

// RelayMode is the operational role of the daemon.
type RelayMode int

const (
	// ModeDisabled brings the tunnel up without any Teredo service.
	ModeDisabled RelayMode = iota
	// ModeClient qualifies against a Teredo server from behind a NAT.
	ModeClient
	// ModeRestricted relays for a restricted-NAT style deployment.
	ModeRestricted
	// ModeCone relays for a cone-NAT style deployment.
	ModeCone
)

func (m RelayMode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeClient:
		return "client"
	case ModeRestricted:
		return "restricted"
	case ModeCone:
		return "cone"
	}
	panic("unhandled relay mode")
}

// ParseRelayMode maps a RelayType configuration value to a RelayMode.
func ParseRelayMode(s string) (RelayMode, error) {
	switch s {
	case "disabled":
		return ModeDisabled, nil
	case "client", "autoclient":
		return ModeClient, nil
	case "restricted":
		return ModeRestricted, nil
	case "cone":
		return ModeCone, nil
	}
	return 0, fmt.Errorf("expect 'disabled', 'client', 'autoclient', 'restricted' or 'cone'")
}

// Config carries the daemon configuration as parsed from the
// configuration file, with defaults applied for absent keys.
type Config struct {
	// Mode is the operational role parsed from RelayType.
	Mode RelayMode
	// ServerAddress is the Teredo server IPv4 address (client mode).
	ServerAddress netip.Addr
	// DefaultRoute installs ::/0 through the tunnel (client mode).
	DefaultRoute bool
	// ServerBindAddress is the primary server IPv4 address
	// (relay/server modes).
	ServerBindAddress netip.Addr
	// Prefix is the served Teredo prefix (relay/server modes).
	Prefix netip.Addr
	// BindAddress is the local IPv4 address for the Teredo UDP socket.
	BindAddress netip.Addr
	// BindPort is the local UDP port, in host byte order.
	// 0 selects an ephemeral port.
	BindPort uint16
	// InterfaceName is the requested tunnel interface name, or empty
	// for a kernel-assigned name.
	InterfaceName string
	// SyslogFacility is the facility for background logging.
	SyslogFacility syslog.Priority
	// ChrootDirectory optionally confines the worker before setuid.
	ChrootDirectory string
	// UnprivilegedUser is the user the worker runs as after setup.
	UnprivilegedUser string
}

// Default returns the daemon defaults: client mode, wildcard bind,
// ephemeral port, default route on, daemon facility, user "nobody".
func Default() *Config {
	return &Config{
		Mode:             ModeClient,
		DefaultRoute:     true,
		Prefix:           teredo.DefaultPrefix,
		BindAddress:      netip.IPv4Unspecified(),
		SyslogFacility:   syslog.LOG_DAEMON,
		UnprivilegedUser: "nobody",
	}
}

func toBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("supplied value could not be parsed as a bool")
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

// go-toml's ToMap function represents numbers as either uint64 or int64.
// So when we are converting numbers, we need to figure out which one it
// has picked and range check to ensure that the number from the config
// fits within the range of the destination type.
func toUint16(v interface{}) (uint16, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toIPv4(v interface{}) (netip.Addr, error) {
	s, err := toString(v)
	if err != nil {
		return netip.Addr{}, err
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return netip.Addr{}, fmt.Errorf("failed to parse %q as an IPv4 address", s)
	}
	return a, nil
}

func toIPv6(v interface{}) (netip.Addr, error) {
	s, err := toString(v)
	if err != nil {
		return netip.Addr{}, err
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is6() || a.Is4In6() {
		return netip.Addr{}, fmt.Errorf("failed to parse %q as an IPv6 address", s)
	}
	return a, nil
}

func toMode(v interface{}) (RelayMode, error) {
	s, err := toString(v)
	if err != nil {
		return 0, err
	}
	return ParseRelayMode(s)
}

func toFacility(v interface{}) (syslog.Priority, error) {
	s, err := toString(v)
	if err != nil {
		return 0, err
	}
	switch s {
	case "kern":
		return syslog.LOG_KERN, nil
	case "user":
		return syslog.LOG_USER, nil
	case "daemon":
		return syslog.LOG_DAEMON, nil
	}
	if len(s) == 6 && s[:5] == "local" {
		if n, err := strconv.Atoi(s[5:]); err == nil && n >= 0 && n <= 7 {
			return syslog.LOG_LOCAL0 + syslog.Priority(n)<<3, nil
		}
	}
	return 0, fmt.Errorf("unknown syslog facility %q", s)
}

func (cfg *Config) loadMap(m map[string]interface{}) error {
	haveMode := false
	for k, v := range m {
		var err error
		switch k {
		case "RelayType":
			cfg.Mode, err = toMode(v)
			haveMode = err == nil
		case "ServerAddress":
			cfg.ServerAddress, err = toIPv4(v)
		case "DefaultRoute":
			cfg.DefaultRoute, err = toBool(v)
		case "ServerBindAddress":
			cfg.ServerBindAddress, err = toIPv4(v)
		case "Prefix":
			cfg.Prefix, err = toIPv6(v)
		case "BindAddress":
			cfg.BindAddress, err = toIPv4(v)
		case "BindPort":
			cfg.BindPort, err = toUint16(v)
		case "InterfaceName":
			cfg.InterfaceName, err = toString(v)
		case "SyslogFacility":
			cfg.SyslogFacility, err = toFacility(v)
		case "ChrootDirectory":
			cfg.ChrootDirectory, err = toString(v)
		case "UnprivilegedUser":
			cfg.UnprivilegedUser, err = toString(v)
		default:
			return fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if !haveMode {
		return fmt.Errorf("missing mandatory parameter 'RelayType'")
	}
	return cfg.check()
}

// check enforces the per-mode mandatory keys once the whole document
// has been walked, so key order in the file does not matter.
func (cfg *Config) check() error {
	switch cfg.Mode {
	case ModeClient:
		if !cfg.ServerAddress.IsValid() {
			return fmt.Errorf("missing mandatory parameter 'ServerAddress'")
		}
	case ModeRestricted, ModeCone:
		if !cfg.ServerBindAddress.IsValid() {
			return fmt.Errorf("missing mandatory parameter 'ServerBindAddress'")
		}
	}
	return nil
}

func newConfig(tree *toml.Tree) (*Config, error) {
	cfg := Default()
	if err := cfg.loadMap(tree.ToMap()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from the specified file.
func LoadFile(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree)
}

// LoadString loads configuration from the specified string.
func LoadString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree)
}

// ResolveUser maps the configured unprivileged user name to a numeric
// UID via the system user database.
func ResolveUser(name string) (int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("failed to look up user %q: %v", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, fmt.Errorf("non-numeric uid %q for user %q", u.Uid, name)
	}
	return uid, nil
}
