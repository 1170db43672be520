// Package config manages netstackd configuration using koanf/v2.
//
// Supports YAML files, environment variables, and compiled-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete netstackd configuration.
type Config struct {
	Interface InterfaceConfig `koanf:"interface"`
	ARP       ARPConfig       `koanf:"arp"`
	ICMP      ICMPConfig      `koanf:"icmp"`
	Driver    DriverConfig    `koanf:"driver"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
}

// InterfaceConfig describes the local identity of the stack's one
// interface.
type InterfaceConfig struct {
	// MAC is the interface's link-layer address, colon-hex (e.g.
	// "02:00:00:00:00:01").
	MAC string `koanf:"mac"`

	// IPv4 is the interface's IPv4 address, dotted-quad.
	IPv4 string `koanf:"ipv4"`

	// IPv6Seed is accepted for configuration-file symmetry but is always
	// overwritten at startup by the EUI-64 address derived from MAC; the
	// stack has no manual IPv6 addressing mode.
	IPv6Seed string `koanf:"ipv6_seed"`

	// MTU bounds the largest IPv4 datagram transmitted before
	// fragmentation kicks in.
	MTU int `koanf:"mtu"`
}

// ARPConfig holds the ARP table and pending-queue timing parameters.
type ARPConfig struct {
	// TimeoutSec is how long a learned IPv4-to-MAC mapping stays valid.
	TimeoutSec int `koanf:"timeout_sec"`

	// MinIntervalSec bounds how often an unresolved destination is
	// re-requested.
	MinIntervalSec int `koanf:"min_interval_sec"`
}

// ICMPConfig holds ping-related timing parameters.
type ICMPConfig struct {
	// EchoRecordTTLSec is how long an outstanding echo request is
	// tracked before being given up on.
	EchoRecordTTLSec int `koanf:"echo_record_ttl_sec"`
}

// DriverConfig selects and configures the link-layer transport.
type DriverConfig struct {
	// Kind is "raw" (AF_PACKET on the named interface) or "replay" (an
	// in-memory driver that only receives frames injected into it).
	Kind string `koanf:"kind"`

	// IfName is the OS network interface name, used only when Kind is
	// "raw".
	IfName string `koanf:"ifname"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MACBytes parses InterfaceConfig.MAC into a 6-byte array.
func (ic InterfaceConfig) MACBytes() ([6]byte, error) {
	var mac [6]byte
	hw, err := net.ParseMAC(ic.MAC)
	if err != nil {
		return mac, fmt.Errorf("parse interface.mac %q: %w", ic.MAC, err)
	}
	if len(hw) != 6 {
		return mac, fmt.Errorf("interface.mac %q: %w", ic.MAC, ErrMACNotEUI48)
	}
	copy(mac[:], hw)
	return mac, nil
}

// IPv4Bytes parses InterfaceConfig.IPv4 into a 4-byte array.
func (ic InterfaceConfig) IPv4Bytes() ([4]byte, error) {
	var ip [4]byte
	addr := net.ParseIP(ic.IPv4)
	v4 := addr.To4()
	if v4 == nil {
		return ip, fmt.Errorf("parse interface.ipv4 %q: %w", ic.IPv4, ErrInvalidIPv4)
	}
	copy(ip[:], v4)
	return ip, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults,
// matching the timing constants this stack has always used.
func DefaultConfig() *Config {
	return &Config{
		Interface: InterfaceConfig{
			MAC:  "02:00:00:00:00:01",
			IPv4: "192.0.2.1",
			MTU:  1500,
		},
		ARP: ARPConfig{
			TimeoutSec:     60,
			MinIntervalSec: 5,
		},
		ICMP: ICMPConfig{
			EchoRecordTTLSec: 5,
		},
		Driver: DriverConfig{
			Kind: "raw",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ARPTimeout returns the configured ARP table entry lifetime as a
// time.Duration.
func (c *Config) ARPTimeout() time.Duration {
	return time.Duration(c.ARP.TimeoutSec) * time.Second
}

// ARPMinInterval returns the configured ARP re-request throttle as a
// time.Duration.
func (c *Config) ARPMinInterval() time.Duration {
	return time.Duration(c.ARP.MinIntervalSec) * time.Second
}

// EchoRecordTTL returns the configured outstanding-ping lifetime as a
// time.Duration.
func (c *Config) EchoRecordTTL() time.Duration {
	return time.Duration(c.ICMP.EchoRecordTTLSec) * time.Second
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for netstackd configuration.
// Variables are named NETSTACKD_<section>_<key>, e.g., NETSTACKD_ARP_TIMEOUT_SEC.
const envPrefix = "NETSTACKD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (NETSTACKD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	NETSTACKD_INTERFACE_MAC       -> interface.mac
//	NETSTACKD_INTERFACE_IPV4      -> interface.ipv4
//	NETSTACKD_ARP_TIMEOUT_SEC     -> arp.timeout_sec
//	NETSTACKD_ARP_MIN_INTERVAL_SEC -> arp.min_interval_sec
//	NETSTACKD_DRIVER_KIND         -> driver.kind
//	NETSTACKD_METRICS_ADDR        -> metrics.addr
//	NETSTACKD_LOG_LEVEL           -> log.level
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms NETSTACKD_ARP_TIMEOUT_SEC -> arp.timeout_sec.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return s
	}
	return parts[0] + "." + parts[1]
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"interface.mac":             defaults.Interface.MAC,
		"interface.ipv4":            defaults.Interface.IPv4,
		"interface.ipv6_seed":       defaults.Interface.IPv6Seed,
		"interface.mtu":             defaults.Interface.MTU,
		"arp.timeout_sec":           defaults.ARP.TimeoutSec,
		"arp.min_interval_sec":      defaults.ARP.MinIntervalSec,
		"icmp.echo_record_ttl_sec":  defaults.ICMP.EchoRecordTTLSec,
		"driver.kind":               defaults.Driver.Kind,
		"driver.ifname":             defaults.Driver.IfName,
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidMTU indicates the interface MTU is out of range.
	ErrInvalidMTU = errors.New("interface.mtu must be > 0")

	// ErrInvalidARPTimeout indicates the ARP table timeout is invalid.
	ErrInvalidARPTimeout = errors.New("arp.timeout_sec must be > 0")

	// ErrInvalidDriverKind indicates an unrecognized driver.kind value.
	ErrInvalidDriverKind = errors.New("driver.kind must be raw or replay")

	// ErrMACNotEUI48 indicates a parsed MAC address was not 6 bytes.
	ErrMACNotEUI48 = errors.New("mac address must be EUI-48")

	// ErrInvalidIPv4 indicates interface.ipv4 did not parse as IPv4.
	ErrInvalidIPv4 = errors.New("invalid IPv4 address")
)

// ValidDriverKinds lists the recognized driver.kind strings.
var ValidDriverKinds = map[string]bool{
	"raw":    true,
	"replay": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if cfg.Interface.MTU <= 0 {
		return ErrInvalidMTU
	}
	if cfg.ARP.TimeoutSec <= 0 {
		return ErrInvalidARPTimeout
	}
	if !ValidDriverKinds[cfg.Driver.Kind] {
		return fmt.Errorf("driver.kind %q: %w", cfg.Driver.Kind, ErrInvalidDriverKind)
	}
	if _, err := cfg.Interface.MACBytes(); err != nil {
		return err
	}
	if _, err := cfg.Interface.IPv4Bytes(); err != nil {
		return err
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
