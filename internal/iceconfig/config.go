// Package iceconfig loads the server/timing configuration an ice.Session
// needs (§6) from a YAML file, environment variables, or both, grounded
// on the viper pattern used elsewhere in this codebase's ecosystem.
package iceconfig

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lanikai/iceagent/internal/ice"
	"github.com/spf13/viper"
)

// DefaultConfigPath is where Load looks for a config file if none is
// given explicitly.
const DefaultConfigPath = "/etc/iceagent/iceagent.yaml"

// Config is the on-disk/env representation of ice.ServerConfig: plain
// strings, milliseconds and seconds rather than NetworkAddress/time.Duration, so it
// round-trips cleanly through YAML and environment variables.
type Config struct {
	StunServers []string `mapstructure:"stun_servers" yaml:"stun_servers"`

	UseIPv4 bool `mapstructure:"use_ipv4" yaml:"use_ipv4"`
	UseIPv6 bool `mapstructure:"use_ipv6" yaml:"use_ipv6"`

	Mode string `mapstructure:"mode" yaml:"mode"`

	TurnServers    []string `mapstructure:"turn_servers" yaml:"turn_servers"`
	TurnUsername   string   `mapstructure:"turn_username" yaml:"turn_username"`
	TurnPassword   string   `mapstructure:"turn_password" yaml:"turn_password"`
	TurnLifetime   int      `mapstructure:"turn_lifetime_seconds" yaml:"turn_lifetime_seconds"`

	SkipRelayedChecks bool `mapstructure:"skip_relayed_checks" yaml:"skip_relayed_checks"`

	SessionTimeoutMillis    int `mapstructure:"session_timeout_ms" yaml:"session_timeout_ms"`
	TickIntervalMillis      int `mapstructure:"tick_interval_ms" yaml:"tick_interval_ms"`
	InitialRTOMillis        int `mapstructure:"initial_rto_ms" yaml:"initial_rto_ms"`
	KeepaliveIntervalMillis int `mapstructure:"keepalive_interval_ms" yaml:"keepalive_interval_ms"`

	FallbackTargetIP string `mapstructure:"fallback_target_ip" yaml:"fallback_target_ip"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Load reads configuration from configPath (DefaultConfigPath if empty),
// overridden by ICEAGENT_-prefixed environment variables, and returns
// both the raw Config and the ice.ServerConfig it resolves to.
func Load(configPath string) (*Config, ice.ServerConfig, error) {
	v := viper.New()

	v.SetDefault("use_ipv4", true)
	v.SetDefault("use_ipv6", false)
	v.SetDefault("mode", "stun")
	v.SetDefault("stun_servers", []string{"stun.l.google.com:19302"})
	v.SetDefault("turn_lifetime_seconds", 600)
	v.SetDefault("session_timeout_ms", 8000)
	v.SetDefault("tick_interval_ms", 5)
	v.SetDefault("initial_rto_ms", 100)
	v.SetDefault("keepalive_interval_ms", 5000)
	v.SetDefault("fallback_target_ip", "8.8.8.8")
	v.SetDefault("log_level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("ICEAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"stun_servers":          "ICEAGENT_STUN_SERVERS",
		"turn_servers":          "ICEAGENT_TURN_SERVERS",
		"turn_username":         "ICEAGENT_TURN_USERNAME",
		"turn_password":         "ICEAGENT_TURN_PASSWORD",
		"mode":                  "ICEAGENT_MODE",
		"use_ipv4":              "ICEAGENT_USE_IPV4",
		"use_ipv6":              "ICEAGENT_USE_IPV6",
		"fallback_target_ip":    "ICEAGENT_FALLBACK_TARGET_IP",
		"log_level":             "ICEAGENT_LOG_LEVEL",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// No config file; rely on env vars and defaults.
		} else if os.IsNotExist(err) {
			// viper sometimes wraps this differently than *os.PathError.
		} else {
			return nil, ice.ServerConfig{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, ice.ServerConfig{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, ice.ServerConfig{}, fmt.Errorf("config validation: %w", err)
	}

	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, ice.ServerConfig{}, fmt.Errorf("resolving config: %w", err)
	}
	return &cfg, resolved, nil
}

// Validate checks that required fields are present and well-formed.
func (c *Config) Validate() error {
	switch c.Mode {
	case "stun", "turn", "both":
	default:
		return fmt.Errorf("mode must be one of stun, turn, both, got %q", c.Mode)
	}
	if c.Mode != "stun" && len(c.TurnServers) == 0 {
		return fmt.Errorf("turn_servers is required when mode is %q", c.Mode)
	}
	if !c.UseIPv4 && !c.UseIPv6 {
		return fmt.Errorf("at least one of use_ipv4, use_ipv6 must be true")
	}
	return nil
}

// Resolve parses every server address and unit into the ice.ServerConfig
// the core package actually consumes.
func (c *Config) Resolve() (ice.ServerConfig, error) {
	out := ice.DefaultServerConfig()
	out.UseIPv4 = c.UseIPv4
	out.UseIPv6 = c.UseIPv6
	out.TurnUsername = c.TurnUsername
	out.TurnPassword = c.TurnPassword
	out.FallbackTargetIP = c.FallbackTargetIP
	out.SkipRelayedChecks = c.SkipRelayedChecks

	switch c.Mode {
	case "stun":
		out.Mode = ice.ModeStunOnly
	case "turn":
		out.Mode = ice.ModeTurnOnly
	case "both":
		out.Mode = ice.ModeBoth
	}

	for _, s := range c.StunServers {
		addr, err := resolveHostPort(s)
		if err != nil {
			return ice.ServerConfig{}, fmt.Errorf("stun server %q: %w", s, err)
		}
		out.StunServersV4 = append(out.StunServersV4, addr)
	}
	for _, s := range c.TurnServers {
		addr, err := resolveHostPort(s)
		if err != nil {
			return ice.ServerConfig{}, fmt.Errorf("turn server %q: %w", s, err)
		}
		out.TurnServersV4 = append(out.TurnServersV4, addr)
	}

	if c.TurnLifetime > 0 {
		out.TurnLifetime = time.Duration(c.TurnLifetime) * time.Second
	}
	if c.SessionTimeoutMillis > 0 {
		out.SessionTimeout = time.Duration(c.SessionTimeoutMillis) * time.Millisecond
	}
	if c.TickIntervalMillis > 0 {
		out.TickInterval = time.Duration(c.TickIntervalMillis) * time.Millisecond
	}
	if c.InitialRTOMillis > 0 {
		out.InitialRTO = time.Duration(c.InitialRTOMillis) * time.Millisecond
	}
	if c.KeepaliveIntervalMillis > 0 {
		out.KeepaliveInterval = time.Duration(c.KeepaliveIntervalMillis) * time.Millisecond
	}
	return out, nil
}

// resolveHostPort turns a "host:port" server address, host possibly a
// DNS name, into a NetworkAddress. ParseNetworkAddress only accepts IP
// literals, so a plain DNS lookup happens here first.
func resolveHostPort(hostport string) (ice.NetworkAddress, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return ice.NetworkAddress{}, fmt.Errorf("split host:port: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ice.NetworkAddress{}, fmt.Errorf("bad port: %w", err)
	}

	if ip := net.ParseIP(host); ip != nil {
		return ice.NewNetworkAddress(ip, port, false), nil
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return ice.NetworkAddress{}, fmt.Errorf("resolve %q: %w", host, err)
	}
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			continue
		}
		return ice.NewNetworkAddress(ip, port, false), nil
	}
	if len(ips) > 0 {
		if ip := net.ParseIP(ips[0]); ip != nil {
			return ice.NewNetworkAddress(ip, port, false), nil
		}
	}
	return ice.NetworkAddress{}, fmt.Errorf("no address found for %q", host)
}
