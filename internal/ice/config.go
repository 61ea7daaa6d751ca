package ice

import "time"

// Mode selects whether a Stream gathers via STUN, TURN, or both (§6).
type Mode int

const (
	ModeStunOnly Mode = iota
	ModeTurnOnly
	ModeBoth
)

// ServerConfig carries the server/timing configuration surface of §6.
// internal/iceconfig loads one of these from YAML/env/flags via viper;
// this struct is what the core actually consumes.
type ServerConfig struct {
	StunServersV4 []NetworkAddress
	StunServersV6 []NetworkAddress

	UseIPv4 bool
	UseIPv6 bool

	Mode Mode

	TurnServersV4  []NetworkAddress
	TurnUsername   string
	TurnPassword   string
	TurnLifetime   time.Duration

	SessionTimeout    time.Duration
	TickInterval      time.Duration
	InitialRTO        time.Duration
	KeepaliveInterval time.Duration

	// SkipRelayedChecks configures the check list to omit every pair
	// whose local or remote candidate is relayed, the third
	// pair-rejection rule of §4.5, for deployments that never want to
	// spend connectivity checks over a TURN relay.
	SkipRelayedChecks bool

	// FallbackTargetIP is used only to compute the best source
	// interface for the default candidate (§4.4/§12); no packet is sent
	// to it.
	FallbackTargetIP string
}

// DefaultServerConfig returns a ServerConfig with every default named in
// §6: 8000ms session timeout, 5ms tick interval, 100ms initial RTO,
// 5000ms keepalive interval, fallback target 8.8.8.8.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		UseIPv4:           true,
		Mode:              ModeStunOnly,
		TurnLifetime:      600 * time.Second,
		SessionTimeout:    8000 * time.Millisecond,
		TickInterval:      5 * time.Millisecond,
		InitialRTO:        100 * time.Millisecond,
		KeepaliveInterval: 5000 * time.Millisecond,
		FallbackTargetIP:  "8.8.8.8",
	}
}
