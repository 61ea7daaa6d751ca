package ice

import (
	"encoding/base32"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// CandidateType is one of the four ICE candidate types (§3, RFC 5245
// §4.1.1).
type CandidateType int

const (
	CandidateHost CandidateType = iota
	CandidateServerReflexive
	CandidatePeerReflexive
	CandidateServerRelayed
)

func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateServerRelayed:
		return "relay"
	default:
		return "unknown"
	}
}

// Default type preferences used in the priority formula (§3).
const (
	typePrefHost             = 126
	typePrefPeerReflexive    = 110
	typePrefServerReflexive  = 100
	typePrefServerRelayed    = 0
)

func defaultTypePreference(t CandidateType) uint32 {
	switch t {
	case CandidateHost:
		return typePrefHost
	case CandidatePeerReflexive:
		return typePrefPeerReflexive
	case CandidateServerReflexive:
		return typePrefServerReflexive
	case CandidateServerRelayed:
		return typePrefServerRelayed
	default:
		return 0
	}
}

// Candidate is a local or remote transport address candidate (§3).
type Candidate struct {
	Type        CandidateType
	ComponentID int

	// Address is the external address other agents send to; Base is the
	// local interface address (for Host, Address == Base; for
	// ServerReflexive/ServerRelayed, Base is the local socket the
	// server-facing request was sent from).
	Address NetworkAddress
	Base    NetworkAddress

	Foundation       string
	Priority         uint32
	InterfacePriority uint32

	Ready  bool
	Failed bool

	// FailoverID groups candidates discovered via the same failover set
	// of configured servers (§4.4/§12): on first success, siblings with
	// the same FailoverID are cancelled.
	FailoverID string
}

// ComputePriority computes the RFC 5245 §4.1.2.1 priority:
// (type_pref<<24) | (iface_pref<<8) | (256 - component_id).
func ComputePriority(t CandidateType, ifacePref uint32, componentID int) uint32 {
	return defaultTypePreference(t)<<24 | (ifacePref&0xff)<<8 | uint32(256-componentID)
}

// ComputeFoundation derives a foundation string tying together
// candidates sharing the same type, base address, and (for
// server-reflexive/relayed) discovery server, so that success on one
// unfreezes checks on its siblings (§3, glossary). Grounded on the
// donor's fnv64+base32 scheme, generalized to also fold in the
// discovering server's address when present.
func ComputeFoundation(t CandidateType, base NetworkAddress, server NetworkAddress) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s", t, base.String())
	if !server.Empty() {
		fmt.Fprintf(h, "|%s", server.String())
	}
	sum := h.Sum(nil)
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum))[:8]
}

// NewHostCandidate builds a Host candidate bound directly to a local
// interface address.
func NewHostCandidate(componentID int, addr NetworkAddress, ifacePref uint32) *Candidate {
	c := &Candidate{
		Type:        CandidateHost,
		ComponentID: componentID,
		Address:     addr,
		Base:        addr,
		InterfacePriority: ifacePref,
	}
	c.Foundation = ComputeFoundation(c.Type, c.Base, NetworkAddress{})
	c.Priority = ComputePriority(c.Type, ifacePref, componentID)
	return c
}

// NewServerReflexiveCandidate builds a candidate discovered via a STUN
// Binding response from server, relative to base (the local socket the
// request was sent from).
func NewServerReflexiveCandidate(componentID int, mapped, base, server NetworkAddress, ifacePref uint32, failoverID string) *Candidate {
	c := &Candidate{
		Type:        CandidateServerReflexive,
		ComponentID: componentID,
		Address:     mapped,
		Base:        base,
		InterfacePriority: ifacePref,
		FailoverID:  failoverID,
	}
	c.Foundation = ComputeFoundation(c.Type, c.Base, server)
	c.Priority = ComputePriority(c.Type, ifacePref, componentID)
	return c
}

// NewServerRelayedCandidate builds a candidate for a TURN-allocated
// relay transport address.
func NewServerRelayedCandidate(componentID int, relayed, base, server NetworkAddress, ifacePref uint32, failoverID string) *Candidate {
	relayed.relayed = true
	c := &Candidate{
		Type:        CandidateServerRelayed,
		ComponentID: componentID,
		Address:     relayed,
		Base:        base,
		InterfacePriority: ifacePref,
		FailoverID:  failoverID,
	}
	c.Foundation = ComputeFoundation(c.Type, c.Base, server)
	c.Priority = ComputePriority(c.Type, ifacePref, componentID)
	return c
}

// NewPeerReflexiveCandidate synthesizes a candidate discovered from an
// incoming (§4.6) or successful (§4.7) connectivity check, using the
// priority carried on the wire rather than a locally-derived one.
func NewPeerReflexiveCandidate(componentID int, addr, base NetworkAddress, priority uint32) *Candidate {
	c := &Candidate{
		Type:        CandidatePeerReflexive,
		ComponentID: componentID,
		Address:     addr,
		Base:        base,
		Priority:    priority,
	}
	c.Foundation = ComputeFoundation(c.Type, c.Base, NetworkAddress{})
	return c
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s candidate %s (component %d, priority %d, foundation %s)",
		c.Type, c.Address, c.ComponentID, c.Priority, c.Foundation)
}

// SDPLine renders c per the candidate-line syntax of §6:
// <foundation> <component> UDP <priority> <external-ip> <external-port>
// typ <host|srflx|prflx|relay>[ raddr <base-ip> rport <base-port>]
func (c *Candidate) SDPLine() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d UDP %d %s %d typ %s",
		c.Foundation, c.ComponentID, c.Priority,
		ipOf(c.Address), c.Address.Port(), c.Type)
	if c.Type == CandidateServerReflexive || c.Type == CandidateServerRelayed || c.Type == CandidatePeerReflexive {
		if !c.Base.Empty() {
			fmt.Fprintf(&b, " raddr %s rport %d", ipOf(c.Base), c.Base.Port())
		}
	}
	return b.String()
}

func ipOf(a NetworkAddress) string {
	if a.Empty() {
		return ""
	}
	return a.IP().String()
}

// ParseCandidateSDPLine parses one candidate line as emitted by SDPLine.
// Case and whitespace are normalized before field-splitting; the
// transport token must equal UDP case-insensitively or the line is
// rejected (§6).
func ParseCandidateSDPLine(line string, componentID int) (*Candidate, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 7 {
		return nil, fmt.Errorf("malformed candidate line: %q", line)
	}
	foundation := fields[0]
	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("malformed candidate line component: %q", line)
	}
	if _, ok := normalizeProtocol(fields[2]); !ok {
		return nil, fmt.Errorf("candidate line protocol must be UDP: %q", line)
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed candidate line priority: %q", line)
	}
	addr, err := ParseNetworkAddress(fields[4]+":"+fields[5], false)
	if err != nil {
		return nil, fmt.Errorf("malformed candidate line address: %q: %w", line, err)
	}
	if !strings.EqualFold(fields[6], "typ") || len(fields) < 8 {
		return nil, fmt.Errorf("malformed candidate line type: %q", line)
	}

	var typ CandidateType
	switch strings.ToLower(fields[7]) {
	case "host":
		typ = CandidateHost
	case "srflx":
		typ = CandidateServerReflexive
	case "prflx":
		typ = CandidatePeerReflexive
	case "relay":
		typ = CandidateServerRelayed
		addr.relayed = true
	default:
		return nil, fmt.Errorf("unknown candidate type: %q", line)
	}

	c := &Candidate{
		Type:        typ,
		ComponentID: component,
		Address:     addr,
		Base:        addr,
		Foundation:  foundation,
		Priority:    uint32(priority),
		Ready:       true,
	}

	for i := 8; i+1 < len(fields); i += 2 {
		switch strings.ToLower(fields[i]) {
		case "raddr":
			base, err := ParseNetworkAddress(fields[i+1]+":0", false)
			if err == nil {
				c.Base = base
			}
		case "rport":
			port, err := strconv.Atoi(fields[i+1])
			if err == nil && !c.Base.Empty() {
				c.Base = NewNetworkAddress(c.Base.IP(), port, c.Base.Relayed())
			}
		}
	}

	_ = componentID
	return c, nil
}
