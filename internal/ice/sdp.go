package ice

import (
	"github.com/lanikai/iceagent/internal/sdp"
)

// This file carries ICE's SDP attributes (RFC 8839/draft-ietf-mmusic-
// ice-sip-sdp) on top of the generic codec in internal/sdp: ice-ufrag,
// ice-pwd, and one candidate line per gathered candidate (§6). The
// generic Session/Media/Attribute types stay transport-agnostic; this
// file is where ICE semantics get attached to them.
const (
	attrIceUfrag    = "ice-ufrag"
	attrIcePwd      = "ice-pwd"
	attrCandidate   = "candidate"
	attrEndOfCands  = "end-of-candidates"
)

// AppendStreamAttributes adds ice-ufrag, ice-pwd, and one candidate line
// per local candidate of componentID onto m, in the order SDPLine would
// render them (§6). Call once gathering has produced every candidate you
// intend to advertise; typically after FinishGathering.
func (s *Stream) AppendStreamAttributes(m *sdp.Media, componentID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Attributes = append(m.Attributes,
		sdp.Attribute{Key: attrIceUfrag, Value: s.LocalUfrag},
		sdp.Attribute{Key: attrIcePwd, Value: s.LocalPassword},
	)
	for _, c := range s.local {
		if c.ComponentID != componentID || !c.Ready {
			continue
		}
		m.Attributes = append(m.Attributes, sdp.Attribute{Key: attrCandidate, Value: c.SDPLine()})
	}
	m.Attributes = append(m.Attributes, sdp.Attribute{Key: attrEndOfCands})
}

// ParseStreamAttributes extracts ice-ufrag, ice-pwd, and every candidate
// line from m, for componentID, as produced by a peer's
// AppendStreamAttributes (§6). Malformed candidate lines are skipped
// rather than aborting the whole parse, matching the tolerant-parse
// posture of the rest of the SDP layer.
func ParseStreamAttributes(m *sdp.Media, componentID int) (ufrag, password string, candidates []*Candidate) {
	ufrag = m.GetAttr(attrIceUfrag)
	password = m.GetAttr(attrIcePwd)
	for _, a := range m.Attributes {
		if a.Key != attrCandidate {
			continue
		}
		c, err := ParseCandidateSDPLine(a.Value, componentID)
		if err != nil {
			continue
		}
		c.ComponentID = componentID
		candidates = append(candidates, c)
	}
	return ufrag, password, candidates
}
