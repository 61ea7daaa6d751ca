package ice

import (
	"fmt"
	"sync"
	"time"

	"github.com/lanikai/iceagent/internal/logging"
	"github.com/pkg/errors"
)

// SessionState is the aggregate lattice of every Stream's state under a
// Session, in ascending order of progress: the overall state is the
// lowest-progress state among all streams still relevant to the caller
// (§4.9).
type SessionState int

const (
	SessionGathering SessionState = iota
	SessionChecking
	SessionSuccess
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionChecking:
		return "checking"
	case SessionSuccess:
		return "success"
	case SessionFailed:
		return "failed"
	default:
		return "gathering"
	}
}

// Session owns every Stream for one peer connection and is the sole pull
// surface the transport layer drives: ProcessIncomingData feeds received
// datagrams in, GenerateOutgoingData pulls datagrams to send out. Neither
// call blocks or spawns a goroutine (§4.9/§5).
type Session struct {
	mu      sync.Mutex
	streams map[int]*Stream
	order   []int

	idCounter stackIDCounter
	cfg       ServerConfig
	events    *Events
	log       *logging.Logger

	interfaces     []LocalInterface
	interfacesOnce sync.Once

	started time.Time
	state   SessionState
}

// NewSession creates an empty Session. cfg supplies server addresses and
// timing defaults (§6); events receives lifecycle callbacks (§6).
func NewSession(cfg ServerConfig, events *Events) *Session {
	return &Session{
		streams: make(map[int]*Stream),
		cfg:     cfg,
		events:  events,
		log:     logging.DefaultLogger.WithTag("ice.session"),
		state:   SessionGathering,
	}
}

// AddStream creates a Stream, assigning it the next stack id. controlling
// selects its initial ICE role (§3/§4.6); a Session typically sets the
// same role on every Stream it owns.
func (s *Session) AddStream(streamID int, controlling bool) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := NewStream(streamID, s.idCounter.next_(), controlling, s.cfg, s.events)
	s.streams[streamID] = stream
	s.order = append(s.order, streamID)
	return stream
}

// Stream returns the Stream with the given id, or nil.
func (s *Session) Stream(streamID int) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[streamID]
}

// Start enumerates local interfaces once and begins gathering on every
// Stream that has components but has not yet started (§4.4).
func (s *Session) Start(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	s.interfacesOnce.Do(func() {
		s.interfaces, err = EnumerateInterfaces(s.cfg)
	})
	if err != nil {
		return errors.Wrap(err, "start ice session")
	}

	s.started = now
	for _, id := range s.order {
		stream := s.streams[id]
		if stream.State == StreamEmpty {
			stream.StartGathering(now, s.interfaces)
		}
	}
	return nil
}

// ProcessIncomingData routes one received datagram to the Stream/Component
// it was read on. The caller (the owner's socket read loop, outside this
// package) is responsible for knowing which (stream, component) a given
// local socket corresponds to (§4.9).
func (s *Session) ProcessIncomingData(streamID, componentID int, data []byte, source NetworkAddress, now time.Time) error {
	s.mu.Lock()
	stream := s.streams[streamID]
	s.mu.Unlock()
	if stream == nil {
		return errors.Wrapf(errUnknownStream, "stream %d", streamID)
	}
	stream.HandleIncoming(componentID, data, source, now)
	s.recomputeState()
	return nil
}

// GenerateOutgoingData pulls the next datagram any owned Stream wants to
// send. Every call asks the streams in the same order (s.order) and
// returns the first datagram produced; there is no round-robin, so a
// stream earlier in the order is always served first. Returns (nil, 0)
// when nothing is ready.
func (s *Session) GenerateOutgoingData(now time.Time) (*ByteBuffer, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		stream := s.streams[id]
		if stream.State == StreamGathering && stream.AllGathered() {
			stream.FinishGathering()
			stream.BuildCheckList()
		}
		if buf := stream.GenerateOutgoingData(now); buf != nil {
			return buf, id
		}
	}
	s.recomputeStateLocked()
	return nil, 0
}

// SetRemoteCandidates installs the peer's candidates for a Stream, parsed
// from its SDP candidate lines (§6), and builds the check list if
// gathering has already completed locally.
func (s *Session) SetRemoteCandidates(streamID int, ufrag, password string, candidates []*Candidate) error {
	s.mu.Lock()
	stream := s.streams[streamID]
	s.mu.Unlock()
	if stream == nil {
		return errors.Wrapf(errUnknownStream, "stream %d", streamID)
	}

	stream.AddRemoteCandidates(ufrag, password, candidates)
	if stream.State == StreamChecking {
		stream.BuildCheckList()
	}
	return nil
}

// PendingApplicationData drains decapsulated relayed application payloads
// for streamID (§4.8).
func (s *Session) PendingApplicationData(streamID int) ([]*ByteBuffer, error) {
	s.mu.Lock()
	stream := s.streams[streamID]
	s.mu.Unlock()
	if stream == nil {
		return nil, errors.Wrapf(errUnknownStream, "stream %d", streamID)
	}
	return stream.PendingApplicationData(), nil
}

// InstallPermissions installs TURN permissions for every public remote
// candidate of (streamID, componentID) (§4.8), typically called once a
// Stream reaches Success and the caller knows which peers it intends to
// relay application traffic to.
func (s *Session) InstallPermissions(streamID, componentID int) error {
	s.mu.Lock()
	stream := s.streams[streamID]
	s.mu.Unlock()
	if stream == nil {
		return errors.Wrapf(errUnknownStream, "stream %d", streamID)
	}
	stream.InstallPermissions(componentID)
	return nil
}

// BindChannel requests a TURN channel binding from (streamID,
// componentID) to peer and returns the allocated channel number (§4.8).
func (s *Session) BindChannel(streamID, componentID int, peer NetworkAddress, now time.Time) (uint16, error) {
	s.mu.Lock()
	stream := s.streams[streamID]
	s.mu.Unlock()
	if stream == nil {
		return 0, errors.Wrapf(errUnknownStream, "stream %d", streamID)
	}
	return stream.BindChannel(componentID, peer, now), nil
}

// SendRelayed frames payload for delivery to peer via (streamID,
// componentID)'s TURN allocation, returning the datagram to send and the
// TURN server it must be sent to (§4.8).
func (s *Session) SendRelayed(streamID, componentID int, peer NetworkAddress, payload []byte) (*ByteBuffer, NetworkAddress, error) {
	s.mu.Lock()
	stream := s.streams[streamID]
	s.mu.Unlock()
	if stream == nil {
		return nil, NetworkAddress{}, errors.Wrapf(errUnknownStream, "stream %d", streamID)
	}
	buf, server := stream.SendRelayed(componentID, peer, payload)
	return buf, server, nil
}

// State returns the Session's current aggregate state (§4.9).
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) recomputeState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputeStateLocked()
}

// recomputeStateLocked folds every Stream's state into the Session's
// aggregate per §4.9: Failed if any stream failed, else Gathering if any
// stream is still gathering, else Checking if any stream is still
// checking, else Success.
func (s *Session) recomputeStateLocked() {
	worst := SessionSuccess
	for _, id := range s.order {
		stream := s.streams[id]
		switch stream.State {
		case StreamFailed, StreamTimeout:
			s.state = SessionFailed
			return
		case StreamGathering, StreamEmpty:
			if worst > SessionGathering {
				worst = SessionGathering
			}
		case StreamChecking:
			if worst > SessionChecking {
				worst = SessionChecking
			}
		}
	}
	s.state = worst
}

// Teardown releases every Stream's TURN allocations (§4.8/§5). The
// Session itself holds no network resources beyond what its Streams hold.
func (s *Session) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		s.streams[id].Teardown()
	}
}

// Summary renders a one-line human-readable status, used by cmd/iceagentd
// for status output (§10).
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("session state=%s streams=%d", s.state, len(s.streams))
}
