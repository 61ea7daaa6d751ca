package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/lanikai/iceagent/internal/ice"
	"github.com/lanikai/iceagent/internal/iceconfig"
	"github.com/lanikai/iceagent/internal/logging"
	"github.com/lanikai/iceagent/internal/sdp"
)

var log = logging.DefaultLogger.WithTag("iceagentd")

const streamID = 0

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}
	if flagListen == "" && flagConnect == "" {
		fmt.Fprintln(os.Stderr, "one of --listen or --connect is required")
		os.Exit(1)
	}

	_, serverCfg, err := iceconfig.Load(flagConfig)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	g := color.New(color.FgGreen)
	y := color.New(color.FgYellow)
	r := color.New(color.FgRed)

	events := &ice.Events{
		OnGathered: func(id int) { y.Printf("stream %d: gathering complete\n", id) },
		OnSuccess:  func(id int) { g.Printf("stream %d: connectivity established\n", id) },
		OnFailed:   func(id int, code int) { r.Printf("stream %d: failed (%d)\n", id, code) },
	}

	session := ice.NewSession(serverCfg, events)
	stream := session.AddStream(streamID, flagControlling)

	conns := make(map[int]*net.UDPConn, flagComponents)
	for i := 0; i < flagComponents; i++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
		if err != nil {
			log.Fatalf("opening component %d socket: %v", i, err)
		}
		defer conn.Close()

		port := conn.LocalAddr().(*net.UDPAddr).Port
		conns[i] = conn
		stream.AddComponent(i, port, 0, componentTag(i))
		log.Info("component %d bound to local port %d", i, port)
	}

	if err := session.Start(time.Now()); err != nil {
		log.Fatalf("starting session: %v", err)
	}

	incoming := make(chan incomingDatagram, 64)
	for id, conn := range conns {
		go readLoop(id, conn, incoming)
	}

	conn, err := negotiate(session, stream)
	if err != nil {
		log.Fatalf("signaling: %v", err)
	}
	defer conn.Close()

	pumpSession(session, conns, incoming, serverCfg.TickInterval, serverCfg.SessionTimeout)
}

func componentTag(i int) string {
	if i == 0 {
		return "rtp"
	}
	if i == 1 {
		return "rtcp"
	}
	return fmt.Sprintf("component-%d", i)
}

// negotiate trades a local SDP offer/answer with the peer over the
// signaling WebSocket, installs the peer's candidates on stream, and
// returns the signaling connection (kept open only so defer can close
// it; no further messages are exchanged after this point).
func negotiate(session *ice.Session, stream *ice.Stream) (*websocket.Conn, error) {
	local := buildOfferSDP(stream, flagComponents)

	if flagListen != "" {
		conn, err := listenForOffer(flagListen)
		if err != nil {
			return nil, err
		}
		if err := sendSDP(conn, "offer", local.String()); err != nil {
			return nil, errors.Wrap(err, "sending offer")
		}
		remoteText, err := recvSDP(conn, "answer")
		if err != nil {
			return nil, errors.Wrap(err, "receiving answer")
		}
		if err := installRemoteSDP(session, remoteText); err != nil {
			return nil, err
		}
		return conn, nil
	}

	conn, err := dialAnswerer(flagConnect)
	if err != nil {
		return nil, err
	}
	remoteText, err := recvSDP(conn, "offer")
	if err != nil {
		return nil, errors.Wrap(err, "receiving offer")
	}
	if err := installRemoteSDP(session, remoteText); err != nil {
		return nil, err
	}
	if err := sendSDP(conn, "answer", local.String()); err != nil {
		return nil, errors.Wrap(err, "sending answer")
	}
	return conn, nil
}

func buildOfferSDP(stream *ice.Stream, components int) *sdp.Session {
	s := &sdp.Session{
		Version: 0,
		Origin: sdp.Origin{
			Username:    "-",
			SessionId:   "0",
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     "0.0.0.0",
		},
		Name: "iceagentd",
	}
	for i := 0; i < components; i++ {
		m := sdp.Media{
			Type:  "application",
			Port:  9,
			Proto: "UDP",
		}
		stream.AppendStreamAttributes(&m, i)
		s.Media = append(s.Media, m)
	}
	return s
}

func installRemoteSDP(session *ice.Session, text string) error {
	remote, err := sdp.ParseSession(text)
	if err != nil {
		return errors.Wrap(err, "parsing remote SDP")
	}
	for i, m := range remote.Media {
		ufrag, password, candidates := ice.ParseStreamAttributes(&m, i)
		if err := session.SetRemoteCandidates(streamID, ufrag, password, candidates); err != nil {
			return errors.Wrapf(err, "installing remote candidates for component %d", i)
		}
	}
	return nil
}

type incomingDatagram struct {
	component int
	data      []byte
	source    ice.NetworkAddress
}

// readLoop blocks on conn.ReadFromUDP, converts each datagram to an
// incomingDatagram, and pushes it to out. It never touches the Session
// directly, keeping the pull-based core free of internal goroutines.
func readLoop(component int, conn *net.UDPConn, out chan<- incomingDatagram) {
	buf := make([]byte, 1500)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		out <- incomingDatagram{
			component: component,
			data:      data,
			source:    ice.NewNetworkAddress(addr.IP, addr.Port, false),
		}
	}
}

// pumpSession is the single-threaded driver loop: it alternates between
// draining GenerateOutgoingData and handling datagrams from readLoop,
// logging the session summary on a tick whenever the session state has
// changed (§4.9). The session-level timeout
// of §4.4 (choose_defaults, onGathered/onFailed, Stream -> Timeout) is
// enforced inside the ice core itself, surfacing here as SessionFailed;
// watchdogDeadline (timeout + 5s) is only a safety valve for a session
// that has not reached Success or Failed by then.
func pumpSession(session *ice.Session, conns map[int]*net.UDPConn, incoming <-chan incomingDatagram, tick, timeout time.Duration) {
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	watchdogDeadline := time.Now().Add(timeout + 5*time.Second)
	lastStatus := ice.SessionGathering

	for {
		select {
		case dg := <-incoming:
			now := time.Now()
			if err := session.ProcessIncomingData(streamID, dg.component, dg.data, dg.source, now); err != nil {
				log.Warn("processing incoming datagram: %v", err)
			}
			drainOutgoing(session, conns)

		case now := <-ticker.C:
			drainOutgoing(session, conns)

			if state := session.State(); state != lastStatus {
				lastStatus = state
				log.Info("%s", session.Summary())
			}
			if session.State() == ice.SessionSuccess || session.State() == ice.SessionFailed {
				return
			}
			if now.After(watchdogDeadline) {
				log.Warn("session watchdog expired without reaching a terminal state")
				return
			}
		}
	}
}

func drainOutgoing(session *ice.Session, conns map[int]*net.UDPConn) {
	now := time.Now()
	for {
		buf, _ := session.GenerateOutgoingData(now)
		if buf == nil {
			return
		}
		conn, ok := conns[buf.Component]
		if !ok {
			continue
		}
		if _, err := conn.WriteToUDP(buf.Bytes(), buf.Remote.UDPAddr()); err != nil {
			log.Warn("writing datagram for component %d: %v", buf.Component, err)
		}
	}
}
