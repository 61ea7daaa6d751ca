package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanikai/iceagent/internal/logging"
)

var sigLog = logging.DefaultLogger.WithTag("signaling")

// wsMessage is the envelope carried over the signaling socket: just
// enough to tell the two demo peers apart from an SDP body, following
// the {type, payload} envelope convention used elsewhere in this
// ecosystem's WebSocket signaling.
type wsMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// listenForOffer starts a one-shot WebSocket server at addr/path,
// accepts a single connection, and returns it once the peer has
// connected. The connection is handed to the caller for the rest of the
// offer/answer exchange.
func listenForOffer(addr string) (*websocket.Conn, error) {
	connCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/signal", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- fmt.Errorf("upgrade signaling connection: %w", err)
			return
		}
		connCh <- conn
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("signaling server: %w", err)
		}
	}()

	sigLog.Info("waiting for peer to connect on %s/signal", addr)
	select {
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, err
	}
}

// dialAnswerer dials a peer's signaling WebSocket server at url.
func dialAnswerer(url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server %s: %w", url, err)
	}
	return conn, nil
}

// sendSDP writes one SDP body over conn, tagged with msgType ("offer" or
// "answer").
func sendSDP(conn *websocket.Conn, msgType, sdp string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	return conn.WriteJSON(wsMessage{Type: msgType, SDP: sdp})
}

// recvSDP blocks until a peer's SDP body of the expected type arrives.
func recvSDP(conn *websocket.Conn, wantType string) (string, error) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return "", fmt.Errorf("reading signaling message: %w", err)
		}
		if msg.Type != wantType {
			sigLog.Warn("ignoring unexpected signaling message type %q, want %q", msg.Type, wantType)
			continue
		}
		return msg.SDP, nil
	}
}
