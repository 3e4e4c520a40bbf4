package syncbroker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openmates/synccore/internal/pendingdelivery"
	"github.com/openmates/synccore/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// DeviceSession is one live WebSocket connection (spec §3 DeviceSession:
// identity `(user_id, device_fingerprint_hash)`). readPump/writePump and
// the ping/pong keepalive are grounded on the streamspace websocket
// Hub's Client.
type DeviceSession struct {
	hub  *Hub
	conn *websocket.Conn
	log  *telemetry.Logger

	userID                string
	deviceFingerprintHash string

	send chan []byte

	mu    sync.Mutex
	state SessionState

	closeOnce sync.Once
}

func newDeviceSession(hub *Hub, conn *websocket.Conn, userID, deviceFingerprintHash string, log *telemetry.Logger) *DeviceSession {
	return &DeviceSession{
		hub:                   hub,
		conn:                  conn,
		log:                   log,
		userID:                userID,
		deviceFingerprintHash: deviceFingerprintHash,
		send:                  make(chan []byte, sendBufferSize),
		state:                 StateConnecting,
	}
}

func (s *DeviceSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *DeviceSession) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// enqueue marshals and queues an outbound frame; a full send buffer
// drops the session rather than blocking the broadcaster (spec §4.4
// "if a session's send queue overflows a bounded threshold, that
// session is dropped — client will reconnect and re-sync").
func (s *DeviceSession) enqueue(ev pendingdelivery.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.enqueueRaw(b)
}

func (s *DeviceSession) enqueueError(e *errorFrame) {
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.enqueueRaw(b)
}

func (s *DeviceSession) enqueueRaw(b []byte) {
	select {
	case s.send <- b:
	default:
		s.closeLocked()
	}
}

// closeLocked closes the send channel (signalling writePump to stop)
// and drops the connection. Safe to call more than once.
func (s *DeviceSession) closeLocked() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.send)
	})
}

// writePump pumps queued frames to the WebSocket connection, pinging on
// an idle timer to keep intermediaries from closing the connection.
func (s *DeviceSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads inbound frames and hands each to dispatch until the
// connection closes, then unregisters the session from the hub.
func (s *DeviceSession) readPump(ctx context.Context, dispatch func(context.Context, *DeviceSession, []byte)) {
	defer func() {
		s.hub.unregister(s)
		s.closeLocked()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn(ctx, "syncbroker: unexpected close", map[string]any{
					"user_id": s.userID, "error": err.Error(),
				})
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		dispatch(ctx, s, msg)
	}
}
