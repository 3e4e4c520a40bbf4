package syncbroker

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/openmates/synccore/internal/pendingdelivery"
	"github.com/openmates/synccore/internal/telemetry"
)

// Server is SyncBroker's HTTP surface: the WebSocket upgrade endpoint
// plus liveness/readiness probes, grounded on the teacher's
// control-plane coordinator mux.Router + middleware-chain wiring.
type Server struct {
	hub     *Hub
	broker  *Broker
	auth    *AuthVerifier
	pending *pendingdelivery.Queue
	log     *telemetry.Logger

	upgrader websocket.Upgrader
	router   *mux.Router
	httpSrv  *http.Server
}

type ServerOptions struct {
	Addr string
	Log  *telemetry.Logger
}

func NewServer(hub *Hub, broker *Broker, auth *AuthVerifier, pending *pendingdelivery.Queue, opts ServerOptions) *Server {
	if opts.Log == nil {
		opts.Log = telemetry.Nop
	}
	s := &Server{
		hub: hub, broker: broker, auth: auth, pending: pending, log: opts.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// CheckOrigin always allows: SyncBroker is reached through
			// the same bearer-token gate every other OpenMates API uses,
			// not browser same-origin policy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	s.router = r

	addr := opts.Addr
	if addr == "" {
		addr = ":8443"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// handleWebSocket validates the bearer token, upgrades the connection,
// then walks the DeviceSession through Authenticated -> Subscribed
// (spec §4.4): queued pending-delivery events drain before the session
// is marked subscribed. The session is registered with the hub before
// the drain, so a live broadcast arriving meanwhile can be queued ahead
// of backlog events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	claims, err := s.auth.Verify(token)
	if err != nil {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "syncbroker: upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	sess := newDeviceSession(s.hub, conn, claims.UserID, claims.DeviceFingerprintHash, s.log)
	sess.setState(StateAuthenticated)
	s.hub.register(sess)

	go sess.writePump()

	for _, ev := range s.pending.Drain(claims.UserID) {
		sess.enqueue(ev)
	}
	sess.setState(StateSubscribed)

	sess.readPump(context.Background(), s.broker.Dispatch)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return r.URL.Query().Get("access_token")
}

// Run serves until ctx is cancelled, then shuts down gracefully: stop
// accepting new connections, close every live session so readPump loops
// exit and unregister from the hub.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.closeAllSessions()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) closeAllSessions() {
	for _, sess := range s.hub.Sessions() {
		sess.closeLocked()
		_ = sess.conn.Close()
	}
}
