// Package wsserver hosts the duplex WebSocket endpoints: the agent
// protocol handler (registration, heartbeat, command lifecycle) and the
// observer fan-out handler. Each connection gets one reader goroutine
// (this package) and, once attached to the registry, one writer goroutine
// draining its bounded outbound queue — the same single-writer-per-socket
// discipline the reference hub uses, since concurrent WriteMessage calls
// on one *websocket.Conn are not safe.
package wsserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetcore/fleetcore/internal/apperr"
	"github.com/fleetcore/fleetcore/internal/auth"
	"github.com/fleetcore/fleetcore/internal/broadcaster"
	"github.com/fleetcore/fleetcore/internal/codec"
	"github.com/fleetcore/fleetcore/internal/dispatcher"
	"github.com/fleetcore/fleetcore/internal/logging"
	"github.com/fleetcore/fleetcore/internal/metrics"
	"github.com/fleetcore/fleetcore/internal/registry"
	"github.com/fleetcore/fleetcore/internal/store"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Server wires the registry, store, ingester, dispatcher, and broadcaster
// to the two WebSocket endpoints.
type Server struct {
	reg   *registry.Registry
	st    *store.Store
	ing   *metrics.Ingester
	disp  *dispatcher.Dispatcher
	bc    *broadcaster.Broadcaster
	authn *auth.Authenticator

	upgrader websocket.Upgrader
}

// New builds a Server.
func New(reg *registry.Registry, st *store.Store, ing *metrics.Ingester, disp *dispatcher.Dispatcher,
	bc *broadcaster.Broadcaster, authn *auth.Authenticator) *Server {
	return &Server{
		reg: reg, st: st, ing: ing, disp: disp, bc: bc, authn: authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// HandleAgent upgrades the connection and runs the agent protocol: the
// connection is not attached to the registry (and so cannot receive
// execute_command frames) until a valid node_register arrives.
func (s *Server) HandleAgent(w http.ResponseWriter, r *http.Request) {
	if !s.authn.Check(tokenFrom(r)) {
		http.Error(w, apperr.InvalidToken().Message, http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.HTTP().Warn().Err(err).Msg("agent websocket upgrade failed")
		return
	}

	peerAddr := conn.RemoteAddr().String()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var sess *registry.Session

	defer func() {
		if sess != nil {
			s.reg.Detach(sess)
		} else {
			conn.Close()
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := codec.Decode(raw)
		if err != nil {
			s.reply(conn, sess, errorEnvelope(apperr.ParseError(err)))
			continue
		}

		switch env.Type {
		case codec.TypeNodeRegister:
			if sess != nil {
				// Re-registration on the same transport: update identity only.
				s.handleReRegister(sess, env)
				continue
			}
			sess = s.handleRegister(conn, peerAddr, env)

		case codec.TypeHeartbeat:
			if sess == nil {
				s.reply(conn, sess, errorEnvelope(apperr.ValidationError("node_register must precede heartbeat")))
				continue
			}
			s.handleHeartbeat(sess, env)

		case codec.TypeCommandStarted:
			if sess == nil {
				continue
			}
			var p codec.CommandStartedPayload
			if env.DecodeData(&p) == nil {
				s.disp.HandleStarted(r.Context(), p.CommandID)
			}

		case codec.TypeCommandResult:
			if sess == nil {
				continue
			}
			var p codec.CommandResultPayload
			if env.DecodeData(&p) == nil {
				s.disp.HandleResult(r.Context(), p)
				s.disp.AckReceived(sess.NodeID, p.CommandID)
			}

		case codec.TypePing:
			reply, _ := codec.New(codec.TypePong, codec.PongPayload{})
			raw, _ := codec.Encode(reply)
			s.reply(conn, sess, raw)

		default:
			if codec.KnownType(env.Type) {
				continue // a core->agent type arriving from an agent; ignore
			}
			s.reply(conn, sess, errorEnvelope(apperr.UnknownMessageType(env.Type)))
		}
	}
}

func (s *Server) handleRegister(conn *websocket.Conn, peerAddr string, env *codec.Envelope) *registry.Session {
	var p codec.NodeRegisterPayload
	if err := env.DecodeData(&p); err != nil || p.NodeID == "" {
		writeDirect(conn, errorEnvelope(apperr.ValidationError("node_register requires a non-empty node_id")))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.st.UpsertNode(ctx, p.NodeID, store.NodeInfo{Hostname: p.Hostname, IPAddress: p.IPAddress, OSInfo: p.OSInfo}); err != nil {
		logging.HTTP().Error().Err(err).Str("node_id", p.NodeID).Msg("failed to persist registering node")
		writeDirect(conn, errorEnvelope(apperr.DatabaseError(err)))
		return nil
	}

	sess := s.reg.AttachAgent(p.NodeID, peerAddr)
	sess.OnClose(func() { conn.Close() })
	go s.writePump(conn, sess)

	resp, _ := codec.New(codec.TypeRegisterResponse, codec.RegisterResponsePayload{Success: true, NodeID: p.NodeID})
	raw, _ := codec.Encode(resp)
	sess.Send(raw)

	logging.Registry().Info().Str("node_id", p.NodeID).Str("peer", peerAddr).Msg("agent registered")
	return sess
}

func (s *Server) handleReRegister(sess *registry.Session, env *codec.Envelope) {
	var p codec.NodeRegisterPayload
	if err := env.DecodeData(&p); err != nil || p.NodeID != sess.NodeID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.st.UpsertNode(ctx, p.NodeID, store.NodeInfo{Hostname: p.Hostname, IPAddress: p.IPAddress, OSInfo: p.OSInfo}); err != nil {
		logging.HTTP().Error().Err(err).Str("node_id", p.NodeID).Msg("failed to persist re-registration")
		return
	}
	s.reg.NotifyInfoChanged(p.NodeID)
}

func (s *Server) handleHeartbeat(sess *registry.Session, env *codec.Envelope) {
	var p codec.HeartbeatPayload
	if err := env.DecodeData(&p); err != nil {
		sess.Send(errorEnvelope(apperr.ParseError(err)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ackErr := s.ing.Ingest(ctx, sess.NodeID, p.Metrics)

	ack, _ := codec.New(codec.TypeHeartbeatAck, codec.HeartbeatAckPayload{Accepted: ackErr == nil})
	raw, _ := codec.Encode(ack)
	sess.Send(raw)

	if ackErr != nil {
		sess.Send(errorEnvelope(ackErr))
	}
}

// HandleObserver upgrades the connection and attaches it immediately —
// observers have no registration handshake, just the shared secret.
func (s *Server) HandleObserver(w http.ResponseWriter, r *http.Request) {
	if !s.authn.Check(tokenFrom(r)) {
		http.Error(w, apperr.InvalidToken().Message, http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.HTTP().Warn().Err(err).Msg("observer websocket upgrade failed")
		return
	}

	peerAddr := conn.RemoteAddr().String()
	sess := s.reg.AttachObserver(peerAddr)
	sess.OnClose(func() { conn.Close() })
	defer s.reg.Detach(sess)

	go s.writePump(conn, sess)

	welcome, _ := codec.New(codec.TypeWelcome, codec.WelcomePayload{Message: "connected"})
	raw, _ := codec.Encode(welcome)
	sess.Send(raw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	nodesFrame, metricsFrame := s.bc.SnapshotFor(ctx)
	cancel()
	if nodesFrame != nil {
		sess.Send(nodesFrame)
	}
	if metricsFrame != nil {
		sess.Send(metricsFrame)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := codec.Decode(raw)
		if err != nil {
			continue
		}
		if env.Type == codec.TypePing {
			pong, _ := codec.New(codec.TypePong, codec.PongPayload{})
			raw, _ := codec.Encode(pong)
			sess.Send(raw)
		}
	}
}

// writePump drains sess.Outbound onto conn until the queue is closed
// (session torn down) or a write fails, sending periodic pings to detect
// a dead peer the reader hasn't noticed yet.
func (s *Server) writePump(conn *websocket.Conn, sess *registry.Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sess.Outbound:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeDirect(conn *websocket.Conn, frame []byte) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, frame)
}

// reply routes a frame through the session's outbound queue once the
// writer goroutine owns the connection, or writes directly while the
// connection is still pre-registration and only the reader goroutine
// touches conn.
func (s *Server) reply(conn *websocket.Conn, sess *registry.Session, frame []byte) {
	if sess != nil {
		sess.Send(frame)
		return
	}
	writeDirect(conn, frame)
}

func errorEnvelope(appErr *apperr.AppError) []byte {
	env, err := codec.New(codec.TypeError, codec.ErrorPayload{ErrorCode: appErr.Code, Message: appErr.Message})
	if err != nil {
		return nil
	}
	raw, err := codec.Encode(env)
	if err != nil {
		return nil
	}
	return raw
}
