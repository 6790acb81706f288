package main

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/avaropoint/relay/internal/identity"
	"github.com/avaropoint/relay/internal/protocol"
	"github.com/avaropoint/relay/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// registrationTimeout is how long the server waits for the client's
// initial registration message after the WebSocket handshake.
const registrationTimeout = 30 * time.Second

// Server accepts client websockets and feeds them into the registry.
type Server struct {
	logger   zerolog.Logger
	registry *relay.Registry
	history  relay.History
	upgrader websocket.Upgrader
}

// NewServer creates a new Server instance. history may be nil.
func NewServer(logger zerolog.Logger, registry *relay.Registry, history relay.History) *Server {
	if history == nil {
		history = relay.NopHistory{}
	}
	return &Server{
		logger:   logger.With().Str("component", "server").Logger(),
		registry: registry,
		history:  history,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// handleClient manages the lifecycle of one client connection: upgrade,
// registration handshake, then the message loop until disconnect.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	// Read registration message.
	_ = conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != protocol.TypeRegister {
		_ = conn.Close()
		return
	}
	var reg protocol.Registration
	if err := json.Unmarshal(msg.Payload, &reg); err != nil {
		_ = conn.Close()
		return
	}
	if err := identity.VerifyRegistration(reg.ClientID, reg.Fingerprint, reg.PublicKeyBase64, reg.Signature); err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("registration proof rejected")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	client := newWSClient(s.logger, conn)
	go client.writePump()

	if _, _, err := s.registry.Register(client, reg.ClientID, reg.DisplayName); err != nil {
		s.logger.Error().Err(err).Msg("registration failed")
		client.close()
		return
	}

	defer func() {
		s.registry.Unregister(client)
		client.close()
		s.logger.Info().Str("clientID", reg.ClientID.String()).Str("remote", r.RemoteAddr).Msg("client disconnected")
	}()

	s.logger.Info().Str("clientID", reg.ClientID.String()).Str("remote", r.RemoteAddr).Msg("client connected")

	// Client message loop.
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		s.dispatch(client, msg)
	}
}

// dispatch handles one client message. Panics are contained here: one
// malformed message must never tear down the registry or the session.
func (s *Server) dispatch(client *wsClient, msg protocol.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().
				Interface("panic", rec).
				Str("messageType", msg.Type).
				Bytes("stack", debug.Stack()).
				Msg("panic while dispatching client message")
		}
	}()

	switch msg.Type {
	case protocol.TypeConnect:
		var req protocol.ConnectRequest
		if json.Unmarshal(msg.Payload, &req) != nil {
			return
		}
		var result protocol.ConnectResult
		if err := s.registry.TryConnectTo(client, req.Username, req.Password); err != nil {
			result.Error = err.Error()
		}
		client.queueMessage(protocol.TypeConnectResult, result)

	case protocol.TypeDisconnect:
		var req protocol.DisconnectRequest
		if json.Unmarshal(msg.Payload, &req) != nil {
			return
		}
		s.registry.DisconnectFromConnection(client, req.ConnectionID)

	case protocol.TypeSend:
		var req protocol.RoutedMessage
		if json.Unmarshal(msg.Payload, &req) != nil {
			return
		}
		s.logTransferEvents(req)
		s.registry.SendMessage(client, req.ConnectionID, req.MessageType, req.Payload, req.Destination, req.TargetClientIDs)

	case protocol.TypeSetProperties:
		var req protocol.SetPropertiesRequest
		if json.Unmarshal(msg.Payload, &req) != nil {
			return
		}
		s.registry.SetConnectionProperties(client, req.ConnectionID, req.Properties)

	case protocol.TypeSetDisplayName:
		var req protocol.SetDisplayNameRequest
		if json.Unmarshal(msg.Payload, &req) != nil {
			return
		}
		s.registry.SetDisplayName(client, req.DisplayName)

	case protocol.TypeNewPassword:
		if err := s.registry.GenerateNewPassword(client); err != nil {
			s.logger.Error().Err(err).Msg("password regeneration failed")
		}

	default:
		s.logger.Debug().Str("messageType", msg.Type).Msg("unknown client message ignored")
	}
}

// logTransferEvents records transfer metadata passing through the
// relay. Payloads stay opaque except for the handful of transfer keys
// whose shape the protocol package already defines.
func (s *Server) logTransferEvents(req protocol.RoutedMessage) {
	switch req.MessageType {
	case protocol.KeyTransferSendRequest:
		var tr protocol.TransferSendRequest
		if json.Unmarshal(req.Payload, &tr) == nil {
			s.history.TransferLogged(tr.TransferID, req.ConnectionID, tr.FileName, tr.FileSize, "requested")
		}
	case protocol.KeyTransferComplete:
		var tc protocol.TransferComplete
		if json.Unmarshal(req.Payload, &tc) == nil {
			s.history.TransferLogged(tc.TransferID, req.ConnectionID, "", 0, "completed")
		}
	case protocol.KeyTransferCancel:
		var tc protocol.TransferCancel
		if json.Unmarshal(req.Payload, &tc) == nil {
			s.history.TransferLogged(tc.TransferID, req.ConnectionID, "", 0, "cancelled")
		}
	case protocol.KeyTransferError:
		var te protocol.TransferError
		if json.Unmarshal(req.Payload, &te) == nil {
			s.history.TransferLogged(te.TransferID, req.ConnectionID, "", 0, "failed")
		}
	}
}

// handleListConnections returns a JSON snapshot of live connections.
func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.Connections()) //nolint:errcheck
}
