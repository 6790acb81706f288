package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/avaropoint/relay/internal/clipboard"
	"github.com/avaropoint/relay/internal/identity"
	"github.com/avaropoint/relay/internal/input"
	"github.com/avaropoint/relay/internal/propsync"
	"github.com/avaropoint/relay/internal/protocol"
	"github.com/avaropoint/relay/internal/screen"
	"github.com/avaropoint/relay/internal/transfer"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Agent is the presenter-side client. One Agent survives reconnects;
// per-connection state lives in session.
type Agent struct {
	logger       zerolog.Logger
	serverURL    string
	displayName  string
	id           *identity.Identity
	downloadsDir string
	frameRate    int

	screenHost *testPatternScreen
	injector   *hostInjector

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	session *session
}

// session is the state of one live connection where this agent is the
// presenter. It is created on connectionStarted and torn down on
// connectionStopped or transport loss.
type session struct {
	connectionID uuid.UUID
	cancel       context.CancelFunc

	router       *input.Router
	orchestrator *screen.Orchestrator
	props        *propsync.Syncer
	transfers    *transfer.Service
	clip         *clipboard.Syncer
}

func newAgent(logger zerolog.Logger, serverURL, displayName string, id *identity.Identity, downloadsDir string, frameRate int) *Agent {
	return &Agent{
		logger:       logger.With().Str("component", "agent").Logger(),
		serverURL:    serverURL,
		displayName:  displayName,
		id:           id,
		downloadsDir: downloadsDir,
		frameRate:    frameRate,
		screenHost:   newTestPatternScreen(),
		injector:     &hostInjector{logger: logger},
	}
}

// run dials the server, registers, and processes messages until the
// connection drops or ctx is cancelled.
func (a *Agent) run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.serverURL+"/ws/client", nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.serverURL, err)
	}
	a.conn = conn
	defer func() {
		a.stopSession()
		_ = conn.Close() //nolint:errcheck
	}()

	// Unblock the read loop when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close() //nolint:errcheck
		case <-done:
		}
	}()

	if err := a.sendEnvelope(protocol.TypeRegister, protocol.Registration{
		ClientID:        a.id.ClientID,
		DisplayName:     a.displayName,
		Fingerprint:     a.id.Fingerprint(),
		PublicKeyBase64: a.id.PublicKeyBase64(),
		Signature:       a.id.SignRegistration(),
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info().Msg("connected to server")

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		a.handle(ctx, msg)
	}
}

func (a *Agent) handle(ctx context.Context, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeCredentials:
		var creds protocol.Credentials
		if json.Unmarshal(msg.Payload, &creds) != nil {
			return
		}
		a.logger.Info().
			Str("username", identity.FormatUsername(creds.Username)).
			Str("password", creds.Password).
			Msg("session credentials assigned")

	case protocol.TypeConnectionStarted:
		var started protocol.ConnectionStarted
		if json.Unmarshal(msg.Payload, &started) != nil {
			return
		}
		if started.IsPresenter {
			a.startSession(ctx, started.ConnectionID)
		}

	case protocol.TypeConnectionChanged:
		var info protocol.ConnectionInfo
		if json.Unmarshal(msg.Payload, &info) != nil {
			return
		}
		a.applyConnectionInfo(info)

	case protocol.TypeConnectionStopped:
		var stopped protocol.ConnectionStopped
		if json.Unmarshal(msg.Payload, &stopped) != nil {
			return
		}
		a.mu.Lock()
		match := a.session != nil && a.session.connectionID == stopped.ConnectionID
		a.mu.Unlock()
		if match {
			a.stopSession()
		}

	case protocol.TypeDelivery:
		var delivery protocol.Delivery
		if json.Unmarshal(msg.Payload, &delivery) != nil {
			return
		}
		a.handleDelivery(delivery)

	default:
		a.logger.Debug().Str("type", msg.Type).Msg("unhandled server message")
	}
}

// startSession brings up the per-connection services. Any previous
// session is torn down first; the relay never runs two connections with
// the same presenter.
func (a *Agent) startSession(ctx context.Context, connectionID uuid.UUID) {
	a.stopSession()

	sessCtx, cancel := context.WithCancel(ctx)
	s := &session{connectionID: connectionID, cancel: cancel}

	// The router and orchestrator reference each other: the router is
	// the orchestrator's watcher source, and display switches force a
	// keyframe. The closure breaks the construction cycle.
	var orch *screen.Orchestrator
	router := input.NewRouter(a.logger, a.screenHost, a.injector, nil, func(displayID string) {
		orch.ForceKeyframe(displayID)
	})
	orch = screen.NewOrchestrator(
		a.logger,
		a.screenHost,
		&frameSink{agent: a, connectionID: connectionID},
		router,
		screen.Options{FrameRate: a.frameRate},
	)

	var fsService transfer.FileSystemService
	if fs, err := transfer.NewSandboxFS(a.downloadsDir); err == nil {
		fsService = fs
	} else {
		a.logger.Error().Err(err).Msg("sandbox filesystem unavailable")
	}

	s.router = router
	s.orchestrator = orch
	s.props = propsync.NewSyncer(
		a.logger,
		&propertySource{agent: a},
		&propertyPusher{agent: a, connectionID: connectionID},
		0,
	)
	s.transfers = transfer.NewService(
		a.logger,
		&peerSender{agent: a, connectionID: connectionID},
		fsService,
		nil,
		a.downloadsDir,
		transfer.Options{},
	)
	s.clip = clipboard.NewSyncer(
		a.logger,
		&hostClipboard{},
		&clipSender{agent: a, connectionID: connectionID},
	)

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()

	go s.orchestrator.Run(sessCtx)
	go s.props.Run(sessCtx)
	go s.transfers.Run(sessCtx)
	go s.clip.Run(sessCtx, clipboard.DefaultPollInterval)

	a.logger.Info().Str("connectionId", connectionID.String()).Msg("session started")
}

func (a *Agent) stopSession() {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()

	if s == nil {
		return
	}
	s.cancel()
	a.logger.Info().Str("connectionId", s.connectionID.String()).Msg("session stopped")
}

func (a *Agent) currentSession() *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Agent) applyConnectionInfo(info protocol.ConnectionInfo) {
	s := a.currentSession()
	if s == nil || s.connectionID != info.ConnectionID {
		return
	}
	viewers := make([]uuid.UUID, 0, len(info.Viewers))
	for _, v := range info.Viewers {
		viewers = append(viewers, v.ClientID)
	}
	s.router.SetViewers(viewers)
	s.router.SetBlocked(info.Properties.InputBlockedViewerIDs)
}

// handleDelivery routes a fanned-out message to the service owning its
// key namespace.
func (a *Agent) handleDelivery(d protocol.Delivery) {
	s := a.currentSession()
	if s == nil || s.connectionID != d.ConnectionID {
		return
	}

	switch {
	case strings.HasPrefix(d.MessageType, "input.") || strings.HasPrefix(d.MessageType, "display."):
		s.router.HandleMessage(d.SenderClientID, d.MessageType, d.Payload)
	case strings.HasPrefix(d.MessageType, "fileTransfer."):
		s.transfers.HandleMessage(d.SenderClientID, d.MessageType, d.Payload)
	case strings.HasPrefix(d.MessageType, "clipboard."):
		s.clip.Apply(d.MessageType, d.Payload)
	case d.MessageType == protocol.KeyChatMessage:
		var chat protocol.ChatMessage
		if json.Unmarshal(d.Payload, &chat) == nil {
			a.logger.Info().Str("from", chat.SenderName).Str("text", chat.Text).Msg("chat")
		}
	default:
		a.logger.Debug().Str("messageType", d.MessageType).Msg("unhandled delivery")
	}
}

// sendEnvelope marshals and writes one envelope. Writes are serialized;
// gorilla connections support one concurrent writer only.
func (a *Agent) sendEnvelope(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteJSON(protocol.Message{Type: msgType, Payload: data})
}

func (a *Agent) sendRouted(connectionID uuid.UUID, messageType string, payload json.RawMessage, dest protocol.Destination, targets []uuid.UUID) error {
	return a.sendEnvelope(protocol.TypeSend, protocol.RoutedMessage{
		ConnectionID:    connectionID,
		MessageType:     messageType,
		Payload:         payload,
		Destination:     dest,
		TargetClientIDs: targets,
	})
}

// frameSink forwards encoded frames to exactly the viewers watching the
// frame's display.
type frameSink struct {
	agent        *Agent
	connectionID uuid.UUID
}

func (f *frameSink) SendFrame(frame protocol.Frame, viewerIDs []uuid.UUID) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return f.agent.sendRouted(f.connectionID, protocol.KeyScreenFrame, data, protocol.SpecificClients, viewerIDs)
}

// peerSender addresses transfer traffic to a single peer.
type peerSender struct {
	agent        *Agent
	connectionID uuid.UUID
}

func (p *peerSender) SendTo(clientID uuid.UUID, messageType string, payload []byte) error {
	return p.agent.sendRouted(p.connectionID, messageType, payload, protocol.SpecificClients, []uuid.UUID{clientID})
}

// clipSender fans clipboard updates out to everyone else.
type clipSender struct {
	agent        *Agent
	connectionID uuid.UUID
}

func (c *clipSender) Send(messageType string, payload []byte) error {
	return c.agent.sendRouted(c.connectionID, messageType, payload, protocol.AllExceptSender, nil)
}

// propertySource snapshots the agent's shareable state.
type propertySource struct {
	agent *Agent
}

func (p *propertySource) CurrentProperties() (protocol.ConnectionProperties, error) {
	displays, err := p.agent.screenHost.Displays()
	if err != nil {
		return protocol.ConnectionProperties{}, err
	}
	props := protocol.ConnectionProperties{
		CanSendSecureAttentionSequence: p.agent.injector.CanSendSecureAttention(),
		AvailableDisplays:              displays,
	}
	// Properties replace wholesale on the relay, so the push has to carry
	// the live blocked set or it would clear it.
	if s := p.agent.currentSession(); s != nil {
		props.InputBlockedViewerIDs = s.router.Blocked()
	}
	return props, nil
}

// propertyPusher publishes a properties snapshot to the relay.
type propertyPusher struct {
	agent        *Agent
	connectionID uuid.UUID
}

func (p *propertyPusher) PushProperties(props protocol.ConnectionProperties) error {
	return p.agent.sendEnvelope(protocol.TypeSetProperties, protocol.SetPropertiesRequest{
		ConnectionID: p.connectionID,
		Properties:   props,
	})
}
