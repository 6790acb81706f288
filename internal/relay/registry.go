package relay

import (
	"sync"

	"github.com/avaropoint/relay/internal/identity"
	"github.com/avaropoint/relay/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Routing drop reasons. Misrouted messages are dropped silently on the
// wire (no error to the sender, to avoid leaking session existence) but
// each reason is counted and logged distinctly so an unexpectedly hot
// drop path is visible to operators.
const (
	dropSenderUnregistered = "sender_unregistered"
	dropUnknownConnection  = "unknown_connection"
	dropNotParticipant     = "not_participant"
	dropEmptyTargets       = "empty_targets"
)

// Registry owns all registered clients and live connections. It is safe
// for concurrent use; membership mutations serialize on one lock while
// notification fan-out always happens after the lock is released, so
// registry state never waits on network I/O.
//
// ClientHandle values are used as map keys and must therefore be
// comparable (pointer implementations are).
type Registry struct {
	logger  zerolog.Logger
	history History

	mu          sync.Mutex
	clients     map[ClientHandle]*registeredClient
	byUsername  map[string]*registeredClient
	connections map[uuid.UUID]*connection
	drops       map[string]uint64
}

// NewRegistry creates an empty registry. history may be nil.
func NewRegistry(logger zerolog.Logger, history History) *Registry {
	if history == nil {
		history = NopHistory{}
	}
	return &Registry{
		logger:      logger.With().Str("component", "registry").Logger(),
		history:     history,
		clients:     make(map[ClientHandle]*registeredClient),
		byUsername:  make(map[string]*registeredClient),
		connections: make(map[uuid.UUID]*connection),
		drops:       make(map[string]uint64),
	}
}

// Register stores a new client and issues it ephemeral credentials.
// The username is regenerated until unique among live registrations.
// The handle is notified of its credentials before Register returns.
func (r *Registry) Register(h ClientHandle, clientID uuid.UUID, displayName string) (username, password string, err error) {
	password, err = identity.GeneratePassword()
	if err != nil {
		return "", "", err
	}

	r.mu.Lock()
	for {
		username, err = identity.GenerateUsername()
		if err != nil {
			r.mu.Unlock()
			return "", "", err
		}
		if _, taken := r.byUsername[username]; !taken {
			break
		}
	}

	rc := &registeredClient{
		handle:      h,
		clientID:    clientID,
		username:    username,
		password:    password,
		displayName: displayName,
	}
	r.clients[h] = rc
	r.byUsername[username] = rc
	r.mu.Unlock()

	r.logger.Info().
		Str("clientID", clientID.String()).
		Str("displayName", displayName).
		Msg("client registered")

	r.history.ClientRegistered(clientID, displayName)
	h.NotifyCredentials(protocol.Credentials{ClientID: clientID, Username: username, Password: password})
	return username, password, nil
}

// GenerateNewPassword replaces the password of a registered client and
// re-notifies it. No-op if the handle is unknown.
func (r *Registry) GenerateNewPassword(h ClientHandle) error {
	password, err := identity.GeneratePassword()
	if err != nil {
		return err
	}

	r.mu.Lock()
	rc, ok := r.clients[h]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	rc.password = password
	creds := protocol.Credentials{ClientID: rc.clientID, Username: rc.username, Password: password}
	r.mu.Unlock()

	h.NotifyCredentials(creds)
	return nil
}

// Unregister removes a client. Idempotent. If the client presents any
// live connections they are torn down (every viewer gets
// ConnectionStopped); connections it merely views lose that one viewer.
func (r *Registry) Unregister(h ClientHandle) {
	var notify []func()

	r.mu.Lock()
	rc, ok := r.clients[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, h)
	delete(r.byUsername, rc.username)

	for _, conn := range r.connections {
		switch {
		case conn.presenter == rc:
			notify = append(notify, r.teardownLocked(conn)...)
		case conn.isParticipant(rc):
			notify = append(notify, r.removeViewerLocked(conn, rc)...)
		}
	}
	r.mu.Unlock()

	r.logger.Info().Str("clientID", rc.clientID.String()).Msg("client unregistered")
	for _, fn := range notify {
		fn()
	}
}

// TryConnectTo pairs the requester, as a viewer, with the presenter
// whose credentials match. A nil return means the pairing succeeded.
// Failure order: bad credentials, unregistered requester, self-connect.
func (r *Registry) TryConnectTo(h ClientHandle, username, password string) error {
	username = identity.NormalizeUsername(username)

	var notify []func()

	r.mu.Lock()
	target, ok := r.byUsername[username]
	if !ok || !identity.PasswordsMatch(target.password, password) {
		r.mu.Unlock()
		return ErrIncorrectUsernameOrPassword
	}
	requester, ok := r.clients[h]
	if !ok {
		r.mu.Unlock()
		return ErrViewerNotFound
	}
	if requester == target {
		r.mu.Unlock()
		return ErrCannotConnectToYourself
	}

	conn := r.connectionOfPresenterLocked(target)
	created := conn == nil
	if created {
		conn = newConnection(target)
		r.connections[conn.id] = conn
	} else if conn.isParticipant(requester) {
		// Already a viewer of this presenter; nothing to do.
		r.mu.Unlock()
		return nil
	}

	conn.viewers[requester.clientID] = requester
	if len(conn.viewers) > conn.peakViewers {
		conn.peakViewers = len(conn.viewers)
	}

	info := conn.info()
	participants := conn.participants()
	presenterHandle := conn.presenter.handle
	presenterID := conn.presenter.clientID
	r.mu.Unlock()

	if created {
		r.history.SessionStarted(info.ConnectionID, presenterID)
		notify = append(notify, func() {
			presenterHandle.NotifyConnectionStarted(protocol.ConnectionStarted{ConnectionID: info.ConnectionID, IsPresenter: true})
		})
	}
	notify = append(notify, func() {
		h.NotifyConnectionStarted(protocol.ConnectionStarted{ConnectionID: info.ConnectionID, IsPresenter: false})
	})
	for _, p := range participants {
		p := p
		notify = append(notify, func() { p.NotifyConnectionChanged(info) })
	}

	r.logger.Info().
		Str("connectionID", info.ConnectionID.String()).
		Str("presenter", presenterID.String()).
		Int("viewers", len(info.Viewers)).
		Bool("created", created).
		Msg("viewer connected")

	for _, fn := range notify {
		fn()
	}
	return nil
}

// DisconnectFromConnection removes the requester from a connection.
// A presenter tears the whole connection down; a viewer only leaves.
// Unknown handles or connections are no-ops.
func (r *Registry) DisconnectFromConnection(h ClientHandle, connectionID uuid.UUID) {
	var notify []func()

	r.mu.Lock()
	rc, ok := r.clients[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn, ok := r.connections[connectionID]
	if !ok || !conn.isParticipant(rc) {
		r.mu.Unlock()
		return
	}
	if conn.presenter == rc {
		notify = r.teardownLocked(conn)
	} else {
		notify = r.removeViewerLocked(conn, rc)
	}
	r.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// SendMessage routes a typed payload within a connection according to
// destination. Misrouted sends are dropped silently (see drop reasons).
func (r *Registry) SendMessage(h ClientHandle, connectionID uuid.UUID, messageType string, payload []byte, destination protocol.Destination, targetClientIDs []uuid.UUID) {
	r.mu.Lock()
	sender, ok := r.clients[h]
	if !ok {
		r.dropLocked(dropSenderUnregistered, messageType)
		r.mu.Unlock()
		return
	}
	conn, ok := r.connections[connectionID]
	if !ok {
		r.dropLocked(dropUnknownConnection, messageType)
		r.mu.Unlock()
		return
	}
	if !conn.isParticipant(sender) {
		r.dropLocked(dropNotParticipant, messageType)
		r.mu.Unlock()
		return
	}

	var recipients []ClientHandle
	switch destination {
	case protocol.PresenterOnly:
		recipients = []ClientHandle{conn.presenter.handle}
	case protocol.AllViewers:
		for _, v := range conn.viewers {
			recipients = append(recipients, v.handle)
		}
	case protocol.AllExceptSender:
		for _, p := range conn.participantClients() {
			if p != sender {
				recipients = append(recipients, p.handle)
			}
		}
	case protocol.SpecificClients:
		if len(targetClientIDs) == 0 {
			r.dropLocked(dropEmptyTargets, messageType)
			r.mu.Unlock()
			return
		}
		seen := make(map[uuid.UUID]struct{}, len(targetClientIDs))
		for _, id := range targetClientIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			// Unknown target ids are silently skipped.
			if conn.presenter.clientID == id {
				recipients = append(recipients, conn.presenter.handle)
			} else if v, ok := conn.viewers[id]; ok {
				recipients = append(recipients, v.handle)
			}
		}
	}
	senderID := sender.clientID
	r.mu.Unlock()

	delivery := protocol.Delivery{
		ConnectionID:   connectionID,
		SenderClientID: senderID,
		MessageType:    messageType,
		Payload:        payload,
	}
	for _, rcp := range recipients {
		rcp.Deliver(delivery)
	}
}

// SetConnectionProperties replaces the shared properties of a
// connection. Only the presenter may call this; blocked-viewer ids are
// normalized to the set of actually present viewers. Accepted updates
// broadcast ConnectionChanged to every participant.
func (r *Registry) SetConnectionProperties(h ClientHandle, connectionID uuid.UUID, properties protocol.ConnectionProperties) {
	r.mu.Lock()
	rc, ok := r.clients[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn, ok := r.connections[connectionID]
	if !ok || conn.presenter != rc {
		r.mu.Unlock()
		return
	}
	conn.properties = conn.normalizeProperties(properties)
	info := conn.info()
	participants := conn.participants()
	r.mu.Unlock()

	for _, p := range participants {
		p.NotifyConnectionChanged(info)
	}
}

// SetDisplayName renames a client and re-broadcasts ConnectionChanged
// on every connection it participates in.
func (r *Registry) SetDisplayName(h ClientHandle, displayName string) {
	type broadcast struct {
		info    protocol.ConnectionInfo
		handles []ClientHandle
	}
	var broadcasts []broadcast

	r.mu.Lock()
	rc, ok := r.clients[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	rc.displayName = displayName
	for _, conn := range r.connections {
		if conn.isParticipant(rc) {
			broadcasts = append(broadcasts, broadcast{info: conn.info(), handles: conn.participants()})
		}
	}
	r.mu.Unlock()

	for _, b := range broadcasts {
		for _, p := range b.handles {
			p.NotifyConnectionChanged(b.info)
		}
	}
}

// Connections returns owned snapshots of every live connection.
func (r *Registry) Connections() []protocol.ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ConnectionInfo, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn.info())
	}
	return out
}

// ClientCount reports the number of registered clients.
func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// DropCounts returns a copy of the per-reason routing drop counters.
func (r *Registry) DropCounts() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.drops))
	for k, v := range r.drops {
		out[k] = v
	}
	return out
}

// teardownLocked removes a connection entirely and returns the deferred
// ConnectionStopped notifications for every participant.
func (r *Registry) teardownLocked(conn *connection) []func() {
	delete(r.connections, conn.id)
	stopped := protocol.ConnectionStopped{ConnectionID: conn.id}
	handles := conn.participants()
	peak := conn.peakViewers
	id := conn.id

	notify := make([]func(), 0, len(handles)+1)
	notify = append(notify, func() { r.history.SessionEnded(id, peak) })
	for _, p := range handles {
		p := p
		notify = append(notify, func() { p.NotifyConnectionStopped(stopped) })
	}
	return notify
}

// removeViewerLocked removes one viewer and returns the deferred
// notifications: ConnectionStopped for the leaver, ConnectionChanged
// for everyone remaining.
func (r *Registry) removeViewerLocked(conn *connection, rc *registeredClient) []func() {
	delete(conn.viewers, rc.clientID)
	stopped := protocol.ConnectionStopped{ConnectionID: conn.id}
	info := conn.info()
	remaining := conn.participants()
	leaver := rc.handle

	notify := make([]func(), 0, len(remaining)+1)
	notify = append(notify, func() { leaver.NotifyConnectionStopped(stopped) })
	for _, p := range remaining {
		p := p
		notify = append(notify, func() { p.NotifyConnectionChanged(info) })
	}
	return notify
}

func (r *Registry) connectionOfPresenterLocked(rc *registeredClient) *connection {
	for _, conn := range r.connections {
		if conn.presenter == rc {
			return conn
		}
	}
	return nil
}

func (r *Registry) dropLocked(reason, messageType string) {
	r.drops[reason]++
	r.logger.Debug().
		Str("reason", reason).
		Str("messageType", messageType).
		Msg("routed message dropped")
}
