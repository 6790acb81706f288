// Package relay implements the session registry at the heart of the
// relay server: it tracks registered clients, pairs presenters with
// viewers via credential exchange, and routes typed messages between
// the participants of a connection.
package relay

import (
	"errors"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/google/uuid"
)

// Negotiation outcomes returned by TryConnectTo. These are result
// values for the caller to present, never reasons to drop the transport.
var (
	ErrIncorrectUsernameOrPassword = errors.New("incorrect username or password")
	ErrViewerNotFound              = errors.New("viewer not found")
	ErrCannotConnectToYourself     = errors.New("cannot connect to yourself")
)

// ClientHandle is the transport-side of a registered client. The
// registry calls these from outside its lock; implementations must not
// block on slow network I/O (queue and return).
type ClientHandle interface {
	NotifyCredentials(protocol.Credentials)
	NotifyConnectionStarted(protocol.ConnectionStarted)
	NotifyConnectionChanged(protocol.ConnectionInfo)
	NotifyConnectionStopped(protocol.ConnectionStopped)
	Deliver(protocol.Delivery)
}

// History receives session lifecycle events for persistence. All
// methods are called outside the registry lock and must not block
// registry progress; implementations should buffer or write async.
type History interface {
	ClientRegistered(clientID uuid.UUID, displayName string)
	SessionStarted(connectionID, presenterClientID uuid.UUID)
	SessionEnded(connectionID uuid.UUID, peakViewers int)
	TransferLogged(transferID, connectionID uuid.UUID, fileName string, fileSize int64, state string)
}

// NopHistory discards all events.
type NopHistory struct{}

func (NopHistory) ClientRegistered(uuid.UUID, string)                            {}
func (NopHistory) SessionStarted(uuid.UUID, uuid.UUID)                           {}
func (NopHistory) SessionEnded(uuid.UUID, int)                                   {}
func (NopHistory) TransferLogged(uuid.UUID, uuid.UUID, string, int64, string) {}
