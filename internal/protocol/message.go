// Package protocol defines the shared message types and constants
// used for communication between the relay server, presenters, and viewers.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope for all WebSocket messages exchanged
// between clients and the relay server.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope types exchanged between a client and the relay server.
const (
	// Client → server.
	TypeRegister       = "register"
	TypeConnect        = "connect"
	TypeDisconnect     = "disconnect"
	TypeSend           = "send"
	TypeSetProperties  = "setProperties"
	TypeSetDisplayName = "setDisplayName"
	TypeNewPassword    = "newPassword"

	// Server → client.
	TypeCredentials       = "credentials"
	TypeConnectResult     = "connectResult"
	TypeConnectionStarted = "connectionStarted"
	TypeConnectionChanged = "connectionChanged"
	TypeConnectionStopped = "connectionStopped"
	TypeDelivery          = "message"
)

// Routed message-type keys carried inside TypeSend/TypeDelivery envelopes.
// The namespace is open: receivers dispatch by exact string match and
// ignore (but log) unknown keys.
const (
	KeyScreenFrame = "screen.frame"

	KeyDisplaySwitch = "display.switch"
	KeyDisplayCycle  = "display.cycle"

	KeyInputMouseMove  = "input.mouseMove"
	KeyInputMouseDown  = "input.mouseDown"
	KeyInputMouseUp    = "input.mouseUp"
	KeyInputMouseWheel = "input.mouseWheel"
	KeyInputKeyDown    = "input.keyDown"
	KeyInputKeyUp      = "input.keyUp"
	KeyInputSAS        = "input.secureAttention"

	KeyTransferSendRequest = "fileTransfer.sendRequest"
	KeyTransferResponse    = "fileTransfer.response"
	KeyTransferChunk       = "fileTransfer.chunk"
	KeyTransferComplete    = "fileTransfer.complete"
	KeyTransferCancel      = "fileTransfer.cancel"
	KeyTransferError       = "fileTransfer.error"
	KeyBrowseRequest       = "fileTransfer.browseRequest"
	KeyBrowseResponse      = "fileTransfer.browseResponse"

	KeyClipboardText  = "clipboard.text"
	KeyClipboardImage = "clipboard.image"

	KeyChatMessage = "chat.message"
)

// Destination selects the fan-out rule applied by the relay when
// routing a message within a connection.
type Destination string

const (
	PresenterOnly   Destination = "presenterOnly"
	AllViewers      Destination = "allViewers"
	SpecificClients Destination = "specificClients"
	AllExceptSender Destination = "allExceptSender"
)

// Registration is sent by a client right after the transport connects.
// Signature proves the sender holds the private key behind PublicKey
// and Fingerprint; the server rejects registrations that fail the check.
type Registration struct {
	ClientID        uuid.UUID `json:"client_id"`
	DisplayName     string    `json:"display_name,omitempty"`
	Fingerprint     string    `json:"fingerprint,omitempty"`
	PublicKeyBase64 string    `json:"public_key_base64,omitempty"`
	Signature       string    `json:"signature,omitempty"`
}

// Credentials notifies a client of its assigned ephemeral credentials.
type Credentials struct {
	ClientID uuid.UUID `json:"client_id"`
	Username string    `json:"username"`
	Password string    `json:"password"`
}

// ConnectRequest asks the relay to pair the sender with the presenter
// owning the given credentials.
type ConnectRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ConnectResult carries the outcome of a ConnectRequest. Error is empty
// on success.
type ConnectResult struct {
	Error string `json:"error,omitempty"`
}

// DisconnectRequest asks the relay to remove the sender from a connection
// (or tear it down, when the sender is the presenter).
type DisconnectRequest struct {
	ConnectionID uuid.UUID `json:"connection_id"`
}

// RoutedMessage is the client → server half of message routing.
type RoutedMessage struct {
	ConnectionID    uuid.UUID       `json:"connection_id"`
	MessageType     string          `json:"message_type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Destination     Destination     `json:"destination"`
	TargetClientIDs []uuid.UUID     `json:"target_client_ids,omitempty"`
}

// Delivery is the server → client half of message routing.
type Delivery struct {
	ConnectionID   uuid.UUID       `json:"connection_id"`
	SenderClientID uuid.UUID       `json:"sender_client_id"`
	MessageType    string          `json:"message_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ConnectionStarted notifies a client that it became a participant.
type ConnectionStarted struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	IsPresenter  bool      `json:"is_presenter"`
}

// ConnectionStopped notifies a client that it is no longer a participant.
type ConnectionStopped struct {
	ConnectionID uuid.UUID `json:"connection_id"`
}

// Participant describes one member of a connection.
type Participant struct {
	ClientID    uuid.UUID `json:"client_id"`
	DisplayName string    `json:"display_name,omitempty"`
}

// ConnectionInfo is the snapshot broadcast on every membership or
// property change.
type ConnectionInfo struct {
	ConnectionID uuid.UUID            `json:"connection_id"`
	Presenter    Participant          `json:"presenter"`
	Viewers      []Participant        `json:"viewers"`
	Properties   ConnectionProperties `json:"properties"`
}

// SetPropertiesRequest updates the shared properties of a connection.
// Only the presenter may send it.
type SetPropertiesRequest struct {
	ConnectionID uuid.UUID            `json:"connection_id"`
	Properties   ConnectionProperties `json:"properties"`
}

// SetDisplayNameRequest renames the sending client.
type SetDisplayNameRequest struct {
	DisplayName string `json:"display_name"`
}

// ChatMessage is a routed chat line.
type ChatMessage struct {
	SenderName string    `json:"sender_name"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sent_at"`
}

// ClipboardText is a routed clipboard text update.
type ClipboardText struct {
	Text string `json:"text"`
}

// ClipboardImage is a routed clipboard bitmap update (PNG bytes).
type ClipboardImage struct {
	Data []byte `json:"data"`
}
