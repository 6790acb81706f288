package main

import (
	"encoding/json"
	"sync"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// sendQueueSize bounds the per-client outbound queue. A client that
// cannot drain this many messages is too slow to keep; further
// messages to it are dropped rather than blocking the registry.
const sendQueueSize = 256

// wsClient adapts one websocket connection to relay.ClientHandle.
// All Notify/Deliver calls enqueue onto the writer pump and return
// immediately, so registry fan-out never waits on the network.
type wsClient struct {
	logger zerolog.Logger
	conn   *websocket.Conn

	send      chan protocol.Message
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSClient(logger zerolog.Logger, conn *websocket.Conn) *wsClient {
	return &wsClient{
		logger: logger.With().Str("component", "client").Str("remote", conn.RemoteAddr().String()).Logger(),
		conn:   conn,
		send:   make(chan protocol.Message, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// writePump serializes all writes to the websocket.
func (c *wsClient) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// queueMessage marshals and enqueues one envelope, dropping it when the
// client is too slow or already gone.
func (c *wsClient) queueMessage(msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Str("messageType", msgType).Msg("marshal outbound message")
		return
	}
	select {
	case c.send <- protocol.Message{Type: msgType, Payload: data}:
	case <-c.closed:
	default:
		c.logger.Warn().Str("messageType", msgType).Msg("send queue full, message dropped")
	}
}

// relay.ClientHandle implementation.

func (c *wsClient) NotifyCredentials(creds protocol.Credentials) {
	c.queueMessage(protocol.TypeCredentials, creds)
}

func (c *wsClient) NotifyConnectionStarted(started protocol.ConnectionStarted) {
	c.queueMessage(protocol.TypeConnectionStarted, started)
}

func (c *wsClient) NotifyConnectionChanged(info protocol.ConnectionInfo) {
	c.queueMessage(protocol.TypeConnectionChanged, info)
}

func (c *wsClient) NotifyConnectionStopped(stopped protocol.ConnectionStopped) {
	c.queueMessage(protocol.TypeConnectionStopped, stopped)
}

func (c *wsClient) Deliver(delivery protocol.Delivery) {
	c.queueMessage(protocol.TypeDelivery, delivery)
}
