package relay

import (
	"github.com/avaropoint/relay/internal/protocol"
	"github.com/google/uuid"
)

// registeredClient pairs a transport handle with an identity and the
// ephemeral credentials issued at registration. Owned exclusively by
// the Registry; all fields are guarded by the registry lock.
type registeredClient struct {
	handle      ClientHandle
	clientID    uuid.UUID
	username    string
	password    string
	displayName string
}

func (c *registeredClient) participant() protocol.Participant {
	return protocol.Participant{ClientID: c.clientID, DisplayName: c.displayName}
}

// connection groups exactly one presenter with a set of viewers.
// Membership and properties are guarded by the registry lock; the
// info() snapshot is what leaves the lock.
type connection struct {
	id          uuid.UUID
	presenter   *registeredClient
	viewers     map[uuid.UUID]*registeredClient
	properties  protocol.ConnectionProperties
	peakViewers int
}

func newConnection(presenter *registeredClient) *connection {
	return &connection{
		id:        uuid.New(),
		presenter: presenter,
		viewers:   make(map[uuid.UUID]*registeredClient),
	}
}

// info returns an owned snapshot safe to hand to callers and
// notification fan-out after the registry lock is released.
func (c *connection) info() protocol.ConnectionInfo {
	viewers := make([]protocol.Participant, 0, len(c.viewers))
	for _, v := range c.viewers {
		viewers = append(viewers, v.participant())
	}
	return protocol.ConnectionInfo{
		ConnectionID: c.id,
		Presenter:    c.presenter.participant(),
		Viewers:      viewers,
		Properties:   copyProperties(c.properties),
	}
}

// participants returns a snapshot of every member's handle.
func (c *connection) participants() []ClientHandle {
	handles := make([]ClientHandle, 0, len(c.viewers)+1)
	handles = append(handles, c.presenter.handle)
	for _, v := range c.viewers {
		handles = append(handles, v.handle)
	}
	return handles
}

// participantClients returns a snapshot of every member.
func (c *connection) participantClients() []*registeredClient {
	out := make([]*registeredClient, 0, len(c.viewers)+1)
	out = append(out, c.presenter)
	for _, v := range c.viewers {
		out = append(out, v)
	}
	return out
}

func (c *connection) isParticipant(rc *registeredClient) bool {
	if rc == c.presenter {
		return true
	}
	_, ok := c.viewers[rc.clientID]
	return ok
}

// normalizeProperties drops blocked-viewer ids that are not currently
// present in the viewer set and de-duplicates the remainder.
func (c *connection) normalizeProperties(p protocol.ConnectionProperties) protocol.ConnectionProperties {
	out := copyProperties(p)
	if len(p.InputBlockedViewerIDs) > 0 {
		seen := make(map[uuid.UUID]struct{}, len(p.InputBlockedViewerIDs))
		blocked := out.InputBlockedViewerIDs[:0]
		for _, id := range p.InputBlockedViewerIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if _, present := c.viewers[id]; present {
				blocked = append(blocked, id)
			}
		}
		out.InputBlockedViewerIDs = blocked
	}
	return out
}

func copyProperties(p protocol.ConnectionProperties) protocol.ConnectionProperties {
	out := p
	if p.InputBlockedViewerIDs != nil {
		out.InputBlockedViewerIDs = append([]uuid.UUID(nil), p.InputBlockedViewerIDs...)
	}
	if p.AvailableDisplays != nil {
		out.AvailableDisplays = append([]protocol.DisplayInfo(nil), p.AvailableDisplays...)
	}
	return out
}
