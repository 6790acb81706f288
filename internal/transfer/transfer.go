// Package transfer implements the chunked, flow-controlled file
// transfer engine: symmetric send/receive state machines over an
// asynchronous message channel, plus the service layer that tracks
// live transfers and serializes confirmation prompts.
package transfer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the life-cycle position of one transfer.
type State int32

const (
	StatePending State = iota
	StateWaitingForAcceptance
	StateTransferring
	StateCompleted
	StateFailed
	StateCancelled
	StateRejected
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateRejected:
		return true
	}
	return false
}

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateWaitingForAcceptance:
		return "waitingForAcceptance"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

const (
	// DefaultChunkSize is the fixed read/write unit.
	DefaultChunkSize = 256 * 1024

	// DefaultBytesPerSecond caps streaming bandwidth at 2 MB/s (decimal,
	// so a full chunk's budget is 131ms). The throttle is a fixed
	// per-chunk interval, not a bursty token bucket.
	DefaultBytesPerSecond = 2_000_000

	// DefaultBrowseTimeout bounds directory-browse round trips.
	DefaultBrowseTimeout = 10 * time.Second
)

// Options tunes the engine. Zero values take the defaults above.
type Options struct {
	ChunkSize         int
	BytesPerSecond    int
	RequireAcceptance bool
	BrowseTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.BytesPerSecond <= 0 {
		o.BytesPerSecond = DefaultBytesPerSecond
	}
	if o.BrowseTimeout <= 0 {
		o.BrowseTimeout = DefaultBrowseTimeout
	}
	return o
}

// MessageSender queues a routed transfer message to the peer of a
// transfer. Implementations must be safe for concurrent use and should
// not block on slow networks.
type MessageSender interface {
	Send(messageType string, payload []byte) error
}

// machine guards state transitions. State reads are lock-free so
// progress displays on other tasks never contend with the transfer's
// own flow.
type machine struct {
	state  atomic.Int32
	mu     sync.Mutex
	errMsg string
}

// State returns the current life-cycle position.
func (m *machine) State() State { return State(m.state.Load()) }

// ErrorMessage returns the human-readable failure reason, empty unless
// the transfer failed.
func (m *machine) ErrorMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMsg
}

// transition moves to the target state if the current state is one of
// from. Every public entry point is guarded by this check; illegal
// transitions are no-ops.
func (m *machine) transition(to State, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := State(m.state.Load())
	for _, f := range from {
		if cur == f {
			m.state.Store(int32(to))
			return true
		}
	}
	return false
}

func (m *machine) fail(message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := State(m.state.Load())
	if cur.Terminal() {
		return false
	}
	m.state.Store(int32(StateFailed))
	m.errMsg = message
	return true
}

// Info is a read-only snapshot of a transfer for progress display.
type Info struct {
	TransferID   uuid.UUID
	FileName     string
	FileSize     int64
	TotalChunks  int
	ChunksDone   int
	State        State
	ErrorMessage string
}

// Progress is the completed fraction in [0,1].
func (i Info) Progress() float64 {
	if i.TotalChunks == 0 {
		return 0
	}
	return float64(i.ChunksDone) / float64(i.TotalChunks)
}
