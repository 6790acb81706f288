package transfer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PeerSender queues a routed transfer message to a specific client of
// the current connection.
type PeerSender interface {
	SendTo(clientID uuid.UUID, messageType string, payload []byte) error
}

// earlyCancelTTL bounds how long a cancel that outran its own send
// request is remembered.
const earlyCancelTTL = time.Minute

// ConfirmFunc decides whether an incoming transfer is accepted. It may
// block on user interaction; the service guarantees at most one
// outstanding call at a time, in arrival order.
type ConfirmFunc func(ctx context.Context, peerID uuid.UUID, req protocol.TransferSendRequest) bool

// BrowseResult is the outcome of a remote directory browse. A timed-out
// request resolves with TimedOut set rather than hanging.
type BrowseResult struct {
	Entries  []protocol.BrowseEntry
	Err      string
	TimedOut bool
}

// Service owns the live send and receive operations of one client. It
// serializes confirmation prompts, reconciles cancel messages that
// arrive before their operation exists, and correlates directory-browse
// round trips.
type Service struct {
	logger  zerolog.Logger
	peers   PeerSender
	fs      FileSystemService
	confirm ConfirmFunc
	destDir string
	opts    Options

	mu            sync.Mutex
	sends         map[uuid.UUID]*SendOperation
	receives      map[uuid.UUID]*ReceiveOperation
	earlyCancels  map[uuid.UUID]time.Time
	browsePending map[uuid.UUID]chan protocol.BrowseResponse

	prompts chan promptJob
}

type promptJob struct {
	peerID uuid.UUID
	req    protocol.TransferSendRequest
	op     *ReceiveOperation
}

// NewService builds a transfer service. fs may be nil (browse requests
// are answered with an error); confirm may be nil (transfers are
// accepted without prompting).
func NewService(logger zerolog.Logger, peers PeerSender, fs FileSystemService, confirm ConfirmFunc, destDir string, opts Options) *Service {
	return &Service{
		logger:        logger.With().Str("component", "transfer").Logger(),
		peers:         peers,
		fs:            fs,
		confirm:       confirm,
		destDir:       destDir,
		opts:          opts.withDefaults(),
		sends:         make(map[uuid.UUID]*SendOperation),
		receives:      make(map[uuid.UUID]*ReceiveOperation),
		earlyCancels:  make(map[uuid.UUID]time.Time),
		browsePending: make(map[uuid.UUID]chan protocol.BrowseResponse),
		prompts:       make(chan promptJob, 64),
	}
}

// Run drains the confirmation prompt queue one request at a time so two
// simultaneous incoming transfers never show overlapping prompts. It
// returns when ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.prompts:
			s.resolvePrompt(ctx, job)
		}
	}
}

func (s *Service) resolvePrompt(ctx context.Context, job promptJob) {
	// The operation may have been cancelled remotely while queued.
	if job.op.State().Terminal() {
		s.remove(job.op.ID())
		return
	}

	accepted := true
	if s.confirm != nil {
		accepted = s.confirm(ctx, job.peerID, job.req)
	}
	if accepted {
		if err := job.op.Accept(); err != nil {
			s.remove(job.op.ID())
		}
		return
	}
	job.op.Reject()
	s.remove(job.op.ID())
}

// SendFile starts sending a local file to peerID and returns the live
// operation. The operation runs on its own goroutine and is removed
// from the service once terminal.
func (s *Service) SendFile(ctx context.Context, peerID uuid.UUID, path string) (*SendOperation, error) {
	op, err := NewSendOperation(boundSender{peers: s.peers, peerID: peerID}, path, s.opts, s.logger)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sends[op.ID()] = op
	s.mu.Unlock()

	go func() {
		_ = op.Run(ctx)
		s.remove(op.ID())
	}()
	return op, nil
}

// CancelTransfer cancels a live transfer in either direction.
func (s *Service) CancelTransfer(transferID uuid.UUID) {
	s.mu.Lock()
	send := s.sends[transferID]
	recv := s.receives[transferID]
	s.mu.Unlock()

	if send != nil {
		send.Cancel()
	}
	if recv != nil {
		recv.Cancel()
		s.remove(transferID)
	}
}

// Transfers snapshots every live operation for progress display.
func (s *Service) Transfers() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.sends)+len(s.receives))
	for _, op := range s.sends {
		out = append(out, op.Snapshot())
	}
	for _, op := range s.receives {
		out = append(out, op.Snapshot())
	}
	return out
}

// Browse asks peerID for a directory listing (empty path for roots),
// resolving to a timed-out result rather than waiting forever.
func (s *Service) Browse(ctx context.Context, peerID uuid.UUID, path string) BrowseResult {
	req := protocol.BrowseRequest{RequestID: uuid.New(), Path: path}
	ch := make(chan protocol.BrowseResponse, 1)

	s.mu.Lock()
	s.browsePending[req.RequestID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.browsePending, req.RequestID)
		s.mu.Unlock()
	}()

	data, _ := json.Marshal(req)
	if err := s.peers.SendTo(peerID, protocol.KeyBrowseRequest, data); err != nil {
		return BrowseResult{Err: err.Error()}
	}

	select {
	case <-ctx.Done():
		return BrowseResult{Err: ctx.Err().Error()}
	case <-time.After(s.opts.BrowseTimeout):
		return BrowseResult{TimedOut: true}
	case resp := <-ch:
		return BrowseResult{Entries: resp.Entries, Err: resp.Error}
	}
}

// HandleMessage dispatches one routed transfer message from peerID.
// Unknown message types are logged and ignored.
func (s *Service) HandleMessage(peerID uuid.UUID, messageType string, payload []byte) {
	switch messageType {
	case protocol.KeyTransferSendRequest:
		var req protocol.TransferSendRequest
		if !s.unmarshal(messageType, payload, &req) {
			return
		}
		s.handleSendRequest(peerID, req)

	case protocol.KeyTransferResponse:
		var resp protocol.TransferResponse
		if !s.unmarshal(messageType, payload, &resp) {
			return
		}
		if op := s.send(resp.TransferID); op != nil {
			op.HandleResponse(resp.Accepted)
		}

	case protocol.KeyTransferChunk:
		var chunk protocol.TransferChunk
		if !s.unmarshal(messageType, payload, &chunk) {
			return
		}
		if op := s.receive(chunk.TransferID); op != nil {
			if err := op.HandleChunk(chunk); err != nil {
				s.remove(chunk.TransferID)
			}
		}

	case protocol.KeyTransferComplete:
		var done protocol.TransferComplete
		if !s.unmarshal(messageType, payload, &done) {
			return
		}
		if op := s.receive(done.TransferID); op != nil {
			if err := op.HandleComplete(); err != nil {
				s.logger.Error().Err(err).Str("transferID", done.TransferID.String()).Msg("commit failed")
			}
			s.remove(done.TransferID)
		}

	case protocol.KeyTransferCancel:
		var cancel protocol.TransferCancel
		if !s.unmarshal(messageType, payload, &cancel) {
			return
		}
		s.handleRemoteCancel(cancel.TransferID)

	case protocol.KeyTransferError:
		var terr protocol.TransferError
		if !s.unmarshal(messageType, payload, &terr) {
			return
		}
		if op := s.send(terr.TransferID); op != nil {
			op.HandleError(terr.Message)
		}
		if op := s.receive(terr.TransferID); op != nil {
			op.HandleError(terr.Message)
			s.remove(terr.TransferID)
		}

	case protocol.KeyBrowseRequest:
		var req protocol.BrowseRequest
		if !s.unmarshal(messageType, payload, &req) {
			return
		}
		s.answerBrowse(peerID, req)

	case protocol.KeyBrowseResponse:
		var resp protocol.BrowseResponse
		if !s.unmarshal(messageType, payload, &resp) {
			return
		}
		s.mu.Lock()
		ch := s.browsePending[resp.RequestID]
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- resp:
			default:
			}
		}

	default:
		s.logger.Debug().Str("messageType", messageType).Msg("unknown transfer message ignored")
	}
}

func (s *Service) handleSendRequest(peerID uuid.UUID, req protocol.TransferSendRequest) {
	s.mu.Lock()
	if _, cancelled := s.earlyCancels[req.TransferID]; cancelled {
		// The peer cancelled before we ever saw the request; never
		// create an operation for it.
		delete(s.earlyCancels, req.TransferID)
		s.mu.Unlock()
		s.logger.Info().Str("transferID", req.TransferID.String()).Msg("request dropped, cancelled before arrival")
		return
	}
	if _, dup := s.receives[req.TransferID]; dup {
		s.mu.Unlock()
		return
	}
	op := NewReceiveOperation(boundSender{peers: s.peers, peerID: peerID}, req, s.destDir, s.logger)
	s.receives[req.TransferID] = op
	s.mu.Unlock()

	if !req.AcceptanceRequired {
		// The sender is already streaming; open the temp file now so the
		// chunks in flight have somewhere to land.
		if err := op.Accept(); err != nil {
			s.remove(req.TransferID)
		}
		return
	}

	op.transition(StateWaitingForAcceptance, StatePending)
	select {
	case s.prompts <- promptJob{peerID: peerID, req: req, op: op}:
	default:
		// Prompt queue overflow; refuse rather than block the read loop.
		op.Reject()
		s.remove(req.TransferID)
	}
}

func (s *Service) handleRemoteCancel(transferID uuid.UUID) {
	s.mu.Lock()
	send := s.sends[transferID]
	recv := s.receives[transferID]
	if send == nil && recv == nil {
		// Raced ahead of its own send request; remember it so the
		// operation is discarded the moment it would be created. Stray
		// cancels whose request never arrives are swept out here so the
		// map cannot grow without bound.
		now := time.Now()
		for id, seen := range s.earlyCancels {
			if now.Sub(seen) > earlyCancelTTL {
				delete(s.earlyCancels, id)
			}
		}
		s.earlyCancels[transferID] = now
	}
	s.mu.Unlock()

	if send != nil {
		send.HandleCancel()
	}
	if recv != nil {
		recv.HandleCancel()
		s.remove(transferID)
	}
}

func (s *Service) answerBrowse(peerID uuid.UUID, req protocol.BrowseRequest) {
	resp := protocol.BrowseResponse{RequestID: req.RequestID}
	switch {
	case s.fs == nil:
		resp.Error = "browsing not available"
	case req.Path == "":
		entries, err := s.fs.Roots()
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Entries = entries
		}
	default:
		entries, err := s.fs.List(req.Path)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Entries = entries
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.peers.SendTo(peerID, protocol.KeyBrowseResponse, data); err != nil {
		s.logger.Warn().Err(err).Msg("send browse response")
	}
}

func (s *Service) send(id uuid.UUID) *SendOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends[id]
}

func (s *Service) receive(id uuid.UUID) *ReceiveOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receives[id]
}

func (s *Service) remove(id uuid.UUID) {
	s.mu.Lock()
	delete(s.sends, id)
	delete(s.receives, id)
	s.mu.Unlock()
}

func (s *Service) unmarshal(messageType string, payload []byte, v any) bool {
	if err := json.Unmarshal(payload, v); err != nil {
		s.logger.Warn().Err(err).Str("messageType", messageType).Msg("malformed transfer payload")
		return false
	}
	return true
}

// boundSender adapts PeerSender to the single-peer MessageSender used
// by the operations.
type boundSender struct {
	peers  PeerSender
	peerID uuid.UUID
}

func (b boundSender) Send(messageType string, payload []byte) error {
	return b.peers.SendTo(b.peerID, messageType, payload)
}
