package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SendOperation streams one local file to the peer in throttled chunks.
// The state machine is single-writer (the Run goroutine plus guarded
// transitions from HandleResponse/Cancel); snapshots are safe from any
// task.
type SendOperation struct {
	machine

	id          uuid.UUID
	filePath    string
	fileName    string
	fileSize    int64
	totalChunks int
	opts        Options
	sender      MessageSender
	logger      zerolog.Logger

	chunksSent atomic.Int64

	response   chan bool
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

// NewSendOperation stats the file and prepares a pending transfer.
func NewSendOperation(sender MessageSender, filePath string, opts Options, logger zerolog.Logger) (*SendOperation, error) {
	fi, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, errors.New("cannot send a directory")
	}
	opts = opts.withDefaults()

	totalChunks := int((fi.Size() + int64(opts.ChunkSize) - 1) / int64(opts.ChunkSize))
	if totalChunks == 0 {
		totalChunks = 1 // empty file still gets one (empty) chunk
	}

	op := &SendOperation{
		id:          uuid.New(),
		filePath:    filePath,
		fileName:    filepath.Base(filePath),
		fileSize:    fi.Size(),
		totalChunks: totalChunks,
		opts:        opts,
		sender:      sender,
		response:    make(chan bool, 1),
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	op.logger = logger.With().Str("component", "transfer-send").Str("transferID", op.id.String()).Logger()
	return op, nil
}

// ID returns the transfer id.
func (t *SendOperation) ID() uuid.UUID { return t.id }

// Done is closed when the operation reaches a terminal state and the
// Run goroutine has unwound.
func (t *SendOperation) Done() <-chan struct{} { return t.done }

// Snapshot returns the current transfer info.
func (t *SendOperation) Snapshot() Info {
	return Info{
		TransferID:   t.id,
		FileName:     t.fileName,
		FileSize:     t.fileSize,
		TotalChunks:  t.totalChunks,
		ChunksDone:   int(t.chunksSent.Load()),
		State:        t.State(),
		ErrorMessage: t.ErrorMessage(),
	}
}

// HandleResponse feeds the peer's accept/reject answer into a transfer
// waiting for acceptance. Duplicate or late answers are dropped.
func (t *SendOperation) HandleResponse(accepted bool) {
	select {
	case t.response <- accepted:
	default:
	}
}

// Cancel aborts the transfer locally, emits a cancel message to the
// peer, and stops the streaming loop at the next chunk boundary.
func (t *SendOperation) Cancel() {
	if !t.transition(StateCancelled, StatePending, StateWaitingForAcceptance, StateTransferring) {
		return
	}
	t.emit(protocol.KeyTransferCancel, protocol.TransferCancel{TransferID: t.id})
	t.cancelOnce.Do(func() { close(t.cancelCh) })
	t.logger.Info().Msg("transfer cancelled locally")
}

// HandleCancel aborts the transfer on a cancel message from the peer.
// No cancel is echoed back.
func (t *SendOperation) HandleCancel() {
	if !t.transition(StateCancelled, StatePending, StateWaitingForAcceptance, StateTransferring) {
		return
	}
	t.cancelOnce.Do(func() { close(t.cancelCh) })
	t.logger.Info().Msg("transfer cancelled by peer")
}

// HandleError fails the transfer on an error message from the peer.
func (t *SendOperation) HandleError(message string) {
	if t.fail(message) {
		t.cancelOnce.Do(func() { close(t.cancelCh) })
	}
}

// Run drives the transfer to a terminal state: optional acceptance
// handshake, then the throttled streaming loop. It returns when the
// transfer is terminal; the returned error reports local I/O faults
// (which also mark the transfer Failed).
func (t *SendOperation) Run(ctx context.Context) error {
	defer close(t.done)

	req := protocol.TransferSendRequest{
		TransferID:         t.id,
		FileName:           t.fileName,
		FileSize:           t.fileSize,
		TotalChunks:        t.totalChunks,
		AcceptanceRequired: t.opts.RequireAcceptance,
	}

	if t.opts.RequireAcceptance {
		if !t.transition(StateWaitingForAcceptance, StatePending) {
			return nil
		}
		t.emit(protocol.KeyTransferSendRequest, req)

		select {
		case <-ctx.Done():
			t.Cancel()
			return nil
		case <-t.cancelCh:
			return nil
		case accepted := <-t.response:
			if !accepted {
				t.transition(StateRejected, StateWaitingForAcceptance)
				t.logger.Info().Msg("transfer rejected by peer")
				return nil
			}
			if !t.transition(StateTransferring, StateWaitingForAcceptance) {
				return nil
			}
		}
	} else {
		if !t.transition(StateTransferring, StatePending) {
			return nil
		}
		// The peer still needs the announcement to open its temp file;
		// without the acceptance marker it starts writing immediately.
		t.emit(protocol.KeyTransferSendRequest, req)
	}

	return t.stream(ctx)
}

func (t *SendOperation) stream(ctx context.Context) error {
	f, err := os.Open(t.filePath)
	if err != nil {
		return t.streamFault(err)
	}
	defer f.Close() //nolint:errcheck

	buf := make([]byte, t.opts.ChunkSize)
	for index := 0; index < t.totalChunks; index++ {
		// Cooperative cancellation check between chunks.
		select {
		case <-ctx.Done():
			t.Cancel()
			return nil
		case <-t.cancelCh:
			return nil
		default:
		}

		start := time.Now()

		n, err := io.ReadFull(f, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return t.streamFault(err)
		}

		t.emit(protocol.KeyTransferChunk, protocol.TransferChunk{
			TransferID:  t.id,
			Index:       index,
			TotalChunks: t.totalChunks,
			Data:        buf[:n],
		})
		t.chunksSent.Add(1)

		// Fixed-interval throttle: each chunk owns a time budget derived
		// from the bandwidth cap; sleep out the remainder.
		budget := time.Duration(float64(n) / float64(t.opts.BytesPerSecond) * float64(time.Second))
		if remaining := budget - time.Since(start); remaining > 0 {
			select {
			case <-ctx.Done():
				t.Cancel()
				return nil
			case <-t.cancelCh:
				return nil
			case <-time.After(remaining):
			}
		}
	}

	if t.transition(StateCompleted, StateTransferring) {
		t.emit(protocol.KeyTransferComplete, protocol.TransferComplete{TransferID: t.id})
		t.logger.Info().Int("chunks", t.totalChunks).Msg("transfer completed")
	}
	return nil
}

// streamFault records a local I/O failure and notifies the peer so both
// sides converge to a terminal state.
func (t *SendOperation) streamFault(err error) error {
	if t.fail(err.Error()) {
		t.emit(protocol.KeyTransferError, protocol.TransferError{TransferID: t.id, Message: err.Error()})
		t.logger.Error().Err(err).Msg("transfer failed")
	}
	return err
}

func (t *SendOperation) emit(messageType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Error().Err(err).Str("messageType", messageType).Msg("marshal transfer message")
		return
	}
	if err := t.sender.Send(messageType, data); err != nil {
		t.logger.Warn().Err(err).Str("messageType", messageType).Msg("send transfer message")
	}
}
