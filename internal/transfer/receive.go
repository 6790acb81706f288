package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReceiveOperation writes an incoming transfer to a temp file and
// commits it with an atomic rename once complete. Partial data never
// appears at the final destination path: cancel, reject, and error all
// delete the `.part` file.
type ReceiveOperation struct {
	machine

	id          uuid.UUID
	fileName    string
	fileSize    int64
	totalChunks int
	destDir     string
	sender      MessageSender
	logger      zerolog.Logger

	chunksReceived atomic.Int64

	mu       sync.Mutex
	file     *os.File
	tempPath string
	// finalPath is set at commit time.
	finalPath string
}

// NewReceiveOperation prepares a pending receive from a send request.
func NewReceiveOperation(sender MessageSender, req protocol.TransferSendRequest, destDir string, logger zerolog.Logger) *ReceiveOperation {
	op := &ReceiveOperation{
		id:          req.TransferID,
		fileName:    filepath.Base(req.FileName),
		fileSize:    req.FileSize,
		totalChunks: req.TotalChunks,
		destDir:     destDir,
		sender:      sender,
	}
	op.logger = logger.With().Str("component", "transfer-recv").Str("transferID", op.id.String()).Logger()
	return op
}

// ID returns the transfer id.
func (t *ReceiveOperation) ID() uuid.UUID { return t.id }

// FinalPath returns the committed destination path, empty until the
// transfer completes.
func (t *ReceiveOperation) FinalPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalPath
}

// Snapshot returns the current transfer info.
func (t *ReceiveOperation) Snapshot() Info {
	return Info{
		TransferID:   t.id,
		FileName:     t.fileName,
		FileSize:     t.fileSize,
		TotalChunks:  t.totalChunks,
		ChunksDone:   int(t.chunksReceived.Load()),
		State:        t.State(),
		ErrorMessage: t.ErrorMessage(),
	}
}

// Accept opens the temp file for exclusive write and tells the peer to
// start streaming.
func (t *ReceiveOperation) Accept() error {
	if !t.transition(StateTransferring, StatePending, StateWaitingForAcceptance) {
		return fmt.Errorf("transfer is %s, cannot accept", t.State())
	}

	tempPath := filepath.Join(t.destDir, t.fileName+".part")
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		t.fail(err.Error())
		t.emit(protocol.KeyTransferError, protocol.TransferError{TransferID: t.id, Message: err.Error()})
		return err
	}

	t.mu.Lock()
	t.file = f
	t.tempPath = tempPath
	t.mu.Unlock()

	t.emit(protocol.KeyTransferResponse, protocol.TransferResponse{TransferID: t.id, Accepted: true})
	t.logger.Info().Str("file", t.fileName).Int64("size", t.fileSize).Msg("transfer accepted")
	return nil
}

// Reject declines the transfer.
func (t *ReceiveOperation) Reject() {
	if !t.transition(StateRejected, StatePending, StateWaitingForAcceptance) {
		return
	}
	t.emit(protocol.KeyTransferResponse, protocol.TransferResponse{TransferID: t.id, Accepted: false})
	t.logger.Info().Str("file", t.fileName).Msg("transfer rejected")
}

// HandleChunk appends one chunk. Chunks for transfers not currently
// transferring are dropped.
func (t *ReceiveOperation) HandleChunk(chunk protocol.TransferChunk) error {
	if t.State() != StateTransferring {
		return nil
	}

	t.mu.Lock()
	f := t.file
	t.mu.Unlock()
	if f == nil {
		return nil
	}

	if _, err := f.Write(chunk.Data); err != nil {
		t.discard()
		if t.fail(err.Error()) {
			t.emit(protocol.KeyTransferError, protocol.TransferError{TransferID: t.id, Message: err.Error()})
			t.logger.Error().Err(err).Msg("chunk write failed")
		}
		return err
	}
	t.chunksReceived.Add(1)
	return nil
}

// HandleComplete closes the temp file and atomically renames it to a
// collision-free destination path. The rename is the commit point.
func (t *ReceiveOperation) HandleComplete() error {
	if !t.transition(StateCompleted, StateTransferring) {
		return nil
	}

	t.mu.Lock()
	f, temp := t.file, t.tempPath
	t.file = nil
	t.mu.Unlock()
	if f == nil {
		return nil
	}

	if err := f.Close(); err != nil {
		os.Remove(temp) //nolint:errcheck
		return err
	}

	dest := uniquePath(t.destDir, t.fileName)
	if err := os.Rename(temp, dest); err != nil {
		os.Remove(temp) //nolint:errcheck
		return err
	}

	t.mu.Lock()
	t.finalPath = dest
	t.mu.Unlock()

	t.logger.Info().Str("path", dest).Msg("transfer committed")
	return nil
}

// Cancel aborts locally, deletes the temp file, and notifies the peer.
func (t *ReceiveOperation) Cancel() {
	if !t.transition(StateCancelled, StatePending, StateWaitingForAcceptance, StateTransferring) {
		return
	}
	t.discard()
	t.emit(protocol.KeyTransferCancel, protocol.TransferCancel{TransferID: t.id})
	t.logger.Info().Msg("transfer cancelled locally")
}

// HandleCancel aborts on a cancel from the peer and deletes the temp file.
func (t *ReceiveOperation) HandleCancel() {
	if !t.transition(StateCancelled, StatePending, StateWaitingForAcceptance, StateTransferring) {
		return
	}
	t.discard()
	t.logger.Info().Msg("transfer cancelled by peer")
}

// HandleError fails on an error from the peer and deletes the temp file.
func (t *ReceiveOperation) HandleError(message string) {
	if !t.fail(message) {
		return
	}
	t.discard()
	t.logger.Warn().Str("reason", message).Msg("transfer failed by peer")
}

// discard closes and removes the temp file, if any.
func (t *ReceiveOperation) discard() {
	t.mu.Lock()
	f, temp := t.file, t.tempPath
	t.file = nil
	t.mu.Unlock()

	if f != nil {
		f.Close() //nolint:errcheck
	}
	if temp != "" {
		os.Remove(temp) //nolint:errcheck
	}
}

func (t *ReceiveOperation) emit(messageType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Error().Err(err).Str("messageType", messageType).Msg("marshal transfer message")
		return
	}
	if err := t.sender.Send(messageType, data); err != nil {
		t.logger.Warn().Err(err).Str("messageType", messageType).Msg("send transfer message")
	}
}

// uniquePath returns name inside dir, suffixed " (1)", " (2)", … before
// the extension until no file exists at the result.
func uniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
