package main

import (
	"context"
	"time"

	"github.com/avaropoint/relay/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const historyWriteTimeout = 5 * time.Second

// storeHistory persists registry events to the history database.
// Writes run on the caller's goroutine with a short timeout; failures
// are logged and never propagate back into relay routing.
type storeHistory struct {
	logger zerolog.Logger
	db     store.Store
}

func newStoreHistory(logger zerolog.Logger, db store.Store) *storeHistory {
	return &storeHistory{
		logger: logger.With().Str("component", "history").Logger(),
		db:     db,
	}
}

func (h *storeHistory) ClientRegistered(clientID uuid.UUID, displayName string) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	now := time.Now().UTC()
	err := h.db.UpsertClient(ctx, &store.ClientRecord{
		ID:          clientID.String(),
		DisplayName: displayName,
		FirstSeen:   now,
		LastSeen:    now,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("clientId", clientID.String()).Msg("record client registration")
	}
}

func (h *storeHistory) SessionStarted(connectionID, presenterClientID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	err := h.db.RecordSessionStart(ctx, &store.SessionRecord{
		ID:          connectionID.String(),
		PresenterID: presenterClientID.String(),
		StartedAt:   time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("connectionId", connectionID.String()).Msg("record session start")
	}
}

func (h *storeHistory) SessionEnded(connectionID uuid.UUID, peakViewers int) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	err := h.db.RecordSessionEnd(ctx, connectionID.String(), time.Now().UTC(), peakViewers)
	if err != nil {
		h.logger.Error().Err(err).Str("connectionId", connectionID.String()).Msg("record session end")
	}
}

func (h *storeHistory) TransferLogged(transferID, connectionID uuid.UUID, fileName string, fileSize int64, state string) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	err := h.db.RecordTransfer(ctx, &store.TransferRecord{
		ID:           transferID.String(),
		ConnectionID: connectionID.String(),
		FileName:     fileName,
		FileSize:     fileSize,
		State:        state,
		LoggedAt:     time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("transferId", transferID.String()).Msg("record transfer")
	}
}
