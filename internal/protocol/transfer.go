package protocol

import "github.com/google/uuid"

// TransferSendRequest announces an incoming file. When AcceptanceRequired
// is set the sender waits for a TransferResponse before streaming;
// otherwise chunks follow immediately and the receiver starts writing
// without prompting.
type TransferSendRequest struct {
	TransferID         uuid.UUID `json:"transfer_id"`
	FileName           string    `json:"file_name"`
	FileSize           int64     `json:"file_size"`
	TotalChunks        int       `json:"total_chunks"`
	AcceptanceRequired bool      `json:"acceptance_required"`
}

// TransferResponse answers a TransferSendRequest.
type TransferResponse struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Accepted   bool      `json:"accepted"`
}

// TransferChunk carries one piece of file data.
type TransferChunk struct {
	TransferID  uuid.UUID `json:"transfer_id"`
	Index       int       `json:"index"`
	TotalChunks int       `json:"total_chunks"`
	Data        []byte    `json:"data"`
}

// TransferComplete signals that every chunk has been sent.
type TransferComplete struct {
	TransferID uuid.UUID `json:"transfer_id"`
}

// TransferCancel aborts a transfer from either side.
type TransferCancel struct {
	TransferID uuid.UUID `json:"transfer_id"`
}

// TransferError reports a transfer fault to the peer so both sides
// converge to a terminal state.
type TransferError struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Message    string    `json:"message"`
}

// BrowseRequest asks the peer to list a remote directory. An empty Path
// requests the peer's root paths.
type BrowseRequest struct {
	RequestID uuid.UUID `json:"request_id"`
	Path      string    `json:"path,omitempty"`
}

// BrowseEntry is one remote directory listing entry.
type BrowseEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// BrowseResponse answers a BrowseRequest.
type BrowseResponse struct {
	RequestID uuid.UUID     `json:"request_id"`
	Entries   []BrowseEntry `json:"entries,omitempty"`
	Error     string        `json:"error,omitempty"`
}
