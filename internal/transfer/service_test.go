package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avaropoint/relay/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// loopback delivers every message straight into the other side's
// HandleMessage, standing in for the relay.
type loopback struct {
	mu      sync.Mutex
	deliver func(messageType string, payload []byte)
	drop    bool
}

func (l *loopback) SendTo(clientID uuid.UUID, messageType string, payload []byte) error {
	l.mu.Lock()
	deliver := l.deliver
	drop := l.drop
	l.mu.Unlock()
	if drop || deliver == nil {
		return nil
	}
	deliver(messageType, payload)
	return nil
}

type pair struct {
	sender   *Service
	receiver *Service
	sendDir  string
	recvDir  string
	senderID uuid.UUID
	recvID   uuid.UUID
}

// newPair wires two services back to back and starts their prompt loops.
func newPair(t *testing.T, ctx context.Context, opts Options, confirm ConfirmFunc) *pair {
	t.Helper()
	p := &pair{
		sendDir:  t.TempDir(),
		recvDir:  t.TempDir(),
		senderID: uuid.New(),
		recvID:   uuid.New(),
	}

	toReceiver := &loopback{}
	toSender := &loopback{}

	fs, err := NewSandboxFS(p.sendDir)
	if err != nil {
		t.Fatal(err)
	}
	p.sender = NewService(zerolog.Nop(), toReceiver, fs, nil, p.sendDir, opts)
	p.receiver = NewService(zerolog.Nop(), toSender, nil, confirm, p.recvDir, opts)

	toReceiver.deliver = func(mt string, payload []byte) { p.receiver.HandleMessage(p.senderID, mt, payload) }
	toSender.deliver = func(mt string, payload []byte) { p.sender.HandleMessage(p.recvID, mt, payload) }

	go p.sender.Run(ctx)
	go p.receiver.Run(ctx)
	return p
}

func writeFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path, data
}

// fastOpts keeps tests quick: tiny chunks, effectively no throttle.
func fastOpts() Options {
	return Options{ChunkSize: 8, BytesPerSecond: 1 << 30, RequireAcceptance: true, BrowseTimeout: time.Second}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name())
	}
	return names
}

func TestSendReceiveRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPair(t, ctx, fastOpts(), nil)

	path, want := writeFile(t, p.sendDir, "report.txt", 20) // 3 chunks of 8

	op, err := p.sender.SendFile(ctx, p.recvID, path)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if op.Snapshot().TotalChunks != 3 {
		t.Errorf("total chunks = %d, want 3", op.Snapshot().TotalChunks)
	}

	<-op.Done()
	if st := op.State(); st != StateCompleted {
		t.Fatalf("sender state = %s, want completed", st)
	}

	got, err := os.ReadFile(filepath.Join(p.recvDir, "report.txt"))
	if err != nil {
		t.Fatalf("received file missing: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("received content differs from sent content")
	}
	for _, name := range listDir(t, p.recvDir) {
		if strings.HasSuffix(name, ".part") {
			t.Errorf("temp file %s left behind", name)
		}
	}
}

func TestSendEmptyFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPair(t, ctx, fastOpts(), nil)

	path, _ := writeFile(t, p.sendDir, "empty.bin", 0)
	op, err := p.sender.SendFile(ctx, p.recvID, path)
	if err != nil {
		t.Fatal(err)
	}
	if op.Snapshot().TotalChunks != 1 {
		t.Errorf("empty file chunks = %d, want 1", op.Snapshot().TotalChunks)
	}

	<-op.Done()
	fi, err := os.Stat(filepath.Join(p.recvDir, "empty.bin"))
	if err != nil {
		t.Fatalf("empty file not committed: %v", err)
	}
	if fi.Size() != 0 {
		t.Errorf("committed size = %d, want 0", fi.Size())
	}
}

func TestSendRejectsDirectory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPair(t, ctx, fastOpts(), nil)

	if _, err := p.sender.SendFile(ctx, p.recvID, p.sendDir); err == nil {
		t.Error("sending a directory succeeded")
	}
}

func TestReceiveCollisionGetsSuffix(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPair(t, ctx, fastOpts(), nil)

	if err := os.WriteFile(filepath.Join(p.recvDir, "report.txt"), []byte("old"), 0600); err != nil {
		t.Fatal(err)
	}

	path, want := writeFile(t, p.sendDir, "report.txt", 16)
	op, err := p.sender.SendFile(ctx, p.recvID, path)
	if err != nil {
		t.Fatal(err)
	}
	<-op.Done()

	got, err := os.ReadFile(filepath.Join(p.recvDir, "report (1).txt"))
	if err != nil {
		t.Fatalf("suffixed file missing: %v (dir: %v)", err, listDir(t, p.recvDir))
	}
	if !bytes.Equal(got, want) {
		t.Error("suffixed file content differs")
	}
	old, _ := os.ReadFile(filepath.Join(p.recvDir, "report.txt"))
	if string(old) != "old" {
		t.Error("existing file was overwritten")
	}
}

func TestRejectedTransfer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	decline := func(context.Context, uuid.UUID, protocol.TransferSendRequest) bool { return false }
	p := newPair(t, ctx, fastOpts(), decline)

	path, _ := writeFile(t, p.sendDir, "secret.bin", 32)
	op, err := p.sender.SendFile(ctx, p.recvID, path)
	if err != nil {
		t.Fatal(err)
	}
	<-op.Done()

	if st := op.State(); st != StateRejected {
		t.Fatalf("sender state = %s, want rejected", st)
	}
	if names := listDir(t, p.recvDir); len(names) != 0 {
		t.Errorf("rejected transfer left files: %v", names)
	}
}

func TestCancelMidStreamLeavesNoFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Throttle hard so the stream is still in flight when we cancel:
	// 1 KiB chunks at 2 KiB/s is ~500ms per chunk.
	opts := Options{ChunkSize: 1024, BytesPerSecond: 2048, RequireAcceptance: true, BrowseTimeout: time.Second}
	p := newPair(t, ctx, opts, nil)

	path, _ := writeFile(t, p.sendDir, "big.bin", 16*1024)
	op, err := p.sender.SendFile(ctx, p.recvID, path)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for op.Snapshot().ChunksDone == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if op.Snapshot().ChunksDone == 0 {
		t.Fatal("no chunk sent before cancel")
	}

	op.Cancel()
	<-op.Done()
	if st := op.State(); st != StateCancelled {
		t.Fatalf("sender state = %s, want cancelled", st)
	}
	if names := listDir(t, p.recvDir); len(names) != 0 {
		t.Errorf("cancelled transfer left files: %v", names)
	}
}

func TestCancelBeforeRequestNeverCreatesOperation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPair(t, ctx, fastOpts(), nil)

	id := uuid.New()
	cancelMsg, _ := json.Marshal(protocol.TransferCancel{TransferID: id})
	reqMsg, _ := json.Marshal(protocol.TransferSendRequest{TransferID: id, FileName: "late.bin", FileSize: 8, TotalChunks: 1, AcceptanceRequired: true})

	// The cancel overtakes its own send request.
	p.receiver.HandleMessage(p.senderID, protocol.KeyTransferCancel, cancelMsg)
	p.receiver.HandleMessage(p.senderID, protocol.KeyTransferSendRequest, reqMsg)

	if n := len(p.receiver.Transfers()); n != 0 {
		t.Errorf("live transfers = %d, want 0", n)
	}
	if names := listDir(t, p.recvDir); len(names) != 0 {
		t.Errorf("files created for cancelled request: %v", names)
	}
}

func TestPromptsResolveOneAtATimeInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		order    []string
		inflight atomic.Int32
		overlap  atomic.Bool
	)
	confirm := func(ctx context.Context, peerID uuid.UUID, req protocol.TransferSendRequest) bool {
		if inflight.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, req.FileName)
		mu.Unlock()
		inflight.Add(-1)
		return false
	}
	p := newPair(t, ctx, fastOpts(), confirm)

	for _, name := range []string{"first", "second", "third"} {
		msg, _ := json.Marshal(protocol.TransferSendRequest{TransferID: uuid.New(), FileName: name, FileSize: 1, TotalChunks: 1, AcceptanceRequired: true})
		p.receiver.HandleMessage(p.senderID, protocol.KeyTransferSendRequest, msg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("resolved prompts = %d, want 3", len(order))
	}
	for i, want := range []string{"first", "second", "third"} {
		if order[i] != want {
			t.Errorf("prompt order[%d] = %s, want %s", i, order[i], want)
		}
	}
	if overlap.Load() {
		t.Error("confirmation prompts overlapped")
	}
}

func TestBrowseRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPair(t, ctx, fastOpts(), nil)

	writeFile(t, p.sendDir, "b.txt", 4)
	writeFile(t, p.sendDir, "a.txt", 4)
	if err := os.Mkdir(filepath.Join(p.sendDir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	// Roots first: the sender exposes its sandbox base.
	roots := p.receiver.Browse(ctx, p.senderID, "")
	if roots.Err != "" || roots.TimedOut {
		t.Fatalf("roots browse failed: %+v", roots)
	}
	if len(roots.Entries) != 1 || !roots.Entries[0].IsDir {
		t.Fatalf("roots = %+v", roots.Entries)
	}

	listing := p.receiver.Browse(ctx, p.senderID, roots.Entries[0].Path)
	if listing.Err != "" {
		t.Fatalf("listing failed: %s", listing.Err)
	}
	names := make([]string, 0, len(listing.Entries))
	for _, e := range listing.Entries {
		names = append(names, e.Name)
	}
	// Directories sort first, then files by name.
	want := []string{"sub", "a.txt", "b.txt"}
	if len(names) != len(want) {
		t.Fatalf("listing = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("listing[%d] = %s, want %s", i, names[i], want[i])
		}
	}

	// Escaping the sandbox is refused.
	escape := p.receiver.Browse(ctx, p.senderID, filepath.Dir(p.sendDir))
	if escape.Err == "" {
		t.Error("sandbox escape produced no error")
	}
}

func TestSendWithoutAcceptanceRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := Options{ChunkSize: 8, BytesPerSecond: 1 << 30, RequireAcceptance: false, BrowseTimeout: time.Second}
	// A confirm func is wired but must never fire: the sender did not
	// ask for acceptance.
	var prompted atomic.Bool
	confirm := func(context.Context, uuid.UUID, protocol.TransferSendRequest) bool {
		prompted.Store(true)
		return false
	}
	p := newPair(t, ctx, opts, confirm)

	path, want := writeFile(t, p.sendDir, "report.txt", 20)
	op, err := p.sender.SendFile(ctx, p.recvID, path)
	if err != nil {
		t.Fatal(err)
	}
	<-op.Done()
	if st := op.State(); st != StateCompleted {
		t.Fatalf("sender state = %s, want completed", st)
	}

	got, err := os.ReadFile(filepath.Join(p.recvDir, "report.txt"))
	if err != nil {
		t.Fatalf("received file missing: %v (dir: %v)", err, listDir(t, p.recvDir))
	}
	if !bytes.Equal(got, want) {
		t.Error("received content differs from sent content")
	}
	for _, name := range listDir(t, p.recvDir) {
		if strings.HasSuffix(name, ".part") {
			t.Errorf("temp file %s left behind", name)
		}
	}
	if prompted.Load() {
		t.Error("confirmation prompt fired for a no-acceptance transfer")
	}
}

func TestQueuedPromptShowsWaitingForAcceptance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	confirm := func(context.Context, uuid.UUID, protocol.TransferSendRequest) bool {
		<-release
		return false
	}
	p := newPair(t, ctx, fastOpts(), confirm)

	path, _ := writeFile(t, p.sendDir, "pending.bin", 16)
	op, err := p.sender.SendFile(ctx, p.recvID, path)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(p.receiver.Transfers()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	transfers := p.receiver.Transfers()
	if len(transfers) != 1 {
		t.Fatalf("receiver transfers = %d, want 1", len(transfers))
	}
	if st := transfers[0].State; st != StateWaitingForAcceptance {
		t.Errorf("queued receive state = %s, want waitingForAcceptance", st)
	}

	close(release)
	<-op.Done()
	if st := op.State(); st != StateRejected {
		t.Errorf("sender state = %s, want rejected", st)
	}
}

// timingSender records when each chunk leaves the sender.
type timingSender struct {
	mu    sync.Mutex
	times []time.Time
}

func (s *timingSender) Send(messageType string, payload []byte) error {
	if messageType == protocol.KeyTransferChunk {
		s.mu.Lock()
		s.times = append(s.times, time.Now())
		s.mu.Unlock()
	}
	return nil
}

func TestDefaultThrottleChunkSpacing(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	dir := t.TempDir()
	path, _ := writeFile(t, dir, "large.bin", 1024*1024) // 4 chunks at the default size

	sink := &timingSender{}
	op, err := NewSendOperation(sink, path, Options{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if got := op.Snapshot().TotalChunks; got != 4 {
		t.Fatalf("total chunks = %d, want 4", got)
	}
	if err := op.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	sink.mu.Lock()
	times := append([]time.Time(nil), sink.times...)
	sink.mu.Unlock()
	if len(times) != 4 {
		t.Fatalf("chunks sent = %d, want 4", len(times))
	}
	// A full 256 KiB chunk at 2,000,000 B/s owns a 131ms budget.
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < 128*time.Millisecond {
			t.Errorf("gap %d→%d = %v, want at least 128ms", i-1, i, gap)
		}
	}
}

func TestStrayEarlyCancelsExpire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := newPair(t, ctx, fastOpts(), nil)

	stray := uuid.New()
	cancelMsg, _ := json.Marshal(protocol.TransferCancel{TransferID: stray})
	p.receiver.HandleMessage(p.senderID, protocol.KeyTransferCancel, cancelMsg)

	p.receiver.mu.Lock()
	p.receiver.earlyCancels[stray] = time.Now().Add(-2 * earlyCancelTTL)
	p.receiver.mu.Unlock()

	// The next stray cancel sweeps the expired entry.
	fresh := uuid.New()
	cancelMsg, _ = json.Marshal(protocol.TransferCancel{TransferID: fresh})
	p.receiver.HandleMessage(p.senderID, protocol.KeyTransferCancel, cancelMsg)

	p.receiver.mu.Lock()
	_, strayKept := p.receiver.earlyCancels[stray]
	_, freshKept := p.receiver.earlyCancels[fresh]
	n := len(p.receiver.earlyCancels)
	p.receiver.mu.Unlock()

	if strayKept {
		t.Error("expired early cancel survived the sweep")
	}
	if !freshKept || n != 1 {
		t.Errorf("early cancels = %d with fresh kept %v, want just the fresh entry", n, freshKept)
	}
}

func TestBrowseTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dead := &loopback{drop: true}
	svc := NewService(zerolog.Nop(), dead, nil, nil, t.TempDir(), Options{BrowseTimeout: 30 * time.Millisecond})

	res := svc.Browse(ctx, uuid.New(), "")
	if !res.TimedOut {
		t.Errorf("browse result = %+v, want timed out", res)
	}
}
