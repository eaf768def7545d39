package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/domain"
	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/event"
	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/domain/workspace"
	"github.com/arthur-zhang/conduit/internal/port/agentrunner"
	"github.com/arthur-zhang/conduit/internal/port/database"
	"github.com/arthur-zhang/conduit/internal/process"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory database.Store with optional error injection.
type fakeStore struct {
	mu         sync.Mutex
	tabs       map[uuid.UUID]*session.Session
	workspaces map[uuid.UUID]*workspace.Workspace
	seeds      map[string]*workspace.ForkSeed
	appState   map[string]string

	updateErr error
	patches   []database.TabPatch
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tabs:       make(map[uuid.UUID]*session.Session),
		workspaces: make(map[uuid.UUID]*workspace.Workspace),
		seeds:      make(map[string]*workspace.ForkSeed),
		appState:   make(map[string]string),
	}
}

func (f *fakeStore) CreateTab(_ context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.tabs[s.ID] = &cp
	return nil
}

func (f *fakeStore) GetTab(_ context.Context, id uuid.UUID) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[id]
	if !ok {
		return nil, fmt.Errorf("tab %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) ListTabs(_ context.Context) ([]session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.Session
	for _, t := range f.tabs {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeStore) ListOpenTabs(_ context.Context) ([]session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.Session
	for _, t := range f.tabs {
		if t.IsOpen {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeStore) UpdateTab(_ context.Context, id uuid.UUID, patch database.TabPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	t, ok := f.tabs[id]
	if !ok {
		return fmt.Errorf("tab %s: %w", id, domain.ErrNotFound)
	}
	if patch.AgentSessionID != nil {
		t.AgentSessionID = *patch.AgentSessionID
	}
	if patch.Model != nil {
		t.Model = *patch.Model
	}
	if patch.ModelInvalid != nil {
		t.ModelInvalid = *patch.ModelInvalid
	}
	if patch.PullRequest != nil {
		t.PullRequestNumber = *patch.PullRequest
	}
	if patch.Queued != nil {
		t.Queued = append([]session.QueuedMessage(nil), (*patch.Queued)...)
	}
	if patch.InputHistory != nil {
		t.InputHistory = append([]string(nil), (*patch.InputHistory)...)
	}
	if patch.Pending != nil {
		t.Pending = *patch.Pending
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.TitleGenerated != nil {
		t.TitleGenerated = *patch.TitleGenerated
	}
	t.UpdatedAt = time.Now()
	f.patches = append(f.patches, patch)
	return nil
}

func (f *fakeStore) MarkClosed(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[id]
	if !ok {
		return fmt.Errorf("tab %s: %w", id, domain.ErrNotFound)
	}
	t.IsOpen = false
	return nil
}

func (f *fakeStore) NextPosition(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := 0
	for _, t := range f.tabs {
		if t.IsOpen && t.Position >= next {
			next = t.Position + 1
		}
	}
	return next, nil
}

func (f *fakeStore) GetWorkspace(_ context.Context, id uuid.UUID) (*workspace.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, domain.ErrNotFound)
	}
	cp := *ws
	return &cp, nil
}

func (f *fakeStore) ListWorkspaces(_ context.Context) ([]workspace.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []workspace.Workspace
	for _, ws := range f.workspaces {
		out = append(out, *ws)
	}
	return out, nil
}

func (f *fakeStore) TouchWorkspace(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ws, ok := f.workspaces[id]; ok {
		ws.LastAccessed = time.Now()
	}
	return nil
}

func seedKey(s *workspace.ForkSeed) string {
	return s.ParentSessionID.String() + "/" + s.ParentWorkspaceID.String() + "/" + s.SeedHash
}

func (f *fakeStore) SaveForkSeed(_ context.Context, seed *workspace.ForkSeed) (*workspace.ForkSeed, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := seedKey(seed)
	if existing, ok := f.seeds[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *seed
	f.seeds[key] = &cp
	out := cp
	return &out, true, nil
}

func (f *fakeStore) GetForkSeed(_ context.Context, id uuid.UUID) (*workspace.ForkSeed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.seeds {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("fork seed %s: %w", id, domain.ErrNotFound)
}

func (f *fakeStore) GetAppState(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.appState[key]
	if !ok {
		return "", fmt.Errorf("app state %q: %w", key, domain.ErrNotFound)
	}
	return v, nil
}

func (f *fakeStore) SetAppState(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appState[key] = value
	return nil
}

// fakeProc is a scripted procHandle. Tests feed canonical events (JSON
// encoded, one per line) through its lines channel and close it to simulate
// process exit.
type fakeProc struct {
	lines chan process.Line
	done  chan struct{}

	mu           sync.Mutex
	exitErr      error
	writes       [][]byte
	writeErr     error
	interruptErr error
	interrupted  bool
	killed       bool

	// echo, when set, is delivered back through the lines channel on every
	// write, like an agent that answers its input immediately.
	echo *event.AgentEvent

	exitOnce sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{
		lines: make(chan process.Line, 64),
		done:  make(chan struct{}),
	}
}

func (p *fakeProc) Lines() <-chan process.Line { return p.lines }
func (p *fakeProc) Done() <-chan struct{}      { return p.done }

func (p *fakeProc) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProc) WriteLine(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.writes = append(p.writes, cp)
	if p.echo != nil {
		if out, err := json.Marshal(p.echo); err == nil {
			p.lines <- process.Line{Text: out}
		}
	}
	return nil
}

func (p *fakeProc) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupted = true
	return p.interruptErr
}

func (p *fakeProc) Kill() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
}

func (p *fakeProc) Close() {}

// feed delivers one canonical event to the supervisor's pump.
func (p *fakeProc) feed(t *testing.T, ev event.AgentEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal scripted event: %v", err)
	}
	p.lines <- process.Line{Text: data}
}

// exit simulates the process going away with the given exit error.
func (p *fakeProc) exit(err error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.lines)
		close(p.done)
	})
}

func (p *fakeProc) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

func (p *fakeProc) lastWrite() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return ""
	}
	return string(p.writes[len(p.writes)-1])
}

func (p *fakeProc) wasInterrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// passParser decodes each line as a JSON canonical event, so tests script
// supervisor input directly.
type passParser struct{}

func (passParser) ParseLine(line []byte) []event.AgentEvent {
	var ev event.AgentEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return []event.AgentEvent{event.RawDiagnostic(line, err)}
	}
	return []event.AgentEvent{ev}
}

// fakeRunner is a scripted agentrunner.Runner whose spawn method doubles as
// the supervisor's spawnFunc.
type fakeRunner struct {
	mu         sync.Mutex
	procs      []*fakeProc
	spawnErr   error
	resume     bool
	resumeIDs  []string
	encodeErr  error
	ctlErr     error
	spawnCalls int
}

func (r *fakeRunner) Name() string         { return "claude" }
func (r *fakeRunner) SupportsResume() bool { return r.resume }

func (r *fakeRunner) SpawnArgs(_ session.Mode, _ string, resumeID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumeIDs = append(r.resumeIDs, resumeID)
	return []string{"--scripted"}
}

func (r *fakeRunner) NewParser() agentrunner.Parser { return passParser{} }

func (r *fakeRunner) EncodeTurn(text string, _ []session.ImageAttachment) ([]byte, error) {
	if r.encodeErr != nil {
		return nil, r.encodeErr
	}
	return []byte("turn:" + text), nil
}

func (r *fakeRunner) EncodeControlResponse(req *control.Request, _ *control.Response) ([]byte, error) {
	if r.ctlErr != nil {
		return nil, r.ctlErr
	}
	return []byte("ctl:" + req.ID), nil
}

func (r *fakeRunner) spawn(_ string, _ []string, _ string) (procHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawnCalls++
	if r.spawnErr != nil {
		return nil, r.spawnErr
	}
	p := newFakeProc()
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRunner) proc() *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.procs) == 0 {
		return nil
	}
	return r.procs[len(r.procs)-1]
}

func (r *fakeRunner) spawns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spawnCalls
}

type sunkEvent struct {
	sessionID uuid.UUID
	ev        event.AgentEvent
}

// waitEvent drains the sink channel until an event of the wanted type shows
// up, failing the test on timeout.
func waitEvent(t *testing.T, ch chan sunkEvent, typ event.Type) event.AgentEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.ev.Type == typ {
				return e.ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

// waitState polls until the supervisor reaches the wanted state.
func waitState(t *testing.T, s *Supervisor, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("supervisor state = %s, want %s", s.State(), want)
}
