// Package service implements the orchestration core: session supervisors,
// message queues, control correlation, tab lifecycle, and fork seeds.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/arthur-zhang/conduit/internal/config"
	"github.com/arthur-zhang/conduit/internal/domain"
	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/event"
	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/domain/workspace"
	"github.com/arthur-zhang/conduit/internal/port/agentrunner"
	"github.com/arthur-zhang/conduit/internal/port/broadcast"
	"github.com/arthur-zhang/conduit/internal/port/cache"
	"github.com/arthur-zhang/conduit/internal/port/database"
	"github.com/arthur-zhang/conduit/internal/port/gitinfo"
	"github.com/arthur-zhang/conduit/internal/port/messagequeue"
)

// EventObserver is an optional hook invoked for every canonical event,
// used for metrics.
type EventObserver func(provider session.Provider, ev event.AgentEvent)

// SessionView is the read model for one session exposed to the transports.
type SessionView struct {
	session.Session
	State          session.State    `json:"state"`
	PendingControl *control.Request `json:"pending_control,omitempty"`
	Usage          event.Usage      `json:"usage"`
	UsagePercent   int              `json:"usage_percent"`
}

// CreateParams are the inputs for opening a new session.
type CreateParams struct {
	WorkspaceID   uuid.UUID
	Provider      session.Provider
	Mode          session.Mode
	Model         string
	ForkLineageID uuid.UUID
}

// Orchestrator owns the set of session supervisors and exposes the
// command surface consumed by the HTTP and WebSocket transports.
type Orchestrator struct {
	mu   sync.Mutex
	sups map[uuid.UUID]*Supervisor

	cfg         *config.Config
	store       database.Store
	tabs        *TabRegistry
	forks       *ForkService
	windows     *ContextWindows
	broadcaster broadcast.Broadcaster
	mirror      messagequeue.Queue
	git         gitinfo.Service
	observe     EventObserver
	sem         *semaphore.Weighted
	log         *slog.Logger
}

// NewOrchestrator wires the orchestration core. mirror, git, cacheC, and
// observe may be nil.
func NewOrchestrator(
	cfg *config.Config,
	store database.Store,
	broadcaster broadcast.Broadcaster,
	mirror messagequeue.Queue,
	git gitinfo.Service,
	cacheC cache.Cache,
	observe EventObserver,
	log *slog.Logger,
) *Orchestrator {
	windows := NewContextWindows(cfg, cacheC)
	return &Orchestrator{
		sups:        make(map[uuid.UUID]*Supervisor),
		cfg:         cfg,
		store:       store,
		tabs:        NewTabRegistry(store, log),
		forks:       NewForkService(store, windows, cfg.Orchestrator.DataDir, log),
		windows:     windows,
		broadcaster: broadcaster,
		mirror:      mirror,
		git:         git,
		observe:     observe,
		sem:         semaphore.NewWeighted(int64(cfg.Orchestrator.MaxSessions)),
		log:         log,
	}
}

// Start reconciles the persisted tab set and restores a supervisor for
// every surviving open tab. Sessions beyond the concurrency limit are
// closed rather than left half-alive.
func (o *Orchestrator) Start(ctx context.Context) error {
	open, err := o.tabs.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile tabs: %w", err)
	}

	for i := range open {
		tab := open[i]
		if !o.sem.TryAcquire(1) {
			o.log.Warn("session limit reached during restore; closing tab", "tab_id", tab.ID)
			if err := o.store.MarkClosed(ctx, tab.ID); err != nil {
				return fmt.Errorf("close over-limit tab %s: %w", tab.ID, err)
			}
			continue
		}

		sup, err := o.buildSupervisor(ctx, &tab)
		if err != nil {
			o.sem.Release(1)
			o.log.Error("restore session", "tab_id", tab.ID, "error", err)
			if err := o.store.MarkClosed(ctx, tab.ID); err != nil {
				return fmt.Errorf("close unrestorable tab %s: %w", tab.ID, err)
			}
			continue
		}

		o.mu.Lock()
		o.sups[tab.ID] = sup
		o.mu.Unlock()
		o.log.Info("session restored", "tab_id", tab.ID, "provider", tab.Provider)
	}
	return nil
}

// buildSupervisor constructs and starts a supervisor for tab.
func (o *Orchestrator) buildSupervisor(ctx context.Context, tab *session.Session) (*Supervisor, error) {
	agentCfg, ok := o.cfg.Agents.ForProvider(string(tab.Provider))
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, tab.Provider)
	}

	runner, err := agentrunner.New(string(tab.Provider), nil)
	if err != nil {
		return nil, err
	}

	ws, err := o.store.GetWorkspace(ctx, tab.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	if err := o.store.TouchWorkspace(ctx, ws.ID); err != nil {
		o.log.Warn("touch workspace", "workspace_id", ws.ID, "error", err)
	}

	sup := NewSupervisor(tab, runner, agentCfg, ws.Path, o.store, o.sink, o.log, o.cfg.Orchestrator)
	if err := sup.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}
	return sup, nil
}

// sink fans every canonical event out to the UI broadcaster, the optional
// broker mirror, the metrics observer, and the context-window resolver.
func (o *Orchestrator) sink(sessionID uuid.UUID, ev event.AgentEvent) {
	ctx := context.Background()

	sup := o.supervisor(sessionID)
	var provider session.Provider
	var model string
	if sup != nil {
		snap := sup.Session()
		provider = snap.Provider
		model = snap.Model
	}

	if ev.Usage != nil && ev.Usage.ContextWindow > 0 {
		o.windows.Observe(ctx, model, ev.Usage.ContextWindow)
	}

	envelope := struct {
		SessionID uuid.UUID        `json:"session_id"`
		Event     event.AgentEvent `json:"event"`
	}{SessionID: sessionID, Event: ev}

	kind := "agent_event"
	if ev.Type == event.TypeControlRequest {
		kind = "control_request"
	}
	o.broadcaster.BroadcastEvent(ctx, kind, envelope)

	if o.mirror != nil {
		if data, err := json.Marshal(envelope); err == nil {
			subject := messagequeue.SessionEventsSubject(sessionID.String())
			if err := o.mirror.Publish(ctx, subject, data); err != nil {
				o.log.Warn("mirror publish", "subject", subject, "error", err)
			}
		}
	}

	if o.observe != nil {
		o.observe(provider, ev)
	}
}

// CreateSession opens a new tab and spawns its agent. An already-open
// session on the same workspace is closed first.
func (o *Orchestrator) CreateSession(ctx context.Context, p CreateParams) (*SessionView, error) {
	if !p.Provider.Valid() {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrValidation, p.Provider)
	}
	if p.Mode == "" {
		p.Mode = session.ModeBuild
	}
	agentCfg, _ := o.cfg.Agents.ForProvider(string(p.Provider))
	if p.Model == "" {
		p.Model = agentCfg.DefaultModel
	}

	// Displace a live session on the same workspace before the tab layer
	// displaces its row.
	o.mu.Lock()
	var displaced []*Supervisor
	for id, sup := range o.sups {
		if sup.Session().WorkspaceID == p.WorkspaceID {
			displaced = append(displaced, sup)
			delete(o.sups, id)
		}
	}
	o.mu.Unlock()
	for _, sup := range displaced {
		if err := sup.Close(ctx); err != nil {
			o.log.Warn("close displaced session", "session_id", sup.Session().ID, "error", err)
		}
		o.sem.Release(1)
	}

	if !o.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: session limit of %d reached", domain.ErrConflict, o.cfg.Orchestrator.MaxSessions)
	}

	tab, err := o.tabs.OpenTab(ctx, p.WorkspaceID, p.Provider, p.Mode, p.Model, p.ForkLineageID)
	if err != nil {
		o.sem.Release(1)
		return nil, err
	}

	if _, known := modelCatalog[p.Model]; !known && p.Model != agentCfg.DefaultModel {
		tab.ModelInvalid = true
		invalid := true
		if err := o.store.UpdateTab(ctx, tab.ID, database.TabPatch{ModelInvalid: &invalid}); err != nil {
			o.log.Warn("persist model-invalid flag", "tab_id", tab.ID, "error", err)
		}
	}

	sup, err := o.buildSupervisor(ctx, tab)
	if err != nil {
		o.sem.Release(1)
		if mcErr := o.store.MarkClosed(ctx, tab.ID); mcErr != nil {
			o.log.Error("close failed tab", "tab_id", tab.ID, "error", mcErr)
		}
		return nil, err
	}

	o.mu.Lock()
	o.sups[tab.ID] = sup
	o.mu.Unlock()

	o.broadcaster.BroadcastEvent(ctx, "session_started", o.view(sup))
	view := o.view(sup)
	return &view, nil
}

func (o *Orchestrator) supervisor(id uuid.UUID) *Supervisor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sups[id]
}

func (o *Orchestrator) get(id uuid.UUID) (*Supervisor, error) {
	if sup := o.supervisor(id); sup != nil {
		return sup, nil
	}
	return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
}

func (o *Orchestrator) view(sup *Supervisor) SessionView {
	snap := sup.Session()
	usage := sup.UsageTotals()
	window := o.windows.Resolve(context.Background(), snap.Provider, snap.Model)
	return SessionView{
		Session:        snap,
		State:          sup.State(),
		PendingControl: sup.PendingControl(),
		Usage:          usage,
		UsagePercent:   usage.Percent(window),
	}
}

// Session returns the read model for one live session.
func (o *Orchestrator) Session(id uuid.UUID) (*SessionView, error) {
	sup, err := o.get(id)
	if err != nil {
		return nil, err
	}
	v := o.view(sup)
	return &v, nil
}

// Sessions returns the read models of all live sessions.
func (o *Orchestrator) Sessions() []SessionView {
	o.mu.Lock()
	sups := make([]*Supervisor, 0, len(o.sups))
	for _, sup := range o.sups {
		sups = append(sups, sup)
	}
	o.mu.Unlock()

	views := make([]SessionView, 0, len(sups))
	for _, sup := range sups {
		views = append(views, o.view(sup))
	}
	return views
}

// SendMessage routes a user message to the session.
func (o *Orchestrator) SendMessage(id uuid.UUID, text string, images []session.ImageAttachment, mode session.MessageMode) (session.QueuedMessage, error) {
	sup, err := o.get(id)
	if err != nil {
		return session.QueuedMessage{}, err
	}
	if mode != session.ModeQueued && mode != session.ModeSteer {
		return session.QueuedMessage{}, fmt.Errorf("%w: unknown message mode %q", domain.ErrValidation, mode)
	}
	return sup.SendMessage(text, images, mode)
}

// Interrupt requests cancellation of a session's in-flight turn.
func (o *Orchestrator) Interrupt(id uuid.UUID) error {
	sup, err := o.get(id)
	if err != nil {
		return err
	}
	return sup.Interrupt()
}

// RespondToControl answers a session's pending interactive request.
func (o *Orchestrator) RespondToControl(id uuid.UUID, resp *control.Response) error {
	sup, err := o.get(id)
	if err != nil {
		return err
	}
	return sup.RespondToControl(resp)
}

// Fork builds (or returns the existing) fork seed for a session.
func (o *Orchestrator) Fork(ctx context.Context, id uuid.UUID) (*workspace.ForkSeed, bool, error) {
	sup, err := o.get(id)
	if err != nil {
		return nil, false, err
	}
	return o.forks.CreateSeed(ctx, sup.Session())
}

// CloseSession tears down a session and marks its tab not-open.
func (o *Orchestrator) CloseSession(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	sup, ok := o.sups[id]
	if ok {
		delete(o.sups, id)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}

	err := sup.Close(ctx)
	o.sem.Release(1)
	o.broadcaster.BroadcastEvent(ctx, "session_ended", struct {
		SessionID uuid.UUID `json:"session_id"`
	}{SessionID: id})
	return err
}

// QueuedMessages lists a session's pending messages.
func (o *Orchestrator) QueuedMessages(id uuid.UUID) ([]session.QueuedMessage, error) {
	sup, err := o.get(id)
	if err != nil {
		return nil, err
	}
	return sup.QueueSnapshot(), nil
}

// RemoveQueuedMessage deletes one pending message.
func (o *Orchestrator) RemoveQueuedMessage(id, messageID uuid.UUID) error {
	sup, err := o.get(id)
	if err != nil {
		return err
	}
	if !sup.RemoveQueued(messageID) {
		return fmt.Errorf("%w: queued message %s", domain.ErrNotFound, messageID)
	}
	return nil
}

// MoveQueuedMessage repositions one pending message.
func (o *Orchestrator) MoveQueuedMessage(id, messageID uuid.UUID, newIndex int) error {
	sup, err := o.get(id)
	if err != nil {
		return err
	}
	if !sup.MoveQueued(messageID, newIndex) {
		return fmt.Errorf("%w: queued message %s", domain.ErrNotFound, messageID)
	}
	return nil
}

// SetPendingMessage persists a session's draft input.
func (o *Orchestrator) SetPendingMessage(id uuid.UUID, text string) error {
	sup, err := o.get(id)
	if err != nil {
		return err
	}
	sup.SetPending(text)
	return nil
}

// RenameSession sets a user-chosen session title.
func (o *Orchestrator) RenameSession(id uuid.UUID, title string) error {
	sup, err := o.get(id)
	if err != nil {
		return err
	}
	sup.Rename(title)
	return nil
}

// InputHistory returns a session's recorded inputs, oldest first.
func (o *Orchestrator) InputHistory(id uuid.UUID) ([]string, error) {
	sup, err := o.get(id)
	if err != nil {
		return nil, err
	}
	return sup.Session().InputHistory, nil
}

// Workspaces lists the known workspaces.
func (o *Orchestrator) Workspaces(ctx context.Context) ([]workspace.Workspace, error) {
	return o.store.ListWorkspaces(ctx)
}

// Preflight returns pull-request preflight facts for a workspace, or
// ErrNotFound when no git service is wired. A discovered PR number is
// recorded on the workspace's live session.
func (o *Orchestrator) Preflight(ctx context.Context, workspaceID uuid.UUID) (*gitinfo.Preflight, error) {
	if o.git == nil {
		return nil, fmt.Errorf("%w: git service not configured", domain.ErrNotFound)
	}
	facts, err := o.git.Preflight(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	if facts.ExistingPR > 0 {
		o.mu.Lock()
		var sup *Supervisor
		for _, s := range o.sups {
			if s.Session().WorkspaceID == workspaceID {
				sup = s
				break
			}
		}
		o.mu.Unlock()
		if sup != nil {
			sup.RecordPullRequest(facts.ExistingPR)
		}
	}
	return facts, nil
}

// AppState reads one orchestrator-adjacent UI state value.
func (o *Orchestrator) AppState(ctx context.Context, key string) (string, error) {
	return o.store.GetAppState(ctx, key)
}

// SetAppState writes one orchestrator-adjacent UI state value.
func (o *Orchestrator) SetAppState(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: empty app state key", domain.ErrValidation)
	}
	return o.store.SetAppState(ctx, key, value)
}

// Shutdown stops every supervisor without closing its tab, so open
// sessions are restored on the next start.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	sups := make([]*Supervisor, 0, len(o.sups))
	for _, sup := range o.sups {
		sups = append(sups, sup)
	}
	o.sups = make(map[uuid.UUID]*Supervisor)
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			s.Shutdown()
		}(sup)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("shutdown deadline exceeded; abandoning supervisors")
	case <-time.After(10 * time.Second):
		o.log.Warn("shutdown timed out; abandoning supervisors")
	}
}
