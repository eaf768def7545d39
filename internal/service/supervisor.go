package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arthur-zhang/conduit/internal/config"
	"github.com/arthur-zhang/conduit/internal/domain"
	"github.com/arthur-zhang/conduit/internal/domain/control"
	"github.com/arthur-zhang/conduit/internal/domain/event"
	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/port/agentrunner"
	"github.com/arthur-zhang/conduit/internal/port/database"
	"github.com/arthur-zhang/conduit/internal/process"
	"github.com/arthur-zhang/conduit/internal/resilience"
)

// persistTimeout bounds each write-through store call.
const persistTimeout = 5 * time.Second

// procHandle abstracts process.Handle so supervisor tests can run against a
// scripted fake instead of a real child process.
type procHandle interface {
	Lines() <-chan process.Line
	Done() <-chan struct{}
	ExitErr() error
	WriteLine(data []byte) error
	Interrupt() error
	Kill()
	Close()
}

// spawnFunc starts a provider process. The default wraps process.Spawn.
type spawnFunc func(binary string, args []string, workdir string) (procHandle, error)

func defaultSpawn(binary string, args []string, workdir string) (procHandle, error) {
	return process.Spawn(binary, args, workdir)
}

// EventSink receives every canonical event a supervisor produces, in order.
type EventSink func(sessionID uuid.UUID, ev event.AgentEvent)

// Supervisor owns one session's mutable state. It is the only writer: all
// mutation flows through its operations or its process event pump, both
// serialized on the internal mutex.
type Supervisor struct {
	mu sync.Mutex

	sess   *session.Session
	state  session.State
	runner agentrunner.Runner
	parser agentrunner.Parser

	queue  *MessageQueue
	broker *ControlBroker
	acct   *TurnAccounting

	store database.Store
	sink  EventSink
	log   *slog.Logger

	agentCfg         config.Agent
	workspacePath    string
	interruptTimeout time.Duration

	spawn spawnFunc
	proc  procHandle

	interrupting   bool
	interruptTimer *time.Timer
	pumpGen        int
}

// NewSupervisor builds a supervisor for sess. Call Start to spawn the
// process before sending messages.
func NewSupervisor(
	sess *session.Session,
	runner agentrunner.Runner,
	agentCfg config.Agent,
	workspacePath string,
	store database.Store,
	sink EventSink,
	log *slog.Logger,
	orchCfg config.Orchestrator,
) *Supervisor {
	queue := NewMessageQueue(orchCfg.MaxQueuedMessages)
	queue.Restore(sess.Queued)
	return &Supervisor{
		sess:             sess,
		state:            session.StateIdle,
		runner:           runner,
		queue:            queue,
		broker:           NewControlBroker(),
		acct:             NewTurnAccounting(),
		store:            store,
		sink:             sink,
		log:              log.With("session_id", sess.ID, "provider", runner.Name()),
		agentCfg:         agentCfg,
		workspacePath:    workspacePath,
		interruptTimeout: orchCfg.InterruptTimeout,
		spawn:            defaultSpawn,
	}
}

// Start spawns the agent process. A spawn failure is fatal to session
// creation; the caller closes the tab row when Start fails.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureProcessLocked()
}

// ensureProcessLocked spawns the provider CLI if it is not running,
// resuming the provider's own conversation when supported.
func (s *Supervisor) ensureProcessLocked() error {
	if s.proc != nil {
		return nil
	}

	resumeID := ""
	if s.runner.SupportsResume() {
		resumeID = s.sess.AgentSessionID
	}
	args := s.runner.SpawnArgs(s.sess.Mode, s.sess.Model, resumeID)

	proc, err := s.spawn(s.agentCfg.Binary, args, s.workspacePath)
	if err != nil {
		return err
	}

	s.proc = proc
	s.parser = s.runner.NewParser()
	s.pumpGen++
	go s.pump(proc, s.parser, s.pumpGen)

	s.log.Info("agent process spawned", "resume", resumeID != "")
	return nil
}

// pump forwards process output through the protocol adapter into the
// supervisor, then handles process exit. One pump per spawned process; gen
// guards against a stale pump touching a respawned session.
func (s *Supervisor) pump(proc procHandle, parser agentrunner.Parser, gen int) {
	for line := range proc.Lines() {
		if line.Stderr {
			// stderr is diagnostic only; surface at debug and keep going.
			s.log.Debug("agent stderr", "line", string(line.Text))
			continue
		}
		for _, ev := range parser.ParseLine(line.Text) {
			s.handleEvent(gen, ev)
		}
	}
	s.handleExit(gen, proc.ExitErr())
}

// handleEvent applies one canonical event to session state and forwards it.
func (s *Supervisor) handleEvent(gen int, ev event.AgentEvent) {
	s.mu.Lock()
	if gen != s.pumpGen || s.state == session.StateClosed {
		s.mu.Unlock()
		return
	}

	var followups []event.AgentEvent
	var write func()

	switch ev.Type {
	case event.TypeSessionInit:
		s.sess.AgentSessionID = ev.AgentSessionID
		s.persistLocked(database.TabPatch{AgentSessionID: &ev.AgentSessionID})

	case event.TypeControlRequest:
		s.broker.Set(ev.Control)
		s.state = session.StateAwaitingControl

	case event.TypeToolStarted:
		s.acct.RecordTool()

	case event.TypeToolCompleted:
		// A tool boundary is the safe yield point for steer messages.
		if s.state == session.StateRunning {
			followups = s.deliverSteerLocked()
		}

	case event.TypeTurnCompleted:
		s.acct.FinishTurn(ev.Usage)
		followups, write = s.turnEndedLocked()

	case event.TypeTurnFailed:
		s.acct.FinishTurn(nil)
		followups, write = s.turnEndedLocked()
	}

	s.mu.Unlock()

	s.sink(s.sess.ID, ev)
	for _, f := range followups {
		s.sink(s.sess.ID, f)
	}
	if write != nil {
		write()
	}
}

// turnEndedLocked returns the session to idle and dispatches the next
// pending message. When the turn ended because of an interrupt, queued
// messages stay queued.
func (s *Supervisor) turnEndedLocked() ([]event.AgentEvent, func()) {
	s.state = session.StateIdle
	s.broker.Clear()

	if s.interrupting {
		s.stopInterruptLocked()
		return nil, nil
	}

	msg, ok := s.queue.Next()
	if !ok {
		return nil, nil
	}
	return s.dispatchLocked(msg)
}

// deliverSteerLocked writes the first pending steer message into the
// current turn at a tool boundary, ahead of any queued messages.
func (s *Supervisor) deliverSteerLocked() []event.AgentEvent {
	msg, ok := s.queue.NextSteer()
	if !ok {
		return nil
	}

	data, err := s.runner.EncodeTurn(msg.Text, msg.Images)
	if err != nil {
		s.log.Error("encode steer message", "error", err)
		return nil
	}
	if err := s.proc.WriteLine(data); err != nil {
		s.log.Error("write steer message", "error", err)
		return nil
	}

	s.sess.RecordInput(msg.Text)
	s.persistQueueLocked()
	s.log.Info("steer message delivered", "message_id", msg.ID)
	return nil
}

// dispatchLocked starts a new turn with msg. Returns the events to emit
// after the lock is released plus the write that delivers the turn to the
// process. The caller runs the write after emitting the events, so the
// turn start is on the stream before the agent can produce any output for
// the turn.
func (s *Supervisor) dispatchLocked(msg session.QueuedMessage) ([]event.AgentEvent, func()) {
	if err := s.ensureProcessLocked(); err != nil {
		s.log.Error("respawn agent process", "error", err)
		return []event.AgentEvent{{
			Type:      event.TypeError,
			Timestamp: time.Now(),
			Message:   fmt.Sprintf("failed to start agent process: %v", err),
			Fatal:     true,
		}}, nil
	}

	data, err := s.runner.EncodeTurn(msg.Text, msg.Images)
	if err != nil {
		return []event.AgentEvent{{
			Type:      event.TypeError,
			Timestamp: time.Now(),
			Message:   fmt.Sprintf("failed to encode message: %v", err),
			Fatal:     true,
		}}, nil
	}

	s.sess.RecordInput(msg.Text)
	if s.sess.Title == "" {
		s.sess.Title = session.DeriveTitle(msg.Text)
		s.sess.TitleGenerated = true
	}

	queued := s.queue.Snapshot()
	history := s.sess.InputHistory
	empty := ""
	s.persistLocked(database.TabPatch{
		Queued:         &queued,
		InputHistory:   &history,
		Pending:        &empty,
		Title:          &s.sess.Title,
		TitleGenerated: &s.sess.TitleGenerated,
	})

	s.acct.StartTurn()
	s.state = session.StateRunning

	proc := s.proc
	write := func() {
		if err := proc.WriteLine(data); err != nil {
			s.failUndeliveredTurn(err)
		}
	}
	return []event.AgentEvent{{Type: event.TypeTurnStarted, Timestamp: time.Now()}}, write
}

// failUndeliveredTurn backs out a dispatched turn whose input never reached
// the process. The turn start is already on the stream, so the failure is
// reported as a failed turn rather than swallowed.
func (s *Supervisor) failUndeliveredTurn(err error) {
	s.mu.Lock()
	if s.state == session.StateClosed {
		s.mu.Unlock()
		return
	}
	if s.state == session.StateRunning {
		s.state = session.StateIdle
	}
	s.acct.FinishTurn(nil)
	s.mu.Unlock()

	msg := fmt.Sprintf("failed to write to agent: %v", err)
	s.log.Error("write turn to agent", "error", err)
	s.sink(s.sess.ID, event.AgentEvent{Type: event.TypeTurnFailed, Timestamp: time.Now(), Message: msg})
	s.sink(s.sess.ID, event.AgentEvent{Type: event.TypeError, Timestamp: time.Now(), Message: msg, Fatal: true})
}

// handleExit reacts to the process going away. An exit mid-turn is a crash:
// the turn fails fatally but the session returns to idle so the user can
// retry; the tab is never force-closed.
func (s *Supervisor) handleExit(gen int, exitErr error) {
	s.mu.Lock()
	if gen != s.pumpGen || s.state == session.StateClosed {
		s.mu.Unlock()
		return
	}

	if s.proc != nil {
		s.proc.Close()
		s.proc = nil
	}

	state := s.state
	interrupted := s.interrupting
	s.stopInterruptLocked()
	s.broker.Clear()
	s.state = session.StateIdle
	s.mu.Unlock()

	if state == session.StateIdle {
		// Exited between turns; nothing to report beyond the log.
		s.log.Info("agent process exited while idle", "exit_err", exitErr)
		return
	}

	if interrupted {
		s.log.Info("agent process exited on interrupt")
		s.sink(s.sess.ID, event.AgentEvent{
			Type:      event.TypeTurnFailed,
			Timestamp: time.Now(),
			Message:   "turn interrupted",
		})
		return
	}

	msg := "agent process exited unexpectedly"
	if exitErr != nil {
		msg = fmt.Sprintf("agent process exited unexpectedly: %v", exitErr)
	}
	s.log.Error("agent process crashed mid-turn", "exit_err", exitErr)
	s.sink(s.sess.ID, event.AgentEvent{Type: event.TypeTurnFailed, Timestamp: time.Now(), Message: msg})
	s.sink(s.sess.ID, event.AgentEvent{Type: event.TypeError, Timestamp: time.Now(), Message: msg, Fatal: true})
}

// SendMessage queues or dispatches a user message. In idle state the
// message starts a turn immediately; otherwise it joins the queue with the
// requested delivery mode.
func (s *Supervisor) SendMessage(text string, images []session.ImageAttachment, mode session.MessageMode) (session.QueuedMessage, error) {
	msg := session.QueuedMessage{
		ID:        uuid.New(),
		Mode:      mode,
		Text:      text,
		Images:    images,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	if s.state == session.StateClosed {
		s.mu.Unlock()
		return session.QueuedMessage{}, domain.ErrSessionClosed
	}

	var followups []event.AgentEvent
	var write func()
	if s.state == session.StateIdle {
		followups, write = s.dispatchLocked(msg)
	} else {
		if err := s.queue.Append(msg); err != nil {
			s.mu.Unlock()
			return session.QueuedMessage{}, err
		}
		s.persistQueueLocked()
	}
	s.mu.Unlock()

	for _, f := range followups {
		s.sink(s.sess.ID, f)
	}
	if write != nil {
		write()
	}
	return msg, nil
}

// RespondToControl answers the pending interactive request. A correlation
// mismatch or malformed answer is rejected without touching session state.
func (s *Supervisor) RespondToControl(resp *control.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != session.StateAwaitingControl {
		s.log.Warn("control response with no pending request", "request_id", resp.RequestID)
		return fmt.Errorf("%w: session is not awaiting control", ErrControlMismatch)
	}

	req, err := s.broker.Resolve(resp)
	if err != nil {
		s.log.Warn("control response rejected", "request_id", resp.RequestID, "error", err)
		return err
	}

	data, err := s.runner.EncodeControlResponse(req, resp)
	if err != nil {
		// Put the request back; the turn cannot continue without an answer.
		s.broker.Set(req)
		return fmt.Errorf("encode control response: %w", err)
	}
	if err := s.proc.WriteLine(data); err != nil {
		s.broker.Set(req)
		return fmt.Errorf("write control response: %w", err)
	}

	s.state = session.StateRunning
	s.log.Info("control response delivered", "request_id", req.ID)
	return nil
}

// PendingControl returns the outstanding interactive request, or nil.
func (s *Supervisor) PendingControl() *control.Request {
	return s.broker.Pending()
}

// Interrupt requests cancellation of the in-flight turn. The session keeps
// its state until the process acknowledges or the bounded timeout forces
// termination.
func (s *Supervisor) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case session.StateIdle, session.StateClosed:
		return nil
	case session.StateRunning, session.StateAwaitingControl:
	}
	if s.interrupting || s.proc == nil {
		return nil
	}

	if err := s.proc.Interrupt(); err != nil {
		return err
	}
	s.interrupting = true
	s.interruptTimer = time.AfterFunc(s.interruptTimeout, s.onInterruptTimeout)
	s.log.Info("interrupt requested")
	return nil
}

// onInterruptTimeout force-terminates a process that did not acknowledge
// cancellation in time, so a session can never hang in "interrupting".
func (s *Supervisor) onInterruptTimeout() {
	s.mu.Lock()
	if !s.interrupting || s.state == session.StateClosed {
		s.mu.Unlock()
		return
	}

	s.interrupting = false
	s.interruptTimer = nil
	s.pumpGen++ // detach the old pump; its exit is already accounted for here
	if s.proc != nil {
		s.proc.Kill()
		s.proc.Close()
		s.proc = nil
	}
	s.broker.Clear()
	s.state = session.StateIdle
	s.mu.Unlock()

	s.log.Warn("interrupt timed out; process force-terminated")
	s.sink(s.sess.ID, event.AgentEvent{
		Type:      event.TypeError,
		Timestamp: time.Now(),
		Message:   "interrupt timed out; agent process was force-terminated",
	})
}

func (s *Supervisor) stopInterruptLocked() {
	s.interrupting = false
	if s.interruptTimer != nil {
		s.interruptTimer.Stop()
		s.interruptTimer = nil
	}
}

// Close tears down the process and marks the persisted tab not-open.
// Queued messages and input history are retained.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == session.StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = session.StateClosed
	s.stopInterruptLocked()
	s.pumpGen++
	proc := s.proc
	s.proc = nil
	s.sess.IsOpen = false
	s.mu.Unlock()

	if proc != nil {
		proc.Close()
	}

	if err := resilience.Retry(ctx, resilience.DefaultRetry, func(ctx context.Context) error {
		return s.store.MarkClosed(ctx, s.sess.ID)
	}); err != nil {
		return fmt.Errorf("mark tab closed: %w", err)
	}
	s.log.Info("session closed")
	return nil
}

// Shutdown stops the process without closing the tab, so the session is
// restored (and resumed where supported) on the next orchestrator start.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.state == session.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = session.StateClosed
	s.stopInterruptLocked()
	s.pumpGen++
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()

	if proc != nil {
		proc.Close()
	}
	s.log.Info("session supervisor shut down; tab remains open")
}

// RemoveQueued deletes a pending message by id.
func (s *Supervisor) RemoveQueued(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.queue.Remove(id) {
		return false
	}
	s.persistQueueLocked()
	return true
}

// MoveQueued repositions a pending message.
func (s *Supervisor) MoveQueued(id uuid.UUID, newIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.queue.Move(id, newIndex) {
		return false
	}
	s.persistQueueLocked()
	return true
}

// QueueSnapshot returns the pending messages in order.
func (s *Supervisor) QueueSnapshot() []session.QueuedMessage {
	return s.queue.Snapshot()
}

// SetPending persists the draft message being composed.
func (s *Supervisor) SetPending(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess.Pending = text
	s.persistLocked(database.TabPatch{Pending: &text})
}

// RecordPullRequest notes the pull-request number discovered for the
// session's branch and writes it through.
func (s *Supervisor) RecordPullRequest(number int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.PullRequestNumber == number {
		return
	}
	s.sess.PullRequestNumber = number
	s.persistLocked(database.TabPatch{PullRequest: &number})
}

// Rename sets a user-chosen title, clearing the auto-generated flag.
func (s *Supervisor) Rename(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess.Title = title
	s.sess.TitleGenerated = false
	gen := false
	s.persistLocked(database.TabPatch{Title: &title, TitleGenerated: &gen})
}

// State returns the current state machine state.
func (s *Supervisor) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns an immutable snapshot of the session record.
func (s *Supervisor) Session() session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := *s.sess
	snap.Queued = s.queue.Snapshot()
	snap.InputHistory = append([]string(nil), s.sess.InputHistory...)
	return snap
}

// UsageTotals returns the session-lifetime token totals.
func (s *Supervisor) UsageTotals() event.Usage {
	return s.acct.Totals()
}

// persistQueueLocked writes the queue through to the store.
func (s *Supervisor) persistQueueLocked() {
	queued := s.queue.Snapshot()
	s.persistLocked(database.TabPatch{Queued: &queued})
}

// persistLocked writes a tab patch through with bounded retries. A write
// that still fails is surfaced as a non-fatal event, never dropped
// silently.
func (s *Supervisor) persistLocked(patch database.TabPatch) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := resilience.Retry(ctx, resilience.DefaultRetry, func(ctx context.Context) error {
		return s.store.UpdateTab(ctx, s.sess.ID, patch)
	}); err != nil {
		s.log.Error("persist session state", "error", err)
		go s.sink(s.sess.ID, event.AgentEvent{
			Type:      event.TypeError,
			Timestamp: time.Now(),
			Message:   fmt.Sprintf("failed to persist session state: %v", err),
		})
	}
}
