package service

import (
	"sync"
	"time"

	"github.com/arthur-zhang/conduit/internal/domain/event"
)

// TurnSummary is the aggregate for one completed turn.
type TurnSummary struct {
	Duration  time.Duration `json:"duration"`
	ToolCalls int           `json:"tool_calls"`
	Usage     *event.Usage  `json:"usage,omitempty"`
}

// TurnAccounting aggregates token usage and timing per turn and running
// totals for the session.
type TurnAccounting struct {
	mu        sync.Mutex
	turnStart time.Time
	toolCalls int
	totals    event.Usage
	turns     int
}

// NewTurnAccounting creates an empty accounting record.
func NewTurnAccounting() *TurnAccounting {
	return &TurnAccounting{}
}

// StartTurn marks the beginning of a turn.
func (a *TurnAccounting) StartTurn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turnStart = time.Now()
	a.toolCalls = 0
}

// RecordTool counts one tool invocation in the current turn.
func (a *TurnAccounting) RecordTool() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toolCalls++
}

// FinishTurn closes the current turn and folds usage into the session
// totals. usage may be nil when the provider reported none.
func (a *TurnAccounting) FinishTurn(usage *event.Usage) TurnSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	summary := TurnSummary{
		ToolCalls: a.toolCalls,
		Usage:     usage,
	}
	if !a.turnStart.IsZero() {
		summary.Duration = time.Since(a.turnStart)
	}

	a.turns++
	if usage != nil {
		a.totals.InputTokens += usage.InputTokens
		a.totals.OutputTokens += usage.OutputTokens
		a.totals.CacheReadTokens += usage.CacheReadTokens
		// TotalTokens tracks the latest context occupancy, not a sum: the
		// provider reports the full conversation size each turn.
		a.totals.TotalTokens = usage.TotalTokens
	}
	a.turnStart = time.Time{}
	a.toolCalls = 0
	return summary
}

// Totals returns the session-lifetime usage aggregate.
func (a *TurnAccounting) Totals() event.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}

// Turns returns the number of completed turns.
func (a *TurnAccounting) Turns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns
}
