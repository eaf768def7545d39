package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/arthur-zhang/conduit/internal/domain/event"
	"github.com/arthur-zhang/conduit/internal/domain/session"
)

const meterName = "conduit"

// Metrics holds the orchestrator's metric instruments.
type Metrics struct {
	TurnsCompleted  metric.Int64Counter
	TurnsFailed     metric.Int64Counter
	ToolCalls       metric.Int64Counter
	ControlRequests metric.Int64Counter
	TurnTokens      metric.Int64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TurnsCompleted, err = meter.Int64Counter("conduit.turns.completed",
		metric.WithDescription("Number of turns completed"))
	if err != nil {
		return nil, err
	}

	m.TurnsFailed, err = meter.Int64Counter("conduit.turns.failed",
		metric.WithDescription("Number of turns failed"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("conduit.toolcalls",
		metric.WithDescription("Number of tool calls"))
	if err != nil {
		return nil, err
	}

	m.ControlRequests, err = meter.Int64Counter("conduit.control.requests",
		metric.WithDescription("Number of mid-turn interactive requests"))
	if err != nil {
		return nil, err
	}

	m.TurnTokens, err = meter.Int64Histogram("conduit.turn.tokens",
		metric.WithDescription("Total tokens reported per completed turn"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveEvent records one canonical event. Wired as the orchestrator's
// event observer.
func (m *Metrics) ObserveEvent(provider session.Provider, ev event.AgentEvent) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("provider", string(provider)))

	switch ev.Type {
	case event.TypeTurnCompleted:
		m.TurnsCompleted.Add(ctx, 1, attrs)
		if ev.Usage != nil {
			m.TurnTokens.Record(ctx, ev.Usage.TotalTokens, attrs)
		}
	case event.TypeTurnFailed:
		m.TurnsFailed.Add(ctx, 1, attrs)
	case event.TypeToolStarted:
		m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", string(provider)),
			attribute.String("tool", string(ev.Tool))))
	case event.TypeControlRequest:
		m.ControlRequests.Add(ctx, 1, attrs)
	}
}
