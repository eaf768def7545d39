// Package control defines mid-turn interactive requests from an agent and
// the structured responses that answer them. A session holds the agent's
// input channel while exactly one request is pending; responses are only
// accepted when their correlation id matches that request.
package control

import (
	"fmt"

	"github.com/arthur-zhang/conduit/internal/domain"
)

// Kind discriminates the two supported interactive request shapes.
type Kind string

const (
	// KindAskUserQuestion is a set of multiple-choice questions the agent
	// needs answered before it can continue the turn.
	KindAskUserQuestion Kind = "ask_user_question"

	// KindExitPlanMode asks the user to approve or reject a plan before the
	// agent switches from planning to building.
	KindExitPlanMode Kind = "exit_plan_mode"
)

// Question is a single entry in an AskUserQuestion request.
type Question struct {
	Header      string   `json:"header,omitempty"`
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

// Request is one interactive prompt emitted by a protocol adapter.
type Request struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Questions []Question `json:"questions,omitempty"`
	Plan      string     `json:"plan,omitempty"`
}

// Response answers a pending Request. RequestID must equal the pending
// request's correlation id or the response is discarded.
type Response struct {
	RequestID string `json:"request_id"`

	// Answers maps question text to the selected option value(s); required
	// for ask_user_question.
	Answers map[string][]string `json:"answers,omitempty"`

	// Approved and Feedback apply to exit_plan_mode.
	Approved bool   `json:"approved,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// Validate checks that resp is a complete, well-shaped answer for req.
// A malformed answer is rejected back to the caller rather than forwarded
// to the agent process.
func Validate(req *Request, resp *Response) error {
	if req == nil {
		return fmt.Errorf("%w: no pending control request", domain.ErrValidation)
	}
	if resp.RequestID != req.ID {
		return fmt.Errorf("%w: response id %q does not match pending request %q",
			domain.ErrValidation, resp.RequestID, req.ID)
	}

	switch req.Kind {
	case KindAskUserQuestion:
		for _, q := range req.Questions {
			selected, ok := resp.Answers[q.Question]
			if !ok || len(selected) == 0 {
				return fmt.Errorf("%w: missing answer for question %q", domain.ErrValidation, q.Question)
			}
			if !q.MultiSelect && len(selected) > 1 {
				return fmt.Errorf("%w: question %q accepts a single answer", domain.ErrValidation, q.Question)
			}
		}
		return nil
	case KindExitPlanMode:
		// Approve/deny plus optional feedback; nothing further to check.
		return nil
	default:
		return fmt.Errorf("%w: unknown control request kind %q", domain.ErrValidation, req.Kind)
	}
}
