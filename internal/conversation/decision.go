package conversation

import (
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/szaher/assistantgpt/internal/action"
	"github.com/szaher/assistantgpt/internal/dialogue"
	"github.com/szaher/assistantgpt/internal/llm"
)

// DecisionKind tags a model response.
type DecisionKind int

const (
	// PlainReply is final text for the user.
	PlainReply DecisionKind = iota
	// ActionRequest asks for one action to be dispatched.
	ActionRequest
)

// Decision is a model response classified once at the model boundary.
type Decision struct {
	Kind DecisionKind
	Text string
	Call action.Call
	// Dropped counts extra tool calls ignored because only one action may
	// be open at a time.
	Dropped int
}

// Decide classifies resp. When several tool calls are present only the
// first is kept. Calls without an id get a generated one.
func Decide(resp *llm.ChatResponse) Decision {
	if len(resp.ToolCalls) == 0 {
		return Decision{Kind: PlainReply, Text: strings.TrimSpace(resp.Content)}
	}

	tc := resp.ToolCalls[0]
	id := tc.ID
	if id == "" {
		id = "call_" + ulid.Make().String()
	}
	args := tc.Input
	if args == nil {
		args = map[string]any{}
	}
	return Decision{
		Kind: ActionRequest,
		Text: strings.TrimSpace(resp.Content),
		Call: action.Call{
			ID:         id,
			Name:       tc.Name,
			Arguments:  args,
			ParseError: tc.InputError,
		},
		Dropped: len(resp.ToolCalls) - 1,
	}
}

// toMessages converts stored turns into provider messages. The system turn
// is returned separately because providers take it out of band.
func toMessages(turns []dialogue.Turn) (system string, msgs []llm.Message) {
	msgs = make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Kind {
		case dialogue.KindSystem:
			system = t.Text
		case dialogue.KindUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Text})
		case dialogue.KindAssistant:
			msg := llm.Message{Role: llm.RoleAssistant, Content: t.Text}
			if t.Call != nil {
				msg.ToolCalls = []llm.ToolCall{{ID: t.Call.ID, Name: t.Call.Name, Input: t.Call.Arguments}}
			}
			msgs = append(msgs, msg)
		case dialogue.KindActionResult:
			outcome := action.Failure(action.KindExternalError, "missing outcome")
			if t.Outcome != nil {
				outcome = *t.Outcome
			}
			msgs = append(msgs, llm.Message{
				Role: llm.RoleUser,
				ToolResult: &llm.ToolResult{
					ToolUseID: t.CallID,
					Name:      t.ActionName,
					Content:   outcome.Render(),
					IsError:   outcome.Failed(),
				},
			})
		}
	}
	return system, msgs
}
