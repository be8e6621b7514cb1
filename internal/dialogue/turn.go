// Package dialogue keeps the per-user conversation history replayed to the
// language model on every cycle.
package dialogue

import (
	"time"

	"github.com/szaher/assistantgpt/internal/action"
)

// Kind identifies the variant of a Turn.
type Kind string

const (
	KindSystem       Kind = "system"
	KindUser         Kind = "user"
	KindAssistant    Kind = "assistant"
	KindActionResult Kind = "action_result"
)

// Turn is one entry of a dialogue. Exactly one variant is populated:
//
//	system        Text
//	user          Text
//	assistant     Text, or Call with optional Text (Synthetic marks locally
//	              generated replies)
//	action_result CallID, ActionName, Outcome
type Turn struct {
	Kind       Kind            `json:"kind"`
	Text       string          `json:"text,omitempty"`
	Call       *action.Call    `json:"call,omitempty"`
	Synthetic  bool            `json:"synthetic,omitempty"`
	CallID     string          `json:"call_id,omitempty"`
	ActionName string          `json:"action_name,omitempty"`
	Outcome    *action.Outcome `json:"outcome,omitempty"`
	At         time.Time       `json:"at"`
}

// System returns the system instruction turn.
func System(text string) Turn {
	return Turn{Kind: KindSystem, Text: text}
}

// User returns a user message turn.
func User(text string) Turn {
	return Turn{Kind: KindUser, Text: text}
}

// Assistant returns a plain assistant reply.
func Assistant(text string) Turn {
	return Turn{Kind: KindAssistant, Text: text}
}

// Synthetic returns an assistant reply produced locally rather than by the
// model, such as an apology after a failed cycle.
func Synthetic(text string) Turn {
	return Turn{Kind: KindAssistant, Text: text, Synthetic: true}
}

// ActionCall returns an assistant turn requesting an action.
func ActionCall(call action.Call) Turn {
	return Turn{Kind: KindAssistant, Call: &call}
}

// ActionResult returns the turn answering the call with the given id.
func ActionResult(callID, name string, outcome action.Outcome) Turn {
	return Turn{Kind: KindActionResult, CallID: callID, ActionName: name, Outcome: &outcome}
}

// IsActionCall reports whether t is an assistant turn carrying a call.
func (t Turn) IsActionCall() bool {
	return t.Kind == KindAssistant && t.Call != nil
}
