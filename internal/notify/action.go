package notify

import (
	"fmt"
	"strings"
)

// MaxActionBytes is the channel limit on encoded callback data.
const MaxActionBytes = 64

// ActionKind enumerates the interactive callbacks the supervisor understands.
type ActionKind string

const (
	// ActionReply asks the operator for a reply routed to a project inbox.
	ActionReply ActionKind = "reply"
	// ActionStatus requests a status report for a project.
	ActionStatus ActionKind = "status"
	// ActionAsk runs the operator's next message as a one-off question.
	ActionAsk ActionKind = "ask"
)

// Action is a typed interactive callback. The wire form is a small delimited
// string ("kind:arg1:arg2"), parsed once at the boundary.
type Action struct {
	Kind    ActionKind
	Project string
	File    string // only for ActionReply

	// Label is the button text. Transient: never encoded or persisted.
	Label string
}

// Encode renders the action to its wire form, enforcing the byte limit.
func (a Action) Encode() (string, error) {
	var data string
	switch a.Kind {
	case ActionReply:
		data = fmt.Sprintf("%s:%s:%s", a.Kind, a.Project, a.File)
	case ActionStatus, ActionAsk:
		data = fmt.Sprintf("%s:%s", a.Kind, a.Project)
	default:
		return "", fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if len(data) > MaxActionBytes {
		return "", fmt.Errorf("encoded action %q exceeds %d bytes", data, MaxActionBytes)
	}
	return data, nil
}

// ParseAction decodes callback data into a typed Action.
func ParseAction(data string) (Action, error) {
	if len(data) > MaxActionBytes {
		return Action{}, fmt.Errorf("callback data exceeds %d bytes", MaxActionBytes)
	}
	parts := strings.Split(data, ":")
	if len(parts) < 2 || parts[1] == "" {
		return Action{}, fmt.Errorf("malformed callback data %q", data)
	}
	switch ActionKind(parts[0]) {
	case ActionReply:
		if len(parts) != 3 {
			return Action{}, fmt.Errorf("malformed reply callback %q", data)
		}
		return Action{Kind: ActionReply, Project: parts[1], File: parts[2]}, nil
	case ActionStatus:
		return Action{Kind: ActionStatus, Project: parts[1]}, nil
	case ActionAsk:
		return Action{Kind: ActionAsk, Project: parts[1]}, nil
	default:
		return Action{}, fmt.Errorf("unknown action kind %q", parts[0])
	}
}
