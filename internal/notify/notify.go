// Package notify abstracts the outbound notification channel and the typed
// inbound traffic (replies and interactive callbacks) coming back from it.
package notify

import (
	"context"
	"time"
)

// Notifier is the minimal outbound surface of a notification channel.
type Notifier interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Send delivers one message and returns its channel-assigned ID.
	// Interactive actions may be attached; channels that cannot render
	// them ignore them. A rate-limited send returns *werr.RateLimitError.
	Send(ctx context.Context, text string, actions []Action) (string, error)

	// MaxTextLen returns the channel's maximum message size in bytes.
	// Longer payloads must be split before sending.
	MaxTextLen() int
}

// UpdateKind discriminates inbound updates.
type UpdateKind int

const (
	// UpdateMessage is a plain text message from the operator.
	UpdateMessage UpdateKind = iota
	// UpdateCallback is an interactive button press carrying an Action.
	UpdateCallback
)

// Update is one inbound stimulus from the notification channel, decoded at
// the boundary into typed fields.
type Update struct {
	Kind UpdateKind
	Text string

	// ReplyToID is the channel ID of the message this one replies to,
	// empty if the update is not a reply. Used to route a human reply
	// back to the originating project.
	ReplyToID string

	// Action is set for UpdateCallback.
	Action Action

	ReceivedAt time.Time
}

// Source is implemented by channels that can emit inbound updates.
type Source interface {
	// Subscribe starts delivering updates to out until ctx is cancelled.
	// Subscribe must be non-blocking; it starts a goroutine internally.
	Subscribe(ctx context.Context, out chan<- Update) error
}
