package queue

import (
	"context"

	"github.com/flowpbx/flowqueue/internal/transport"
)

// PromptPlayer plays an audio prompt to a channel. It returns the DTMF
// digit pressed during playback, or 0. The engine treats the player as an
// external collaborator; prompt names are opaque.
type PromptPlayer interface {
	PlayFile(ctx context.Context, ch transport.Channel, name string) (rune, error)
}

// Dialplan is the external dial-plan evaluator. CanMatch reports whether
// the collected digits could reach an extension in the named context;
// RunHook executes a post-connect macro/gosub target on a channel.
type Dialplan interface {
	CanMatch(dialContext, digits string) bool
	RunHook(ctx context.Context, ch transport.Channel, target string) error
}

// KV is the persistent key/value store contract used by the persistence
// adapter.
type KV interface {
	Put(family, key, value string) error
	Get(family, key string) (string, error)
	Delete(family, key string) error
}

// nopPrompts discards prompt requests; used when no player is wired.
type nopPrompts struct{}

func (nopPrompts) PlayFile(context.Context, transport.Channel, string) (rune, error) {
	return 0, nil
}

// nopDialplan never matches and runs no hooks.
type nopDialplan struct{}

func (nopDialplan) CanMatch(string, string) bool { return false }
func (nopDialplan) RunHook(context.Context, transport.Channel, string) error {
	return nil
}
