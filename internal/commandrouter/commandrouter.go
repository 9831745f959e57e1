// Package commandrouter provides the minimal command-recognition surface
// the event pipeline depends on (§4.2, §9 Design Notes): the pipeline needs
// only "is this text a recognized command, and if so which one", plus the
// stop-command owner-or-mod authority rule. The full interactive command
// surface (registration, argument parsing, per-command handlers) is out of
// scope — this package exists so the pipeline can be exercised against a
// real router rather than a stub.
package commandrouter

import (
	"strings"
	"sync"
)

// StopCommand is the name the pipeline recognizes as the engine's own
// TTS-stop command, which the decision table (§4.2) excludes from the
// "speak the command text" branch.
const StopCommand = "stop"

// Authority describes who issued a chat message, used to check the
// owner-or-mod rule for the stop command (§9 open question resolution).
type Authority struct {
	IsBroadcaster bool
	IsModerator   bool
}

// CanStop reports whether a the calling authority may invoke [StopCommand]:
// the channel owner or any moderator, never a plain viewer.
func (a Authority) CanStop() bool {
	return a.IsBroadcaster || a.IsModerator
}

// Router recognizes "!command ..." style chat text and reports the bare
// command name. It satisfies the pipeline's narrowed dependency
// (Route(text string) (command string, ok bool)).
type Router struct {
	mu       sync.RWMutex
	commands map[string]struct{}
}

// New builds a [Router] recognizing the given command names (without their
// leading "!"). [StopCommand] is always recognized.
func New(commands ...string) *Router {
	r := &Router{commands: make(map[string]struct{}, len(commands)+1)}
	r.commands[StopCommand] = struct{}{}
	for _, c := range commands {
		r.commands[strings.ToLower(c)] = struct{}{}
	}
	return r
}

// Route reports whether text begins with a recognized "!command" token.
func (r *Router) Route(text string) (command string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "!") {
		return "", false
	}

	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", false
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "!"))

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, known := r.commands[name]; !known {
		return "", false
	}
	return name, true
}
