package plugin

import (
	"context"
	"log/slog"

	"chatgate/pkg/bus"
)

// Handle is the minimum a plugin implements. What it can do is declared by
// the optional capability interfaces below.
type Handle interface {
	Name() string
}

// MessageHandler handles plain messages.
type MessageHandler interface {
	HandleMessage(ctx context.Context, req *Request) (bool, error)
}

// CommandHandler handles parsed commands.
type CommandHandler interface {
	HandleCommand(ctx context.Context, req *Request) (bool, error)
}

type Loader interface {
	OnLoad(ctx context.Context, host Host) error
}

type Unloader interface {
	OnUnload(ctx context.Context) error
}

// Describer exposes a one-line description for help listings.
type Describer interface {
	Description() string
}

// Command is a parsed "/name arg..." invocation.
type Command struct {
	Name string
	Args []string
	Raw  string
}

// Request is what a handle sees during dispatch. A handle that claims the
// event sets Reply when it has something to say.
type Request struct {
	Event   bus.InboundEvent
	Text    string
	Command *Command
	Reply   string
}

// Host is what the gateway offers plugins at load time.
type Host struct {
	Send   func(ctx context.Context, msg bus.OutboundMessage) error
	Events *bus.EventBus
	Log    *slog.Logger
}
