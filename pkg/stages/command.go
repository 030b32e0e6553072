package stages

import (
	"context"
	"fmt"
	"log/slog"

	"chatgate/pkg/command"
	"chatgate/pkg/pipeline"
	"chatgate/pkg/plugin"
)

// Dispatcher offers a request to loaded plugins.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *plugin.Request) bool
}

// Command runs built-in commands and, failing that, the plugin chain. It
// never stops the pipeline: the response stage must still deliver the
// result, and the AI stage skips itself once command_processed is set.
type Command struct {
	router  *command.Router
	plugins Dispatcher
	log     *slog.Logger
}

func NewCommand(router *command.Router, plugins Dispatcher, log *slog.Logger) *Command {
	return &Command{router: router, plugins: plugins, log: componentLogger(log, NameCommand)}
}

func (c *Command) Name() string { return NameCommand }

func (c *Command) Process(ctx context.Context, pc *pipeline.Context) error {
	text := pc.String(pipeline.KeyText)

	prefix := command.DefaultPrefix
	if c.router != nil {
		prefix = c.router.Prefix()
	}
	cmd, isCommand := command.Parse(text, prefix)

	if isCommand && c.router != nil {
		reply, found, err := c.router.Execute(ctx, pc.Event, *cmd)
		if err != nil {
			return fmt.Errorf("command %s: %w", cmd.Name, err)
		}
		if found {
			c.log.Debug("Command executed", "command", cmd.Name, "event_id", pc.Event.ID, "sender_id", pc.Event.SenderID)
			pc.Set(pipeline.KeyCommandProcessed, true)
			pc.Set(pipeline.KeyCommandResult, reply)
			return nil
		}
	}

	if c.plugins == nil {
		return nil
	}

	req := &plugin.Request{Event: pc.Event, Text: text, Command: cmd}
	if c.plugins.Dispatch(ctx, req) {
		pc.Set(pipeline.KeyCommandProcessed, true)
		if req.Reply != "" {
			pc.Set(pipeline.KeyCommandResult, req.Reply)
		}
	}
	return nil
}
