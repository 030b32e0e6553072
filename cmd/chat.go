package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chatgate/pkg/channel"
	"chatgate/pkg/channel/console"
	"chatgate/pkg/config"
	"chatgate/pkg/engine"
	"chatgate/pkg/logger"
	"chatgate/pkg/provider"
	providertypes "chatgate/pkg/provider/types"
	"chatgate/pkg/ui/chat"
)

const shutdownGrace = 5 * time.Second

var (
	promptText string
	plainMode  bool
	chatUserID string
)

// chatCmd talks to the dispatch engine from the terminal through the console channel.
var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Send a message or start an interactive console",
	Long: `Runs the dispatch engine locally with the console channel attached. Every
line goes through rate limiting, moderation, commands, plugins and the AI
stage exactly as a chat message would.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := resolvePrompt(args)

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		// The TUI owns the terminal, so interactive sessions log nowhere.
		log := logger.Discard()
		if prompt != "" || plainMode {
			if log, err = logger.New(cfg.Logging); err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
		}

		ctx := cmd.Context()
		session, err := startConsole(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer session.close()

		opts := chat.Options{
			Prompt: session.prompt,
			Info: chat.RuntimeInfo{
				Provider:     cfg.Agents.Defaults.Provider,
				Model:        cfg.Agents.Defaults.Model,
				Conversation: session.adapter.Key().String(),
			},
			Notices: session.notices(ctx),
		}

		switch {
		case plainMode:
			return runPlain(ctx, os.Stdin, cmd.OutOrStdout(), session.prompt, prompt)
		case prompt != "":
			return chat.RunOneShot(ctx, opts, prompt)
		default:
			return chat.RunInteractive(ctx, opts)
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "message to send")
	chatCmd.Flags().BoolVar(&plainMode, "plain", false, "line-based console without the TUI")
	chatCmd.Flags().StringVar(&chatUserID, "user", "", "sender id for console messages (defaults to local)")
}

// consoleSession is a started engine with the console adapter as its only channel.
type consoleSession struct {
	engine  *engine.Engine
	adapter *console.Adapter
}

func startConsole(ctx context.Context, cfg *config.Config, log *slog.Logger) (*consoleSession, error) {
	client, err := provider.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}
	if err := client.Health(ctx); err != nil {
		return nil, fmt.Errorf("provider health check failed: %w", err)
	}

	return newConsoleSession(ctx, cfg, client, log)
}

func newConsoleSession(ctx context.Context, cfg *config.Config, gen providertypes.Generator, log *slog.Logger) (*consoleSession, error) {
	adapter := console.NewAdapter(console.Options{UserID: chatUserID, Logger: log})

	router := channel.NewRouter()
	router.Register(adapter.Name(), adapter)

	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Sender:    router,
		Generator: gen,
		Logger:    log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize dispatch engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}

	// Dispatch runs the pipeline inline, so Ask finds the reply without waiting.
	adapter.Attach(channel.SinkFunc(eng.Dispatch))
	return &consoleSession{engine: eng, adapter: adapter}, nil
}

func (s *consoleSession) prompt(ctx context.Context, text string) (providertypes.Result, error) {
	out, err := s.adapter.Ask(ctx, text)
	if errors.Is(err, console.ErrNoReply) {
		return providertypes.Result{}, nil
	}
	if err != nil {
		return providertypes.Result{}, err
	}
	return providertypes.ResultFromMetadata(out.Content, out.Metadata), nil
}

// notices forwards replies that were not answers to a console prompt.
func (s *consoleSession) notices(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.adapter.Replies():
				select {
				case out <- msg.Content:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *consoleSession) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = s.engine.Shutdown(ctx)
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

// runPlain reads lines from in until EOF or an exit command. A non-empty
// first prompt is sent once and the loop is skipped.
func runPlain(ctx context.Context, in io.Reader, out io.Writer, prompt chat.PromptFunc, first string) error {
	if first != "" {
		return sendPlain(ctx, out, prompt, first)
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			return nil
		}

		if err := sendPlain(ctx, out, prompt, line); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func sendPlain(ctx context.Context, out io.Writer, prompt chat.PromptFunc, text string) error {
	result, err := prompt(ctx, text)
	if err != nil {
		return err
	}
	printReply(out, result.Text)
	return nil
}

func printReply(out io.Writer, message string) {
	lines := replyLines(message)
	for _, line := range lines {
		fmt.Fprintf(out, "< %s\n", line)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
	}
}

func replyLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
