package chat

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	providertypes "chatgate/pkg/provider/types"
)

// PromptFunc sends one line through the gateway and returns the reply. An
// empty result text with a nil error means the gateway chose not to answer.
type PromptFunc func(ctx context.Context, prompt string) (providertypes.Result, error)

// RuntimeInfo is shown in the console header.
type RuntimeInfo struct {
	Provider     string
	Model        string
	Conversation string
}

// Options configures a console session. Notices, when set, delivers replies
// the gateway sends outside a prompt round trip.
type Options struct {
	Prompt  PromptFunc
	Info    RuntimeInfo
	Notices <-chan string
}

func RunInteractive(ctx context.Context, opts Options) error {
	m := newModel(ctx, opts.Prompt, modeInteractive, "", opts.Info)
	m.notices = opts.Notices
	program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := program.Run(); err != nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner())
	return nil
}

func RunOneShot(ctx context.Context, opts Options, prompt string) error {
	m := newModel(ctx, opts.Prompt, modeOneShot, prompt, opts.Info)
	program := tea.NewProgram(m)
	_, err := program.Run()
	return err
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("231")).
		Background(lipgloss.Color("24")).
		Padding(0, 2)

	return style.Render("chatgate console closed")
}
