package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	providertypes "chatgate/pkg/provider/types"
)

type mode int

const (
	modeInteractive mode = iota
	modeOneShot
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleNotice    = "notice"
	roleError     = "error"
)

const mouseWheelLines = 3

type chatMessage struct {
	role    string
	content string
	usage   *providertypes.TokenUsage
}

type promptResultMsg struct {
	result providertypes.Result
	err    error
}

type noticeMsg struct {
	text string
	ok   bool
}

type bootTickMsg struct{}

type model struct {
	ctx          context.Context
	promptFn     PromptFunc
	mode         mode
	oneShotInput string
	notices      <-chan string

	theme      theme
	spinner    spinner.Model
	input      textinput.Model
	viewport   viewport.Model
	messages   []chatMessage
	width      int
	height     int
	isReady    bool
	isLoading  bool
	lastErr    string
	booting    bool
	bootStep   int
	followLog  bool
	runtime    RuntimeInfo
	usageIn    int64
	usageOut   int64
	usageTotal int64
}

func newModel(ctx context.Context, promptFn PromptFunc, runMode mode, prompt string, info RuntimeInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("117"))

	in := textinput.New()
	in.Prompt = "> "
	in.Placeholder = "Message the gateway (%question, /help)"
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:          ctx,
		promptFn:     promptFn,
		mode:         runMode,
		oneShotInput: strings.TrimSpace(prompt),
		theme:        defaultTheme(),
		spinner:      spin,
		input:        in,
		viewport:     viewport.New(80, 12),
		width:        100,
		height:       28,
		booting:      runMode == modeInteractive,
		followLog:    true,
		runtime:      info,
	}
}

func (m *model) Init() tea.Cmd {
	if m.mode == modeOneShot && m.oneShotInput != "" {
		return m.submit(m.oneShotInput)
	}

	return tea.Batch(bootTickCmd(), waitNoticeCmd(m.notices))
}

func (m *model) submit(prompt string) tea.Cmd {
	m.lastErr = ""
	m.messages = append(m.messages, chatMessage{role: roleUser, content: prompt})
	m.isLoading = true
	m.followLog = true
	m.refreshViewport(true)
	return tea.Batch(m.spinner.Tick, sendPromptCmd(m.ctx, m.promptFn, prompt))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}

		m.bootStep++
		if m.bootStep < len(bootScriptLines())+1 {
			return m, bootTickCmd()
		}

		m.booting = false
		return m, textinput.Blink
	case noticeMsg:
		if !typed.ok {
			return m, nil
		}
		m.messages = append(m.messages, chatMessage{role: roleNotice, content: typed.text})
		m.refreshViewport(false)
		return m, waitNoticeCmd(m.notices)
	case tea.MouseMsg:
		if m.mode == modeInteractive && !m.booting {
			m.handleViewportMouse(typed)
		}
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting || m.mode == modeOneShot {
			return m, nil
		}

		if m.handleViewportKey(typed) {
			return m, nil
		}

		if typed.String() == "enter" {
			if m.isLoading {
				return m, nil
			}

			prompt := strings.TrimSpace(m.input.Value())
			if prompt == "" {
				return m, nil
			}
			if isExitCommand(prompt) {
				return m, tea.Quit
			}

			m.input.SetValue("")
			return m, m.submit(prompt)
		}
	}

	if m.mode == modeInteractive {
		m.input, cmd = m.input.Update(msg)
	}

	switch typed := msg.(type) {
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case promptResultMsg:
		m.applyResult(typed)
		if m.mode == modeOneShot {
			return m, tea.Quit
		}
	}

	return m, cmd
}

func (m *model) applyResult(msg promptResultMsg) {
	m.isLoading = false
	defer m.refreshViewport(false)

	if msg.err != nil {
		m.lastErr = msg.err.Error()
		m.messages = append(m.messages, chatMessage{role: roleError, content: msg.err.Error()})
		return
	}

	m.lastErr = ""
	text := strings.TrimSpace(msg.result.Text)
	if text == "" {
		m.messages = append(m.messages, chatMessage{role: roleNotice, content: "(no reply)"})
		return
	}

	usage := msg.result.Metadata.Usage
	m.messages = append(m.messages, chatMessage{role: roleAssistant, content: text, usage: usage})
	if usage != nil {
		m.usageIn += usage.InputTokens
		m.usageOut += usage.OutputTokens
		m.usageTotal += usage.TotalTokens
	}
	if p := strings.TrimSpace(msg.result.Metadata.Provider); p != "" {
		m.runtime.Provider = p
	}
	if name := strings.TrimSpace(msg.result.Metadata.Model); name != "" {
		m.runtime.Model = name
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.mode == modeOneShot {
		return m.oneShotView()
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.header.Width(m.width - 2).Render("chatgate console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"conversation:%s | provider:%s | model:%s | turns:%d | tokens in/out/total:%d/%d/%d",
		displayOrNA(m.runtime.Conversation),
		displayOrNA(m.runtime.Provider),
		displayOrNA(m.runtime.Model),
		conversationTurns(m.messages),
		m.usageIn,
		m.usageOut,
		m.usageTotal,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", max(8, m.width-2)))

	status := m.theme.status.Render("enter send | pgup/pgdn or wheel scroll | end latest | ctrl+c quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(m.spinner.View() + " waiting for the gateway...")
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("last request failed: " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("You")+" "+m.theme.hint.Render("(exit, quit or :q to leave)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := m.height - 10
	if m.mode == modeOneShot {
		h = m.height - 6
	}

	m.viewport.Width = w
	m.viewport.Height = max(8, h)
	m.input.Width = w - 4
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.messages))
	for _, item := range m.messages {
		if card := m.renderMessage(item, m.viewport.Width); card != "" {
			sections = append(sections, card)
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderMessage(item chatMessage, width int) string {
	body := strings.TrimSpace(item.content)
	switch item.role {
	case roleUser:
		return renderCard(m.theme.userTitle.Render("you"), m.theme.userBox.Width(width).Render(body))
	case roleAssistant:
		if item.usage != nil {
			body += "\n\n" + m.theme.hint.Render(formatUsageLine(*item.usage))
		}
		return renderCard(m.theme.assistantTitle.Render("bot"), m.theme.assistantBox.Width(width).Render(body))
	case roleNotice:
		return renderCard(m.theme.noticeTitle.Render("notice"), m.theme.noticeBox.Width(width).Render(body))
	case roleError:
		return renderCard(m.theme.errorTitle.Render("error"), m.theme.errorBox.Width(width).Render(body))
	default:
		return ""
	}
}

func renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) oneShotView() string {
	contentWidth := max(40, m.width-6)
	parts := []string{m.renderMessage(chatMessage{role: roleUser, content: m.oneShotInput}, contentWidth)}

	if m.isLoading {
		parts = append(parts, m.theme.statusBusy.Render(m.spinner.View()+" waiting for the gateway..."))
		return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
	}

	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].role != roleUser {
			parts = append(parts, m.renderMessage(m.messages[i], contentWidth))
			break
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n\n"
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("chatgate console")
	meta := m.theme.headerMeta.Render("starting dispatch engine")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := 0; i < count; i++ {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("console attached"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

// waitNoticeCmd blocks on the next unsolicited reply. A closed or nil
// channel ends the subscription.
func waitNoticeCmd(notices <-chan string) tea.Cmd {
	if notices == nil {
		return nil
	}
	return func() tea.Msg {
		text, ok := <-notices
		return noticeMsg{text: text, ok: ok}
	}
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		m.followLog = m.viewport.AtBottom()
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
	default:
		return false
	}
	return true
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(mouseWheelLines)
		m.followLog = false
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(mouseWheelLines)
		m.followLog = m.viewport.AtBottom()
	default:
		return false
	}
	return true
}

func bootScriptLines() []string {
	return []string{
		"[init] rate limiter armed",
		"[init] concurrency isolator ready",
		"[init] pipeline stages frozen",
		"[init] plugin chain loaded",
	}
}

func sendPromptCmd(ctx context.Context, promptFn PromptFunc, prompt string) tea.Cmd {
	return func() tea.Msg {
		if promptFn == nil {
			return promptResultMsg{err: fmt.Errorf("console is not connected")}
		}
		result, err := promptFn(ctx, prompt)
		return promptResultMsg{result: result, err: err}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func conversationTurns(messages []chatMessage) int {
	count := 0
	for _, message := range messages {
		if message.role == roleUser {
			count++
		}
	}

	return count
}

func formatUsageLine(usage providertypes.TokenUsage) string {
	return fmt.Sprintf("tokens in/out/total: %d/%d/%d", usage.InputTokens, usage.OutputTokens, usage.TotalTokens)
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
