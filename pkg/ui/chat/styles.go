package chat

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for console regions.
type theme struct {
	header         lipgloss.Style
	headerMeta     lipgloss.Style
	divider        lipgloss.Style
	bootLine       lipgloss.Style
	bootDone       lipgloss.Style
	userBox        lipgloss.Style
	userTitle      lipgloss.Style
	assistantBox   lipgloss.Style
	assistantTitle lipgloss.Style
	noticeBox      lipgloss.Style
	noticeTitle    lipgloss.Style
	errorBox       lipgloss.Style
	errorTitle     lipgloss.Style
	status         lipgloss.Style
	statusBusy     lipgloss.Style
	statusErr      lipgloss.Style
	hint           lipgloss.Style
	inputLabel     lipgloss.Style
	input          lipgloss.Style
	viewport       lipgloss.Style
}

func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("24")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("152")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("31")),
		bootLine: lipgloss.NewStyle().
			Foreground(lipgloss.Color("110")),
		bootDone: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		userBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("75")).
			Background(lipgloss.Color("235")).
			Padding(0, 1),
		userTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("75")).
			Padding(0, 1),
		assistantBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("78")).
			Background(lipgloss.Color("234")).
			Padding(0, 1),
		assistantTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("78")).
			Padding(0, 1),
		noticeBox: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("179")).
			Foreground(lipgloss.Color("223")).
			Padding(0, 1),
		noticeTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("179")).
			Padding(0, 1),
		errorBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("203")).
			Foreground(lipgloss.Color("203")).
			Background(lipgloss.Color("52")).
			Padding(0, 1),
		errorTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("160")).
			Padding(0, 1),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")),
		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("117")).
			Bold(true),
		statusErr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		inputLabel: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("153")),
		input: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("67")).
			Background(lipgloss.Color("236")).
			Padding(0, 1),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("31")).
			Padding(0, 1),
	}
}
