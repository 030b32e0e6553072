package chat

import (
	"context"
	"fmt"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

// noticeTranscript returns a ready console scrolled to the bottom of a
// transcript longer than the viewport.
func noticeTranscript(t *testing.T) *model {
	t.Helper()

	m := newModel(context.Background(), nil, modeInteractive, "", RuntimeInfo{})
	m.booting = false
	m.Update(tea.WindowSizeMsg{Width: 80, Height: 20})
	for i := 0; i < 20; i++ {
		m.messages = append(m.messages, chatMessage{role: roleNotice, content: fmt.Sprintf("notice %d", i)})
	}
	m.refreshViewport(true)

	if m.viewport.TotalLineCount() <= m.viewport.Height {
		t.Fatalf("transcript has %d lines, want more than the %d-line viewport", m.viewport.TotalLineCount(), m.viewport.Height)
	}
	return m
}

func wheel(button tea.MouseButton) tea.MouseMsg {
	return tea.MouseMsg{Action: tea.MouseActionPress, Button: button}
}

func TestWheelScrollsTranscriptAndTracksFollow(t *testing.T) {
	t.Parallel()

	m := noticeTranscript(t)
	bottom := m.viewport.YOffset

	m.Update(wheel(tea.MouseButtonWheelUp))
	if m.viewport.YOffset != bottom-mouseWheelLines {
		t.Fatalf("YOffset = %d after wheel up, want %d", m.viewport.YOffset, bottom-mouseWheelLines)
	}
	if m.followLog {
		t.Fatal("scrolling up should stop following new messages")
	}

	// A notice arriving while scrolled back keeps the reader's position.
	m.Update(noticeMsg{text: "You are sending messages too fast.", ok: true})
	if m.viewport.YOffset != bottom-mouseWheelLines {
		t.Fatalf("YOffset moved to %d when a notice arrived", m.viewport.YOffset)
	}

	for i := 0; i < 100 && !m.viewport.AtBottom(); i++ {
		m.Update(wheel(tea.MouseButtonWheelDown))
	}
	if !m.followLog {
		t.Fatal("reaching the bottom should resume following")
	}
}

func TestWheelIgnoredUntilConsoleIsInteractive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(m *model)
	}{
		{name: "booting", setup: func(m *model) { m.booting = true }},
		{name: "one-shot", setup: func(m *model) { m.mode = modeOneShot }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := noticeTranscript(t)
			tt.setup(m)
			offset := m.viewport.YOffset

			m.Update(wheel(tea.MouseButtonWheelUp))
			if m.viewport.YOffset != offset || !m.followLog {
				t.Fatalf("YOffset = %d follow = %v, want %d and following", m.viewport.YOffset, m.followLog, offset)
			}
		})
	}
}

func TestClicksAndReleasesDoNotScroll(t *testing.T) {
	t.Parallel()

	m := noticeTranscript(t)
	offset := m.viewport.YOffset

	for _, msg := range []tea.MouseMsg{
		wheel(tea.MouseButtonLeft),
		{Action: tea.MouseActionRelease, Button: tea.MouseButtonWheelUp},
	} {
		if m.handleViewportMouse(msg) {
			t.Fatalf("handleViewportMouse(%v) = true, want ignored", msg)
		}
	}
	if m.viewport.YOffset != offset {
		t.Fatalf("YOffset = %d, want %d", m.viewport.YOffset, offset)
	}
}
