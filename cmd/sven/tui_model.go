package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/swedishembedded/sven/internal/control"
	"github.com/swedishembedded/sven/internal/submit"
	"github.com/swedishembedded/sven/pkg/models"
)

// tuiModel is the bubbletea view over a submit.Pipeline: a scrollback
// viewport rendering Pipeline.Segments() and a textarea feeding
// Pipeline.HandleInput (spec.md §4.4). Modeled on
// cmd/ui/input.go's textarea-based input loop, adapted to read from a
// live event subscription rather than returning once per call.
type tuiModel struct {
	ctx      context.Context
	pipeline *submit.Pipeline
	svc      *control.Service
	sub      <-chan control.ControlEvent
	opts     tuiOptions

	viewport viewport.Model
	input    textarea.Model
	ready    bool
	statusLn string
	errLn    string
}

type controlEventMsg control.ControlEvent

func newTUIModel(ctx context.Context, p *submit.Pipeline, svc *control.Service, sub <-chan control.ControlEvent, opts tuiOptions) tuiModel {
	ta := textarea.New()
	ta.Placeholder = "Type a message, or /help for commands..."
	ta.Focus()
	ta.ShowLineNumbers = false
	ta.SetHeight(3)

	return tuiModel{
		ctx:      ctx,
		pipeline: p,
		svc:      svc,
		sub:      sub,
		opts:     opts,
		input:    ta,
	}
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForEvent(m.sub))
}

func waitForEvent(sub <-chan control.ControlEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return nil
		}
		return controlEventMsg(ev)
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		headerHeight := 1
		inputHeight := m.input.Height() + 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-inputHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - inputHeight
		}
		m.input.SetWidth(msg.Width - 2)
		m.viewport.SetContent(renderSegments(m.pipeline.Segments()))

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			if !msg.Alt {
				text := strings.TrimSpace(m.input.Value())
				m.input.Reset()
				if text != "" {
					result, err := m.pipeline.HandleInput(m.ctx, text)
					if err == submit.ErrQuit {
						return m, tea.Quit
					}
					if err != nil {
						m.errLn = err.Error()
					} else if result != nil && result.Text != "" {
						m.statusLn = result.Text
					}
				}
				m.viewport.SetContent(renderSegments(m.pipeline.Segments()))
				m.viewport.GotoBottom()
				return m, nil
			}
		}

	case controlEventMsg:
		ev := control.ControlEvent(msg)
		switch ev.Type {
		case control.EventSessionUpdated:
			if ev.Session != nil && ev.Session.State == models.SessionCancelled {
				m.pipeline.OnAborted("")
			}
			m.viewport.SetContent(renderSegments(m.pipeline.Segments()))
			m.viewport.GotoBottom()
			m.pipeline.TryAutoDequeue()
		}
		cmds = append(cmds, waitForEvent(m.sub))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m tuiModel) View() string {
	if !m.ready {
		return "initializing..."
	}
	model, mode := m.pipeline.Display()
	header := lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf(" sven — model:%s mode:%s ", model, mode))

	var footer strings.Builder
	if m.errLn != "" {
		footer.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Render(m.errLn))
		footer.WriteString("\n")
	} else if m.statusLn != "" {
		footer.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render(m.statusLn))
		footer.WriteString("\n")
	}
	footer.WriteString(m.input.View())

	return header + "\n" + m.viewport.View() + "\n" + footer.String()
}

func renderSegments(segments []models.ChatSegment) string {
	var b strings.Builder
	for _, seg := range segments {
		switch s := seg.(type) {
		case models.MessageChatSegment:
			prefix := "You"
			if s.Message.Role == models.RoleAssistant {
				prefix = "Sven"
			}
			fmt.Fprintf(&b, "%s: %s\n\n", prefix, s.Message.Text())
		case models.ThinkingChatSegment:
			fmt.Fprintf(&b, "[thinking] %s\n\n", s.Text)
		case models.ContextCompactedChatSegment:
			fmt.Fprintf(&b, "[context compacted: %d -> %d via %s]\n\n", s.Before, s.After, s.Strategy)
		case models.ErrorChatSegment:
			fmt.Fprintf(&b, "[error] %s\n\n", s.Message)
		}
	}
	return b.String()
}
