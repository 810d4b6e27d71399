package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ike1112/rag-project/internal/chat"
)

// ChatPort is the TUI-facing subset of the chat engine.
type ChatPort interface {
	Stream(ctx context.Context, question string, fn func(delta string) error) (chat.Answer, error)
	Reset(ctx context.Context) error
}

type streamTokenMsg struct{ delta string }
type streamDoneMsg struct{ answer chat.Answer }
type streamErrMsg struct{ err error }

// Model is the Bubble Tea model for the chat terminal.
type Model struct {
	chat     ChatPort
	input    textinput.Model
	viewport viewport.Model
	title    string

	transcript []string
	pending    string
	stream     chan tea.Msg
	busy       bool
	status     string
	ready      bool
}

// New creates a chat TUI over an already built engine.
func New(port ChatPort, title string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about your documents and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{chat: port, input: ti, viewport: vp, title: title, status: "Ready. Ctrl+R resets the conversation, Ctrl+C quits."}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key, window and stream events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		// account for frames around transcript and input boxes
		_, th := transcriptBoxStyle.GetFrameSize()
		_, ih := inputBoxStyle.GetFrameSize()
		reserved := 1 + 1 + ih + 1 // header + status + spacer
		vh := msg.Height - reserved
		if vh < 3 {
			vh = 3
		}
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, vh-th)
		m.viewport.SetContent(m.renderTranscript())
		return m, nil

	case streamTokenMsg:
		m.pending += msg.delta
		m.viewport.SetContent(m.renderTranscript())
		m.viewport.GotoBottom()
		return m, waitForStream(m.stream)

	case streamDoneMsg:
		m.transcript = append(m.transcript, renderAnswer(msg.answer, m.viewport.Width))
		m.pending = ""
		m.busy = false
		m.status = fmt.Sprintf("Answered with %d source(s).", len(msg.answer.Sources))
		m.viewport.SetContent(m.renderTranscript())
		m.viewport.GotoBottom()
		return m, nil

	case streamErrMsg:
		m.pending = ""
		m.busy = false
		m.status = "Error: " + msg.err.Error()
		m.viewport.SetContent(m.renderTranscript())
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			m.transcript = append(m.transcript, userStyle.Render("you")+" "+q)
			m.input.SetValue("")
			m.busy = true
			m.status = "Thinking..."
			m.viewport.SetContent(m.renderTranscript())
			m.viewport.GotoBottom()
			ch := make(chan tea.Msg, 64)
			m.stream = ch
			return m, startStream(m.chat, q, ch)
		case "ctrl+r":
			if m.busy {
				return m, nil
			}
			if err := m.chat.Reset(context.Background()); err != nil {
				m.status = "Error: " + err.Error()
				return m, nil
			}
			m.transcript = nil
			m.pending = ""
			m.status = "Conversation cleared. Documents stay indexed."
			m.viewport.SetContent(m.renderTranscript())
			return m, nil
		case "pgup":
			m.viewport.LineUp(5)
			return m, nil
		case "pgdown":
			m.viewport.LineDown(5)
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the chat layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("RAG Chat") + " " + dimStyle.Render(m.title)
	transcript := transcriptBoxStyle.Render(m.viewport.View())
	input := inputBoxStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	return header + "\n" + transcript + "\n" + input + "\n" + status
}

func (m Model) renderTranscript() string {
	if len(m.transcript) == 0 && m.pending == "" {
		return dimStyle.Render("No messages yet. Ask a question about the indexed documents.")
	}
	blocks := make([]string, len(m.transcript))
	copy(blocks, m.transcript)
	if m.pending != "" {
		blocks = append(blocks, assistantStyle.Render("rag")+" "+wrap(m.pending, m.viewport.Width))
	}
	return strings.Join(blocks, "\n\n")
}

func renderAnswer(ans chat.Answer, width int) string {
	var b strings.Builder
	b.WriteString(assistantStyle.Render("rag") + " " + wrap(ans.Text, width))
	for i, src := range ans.Sources {
		line := fmt.Sprintf("[%d] %s", i+1, src.Document)
		if src.Score > 0 {
			line += fmt.Sprintf(" (%.2f)", src.Score)
		}
		b.WriteString("\n" + dimStyle.Render(line))
	}
	return b.String()
}

func startStream(port ChatPort, question string, ch chan tea.Msg) tea.Cmd {
	go func() {
		ans, err := port.Stream(context.Background(), question, func(delta string) error {
			ch <- streamTokenMsg{delta: delta}
			return nil
		})
		if err != nil {
			ch <- streamErrMsg{err: err}
		} else {
			ch <- streamDoneMsg{answer: ans}
		}
		close(ch)
	}()
	return waitForStream(ch)
}

func waitForStream(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func wrap(s string, width int) string {
	if width <= 4 {
		return s
	}
	return lipgloss.NewStyle().Width(width - 2).Render(s)
}

var (
	transcriptBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputBoxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	userStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	dimStyle           = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
