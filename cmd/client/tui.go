package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/evcenter/chatsync/internal/client/api"
	"github.com/evcenter/chatsync/internal/client/chat"
	"github.com/evcenter/chatsync/internal/client/conn"
	"github.com/evcenter/chatsync/internal/client/models"
)

// --- Styles ---

var (
	primaryColor   = lipgloss.Color("#0EA5E9")
	secondaryColor = lipgloss.Color("#10B981")
	aiColor        = lipgloss.Color("#A78BFA")
	mutedColor     = lipgloss.Color("#9CA3AF")
	errorColor     = lipgloss.Color("#EF4444")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(aiColor).
			Padding(1, 2)

	selectedStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	aiMessageStyle = lipgloss.NewStyle().
			Foreground(aiColor)

	otherMessageStyle = lipgloss.NewStyle().
				Foreground(primaryColor)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)
)

const (
	requestTimeout = 15 * time.Second
	refreshEvery   = 30 * time.Second
)

// --- View State ---

type viewState int

const (
	viewSessions viewState = iota
	viewChat
	viewAsk
)

// --- Messages ---

type sessionsLoaded struct {
	sessions []models.ChatSession
	err      error
}

type sessionOpened struct {
	session *chat.Session
	err     error
}

type sessionUpdated struct {
	id models.ID
}

type historyLoaded struct {
	added int
	err   error
}

type sessionClosed struct {
	id  models.ID
	err error
}

type aiAnswered struct {
	answer *models.AIAnswer
	err    error
}

type refreshTick struct{}

// --- Main Model ---

type model struct {
	ctx    context.Context
	client *api.Client
	chats  *chat.Manager
	userID string
	sender models.SenderType
	staff  bool

	// Sessions
	sessions []models.ChatSession
	selected int

	// Chat
	current      *chat.Session
	watching     map[models.ID]bool // sessions with an update waiter
	messageInput textinput.Model
	chatViewport viewport.Model

	// AI widget
	askInput textinput.Model
	answer   *models.AIAnswer
	asking   bool

	// UI
	view   viewState
	width  int
	height int
	status string
	err    error
}

func initialModel(ctx context.Context, client *api.Client, chats *chat.Manager, userID string, sender models.SenderType, staff bool) model {
	messageInput := textinput.New()
	messageInput.Placeholder = "Type a message..."
	messageInput.CharLimit = 1000
	messageInput.Width = 50

	askInput := textinput.New()
	askInput.Placeholder = "Ask the assistant..."
	askInput.CharLimit = 500
	askInput.Width = 50

	return model{
		ctx:          ctx,
		client:       client,
		chats:        chats,
		userID:       userID,
		sender:       sender,
		staff:        staff,
		messageInput: messageInput,
		askInput:     askInput,
		chatViewport: viewport.New(80, 20),
		watching:     make(map[models.ID]bool),
		view:         viewSessions,
	}
}

// --- Commands ---

func (m model) loadSessions() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		if m.staff {
			s, err := m.chats.ActiveSessions(ctx)
			return sessionsLoaded{sessions: s, err: err}
		}
		s, err := m.chats.MySessions(ctx)
		return sessionsLoaded{sessions: s, err: err}
	}
}

func (m model) createSession(t models.SessionType, title string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		s, err := m.chats.CreateSession(ctx, models.SessionConfig{
			SessionType: t,
			Title:       title,
			Metadata:    map[string]any{"source": "terminal"},
		})
		return sessionOpened{session: s, err: err}
	}
}

func (m model) openSession(id models.ID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		s, err := m.chats.JoinAsParticipant(ctx, id, m.sender)
		return sessionOpened{session: s, err: err}
	}
}

func (m model) closeSession(id models.ID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		return sessionClosed{id: id, err: m.chats.CloseSession(ctx, id)}
	}
}

func (m model) loadMore(s *chat.Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		n, err := s.LoadMore(ctx)
		return historyLoaded{added: n, err: err}
	}
}

func (m model) ask(question string) tea.Cmd {
	var sessionID models.ID
	if m.current != nil && m.current.Info().SessionType == models.SessionAIAssistant {
		sessionID = m.current.ID()
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		a, err := m.client.AskAI(ctx, question, sessionID, map[string]any{"source": "terminal"})
		return aiAnswered{answer: a, err: err}
	}
}

func waitForUpdate(s *chat.Session) tea.Cmd {
	return func() tea.Msg {
		<-s.Updates()
		return sessionUpdated{id: s.ID()}
	}
}

// watch arms the update waiter of s unless one is already blocked on it.
func (m model) watch(s *chat.Session) tea.Cmd {
	id := s.ID()
	if m.watching[id] {
		return nil
	}
	m.watching[id] = true
	return waitForUpdate(s)
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshEvery, func(time.Time) tea.Msg { return refreshTick{} })
}

// --- Init ---

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.loadSessions()}
	if m.staff {
		cmds = append(cmds, scheduleRefresh())
	}
	return tea.Batch(cmds...)
}

// --- Update ---

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.view {
		case viewSessions:
			return m.updateSessions(msg)
		case viewChat:
			if next, cmd, handled := m.updateChatKeys(msg); handled {
				return next, cmd
			}
		case viewAsk:
			if next, cmd, handled := m.updateAskKeys(msg); handled {
				return next, cmd
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chatViewport.Width = msg.Width - 4
		m.chatViewport.Height = msg.Height - 8
		m.updateChatViewport()

	case sessionsLoaded:
		if msg.err != nil {
			m.status = "Could not load sessions: " + msg.err.Error()
			break
		}
		m.sessions = msg.sessions
		if m.selected >= len(m.sessions) {
			m.selected = max(len(m.sessions)-1, 0)
		}

	case refreshTick:
		if m.staff {
			cmds = append(cmds, m.loadSessions(), scheduleRefresh())
		}

	case sessionOpened:
		if msg.err != nil {
			m.status = msg.err.Error()
			break
		}
		m.current = msg.session
		m.view = viewChat
		m.status = ""
		m.askInput.Blur()
		m.messageInput.Focus()
		m.updateChatViewport()
		cmds = append(cmds, m.watch(msg.session))

	case sessionUpdated:
		// The waiter that sent msg has returned.
		delete(m.watching, msg.id)
		if m.current != nil && m.current.ID() == msg.id {
			m.updateChatViewport()
			cmds = append(cmds, m.watch(m.current))
		}

	case historyLoaded:
		if msg.err != nil {
			m.status = msg.err.Error()
		} else if msg.added == 0 {
			m.status = "No older messages"
		}

	case sessionClosed:
		if msg.err != nil {
			m.status = msg.err.Error()
			break
		}
		m.status = "Session closed"
		if m.current != nil && m.current.ID() == msg.id {
			m.current = nil
			m.view = viewSessions
		}
		cmds = append(cmds, m.loadSessions())

	case aiAnswered:
		m.asking = false
		if msg.err != nil {
			m.status = "Assistant unavailable: " + msg.err.Error()
			break
		}
		m.answer = msg.answer
	}

	switch m.view {
	case viewChat:
		var cmd tea.Cmd
		m.messageInput, cmd = m.messageInput.Update(msg)
		cmds = append(cmds, cmd)
		m.chatViewport, cmd = m.chatViewport.Update(msg)
		cmds = append(cmds, cmd)
	case viewAsk:
		var cmd tea.Cmd
		m.askInput, cmd = m.askInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m model) updateSessions(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.sessions)-1 {
			m.selected++
		}
	case "enter":
		if len(m.sessions) > 0 {
			m.status = "Opening..."
			return m, m.openSession(m.sessions[m.selected].ID)
		}
	case "r":
		return m, m.loadSessions()
	case "n":
		if !m.staff {
			m.status = "Creating session..."
			return m, m.createSession(models.SessionCustomerSupport, "Customer Support")
		}
	case "a":
		if !m.staff {
			m.status = "Creating session..."
			return m, m.createSession(models.SessionAIAssistant, "AI Assistant Chat")
		}
	case "x":
		if len(m.sessions) > 0 {
			return m, m.closeSession(m.sessions[m.selected].ID)
		}
	case "?":
		m.view = viewAsk
		m.answer = nil
		m.askInput.Focus()
	}
	return m, nil
}

func (m model) updateChatKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit, true
	case "esc":
		m.view = viewSessions
		m.current = nil
		m.messageInput.Blur()
		return m, m.loadSessions(), true
	case "enter":
		content := m.messageInput.Value()
		if strings.TrimSpace(content) == "" || m.current == nil {
			return m, nil, true
		}
		toAI := m.current.Info().SessionType == models.SessionAIAssistant
		if !m.current.Send(content, toAI) {
			m.status = "Not connected, message not sent"
			return m, nil, true
		}
		m.status = ""
		m.messageInput.SetValue("")
		m.updateChatViewport()
		return m, nil, true
	case "ctrl+l":
		if m.current != nil && m.current.HasMore() {
			return m, m.loadMore(m.current), true
		}
		m.status = "No older messages"
		return m, nil, true
	case "ctrl+x":
		if m.current != nil {
			return m, m.closeSession(m.current.ID()), true
		}
	case "ctrl+a":
		m.view = viewAsk
		m.answer = nil
		m.messageInput.Blur()
		m.askInput.Focus()
		return m, nil, true
	}
	return m, nil, false
}

func (m model) updateAskKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit, true
	case "esc":
		m.askInput.Blur()
		if m.current != nil {
			m.view = viewChat
			m.messageInput.Focus()
		} else {
			m.view = viewSessions
		}
		return m, nil, true
	case "enter":
		q := m.askInput.Value()
		if strings.TrimSpace(q) == "" || m.asking {
			return m, nil, true
		}
		m.asking = true
		m.askInput.SetValue("")
		return m, m.ask(q), true
	}
	return m, nil, false
}

func (m *model) updateChatViewport() {
	if m.current == nil {
		return
	}
	var content strings.Builder
	for msg := range m.current.Messages() {
		timestamp := msg.CreatedAt.Local().Format("15:04")
		var style lipgloss.Style
		name := string(msg.SenderType)
		switch {
		case msg.IsPending || msg.SenderID == m.userID:
			style = ownMessageStyle
			name = "You"
		case msg.SenderType == models.SenderAI:
			style = aiMessageStyle
			name = "Assistant"
		default:
			style = otherMessageStyle
		}
		if msg.MessageType == models.MessageSystem {
			content.WriteString(mutedStyle.Render(fmt.Sprintf("%s  %s", timestamp, msg.Content)) + "\n")
			continue
		}
		line := fmt.Sprintf("%s %s: %s",
			mutedStyle.Render(timestamp),
			style.Render(name),
			msg.Content,
		)
		if msg.IsPending {
			line += mutedStyle.Render(" (sending)")
		}
		content.WriteString(line + "\n")
	}
	m.chatViewport.SetContent(content.String())
	m.chatViewport.GotoBottom()
}

// --- View ---

func (m model) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	switch m.view {
	case viewSessions:
		return m.sessionsView()
	case viewChat:
		return m.chatView()
	case viewAsk:
		return m.askView()
	}
	return ""
}

func (m model) statusLine() string {
	if m.status == "" {
		return ""
	}
	return "\n" + mutedStyle.Render("  "+m.status) + "\n"
}

func (m model) sessionsView() string {
	var s strings.Builder

	heading := "My sessions"
	if m.staff {
		heading = "Active sessions"
	}
	s.WriteString(titleStyle.Render("EV Service Chat - " + heading))
	s.WriteString("\n\n")

	if len(m.sessions) == 0 {
		s.WriteString(mutedStyle.Render("  No sessions.\n"))
		if !m.staff {
			s.WriteString(mutedStyle.Render("  Press 'n' for support or 'a' for the assistant.\n"))
		}
	} else {
		for i, sess := range m.sessions {
			prefix := "  "
			style := lipgloss.NewStyle()
			if i == m.selected {
				prefix = "→ "
				style = selectedStyle
			}
			title := sess.Title
			if title == "" {
				title = string(sess.SessionType)
			}
			line := fmt.Sprintf("%s%s  %s  %s", prefix, title,
				mutedStyle.Render(string(sess.Status)),
				mutedStyle.Render(sess.UpdatedAt.Local().Format("Jan 2 15:04")))
			s.WriteString(style.Render(line) + "\n")
		}
	}

	s.WriteString(m.statusLine())
	s.WriteString("\n")
	if m.staff {
		s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter to join • x to close • r to refresh • ? assistant • q to quit"))
	} else {
		s.WriteString(helpStyle.Render("  ↑/↓ navigate • Enter to open • n support • a assistant • x to close • ? ask • q to quit"))
	}
	return s.String()
}

func (m model) chatView() string {
	var s strings.Builder

	info := m.current.Info()
	title := info.Title
	if title == "" {
		title = string(info.SessionType)
	}
	state := m.current.State()
	header := titleStyle.Render(title) + mutedStyle.Render(" ["+state.String()+"]")
	if state == conn.StateClosed && m.current.Err() != nil {
		header += " " + errorStyle.Render(m.current.Err().Error())
	}
	width := max(m.width-2, 10)

	s.WriteString(header)
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", width))
	s.WriteString("\n")
	s.WriteString(m.chatViewport.View())
	s.WriteString("\n")
	s.WriteString(strings.Repeat("─", width))
	s.WriteString("\n")
	s.WriteString(m.messageInput.View())
	s.WriteString(m.statusLine())
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("Enter to send • Ctrl+L older • Ctrl+A assistant • Ctrl+X close • Esc back"))
	return s.String()
}

func (m model) askView() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Assistant"))
	s.WriteString("\n\n")
	s.WriteString("  " + m.askInput.View() + "\n\n")

	switch {
	case m.asking:
		s.WriteString(mutedStyle.Render("  Thinking...\n"))
	case m.answer != nil:
		var body strings.Builder
		body.WriteString(m.answer.Content)
		if len(m.answer.Suggestions) > 0 {
			body.WriteString("\n\n")
			for _, sug := range m.answer.Suggestions {
				body.WriteString(selectedStyle.Render("• "+sug) + "\n")
			}
		}
		s.WriteString(boxStyle.Width(max(m.width-6, 20)).Render(body.String()))
		s.WriteString("\n")
	}

	s.WriteString(m.statusLine())
	s.WriteString("\n")
	s.WriteString(helpStyle.Render("  Enter to ask • Esc to go back"))
	return s.String()
}
