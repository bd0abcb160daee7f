// Package tui implements `switchboard monitor`, a live view of dispatch
// operations and the engine's event stream.
package tui

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/switchboard/internal/api"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/events"
)

const maxEventLog = 50

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusWaiting = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusQueued  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	statusBusy    = lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF"))
)

// Model is the bubbletea model behind the monitor.
type Model struct {
	client *client

	width  int
	height int

	health     api.HealthzResponse
	connected  bool
	operations []dispatch.OperationView
	eventLog   []events.Event
	hubEvents  chan events.Event
	lastError  string

	opTable table.Model
}

func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Operation", Width: 10},
			{Title: "Connection", Width: 14},
			{Title: "Channels", Width: 24},
			{Title: "Handler", Width: 24},
			{Title: "Age", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		client:    newClient(apiURL, apiKey),
		eventLog:  make([]events.Event, 0, maxEventLog),
		hubEvents: make(chan events.Event, 100),
		opTable:   t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchOperations,
		tick(),
		tea.EnterAltScreen,
	)
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(m.client.fetchHealth, m.client.fetchOperations)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.opTable.SetWidth(m.width - 6)
		if h := m.height/2 - 4; h > 3 {
			m.opTable.SetHeight(h)
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.client.fetchHealth, m.client.fetchOperations, tick())

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		m.lastError = ""
		return m, nil

	case operationsMsg:
		m.setOperations(msg, time.Now())
		m.lastError = ""
		return m, nil

	case eventMsg:
		refresh := m.handleEvent(events.Event(msg))
		m.connected = true
		if refresh {
			return m, tea.Batch(receiveNextEvent(m.hubEvents), m.client.fetchOperations)
		}
		return m, receiveNextEvent(m.hubEvents)

	case sseDisconnectedMsg:
		m.connected = false
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribe(m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, nil
	}

	m.opTable, cmd = m.opTable.Update(msg)
	return m, cmd
}

// handleEvent records e in the log and applies what it can to the
// operation list. It reports whether the operation list should be refetched.
func (m *Model) handleEvent(e events.Event) bool {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	switch e.Type {
	case events.DispatchStarted, events.DispatchReady:
		var v dispatch.OperationView
		if err := json.Unmarshal(e.Data, &v); err != nil || v.ID == "" {
			return true
		}
		m.upsertOperation(v)
	case events.DispatchFinished:
		var f dispatch.FinishedEvent
		if err := json.Unmarshal(e.Data, &f); err != nil {
			return true
		}
		m.removeOperation(f.Operation.ID)
	case events.DispatchChannelLost, events.ChannelReassigned, events.ClientVanished:
		return true
	default:
		return false
	}
	m.updateTable(time.Now())
	return false
}

func (m *Model) setOperations(ops []dispatch.OperationView, now time.Time) {
	m.operations = slices.Clone(ops)
	m.sortOperations()
	m.updateTable(now)
}

func (m *Model) upsertOperation(v dispatch.OperationView) {
	for i := range m.operations {
		if m.operations[i].ID == v.ID {
			m.operations[i] = v
			return
		}
	}
	m.operations = append(m.operations, v)
	m.sortOperations()
}

func (m *Model) removeOperation(id string) {
	for i := range m.operations {
		if m.operations[i].ID == id {
			m.operations = append(m.operations[:i], m.operations[i+1:]...)
			return
		}
	}
}

// Newest first.
func (m *Model) sortOperations() {
	sort.SliceStable(m.operations, func(i, j int) bool {
		return m.operations[i].CreatedAt.After(m.operations[j].CreatedAt)
	})
}

func (m *Model) updateTable(now time.Time) {
	rows := make([]table.Row, 0, len(m.operations))
	for _, op := range m.operations {
		rows = append(rows, operationRow(op, now))
	}
	m.opTable.SetRows(rows)
}

func operationRow(op dispatch.OperationView, now time.Time) table.Row {
	ids := make([]string, 0, len(op.Channels))
	for _, ch := range op.Channels {
		ids = append(ids, ch.ID)
	}

	handler := op.Handler
	if handler == "" {
		handler = strings.Join(op.PossibleHandlers, ",")
	}
	if op.Claimant != "" && op.Claimant != handler {
		handler = op.Claimant + " (claimed)"
	}

	age := "-"
	if !op.CreatedAt.IsZero() {
		age = now.Sub(op.CreatedAt).Round(time.Second).String()
	}

	return table.Row{
		stateSymbol(op.State),
		shortID(op.ID),
		op.Connection,
		strings.Join(ids, ","),
		handler,
		age,
	}
}

func stateSymbol(s dispatch.State) string {
	switch s {
	case dispatch.StateObserving:
		return statusQueued.Render("○")
	case dispatch.StateApproving:
		return statusWaiting.Render("◔")
	case dispatch.StateAwaitingHandlerChoice:
		return statusWaiting.Render("◑")
	case dispatch.StateHandling:
		return statusBusy.Render("◉")
	case dispatch.StateFinished:
		return statusOK.Render("●")
	}
	return "?"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	ops := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render(fmt.Sprintf("Dispatch Operations (%d)", len(m.operations))),
			m.opTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := dimStyle.Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll")
	parts := []string{m.renderHeader(), ops, eventsView, help}
	if m.lastError != "" {
		parts = append(parts, statusFailed.Render(" "+m.lastError))
	}

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	status := statusOK.Render("CONNECTED")
	if !m.connected {
		status = statusFailed.Render("DISCONNECTED")
	}

	st := m.health.Stats
	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Events: %s", status),
		fmt.Sprintf("Uptime: %s", uptime),
		fmt.Sprintf("Clients: %d", st.Clients),
		fmt.Sprintf("Channels: %d", st.TrackedChannels),
		fmt.Sprintf("Awaiting: %d", st.OperationsByState[dispatch.StateAwaitingHandlerChoice]),
	}

	w := (m.width - 4) / len(items)
	cells := make([]string, 0, len(items))
	for _, it := range items {
		cells = append(cells, lipgloss.NewStyle().Width(w).Render(it))
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderEvents() string {
	limit := 10
	if m.height > 0 {
		if n := m.height/2 - 6; n > 3 {
			limit = n
		}
	}

	var lines []string
	for i, e := range m.eventLog {
		if i >= limit {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-22s | %s", e.At.Format("15:04:05"), e.Type, summarize(e)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// summarize picks the identifying fields out of an event payload.
func summarize(e events.Event) string {
	var data map[string]any
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return string(e.Data)
	}

	var parts []string
	if op, ok := data["operation"].(map[string]any); ok {
		if id, ok := op["id"].(string); ok {
			parts = append(parts, "op="+shortID(id))
		}
	} else if id, ok := data["dispatch_operation"].(string); ok {
		parts = append(parts, "op="+shortID(id))
	}
	for _, key := range []string{"id", "name", "channel", "from", "to", "handler", "outcome", "state"} {
		if v, ok := data[key].(string); ok && v != "" {
			if key == "id" {
				v = shortID(v)
			}
			parts = append(parts, key+"="+v)
		}
	}
	if len(parts) == 0 {
		return dimStyle.Render("-")
	}
	return strings.Join(parts, " ")
}
