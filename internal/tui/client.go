package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/switchboard/internal/api"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/events"
)

const pollInterval = 2 * time.Second

type eventMsg events.Event

type healthMsg api.HealthzResponse

type operationsMsg []dispatch.OperationView

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type sseDisconnectedMsg struct{}

type reconnectMsg struct{}

// client talks to the switchboard HTTP API on behalf of the monitor.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := c.newRequest(context.Background(), path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("GET %s: %s (%d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) fetchHealth() tea.Msg {
	var h api.HealthzResponse
	if err := c.getJSON("/healthz", &h); err != nil {
		return errMsg{err}
	}
	return healthMsg(h)
}

func (c *client) fetchOperations() tea.Msg {
	var ops []dispatch.OperationView
	if err := c.getJSON("/operations", &ops); err != nil {
		return errMsg{err}
	}
	return operationsMsg(ops)
}

// subscribe connects to /events and forwards every event into ch. It
// returns sseDisconnectedMsg when the stream ends for any reason.
func (c *client) subscribe(ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.newRequest(context.Background(), "/events")
		if err != nil {
			return errMsg{err}
		}
		req.Header.Set("Accept", "text/event-stream")

		// The stream is long lived; the polling client's timeout would cut it.
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg{fmt.Errorf("GET /events: status %d", resp.StatusCode)}
		}

		_ = readSSE(resp.Body, func(e events.Event) { ch <- e })
		return sseDisconnectedMsg{}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// readSSE parses an event stream, calling emit once per complete frame.
// Comment lines (keep-alives) are skipped.
func readSSE(r io.Reader, emit func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		cur     events.Event
		hasData bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if hasData {
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				emit(cur)
			}
			cur = events.Event{}
			hasData = false
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(line[6:])
			hasData = true
		}
	}
	return scanner.Err()
}
