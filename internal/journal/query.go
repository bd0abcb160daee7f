package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/request"
)

// RequestEntry is a request_log row.
type RequestEntry struct {
	ID               string             `json:"id"`
	Account          string             `json:"account"`
	Connection       string             `json:"connection"`
	Requester        string             `json:"requester,omitempty"`
	Properties       channel.Properties `json:"properties"`
	PreferredHandler string             `json:"preferred_handler,omitempty"`
	Ensure           bool               `json:"ensure"`
	State            request.State      `json:"state"`
	Operation        string             `json:"dispatch_operation,omitempty"`
	ChannelID        string             `json:"channel,omitempty"`
	ErrorName        string             `json:"error_name,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
}

// OperationFilter narrows ListOperations. Zero values match everything.
type OperationFilter struct {
	Handler string
	Outcome string
	Limit   int
}

// ListOperations returns finished operations, newest first.
func (j *Journal) ListOperations(ctx context.Context, f OperationFilter) ([]dispatch.OperationRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, account, connection, channels, lost_channels, handler, claimant,
       failed_handlers, satisfied_requests, outcome, created_at, finished_at
FROM dispatch_log
WHERE (? = '' OR handler = ?) AND (? = '' OR outcome = ?)
ORDER BY finished_at DESC, rowid DESC
LIMIT ?;
`, f.Handler, f.Handler, f.Outcome, f.Outcome, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []dispatch.OperationRecord
	for rows.Next() {
		var (
			rec                     dispatch.OperationRecord
			channels                string
			lost, failed, satisfied sql.NullString
			handler, claimant       sql.NullString
			createdAtS, finishedAtS string
		)
		if err := rows.Scan(&rec.ID, &rec.Account, &rec.Connection, &channels, &lost, &handler, &claimant,
			&failed, &satisfied, &rec.Outcome, &createdAtS, &finishedAtS); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		rec.Channels = decodeList(sql.NullString{String: channels, Valid: true})
		rec.LostChannels = decodeList(lost)
		rec.FailedHandlers = decodeList(failed)
		rec.SatisfiedRequests = decodeList(satisfied)
		rec.Handler = handler.String
		rec.Claimant = claimant.String
		rec.CreatedAt = parseTime(createdAtS)
		rec.FinishedAt = parseTime(finishedAtS)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return out, nil
}

// GetRequest returns the journaled state of one request, or (nil, nil) if
// it was never recorded.
func (j *Journal) GetRequest(ctx context.Context, id string) (*RequestEntry, error) {
	rows, err := j.db.QueryContext(ctx, requestSelect+` WHERE id = ?;`, id)
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	defer rows.Close()
	entries, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// ListRequests returns recorded requests, newest first, optionally filtered
// by state.
func (j *Journal) ListRequests(ctx context.Context, state request.State, limit int) ([]RequestEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := j.db.QueryContext(ctx, requestSelect+`
WHERE (? = '' OR state = ?)
ORDER BY created_at DESC, rowid DESC
LIMIT ?;`, string(state), string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

const requestSelect = `
SELECT id, account, connection, requester, properties, preferred_handler, ensure, state,
       dispatch_op, channel_id, error_name, error_message, created_at, completed_at
FROM request_log`

func scanRequests(rows *sql.Rows) ([]RequestEntry, error) {
	var out []RequestEntry
	for rows.Next() {
		var (
			e                                   RequestEntry
			props, stateS, createdAtS           string
			requester, preferred, op, channelID sql.NullString
			errName, errMsg, completedAtS       sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Account, &e.Connection, &requester, &props, &preferred, &e.Ensure, &stateS,
			&op, &channelID, &errName, &errMsg, &createdAtS, &completedAtS); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
			return nil, fmt.Errorf("request %s: decode properties: %w", e.ID, err)
		}
		e.State = request.State(stateS)
		e.Requester = requester.String
		e.PreferredHandler = preferred.String
		e.Operation = op.String
		e.ChannelID = channelID.String
		e.ErrorName = errName.String
		e.ErrorMessage = errMsg.String
		e.CreatedAt = parseTime(createdAtS)
		if completedAtS.Valid {
			t := parseTime(completedAtS.String)
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func decodeList(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
