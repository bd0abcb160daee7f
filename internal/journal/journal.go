// Package journal persists finished dispatch operations and request state
// transitions to SQLite so operators can inspect them after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/request"
)

const defaultListLimit = 100

// Journal implements dispatch.Journal on top of a bootstrapped database.
type Journal struct {
	db *sql.DB
}

var _ dispatch.Journal = (*Journal)(nil)

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// RecordOperation appends a finished dispatch operation. Re-recording the
// same ID replaces the earlier row.
func (j *Journal) RecordOperation(ctx context.Context, rec dispatch.OperationRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("operation id is empty")
	}
	if rec.Outcome == "" {
		return fmt.Errorf("operation %s: outcome is empty", rec.ID)
	}
	channels, err := jsonList(rec.Channels)
	if err != nil {
		return err
	}
	lost, err := jsonList(rec.LostChannels)
	if err != nil {
		return err
	}
	failed, err := jsonList(rec.FailedHandlers)
	if err != nil {
		return err
	}
	satisfied, err := jsonList(rec.SatisfiedRequests)
	if err != nil {
		return err
	}
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	_, err = j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO dispatch_log(
  id, account, connection, channels, lost_channels, handler, claimant,
  failed_handlers, satisfied_requests, outcome, created_at, finished_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.Account, rec.Connection, channels, lost, nullable(rec.Handler), nullable(rec.Claimant),
		failed, satisfied, rec.Outcome, formatTime(rec.CreatedAt), formatTime(finished))
	if err != nil {
		return fmt.Errorf("record operation %s: %w", rec.ID, err)
	}
	return nil
}

// RecordRequest upserts the current state of a request.
func (j *Journal) RecordRequest(ctx context.Context, r request.Request) error {
	if r.ID == "" {
		return fmt.Errorf("request id is empty")
	}
	props, err := json.Marshal(r.Properties)
	if err != nil {
		return fmt.Errorf("request %s: encode properties: %w", r.ID, err)
	}

	var channelID, completed, userAction any
	if r.Channel != nil {
		channelID = r.Channel.ID
	}
	if r.CompletedAt != nil {
		completed = formatTime(*r.CompletedAt)
	}
	if !r.UserActionTime.IsZero() {
		userAction = formatTime(r.UserActionTime)
	}

	_, err = j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO request_log(
  id, account, connection, requester, properties, preferred_handler, ensure, state,
  dispatch_op, channel_id, error_name, error_message, user_action_time, created_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, r.ID, r.Account, r.Connection, nullable(r.Requester), string(props), nullable(r.PreferredHandler),
		r.Ensure, string(r.State), nullable(r.Operation), channelID, nullable(r.ErrorName), nullable(r.ErrorMessage),
		userAction, formatTime(r.CreatedAt), completed)
	if err != nil {
		return fmt.Errorf("record request %s: %w", r.ID, err)
	}
	return nil
}

// Prune deletes finished operations and terminal requests completed before
// cutoff. Returns the number of rows removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	c := formatTime(cutoff)
	res, err := j.db.ExecContext(ctx, `DELETE FROM dispatch_log WHERE finished_at < ?;`, c)
	if err != nil {
		return 0, fmt.Errorf("prune dispatch_log: %w", err)
	}
	ops, _ := res.RowsAffected()

	res, err = j.db.ExecContext(ctx, `
DELETE FROM request_log
WHERE completed_at IS NOT NULL AND completed_at < ? AND state IN (?, ?, ?);
`, c, string(request.StateSucceeded), string(request.StateFailed), string(request.StateCancelled))
	if err != nil {
		return ops, fmt.Errorf("prune request_log: %w", err)
	}
	reqs, _ := res.RowsAffected()
	return ops + reqs, nil
}

func jsonList(v []string) (any, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
