package request

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/channel"
)

func newTestTable() *Table {
	tbl := NewTable()
	n := 0
	tbl.newID = func() string {
		n++
		return fmt.Sprintf("req-%d", n)
	}
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tbl.now = func() time.Time { return base }
	return tbl
}

func submitText(t *testing.T, tbl *Table, requester string) *Request {
	t.Helper()
	r, err := tbl.Submit(SubmitParams{
		Account:    "gabble/jabber/juliet",
		Connection: "conn",
		Requester:  requester,
		Properties: channel.Properties{channel.PropChannelType: "Text", channel.PropTargetID: "romeo"},
	})
	require.NoError(t, err)
	return r
}

func TestSubmitDefaults(t *testing.T) {
	tbl := newTestTable()
	r := submitText(t, tbl, "org.example.UI")

	assert.Equal(t, "req-1", r.ID)
	assert.Equal(t, StatePendingProceed, r.State)
	assert.Equal(t, tbl.now(), r.UserActionTime, "zero user action time defaults to now")

	got, ok := tbl.Get("req-1")
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestSubmitRejectsMalformedProperties(t *testing.T) {
	tbl := newTestTable()

	_, err := tbl.Submit(SubmitParams{Connection: "conn"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = tbl.Submit(SubmitParams{Connection: "conn", Properties: channel.Properties{channel.PropTargetID: "x"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = tbl.Submit(SubmitParams{Properties: channel.Properties{channel.PropChannelType: "Text"}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Empty(t, tbl.All(), "rejected submissions leave no state")
}

func TestProceedTwiceIsNotYours(t *testing.T) {
	tbl := newTestTable()
	r := submitText(t, tbl, "org.example.UI")

	_, err := tbl.Proceed(r.ID, "org.example.UI")
	require.NoError(t, err)
	assert.Equal(t, StateInFlight, r.State)

	_, err = tbl.Proceed(r.ID, "org.example.UI")
	assert.ErrorIs(t, err, ErrNotYours)
	assert.Equal(t, StateInFlight, r.State)
}

func TestProceedByUnrelatedCaller(t *testing.T) {
	tbl := newTestTable()
	r := submitText(t, tbl, "org.example.UI")

	_, err := tbl.Proceed(r.ID, "org.example.Other")
	assert.ErrorIs(t, err, ErrNotYours)
	assert.Equal(t, StatePendingProceed, r.State)

	_, err = tbl.Proceed("missing", "org.example.UI")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExactlyOneTerminalState(t *testing.T) {
	ch := &channel.Channel{ID: "/ch/1"}

	tests := []struct {
		name  string
		first func(tbl *Table, id string) error
		want  State
	}{
		{"succeed", func(tbl *Table, id string) error { _, err := tbl.Succeed(id, ch); return err }, StateSucceeded},
		{"fail", func(tbl *Table, id string) error { _, err := tbl.Fail(id, ErrorNameNotAvailable, "no handler"); return err }, StateFailed},
		{"cancel", func(tbl *Table, id string) error { _, _, err := tbl.Cancel(id, "ui"); return err }, StateCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := newTestTable()
			r := submitText(t, tbl, "ui")
			_, err := tbl.Proceed(r.ID, "ui")
			require.NoError(t, err)

			require.NoError(t, tt.first(tbl, r.ID))
			assert.Equal(t, tt.want, r.State)
			require.NotNil(t, r.CompletedAt)

			_, err = tbl.Succeed(r.ID, ch)
			assert.ErrorIs(t, err, ErrAlreadyTerminal)
			_, err = tbl.Fail(r.ID, ErrorNameNotAvailable, "")
			assert.ErrorIs(t, err, ErrAlreadyTerminal)
			_, _, err = tbl.Cancel(r.ID, "ui")
			assert.ErrorIs(t, err, ErrAlreadyTerminal)
			assert.Equal(t, tt.want, r.State)

			if r.State == StateSucceeded {
				assert.Same(t, ch, r.Channel)
			}
		})
	}
}

func TestSucceedRequiresChannel(t *testing.T) {
	tbl := newTestTable()
	r := submitText(t, tbl, "ui")

	_, err := tbl.Succeed(r.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.False(t, r.State.Terminal())
}

func TestCancelReportsPreviousState(t *testing.T) {
	tbl := newTestTable()
	r := submitText(t, tbl, "ui")
	_, err := tbl.Proceed(r.ID, "ui")
	require.NoError(t, err)

	_, prev, err := tbl.Cancel(r.ID, "ui")
	require.NoError(t, err)
	assert.Equal(t, StateInFlight, prev)
	assert.Equal(t, ErrorNameCancelled, r.ErrorName)
}

func TestPruneForgetsOldTerminalRequests(t *testing.T) {
	tbl := newTestTable()
	done := submitText(t, tbl, "ui")
	live := submitText(t, tbl, "ui")
	_, err := tbl.Fail(done.ID, ErrorNameNotAvailable, "x")
	require.NoError(t, err)

	n := tbl.Prune(tbl.now().Add(time.Second))
	assert.Equal(t, 1, n)
	_, ok := tbl.Get(done.ID)
	assert.False(t, ok)
	_, ok = tbl.Get(live.ID)
	assert.True(t, ok)
}

func TestLatestUserAction(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reqs := []*Request{
		{UserActionTime: t0.Add(time.Minute)},
		{UserActionTime: t0.Add(time.Hour)},
		{UserActionTime: t0},
	}
	assert.Equal(t, t0.Add(time.Hour), LatestUserAction(reqs))
	assert.True(t, LatestUserAction(nil).IsZero())
}
