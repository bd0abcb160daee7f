package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/dispatch/mocks"
	"github.com/mattjoyce/switchboard/internal/request"
)

type connMap map[string]dispatch.Connection

func (m connMap) Connection(name string) (dispatch.Connection, bool) {
	c, ok := m[name]
	return c, ok
}

func (h *harness) request(props channel.Properties, preferred string, ensure bool) dispatch.RequestView {
	h.t.Helper()
	v, err := h.eng.SubmitRequest(request.SubmitParams{
		Account:          "acct0",
		Connection:       "conn0",
		Requester:        "app",
		Properties:       props,
		PreferredHandler: preferred,
		UserActionTime:   time.Unix(1700000000, 0),
		Ensure:           ensure,
	})
	require.NoError(h.t, err)
	require.Equal(h.t, request.StatePendingProceed, v.State)

	v, err = h.eng.ProceedRequest(v.ID, "app")
	require.NoError(h.t, err)
	require.Equal(h.t, request.StateInFlight, v.State)
	return v
}

func (h *harness) operationOf(requestID string) string {
	h.t.Helper()
	var op string
	require.Eventually(h.t, func() bool {
		v, err := h.eng.Request(requestID)
		if err != nil {
			return false
		}
		op = v.Operation
		return op != ""
	}, waitFor, tick)
	return op
}

func TestCreateChannelForPreferredHandler(t *testing.T) {
	h := newHarness(t)
	h.observer("O", textFilter())
	h.approver("P", textFilter())
	h.handler("A", julietFilter())
	h.handler("K", textFilter())

	r := h.request(textTo("juliet"), "K", false)
	id := h.operationOf(r.ID)

	view := h.waitState(id, dispatch.StateAwaitingHandlerChoice)
	assert.Equal(t, []string{"K", "A"}, view.PossibleHandlers)
	assert.Equal(t, []string{r.ID}, view.SatisfiedRequests)
	assert.Equal(t, []string{"O"}, h.caller.clients("ObserveChannels"))
	assert.Equal(t, []string{"P"}, h.caller.clients("AddDispatchOperation"))
	require.Eventually(t, func() bool {
		return len(h.caller.callsTo("AddRequest")) == 1
	}, waitFor, tick)
	add := h.caller.callsTo("AddRequest")[0]
	assert.Equal(t, "K", add.client)
	assert.Equal(t, r.ID, add.arg.(dispatch.AddRequestCall).Request)

	require.NoError(t, h.eng.HandleWith(context.Background(), id, ""))

	handle := h.caller.callsTo("HandleChannels")[0]
	assert.Equal(t, "K", handle.client)
	call := handle.arg.(dispatch.HandleCall)
	assert.Equal(t, []string{r.ID}, call.SatisfiedRequests)
	assert.True(t, call.UserActionTime.Equal(time.Unix(1700000000, 0)))

	done := h.waitRequest(r.ID, string(request.StateSucceeded))
	require.NotNil(t, done.Channel)
	assert.Equal(t, view.Channels[0].ID, done.Channel.ID)
	assert.True(t, done.Channel.Requested())
}

func TestPreferredHandlerRanksBehindBypass(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("A", julietFilter())
	h.handler("K", textFilter())
	h.handler("C", textFilter(), bypassApproval)

	r := h.request(textTo("juliet"), "K", false)
	id := h.operationOf(r.ID)

	ev := h.waitFinished(id)
	assert.Equal(t, []string{"C", "K", "A"}, ev.Operation.PossibleHandlers)
	assert.Equal(t, "C", ev.Operation.Handler)
	assert.Empty(t, h.caller.callsTo("AddDispatchOperation"))
	h.waitRequest(r.ID, string(request.StateSucceeded))
}

func TestEnsureHandledChannelReinvokesHandler(t *testing.T) {
	h := newHarness(t)
	h.handler("H", textFilter())

	first := h.request(textTo("juliet"), "", true)
	firstDone := h.waitRequest(first.ID, string(request.StateSucceeded))

	second := h.request(textTo("juliet"), "", true)
	secondDone := h.waitRequest(second.ID, string(request.StateSucceeded))
	assert.Equal(t, firstDone.Channel.ID, secondDone.Channel.ID)

	calls := h.caller.callsTo("HandleChannels")
	require.Len(t, calls, 2)
	assert.Equal(t, "H", calls[1].client)
	assert.Equal(t, []string{second.ID}, calls[1].arg.(dispatch.HandleCall).SatisfiedRequests)
	assert.Len(t, h.hub.ofType("dispatch.started"), 1)

	ops, err := h.eng.Operations()
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestEnsureWhileHandlingSharesOutcome(t *testing.T) {
	h := newHarness(t)
	h.handler("H", julietFilter())
	h.handler("B", textFilter())
	h.caller.fail("HandleChannels", "H", errors.New("boom"))
	release := h.caller.hold("HandleChannels", "H")

	first := h.request(textTo("juliet"), "", true)
	id := h.operationOf(first.ID)
	h.waitState(id, dispatch.StateHandling)

	second := h.request(textTo("juliet"), "", true)
	assert.Equal(t, id, h.operationOf(second.ID))
	view, err := h.eng.Operation(id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, view.SatisfiedRequests)
	require.Len(t, h.caller.callsTo("HandleChannels"), 1, "no second call while the first is outstanding")

	release()
	ev := h.waitFinished(id)
	assert.Equal(t, dispatch.OutcomeHandled, ev.Outcome)
	assert.Equal(t, "B", ev.Operation.Handler)

	calls := h.caller.callsTo("HandleChannels")
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"H", "B"}, []string{calls[0].client, calls[1].client})
	assert.ElementsMatch(t, []string{first.ID, second.ID}, calls[1].arg.(dispatch.HandleCall).SatisfiedRequests)

	a := h.waitRequest(first.ID, string(request.StateSucceeded))
	b := h.waitRequest(second.ID, string(request.StateSucceeded))
	assert.Equal(t, a.Channel.ID, b.Channel.ID)
	assert.Len(t, h.hub.ofType("dispatch.started"), 1)
}

func TestEnsureUntrackedChannelStillObserved(t *testing.T) {
	h := newHarness(t)
	h.observer("O", textFilter())
	h.approver("P", textFilter())
	h.handler("A", textFilter())

	existing, err := h.conn.Incoming(textTo("juliet"))
	require.NoError(t, err)

	r := h.request(textTo("juliet"), "", true)
	id := h.operationOf(r.ID)

	assert.Equal(t, dispatch.OutcomeHandled, h.waitFinished(id).Outcome)
	done := h.waitRequest(r.ID, string(request.StateSucceeded))
	assert.Equal(t, existing.ID, done.Channel.ID)
	assert.Equal(t, []string{"O"}, h.caller.clients("ObserveChannels"))
	assert.Empty(t, h.caller.callsTo("AddDispatchOperation"), "ensure counts as approval")
	assert.Equal(t, []string{"A"}, h.caller.clients("HandleChannels"))
}

func TestEnsureCoalescesIntoIncomingDispatch(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("A", textFilter())

	ch, id := h.incoming(textTo("juliet"))
	h.waitState(id, dispatch.StateAwaitingHandlerChoice)

	r := h.request(textTo("juliet"), "", true)

	ev := h.waitFinished(id)
	assert.Equal(t, dispatch.OutcomeHandled, ev.Outcome)
	assert.Equal(t, []string{r.ID}, ev.Operation.SatisfiedRequests)
	done := h.waitRequest(r.ID, string(request.StateSucceeded))
	assert.Equal(t, ch.ID, done.Channel.ID)
	assert.Equal(t, id, done.Operation)
	assert.Len(t, h.hub.ofType("dispatch.started"), 1)
}

func TestRequestWithoutHandlerFails(t *testing.T) {
	h := newHarness(t)
	h.handler("K", channel.Filter{channel.PropChannelType: "Voice"})

	r := h.request(textTo("juliet"), "K", false)
	failed := h.waitRequest(r.ID, string(request.StateFailed))
	assert.Equal(t, dispatch.ErrorNameNotAvailable, failed.Error)
	assert.Nil(t, failed.Channel)

	require.Eventually(t, func() bool {
		return len(h.caller.callsTo("RemoveRequest")) == 1
	}, waitFor, tick)
	rm := h.caller.callsTo("RemoveRequest")[0]
	assert.Equal(t, "K", rm.client)
	assert.Equal(t, []string{r.ID, dispatch.ErrorNameNotAvailable}, rm.arg)
	require.Eventually(t, func() bool {
		return len(h.conn.Channels()) == 0
	}, waitFor, tick)
}

func TestFailingHandlerFailsRequest(t *testing.T) {
	h := newHarness(t)
	h.handler("H", textFilter())
	h.caller.fail("HandleChannels", "H", context.DeadlineExceeded)

	r := h.request(textTo("juliet"), "H", false)
	failed := h.waitRequest(r.ID, string(request.StateFailed))
	assert.Equal(t, dispatch.ErrorNameNotAvailable, failed.Error)
	assert.Equal(t, 1, h.counter("switchboard.request.terminal.count"))
}

func TestLostChannelFailsRequest(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("A", textFilter())

	r := h.request(textTo("juliet"), "", false)
	id := h.operationOf(r.ID)
	view := h.waitState(id, dispatch.StateAwaitingHandlerChoice)

	require.NoError(t, h.conn.CloseChannel(context.Background(), view.Channels[0].ID))
	failed := h.waitRequest(r.ID, string(request.StateFailed))
	assert.Equal(t, dispatch.ErrorNameTerminated, failed.Error)
	assert.Equal(t, dispatch.OutcomeLost, h.waitFinished(id).Outcome)
}

func TestCancelBeforeHandlingDestroysRequestedChannel(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("A", textFilter())

	r := h.request(textTo("juliet"), "A", false)
	id := h.operationOf(r.ID)
	h.waitState(id, dispatch.StateAwaitingHandlerChoice)

	v, err := h.eng.CancelRequest(r.ID, "app")
	require.NoError(t, err)
	assert.Equal(t, request.StateCancelled, v.State)
	assert.Equal(t, request.ErrorNameCancelled, v.Error)

	assert.Equal(t, dispatch.OutcomeCancelled, h.waitFinished(id).Outcome)
	require.Eventually(t, func() bool {
		return len(h.conn.Channels()) == 0
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(h.caller.callsTo("RemoveRequest")) == 1
	}, waitFor, tick)
	assert.Empty(t, h.caller.callsTo("HandleChannels"))

	_, err = h.eng.CancelRequest(r.ID, "app")
	assert.ErrorIs(t, err, request.ErrAlreadyTerminal)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.SubmitRequest(request.SubmitParams{Connection: "nowhere", Properties: textTo("juliet")})
	assert.ErrorIs(t, err, dispatch.ErrUnknownConnection)

	_, err = h.eng.SubmitRequest(request.SubmitParams{
		Connection: "conn0",
		Properties: channel.Properties{channel.PropTargetID: "juliet"},
	})
	assert.ErrorIs(t, err, request.ErrInvalidArgument)
	assert.True(t, dispatch.IsInvalidRequest(err))

	_, err = h.eng.Request("missing")
	assert.ErrorIs(t, err, request.ErrNotFound)
}

func newMockConnEngine(t *testing.T, conn dispatch.Connection) (*dispatch.Engine, *fakeCaller) {
	t.Helper()
	caller := newFakeCaller()
	eng := dispatch.New(caller, connMap{"conn0": conn}, dispatch.Options{
		ObserveTimeout:    time.Second,
		ApproveTimeout:    time.Second,
		HandleTimeout:     time.Second,
		ConnectionTimeout: time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return eng, caller
}

func TestProceedTwiceCreatesOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConnection(ctrl)
	ch := &channel.Channel{
		ID:         "/conn0/channel1",
		Connection: "conn0",
		Account:    "acct0",
		Properties: channel.Properties{channel.PropChannelType: "Text", channel.PropRequested: true},
	}
	conn.EXPECT().CreateChannel(gomock.Any(), gomock.Any()).Return(ch, nil).Times(1)

	eng, _ := newMockConnEngine(t, conn)
	h := &harness{t: t, eng: eng}
	h.handler("A", textFilter())

	v, err := eng.SubmitRequest(request.SubmitParams{
		Connection: "conn0",
		Requester:  "app",
		Properties: textTo("juliet"),
	})
	require.NoError(t, err)

	_, err = eng.ProceedRequest(v.ID, "someone-else")
	assert.ErrorIs(t, err, request.ErrNotYours)
	_, err = eng.ProceedRequest(v.ID, "app")
	require.NoError(t, err)
	_, err = eng.ProceedRequest(v.ID, "app")
	assert.ErrorIs(t, err, request.ErrNotYours)

	done := h.waitRequest(v.ID, string(request.StateSucceeded))
	assert.Equal(t, ch.ID, done.Channel.ID)
}

func TestCancelInFlightDestroysLateChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConnection(ctrl)
	ch := &channel.Channel{
		ID:         "/conn0/channel1",
		Connection: "conn0",
		Properties: channel.Properties{channel.PropChannelType: "Text", channel.PropRequested: true},
	}

	gate := make(chan struct{})
	destroyed := make(chan struct{})
	conn.EXPECT().
		CreateChannel(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ channel.Properties) (*channel.Channel, error) {
			<-gate
			return ch, nil
		})
	conn.EXPECT().
		DestroyChannel(gomock.Any(), ch.ID).
		DoAndReturn(func(context.Context, string) error {
			close(destroyed)
			return nil
		})

	eng, caller := newMockConnEngine(t, conn)
	h := &harness{t: t, eng: eng}
	h.handler("A", textFilter())

	v, err := eng.SubmitRequest(request.SubmitParams{
		Connection: "conn0",
		Requester:  "app",
		Properties: textTo("juliet"),
	})
	require.NoError(t, err)
	_, err = eng.ProceedRequest(v.ID, "app")
	require.NoError(t, err)

	cancelled, err := eng.CancelRequest(v.ID, "app")
	require.NoError(t, err)
	assert.Equal(t, request.StateCancelled, cancelled.State)
	close(gate)

	select {
	case <-destroyed:
	case <-time.After(waitFor):
		t.Fatal("late channel was not destroyed")
	}
	ops, err := eng.Operations()
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Empty(t, caller.callsTo("HandleChannels"))
}
