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
	"github.com/mattjoyce/switchboard/internal/registry"
)

func TestObserversThenApproversThenChosenHandler(t *testing.T) {
	h := newHarness(t)
	h.observer("O1", textFilter())
	h.observer("O2", julietFilter())
	h.approver("P1", textFilter())
	h.approver("P2", textFilter())
	h.handler("B", textFilter())
	h.handler("A", julietFilter())

	release := h.caller.hold("ObserveChannels", "O1")
	_, id := h.incoming(textTo("juliet"))

	require.Eventually(t, func() bool {
		return len(h.caller.callsTo("ObserveChannels")) == 2
	}, waitFor, tick)
	// O1 has not returned yet, so no approver may have been called.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.caller.callsTo("AddDispatchOperation"))
	v, err := h.eng.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StateObserving, v.State)

	release()
	view := h.waitState(id, dispatch.StateAwaitingHandlerChoice)
	assert.Equal(t, []string{"P1", "P2"}, h.caller.clients("AddDispatchOperation"))
	assert.Equal(t, []string{"A", "B"}, view.PossibleHandlers)
	assert.Equal(t, []string{dispatch.InterfaceDispatchOperation}, view.Interfaces)

	approve := h.caller.callsTo("AddDispatchOperation")[0].arg.(dispatch.ApproveCall)
	assert.Equal(t, id, approve.Operation)
	assert.Equal(t, []string{"A", "B"}, approve.PossibleHandlers)

	require.NoError(t, h.eng.HandleWith(context.Background(), id, "B"))
	assert.Equal(t, []string{"B"}, h.caller.clients("HandleChannels"))

	ev := h.waitFinished(id)
	assert.Equal(t, dispatch.OutcomeHandled, ev.Outcome)
	assert.Equal(t, "B", ev.Operation.Handler)

	_, err = h.eng.Operation(id)
	assert.ErrorIs(t, err, dispatch.ErrAlreadyFinished)
	assert.Equal(t, 1, h.counter("switchboard.dispatch.operation.started.count"))
}

func TestRelaxedJoinOnlyWaitsForDelayingObservers(t *testing.T) {
	h := newHarness(t, func(o *dispatch.Options) { o.RelaxedObserverJoin = true })
	h.observer("Slow", textFilter())
	h.register(registry.Descriptor{
		Name:           "Gate",
		Roles:          registry.Roles{registry.RoleObserver},
		Filters:        map[registry.Role][]channel.Filter{registry.RoleObserver: {textFilter()}},
		DelayApprovers: true,
	})
	h.approver("P", textFilter())
	h.handler("A", textFilter())

	releaseSlow := h.caller.hold("ObserveChannels", "Slow")
	defer releaseSlow()
	_, id := h.incoming(textTo("juliet"))

	h.waitState(id, dispatch.StateAwaitingHandlerChoice)
	assert.Equal(t, []string{"P"}, h.caller.clients("AddDispatchOperation"))
}

func TestBypassApprovalSkipsApprovers(t *testing.T) {
	h := newHarness(t)
	h.observer("O", textFilter())
	h.approver("P", textFilter())
	h.handler("A", julietFilter())
	h.handler("C", textFilter(), bypassApproval)

	_, id := h.incoming(textTo("juliet"))

	ev := h.waitFinished(id)
	assert.Equal(t, "C", ev.Operation.Handler)
	assert.Equal(t, []string{"O"}, h.caller.clients("ObserveChannels"))
	assert.Equal(t, []string{"C"}, h.caller.clients("HandleChannels"))
	assert.Empty(t, h.caller.callsTo("AddDispatchOperation"))
}

func TestBypassObserversGoesStraightToHandling(t *testing.T) {
	ctrl := gomock.NewController(t)
	caller := mocks.NewMockCaller(ctrl)

	handled := make(chan dispatch.HandleCall, 1)
	caller.EXPECT().
		HandleChannels(gomock.Any(), "C", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, call dispatch.HandleCall) error {
			handled <- call
			return nil
		}).
		Times(1)

	h := newHarnessWithCaller(t, caller)
	h.observer("O", textFilter())
	h.approver("P", textFilter())
	h.handler("C", textFilter(), bypassApproval, bypassObservers)

	ch, id := h.incoming(textTo("juliet"))

	select {
	case call := <-handled:
		require.Len(t, call.Channels, 1)
		assert.Equal(t, ch.ID, call.Channels[0].ID)
	case <-time.After(waitFor):
		t.Fatal("HandleChannels was not called")
	}
	assert.Equal(t, dispatch.OutcomeHandled, h.waitFinished(id).Outcome)
}

func TestBundleWithoutHandlerIsDestroyed(t *testing.T) {
	h := newHarness(t)
	h.observer("O", textFilter())
	h.approver("P", textFilter())
	h.handler("Voice", channel.Filter{channel.PropChannelType: "Voice"})

	ch, id := h.incoming(textTo("juliet"))

	ev := h.waitFinished(id)
	assert.Equal(t, dispatch.OutcomeNoHandler, ev.Outcome)
	require.Eventually(t, func() bool {
		_, ok := h.conn.Get(ch.ID)
		return !ok
	}, waitFor, tick)
	assert.Empty(t, h.caller.callsTo("ObserveChannels"))
	assert.Empty(t, h.caller.callsTo("AddDispatchOperation"))
	assert.Empty(t, h.caller.callsTo("HandleChannels"))
}

func TestHandlerFailureFallsBackWithoutReobserving(t *testing.T) {
	h := newHarness(t)
	h.observer("O", textFilter())
	h.handler("B", textFilter())
	h.handler("A", julietFilter())
	h.caller.fail("HandleChannels", "A", errors.New("crashed"))

	_, id := h.incoming(textTo("juliet"))

	ev := h.waitFinished(id)
	assert.Equal(t, dispatch.OutcomeHandled, ev.Outcome)
	assert.Equal(t, "B", ev.Operation.Handler)
	assert.Equal(t, []string{"B"}, ev.Operation.PossibleHandlers)

	calls := h.caller.callsTo("HandleChannels")
	require.Len(t, calls, 2)
	assert.Equal(t, "A", calls[0].client)
	assert.Equal(t, "B", calls[1].client)
	assert.Len(t, h.caller.callsTo("ObserveChannels"), 1)
	assert.Equal(t, 1, h.counter("switchboard.dispatch.handler.failed.count"))
}

func TestFallbackNeverReoffersAFailedHandler(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"A", "B", "C"} {
		h.handler(name, textFilter())
		h.caller.fail("HandleChannels", name, errors.New("no"))
	}

	ch, id := h.incoming(textTo("juliet"))

	ev := h.waitFinished(id)
	assert.Equal(t, dispatch.OutcomeNoHandler, ev.Outcome)
	assert.Equal(t, []string{"A", "B", "C"}, h.caller.clients("HandleChannels"))
	require.Eventually(t, func() bool {
		_, ok := h.conn.Get(ch.ID)
		return !ok
	}, waitFor, tick)
}

func TestBypassFailureFallsBackToApproval(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("C", textFilter(), bypassApproval)
	h.handler("A", textFilter())
	h.caller.fail("HandleChannels", "C", errors.New("busy"))

	_, id := h.incoming(textTo("juliet"))

	view := h.waitState(id, dispatch.StateAwaitingHandlerChoice)
	assert.Equal(t, []string{"A"}, view.PossibleHandlers)
	assert.Equal(t, []string{"P"}, h.caller.clients("AddDispatchOperation"))

	err := h.eng.HandleWith(context.Background(), id, "C")
	assert.ErrorIs(t, err, dispatch.ErrUnknownHandler)

	require.NoError(t, h.eng.HandleWith(context.Background(), id, ""))
	assert.Equal(t, "A", h.waitFinished(id).Operation.Handler)
}

func TestFullBypassFailureRunsObserversFirst(t *testing.T) {
	h := newHarness(t)
	h.observer("O", textFilter())
	h.approver("P", textFilter())
	h.handler("C", textFilter(), bypassApproval, bypassObservers)
	h.handler("A", textFilter())
	h.caller.fail("HandleChannels", "C", errors.New("busy"))

	_, id := h.incoming(textTo("juliet"))

	view := h.waitState(id, dispatch.StateAwaitingHandlerChoice)
	assert.Equal(t, []string{"A"}, view.PossibleHandlers)
	assert.Equal(t, []string{
		"HandleChannels/C",
		"ObserveChannels/O",
		"AddDispatchOperation/P",
	}, h.caller.sequence())

	require.NoError(t, h.eng.HandleWith(context.Background(), id, ""))
	assert.Equal(t, "A", h.waitFinished(id).Operation.Handler)
}

func TestHandleWithRejections(t *testing.T) {
	h := newHarness(t)
	h.observer("O", textFilter())
	h.approver("P", textFilter())
	h.handler("A", textFilter())
	ctx := context.Background()

	err := h.eng.HandleWith(ctx, "missing", "A")
	assert.ErrorIs(t, err, dispatch.ErrNotFound)

	release := h.caller.hold("ObserveChannels", "O")
	_, id := h.incoming(textTo("juliet"))
	h.waitState(id, dispatch.StateObserving)
	err = h.eng.HandleWith(ctx, id, "A")
	assert.ErrorIs(t, err, dispatch.ErrNotReady)

	release()
	h.waitState(id, dispatch.StateAwaitingHandlerChoice)
	err = h.eng.HandleWith(ctx, id, "Nobody")
	assert.ErrorIs(t, err, dispatch.ErrUnknownHandler)
	err = h.eng.HandleWith(ctx, id, "P")
	assert.ErrorIs(t, err, dispatch.ErrUnknownHandler)
	assert.True(t, dispatch.IsInvalidRequest(err))

	require.NoError(t, h.eng.HandleWith(ctx, id, "A"))
	err = h.eng.HandleWith(ctx, id, "A")
	assert.ErrorIs(t, err, dispatch.ErrAlreadyFinished)
}

func TestHandleWithReportsHandlerError(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("A", textFilter())
	h.handler("B", textFilter())
	h.caller.fail("HandleChannels", "B", errors.New("refused"))

	_, id := h.incoming(textTo("juliet"))
	h.waitState(id, dispatch.StateAwaitingHandlerChoice)

	err := h.eng.HandleWith(context.Background(), id, "B")
	assert.ErrorIs(t, err, dispatch.ErrHandlerFailed)

	ev := h.waitFinished(id)
	assert.Equal(t, "A", ev.Operation.Handler)
}

func TestClaim(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("A", textFilter())
	ctx := context.Background()

	ch, id := h.incoming(textTo("juliet"))
	h.waitState(id, dispatch.StateAwaitingHandlerChoice)

	assert.ErrorIs(t, h.eng.Claim(ctx, id, "stranger"), dispatch.ErrUnknownClient)
	require.NoError(t, h.eng.Claim(ctx, id, "P"))

	assert.ErrorIs(t, h.eng.Claim(ctx, id, "P"), dispatch.ErrAlreadyClaimed)
	assert.ErrorIs(t, h.eng.HandleWith(ctx, id, "A"), dispatch.ErrAlreadyClaimed)
	assert.Empty(t, h.caller.callsTo("HandleChannels"))

	ev := h.waitFinished(id)
	assert.Equal(t, dispatch.OutcomeClaimed, ev.Outcome)
	assert.Equal(t, "P", ev.Operation.Claimant)

	chans, err := h.eng.Channels()
	require.NoError(t, err)
	require.Len(t, chans, 1)
	assert.Equal(t, ch.ID, chans[0].Channel.ID)
	assert.Equal(t, "P", chans[0].Handler)
}

func TestPartialLossKeepsDispatching(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("A", textFilter())

	a, err := h.conn.Incoming(textTo("juliet"))
	require.NoError(t, err)
	b, err := h.conn.Incoming(textTo("romeo"))
	require.NoError(t, err)
	ids, err := h.eng.AnnounceChannels("conn0", []*channel.Channel{a, b})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	id := ids[0]
	h.waitState(id, dispatch.StateAwaitingHandlerChoice)

	require.NoError(t, h.conn.CloseChannel(context.Background(), a.ID))
	require.Eventually(t, func() bool {
		return len(h.hub.ofType("dispatch.channel_lost")) == 1
	}, waitFor, tick)
	lost := h.hub.ofType("dispatch.channel_lost")[0].(dispatch.ChannelLostEvent)
	assert.Equal(t, a.ID, lost.Channel)
	assert.Equal(t, dispatch.ErrorNameTerminated, lost.ErrorName)

	view, err := h.eng.Operation(id)
	require.NoError(t, err)
	require.Len(t, view.Channels, 1)
	assert.Equal(t, b.ID, view.Channels[0].ID)
	assert.Equal(t, []string{a.ID}, view.LostChannels)

	require.NoError(t, h.conn.CloseChannel(context.Background(), b.ID))
	ev := h.waitFinished(id)
	assert.Equal(t, dispatch.OutcomeLost, ev.Outcome)
	assert.ErrorIs(t, h.eng.HandleWith(context.Background(), id, "A"), dispatch.ErrAlreadyFinished)
}

func TestAnnounceSplitsMixedProvenance(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("A", textFilter())

	in, err := h.conn.Incoming(textTo("juliet"))
	require.NoError(t, err)
	out := &channel.Channel{
		ID:         "/conn0/outgoing",
		Account:    "acct0",
		Properties: channel.Properties{channel.PropChannelType: "Text", channel.PropRequested: true},
	}
	ids, err := h.eng.AnnounceChannels("conn0", []*channel.Channel{in, out})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	again, err := h.eng.AnnounceChannels("conn0", []*channel.Channel{in})
	require.NoError(t, err)
	assert.Empty(t, again)

	_, err = h.eng.AnnounceChannels("nowhere", []*channel.Channel{in})
	assert.ErrorIs(t, err, dispatch.ErrUnknownConnection)
	_, err = h.eng.AnnounceChannels("conn0", []*channel.Channel{{}})
	assert.ErrorIs(t, err, dispatch.ErrInvalidAnnouncement)
}

func TestVanishedCandidateLeavesOperationAlive(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("A", textFilter())

	ch, id := h.incoming(textTo("juliet"))
	h.waitState(id, dispatch.StateAwaitingHandlerChoice)

	require.NoError(t, h.eng.ClientVanished("A"))
	view, err := h.eng.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StateAwaitingHandlerChoice, view.State)
	assert.Empty(t, view.PossibleHandlers)

	err = h.eng.HandleWith(context.Background(), id, "")
	assert.ErrorIs(t, err, dispatch.ErrNoHandler)
	assert.Equal(t, dispatch.OutcomeNoHandler, h.waitFinished(id).Outcome)
	require.Eventually(t, func() bool {
		_, ok := h.conn.Get(ch.ID)
		return !ok
	}, waitFor, tick)

	assert.NoError(t, h.eng.ClientVanished("A"), "deregistering twice succeeds")
	assert.Len(t, h.hub.ofType("client.vanished"), 1)
}

func TestNewHandlerJoinsLiveOperation(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("B", textFilter())

	_, id := h.incoming(textTo("juliet"))
	h.waitState(id, dispatch.StateAwaitingHandlerChoice)

	h.handler("A", julietFilter())
	view, err := h.eng.Operation(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, view.PossibleHandlers)
}

func TestRegisterClientIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.handler("A", textFilter())
	h.handler("A", textFilter())

	clients, err := h.eng.Clients()
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Len(t, h.hub.ofType("client.registered"), 1)

	_, err = h.eng.RegisterClient(registry.Descriptor{
		Name:    "A",
		Roles:   registry.Roles{registry.RoleHandler},
		Filters: map[registry.Role][]channel.Filter{registry.RoleHandler: {julietFilter()}},
	})
	assert.ErrorIs(t, err, registry.ErrDuplicateClient)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	h.approver("P", textFilter())
	h.handler("A", textFilter())
	_, id := h.incoming(textTo("juliet"))
	h.waitState(id, dispatch.StateAwaitingHandlerChoice)

	s, err := h.eng.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Operations)
	assert.Equal(t, 1, s.OperationsByState[dispatch.StateAwaitingHandlerChoice])
	assert.Equal(t, 2, s.Clients)
	assert.Equal(t, 1, s.TrackedChannels)
}

func TestEngineStops(t *testing.T) {
	eng := dispatch.New(newFakeCaller(), nil, dispatch.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- eng.Run(ctx) }()

	_, err := eng.Clients()
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	<-eng.Done()

	_, err = eng.Clients()
	assert.ErrorIs(t, err, dispatch.ErrShutdown)
	assert.Error(t, eng.Run(context.Background()))
}
