package recovery

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/registry"
)

type fakeView struct {
	reg        *registry.Registry
	handled    []dispatch.HandledChannel
	reassigned map[string]string
	closed     []string
	observed   map[string][]*channel.Bundle
	closeErr   error
}

func newFakeView() *fakeView {
	return &fakeView{
		reg:        registry.New(),
		reassigned: make(map[string]string),
		observed:   make(map[string][]*channel.Bundle),
	}
}

func (v *fakeView) Registry() *registry.Registry       { return v.reg }
func (v *fakeView) Handled() []dispatch.HandledChannel { return v.handled }

func (v *fakeView) Reassign(channelID, handler string) error {
	v.reassigned[channelID] = handler
	return nil
}

func (v *fakeView) CloseChannel(channelID string) error {
	if v.closeErr != nil {
		return v.closeErr
	}
	v.closed = append(v.closed, channelID)
	return nil
}

func (v *fakeView) ObserveRecovering(observer string, b *channel.Bundle) {
	v.observed[observer] = append(v.observed[observer], b)
}

func (v *fakeView) register(t *testing.T, d registry.Descriptor) *registry.Client {
	t.Helper()
	c, _, err := v.reg.Register(d)
	require.NoError(t, err)
	return c
}

func (v *fakeView) handle(ch *channel.Channel, handler string) {
	v.handled = append(v.handled, dispatch.HandledChannel{Channel: ch, Handler: handler})
}

func textChannel(id, conn, target string, requested bool) *channel.Channel {
	return &channel.Channel{
		ID:         id,
		Connection: conn,
		Account:    "acct-" + conn,
		Properties: channel.Properties{
			channel.PropChannelType: "Text",
			channel.PropTargetID:    target,
			channel.PropRequested:   requested,
		},
	}
}

func handlerDesc(name string, f channel.Filter) registry.Descriptor {
	return registry.Descriptor{
		Name:    name,
		Roles:   registry.Roles{registry.RoleHandler},
		Filters: map[registry.Role][]channel.Filter{registry.RoleHandler: {f}},
	}
}

func observerDesc(name string, recovery bool, f channel.Filter) registry.Descriptor {
	return registry.Descriptor{
		Name:          name,
		Roles:         registry.Roles{registry.RoleObserver},
		Filters:       map[registry.Role][]channel.Filter{registry.RoleObserver: {f}},
		WantsRecovery: recovery,
	}
}

func counterTotal(sink *metrics.InmemSink, name string) int {
	total := 0
	for _, iv := range sink.Data() {
		iv.RLock()
		for key, sv := range iv.Counters {
			if key == name || strings.HasPrefix(key, name+";") {
				total += sv.Count
			}
		}
		iv.RUnlock()
	}
	return total
}

func TestHandlerVanishReassignsToBestSurvivor(t *testing.T) {
	t.Parallel()
	sink := metrics.NewInmemSink(time.Minute, time.Hour)
	c := New(sink)
	v := newFakeView()

	gone := v.register(t, handlerDesc("Chat", channel.Filter{channel.PropChannelType: "Text"}))
	v.register(t, handlerDesc("Generic", channel.Filter{channel.PropChannelType: "Text"}))
	v.register(t, handlerDesc("Juliet", channel.Filter{channel.PropChannelType: "Text", channel.PropTargetID: "juliet"}))
	v.reg.Deregister("Chat")

	v.handle(textChannel("/c/1", "c", "juliet", false), "Chat")
	v.handle(textChannel("/c/2", "c", "romeo", false), "Chat")
	v.handle(textChannel("/c/3", "c", "romeo", false), "Generic")

	c.ClientVanished(v, gone)

	assert.Equal(t, map[string]string{"/c/1": "Juliet", "/c/2": "Generic"}, v.reassigned)
	assert.Empty(t, v.closed)
	assert.Equal(t, 2, counterTotal(sink, "switchboard.recovery.reassigned.count"))
}

func TestHandlerVanishClosesOrphans(t *testing.T) {
	t.Parallel()
	sink := metrics.NewInmemSink(time.Minute, time.Hour)
	c := New(sink)
	v := newFakeView()

	gone := v.register(t, handlerDesc("Chat", channel.Filter{channel.PropChannelType: "Text"}))
	v.register(t, handlerDesc("Calls", channel.Filter{channel.PropChannelType: "Call"}))
	v.reg.Deregister("Chat")
	v.handle(textChannel("/c/1", "c", "bob", false), "Chat")

	c.ClientVanished(v, gone)

	assert.Empty(t, v.reassigned)
	assert.Equal(t, []string{"/c/1"}, v.closed)
	assert.Equal(t, 1, counterTotal(sink, "switchboard.recovery.closed.count"))
}

func TestHandlerVanishCloseErrorNotCounted(t *testing.T) {
	t.Parallel()
	sink := metrics.NewInmemSink(time.Minute, time.Hour)
	c := New(sink)
	v := newFakeView()
	v.closeErr = errors.New("gone")

	gone := v.register(t, handlerDesc("Chat", channel.Filter{channel.PropChannelType: "Text"}))
	v.reg.Deregister("Chat")
	v.handle(textChannel("/c/1", "c", "bob", false), "Chat")

	c.ClientVanished(v, gone)
	assert.Zero(t, counterTotal(sink, "switchboard.recovery.closed.count"))
}

func TestNonHandlerVanishIsIgnored(t *testing.T) {
	t.Parallel()
	c := New(nil)
	v := newFakeView()
	obs := v.register(t, observerDesc("Logger", true, channel.Filter{}))
	v.handle(textChannel("/c/1", "c", "bob", false), "Logger")

	c.ClientVanished(v, obs)
	assert.Empty(t, v.reassigned)
	assert.Empty(t, v.closed)
}

func TestRecoveringObserverGetsMatchingChannelsGrouped(t *testing.T) {
	t.Parallel()
	c := New(nil)
	v := newFakeView()

	v.handle(textChannel("/b/1", "b", "bob", false), "Chat")
	v.handle(textChannel("/a/2", "a", "bob", true), "Chat")
	v.handle(textChannel("/a/1", "a", "bob", false), "Chat")
	v.handle(textChannel("/a/3", "a", "carol", false), "Chat")
	v.handle(&channel.Channel{ID: "/a/9", Connection: "a", Properties: channel.Properties{channel.PropChannelType: "Call"}}, "Calls")

	obs := v.register(t, observerDesc("Logger", true, channel.Filter{channel.PropChannelType: "Text"}))
	c.ClientRegistered(v, obs)

	bundles := v.observed["Logger"]
	require.Len(t, bundles, 3)
	assert.Equal(t, []string{"/a/1", "/a/3"}, bundles[0].IDs())
	assert.False(t, bundles[0].Requested)
	assert.Equal(t, "acct-a", bundles[0].Account)
	assert.Equal(t, []string{"/a/2"}, bundles[1].IDs())
	assert.True(t, bundles[1].Requested)
	assert.Equal(t, []string{"/b/1"}, bundles[2].IDs())
}

func TestObserverWithoutRecoveryIsIgnored(t *testing.T) {
	t.Parallel()
	c := New(nil)
	v := newFakeView()
	v.handle(textChannel("/a/1", "a", "bob", false), "Chat")

	obs := v.register(t, observerDesc("Logger", false, channel.Filter{channel.PropChannelType: "Text"}))
	c.ClientRegistered(v, obs)
	assert.Empty(t, v.observed)
}
