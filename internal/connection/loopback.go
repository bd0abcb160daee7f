// Package connection provides the in-process connections the service
// dispatches channels for.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/switchboard/internal/channel"
	"github.com/mattjoyce/switchboard/internal/dispatch"
)

var (
	ErrNoSuchChannel = errors.New("connection: no such channel")
	ErrInvalidProps  = errors.New("connection: invalid channel properties")
)

// Loopback is an in-memory connection. Channels live until they are closed
// or destroyed; every removal is reported to the close callback.
type Loopback struct {
	name    string
	account string

	mu       sync.Mutex
	seq      int
	channels map[string]*channel.Channel
	onClose  func(id string)
}

// NewLoopback creates an empty connection.
func NewLoopback(name, account string) *Loopback {
	return &Loopback{
		name:     name,
		account:  account,
		channels: make(map[string]*channel.Channel),
	}
}

func (l *Loopback) Name() string    { return l.name }
func (l *Loopback) Account() string { return l.account }

// OnClose sets the callback run after a channel is closed or destroyed.
func (l *Loopback) OnClose(fn func(id string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onClose = fn
}

func (l *Loopback) newChannel(props channel.Properties, requested bool) (*channel.Channel, error) {
	if _, ok := props[channel.PropChannelType]; !ok {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidProps, channel.PropChannelType)
	}
	l.seq++
	p := props.Clone()
	p[channel.PropRequested] = requested
	ch := &channel.Channel{
		ID:         fmt.Sprintf("/%s/channel%d", l.name, l.seq),
		Connection: l.name,
		Account:    l.account,
		Properties: p,
	}
	l.channels[ch.ID] = ch
	return ch, nil
}

// Incoming creates a channel as if a remote peer had opened it. The caller
// is expected to announce it.
func (l *Loopback) Incoming(props channel.Properties) (*channel.Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newChannel(props, false)
}

func (l *Loopback) CreateChannel(ctx context.Context, props channel.Properties) (*channel.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newChannel(props, true)
}

// EnsureChannel returns an existing channel of the same type and target
// when there is one.
func (l *Loopback) EnsureChannel(ctx context.Context, props channel.Properties) (bool, *channel.Channel, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	want := &channel.Channel{Properties: props}
	for _, id := range l.sortedIDs() {
		ch := l.channels[id]
		if ch.Type() == want.Type() && ch.Target() == want.Target() {
			return false, ch, nil
		}
	}
	ch, err := l.newChannel(props, true)
	if err != nil {
		return false, nil, err
	}
	return true, ch, nil
}

func (l *Loopback) CloseChannel(ctx context.Context, id string) error {
	return l.remove(ctx, id)
}

func (l *Loopback) DestroyChannel(ctx context.Context, id string) error {
	return l.remove(ctx, id)
}

func (l *Loopback) remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if _, ok := l.channels[id]; !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchChannel, id)
	}
	delete(l.channels, id)
	fn := l.onClose
	l.mu.Unlock()

	if fn != nil {
		fn(id)
	}
	return nil
}

// Get returns a live channel.
func (l *Loopback) Get(id string) (*channel.Channel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.channels[id]
	return ch, ok
}

// Channels lists live channels by ID.
func (l *Loopback) Channels() []*channel.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*channel.Channel, 0, len(l.channels))
	for _, id := range l.sortedIDs() {
		out = append(out, l.channels[id])
	}
	return out
}

func (l *Loopback) sortedIDs() []string {
	ids := make([]string, 0, len(l.channels))
	for id := range l.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Set is the service's connection table.
type Set struct {
	mu    sync.RWMutex
	conns map[string]*Loopback
}

func NewSet() *Set {
	return &Set{conns: make(map[string]*Loopback)}
}

// Add registers l, replacing any connection of the same name.
func (s *Set) Add(l *Loopback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[l.name] = l
}

// Get returns the loopback connection called name.
func (s *Set) Get(name string) (*Loopback, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.conns[name]
	return l, ok
}

// Connection implements dispatch.Connections.
func (s *Set) Connection(name string) (dispatch.Connection, bool) {
	l, ok := s.Get(name)
	if !ok {
		return nil, false
	}
	return l, true
}

// Account returns the account the named connection belongs to.
func (s *Set) Account(name string) (string, bool) {
	l, ok := s.Get(name)
	if !ok {
		return "", false
	}
	return l.account, true
}

// Incoming creates unrequested channels on the named connection.
func (s *Set) Incoming(name string, props ...channel.Properties) ([]*channel.Channel, error) {
	l, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrUnknownConnection, name)
	}
	out := make([]*channel.Channel, 0, len(props))
	for _, p := range props {
		ch, err := l.Incoming(p)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// Names lists connection names.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.conns))
	for n := range s.conns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
