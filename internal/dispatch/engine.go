package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/registry"
	"github.com/mattjoyce/switchboard/internal/request"
)

const (
	// journalTimeout bounds a single journal write.
	journalTimeout = 5 * time.Second

	// pruneInterval is how often terminal requests and finished operation
	// IDs are swept.
	pruneInterval = time.Minute
)

// Options configures an Engine.
type Options struct {
	ObserveTimeout    time.Duration
	ApproveTimeout    time.Duration
	HandleTimeout     time.Duration
	ConnectionTimeout time.Duration

	// RequestRetention is how long terminal requests and finished operation
	// IDs stay queryable.
	RequestRetention time.Duration

	// RelaxedObserverJoin lets approval start as soon as every observer
	// flagged DelayApprovers has returned. By default approval waits for
	// all observers.
	RelaxedObserverJoin bool

	InboxSize int

	Publisher  Publisher
	Journal    Journal
	MetricSink metrics.MetricSink
}

// DefaultOptions returns the stock timeouts.
func DefaultOptions() Options {
	return Options{
		ObserveTimeout:    10 * time.Second,
		ApproveTimeout:    10 * time.Second,
		HandleTimeout:     30 * time.Second,
		ConnectionTimeout: 30 * time.Second,
		RequestRetention:  10 * time.Minute,
		InboxSize:         256,
	}
}

type finishedEntry struct {
	at      time.Time
	outcome string
}

// Engine is the channel dispatcher. All state is owned by the goroutine
// running Run; every public method posts a closure to it.
type Engine struct {
	opts    Options
	reg     *registry.Registry
	reqs    *request.Table
	caller  Caller
	conns   Connections
	hub     Publisher
	journal Journal
	msink   metrics.MetricSink
	logger  *slog.Logger
	hooks   []LifecycleHook

	inbox      chan func()
	done       chan struct{}
	runOnce    sync.Once
	callCtx    context.Context
	cancelCall context.CancelFunc
	wg         sync.WaitGroup

	ops      map[string]*Operation
	finished map[string]finishedEntry
	channels map[string]*channelRecord

	newID func() string
	now   func() time.Time
}

// New creates an engine. Zero timeouts fall back to DefaultOptions.
func New(caller Caller, conns Connections, opts Options) *Engine {
	def := DefaultOptions()
	if opts.ObserveTimeout <= 0 {
		opts.ObserveTimeout = def.ObserveTimeout
	}
	if opts.ApproveTimeout <= 0 {
		opts.ApproveTimeout = def.ApproveTimeout
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = def.HandleTimeout
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = def.ConnectionTimeout
	}
	if opts.RequestRetention <= 0 {
		opts.RequestRetention = def.RequestRetention
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = def.InboxSize
	}

	e := &Engine{
		opts:     opts,
		reg:      registry.New(),
		reqs:     request.NewTable(),
		caller:   caller,
		conns:    conns,
		hub:      opts.Publisher,
		journal:  opts.Journal,
		msink:    opts.MetricSink,
		logger:   log.WithComponent("dispatch"),
		inbox:    make(chan func(), opts.InboxSize),
		done:     make(chan struct{}),
		ops:      make(map[string]*Operation),
		finished: make(map[string]finishedEntry),
		channels: make(map[string]*channelRecord),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	if e.msink == nil {
		e.msink = metrics.Default()
	}
	e.callCtx, e.cancelCall = context.WithCancel(context.Background())
	return e
}

// AddLifecycleHook registers h for client registration and vanish events.
// It must be called before Run.
func (e *Engine) AddLifecycleHook(h LifecycleHook) {
	e.hooks = append(e.hooks, h)
}

// Run processes engine messages until ctx is cancelled. Outstanding client
// calls are cancelled and awaited before it returns.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("dispatch: engine already started")
	}

	e.logger.Info("dispatch engine started",
		"observe_timeout", e.opts.ObserveTimeout,
		"approve_timeout", e.opts.ApproveTimeout,
		"handle_timeout", e.opts.HandleTimeout,
	)
	defer e.logger.Info("dispatch engine stopped")

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case fn := <-e.inbox:
			fn()
		case <-ticker.C:
			e.prune()
		}
	}
}

// Done is closed once the engine has stopped accepting messages.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) shutdown() {
	for _, op := range e.ops {
		op.notifyWaiters(ErrShutdown)
	}
	close(e.done)
	e.cancelCall()
	e.wg.Wait()
}

// exec posts fn to the engine loop.
func (e *Engine) exec(fn func()) error {
	select {
	case <-e.done:
		return ErrShutdown
	default:
	}
	select {
	case e.inbox <- fn:
		return nil
	case <-e.done:
		return ErrShutdown
	}
}

// query runs fn on the engine loop and waits for its result.
func query[T any](e *Engine, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	out := make(chan result, 1)
	if err := e.exec(func() {
		v, err := fn()
		out <- result{v, err}
	}); err != nil {
		return zero, err
	}
	select {
	case r := <-out:
		return r.v, r.err
	case <-e.done:
		return zero, ErrShutdown
	}
}

// call runs fn in its own goroutine under timeout and posts then(err) back
// to the engine loop. Results arriving after shutdown are dropped.
func (e *Engine) call(method, target string, timeout time.Duration, fn func(ctx context.Context) error, then func(error)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		start := time.Now()
		ctx, cancel := context.WithTimeout(e.callCtx, timeout)
		err := fn(ctx)
		cancel()

		labels := []metrics.Label{LabelMethod.M(method), LabelClient.M(target)}
		e.msink.AddSampleWithLabels(MetricClientCallDuration, float32(time.Since(start).Milliseconds()), labels)
		if err != nil {
			e.msink.IncrCounterWithLabels(MetricClientCallError, 1, labels)
		}
		if then != nil {
			_ = e.exec(func() { then(err) })
		}
	}()
}

func (e *Engine) publish(eventType string, data any) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(eventType, data)
}

func (e *Engine) recordOperation(rec OperationRecord) {
	if e.journal == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := e.journal.RecordOperation(ctx, rec); err != nil {
			e.logger.Error("failed to journal dispatch operation", "dispatch_operation", rec.ID, "error", err)
		}
	}()
}

func (e *Engine) recordRequest(r *request.Request) {
	if e.journal == nil {
		return
	}
	snapshot := *r
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := e.journal.RecordRequest(ctx, snapshot); err != nil {
			e.logger.Error("failed to journal request", "request_id", snapshot.ID, "error", err)
		}
	}()
}

func (e *Engine) prune() {
	cutoff := e.now().Add(-e.opts.RequestRetention)
	n := e.reqs.Prune(cutoff)
	for id, f := range e.finished {
		if f.at.Before(cutoff) {
			delete(e.finished, id)
		}
	}
	if n > 0 {
		e.logger.Debug("pruned terminal requests", "count", n)
	}
}

// Stats is a point-in-time summary of engine state.
type Stats struct {
	Operations         int                   `json:"operations"`
	OperationsByState  map[State]int         `json:"operations_by_state"`
	Requests           map[request.State]int `json:"requests"`
	Clients            int                   `json:"clients"`
	TrackedChannels    int                   `json:"tracked_channels"`
	FinishedOperations int                   `json:"finished_operations"`
}

// Stats reports counts of live objects.
func (e *Engine) Stats() (Stats, error) {
	return query(e, func() (Stats, error) {
		s := Stats{
			Operations:         len(e.ops),
			OperationsByState:  make(map[State]int),
			Requests:           make(map[request.State]int),
			Clients:            e.reg.Len(),
			TrackedChannels:    len(e.channels),
			FinishedOperations: len(e.finished),
		}
		for _, op := range e.ops {
			s.OperationsByState[op.State]++
		}
		for _, r := range e.reqs.All() {
			s.Requests[r.State]++
		}
		return s, nil
	})
}
