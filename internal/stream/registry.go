package stream

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/marketmind/marketmind/pkg/models"
)

// ErrSinkRegistered is returned by Register when the session already has
// a sink: each session stream has exactly one consumer at a time.
var ErrSinkRegistered = errors.New("stream: sink already registered for session")

// Sink is the write endpoint for one client's open streaming connection.
// A Write failure is fatal to that one stream only; the registry responds
// by unregistering and closing the sink.
type Sink interface {
	Write(ev *models.AnalystEvent) error
	Close() error
}

// CloseNotifier is optionally implemented by sinks that can report the
// client going away (e.g. a websocket close). The registry watches the
// channel and unregisters the sink when it fires.
type CloseNotifier interface {
	CloseNotify() <-chan struct{}
}

type registration struct {
	sink      Sink
	stopWatch chan struct{}
	watchOnce sync.Once
	closeOnce sync.Once
}

func (r *registration) close() {
	r.closeOnce.Do(func() {
		_ = r.sink.Close()
	})
	r.watchOnce.Do(func() {
		close(r.stopWatch)
	})
}

// Registry routes the shared backend event stream to per-session sinks.
//
// It subscribes to the bus exactly once at construction time; a single
// routing goroutine delivers events, which guarantees per-session FIFO
// ordering. Events without a session id are logged and dropped; events
// for sessions with no registered sink are dropped silently, since a
// late event after disconnect is expected, not an error.
type Registry struct {
	mu     sync.Mutex
	sinks  map[string]*registration
	events <-chan *models.AnalystEvent
	logger *slog.Logger
	done   chan struct{}
	closed bool

	// onDrop, when set, observes dropped events by reason. Used for metrics.
	onDrop func(reason string)
	// onRoute, when set, observes successfully routed events by type.
	onRoute func(eventType string)
}

// NewRegistry subscribes to the bus and starts the routing loop.
func NewRegistry(bus *Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sinks:  make(map[string]*registration),
		events: bus.Subscribe(),
		logger: logger.With("component", "stream-registry"),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Observe installs optional routing observers. Must be called before any
// events flow; typically right after NewRegistry.
func (r *Registry) Observe(onRoute func(eventType string), onDrop func(reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRoute = onRoute
	r.onDrop = onDrop
}

// Register stores the sink for a session id. Returns ErrSinkRegistered if
// one is already present. If the sink implements CloseNotifier, a watcher
// unregisters it automatically when the client goes away.
func (r *Registry) Register(sessionID string, sink Sink) error {
	if sessionID == "" {
		return errors.New("stream: session id is required")
	}
	if sink == nil {
		return errors.New("stream: sink is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("stream: registry closed")
	}
	if _, exists := r.sinks[sessionID]; exists {
		r.mu.Unlock()
		return ErrSinkRegistered
	}
	reg := &registration{sink: sink, stopWatch: make(chan struct{})}
	r.sinks[sessionID] = reg
	r.mu.Unlock()

	if notifier, ok := sink.(CloseNotifier); ok {
		go func() {
			select {
			case <-notifier.CloseNotify():
				r.Unregister(sessionID)
			case <-reg.stopWatch:
			}
		}()
	}

	r.logger.Debug("sink registered", "session_id", sessionID)
	return nil
}

// Unregister closes and removes the sink for a session id, if present.
// It is idempotent and safe to call from any goroutine.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	reg, ok := r.sinks[sessionID]
	if ok {
		delete(r.sinks, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	reg.close()
	r.logger.Debug("sink unregistered", "session_id", sessionID)
}

// Registered reports whether a sink is currently registered for the session.
func (r *Registry) Registered(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sinks[sessionID]
	return ok
}

// SinkCount returns the number of open sinks.
func (r *Registry) SinkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

// Close stops routing, closes every open sink, and detaches from the bus.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	regs := make([]*registration, 0, len(r.sinks))
	for _, reg := range r.sinks {
		regs = append(regs, reg)
	}
	r.sinks = make(map[string]*registration)
	r.mu.Unlock()

	close(r.done)
	for _, reg := range regs {
		reg.close()
	}
}

// run is the single routing goroutine. One goroutine means events for a
// given session reach its sink in exactly the order they were published.
func (r *Registry) run() {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			r.route(ev)
		}
	}
}

func (r *Registry) route(ev *models.AnalystEvent) {
	if ev == nil {
		return
	}
	if ev.SessionID == "" {
		// Malformed event; never thrown back at the publisher.
		r.logger.Warn("dropping event without session id", "type", string(ev.Type))
		r.drop("no_session_id")
		return
	}

	r.mu.Lock()
	reg, ok := r.sinks[ev.SessionID]
	r.mu.Unlock()
	if !ok {
		// Late event after disconnect; expected.
		r.drop("no_sink")
		return
	}

	if err := reg.sink.Write(ev); err != nil {
		// Fatal to this one stream only.
		r.logger.Warn("sink write failed, unregistering",
			"session_id", ev.SessionID, "error", err)
		r.drop("write_failed")
		r.Unregister(ev.SessionID)
		return
	}
	if r.onRoute != nil {
		r.onRoute(string(ev.Type))
	}
}

func (r *Registry) drop(reason string) {
	if r.onDrop != nil {
		r.onDrop(reason)
	}
}
