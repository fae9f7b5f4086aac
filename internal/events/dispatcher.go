package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/observability"
)

type entry struct {
	priority int
	seq      uint64

	mu      sync.Mutex
	handler Handler
	factory Factory
}

// resolve returns the concrete handler, building it from the factory on
// first use. A factory error is not memoized so the next dispatch retries.
func (e *entry) resolve() (Handler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handler != nil {
		return e.handler, nil
	}
	h, err := e.factory()
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("handler factory returned nil")
	}
	e.handler = h
	return h, nil
}

// Dispatcher routes domain events to handlers registered by event name.
// Registration is safe for concurrent use; a single Dispatch runs its
// handlers sequentially on the calling goroutine.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[domain.EventName][]*entry
	seq      uint64

	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		handlers: make(map[domain.EventName][]*entry),
		logger:   logger,
	}
}

// WithMetrics enables handler failure counters.
func (d *Dispatcher) WithMetrics(m *observability.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Register adds a handler using its own Priority.
func (d *Dispatcher) Register(name domain.EventName, h Handler) {
	d.RegisterWithPriority(name, h, h.Priority())
}

// RegisterWithPriority adds a handler with an explicit priority.
func (d *Dispatcher) RegisterWithPriority(name domain.EventName, h Handler, priority int) {
	d.add(name, &entry{priority: priority, handler: h})
}

// RegisterFactory adds a lazily constructed handler.
func (d *Dispatcher) RegisterFactory(name domain.EventName, priority int, f Factory) {
	d.add(name, &entry{priority: priority, factory: f})
}

func (d *Dispatcher) add(name domain.EventName, e *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	e.seq = d.seq
	list := append(d.handlers[name], e)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].priority > list[j].priority
	})
	d.handlers[name] = list
}

// Unregister removes every registration of h for the event. Factory entries
// are matched by the handler they resolved to.
func (d *Dispatcher) Unregister(name domain.EventName, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.handlers[name]
	kept := list[:0]
	for _, e := range list {
		e.mu.Lock()
		same := e.handler == h
		e.mu.Unlock()
		if !same {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(d.handlers, name)
		return
	}
	d.handlers[name] = kept
}

func (d *Dispatcher) HasHandlers(name domain.EventName) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name]) > 0
}

// Handlers returns the resolved handlers for an event in execution order.
// Factories that fail to build are omitted.
func (d *Dispatcher) Handlers(name domain.EventName) []Handler {
	var out []Handler
	for _, e := range d.snapshot(name) {
		if h, err := e.resolve(); err == nil {
			out = append(out, h)
		}
	}
	return out
}

func (d *Dispatcher) snapshot(name domain.EventName) []*entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	list := d.handlers[name]
	out := make([]*entry, len(list))
	copy(out, list)
	return out
}

// Dispatch delivers the event and returns the aggregate result: the first
// failure in priority order, or the merged data of all successes.
func (d *Dispatcher) Dispatch(ctx context.Context, event *domain.Event) domain.EventResult {
	return domain.CombineResults(d.DispatchAll(ctx, event))
}

// DispatchAll delivers the event and returns each handler's result in the
// order the handlers ran.
func (d *Dispatcher) DispatchAll(ctx context.Context, event *domain.Event) []domain.EventResult {
	entries := d.snapshot(event.Name)
	if len(entries) == 0 {
		return nil
	}

	logger := d.logger
	results := make([]domain.EventResult, 0, len(entries))
	for _, e := range entries {
		h, err := e.resolve()
		if err != nil {
			logger.Error("failed to build event handler",
				"event", event.Name,
				"event_id", event.ID,
				"error", err,
			)
			r := domain.Failed(err.Error(), domain.ErrorTypeHandlerInit)
			d.recordFailure(event.Name, r)
			results = append(results, r)
			continue
		}

		if !h.CanHandle(event) {
			continue
		}

		r := d.invoke(ctx, h, event)
		if !r.Success {
			logger.Warn("event handler failed",
				"event", event.Name,
				"event_id", event.ID,
				"priority", e.priority,
				"error", r.Error,
				"error_type", r.ErrorType,
			)
			d.recordFailure(event.Name, r)
		}
		results = append(results, r)

		if event.IsPropagationStopped() {
			logger.Debug("event propagation stopped",
				"event", event.Name,
				"event_id", event.ID,
				"priority", e.priority,
			)
			break
		}
	}
	return results
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, event *domain.Event) (result domain.EventResult) {
	defer func() {
		if p := recover(); p != nil {
			result = domain.Failed(fmt.Sprintf("handler panic: %v", p), domain.ErrorTypeHandlerException)
		}
	}()

	r, err := h.Handle(ctx, event)
	if err != nil {
		return domain.Failed(err.Error(), domain.ErrorTypeHandlerException)
	}
	return r
}

func (d *Dispatcher) recordFailure(name domain.EventName, r domain.EventResult) {
	if d.metrics != nil {
		d.metrics.HandlerFailures.WithLabelValues(string(name), r.ErrorType).Inc()
	}
}
