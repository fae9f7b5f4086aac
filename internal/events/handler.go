// Package events implements the in-process, priority-ordered domain event
// dispatcher. Handlers for one event run sequentially, highest priority first.
package events

import (
	"context"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

// Handler priorities. Higher values run first.
const (
	PriorityHighest = 100
	PriorityHigh    = 75
	PriorityNormal  = 50
	PriorityLow     = 25
	PriorityLowest  = 0
)

// Handler reacts to a domain event. A returned error is converted into a
// failed EventResult by the dispatcher; it never aborts the dispatch.
type Handler interface {
	CanHandle(event *domain.Event) bool
	Handle(ctx context.Context, event *domain.Event) (domain.EventResult, error)
	Priority() int
}

// Factory builds a handler on first use. It lets handlers depend on services
// that are themselves wired after the dispatcher.
type Factory func() (Handler, error)

// HandlerFunc adapts a closure into a Handler that accepts every event it is
// registered for.
type HandlerFunc struct {
	priority int
	fn       func(ctx context.Context, event *domain.Event) (domain.EventResult, error)
}

func Func(priority int, fn func(ctx context.Context, event *domain.Event) (domain.EventResult, error)) *HandlerFunc {
	return &HandlerFunc{priority: priority, fn: fn}
}

func (h *HandlerFunc) CanHandle(*domain.Event) bool { return true }

func (h *HandlerFunc) Priority() int { return h.priority }

func (h *HandlerFunc) Handle(ctx context.Context, event *domain.Event) (domain.EventResult, error) {
	return h.fn(ctx, event)
}
