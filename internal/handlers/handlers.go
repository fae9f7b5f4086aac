// Package handlers holds the built-in reactions to domain events.
package handlers

import (
	"context"
	"log/slog"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
	"github.com/dantweb/vbwd-sdk-sub001/internal/events"
	"github.com/dantweb/vbwd-sdk-sub001/internal/outbound"
	"github.com/dantweb/vbwd-sdk-sub001/internal/provider"
)

// AllEvents lists every event name the engine emits.
var AllEvents = []domain.EventName{
	domain.EventCheckoutInitiated,
	domain.EventPaymentCaptured,
	domain.EventPaymentFailed,
	domain.EventRefundRequested,
	domain.EventRefundCompleted,
	domain.EventSubscriptionCancelled,
	domain.EventDisputeCreated,
}

// PaymentService is the part of payments.Service the handlers call.
type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, providerName string, req provider.CreatePaymentIntentRequest, key string) (outbound.Result, error)
	RefundPayment(ctx context.Context, providerName string, req provider.RefundRequest, key string) (outbound.Result, error)
}

// Publisher forwards events to other systems.
type Publisher interface {
	Publish(ctx context.Context, event *domain.Event) error
}

type Deps struct {
	Logger *slog.Logger
	// Payments is resolved on first use so it may be wired after the
	// dispatcher.
	Payments  func() (PaymentService, error)
	Publisher Publisher
}

// Register wires the built-in handlers. Missing dependencies leave their
// handlers out.
func Register(d *events.Dispatcher, deps Deps) {
	if deps.Logger != nil {
		audit := NewAuditLog(deps.Logger)
		for _, name := range AllEvents {
			d.Register(name, audit)
		}
	}

	if deps.Payments != nil {
		d.RegisterFactory(domain.EventCheckoutInitiated, events.PriorityNormal, func() (events.Handler, error) {
			svc, err := deps.Payments()
			if err != nil {
				return nil, err
			}
			return NewCheckoutInitiated(svc), nil
		})
		d.RegisterFactory(domain.EventRefundRequested, events.PriorityNormal, func() (events.Handler, error) {
			svc, err := deps.Payments()
			if err != nil {
				return nil, err
			}
			return NewRefundRequested(svc), nil
		})
	}

	if deps.Publisher != nil {
		pub := NewPublish(deps.Publisher)
		for _, name := range AllEvents {
			d.Register(name, pub)
		}
	}
}

func metadataString(event *domain.Event, key string) string {
	s, _ := event.Metadata[key].(string)
	return s
}
