package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, event *domain.Event) domain.EventResult
}

// DispatchHandler turns commands into domain events and dispatches them one
// at a time, in partition order.
type DispatchHandler struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewDispatchHandler(d Dispatcher, logger *slog.Logger) *DispatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchHandler{dispatcher: d, logger: logger}
}

func (h *DispatchHandler) HandleCommands(ctx context.Context, commands []*CommandMessage) (successes, failures []*CommandMessage) {
	for _, cmd := range commands {
		event, err := DecodeCommand(cmd)
		if err != nil {
			h.logger.Error("invalid command", "command_id", cmd.ID, "name", cmd.Name, "error", err)
			failures = append(failures, cmd)
			continue
		}

		res := h.dispatcher.Dispatch(ctx, event)
		if !res.Success {
			h.logger.Error("command failed",
				"command_id", cmd.ID,
				"event", event.Name,
				"error", res.Error,
				"error_type", res.ErrorType,
			)
			failures = append(failures, cmd)
			continue
		}
		successes = append(successes, cmd)
	}
	return successes, failures
}

// DecodeCommand builds the domain event for a command. The command id, when
// present, becomes the idempotency key of the resulting provider call so a
// redelivered command is not executed twice.
func DecodeCommand(cmd *CommandMessage) (*domain.Event, error) {
	var payload domain.EventPayload

	switch domain.EventName(cmd.Name) {
	case domain.EventRefundRequested:
		var p domain.RefundRequested
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrInvalidInput, cmd.Name, err)
		}
		if p.Provider == "" || p.TransactionID == "" {
			return nil, fmt.Errorf("%w: refund needs provider and transaction_id", domain.ErrInvalidInput)
		}
		payload = p
	case domain.EventCheckoutInitiated:
		var p domain.CheckoutInitiated
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", domain.ErrInvalidInput, cmd.Name, err)
		}
		if p.Provider == "" {
			return nil, fmt.Errorf("%w: checkout needs a provider", domain.ErrInvalidInput)
		}
		payload = p
	default:
		var data map[string]any
		if len(cmd.Data) > 0 {
			if err := json.Unmarshal(cmd.Data, &data); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", domain.ErrInvalidInput, cmd.Name, err)
			}
		}
		payload = domain.GenericPayload{Name: domain.EventName(cmd.Name), Data: data}
	}

	metadata := make(map[string]any, len(cmd.Metadata)+3)
	for k, v := range cmd.Metadata {
		metadata[k] = v
	}
	metadata["source"] = "kafka"
	if cmd.ID != "" {
		metadata["command_id"] = cmd.ID
		metadata["idempotency_key"] = "command:" + cmd.ID
	}
	return domain.NewEvent(payload, metadata), nil
}
