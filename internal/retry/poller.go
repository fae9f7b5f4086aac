package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

// FailedWebhookRetrier re-runs failed webhooks that still have retry budget.
// An empty provider means all providers.
type FailedWebhookRetrier interface {
	RetryFailed(ctx context.Context, provider string) (domain.RetrySummary, error)
}

// PollerConfig holds configuration for the retry poller.
type PollerConfig struct {
	// PollInterval is how often failed webhooks are retried (default: 30s)
	PollInterval time.Duration
	// Providers restricts polling to these providers; empty polls all.
	Providers []string
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 30 * time.Second,
	}
}

// Poller periodically retries failed webhooks, complementing the
// operator-triggered retry endpoint.
type Poller struct {
	config  PollerConfig
	retrier FailedWebhookRetrier
	logger  *slog.Logger

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPoller(retrier FailedWebhookRetrier, config PollerConfig, logger *slog.Logger) *Poller {
	if config.PollInterval == 0 {
		config.PollInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		config:  config,
		retrier: retrier,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start blocks until Stop is called or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("webhook retry poller started",
		"poll_interval", p.config.PollInterval,
		"providers", p.config.Providers,
	)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("webhook retry poller stopping due to context cancellation")
			return
		case <-p.stopCh:
			p.logger.Info("webhook retry poller stopping due to stop signal")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Stop signals the poller to stop and waits for the current pass.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Poller) poll(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	providers := p.config.Providers
	if len(providers) == 0 {
		providers = []string{""}
	}

	for _, provider := range providers {
		if ctx.Err() != nil {
			return
		}
		summary, err := p.retrier.RetryFailed(ctx, provider)
		if err != nil {
			p.logger.Error("failed to retry webhooks", "provider", provider, "error", err)
			continue
		}
		if summary.Retried == 0 {
			continue
		}
		p.logger.Info("webhook retry pass completed",
			"provider", summary.Provider,
			"retried", summary.Retried,
			"succeeded", summary.Succeeded,
			"failed", summary.Failed,
		)
	}
}
