// Command ksid runs the completion broker daemon: it registers every
// completion:* and checkpoint:* handler on the in-process event bus and
// serves until SIGINT/SIGTERM. No system:* handlers are registered; startup
// and shutdown are driven by this command directly.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ksi-daemon/ksid/internal/completion"
	"github.com/ksi-daemon/ksid/internal/config"
	"github.com/ksi-daemon/ksid/internal/events"
	"github.com/ksi-daemon/ksid/internal/logger"
	"github.com/ksi-daemon/ksid/internal/provider"
	"github.com/ksi-daemon/ksid/internal/queue"
	"github.com/ksi-daemon/ksid/internal/session"
	"github.com/ksi-daemon/ksid/internal/store"
	"github.com/ksi-daemon/ksid/internal/telemetry"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("ksid: invalid configuration: %v", err)
	}
	log := cfg.Logger()

	bus := events.NewLocalBus() // in-process dispatch; a host process with its
	// own transport framing registers handlers on its own Bus implementation
	// instead (events.Bus is the only contract this core assumes).

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var providerOpts []provider.Option
	var queueOpts []queue.Option
	var completionOpts []completion.Option
	if cfg.OTELEndpoint != "" || os.Getenv("KSI_TELEMETRY_ENABLED") == "true" {
		tel, err := telemetry.New(ctx, "ksid", cfg.OTELEndpoint)
		if err != nil {
			log.Warn("telemetry disabled", map[string]interface{}{"error": err.Error()})
		} else {
			defer tel.Shutdown(context.Background())
			providerOpts = append(providerOpts, provider.WithMetrics(tel))
			queueOpts = append(queueOpts, queue.WithMetrics(tel))
			completionOpts = append(completionOpts, completion.WithMetrics(tel))
		}
	}

	var sessionOpts []session.Option
	if cfg.RedisURL != "" {
		backend, err := session.NewRedisBackend(cfg.RedisURL, "")
		if err != nil {
			log.Warn("redis session backend disabled", map[string]interface{}{"error": err.Error()})
		} else {
			sessionOpts = append(sessionOpts, session.WithRedisBackend(backend))
		}
	}
	componentLog := log.(logger.ComponentAware)
	sessions := session.New(time.Duration(cfg.SessionInactiveMinutes)*time.Minute, bus, componentLog.WithComponent("completion/session"), sessionOpts...)
	queues := queue.New(componentLog.WithComponent("completion/queue"), queueOpts...)
	providers := provider.New(cfg.CircuitBreakerFailureThreshold, cfg.CircuitBreakerTimeoutWindow, componentLog.WithComponent("completion/provider"), providerOpts...)
	st := store.New(cfg.ResponsesDir, cfg.RecoveryCapacity, log)

	caller := &unconfiguredCaller{}

	executor := completion.NewExecutor(
		completion.Timeouts{
			Default: cfg.CompletionTimeoutDefault,
			Min:     cfg.CompletionTimeoutMin,
			Max:     cfg.CompletionTimeoutMax,
		},
		sessions, queues, providers, st, bus, caller,
		completion.RetryPolicy{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialDelay:      cfg.RetryInitialDelay,
			MaxDelay:          cfg.RetryMaxDelay,
			BackoffMultiplier: cfg.RetryBackoffMultiplier,
		},
		componentLog.WithComponent("completion/executor"),
		completionOpts...,
	)
	executor.RegisterHandlers(bus)

	cleanupTicker := time.NewTicker(cfg.SessionCleanupInterval)
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				sessions.CleanupExpiredLocks(ctx)
				sessions.CleanupInactiveSessions()
			}
		}
	}()

	log.Info("completion service ready", map[string]interface{}{
		"responses_dir": cfg.ResponsesDir,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	executor.Shutdown(shutdownCtx)
	cancel()
}

// unconfiguredCaller is the ProviderCaller used when no real backend wiring
// has been supplied; the host process is expected to provide a concrete
// implementation per its configured provider catalog.
type unconfiguredCaller struct{}

func (unconfiguredCaller) Call(ctx context.Context, providerName string, req completion.Request) (completion.ProviderResult, error) {
	return completion.ProviderResult{}, errNotConfigured{providerName}
}

type errNotConfigured struct{ provider string }

func (e errNotConfigured) Error() string {
	return "no provider caller configured for " + e.provider
}
