package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chaaya/internal/assistant"
	"github.com/stupiduntilnot/chaaya/internal/config"
	"github.com/stupiduntilnot/chaaya/internal/control"
	"github.com/stupiduntilnot/chaaya/internal/conversation"
	"github.com/stupiduntilnot/chaaya/internal/db"
	"github.com/stupiduntilnot/chaaya/internal/dummy"
	"github.com/stupiduntilnot/chaaya/internal/logger"
	"github.com/stupiduntilnot/chaaya/internal/metrics"
	"github.com/stupiduntilnot/chaaya/internal/model"
	"github.com/stupiduntilnot/chaaya/internal/openai"
	"github.com/stupiduntilnot/chaaya/internal/server"
	"github.com/stupiduntilnot/chaaya/internal/session"
)

// app is a fully wired relay process.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	journal *db.Journal
	metrics *metrics.Metrics
	store   *session.Store
	server  *server.Server
}

func newApp(cfg config.Config, out io.Writer) (*app, error) {
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Output: out})
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	if cfg.DBPath != "" {
		j, err := db.OpenJournal(cfg.DBPath, logger.Component(log, "journal"), map[string]any{
			"mode":     string(cfg.Mode),
			"provider": cfg.Provider,
			"version":  version,
		})
		if err != nil {
			return nil, err
		}
		a.journal = j
	}

	var breaker *control.CircuitBreaker
	if cfg.CircuitThreshold > 0 {
		breaker = control.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown)
	}

	opts := server.Options{
		Mode:            cfg.Mode,
		Addr:            cfg.Addr,
		Metrics:         a.metrics,
		Logger:          logger.Component(log, "http"),
		ShutdownTimeout: cfg.ShutdownTimeout,
	}

	switch cfg.Mode {
	case config.ModeAssistant:
		api, err := a.assistantAPI()
		if err != nil {
			a.Close()
			return nil, err
		}
		opts.Assistant = assistant.NewRunner(api, assistant.Options{
			Policy: control.PollPolicy{
				InitialInterval: cfg.PollInitial,
				MaxInterval:     cfg.PollMaxInterval,
				Multiplier:      cfg.PollMultiplier,
				MaxWait:         cfg.PollMaxWait,
			},
			Breaker: breaker,
			Metrics: a.metrics,
			Journal: a.journal,
			Logger:  logger.Component(log, "assistant"),
		})
	default:
		completer, err := a.completer()
		if err != nil {
			a.Close()
			return nil, err
		}
		var ctrl *conversation.Controller
		a.store = session.NewStore(session.Options{
			MaxSessions: cfg.MaxSessions,
			IdleTTL:     cfg.SessionIdleTTL,
			OnRemove:    func(id string, reason session.Reason) { ctrl.SessionRemoved(id, reason) },
		})
		ctrl = conversation.NewController(a.store, completer, conversation.Options{
			SystemPrompt: cfg.SystemPrompt,
			MaxMessages:  cfg.MaxMessages,
			Breaker:      breaker,
			Metrics:      a.metrics,
			Journal:      a.journal,
			Logger:       logger.Component(log, "conversation"),
		})
		opts.Conversation = ctrl
	}

	a.server = server.New(opts)
	return a, nil
}

func (a *app) azureConfig() openai.AzureConfig {
	return openai.AzureConfig{
		Endpoint:   a.cfg.Azure.Endpoint,
		APIKey:     a.cfg.Azure.APIKey,
		APIVersion: a.cfg.Azure.APIVersion,
		Timeout:    a.cfg.RequestTimeout,
	}
}

func (a *app) completer() (model.Completer, error) {
	if a.cfg.Provider == config.ProviderDummy {
		return dummy.NewProvider(a.cfg.DummyCompletionScript)
	}
	return openai.NewCompletionClient(a.azureConfig(), a.cfg.Azure.Deployment, a.cfg.MaxCompletionTokens), nil
}

func (a *app) assistantAPI() (assistant.API, error) {
	if a.cfg.Provider == config.ProviderDummy {
		return dummy.NewAssistant(a.cfg.DummyRunScript, a.cfg.DummyReplyScript)
	}
	return openai.NewAssistantClient(a.azureConfig(), a.cfg.Azure.AssistantID), nil
}

// Run serves until ctx is cancelled.
func (a *app) Run(ctx context.Context) error {
	a.log.Info().
		Str("mode", string(a.cfg.Mode)).
		Str("provider", a.cfg.Provider).
		Int("pid", os.Getpid()).
		Msg("relay starting")

	if a.store != nil && a.cfg.SessionIdleTTL > 0 {
		go a.sweep(ctx, sweepInterval(a.cfg.SessionIdleTTL))
	}
	return a.server.ListenAndServe(ctx)
}

func (a *app) sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.store.Sweep(); n > 0 {
				a.log.Debug().Int("expired", n).Msg("swept idle sessions")
			}
		}
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	every := ttl / 2
	if every > time.Minute {
		every = time.Minute
	}
	if every < time.Second {
		every = time.Second
	}
	return every
}

func (a *app) Close() error {
	return a.journal.Close()
}
