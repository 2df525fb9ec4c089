// Package conversation applies the per-turn session rules of the
// direct-completion mode on top of the session store.
package conversation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chaaya/internal/control"
	"github.com/stupiduntilnot/chaaya/internal/db"
	"github.com/stupiduntilnot/chaaya/internal/metrics"
	"github.com/stupiduntilnot/chaaya/internal/model"
	"github.com/stupiduntilnot/chaaya/internal/session"
)

const (
	ReplySessionEnded = "Session ended. All memory cleared."
	ReplyLimitReached = "Session limit reached. Start a new session."

	DefaultSystemPrompt = "You are Chaaya, calm AI guide for BODH."
	DefaultMaxMessages  = 15
)

type Options struct {
	SystemPrompt string
	// MaxMessages is the history length at which new turns are refused.
	MaxMessages int
	Breaker     *control.CircuitBreaker
	Metrics     *metrics.Metrics
	Journal     *db.Journal
	Logger      zerolog.Logger
}

// Controller is safe for concurrent use.
type Controller struct {
	store     *session.Store
	completer model.Completer
	system    model.Message
	max       int
	breaker   *control.CircuitBreaker
	metrics   *metrics.Metrics
	journal   *db.Journal
	log       zerolog.Logger
}

func NewController(store *session.Store, completer model.Completer, opts Options) *Controller {
	prompt := opts.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	max := opts.MaxMessages
	if max <= 0 {
		max = DefaultMaxMessages
	}
	return &Controller{
		store:     store,
		completer: completer,
		system:    model.Message{Role: model.RoleSystem, Content: prompt},
		max:       max,
		breaker:   opts.Breaker,
		metrics:   opts.Metrics,
		journal:   opts.Journal,
		log:       opts.Logger,
	}
}

// SessionRemoved is the session.Options.OnRemove hook that keeps metrics
// and the journal in step with the store.
func (c *Controller) SessionRemoved(id string, reason session.Reason) {
	c.metrics.RecordSessionRemoval(string(reason))
	c.metrics.SetActiveSessions(c.store.Len())

	var eventType string
	switch reason {
	case session.ReasonEnded:
		eventType = db.EventSessionEnded
	case session.ReasonExpired:
		eventType = db.EventSessionExpired
	default:
		eventType = db.EventSessionEvicted
	}
	c.journal.Record(eventType, map[string]any{"session_id": id})
	c.log.Debug().Str("session_id", id).Str("reason", string(reason)).Msg("session removed")
}

// Send runs one turn for sessionID and returns the reply text. Ending and
// limit replies are normal results; only upstream and context failures are
// returned as errors.
func (c *Controller) Send(ctx context.Context, sessionID, text string, endSession bool) (string, error) {
	if endSession {
		if _, err := c.store.End(ctx, sessionID); err != nil {
			return "", err
		}
		return ReplySessionEnded, nil
	}

	sess, err := c.store.Acquire(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer sess.Release()

	if sess.Len() == 0 {
		sess.Append(c.system)
		c.metrics.SetActiveSessions(c.store.Len())
		c.journal.Record(db.EventSessionCreated, map[string]any{"session_id": sessionID})
	}

	if sess.Len() >= c.max {
		c.log.Info().Str("session_id", sessionID).Int("messages", sess.Len()).Msg("session limit reached")
		c.journal.Record(db.EventLimitReached, map[string]any{
			"session_id": sessionID,
			"messages":   sess.Len(),
		})
		return ReplyLimitReached, nil
	}

	before := sess.Len()
	sess.Append(model.Message{Role: model.RoleUser, Content: text})

	var resp model.CompletionResponse
	start := time.Now()
	err = c.breaker.Do(func() (err error) {
		resp, err = c.completer.ChatCompletion(ctx, sess.Messages())
		return err
	})
	if !errors.Is(err, control.ErrCircuitOpen) {
		c.metrics.RecordUpstreamCall("chat_completion", err, time.Since(start))
	}
	if err != nil {
		sess.Truncate(before)
		c.log.Error().Err(err).Str("session_id", sessionID).Msg("chat completion failed")
		c.journal.Record(db.EventTurnFailed, map[string]any{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return "", errors.Wrap(err, "chat completion")
	}

	sess.Append(model.Message{Role: model.RoleAssistant, Content: resp.Content})
	c.log.Debug().
		Str("session_id", sessionID).
		Int("messages", sess.Len()).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Msg("turn completed")
	c.journal.Record(db.EventTurnCompleted, map[string]any{
		"session_id":    sessionID,
		"messages":      sess.Len(),
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	return resp.Content, nil
}

// History returns a copy of the stored messages for sessionID, or nil when
// there is no such session.
func (c *Controller) History(ctx context.Context, sessionID string) ([]model.Message, error) {
	msgs, _, err := c.store.Snapshot(ctx, sessionID)
	return msgs, err
}
