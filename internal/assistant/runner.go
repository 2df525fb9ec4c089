// Package assistant drives a single exchange against a hosted assistant:
// create a thread, post the user message, start a run, poll it to a terminal
// status and read back the newest assistant message.
package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/chaaya/internal/control"
	"github.com/stupiduntilnot/chaaya/internal/db"
	"github.com/stupiduntilnot/chaaya/internal/metrics"
	"github.com/stupiduntilnot/chaaya/internal/model"
)

// NoReplyMessage is returned when a completed run left no assistant message.
const NoReplyMessage = "No response from assistant."

// Message is one thread message as read back from the vendor.
type Message struct {
	Role model.Role
	Text string
}

// API is the subset of the hosted assistant service the runner needs.
type API interface {
	CreateThread(ctx context.Context) (string, error)
	PostMessage(ctx context.Context, threadID, text string) error
	CreateRun(ctx context.Context, threadID string) (string, error)
	// GetRun returns the raw status string of the run.
	GetRun(ctx context.Context, threadID, runID string) (string, error)
	// ListMessages returns the thread's messages newest first.
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}

// Result is the outcome of one exchange. When Failed is set the run ended in
// a non-completed terminal status and Error carries the caller-facing text.
type Result struct {
	Reply    string
	Failed   bool
	Error    string
	Status   RunStatus
	ThreadID string
	RunID    string
	Polls    int
}

type Options struct {
	Policy  control.PollPolicy
	Breaker *control.CircuitBreaker
	Metrics *metrics.Metrics
	Journal *db.Journal
	Logger  zerolog.Logger
}

type Runner struct {
	api     API
	policy  control.PollPolicy
	breaker *control.CircuitBreaker
	metrics *metrics.Metrics
	journal *db.Journal
	log     zerolog.Logger
}

func NewRunner(api API, opts Options) *Runner {
	return &Runner{
		api:     api,
		policy:  opts.Policy,
		breaker: opts.Breaker,
		metrics: opts.Metrics,
		journal: opts.Journal,
		log:     opts.Logger,
	}
}

var errRunPending = errors.New("run still pending")

// Reply sends text to a fresh thread and waits for the assistant's answer.
func (r *Runner) Reply(ctx context.Context, text string) (Result, error) {
	var res Result

	if err := r.call("create_thread", func() (err error) {
		res.ThreadID, err = r.api.CreateThread(ctx)
		return err
	}); err != nil {
		return r.errored(res, errors.Wrap(err, "create thread"))
	}
	if err := r.call("post_message", func() error {
		return r.api.PostMessage(ctx, res.ThreadID, text)
	}); err != nil {
		return r.errored(res, errors.Wrap(err, "post message"))
	}
	if err := r.call("create_run", func() (err error) {
		res.RunID, err = r.api.CreateRun(ctx, res.ThreadID)
		return err
	}); err != nil {
		return r.errored(res, errors.Wrap(err, "create run"))
	}

	status, err := r.wait(ctx, &res)
	if err != nil {
		return r.errored(res, err)
	}
	res.Status = status
	r.metrics.RecordRunOutcome(string(status))

	if status != RunCompleted {
		res.Failed = true
		res.Error = fmt.Sprintf("Run failed with status %s", status)
		r.log.Warn().
			Str("thread_id", res.ThreadID).
			Str("run_id", res.RunID).
			Str("status", string(status)).
			Int("polls", res.Polls).
			Msg("run ended without completing")
		r.journal.Record(db.EventRunFailed, r.payload(res, nil))
		return res, nil
	}

	var msgs []Message
	if err := r.call("list_messages", func() (err error) {
		msgs, err = r.api.ListMessages(ctx, res.ThreadID)
		return err
	}); err != nil {
		return r.errored(res, errors.Wrap(err, "list messages"))
	}
	res.Reply = latestAssistantText(msgs)

	r.log.Info().
		Str("thread_id", res.ThreadID).
		Str("run_id", res.RunID).
		Int("polls", res.Polls).
		Msg("run completed")
	r.journal.Record(db.EventRunCompleted, r.payload(res, nil))
	return res, nil
}

// wait polls the run until it leaves the pending states, the wait limit is
// reached or ctx ends.
func (r *Runner) wait(ctx context.Context, res *Result) (RunStatus, error) {
	start := time.Now()
	last := RunQueued
	b := r.policy.NewBackOff(ctx)

	status, err := backoff.RetryNotifyWithData(func() (RunStatus, error) {
		var raw string
		err := r.call("get_run", func() (err error) {
			raw, err = r.api.GetRun(ctx, res.ThreadID, res.RunID)
			return err
		})
		res.Polls++
		r.metrics.RecordRunPoll()
		if err != nil {
			return "", backoff.Permanent(errors.Wrap(err, "get run"))
		}
		st, err := ParseRunStatus(raw)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		last = st
		if st.Pending() {
			return st, errRunPending
		}
		return st, nil
	}, b, func(_ error, next time.Duration) {
		r.log.Debug().
			Str("run_id", res.RunID).
			Str("status", string(last)).
			Dur("next_poll", next).
			Msg("run pending")
	})

	if errors.Is(err, errRunPending) {
		res.Status = last
		limit := r.policy.MaxWait
		if limit <= 0 {
			limit = control.DefaultPollPolicy().MaxWait
		}
		return "", &control.TimeoutError{
			LastStatus: string(last),
			Polls:      res.Polls,
			Waited:     time.Since(start),
			Limit:      limit,
		}
	}
	return status, err
}

// call runs one upstream request through the breaker and records it.
func (r *Runner) call(op string, fn func() error) error {
	start := time.Now()
	err := r.breaker.Do(fn)
	if !errors.Is(err, control.ErrCircuitOpen) {
		r.metrics.RecordUpstreamCall(op, err, time.Since(start))
	}
	return err
}

func (r *Runner) errored(res Result, err error) (Result, error) {
	var timeout *control.TimeoutError
	if errors.As(err, &timeout) {
		r.metrics.RecordRunOutcome("timed_out")
		r.journal.Record(db.EventRunTimedOut, r.payload(res, err))
	} else {
		r.journal.Record(db.EventRunErrored, r.payload(res, err))
	}
	r.log.Error().Err(err).
		Str("thread_id", res.ThreadID).
		Str("run_id", res.RunID).
		Int("polls", res.Polls).
		Msg("assistant exchange failed")
	return res, err
}

func (r *Runner) payload(res Result, err error) map[string]any {
	p := map[string]any{
		"thread_id": res.ThreadID,
		"run_id":    res.RunID,
		"polls":     res.Polls,
	}
	if res.Status != "" {
		p["status"] = string(res.Status)
	}
	if err != nil {
		p["error"] = err.Error()
	}
	return p
}

func latestAssistantText(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == model.RoleAssistant {
			return m.Text
		}
	}
	return NoReplyMessage
}
