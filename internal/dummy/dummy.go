// Package dummy provides scripted offline stand-ins for the hosted model
// service. Scripts are comma-separated actions replayed in order, the last
// one repeating forever.
//
// Completion actions: ok, echo, noreply, msg:<text>, msgb64:<base64>,
// err:<class>, sleep:<ms>.
//
// Run actions: any run status name (queued, in_progress, completed, ...),
// status:<raw>, err:<class>, sleep:<ms>. Each run replays the script from
// the start.
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/stupiduntilnot/chaaya/internal/assistant"
	"github.com/stupiduntilnot/chaaya/internal/model"
)

var completionKinds = map[string]bool{"ok": true, "echo": true, "noreply": true}

// Provider is a scripted model.Completer.
type Provider struct {
	mu     sync.Mutex
	script *scriptRunner
}

func NewProvider(script string) (*Provider, error) {
	actions, err := parseScript(script, completionKinds, "ok")
	if err != nil {
		return nil, err
	}
	return &Provider{script: &scriptRunner{actions: actions}}, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, messages []model.Message) (model.CompletionResponse, error) {
	p.mu.Lock()
	a := p.script.next()
	p.mu.Unlock()

	text, err := reply(ctx, a, lastUser(messages))
	if err != nil {
		return model.CompletionResponse{}, err
	}
	return model.CompletionResponse{
		Content:      text,
		InputTokens:  len(messages),
		OutputTokens: 1,
	}, nil
}

var errNoReply = errors.New("dummy provider returned no choices")

func reply(ctx context.Context, a action, prompt string) (string, error) {
	switch a.kind {
	case "ok":
		return "dummy-ok", nil
	case "echo":
		return prompt, nil
	case "noreply":
		return "", errNoReply
	case "err":
		return "", errors.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return "", err
		}
		return "dummy-after-sleep", nil
	case "msg":
		return a.arg, nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return "", errors.Wrap(err, "dummy provider msgb64 decode failed")
		}
		return string(raw), nil
	default:
		return "dummy-ok", nil
	}
}

func lastUser(messages []model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

type thread struct {
	posted []string
}

// Assistant is a scripted assistant.API. Run statuses come from the run
// script; the reply text of a completed run comes from the reply script,
// with "noreply" leaving the thread without an assistant message.
type Assistant struct {
	mu         sync.Mutex
	runActions []action
	replies    *scriptRunner
	threads    map[string]*thread
	runs       map[string]*scriptRunner
	seq        int
	listCalls  int
}

var _ assistant.API = (*Assistant)(nil)

func NewAssistant(runScript, replyScript string) (*Assistant, error) {
	runActions, err := parseScript(runScript, statusKinds, "completed")
	if err != nil {
		return nil, err
	}
	replies, err := parseScript(replyScript, completionKinds, "ok")
	if err != nil {
		return nil, err
	}
	return &Assistant{
		runActions: runActions,
		replies:    &scriptRunner{actions: replies},
		threads:    make(map[string]*thread),
		runs:       make(map[string]*scriptRunner),
	}, nil
}

func (a *Assistant) CreateThread(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	id := fmt.Sprintf("thread_dummy_%d", a.seq)
	a.threads[id] = &thread{}
	return id, nil
}

func (a *Assistant) PostMessage(ctx context.Context, threadID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	th, ok := a.threads[threadID]
	if !ok {
		return errors.Errorf("dummy thread %s not found", threadID)
	}
	th.posted = append(th.posted, text)
	return nil
}

func (a *Assistant) CreateRun(ctx context.Context, threadID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.threads[threadID]; !ok {
		return "", errors.Errorf("dummy thread %s not found", threadID)
	}
	a.seq++
	id := fmt.Sprintf("run_dummy_%d", a.seq)
	a.runs[id] = &scriptRunner{actions: a.runActions}
	return id, nil
}

func (a *Assistant) GetRun(ctx context.Context, threadID, runID string) (string, error) {
	a.mu.Lock()
	run, ok := a.runs[runID]
	var act action
	if ok {
		act = run.next()
	}
	a.mu.Unlock()
	if !ok {
		return "", errors.Errorf("dummy run %s not found", runID)
	}

	switch act.kind {
	case "err":
		return "", errors.Errorf("dummy assistant error class=%s", emptyAs(act.arg, "provider_api"))
	case "sleep":
		if err := sleep(ctx, act.arg); err != nil {
			return "", err
		}
		return string(assistant.RunInProgress), nil
	case "status":
		return act.arg, nil
	default:
		return act.kind, nil
	}
}

// ListCalls reports how many times ListMessages was called.
func (a *Assistant) ListCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listCalls
}

func (a *Assistant) ListMessages(ctx context.Context, threadID string) ([]assistant.Message, error) {
	a.mu.Lock()
	a.listCalls++
	th, ok := a.threads[threadID]
	act := a.replies.next()
	var posted []string
	if ok {
		posted = append(posted, th.posted...)
	}
	a.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("dummy thread %s not found", threadID)
	}

	var out []assistant.Message
	prompt := ""
	if len(posted) > 0 {
		prompt = posted[len(posted)-1]
	}
	text, err := reply(ctx, act, prompt)
	switch {
	case errors.Is(err, errNoReply):
	case err != nil:
		return nil, err
	default:
		out = append(out, assistant.Message{Role: model.RoleAssistant, Text: text})
	}
	for i := len(posted) - 1; i >= 0; i-- {
		out = append(out, assistant.Message{Role: model.RoleUser, Text: posted[i]})
	}
	return out, nil
}
