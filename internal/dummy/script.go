package dummy

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type action struct {
	kind string
	arg  string
}

// statusKinds are bare tokens accepted in run scripts.
var statusKinds = map[string]bool{
	"queued": true, "in_progress": true, "cancelling": true, "completed": true,
	"failed": true, "cancelled": true, "expired": true, "incomplete": true,
	"requires_action": true,
}

func parseScript(script string, bare map[string]bool, fallback string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: fallback}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if bare[token] {
			actions = append(actions, action{kind: token})
			continue
		}
		kind, arg, ok := strings.Cut(token, ":")
		switch {
		case ok && (kind == "err" || kind == "sleep" || kind == "msg" || kind == "msgb64" || kind == "status"):
			actions = append(actions, action{kind: kind, arg: arg})
		default:
			return nil, errors.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: fallback})
	}
	return actions, nil
}

// scriptRunner replays actions in order and then repeats the last one.
type scriptRunner struct {
	actions []action
	index   int
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleep(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
