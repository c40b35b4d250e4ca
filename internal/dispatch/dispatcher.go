package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"likeswap.app/engine/internal/model"
)

// Applied is one reciprocal action the simulated dispatcher recorded.
type Applied struct {
	Kind   model.ActionKind
	Target string
}

// Simulated records reward actions instead of touching any platform. It is
// the only dispatcher until a platform binding exists; live mode changes
// what the manager logs, not which dispatcher runs.
type Simulated struct {
	mu      sync.Mutex
	applied []Applied

	// FailKinds makes Apply report failure for the listed kinds, for
	// exercising the retry and escalation paths.
	FailKinds map[model.ActionKind]error
}

func NewSimulated() *Simulated {
	return &Simulated{FailKinds: make(map[model.ActionKind]error)}
}

func (d *Simulated) Apply(ctx context.Context, kind model.ActionKind, targetReference string) (bool, error) {
	if err, ok := d.FailKinds[kind]; ok {
		return false, err
	}

	d.mu.Lock()
	d.applied = append(d.applied, Applied{Kind: kind, Target: targetReference})
	d.mu.Unlock()

	slog.DebugContext(ctx, "simulated reward action applied",
		"action", kind,
		"target", targetReference)
	return true, nil
}

// AppliedActions returns a copy of everything applied so far.
func (d *Simulated) AppliedActions() []Applied {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Applied, len(d.applied))
	copy(out, d.applied)
	return out
}
