package linkgraph

import (
	"context"
)

// Handler is one stage of the job pipeline.
type Handler interface {
	Name() string
	Run(ctx context.Context, j *Job)
}

// DefaultHandlers returns the fixed pipeline every job runs.
func DefaultHandlers(opts ...MCFOption) []Handler {
	return []Handler{
		InitHandler{},
		DemandHandler{},
		NewMCFHandler(1, opts...),
		FlowMapper{},
		NewMCFHandler(2, opts...),
		FlowMapper{Scale: true},
	}
}

// InitHandler resets all annotations of the job to their initial values.
type InitHandler struct{}

func (InitHandler) Name() string { return "init" }

func (InitHandler) Run(_ context.Context, j *Job) {
	j.init()
	j.setState(StateInit)
}

// RunHooks observes a job while it runs. Either field may be nil.
type RunHooks struct {
	Before func(ctx context.Context, h Handler) context.Context
	After  func(ctx context.Context, h Handler)
}

// Run executes handlers in order on the calling goroutine, stopping early
// when the job is aborted. The job ends in StateDone either way and is
// marked completed and fingerprinted only if every handler ran.
func (j *Job) Run(ctx context.Context, handlers []Handler, hooks RunHooks) {
	defer close(j.done)
	defer j.setState(StateDone)

	for _, h := range handlers {
		if j.IsAborted() {
			return
		}
		hctx := ctx
		if hooks.Before != nil {
			hctx = hooks.Before(ctx, h)
		}
		h.Run(hctx, j)
		if hooks.After != nil {
			hooks.After(hctx, h)
		}
	}
	if !j.IsAborted() {
		j.fingerprint = j.Fingerprint()
		j.completed.Store(true)
	}
}
