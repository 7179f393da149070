package directory

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// runGroup collapses concurrent populate calls for one area into a single
// run. The run does not inherit any single caller's cancellation: its context
// is cancelled once every caller waiting on it has returned.
type runGroup struct {
	sf   singleflight.Group
	mu   sync.Mutex
	gen  uint64
	runs map[int64]*sharedRun
}

type sharedRun struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (g *runGroup) do(ctx context.Context, areaID int64, fn func(ctx context.Context) (int, error)) (int, error) {
	run := g.join(ctx, areaID)
	ch := g.sf.DoChan(run.key, func() (any, error) {
		return fn(run.ctx)
	})

	select {
	case res := <-ch:
		g.leave(areaID, run)
		n, _ := res.Val.(int)
		return n, res.Err
	case <-ctx.Done():
		if !g.leave(areaID, run) {
			return 0, ctx.Err()
		}
		// Last waiter: let the cancelled run record its outcome first.
		res := <-ch
		n, _ := res.Val.(int)
		return n, res.Err
	}
}

func (g *runGroup) join(ctx context.Context, areaID int64) *sharedRun {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.runs == nil {
		g.runs = make(map[int64]*sharedRun)
	}
	run, ok := g.runs[areaID]
	if !ok {
		g.gen++
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		run = &sharedRun{
			key:    strconv.FormatInt(areaID, 10) + "#" + strconv.FormatUint(g.gen, 10),
			ctx:    runCtx,
			cancel: cancel,
		}
		g.runs[areaID] = run
	}
	run.waiters++
	return run
}

// leave drops one waiter and reports whether it was the last one, in which
// case the run's context is cancelled and a later caller starts a new run.
func (g *runGroup) leave(areaID int64, run *sharedRun) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	run.waiters--
	if run.waiters > 0 {
		return false
	}
	if g.runs[areaID] == run {
		delete(g.runs, areaID)
	}
	run.cancel()
	return true
}
