package inference

import (
	"context"
	"fmt"

	"github.com/samcharles93/stepwise/internal/backend"
	"github.com/samcharles93/stepwise/internal/logger"
	"github.com/samcharles93/stepwise/internal/session"
)

// Driver runs one chunked forward phase. The backend decides when the phase
// is complete; MaxCalls, when positive, stops a backend that never does.
type Driver struct {
	Backend  backend.Backend
	MaxCalls int
}

// Run issues forward calls until the backend reports the run finished. Each
// call carries only the cache window the backend is about to compute, and
// each returned partial cache is merged into sess. It returns the merged
// session, the final run and the number of forward calls issued.
func (d *Driver) Run(ctx context.Context, sess session.Session, run session.ModelRun, chunk int) (session.Session, session.ModelRun, int, error) {
	if err := validChunk(chunk); err != nil {
		return sess, run, 0, err
	}
	log := logger.FromContext(ctx)

	calls := 0
	for {
		if d.MaxCalls > 0 && calls >= d.MaxCalls {
			return sess, run, calls, fmt.Errorf("%w: %d calls without completion", ErrForwardBudget, calls)
		}
		if err := ctx.Err(); err != nil {
			return sess, run, calls, err
		}

		reduced := session.Reduce(sess, run, chunk)
		res, err := d.Backend.Forward(ctx, uint8(chunk), run, reduced)
		calls++
		if err != nil {
			return sess, run, calls, backend.Wrap(backend.OpForward, err)
		}

		log.Debug("forward",
			"call", calls,
			"state", run.State.String(),
			"sent_layers", len(reduced.KVCache),
			"recv_layers", len(res.Session.KVCache),
			"finished", res.Finished,
		)

		sess = session.Merge(sess, res.Session)
		run = res.Run
		if res.Finished {
			return sess, run, calls, nil
		}
	}
}
