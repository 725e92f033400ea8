// File: internal/automation/run.go
package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
)

var (
	errCancelRequested = errors.New("run cancelled by request")
	errShutdown        = errors.New("runner shutting down")
	errRunTimeout      = errors.New("run timeout exceeded")
)

// run is the bookkeeping of one execution. state is guarded by mu; every
// other field is fixed once the run goroutine starts.
type run struct {
	id      string
	def     *schemas.CertificateDefinition
	data    schemas.DataContext
	driver  schemas.Driver
	logger  *zap.Logger
	timeout time.Duration

	// ctx ends on Cancel, on Shutdown and when the run timeout elapses; the
	// cause tells them apart.
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stopTimer context.CancelFunc

	resume    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	state schemas.RunState
}

func (rn *run) snapshot() schemas.RunState {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.state.Clone()
}

// update applies fn to the state under the lock and returns the result.
func (rn *run) update(now time.Time, fn func(s *schemas.RunState)) schemas.RunState {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	fn(&rn.state)
	rn.state.UpdatedAt = now
	return rn.state.Clone()
}

// interruption converts the end of the run context into the run's failure.
func (rn *run) interruption() *schemas.Error {
	cause := context.Cause(rn.ctx)
	switch {
	case errors.Is(cause, errRunTimeout), errors.Is(cause, context.DeadlineExceeded):
		return schemas.WrapError(schemas.KindTimeout, cause, "run did not finish within %s", rn.timeout)
	case errors.Is(cause, errShutdown):
		return schemas.WrapError(schemas.KindCancelled, cause, "run aborted")
	default:
		return schemas.WrapError(schemas.KindCancelled, cause, "run cancelled")
	}
}

// closeSession releases the browser session. Only the first call reaches the driver.
func (rn *run) closeSession(timeout time.Duration) {
	rn.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := rn.driver.Close(ctx); err != nil {
			rn.logger.Warn("Failed to close browser session", zap.Error(err))
		}
	})
}
