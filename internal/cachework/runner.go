package cachework

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/incbuild/internal/logfields"
	"git.home.luguber.info/inful/incbuild/internal/retry"
)

// Step is one unit of a work chain, such as splitting analysis or uploading
// an artifact.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Chain is an ordered sequence of steps executed in the background. Steps
// run strictly in order; a failing step aborts the remainder of its chain.
// Cleanup always runs after the chain finishes, whether it succeeded or not.
type Chain struct {
	Label   string
	Steps   []Step
	Cleanup func()
}

// Runner executes work chains on background workers. Cache writes are best
// effort, so after the retry budget is spent a failed chain is logged and
// dropped.
type Runner struct {
	jobs    chan Chain
	stop    chan struct{}
	workers int
	wg      sync.WaitGroup
	logger  *slog.Logger
	policy  retry.Policy
	started bool
	stopped bool
	mu      sync.Mutex
}

// NewRunner creates a runner with the given queue size and worker count.
func NewRunner(maxSize, workers int, logger *slog.Logger) *Runner {
	if maxSize <= 0 {
		maxSize = 100
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:    make(chan Chain, maxSize),
		stop:    make(chan struct{}),
		workers: workers,
		logger:  logger,
		policy:  retry.DefaultPolicy(),
	}
}

// SetRetryPolicy overrides the per-step retry policy. Must be called before
// Start.
func (r *Runner) SetRetryPolicy(p retry.Policy) { r.policy = p }

// Start begins processing chains with the configured number of workers.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

// Submit enqueues a chain for background execution. It returns an error if
// the runner is full or already draining. The jobs channel is never closed,
// so a submit racing shutdown fails cleanly instead of panicking.
func (r *Runner) Submit(chain Chain) error {
	select {
	case <-r.stop:
		return stdErrors.New("runner is shutting down")
	default:
	}

	select {
	case r.jobs <- chain:
		return nil
	default:
		return stdErrors.New("work queue is full")
	}
}

// Stop drains queued chains and waits for in-flight work to finish.
// Scratch directories referenced by pending chains stay alive until their
// cleanup runs, so draining rather than cancelling keeps cache writes whole.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stop)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown deadline reached with cache work pending")
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case chain := <-r.jobs:
			r.runChain(ctx, chain)
		case <-r.stop:
			r.drainRemaining(ctx)
			return
		}
	}
}

// drainRemaining runs whatever chains are still queued at shutdown so their
// cleanups fire before the scratch root goes away.
func (r *Runner) drainRemaining(ctx context.Context) {
	for {
		select {
		case chain := <-r.jobs:
			r.runChain(ctx, chain)
		default:
			return
		}
	}
}

func (r *Runner) runChain(ctx context.Context, chain Chain) {
	if chain.Cleanup != nil {
		defer chain.Cleanup()
	}

	start := time.Now()
	for _, step := range chain.Steps {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("cache work abandoned",
				logfields.Target(chain.Label),
				logfields.Stage(step.Name))
			return
		}
		if err := r.runStep(ctx, chain.Label, step); err != nil {
			r.logger.Warn("cache work step failed",
				logfields.Target(chain.Label),
				logfields.Stage(step.Name),
				logfields.Error(err))
			return
		}
	}

	r.logger.Debug("cache work chain complete",
		logfields.Target(chain.Label),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
}

// runStep runs one step, retrying transient failures per the policy.
func (r *Runner) runStep(ctx context.Context, label string, step Step) error {
	err := step.Run(ctx)
	for attempt := 1; err != nil && attempt <= r.policy.MaxRetries; attempt++ {
		select {
		case <-time.After(r.policy.Delay(attempt)):
		case <-ctx.Done():
			return err
		}
		r.logger.Debug("retrying cache work step",
			logfields.Target(label),
			logfields.Stage(step.Name),
			logfields.Error(err))
		err = step.Run(ctx)
	}
	return err
}
