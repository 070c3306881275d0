// Package harness drives the experiment: it feeds tasks through the
// critique loop, scores the outcomes, streams every result to the
// configured sinks and aggregates a summary.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/throw-if-null/metacrit/internal/api"
	"github.com/throw-if-null/metacrit/internal/judge"
	"github.com/throw-if-null/metacrit/internal/loop"
	"github.com/throw-if-null/metacrit/internal/paths"
	"github.com/throw-if-null/metacrit/internal/provider"
)

// Sink receives each run result as it completes. Implementations must
// tolerate being called from the harness goroutine only; the harness
// serializes Save calls.
type Sink interface {
	Save(r *api.RunResult) error
}

// Deps are the harness's external collaborators.
type Deps struct {
	Client provider.Client
	Judge  judge.Judge
	Sinks  []Sink
	Logger *zap.Logger
}

// Config controls a whole run.
type Config struct {
	Loop        loop.Config
	InitialSpec string

	// CarrySpec threads the evolved criterion from one task into the
	// next. It forces sequential execution since tasks then share the
	// spec.
	CarrySpec bool

	// MetaCritiqueBudget caps how many tasks may evolve the criterion.
	// Zero or negative means unlimited.
	MetaCritiqueBudget int

	// Concurrency bounds parallel task execution when CarrySpec is off.
	Concurrency int
}

// Run processes all tasks. One task's failure never halts the run; only a
// broken sink does. The returned slice is ordered by input index.
func Run(ctx context.Context, tasks []api.Task, deps Deps, cfg Config) ([]api.RunResult, api.Summary, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Client == nil {
		return nil, api.Summary{}, errors.New("nil provider client")
	}
	if deps.Judge == nil {
		return nil, api.Summary{}, errors.New("nil judge")
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 || cfg.CarrySpec {
		concurrency = 1
	}

	r := &runner{deps: deps, cfg: cfg, logger: logger, metaLeft: cfg.MetaCritiqueBudget}

	var results []api.RunResult
	var err error
	if concurrency == 1 {
		results, err = r.runSequential(ctx, tasks)
	} else {
		results, err = r.runConcurrent(ctx, tasks, concurrency)
	}
	if err != nil {
		return results, summarize(results), err
	}
	return results, summarize(results), nil
}

type runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex // guards sinks and metaLeft
	metaLeft int
	spec     string
}

func (r *runner) runSequential(ctx context.Context, tasks []api.Task) ([]api.RunResult, error) {
	r.spec = r.cfg.InitialSpec
	var results []api.RunResult
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		spec := r.cfg.InitialSpec
		if r.cfg.CarrySpec {
			spec = r.spec
		}
		res := r.runTask(ctx, task, spec)
		if r.cfg.CarrySpec && res.Status == api.StatusCompleted {
			r.spec = res.FinalSpec
		}
		results = append(results, res)
		if err := r.persist(&res); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (r *runner) runConcurrent(ctx context.Context, tasks []api.Task, concurrency int) ([]api.RunResult, error) {
	results := make([]api.RunResult, len(tasks))
	done := make([]bool, len(tasks))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var persistErr error
	var persistMu sync.Mutex

	for i, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, task api.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			res := r.runTask(ctx, task, r.cfg.InitialSpec)
			results[i] = res
			done[i] = true
			persistMu.Lock()
			defer persistMu.Unlock()
			if persistErr == nil {
				persistErr = r.persist(&res)
			}
		}(i, task)
	}
	wg.Wait()

	out := make([]api.RunResult, 0, len(tasks))
	for i := range results {
		if done[i] {
			out = append(out, results[i])
		}
	}
	return out, persistErr
}

// runTask executes the loop for one task and scores the outcome. All
// failure modes end up in the result record; nothing escapes.
func (r *runner) runTask(ctx context.Context, task api.Task, spec string) api.RunResult {
	startedAt := time.Now().UTC()
	res := api.RunResult{
		RunID:     uuid.NewString(),
		TaskID:    task.ID,
		Category:  task.Category,
		FinalSpec: spec,
		StartedAt: startedAt.Format(time.RFC3339Nano),
	}
	finish := func() api.RunResult {
		res.FinishedAt = time.Now().UTC().Format(time.RFC3339Nano)
		res.Iterations = len(res.Turns)
		return res
	}

	if err := paths.ValidateTaskID(task.ID); err != nil {
		res.Status = api.StatusAborted
		res.ErrorSummary = err.Error()
		r.logger.Warn("task skipped", zap.String("task_id", task.ID), zap.Error(err))
		return finish()
	}

	r.logger.Info("task started", zap.String("task_id", task.ID), zap.String("category", task.Category))

	loopCfg := r.cfg.Loop
	if loopCfg.MetaCritiqueEnabled && !r.takeMetaBudget() {
		loopCfg.MetaCritiqueEnabled = false
	}

	out, err := loop.Run(ctx, r.deps.Client, task, spec, loopCfg)
	res.Turns = out.Turns
	res.FinalResponse = out.FinalResponse
	res.FinalSpec = out.FinalSpec
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			res.Status = api.StatusCancelled
		} else {
			res.Status = api.StatusAborted
		}
		res.ErrorSummary = err.Error()
		var aborted *loop.TaskAbortedError
		if errors.As(err, &aborted) {
			r.logger.Warn("task aborted",
				zap.String("task_id", task.ID),
				zap.Int("iteration", aborted.Iteration),
				zap.String("step", aborted.Step),
				zap.Error(aborted.Err))
		} else {
			r.logger.Warn("task cancelled", zap.String("task_id", task.ID))
		}
		return finish()
	}

	score, err := r.deps.Judge.Score(ctx, task, out.FinalResponse)
	if err != nil {
		res.Status = api.StatusAborted
		res.ErrorSummary = fmt.Sprintf("judge: %v", err)
		r.logger.Warn("judging failed", zap.String("task_id", task.ID), zap.Error(err))
		return finish()
	}
	res.Status = api.StatusCompleted
	res.Score = &score
	r.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.Int("iterations", len(out.Turns)),
		zap.Float64("score", score))
	return finish()
}

// takeMetaBudget consumes one meta-critique slot. Unlimited when the
// configured budget is zero or negative.
func (r *runner) takeMetaBudget() bool {
	if r.cfg.MetaCritiqueBudget <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metaLeft <= 0 {
		return false
	}
	r.metaLeft--
	return true
}

func (r *runner) persist(res *api.RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sink := range r.deps.Sinks {
		if err := sink.Save(res); err != nil {
			return fmt.Errorf("persist result for task %s: %w", res.TaskID, err)
		}
	}
	return nil
}

func summarize(results []api.RunResult) api.Summary {
	var sum api.Summary
	var total float64
	for _, r := range results {
		sum.Total++
		switch r.Status {
		case api.StatusCompleted:
			sum.Succeeded++
			if r.Score != nil {
				total += *r.Score
			}
		case api.StatusCancelled:
			sum.Cancelled++
		default:
			sum.Failed++
		}
	}
	if sum.Succeeded > 0 {
		sum.MeanScore = total / float64(sum.Succeeded)
	}
	return sum
}
