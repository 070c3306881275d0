// Package loop implements the meta self-critique iteration: generate a
// response, critique it against the current criterion, revise it, and
// optionally let the model rewrite the criterion itself before the next
// round.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/metacrit/internal/api"
	"github.com/throw-if-null/metacrit/internal/prompt"
	"github.com/throw-if-null/metacrit/internal/provider"
)

// Config controls one task's loop execution.
type Config struct {
	MaxIterations       int
	CritiqueEnabled     bool
	MetaCritiqueEnabled bool
	StopOnNoChange      bool

	SystemPrompt string
	Options      provider.Options

	// MetaClient and MetaOptions route the meta-critique step to a
	// secondary model. When MetaClient is nil the primary client is used.
	MetaClient  provider.Client
	MetaOptions provider.Options

	// RetryBudget is the number of attempts per provider call for
	// transient failures. Zero means DefaultRetryBudget.
	RetryBudget    int
	RetryBaseDelay time.Duration
}

const (
	DefaultRetryBudget    = 3
	defaultRetryBaseDelay = 250 * time.Millisecond
)

// Outcome is the loop's result for one task. On error it carries the turns
// completed before the failure.
type Outcome struct {
	Turns         []api.Turn
	FinalResponse string
	FinalSpec     string
}

// Step names used in TaskAbortedError and span events.
const (
	StepGenerate     = "generate"
	StepCritique     = "critique"
	StepRevise       = "revise"
	StepMetaCritique = "meta_critique"
)

// TaskAbortedError reports an irrecoverable provider failure, including the
// iteration and step at which it happened.
type TaskAbortedError struct {
	TaskID    string
	Iteration int
	Step      string
	Err       error
}

func (e *TaskAbortedError) Error() string {
	return fmt.Sprintf("task %s aborted at iteration %d (%s): %v", e.TaskID, e.Iteration, e.Step, e.Err)
}

func (e *TaskAbortedError) Unwrap() error { return e.Err }

// Run executes up to cfg.MaxIterations critique rounds for one task. The
// criterion and current response are replaced wholesale each iteration.
// On provider failure the completed turns are returned alongside a
// *TaskAbortedError; on cancellation they are returned alongside the
// context error.
func Run(ctx context.Context, client provider.Client, task api.Task, initialSpec string, cfg Config) (Outcome, error) {
	out := Outcome{FinalSpec: initialSpec}
	if client == nil {
		return out, errors.New("nil provider client")
	}
	if cfg.MaxIterations < 1 {
		return out, fmt.Errorf("max iterations must be >= 1, got %d", cfg.MaxIterations)
	}

	tr := otel.Tracer("metacrit")
	ctx, span := tr.Start(
		ctx,
		"metacrit.task",
		trace.WithNewRoot(),
		trace.WithAttributes(attribute.String("task.id", task.ID)),
	)
	defer span.End()

	spec := initialSpec
	for i := 0; i < cfg.MaxIterations; i++ {
		turn, newSpec, err := runIteration(ctx, tr, client, task, spec, i, cfg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return out, err
		}
		out.Turns = append(out.Turns, turn)
		out.FinalResponse = turn.Revised
		out.FinalSpec = newSpec

		converged := cfg.StopOnNoChange && newSpec == spec && turn.Revised == turn.Response
		spec = newSpec
		if converged {
			span.AddEvent("task.converged", trace.WithAttributes(attribute.Int("iteration", i)))
			break
		}
	}

	span.SetStatus(codes.Ok, "")
	return out, nil
}

func runIteration(ctx context.Context, tr trace.Tracer, client provider.Client, task api.Task, spec string, index int, cfg Config) (api.Turn, string, error) {
	ctx, span := tr.Start(ctx, "metacrit.iteration", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Int("iteration", index),
	))
	defer span.End()

	turn := api.Turn{Index: index, SpecBefore: spec, SpecAfter: spec}
	fail := func(step string, err error) (api.Turn, string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return turn, spec, err
		}
		return turn, spec, &TaskAbortedError{TaskID: task.ID, Iteration: index, Step: step, Err: err}
	}

	system := api.Message{Role: api.RoleSystem, Content: prompt.BuildSystemPrompt(cfg.SystemPrompt, spec)}

	// generate
	conv := []api.Message{system, {Role: api.RoleUser, Content: task.Prompt}}
	response, err := completeWithRetry(ctx, client, conv, cfg.Options, cfg)
	if err != nil {
		return fail(StepGenerate, err)
	}
	turn.Response = response
	turn.Revised = response
	span.AddEvent("step.generate")
	conv = append(conv, api.Message{Role: api.RoleAssistant, Content: response})

	// Without a critique there is nothing to fold into a revision, so the
	// revise call is skipped too and the response stands.
	if cfg.CritiqueEnabled {
		if err := ctx.Err(); err != nil {
			return fail(StepCritique, err)
		}
		conv = append(conv, api.Message{Role: api.RoleUser, Content: prompt.BuildCritiquePrompt(spec)})
		critique, err := completeWithRetry(ctx, client, conv, cfg.Options, cfg)
		if err != nil {
			return fail(StepCritique, err)
		}
		turn.Critique = critique
		span.AddEvent("step.critique")
		conv = append(conv, api.Message{Role: api.RoleAssistant, Content: critique})

		if err := ctx.Err(); err != nil {
			return fail(StepRevise, err)
		}
		conv = append(conv, api.Message{Role: api.RoleUser, Content: prompt.BuildRevisionPrompt(spec)})
		revised, err := completeWithRetry(ctx, client, conv, cfg.Options, cfg)
		if err != nil {
			return fail(StepRevise, err)
		}
		turn.Revised = revised
		span.AddEvent("step.revise")
		conv = append(conv, api.Message{Role: api.RoleAssistant, Content: revised})
	}

	newSpec := spec
	if cfg.MetaCritiqueEnabled {
		if err := ctx.Err(); err != nil {
			return fail(StepMetaCritique, err)
		}
		metaClient := cfg.MetaClient
		metaOpts := cfg.MetaOptions
		if metaClient == nil {
			metaClient = client
			metaOpts = cfg.Options
		}
		conv = append(conv, api.Message{Role: api.RoleUser, Content: prompt.BuildMetaCritiquePrompt(spec)})
		updated, err := completeWithRetry(ctx, metaClient, conv, metaOpts, cfg)
		if err != nil {
			return fail(StepMetaCritique, err)
		}
		newSpec = updated
		turn.SpecAfter = updated
		span.AddEvent("step.meta_critique")
	}

	span.SetStatus(codes.Ok, "")
	return turn, newSpec, nil
}

// completeWithRetry wraps one provider call with bounded exponential
// backoff. Only transient failures (timeout, unavailable) are retried;
// rejection and malformed responses escalate immediately.
func completeWithRetry(ctx context.Context, client provider.Client, messages []api.Message, opts provider.Options, cfg Config) (string, error) {
	budget := cfg.RetryBudget
	if budget <= 0 {
		budget = DefaultRetryBudget
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = baseDelay
	bo.MaxInterval = 10 * time.Second

	var policy backoff.BackOff = backoff.WithMaxRetries(bo, uint64(budget-1))
	policy = backoff.WithContext(policy, ctx)

	return backoff.RetryWithData(func() (string, error) {
		text, err := client.Complete(ctx, messages, opts)
		if err != nil {
			if provider.Transient(err) {
				return "", err
			}
			return "", backoff.Permanent(err)
		}
		return text, nil
	}, policy)
}
