package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rendis/agentflow/internal/agents"
	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/fetch"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/prompts"
	"github.com/rendis/agentflow/internal/quality"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// Limiter and breaker names used by the default wiring.
const (
	WorkflowLimiterName = "workflows"
	APILimiterName      = "api_requests"
	ExecutorBreakerName = "openai_api"
)

// Messages recorded on runs that end in error before or outside the step loop.
const (
	AdmissionTimeoutMessage = "Workflow timeout - too many concurrent workflows"
	AdmissionTimeoutError   = "Workflow limiter timeout"
	SetupIncompleteError    = "ICP too thin"
	RateLimitedError        = "OpenAI API rate limit exceeded. Please try again in a few minutes."
	rateLimitRecommendation = "Please try again in a few minutes"
	fetchReason             = "Using provided website as primary source"
)

const (
	instructionsPreviewLen = 240
	outputPreviewLen       = 600
	contextWindow          = 2

	websiteBlockStart = "##COMPANY WEBSITE CONTENT##"
	websiteBlockEnd   = "##END COMPANY WEBSITE CONTENT##"
)

// RunStore is the persistence subset the runner needs.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	GetOrgProfile(ctx context.Context) (*store.OrgProfile, error)
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
}

// EventRecorder appends run events. Satisfied by *store.EventLog.
type EventRecorder interface {
	Append(ctx context.Context, runID string, payload schema.EventPayload) (*store.Event, error)
}

// ExecutorResolver yields the step executor for a kind. Satisfied by *agents.Registry.
type ExecutorResolver interface {
	Resolve(kind schema.StepKind) (agents.StepExecutor, error)
}

// RunObserver receives run lifecycle notifications, typically for metrics.
type RunObserver interface {
	RunStarted(workflowID string)
	RunFinished(workflowID string, status schema.RunStatus, elapsed time.Duration)
	StepFinished(kind schema.StepKind, code string, elapsed time.Duration)
	StepRetried(kind schema.StepKind, code string)
	GateEvaluated(kind schema.StepKind, passed bool)
}

type noopObserver struct{}

func (noopObserver) RunStarted(string)                                   {}
func (noopObserver) RunFinished(string, schema.RunStatus, time.Duration) {}
func (noopObserver) StepFinished(schema.StepKind, string, time.Duration) {}
func (noopObserver) StepRetried(schema.StepKind, string)                 {}
func (noopObserver) GateEvaluated(schema.StepKind, bool)                 {}

// RunnerConfig holds the runner's timeouts and retry policy.
type RunnerConfig struct {
	// AdmissionTimeout bounds the wait for a workflow limiter slot. <= 0 waits forever.
	AdmissionTimeout time.Duration
	// StepTimeout bounds each executor attempt.
	StepTimeout time.Duration
	// FetchTimeout bounds the primary-source pre-fetch.
	FetchTimeout time.Duration
	// APIAcquireTimeout bounds the wait for an api limiter slot per attempt.
	APIAcquireTimeout time.Duration
	Retry             RetryPolicy
}

// DefaultRunnerConfig returns the production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		AdmissionTimeout:  30 * time.Second,
		StepTimeout:       120 * time.Second,
		FetchTimeout:      20 * time.Second,
		APIAcquireTimeout: 30 * time.Second,
		Retry:             StepRetryPolicy(),
	}
}

// Runner drives one run at a time from pending to a terminal status. It is
// safe for concurrent use: every run shares the same limiter and breaker.
type Runner struct {
	store     RunStore
	events    EventRecorder
	executors ExecutorResolver
	config    RunnerConfig

	limiter    *Limiter
	apiLimiter *Limiter
	breaker    *CircuitBreaker
	gates      *quality.Gates
	readiness  *prompts.Readiness
	fetcher    fetch.Fetcher
	renderer   *expressions.Renderer
	jq         *expressions.GoJQEngine
	observer   RunObserver
	logger     *slog.Logger
	now        func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLimiter sets the workflow admission limiter.
func WithLimiter(l *Limiter) RunnerOption { return func(r *Runner) { r.limiter = l } }

// WithAPILimiter bounds concurrent executor calls across all runs.
func WithAPILimiter(l *Limiter) RunnerOption { return func(r *Runner) { r.apiLimiter = l } }

// WithBreaker sets the breaker protecting the step executor.
func WithBreaker(cb *CircuitBreaker) RunnerOption { return func(r *Runner) { r.breaker = cb } }

// WithGates sets the quality gates.
func WithGates(g *quality.Gates) RunnerOption { return func(r *Runner) { r.gates = g } }

// WithReadiness sets the setup readiness predicate.
func WithReadiness(rd *prompts.Readiness) RunnerOption { return func(r *Runner) { r.readiness = rd } }

// WithFetcher enables the primary-source pre-fetch for research steps.
func WithFetcher(f fetch.Fetcher) RunnerOption { return func(r *Runner) { r.fetcher = f } }

// WithObserver sets the run observer.
func WithObserver(o RunObserver) RunnerOption { return func(r *Runner) { r.observer = o } }

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption { return func(r *Runner) { r.logger = l } }

// WithClock overrides the wall clock used for run timestamps.
func WithClock(now func() time.Time) RunnerOption { return func(r *Runner) { r.now = now } }

// NewRunner creates a Runner. Components not supplied through options get
// their defaults: a 10-slot workflow limiter, the executor breaker, the
// research and qualify gates and the default readiness predicate.
func NewRunner(s RunStore, events EventRecorder, executors ExecutorResolver, cfg RunnerConfig, opts ...RunnerOption) (*Runner, error) {
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = StepRetryPolicy()
	}
	r := &Runner{
		store:     s,
		events:    events,
		executors: executors,
		config:    cfg,
		renderer:  expressions.NewRenderer(),
		jq:        expressions.NewGoJQEngine(),
		observer:  noopObserver{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.limiter == nil {
		r.limiter = NewLimiter(WorkflowLimiterName, 10)
	}
	if r.breaker == nil {
		r.breaker = NewCircuitBreaker(ExecutorBreakerName, DefaultCircuitBreakerConfig())
	}
	if r.gates == nil {
		qualify, err := quality.NewQualifyGate(quality.DefaultDisqualifyThreshold, quality.DefaultDisqualifyPolicy)
		if err != nil {
			return nil, err
		}
		r.gates = quality.NewGates(quality.NewResearchGate(quality.DefaultResearchPassThreshold), qualify)
	}
	if r.readiness == nil {
		rd, err := prompts.NewReadiness("")
		if err != nil {
			return nil, err
		}
		r.readiness = rd
	}
	return r, nil
}

// Execute drives run runID to a terminal status. It never returns an error
// and never panics: every failure is recorded on the run and in its events.
func (r *Runner) Execute(ctx context.Context, runID string) {
	ctx = logging.WithRunID(ctx, runID)

	if err := r.limiter.Acquire(ctx, r.config.AdmissionTimeout); err != nil {
		msg, errText := err.Error(), err.Error()
		if schema.HasCode(err, schema.ErrCodeLimiterTimeout) {
			msg, errText = AdmissionTimeoutMessage, AdmissionTimeoutError
		}
		logging.LogWith(ctx, r.logger).Warn("run admission failed", slog.String("error", err.Error()))
		r.fail(ctx, runID, schema.ErrorPayload{Message: msg}, schema.RunStatusError, errText, nil)
		return
	}
	defer r.limiter.Release()

	defer func() {
		if rec := recover(); rec != nil {
			logging.LogWith(ctx, r.logger).Error("run panicked",
				slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			msg := fmt.Sprintf("internal error: %v", rec)
			r.fail(ctx, runID, schema.ErrorPayload{Message: msg}, schema.RunStatusError, msg, nil)
		}
	}()

	r.run(ctx, runID)
}

// runState is the per-run working set threaded through the step loop.
type runState struct {
	run      *store.Run
	workflow *store.Workflow
	scope    *expressions.Scope
	outputs  []schema.StepOutput
	decision *schema.QualificationDecision
	started  time.Time
}

func (st *runState) output() *schema.RunOutput {
	return &schema.RunOutput{
		Steps:         append([]schema.StepOutput{}, st.outputs...),
		Qualification: st.decision,
	}
}

func (r *Runner) run(ctx context.Context, runID string) {
	log := logging.LogWith(ctx, r.logger)

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		log.Error("load run failed", slog.String("error", err.Error()))
		return
	}
	if run.Status != schema.RunStatusPending {
		log.Warn("run is not pending, skipping", slog.String("status", string(run.Status)))
		return
	}
	ctx = logging.WithWorkflowID(ctx, run.WorkflowID)

	wf, err := r.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		r.fail(ctx, runID, schema.ErrorPayload{Message: errorMessage(err)}, schema.RunStatusError, errorMessage(err), nil)
		return
	}

	org := map[string]any{}
	if profile, err := r.store.GetOrgProfile(ctx); err != nil {
		r.fail(ctx, runID, schema.ErrorPayload{Message: errorMessage(err)}, schema.RunStatusError, errorMessage(err), nil)
		return
	} else if profile != nil && profile.Data != nil {
		org = profile.Data
	}

	ready, err := r.readiness.Check(ctx, org)
	if err != nil {
		r.fail(ctx, runID, schema.ErrorPayload{Message: errorMessage(err)}, schema.RunStatusError, errorMessage(err), nil)
		return
	}
	if !ready {
		r.fail(ctx, runID, schema.ErrorPayload{Message: prompts.SetupIncompleteMessage}, schema.RunStatusError, SetupIncompleteError, nil)
		return
	}

	composed, err := prompts.Compose(org, run.Inputs)
	if err != nil {
		r.fail(ctx, runID, schema.ErrorPayload{Message: errorMessage(err)}, schema.RunStatusError, errorMessage(err), nil)
		return
	}
	if err := r.store.UpdateRun(ctx, runID, store.RunUpdate{Prompts: composed}); err != nil {
		r.fail(ctx, runID, schema.ErrorPayload{Message: errorMessage(err)}, schema.RunStatusError, errorMessage(err), nil)
		return
	}
	run.Prompts = composed

	st := &runState{
		run:      run,
		workflow: wf,
		scope:    expressions.NewScope(run.Inputs, org),
		started:  r.now(),
	}

	if err := r.emit(ctx, runID, schema.StartedPayload{Workflow: wf.Name}); err != nil {
		r.fail(ctx, runID, schema.ErrorPayload{Message: errorMessage(err)}, schema.RunStatusError, errorMessage(err), nil)
		return
	}
	running := schema.RunStatusRunning
	startedAt := st.started.UTC()
	if err := r.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &running, StartedAt: &startedAt}); err != nil {
		r.fail(ctx, runID, schema.ErrorPayload{Message: errorMessage(err)}, schema.RunStatusError, errorMessage(err), nil)
		return
	}
	r.observer.RunStarted(run.WorkflowID)
	log.Info("run started", slog.String("workflow", wf.Name), slog.Int("steps", len(wf.Definition.Steps)))

	stopped, err := r.steps(ctx, st)
	if err != nil {
		r.stepFailure(ctx, st, err)
		return
	}
	if stopped {
		return
	}

	if err := r.emit(ctx, runID, schema.FinishedPayload{Status: schema.RunStatusSuccess}); err != nil {
		r.fail(ctx, runID, schema.ErrorPayload{Message: errorMessage(err)}, schema.RunStatusError, errorMessage(err), st)
		return
	}
	r.finish(ctx, st, schema.RunStatusSuccess, st.output(), "")
}

// steps runs the step loop. It reports stopped=true when a gate ended the
// run; any returned error has not been recorded yet.
func (r *Runner) steps(ctx context.Context, st *runState) (bool, error) {
	runID := st.run.ID
	prefetched := false

	for i, step := range st.workflow.Definition.Steps {
		index := i + 1
		stepCtx := logging.WithStep(ctx, index, string(step.Kind))
		stepStart := r.now()

		mapped, err := expressions.MapInputs(stepCtx, r.jq, step.InputMap, st.scope)
		if err != nil {
			return false, withStep(err, index)
		}
		rendered := r.renderer.Render(step.Instructions, st.scope.Namespaces(mapped))

		prompt := st.run.Prompts[step.Kind]
		task := agents.Task{
			Description:    prompts.Describe(prompt.Description, rendered),
			ExpectedOutput: prompt.ExpectedOutput,
			Context:        previousContext(st.scope.Outputs()),
		}
		if task.ExpectedOutput == "" {
			task.ExpectedOutput = prompts.DefaultDescription
		}

		if err := r.emit(stepCtx, runID, schema.StepStartPayload{
			Index:        index,
			Agent:        string(step.Kind),
			Instructions: truncate(rendered, instructionsPreviewLen),
		}); err != nil {
			return false, err
		}

		if step.Kind == schema.StepKindResearch && !prefetched {
			prefetched = true
			if website := inputString(st.run.Inputs, prompts.InputWebsite); website != "" && r.fetcher != nil {
				task.Context, err = r.prefetch(stepCtx, runID, index, website, task.Context)
				if err != nil {
					return false, err
				}
			}
		}

		executor, err := r.executors.Resolve(step.Kind)
		if err != nil {
			return false, withStep(err, index)
		}

		text, err := r.invoke(stepCtx, runID, index, step.Kind, executor, task)
		r.observer.StepFinished(step.Kind, Classify(err), r.now().Sub(stepStart))
		if err != nil {
			if Classify(err) == schema.ErrCodeRateLimited {
				if eerr := r.emit(stepCtx, runID, schema.RateLimitHitPayload{
					Index:          index,
					Error:          errorMessage(err),
					Recommendation: rateLimitRecommendation,
				}); eerr != nil {
					return false, eerr
				}
			}
			return false, withStep(err, index)
		}

		out := schema.StepOutputPayload{Index: index, Agent: string(step.Kind), Preview: truncate(text, outputPreviewLen)}
		if step.Kind == schema.StepKindOutreach {
			out.Full = text
		}
		if err := r.emit(stepCtx, runID, out); err != nil {
			return false, err
		}
		if err := r.emit(stepCtx, runID, schema.StepEndPayload{Index: index}); err != nil {
			return false, err
		}

		var verdict *quality.Verdict
		if gate, ok := r.gates.For(step.Kind); ok {
			verdict, err = gate.Evaluate(stepCtx, index, text)
			if err != nil {
				return false, withStep(err, index)
			}
			if verdict.Output != "" {
				text = verdict.Output
			}
			if verdict.Decision != nil {
				st.decision = verdict.Decision
			}
		}

		st.scope.AddOutput(text)
		st.outputs = append(st.outputs, schema.StepOutput{Index: index, Kind: step.Kind, Text: text})

		if verdict == nil {
			continue
		}
		r.observer.GateEvaluated(step.Kind, verdict.Passed)
		if verdict.Event != nil {
			if err := r.emit(stepCtx, runID, verdict.Event); err != nil {
				return false, err
			}
		}
		if verdict.Passed {
			continue
		}

		logging.LogWith(stepCtx, r.logger).Info("run stopped by gate",
			slog.String("status", string(verdict.Status)), slog.String("reason", verdict.Reason))
		if err := r.emit(stepCtx, runID, verdict.Finished()); err != nil {
			return false, err
		}
		output := st.output()
		output.StopReason = verdict.Reason
		output.QualityScore = verdict.Score
		r.finish(ctx, st, verdict.Status, output, "")
		return true, nil
	}
	return false, nil
}

// invoke calls the executor through the breaker, inside the retry loop.
// Each attempt is bounded by the step timeout and, when configured, holds an
// api limiter slot for its duration. The slot is taken before the breaker is
// consulted so waiting for it never counts against the dependency.
func (r *Runner) invoke(ctx context.Context, runID string, index int, kind schema.StepKind, executor agents.StepExecutor, task agents.Task) (string, error) {
	var out string
	call := func(ctx context.Context) error {
		return r.breaker.Call(ctx, func(ctx context.Context) error {
			text, err := executor.Execute(ctx, task)
			if err != nil {
				return err
			}
			out = text
			return nil
		})
	}
	attempt := func(ctx context.Context) error {
		if r.config.StepTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.config.StepTimeout)
			defer cancel()
		}
		if r.apiLimiter != nil {
			return r.apiLimiter.Do(ctx, r.config.APIAcquireTimeout, call)
		}
		return call(ctx)
	}

	notify := func(retry int, err error, delay time.Duration) {
		code := Classify(err)
		r.observer.StepRetried(kind, code)
		logging.LogWith(ctx, r.logger).Warn("step attempt failed, retrying",
			slog.Int("retry", retry), slog.String("code", code), slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if eerr := r.emit(ctx, runID, schema.StepRetryPayload{
			Index:      index,
			Attempt:    retry,
			MaxRetries: r.config.Retry.MaxRetries,
			DelayMs:    delay.Milliseconds(),
			Code:       code,
			Error:      errorMessage(err),
		}); eerr != nil {
			logging.LogWith(ctx, r.logger).Error("append retry event failed", slog.String("error", eerr.Error()))
		}
	}

	err := r.config.Retry.Do(ctx, attempt, notify)
	return out, err
}

// prefetch downloads the primary-source page and prepends it to prev inside
// the website marker block. Fetch problems are logged as events and leave
// prev unchanged; only event append failures are returned.
func (r *Runner) prefetch(ctx context.Context, runID string, index int, website, prev string) (string, error) {
	url := website
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	if err := r.emit(ctx, runID, schema.SourceFetchingPayload{Index: index, URL: url, Reason: fetchReason}); err != nil {
		return prev, err
	}

	fetchCtx := ctx
	if r.config.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.config.FetchTimeout)
		defer cancel()
	}

	doc, err := r.fetcher.Fetch(fetchCtx, url)
	if err != nil {
		msg := errorMessage(err)
		if errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("Timeout after %s", r.config.FetchTimeout)
		}
		return prev, r.emit(ctx, runID, schema.SourceFetchFailedPayload{Index: index, Error: msg})
	}

	content := doc.Content()
	if !fetch.Usable(content) {
		return prev, r.emit(ctx, runID, schema.SourceFetchFailedPayload{Index: index, Error: "fetched page has no usable content"})
	}
	if err := r.emit(ctx, runID, schema.SourceFetchedPayload{Index: index, Status: "success", Length: len(content)}); err != nil {
		return prev, err
	}
	return websiteBlockStart + "\n" + content + "\n" + websiteBlockEnd + "\n\n" + prev, nil
}

// stepFailure records a step loop error: rate limits end as rate_limited,
// everything else as error.
func (r *Runner) stepFailure(ctx context.Context, st *runState, err error) {
	logging.LogWith(ctx, r.logger).Error("run failed",
		slog.String("code", Classify(err)), slog.String("error", err.Error()))

	if Classify(err) == schema.ErrCodeRateLimited {
		r.fail(ctx, st.run.ID,
			schema.ErrorPayload{Message: RateLimitedError, Status: schema.RunStatusRateLimited},
			schema.RunStatusRateLimited, RateLimitedError, st)
		return
	}
	msg := errorMessage(err)
	r.fail(ctx, st.run.ID, schema.ErrorPayload{Message: msg}, schema.RunStatusError, msg, st)
}

// fail appends an error event and writes the terminal status. st may be nil
// when the run never reached the step loop.
func (r *Runner) fail(ctx context.Context, runID string, payload schema.ErrorPayload, status schema.RunStatus, errText string, st *runState) {
	if err := r.emit(ctx, runID, payload); err != nil {
		logging.LogWith(ctx, r.logger).Error("append error event failed", slog.String("error", err.Error()))
	}
	if st == nil {
		st = &runState{run: &store.Run{ID: runID, WorkflowID: logging.WorkflowID(ctx)}, started: r.now()}
	}
	var output *schema.RunOutput
	if len(st.outputs) > 0 {
		output = st.output()
	}
	r.finish(ctx, st, status, output, errText)
}

func (r *Runner) finish(ctx context.Context, st *runState, status schema.RunStatus, output *schema.RunOutput, errText string) {
	finishedAt := r.now().UTC()
	update := store.RunUpdate{Status: &status, FinishedAt: &finishedAt, Output: output}
	if errText != "" {
		update.Error = &errText
	}

	// A caller-cancelled ctx must not lose the terminal write.
	if err := r.store.UpdateRun(context.WithoutCancel(ctx), st.run.ID, update); err != nil {
		logging.LogWith(ctx, r.logger).Error("terminal status write failed",
			slog.String("status", string(status)), slog.String("error", err.Error()))
		return
	}
	r.observer.RunFinished(st.run.WorkflowID, status, finishedAt.Sub(st.started))
	logging.LogWith(ctx, r.logger).Info("run finished", slog.String("status", string(status)))
}

func (r *Runner) emit(ctx context.Context, runID string, payload schema.EventPayload) error {
	_, err := r.events.Append(context.WithoutCancel(ctx), runID, payload)
	return err
}

// previousContext joins the text of the last two outputs with a blank line.
func previousContext(outputs []string) string {
	if len(outputs) > contextWindow {
		outputs = outputs[len(outputs)-contextWindow:]
	}
	return strings.Join(outputs, "\n\n")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func inputString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func withStep(err error, index int) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.StepIndex == 0 {
			fe.StepIndex = index
		}
		return err
	}
	return schema.NewError(Classify(err), err.Error()).WithStep(index).WithCause(err)
}

// errorMessage is the human-readable part of err, without the code prefix.
func errorMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
