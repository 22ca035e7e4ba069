// Package orchestrator runs the single-decision tool loop: select candidate
// tools, present them to the model once, dispatch the proposed calls, and
// classify every outcome.
//
// The engine issues exactly one non-streaming decision round per request.
// There is no re-prompting with tool results; the caller owns any follow-up
// conversation. All terminal states are members of the closed Status set and
// every dispatched call maps to exactly one catalog.Outcome, so a fault in
// one tool call never aborts the run nor leaks a raw error upward.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirefall/quartermaster/internal/catalog"
	"github.com/mirefall/quartermaster/internal/observe"
	"github.com/mirefall/quartermaster/internal/selection"
	"github.com/mirefall/quartermaster/pkg/provider/llm"
	"github.com/mirefall/quartermaster/pkg/types"
)

// DefaultMaxCalls bounds how many proposed tool calls one run dispatches
// when the request sets no budget. The head of the proposal list is kept.
const DefaultMaxCalls = 1

// Request describes one orchestration run.
type Request struct {
	// Messages is the conversation history handed to the model. Must be
	// non-empty.
	Messages []types.Message

	// Query is the text ranked against the tool index. Empty means the
	// content of the last user message.
	Query string

	// Mode overrides the engine's default selection strategy.
	Mode selection.Mode

	// TierCeiling is the caller's capability ceiling. Zero clamps to the
	// most restrictive tier.
	TierCeiling int

	// Checker answers prerequisite satisfaction for this caller. Nil closes
	// every tool that declares prerequisites.
	Checker catalog.PrerequisiteChecker

	// TopK and MinScore tune Narrow-Top-K exposure. See selection.Options.
	TopK     int
	MinScore *float64

	// MaxCalls bounds dispatched calls for this run. Zero means
	// DefaultMaxCalls; negative means no bound.
	MaxCalls int

	// Temperature, MaxTokens, and SystemPrompt pass through to the decision
	// round.
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Engine wires the catalog, selector, and LLM provider into the run loop.
// Safe for concurrent use; one Engine serves all requests.
type Engine struct {
	catalog  *catalog.Catalog
	selector *selection.Selector
	provider llm.Provider

	metrics  *observe.Metrics
	logger   *slog.Logger
	progress ProgressSink

	defaultMode selection.Mode
}

// EngineOption configures an Engine during construction.
type EngineOption func(*Engine)

// WithDefaultMode sets the strategy used when a request names none.
// Defaults to selection.ModeNarrowTopK.
func WithDefaultMode(mode selection.Mode) EngineOption {
	return func(e *Engine) {
		e.defaultMode = mode
	}
}

// WithMetrics attaches the instrument bundle. Nil metrics are a no-op.
func WithMetrics(m *observe.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithProgress attaches a phase notification sink. Defaults to NopSink.
func WithProgress(sink ProgressSink) EngineOption {
	return func(e *Engine) {
		e.progress = sink
	}
}

// NewEngine creates an Engine over the given catalog, selector, and LLM
// provider.
func NewEngine(cat *catalog.Catalog, sel *selection.Selector, provider llm.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		catalog:     cat,
		selector:    sel,
		provider:    provider,
		logger:      slog.Default(),
		progress:    NopSink{},
		defaultMode: selection.ModeNarrowTopK,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one orchestration round.
//
// The returned error is non-nil only for request validation failures and
// context cancellation; every domain fault (no candidates, index failure,
// decision failure, tool faults) lands in the Result's Status and records
// instead.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("orchestrator: request must carry at least one message")
	}

	mode := req.Mode
	if mode == "" {
		mode = e.defaultMode
	}

	start := time.Now()
	res := &Result{Mode: mode}
	defer func() {
		res.TotalLatency = time.Since(start)
		e.progress.Completed(res.Status)
	}()

	query := req.Query
	if query == "" {
		query = lastUserContent(req.Messages)
	}

	// Phase 1: selection.
	selStart := time.Now()
	sel, err := e.selector.Select(ctx, mode, query, req.TierCeiling, req.Checker, selection.Options{
		TopK:     req.TopK,
		MinScore: req.MinScore,
	})
	res.SelectionLatency = time.Since(selStart)

	if err != nil {
		status, terminal := selectionStatus(err)
		if !terminal {
			return nil, err
		}
		res.Status = status
		res.Err = err
		e.metrics.RecordSelection(ctx, string(mode), status.String(), res.SelectionLatency)
		e.logger.Info("selection terminal", "mode", mode, "status", status, "err", err)
		return res, nil
	}

	res.Exposed = sel.ExposedNames()
	res.Scores = sel.Scores
	res.Degraded = sel.Degraded
	e.progress.ToolsSelected(string(mode), res.Exposed, sel.Degraded)

	if len(sel.Exposed) == 0 {
		// A ranking floor can legitimately leave nothing; the model is not
		// consulted with an empty tool list.
		res.Status = StatusNoCandidates
		e.metrics.RecordSelection(ctx, string(mode), res.Status.String(), res.SelectionLatency)
		return res, nil
	}
	e.metrics.RecordSelection(ctx, string(mode), "ok", res.SelectionLatency)

	// Phase 2: one decision round.
	tools := make([]types.ToolDefinition, len(sel.Exposed))
	for i, d := range sel.Exposed {
		tools[i] = d.Definition
	}

	decStart := time.Now()
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     req.Messages,
		Tools:        tools,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		SystemPrompt: req.SystemPrompt,
	})
	res.DecisionLatency = time.Since(decStart)
	e.metrics.RecordDecision(ctx, res.DecisionLatency, err)

	if err != nil {
		res.Status = StatusDecisionFailed
		res.Err = fmt.Errorf("orchestrator: decision round: %w", err)
		e.logger.Error("decision round failed", "mode", mode, "err", err)
		return res, nil
	}

	res.Content = resp.Content
	res.Usage = resp.Usage
	e.progress.ModelDecided(len(resp.ToolCalls), resp.Content != "")

	if len(resp.ToolCalls) == 0 {
		res.Status = StatusNoToolCalls
		return res, nil
	}

	// Phase 3: dispatch the kept head of the proposal list.
	calls := resp.ToolCalls
	maxCalls := req.MaxCalls
	if maxCalls == 0 {
		maxCalls = DefaultMaxCalls
	}
	if maxCalls > 0 && len(calls) > maxCalls {
		res.Truncated = len(calls) - maxCalls
		calls = calls[:maxCalls]
		e.logger.Info("tool call budget exceeded, tail dropped",
			"proposed", len(resp.ToolCalls), "kept", maxCalls)
	}

	exposed := make(map[string]bool, len(res.Exposed))
	for _, name := range res.Exposed {
		exposed[name] = true
	}

	for _, call := range calls {
		rec := e.dispatch(ctx, call, res.Exposed, exposed, req.TierCeiling)
		res.Executions = append(res.Executions, rec)
		e.metrics.RecordExecution(ctx, rec.Tool, rec.Outcome.String(), rec.Latency)
		e.progress.ToolExecuted(rec)
	}

	res.Status = StatusOK
	return res, nil
}

// dispatch runs one proposed call through the exposure check, argument
// decode, and catalog execution. A tool outside the exposed set is never
// executed, even if it exists in the catalog.
func (e *Engine) dispatch(ctx context.Context, call types.ToolCall, exposedNames []string, exposed map[string]bool, tierCeiling int) ExecutionRecord {
	rec := ExecutionRecord{
		CallID:    call.ID,
		Tool:      call.Name,
		StartedAt: time.Now(),
	}
	defer func() {
		rec.Latency = time.Since(rec.StartedAt)
	}()

	if !exposed[call.Name] {
		rec.Outcome = catalog.OutcomeInvalidName
		rec.Suggestion = nearestName(call.Name, exposedNames)
		rec.Err = fmt.Errorf("orchestrator: tool %q not in exposed set: %w", call.Name, catalog.ErrUnknownTool)
		e.logger.Warn("model proposed unexposed tool",
			"tool", call.Name, "suggestion", rec.Suggestion)
		return rec
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		rec.Outcome = catalog.OutcomeValidationError
		rec.Err = fmt.Errorf("orchestrator: tool %q arguments: %w: %w", call.Name, catalog.ErrValidation, err)
		return rec
	}
	args[catalog.ArgTierCeiling] = catalog.ClampTier(tierCeiling)
	rec.Args = args

	exec := e.catalog.Execute(ctx, call.Name, args)
	rec.Outcome = exec.Outcome
	rec.Result = exec.Result
	rec.Err = exec.Err
	return rec
}

// decodeArgs parses the model's JSON argument string. Empty means no
// arguments, which is valid.
func decodeArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// selectionStatus maps a selection error to its terminal status. The second
// return is false for errors the engine must propagate (cancellation,
// programmer errors).
func selectionStatus(err error) (Status, bool) {
	switch {
	case errors.Is(err, selection.ErrEmbeddingDisabled):
		return StatusEmbeddingDisabled, true
	case errors.Is(err, selection.ErrIndexNotReady):
		return StatusIndexNotReady, true
	case errors.Is(err, selection.ErrNoCandidates):
		return StatusNoCandidates, true
	default:
		return "", false
	}
}

// lastUserContent returns the content of the latest user-role message, or
// the last message's content when no user message exists.
func lastUserContent(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return messages[len(messages)-1].Content
}
