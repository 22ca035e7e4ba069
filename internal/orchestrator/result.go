package orchestrator

import (
	"time"

	"github.com/mirefall/quartermaster/internal/catalog"
	"github.com/mirefall/quartermaster/internal/selection"
	"github.com/mirefall/quartermaster/internal/semindex"
	"github.com/mirefall/quartermaster/pkg/provider/llm"
)

// Status is the closed set of terminal engine states. Every Run ends in
// exactly one of these; callers switch on it rather than inspecting errors.
type Status string

const (
	// StatusOK means the decision round ran and every kept tool call was
	// dispatched. Individual call outcomes live in Executions and may still
	// be faults.
	StatusOK Status = "ok"

	// StatusNoToolCalls means the model answered directly without proposing
	// any tool call. Result.Content carries the answer.
	StatusNoToolCalls Status = "no_tool_calls"

	// StatusNoCandidates means selection produced no tool to expose. The
	// model is never consulted.
	StatusNoCandidates Status = "no_candidates"

	// StatusEmbeddingDisabled means a ranking mode ran with embeddings
	// disabled by configuration.
	StatusEmbeddingDisabled Status = "embedding_disabled"

	// StatusIndexNotReady means the embedding index could not be built or
	// queried.
	StatusIndexNotReady Status = "index_not_ready"

	// StatusDecisionFailed means the LLM decision round itself failed.
	StatusDecisionFailed Status = "decision_failed"
)

// String returns the wire/metric label for the status.
func (s Status) String() string { return string(s) }

// ExecutionRecord captures one dispatched tool call, in proposal order.
type ExecutionRecord struct {
	// CallID is the provider-assigned tool call identifier.
	CallID string

	// Tool is the proposed tool name, verbatim from the model.
	Tool string

	// Args is the decoded argument map passed to the handler, including the
	// injected tier ceiling. Nil when decoding failed or the name was not
	// exposed.
	Args map[string]any

	// Outcome classifies the call.
	Outcome catalog.Outcome

	// Result is the handler payload. Set only on success.
	Result any

	// Err is the diagnostic behind a non-success outcome. For invalid names
	// it may carry a nearest-match suggestion.
	Err error

	// Suggestion names the closest exposed tool when Outcome is invalid_name
	// and a plausible match exists. Empty otherwise.
	Suggestion string

	StartedAt time.Time
	Latency   time.Duration
}

// Result is the full account of one orchestration run.
type Result struct {
	// Status is the terminal state of the run.
	Status Status

	// Mode is the selection strategy that ran.
	Mode selection.Mode

	// Exposed lists the tool names offered to the model, in exposure order.
	Exposed []string

	// Scores holds the selection ranking, when ranking ran.
	Scores []semindex.ScoredTool

	// Degraded mirrors the selection result's degradation flag.
	Degraded bool

	// Content is the model's free-text answer, possibly empty.
	Content string

	// Executions records every kept tool call in proposal order. Calls
	// dropped by the per-request call budget never appear here.
	Executions []ExecutionRecord

	// Truncated is the number of proposed calls dropped by the call budget.
	Truncated int

	// Usage is the token accounting of the decision round, when it ran.
	Usage llm.Usage

	// Err is the diagnostic behind a non-OK status. Never set on StatusOK,
	// StatusNoToolCalls, or StatusNoCandidates reached through an empty
	// ranking.
	Err error

	SelectionLatency time.Duration
	DecisionLatency  time.Duration
	TotalLatency     time.Duration
}
