package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mirefall/quartermaster/internal/catalog"
	"github.com/mirefall/quartermaster/internal/selection"
	"github.com/mirefall/quartermaster/pkg/provider/llm"
	llmmock "github.com/mirefall/quartermaster/pkg/provider/llm/mock"
	"github.com/mirefall/quartermaster/pkg/types"
)

// recordingHandler captures every invocation so tests can assert what was
// (and was not) executed.
type recordingHandler struct {
	mu    sync.Mutex
	calls []map[string]any
	out   any
	err   error
}

func (h *recordingHandler) handle(_ context.Context, args map[string]any) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, args)
	return h.out, h.err
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *recordingHandler) lastArgs() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.calls) == 0 {
		return nil
	}
	return h.calls[len(h.calls)-1]
}

// testEngine wires a catalog of recording tools behind an expose_all selector
// and a scripted model. Ranking modes are covered by the selection package;
// engine tests exercise the decision and dispatch phases.
func testEngine(t *testing.T, provider *llmmock.Provider, handlers map[string]*recordingHandler, tiers map[string]int) *Engine {
	t.Helper()

	cat := catalog.New()
	for name, h := range handlers {
		tier := tiers[name]
		if tier == 0 {
			tier = 1
		}
		desc := catalog.Descriptor{
			Definition: types.ToolDefinition{Name: name, Description: "test tool"},
			Tier:       tier,
		}
		if err := cat.Register(desc, h.handle); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	cat.Seal()

	selector := selection.NewSelector(cat, &catalog.Gate{}, nil)
	return NewEngine(cat, selector, provider, WithDefaultMode(selection.ModeExposeAll))
}

func userMessage(content string) []types.Message {
	return []types.Message{{Role: "user", Content: content}}
}

func TestRun_NoToolCalls(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Responses: []llm.CompletionResponse{
		{Content: "No tool needed, here is the answer."},
	}}
	h := &recordingHandler{}
	engine := testEngine(t, provider, map[string]*recordingHandler{"roll": h}, nil)

	res, err := engine.Run(context.Background(), Request{Messages: userMessage("hi")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusNoToolCalls {
		t.Errorf("Status = %s, want %s", res.Status, StatusNoToolCalls)
	}
	if res.Content != "No tool needed, here is the answer." {
		t.Errorf("Content = %q", res.Content)
	}
	if h.callCount() != 0 {
		t.Errorf("handler ran %d times on a no-tool-call response", h.callCount())
	}
}

func TestRun_DefaultCallBudgetTruncatesHead(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Responses: []llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{
			{ID: "c1", Name: "roll", Arguments: `{"n":1}`},
			{ID: "c2", Name: "roll", Arguments: `{"n":2}`},
			{ID: "c3", Name: "roll", Arguments: `{"n":3}`},
		}},
	}}
	h := &recordingHandler{out: "ok"}
	engine := testEngine(t, provider, map[string]*recordingHandler{"roll": h}, nil)

	res, err := engine.Run(context.Background(), Request{Messages: userMessage("roll thrice")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("Status = %s, want %s", res.Status, StatusOK)
	}
	// Default budget is one call: the head of the proposal list runs, the
	// dropped tail is counted but never recorded as an execution.
	if len(res.Executions) != 1 || res.Executions[0].CallID != "c1" {
		t.Errorf("Executions = %+v, want only c1", res.Executions)
	}
	if res.Truncated != 2 {
		t.Errorf("Truncated = %d, want 2", res.Truncated)
	}
	if h.callCount() != 1 {
		t.Errorf("handler ran %d times, want 1", h.callCount())
	}
}

func TestRun_UnboundedCallBudget(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Responses: []llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{
			{ID: "c1", Name: "roll", Arguments: `{}`},
			{ID: "c2", Name: "roll", Arguments: `{}`},
			{ID: "c3", Name: "roll", Arguments: `{}`},
		}},
	}}
	h := &recordingHandler{out: "ok"}
	engine := testEngine(t, provider, map[string]*recordingHandler{"roll": h}, nil)

	res, err := engine.Run(context.Background(), Request{
		Messages: userMessage("roll thrice"),
		MaxCalls: -1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Executions) != 3 || res.Truncated != 0 {
		t.Errorf("Executions = %d, Truncated = %d; want all 3 dispatched", len(res.Executions), res.Truncated)
	}
}

func TestRun_SiblingFaultsAreIndependent(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Responses: []llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{
			{ID: "c1", Name: "broken", Arguments: `{}`},
			{ID: "c2", Name: "roll", Arguments: `{}`},
		}},
	}}
	broken := &recordingHandler{err: errors.New("kaput")}
	ok := &recordingHandler{out: "fine"}
	engine := testEngine(t, provider, map[string]*recordingHandler{"broken": broken, "roll": ok}, nil)

	res, err := engine.Run(context.Background(), Request{
		Messages: userMessage("do both"),
		MaxCalls: 2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("Status = %s; a tool fault must not fail the run", res.Status)
	}
	if len(res.Executions) != 2 {
		t.Fatalf("Executions = %d, want 2", len(res.Executions))
	}
	if res.Executions[0].Outcome != catalog.OutcomeException {
		t.Errorf("first outcome = %s, want exception", res.Executions[0].Outcome)
	}
	if res.Executions[1].Outcome != catalog.OutcomeSuccess || res.Executions[1].Result != "fine" {
		t.Errorf("second execution = %+v, want success despite sibling fault", res.Executions[1])
	}
}

func TestRun_UnexposedProposalIsInvalidNameAndNeverExecuted(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Responses: []llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "c1", Name: "lore_lookup", Arguments: `{}`}}},
	}}
	// lore_lookup exists in the catalog at tier 2 but the caller's ceiling is
	// 1, so it is outside the exposed set.
	roll := &recordingHandler{out: "ok"}
	lore := &recordingHandler{out: "secret"}
	engine := testEngine(t, provider,
		map[string]*recordingHandler{"roll": roll, "lore_lookup": lore},
		map[string]int{"lore_lookup": 2},
	)

	res, err := engine.Run(context.Background(), Request{
		Messages:    userMessage("tell me lore"),
		TierCeiling: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Executions) != 1 {
		t.Fatalf("Executions = %d, want 1", len(res.Executions))
	}
	rec := res.Executions[0]
	if rec.Outcome != catalog.OutcomeInvalidName {
		t.Errorf("Outcome = %s, want invalid_name", rec.Outcome)
	}
	if lore.callCount() != 0 {
		t.Error("unexposed tool was executed")
	}
}

func TestRun_HallucinatedNameGetsSuggestion(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Responses: []llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "c1", Name: "rol", Arguments: `{}`}}},
	}}
	h := &recordingHandler{}
	engine := testEngine(t, provider, map[string]*recordingHandler{"roll": h}, nil)

	res, err := engine.Run(context.Background(), Request{Messages: userMessage("roll")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := res.Executions[0]
	if rec.Outcome != catalog.OutcomeInvalidName {
		t.Fatalf("Outcome = %s, want invalid_name", rec.Outcome)
	}
	if rec.Suggestion != "roll" {
		t.Errorf("Suggestion = %q, want %q", rec.Suggestion, "roll")
	}
	if h.callCount() != 0 {
		t.Error("misspelled proposal was executed")
	}
}

func TestRun_MalformedArgumentsAreValidationError(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Responses: []llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "c1", Name: "roll", Arguments: `{not json`}}},
	}}
	h := &recordingHandler{}
	engine := testEngine(t, provider, map[string]*recordingHandler{"roll": h}, nil)

	res, err := engine.Run(context.Background(), Request{Messages: userMessage("roll")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec := res.Executions[0]
	if rec.Outcome != catalog.OutcomeValidationError {
		t.Errorf("Outcome = %s, want validation_error", rec.Outcome)
	}
	if h.callCount() != 0 {
		t.Error("handler ran despite undecodable arguments")
	}
}

func TestRun_TierCeilingInjectedIntoArgs(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Responses: []llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "c1", Name: "roll", Arguments: `{"expression":"1d6"}`}}},
	}}
	h := &recordingHandler{out: "ok"}
	engine := testEngine(t, provider, map[string]*recordingHandler{"roll": h}, nil)

	_, err := engine.Run(context.Background(), Request{
		Messages:    userMessage("roll"),
		TierCeiling: 2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	args := h.lastArgs()
	if args == nil {
		t.Fatal("handler never ran")
	}
	if got := args[catalog.ArgTierCeiling]; got != 2 {
		t.Errorf("args[%s] = %v, want 2", catalog.ArgTierCeiling, got)
	}
	if got := args["expression"]; got != "1d6" {
		t.Errorf("model arguments lost: expression = %v", got)
	}
}

func TestRun_EmptyCatalogNeverConsultsModel(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{}
	engine := testEngine(t, provider, nil, nil)

	res, err := engine.Run(context.Background(), Request{Messages: userMessage("anything")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusNoCandidates {
		t.Errorf("Status = %s, want %s", res.Status, StatusNoCandidates)
	}
	if len(provider.Calls) != 0 {
		t.Errorf("model was consulted %d times with no candidates", len(provider.Calls))
	}
}

func TestRun_DecisionFailure(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Err: errors.New("model gateway 502")}
	h := &recordingHandler{}
	engine := testEngine(t, provider, map[string]*recordingHandler{"roll": h}, nil)

	res, err := engine.Run(context.Background(), Request{Messages: userMessage("roll")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusDecisionFailed {
		t.Errorf("Status = %s, want %s", res.Status, StatusDecisionFailed)
	}
	if res.Err == nil {
		t.Error("decision failure must carry a diagnostic error")
	}
}

func TestRun_ExposedToolsReachTheModel(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Responses: []llm.CompletionResponse{{Content: "ok"}}}
	h := &recordingHandler{}
	engine := testEngine(t, provider, map[string]*recordingHandler{"roll": h}, nil)

	_, err := engine.Run(context.Background(), Request{Messages: userMessage("roll")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(provider.Calls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(provider.Calls))
	}
	tools := provider.Calls[0].Req.Tools
	if len(tools) != 1 || tools[0].Name != "roll" {
		t.Errorf("model saw tools %v, want [roll]", tools)
	}
}

func TestRun_EmptyMessagesRejected(t *testing.T) {
	t.Parallel()
	engine := testEngine(t, &llmmock.Provider{}, nil, nil)
	if _, err := engine.Run(context.Background(), Request{}); err == nil {
		t.Error("Run with no messages expected error")
	}
}

func TestRun_ProgressPhases(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{Responses: []llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "c1", Name: "roll", Arguments: `{}`}}},
	}}
	h := &recordingHandler{out: "ok"}

	sink := &recordingSink{}
	cat := catalog.New()
	desc := catalog.Descriptor{Definition: types.ToolDefinition{Name: "roll"}, Tier: 1}
	if err := cat.Register(desc, h.handle); err != nil {
		t.Fatalf("Register: %v", err)
	}
	cat.Seal()
	selector := selection.NewSelector(cat, &catalog.Gate{}, nil)
	engine := NewEngine(cat, selector, provider,
		WithDefaultMode(selection.ModeExposeAll),
		WithProgress(sink),
	)

	if _, err := engine.Run(context.Background(), Request{Messages: userMessage("roll")}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"selected", "decided", "executed", "completed"}
	if !equalStrings(sink.phases, want) {
		t.Errorf("phases = %v, want %v", sink.phases, want)
	}
}

// recordingSink records the order of progress notifications.
type recordingSink struct {
	mu     sync.Mutex
	phases []string
}

func (s *recordingSink) ToolsSelected(string, []string, bool) { s.record("selected") }
func (s *recordingSink) ModelDecided(int, bool)               { s.record("decided") }
func (s *recordingSink) ToolExecuted(ExecutionRecord)         { s.record("executed") }
func (s *recordingSink) Completed(Status)                     { s.record("completed") }

func (s *recordingSink) record(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, phase)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
