package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	"github.com/mirefall/quartermaster/internal/catalog"
	"github.com/mirefall/quartermaster/internal/config"
	"github.com/mirefall/quartermaster/internal/orchestrator"
	"github.com/mirefall/quartermaster/internal/selection"
	"github.com/mirefall/quartermaster/pkg/types"
)

// orchestrateRequest is the JSON body of POST /v1/orchestrate.
type orchestrateRequest struct {
	// Messages is the conversation history. Required.
	Messages []apiMessage `json:"messages"`

	// Query overrides the ranked text; empty means the last user message.
	Query string `json:"query"`

	// Mode overrides the configured default selection strategy.
	Mode string `json:"mode"`

	// TierCeiling is the caller's capability ceiling (1..3). Zero means the
	// most restrictive tier.
	TierCeiling int `json:"tier_ceiling"`

	// Prerequisites lists the capability identifiers this caller has
	// satisfied. Tools gated on anything else stay closed.
	Prerequisites []string `json:"prerequisites"`

	// TopK, MinScore, and MaxCalls override the configured defaults.
	TopK     int      `json:"top_k"`
	MinScore *float64 `json:"min_score"`
	MaxCalls int      `json:"max_calls"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// orchestrateResponse is the JSON body returned by POST /v1/orchestrate.
type orchestrateResponse struct {
	Status     string         `json:"status"`
	Mode       string         `json:"mode"`
	Exposed    []string       `json:"exposed,omitempty"`
	Degraded   bool           `json:"degraded,omitempty"`
	Content    string         `json:"content,omitempty"`
	Executions []apiExecution `json:"executions,omitempty"`
	Truncated  int            `json:"truncated,omitempty"`
	Error      string         `json:"error,omitempty"`

	TotalLatencyMs int64 `json:"total_latency_ms"`
}

type apiExecution struct {
	CallID     string `json:"call_id,omitempty"`
	Tool       string `json:"tool"`
	Outcome    string `json:"outcome"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
}

// orchestrateHandler adapts the engine to the HTTP API. Request defaults
// fall back to the configured selection block.
func orchestrateHandler(engine *orchestrator.Engine, defaults *config.SelectionConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body orchestrateRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(body.Messages) == 0 {
			http.Error(w, "messages must not be empty", http.StatusBadRequest)
			return
		}

		messages := make([]types.Message, len(body.Messages))
		for i, m := range body.Messages {
			messages[i] = types.Message{Role: m.Role, Content: m.Content}
		}

		req := orchestrator.Request{
			Messages:    messages,
			Query:       body.Query,
			Mode:        selection.Mode(body.Mode),
			TierCeiling: body.TierCeiling,
			Checker:     staticChecker(body.Prerequisites),
			TopK:        body.TopK,
			MinScore:    body.MinScore,
			MaxCalls:    body.MaxCalls,
		}
		if req.TopK == 0 {
			req.TopK = defaults.TopK
		}
		if req.MinScore == nil {
			req.MinScore = defaults.MinScore
		}
		if req.MaxCalls == 0 {
			req.MaxCalls = defaults.MaxCalls
		}
		if body.Mode != "" && !req.Mode.IsValid() {
			http.Error(w, "unknown selection mode: "+body.Mode, http.StatusBadRequest)
			return
		}

		res, err := engine.Run(r.Context(), req)
		if err != nil {
			slog.Error("orchestration failed", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(toAPIResponse(res)); err != nil {
			slog.Warn("response encode error", "err", err)
		}
	})
}

// staticChecker satisfies exactly the prerequisites the caller asserted.
func staticChecker(satisfied []string) catalog.PrerequisiteChecker {
	return catalog.PrerequisiteCheckerFunc(func(_ context.Context, id string) (bool, error) {
		return slices.Contains(satisfied, id), nil
	})
}

func toAPIResponse(res *orchestrator.Result) orchestrateResponse {
	out := orchestrateResponse{
		Status:         res.Status.String(),
		Mode:           string(res.Mode),
		Exposed:        res.Exposed,
		Degraded:       res.Degraded,
		Content:        res.Content,
		Truncated:      res.Truncated,
		TotalLatencyMs: res.TotalLatency.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	for _, rec := range res.Executions {
		e := apiExecution{
			CallID:     rec.CallID,
			Tool:       rec.Tool,
			Outcome:    rec.Outcome.String(),
			Result:     rec.Result,
			Suggestion: rec.Suggestion,
			LatencyMs:  rec.Latency.Milliseconds(),
		}
		if rec.Err != nil {
			e.Error = rec.Err.Error()
		}
		out.Executions = append(out.Executions, e)
	}
	return out
}
