// Package mock provides a scripted test double for the llm.Provider interface.
//
// Responses are consumed in order, one per Complete call, so engine tests can
// script multi-request scenarios deterministically. When the script runs out,
// the last response repeats.
package mock

import (
	"context"
	"sync"

	"github.com/mirefall/quartermaster/pkg/provider/llm"
	"github.com/mirefall/quartermaster/pkg/types"
)

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Req is the request passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a scripted mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses is the script: Complete returns Responses[i] on the i-th
	// call. When exhausted, the final entry repeats. If empty, Complete
	// returns an empty response (no text, no tool calls).
	Responses []llm.CompletionResponse

	// Err, if non-nil, is returned by every Complete call instead of a
	// response.
	Err error

	// CapabilitiesValue is returned by Capabilities.
	CapabilitiesValue types.ModelCapabilities

	// Calls records every invocation of Complete in order.
	Calls []CompleteCall

	next int
}

// Complete implements llm.Provider by returning the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, CompleteCall{Req: req})

	if p.Err != nil {
		return nil, p.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.Responses) == 0 {
		return &llm.CompletionResponse{}, nil
	}

	idx := p.next
	if idx >= len(p.Responses) {
		idx = len(p.Responses) - 1
	}
	p.next++

	resp := p.Responses[idx]
	return &resp, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CapabilitiesValue
}

// Reset clears recorded calls and rewinds the script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.next = 0
}
