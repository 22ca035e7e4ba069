// Package catalog holds the immutable set of callable tool descriptors, the
// name→handler dispatch table, and the capability gate that decides per call
// whether a tool is open to a given caller.
//
// A Catalog is populated once at start-up through explicit registrations
// (builtin Go handlers and imported MCP server tools), then sealed. After
// sealing it is read-mostly: lookups and executions take a read lock only.
//
// Typical usage:
//
//	cat := catalog.New(catalog.WithOverrides("roll"))
//	err := cat.Register(desc, handler)
//	cat.Seal()
//
//	open := cat.ListAll(2)                       // tier-gated descriptors
//	exec := cat.Execute(ctx, "roll", args)       // outcome-classified call
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mirefall/quartermaster/pkg/types"
)

// Tier bounds for capability gating. Every tier and caller ceiling is clamped
// into this range; an unset (zero) ceiling clamps to TierMin, the most
// restrictive level.
const (
	TierMin = 1
	TierMax = 3
)

// ArgTierCeiling is the reserved argument key under which the engine passes
// the caller's clamped tier ceiling to every handler. Underscore-prefixed
// keys are stripped before arguments leave the process (e.g. to MCP servers).
const ArgTierCeiling = "_tier_ceiling"

// ClampTier clamps t into [TierMin, TierMax]. Values below TierMin (including
// the zero value of an unset ceiling) clamp to TierMin.
func ClampTier(t int) int {
	if t < TierMin {
		return TierMin
	}
	if t > TierMax {
		return TierMax
	}
	return t
}

// Handler executes a tool with decoded arguments and returns an opaque result
// payload. Implementations must be safe for concurrent use and must respect
// context cancellation. Errors should wrap one of the outcome sentinels
// (ErrValidation, ErrUnavailable, ErrRateLimited) where applicable; anything
// else classifies as an exception.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Descriptor is the identity of a callable tool. Immutable after registration.
type Descriptor struct {
	// Definition is the LLM-facing schema: name, description, parameters.
	Definition types.ToolDefinition

	// Tier is the capability level (1..3) a caller's ceiling must reach for
	// the tool to be listed. Out-of-range values are clamped on registration.
	Tier int

	// Prerequisites is the ordered set of external capability identifiers
	// that must all be satisfied before the tool is exposed. Empty means
	// unconditional.
	Prerequisites []string
}

// Name returns the tool's unique name.
func (d Descriptor) Name() string { return d.Definition.Name }

// entry pairs a descriptor with its handler and registration order.
type entry struct {
	desc    Descriptor
	handler Handler
	order   int
}

// Catalog is the registry of tool descriptors plus the dispatch table.
//
// All exported methods are safe for concurrent use. Registration is only
// permitted before Seal; afterwards the catalog is read-only.
type Catalog struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	order     []string // names in registration order
	overrides map[string]bool
	sealed    bool

	logger *slog.Logger
}

// Option configures a Catalog during construction.
type Option func(*Catalog)

// WithOverrides declares tool names whose registrations may replace an
// existing entry. For these names the last registration wins and the conflict
// is logged; for all other names a duplicate registration fails with
// ErrDuplicateTool.
func WithOverrides(names ...string) Option {
	return func(c *Catalog) {
		for _, n := range names {
			c.overrides[n] = true
		}
	}
}

// WithLogger sets the logger used for registration conflicts and execution
// faults. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		c.logger = l
	}
}

// New creates an empty Catalog ready for registration.
func New(opts ...Option) *Catalog {
	c := &Catalog{
		entries:   make(map[string]*entry),
		overrides: make(map[string]bool),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a tool to the catalog. The descriptor's name must be unique;
// a repeat registration fails with ErrDuplicateTool unless the name is in the
// override table, in which case the new registration replaces the old one and
// the conflict is logged. Tier is clamped to [TierMin, TierMax].
//
// Register fails after Seal has been called.
func (c *Catalog) Register(desc Descriptor, handler Handler) error {
	name := desc.Name()
	if name == "" {
		return fmt.Errorf("catalog: descriptor must have a non-empty name")
	}
	if handler == nil {
		return fmt.Errorf("catalog: tool %q must have a non-nil handler", name)
	}
	desc.Tier = ClampTier(desc.Tier)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return fmt.Errorf("catalog: register %q: catalog is sealed", name)
	}

	if old, exists := c.entries[name]; exists {
		if !c.overrides[name] {
			return fmt.Errorf("catalog: register %q: %w", name, ErrDuplicateTool)
		}
		c.logger.Warn("tool registration conflict, override wins",
			"tool", name,
			"previous_tier", old.desc.Tier,
			"new_tier", desc.Tier,
		)
		// Replacement keeps the original registration order so tie-break
		// behaviour stays stable across overrides.
		c.entries[name] = &entry{desc: desc, handler: handler, order: old.order}
		return nil
	}

	c.entries[name] = &entry{desc: desc, handler: handler, order: len(c.order)}
	c.order = append(c.order, name)
	return nil
}

// Seal marks the catalog read-only. Call once start-up registration is
// complete; later Register calls fail.
func (c *Catalog) Seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
}

// ListAll returns the descriptors with Tier ≤ clamp(tierCeiling) in
// registration order. An unset (zero) ceiling lists only TierMin tools.
func (c *Catalog) ListAll(tierCeiling int) []Descriptor {
	ceiling := ClampTier(tierCeiling)

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Descriptor, 0, len(c.order))
	for _, name := range c.order {
		e := c.entries[name]
		if e.desc.Tier <= ceiling {
			out = append(out, e.desc)
		}
	}
	return out
}

// Descriptors returns every registered descriptor in registration order,
// regardless of tier. Used by the index builder, which embeds the full
// catalog so one snapshot serves all callers.
func (c *Catalog) Descriptors() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Descriptor, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.entries[name].desc)
	}
	return out
}

// Lookup returns the descriptor registered under name.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Len returns the number of registered tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Execution is the classified result of one tool call.
type Execution struct {
	// Outcome is the taxonomy bucket for this call.
	Outcome Outcome

	// Result is the handler's opaque payload. Set only on OutcomeSuccess.
	Result any

	// Err is the diagnostic error behind a non-success outcome. Never set on
	// success; safe to log but not meant for the model.
	Err error
}

// Execute looks up the handler for name and invokes it with args. The handler
// runs in its own goroutine so a misbehaving handler cannot block the caller
// past ctx: on cancellation Execute returns an OutcomeTimeout execution and
// the handler goroutine is left to drain in the background.
//
// Handler panics are recovered and classified as OutcomeException. An
// unregistered name yields OutcomeInvalidName with ErrUnknownTool.
func (c *Catalog) Execute(ctx context.Context, name string, args map[string]any) Execution {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()

	if !ok {
		return Execution{
			Outcome: OutcomeInvalidName,
			Err:     fmt.Errorf("catalog: execute %q: %w", name, ErrUnknownTool),
		}
	}

	type handlerResult struct {
		value any
		err   error
	}
	done := make(chan handlerResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("catalog: tool %q panicked: %v", name, r)}
			}
		}()
		value, err := e.handler(ctx, args)
		done <- handlerResult{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return Execution{
			Outcome: OutcomeTimeout,
			Err:     fmt.Errorf("catalog: execute %q: %w", name, ctx.Err()),
		}
	case res := <-done:
		outcome := classify(ctx, res.err)
		if outcome == OutcomeSuccess {
			return Execution{Outcome: OutcomeSuccess, Result: res.value}
		}
		c.logger.Debug("tool execution fault",
			"tool", name,
			"outcome", outcome.String(),
			"err", res.err,
		)
		return Execution{
			Outcome: outcome,
			Err:     fmt.Errorf("catalog: execute %q: %w", name, res.err),
		}
	}
}
