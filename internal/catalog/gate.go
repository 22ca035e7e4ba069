package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// PrerequisiteChecker answers whether an external capability identifier is
// currently satisfied (e.g., a completed unlock in the game world). Checks
// are asynchronous and world state changes continuously, so results must
// never be cached across gating passes.
//
// Implementations must be safe for concurrent use.
type PrerequisiteChecker interface {
	IsSatisfied(ctx context.Context, prerequisiteID string) (bool, error)
}

// PrerequisiteCheckerFunc adapts a function to the PrerequisiteChecker interface.
type PrerequisiteCheckerFunc func(ctx context.Context, prerequisiteID string) (bool, error)

// IsSatisfied implements PrerequisiteChecker.
func (f PrerequisiteCheckerFunc) IsSatisfied(ctx context.Context, prerequisiteID string) (bool, error) {
	return f(ctx, prerequisiteID)
}

// defaultGateConcurrency bounds how many tools have their prerequisites
// checked at once during a Filter pass.
const defaultGateConcurrency = 8

// Gate evaluates per call whether a tool's prerequisites are satisfied.
// The zero value is ready for use with the default concurrency bound.
type Gate struct {
	// Concurrency bounds parallel per-tool checks in Filter. Zero or
	// negative means defaultGateConcurrency.
	Concurrency int

	// Logger receives per-tool closure diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

func (g *Gate) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Open reports whether every prerequisite of desc is satisfied. Prerequisites
// are checked in declared order and evaluation short-circuits on the first
// unmet one. A tool with no prerequisites is always open.
//
// A checker error closes the tool (fail-safe) and is returned for logging. A
// nil checker closes every tool that declares prerequisites.
func (g *Gate) Open(ctx context.Context, desc Descriptor, checker PrerequisiteChecker) (bool, error) {
	if len(desc.Prerequisites) == 0 {
		return true, nil
	}
	if checker == nil {
		return false, fmt.Errorf("gate: tool %q declares prerequisites but no checker is configured", desc.Name())
	}

	for _, id := range desc.Prerequisites {
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("gate: tool %q: %w", desc.Name(), err)
		}
		ok, err := checker.IsSatisfied(ctx, id)
		if err != nil {
			return false, fmt.Errorf("gate: tool %q prerequisite %q: %w", desc.Name(), id, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Filter runs one gating pass over descs and returns the open subset in the
// original order. Per-tool checks run concurrently (bounded by Concurrency)
// but the pass result is final only once every check has completed — partial
// or late results never leak into the returned snapshot.
//
// Tools whose checks error are excluded (fail-safe); Filter itself returns an
// error only when ctx is cancelled before the pass completes.
func (g *Gate) Filter(ctx context.Context, descs []Descriptor, checker PrerequisiteChecker) ([]Descriptor, error) {
	if len(descs) == 0 {
		return nil, nil
	}

	limit := g.Concurrency
	if limit <= 0 {
		limit = defaultGateConcurrency
	}

	open := make([]bool, len(descs))
	checkErrs := make([]error, len(descs))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(limit)

	for i, desc := range descs {
		grp.Go(func() error {
			ok, err := g.Open(grpCtx, desc, checker)
			open[i] = ok && err == nil
			checkErrs[i] = err
			// Check errors close the individual tool rather than failing the
			// pass; only context cancellation aborts everything.
			if grpCtx.Err() != nil {
				return grpCtx.Err()
			}
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, fmt.Errorf("gate: filter pass: %w", err)
	}

	out := make([]Descriptor, 0, len(descs))
	for i, desc := range descs {
		if open[i] {
			out = append(out, desc)
		} else if checkErrs[i] != nil {
			g.logger().Warn("prerequisite check failed, tool closed", "tool", desc.Name(), "err", checkErrs[i])
		}
	}
	return out, nil
}
