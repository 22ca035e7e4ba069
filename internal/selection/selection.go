// Package selection implements the four tool-exposure strategies that turn a
// request query plus the gated catalog into a bounded candidate list.
//
// Mode priority of cost versus recall, cheapest first:
//
//  1. ModeLightning — top-1 that never refuses; falls back to the first
//     gated catalog entry when ranking is unusable.
//  2. ModeFastTop1  — strict top-1; refuses below the confidence threshold.
//  3. ModeNarrowTopK — top-K semantic ranking above an optional floor.
//  4. ModeExposeAll — the whole gated catalog, no embedding query.
//
// ModeAdaptive combines 2 and 3: a confident top-1 short-circuits to a
// single exposure, anything ambiguous degrades to Narrow-Top-K.
//
// Every mode applies the capability gate before ranking, never after: a tool
// the caller cannot use must never consume ranking budget or appear in the
// exposed list.
package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mirefall/quartermaster/internal/catalog"
	"github.com/mirefall/quartermaster/internal/semindex"
)

// Mode selects which exposure strategy runs for a request.
type Mode string

const (
	// ModeExposeAll returns the entire gated catalog as candidates.
	ModeExposeAll Mode = "expose_all"

	// ModeNarrowTopK ranks the gated catalog and exposes the top K.
	ModeNarrowTopK Mode = "narrow_top_k"

	// ModeFastTop1 exposes the single best tool, or nothing below threshold.
	ModeFastTop1 Mode = "fast_top1"

	// ModeLightning exposes the single best tool and never refuses: an
	// unusable ranking deterministically falls back to the first gated
	// catalog entry, trading precision for guaranteed latency.
	ModeLightning Mode = "lightning"

	// ModeAdaptive short-circuits to a confident single exposure or degrades
	// to ModeNarrowTopK for ambiguous queries.
	ModeAdaptive Mode = "adaptive"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeExposeAll, ModeNarrowTopK, ModeFastTop1, ModeLightning, ModeAdaptive:
		return true
	}
	return false
}

// Selection-level errors. These are distinct, terminal states of the engine:
// they must never be confused with "no relevant tool found" nor silently
// converted into an Expose-All fallback.
var (
	// ErrEmbeddingDisabled means a ranking mode ran without an index manager.
	ErrEmbeddingDisabled = errors.New("embedding subsystem disabled")

	// ErrIndexNotReady means the index could not be built or queried.
	ErrIndexNotReady = errors.New("tool index not ready")

	// ErrNoCandidates means the mode could not produce any candidate.
	ErrNoCandidates = errors.New("no candidate tools")
)

// Default numeric parameters, overridable per Selector.
const (
	// DefaultTopK bounds Narrow-Top-K exposure when the caller sets none.
	DefaultTopK = 5

	// DefaultTop1Threshold is the minimum score FastTop1 accepts.
	DefaultTop1Threshold = 0.55

	// DefaultAdaptiveThreshold is the higher confidence bar Adaptive needs
	// to short-circuit to a single exposure.
	DefaultAdaptiveThreshold = 0.75
)

// Result is the output of one strategy invocation.
type Result struct {
	// Mode is the strategy that actually ran.
	Mode Mode

	// Exposed is the ordered descriptor list presented to the model.
	Exposed []catalog.Descriptor

	// Scores holds the ranked name→similarity pairs, when ranking ran.
	Scores []semindex.ScoredTool

	// Degraded is true when a preferred mode fell back to a safer one
	// (Adaptive to Narrow-Top-K, Lightning to first-entry).
	Degraded bool
}

// ExposedNames returns the names of the exposed descriptors in order.
func (r *Result) ExposedNames() []string {
	names := make([]string, len(r.Exposed))
	for i, d := range r.Exposed {
		names[i] = d.Name()
	}
	return names
}

// Options carries per-request tuning for ranking modes.
type Options struct {
	// TopK bounds Narrow-Top-K exposure. Zero means DefaultTopK.
	TopK int

	// MinScore filters Narrow-Top-K candidates below the floor. Nil means
	// no floor: the top K are exposed regardless of absolute score.
	MinScore *float64
}

// Selector runs the exposure strategies over a catalog, gate, and index
// manager. A nil index manager disables all ranking modes: they fail with
// ErrEmbeddingDisabled (Lightning falls back instead).
//
// All methods are safe for concurrent use.
type Selector struct {
	catalog *catalog.Catalog
	gate    *catalog.Gate
	index   *semindex.Manager
	logger  *slog.Logger

	top1Threshold     float64
	adaptiveThreshold float64
}

// SelectorOption configures a Selector during construction.
type SelectorOption func(*Selector)

// WithThresholds overrides the FastTop1 and Adaptive confidence thresholds.
func WithThresholds(top1, adaptive float64) SelectorOption {
	return func(s *Selector) {
		s.top1Threshold = top1
		s.adaptiveThreshold = adaptive
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = l
	}
}

// NewSelector creates a Selector. index may be nil when embeddings are
// disabled by configuration.
func NewSelector(cat *catalog.Catalog, gate *catalog.Gate, index *semindex.Manager, opts ...SelectorOption) *Selector {
	s := &Selector{
		catalog:           cat,
		gate:              gate,
		index:             index,
		logger:            slog.Default(),
		top1Threshold:     DefaultTop1Threshold,
		adaptiveThreshold: DefaultAdaptiveThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select runs mode over the catalog gated for tierCeiling and checker.
//
// The returned Result is nil exactly when the error is non-nil. A successful
// Narrow-Top-K with zero survivors (e.g. a min-score floor above every
// similarity) returns an empty Exposed list, not an error — the caller
// distinguishes "nothing relevant" from "mode could not run".
func (s *Selector) Select(ctx context.Context, mode Mode, query string, tierCeiling int, checker catalog.PrerequisiteChecker, opts Options) (*Result, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("selection: unknown mode %q", mode)
	}

	gated, err := s.gate.Filter(ctx, s.catalog.ListAll(tierCeiling), checker)
	if err != nil {
		return nil, fmt.Errorf("selection: %w", err)
	}

	switch mode {
	case ModeExposeAll:
		return s.exposeAll(gated)
	case ModeNarrowTopK:
		return s.narrowTopK(ctx, query, gated, opts)
	case ModeFastTop1:
		return s.fastTop1(ctx, query, gated)
	case ModeLightning:
		return s.lightning(ctx, query, gated)
	case ModeAdaptive:
		return s.adaptive(ctx, query, gated, opts)
	}
	return nil, fmt.Errorf("selection: unknown mode %q", mode)
}

// exposeAll returns the whole gated catalog. Always succeeds when non-empty.
func (s *Selector) exposeAll(gated []catalog.Descriptor) (*Result, error) {
	if len(gated) == 0 {
		return nil, fmt.Errorf("selection: expose-all: %w", ErrNoCandidates)
	}
	return &Result{Mode: ModeExposeAll, Exposed: gated}, nil
}

// rank embeds query and ranks the gated subset. Ranking failures map to the
// distinct selection errors so callers never mistake them for "no match".
func (s *Selector) rank(ctx context.Context, query string, gated []catalog.Descriptor, topK int, minScore *float64) ([]semindex.ScoredTool, error) {
	if s.index == nil {
		return nil, ErrEmbeddingDisabled
	}
	names := make([]string, len(gated))
	for i, d := range gated {
		names[i] = d.Name()
	}
	scores, err := s.index.Rank(ctx, query, names, topK, minScore)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexNotReady, err)
	}
	return scores, nil
}

// narrowTopK exposes up to TopK tools above the optional MinScore floor.
func (s *Selector) narrowTopK(ctx context.Context, query string, gated []catalog.Descriptor, opts Options) (*Result, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	scores, err := s.rank(ctx, query, gated, topK, opts.MinScore)
	if err != nil {
		return nil, fmt.Errorf("selection: narrow-top-k: %w", err)
	}

	return &Result{
		Mode:    ModeNarrowTopK,
		Exposed: s.resolve(gated, scores),
		Scores:  scores,
	}, nil
}

// fastTop1 exposes the single best tool if it clears the threshold.
func (s *Selector) fastTop1(ctx context.Context, query string, gated []catalog.Descriptor) (*Result, error) {
	scores, err := s.rank(ctx, query, gated, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("selection: fast-top1: %w", err)
	}
	if len(scores) == 0 || scores[0].Score < s.top1Threshold {
		return nil, fmt.Errorf("selection: fast-top1: %w", ErrNoCandidates)
	}

	return &Result{
		Mode:    ModeFastTop1,
		Exposed: s.resolve(gated, scores[:1]),
		Scores:  scores[:1],
	}, nil
}

// lightning exposes the single best tool and never refuses for a non-empty
// gated catalog: an unusable ranking (embeddings disabled, index failure,
// degenerate vectors producing no scores) deterministically falls back to
// the first gated entry.
func (s *Selector) lightning(ctx context.Context, query string, gated []catalog.Descriptor) (*Result, error) {
	if len(gated) == 0 {
		return nil, fmt.Errorf("selection: lightning: %w", ErrNoCandidates)
	}

	scores, err := s.rank(ctx, query, gated, 1, nil)
	if err != nil || len(scores) == 0 {
		if err != nil {
			s.logger.Warn("lightning ranking unusable, falling back to first catalog entry",
				"tool", gated[0].Name(), "err", err)
		}
		return &Result{
			Mode:     ModeLightning,
			Exposed:  gated[:1],
			Degraded: true,
		}, nil
	}

	return &Result{
		Mode:    ModeLightning,
		Exposed: s.resolve(gated, scores[:1]),
		Scores:  scores[:1],
	}, nil
}

// adaptive short-circuits to a single confident exposure or degrades to
// narrow-top-k, bounding cost for confident queries while preserving recall
// for ambiguous ones.
func (s *Selector) adaptive(ctx context.Context, query string, gated []catalog.Descriptor, opts Options) (*Result, error) {
	scores, err := s.rank(ctx, query, gated, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("selection: adaptive: %w", err)
	}

	if len(scores) > 0 && scores[0].Score >= s.adaptiveThreshold {
		return &Result{
			Mode:    ModeAdaptive,
			Exposed: s.resolve(gated, scores[:1]),
			Scores:  scores[:1],
		}, nil
	}

	res, err := s.narrowTopK(ctx, query, gated, opts)
	if err != nil {
		return nil, fmt.Errorf("selection: adaptive: %w", err)
	}
	res.Mode = ModeAdaptive
	res.Degraded = true
	return res, nil
}

// resolve maps ranked names back to their gated descriptors, preserving the
// ranked order.
func (s *Selector) resolve(gated []catalog.Descriptor, scores []semindex.ScoredTool) []catalog.Descriptor {
	byName := make(map[string]catalog.Descriptor, len(gated))
	for _, d := range gated {
		byName[d.Name()] = d
	}
	out := make([]catalog.Descriptor, 0, len(scores))
	for _, sc := range scores {
		if d, ok := byName[sc.Name]; ok {
			out = append(out, d)
		}
	}
	return out
}
