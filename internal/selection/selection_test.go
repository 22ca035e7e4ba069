package selection

import (
	"context"
	"errors"
	"testing"

	"github.com/mirefall/quartermaster/internal/catalog"
	"github.com/mirefall/quartermaster/internal/semindex"
	embedmock "github.com/mirefall/quartermaster/pkg/provider/embeddings/mock"
	"github.com/mirefall/quartermaster/pkg/types"
)

// fixture builds a three-tool catalog plus an index manager whose mock
// embeddings give the query "find alpha" a perfect match on tool alpha,
// nothing on the others:
//
//	alpha — tier 1, unconditional
//	beta  — tier 1, unconditional
//	gamma — tier 2, gated on "quest:done"
type fixture struct {
	cat      *catalog.Catalog
	gate     *catalog.Gate
	index    *semindex.Manager
	provider *embedmock.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cat := catalog.New()
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	for _, reg := range []struct {
		name    string
		tier    int
		prereqs []string
	}{
		{"alpha", 1, nil},
		{"beta", 1, nil},
		{"gamma", 2, []string{"quest:done"}},
	} {
		desc := catalog.Descriptor{
			Definition:    types.ToolDefinition{Name: reg.name},
			Tier:          reg.tier,
			Prerequisites: reg.prereqs,
		}
		if err := cat.Register(desc, noop); err != nil {
			t.Fatalf("Register %s: %v", reg.name, err)
		}
	}
	cat.Seal()

	provider := embedmock.New(3)
	provider.Fixed = map[string][]float32{
		"alpha":      {1, 0, 0},
		"beta":       {0, 1, 0},
		"gamma":      {0, 0, 1},
		"find alpha": {1, 0, 0},
	}
	index := semindex.NewManager(provider, "mock", nil, cat,
		semindex.WithWeights(semindex.Weights{Name: 1}),
	)

	return &fixture{cat: cat, gate: &catalog.Gate{}, index: index, provider: provider}
}

// allSatisfied answers yes to every prerequisite.
var allSatisfied = catalog.PrerequisiteCheckerFunc(func(context.Context, string) (bool, error) {
	return true, nil
})

func TestSelect_ExposeAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewSelector(f.cat, f.gate, f.index)

	res, err := s.Select(context.Background(), ModeExposeAll, "", 3, allSatisfied, Options{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	if !equalStrings(res.ExposedNames(), want) {
		t.Errorf("Exposed = %v, want %v", res.ExposedNames(), want)
	}
	// Expose-all never embeds anything.
	if len(f.provider.EmbedTexts) != 0 {
		t.Errorf("expose_all embedded %d texts", len(f.provider.EmbedTexts))
	}
}

func TestSelect_ExposeAllGatesBeforeExposure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewSelector(f.cat, f.gate, f.index)

	// Tier ceiling 1 drops gamma; nil checker would drop it anyway.
	res, err := s.Select(context.Background(), ModeExposeAll, "", 1, nil, Options{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !equalStrings(res.ExposedNames(), []string{"alpha", "beta"}) {
		t.Errorf("Exposed = %v, want tier-gated [alpha beta]", res.ExposedNames())
	}
}

func TestSelect_ExposeAllEmptyCatalogFails(t *testing.T) {
	t.Parallel()
	empty := catalog.New()
	empty.Seal()
	s := NewSelector(empty, &catalog.Gate{}, nil)

	_, err := s.Select(context.Background(), ModeExposeAll, "", 3, nil, Options{})
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("Select on empty catalog = %v, want ErrNoCandidates", err)
	}
}

func TestSelect_NarrowTopK(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewSelector(f.cat, f.gate, f.index)

	res, err := s.Select(context.Background(), ModeNarrowTopK, "find alpha", 3, allSatisfied, Options{TopK: 2})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(res.Exposed) != 2 {
		t.Fatalf("Exposed %d tools, want 2", len(res.Exposed))
	}
	if res.Exposed[0].Name() != "alpha" {
		t.Errorf("top candidate = %s, want alpha", res.Exposed[0].Name())
	}
	if len(res.Scores) != 2 || res.Scores[0].Score < 0.99 {
		t.Errorf("Scores = %v, want alpha ≈1 first", res.Scores)
	}
}

func TestSelect_NarrowTopKUnreachableFloorIsEmptyNotError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewSelector(f.cat, f.gate, f.index)

	floor := 1.1
	res, err := s.Select(context.Background(), ModeNarrowTopK, "find alpha", 3, allSatisfied, Options{MinScore: &floor})
	if err != nil {
		t.Fatalf("Select with unreachable floor: %v", err)
	}
	if len(res.Exposed) != 0 {
		t.Errorf("Exposed = %v, want empty list", res.ExposedNames())
	}
}

func TestSelect_NarrowTopKWithoutIndexFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewSelector(f.cat, f.gate, nil)

	_, err := s.Select(context.Background(), ModeNarrowTopK, "find alpha", 3, allSatisfied, Options{})
	if !errors.Is(err, ErrEmbeddingDisabled) {
		t.Errorf("Select without index = %v, want ErrEmbeddingDisabled", err)
	}
}

func TestSelect_NarrowTopKIndexFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.provider.Err = errors.New("endpoint down")
	s := NewSelector(f.cat, f.gate, f.index)

	_, err := s.Select(context.Background(), ModeNarrowTopK, "find alpha", 3, allSatisfied, Options{})
	if !errors.Is(err, ErrIndexNotReady) {
		t.Errorf("Select with failing provider = %v, want ErrIndexNotReady", err)
	}
}

func TestSelect_FastTop1(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewSelector(f.cat, f.gate, f.index)

	res, err := s.Select(context.Background(), ModeFastTop1, "find alpha", 3, allSatisfied, Options{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !equalStrings(res.ExposedNames(), []string{"alpha"}) {
		t.Errorf("Exposed = %v, want exactly [alpha]", res.ExposedNames())
	}
}

func TestSelect_FastTop1BelowThresholdRefuses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// The best match scores ≈1; an impossible threshold forces refusal.
	s := NewSelector(f.cat, f.gate, f.index, WithThresholds(1.01, 1.01))

	_, err := s.Select(context.Background(), ModeFastTop1, "find alpha", 3, allSatisfied, Options{})
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("Select below threshold = %v, want ErrNoCandidates", err)
	}
}

func TestSelect_LightningTakesTopMatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewSelector(f.cat, f.gate, f.index)

	res, err := s.Select(context.Background(), ModeLightning, "find alpha", 3, allSatisfied, Options{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !equalStrings(res.ExposedNames(), []string{"alpha"}) {
		t.Errorf("Exposed = %v, want [alpha]", res.ExposedNames())
	}
	if res.Degraded {
		t.Error("usable ranking must not be marked degraded")
	}
}

func TestSelect_LightningFallsBackWithoutIndex(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewSelector(f.cat, f.gate, nil)

	res, err := s.Select(context.Background(), ModeLightning, "anything", 3, allSatisfied, Options{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !equalStrings(res.ExposedNames(), []string{"alpha"}) {
		t.Errorf("fallback Exposed = %v, want first gated entry [alpha]", res.ExposedNames())
	}
	if !res.Degraded {
		t.Error("fallback must be marked degraded")
	}
}

func TestSelect_LightningNeverRefusesOnDegenerateVectors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.provider.Fixed = nil
	f.provider.ZeroVectors = true
	s := NewSelector(f.cat, f.gate, f.index)

	res, err := s.Select(context.Background(), ModeLightning, "anything", 3, allSatisfied, Options{})
	if err != nil {
		t.Fatalf("Select with zero vectors: %v", err)
	}
	// All scores are 0; the stable sort keeps registration order, so the
	// first registered tool is still exposed deterministically.
	if !equalStrings(res.ExposedNames(), []string{"alpha"}) {
		t.Errorf("Exposed = %v, want [alpha]", res.ExposedNames())
	}
}

func TestSelect_LightningEmptyCatalogFails(t *testing.T) {
	t.Parallel()
	empty := catalog.New()
	empty.Seal()
	s := NewSelector(empty, &catalog.Gate{}, nil)

	_, err := s.Select(context.Background(), ModeLightning, "anything", 3, nil, Options{})
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("lightning on empty catalog = %v, want ErrNoCandidates", err)
	}
}

func TestSelect_AdaptiveShortCircuitsOnConfidence(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewSelector(f.cat, f.gate, f.index, WithThresholds(0.5, 0.9))

	res, err := s.Select(context.Background(), ModeAdaptive, "find alpha", 3, allSatisfied, Options{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !equalStrings(res.ExposedNames(), []string{"alpha"}) {
		t.Errorf("Exposed = %v, want confident single [alpha]", res.ExposedNames())
	}
	if res.Degraded {
		t.Error("confident adaptive must not be marked degraded")
	}
}

func TestSelect_AdaptiveDegradesToNarrowTopK(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// Perfect match still below an impossible adaptive bar → top-k fallback.
	s := NewSelector(f.cat, f.gate, f.index, WithThresholds(0.5, 1.01))

	res, err := s.Select(context.Background(), ModeAdaptive, "find alpha", 3, allSatisfied, Options{TopK: 2})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.Mode != ModeAdaptive {
		t.Errorf("Mode = %s, want adaptive", res.Mode)
	}
	if !res.Degraded {
		t.Error("degraded adaptive must set Degraded")
	}
	if len(res.Exposed) != 2 || res.Exposed[0].Name() != "alpha" {
		t.Errorf("Exposed = %v, want top-2 led by alpha", res.ExposedNames())
	}
}

func TestSelect_UnknownModeFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s := NewSelector(f.cat, f.gate, f.index)

	if _, err := s.Select(context.Background(), Mode("turbo"), "", 3, nil, Options{}); err == nil {
		t.Error("Select with unknown mode expected error")
	}
}

func TestModeIsValid(t *testing.T) {
	t.Parallel()
	for _, m := range []Mode{ModeExposeAll, ModeNarrowTopK, ModeFastTop1, ModeLightning, ModeAdaptive} {
		if !m.IsValid() {
			t.Errorf("%s.IsValid() = false", m)
		}
	}
	for _, m := range []Mode{"", "turbo", "narrow-top-k"} {
		if m.IsValid() {
			t.Errorf("%q.IsValid() = true", m)
		}
	}
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
