package semindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mirefall/quartermaster/internal/catalog"
	"github.com/mirefall/quartermaster/pkg/provider/embeddings"
)

// ErrEmbeddingUnavailable wraps failures of the embedding provider during a
// build or a query embed. A build failure leaves any previously valid
// snapshot untouched; falling back to it is the caller's decision.
var ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

// DescriptorSource supplies the catalog membership an index build embeds.
// *catalog.Catalog satisfies it.
type DescriptorSource interface {
	Descriptors() []catalog.Descriptor
}

// Manager builds, persists, loads, and invalidates the snapshot, and answers
// ranking queries against it.
//
// Builds are single-flight: concurrent EnsureBuilt calls while a build is in
// flight block on the same build rather than starting duplicates, and a
// waiter's cancellation detaches that waiter without aborting the shared
// build. The published snapshot is swapped atomically; readers never block.
//
// All methods are safe for concurrent use.
type Manager struct {
	provider     embeddings.Provider
	providerName string
	instruction  string
	weights      Weights
	store        Store
	source       DescriptorSource
	logger       *slog.Logger

	snap  atomic.Pointer[Snapshot]
	stale atomic.Bool
	group singleflight.Group
}

// ManagerOption configures a Manager during construction.
type ManagerOption func(*Manager)

// WithInstruction sets the retrieval-instruction prefix applied to every
// embedded text (catalog texts at build time and query texts at rank time).
// The instruction is part of the fingerprint: changing it invalidates
// existing snapshots.
func WithInstruction(instruction string) ManagerOption {
	return func(m *Manager) {
		m.instruction = instruction
	}
}

// WithWeights sets the per-variant ranking weights. Defaults to DefaultWeights.
func WithWeights(w Weights) ManagerOption {
	return func(m *Manager) {
		m.weights = w
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager over the given embedding provider, durable
// store, and catalog source. providerName is the configured backend name
// recorded in the fingerprint (e.g. "openai", "ollama").
func NewManager(provider embeddings.Provider, providerName string, store Store, source DescriptorSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider:     provider,
		providerName: providerName,
		weights:      DefaultWeights,
		store:        store,
		source:       source,
		logger:       slog.Default(),
	}
	if m.store == nil {
		m.store = NullStore{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fingerprint returns the fingerprint of the currently configured embedding
// provider. Snapshots with any other fingerprint are stale.
func (m *Manager) Fingerprint() Fingerprint {
	return Fingerprint{
		Provider:    m.providerName,
		Model:       m.provider.ModelID(),
		Dimension:   m.provider.Dimensions(),
		Instruction: m.instruction,
	}
}

// Ready reports whether a valid snapshot is loaded and queryable without
// triggering a build.
func (m *Manager) Ready() bool {
	return m.current() != nil
}

// MarkStale forces the next EnsureBuilt to rebuild regardless of cached
// state. Call whenever catalog membership or embedding configuration changes.
func (m *Manager) MarkStale() {
	m.stale.Store(true)
}

// current returns the published snapshot if it is fresh and fingerprint-valid.
func (m *Manager) current() *Snapshot {
	if m.stale.Load() {
		return nil
	}
	snap := m.snap.Load()
	if snap == nil || !snap.Fingerprint.Equal(m.Fingerprint()) {
		return nil
	}
	return snap
}

// EnsureBuilt returns a valid snapshot, loading or building one if necessary.
//
// If a fingerprint-matching snapshot is already published this is a no-op.
// Otherwise the most recent persisted snapshot for the current fingerprint is
// loaded; failing that, a fresh build embeds the catalog, persists the
// result, and publishes it atomically. Concurrent calls share one in-flight
// build. ctx cancellation detaches this caller only; the shared build runs to
// completion for the remaining waiters.
func (m *Manager) EnsureBuilt(ctx context.Context) (*Snapshot, error) {
	if snap := m.current(); snap != nil {
		return snap, nil
	}

	// The build must survive this caller's cancellation: other requests may
	// be waiting on the same flight.
	buildCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan("build", func() (any, error) {
		return m.loadOrBuild(buildCtx)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("semindex: ensure built: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// Rebuild forces a fresh build even if a valid snapshot exists.
func (m *Manager) Rebuild(ctx context.Context) (*Snapshot, error) {
	m.MarkStale()
	return m.EnsureBuilt(ctx)
}

// loadOrBuild is the single-flight body: load by fingerprint, else build.
func (m *Manager) loadOrBuild(ctx context.Context) (*Snapshot, error) {
	// A racing flight may have published a valid snapshot already.
	if snap := m.current(); snap != nil {
		return snap, nil
	}

	fp := m.Fingerprint()

	// A stale marking means the world changed in a way the fingerprint cannot
	// see (catalog membership, most commonly), so any persisted snapshot under
	// this fingerprint is just as stale as the published one. Only a fresh
	// build clears the flag.
	if !m.stale.Load() {
		if snap, err := m.store.Load(ctx, fp); err != nil {
			m.logger.Warn("snapshot load failed, building fresh", "fingerprint", fp.String(), "err", err)
		} else if snap != nil {
			if verr := snap.Validate(); verr != nil {
				m.logger.Warn("persisted snapshot invalid, building fresh", "fingerprint", fp.String(), "err", verr)
			} else {
				m.publish(snap)
				m.logger.Info("tool index loaded", "fingerprint", fp.String(), "records", len(snap.Records))
				return snap, nil
			}
		}
	}

	snap, err := m.build(ctx, fp)
	if err != nil {
		return nil, err
	}

	if err := m.store.Save(ctx, snap); err != nil {
		// The in-memory snapshot is still fully usable; persistence catches
		// up on the next successful save.
		m.logger.Warn("snapshot save failed", "fingerprint", fp.String(), "err", err)
	}

	m.publish(snap)
	m.logger.Info("tool index built",
		"fingerprint", fp.String(),
		"records", len(snap.Records),
		"tools", len(m.source.Descriptors()),
	)
	return snap, nil
}

// build embeds the catalog and assembles a snapshot. The previously published
// snapshot is left untouched on failure.
func (m *Manager) build(ctx context.Context, fp Fingerprint) (*Snapshot, error) {
	descs := m.source.Descriptors()

	var texts []string
	var pending []Record // Vector filled in after the batch call
	for _, d := range descs {
		name := d.Definition.Name
		texts = append(texts, m.instruction+name)
		pending = append(pending, Record{ToolName: name, Variant: VariantName, SourceText: name})

		if desc := d.Definition.Description; desc != "" {
			texts = append(texts, m.instruction+desc)
			pending = append(pending, Record{ToolName: name, Variant: VariantDescription, SourceText: desc})
		}

		if m.weights.Parameters > 0 && len(d.Definition.Parameters) > 0 {
			if paramText := renderParameters(d.Definition.Parameters); paramText != "" {
				texts = append(texts, m.instruction+paramText)
				pending = append(pending, Record{ToolName: name, Variant: VariantParameters, SourceText: paramText})
			}
		}
	}

	var vectors [][]float32
	if len(texts) > 0 {
		var err error
		vectors, err = m.provider.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("semindex: build: %w: %w", ErrEmbeddingUnavailable, err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("semindex: build: %w: expected %d vectors, got %d",
				ErrEmbeddingUnavailable, len(texts), len(vectors))
		}
	}

	for i := range pending {
		pending[i].Vector = vectors[i]
	}

	snap := &Snapshot{
		Fingerprint: fp,
		BuiltAt:     time.Now().UTC(),
		Weights:     m.weights,
		Records:     pending,
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("semindex: build: %w: %w", ErrEmbeddingUnavailable, err)
	}
	return snap, nil
}

// publish atomically swaps the snapshot in and clears staleness.
func (m *Manager) publish(snap *Snapshot) {
	m.snap.Store(snap)
	m.stale.Store(false)
}

// EmbedQuery embeds free query text under the current instruction prefix so
// it is comparable with the snapshot's vectors.
func (m *Manager) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vec, err := m.provider.Embed(ctx, m.instruction+query)
	if err != nil {
		return nil, fmt.Errorf("semindex: embed query: %w: %w", ErrEmbeddingUnavailable, err)
	}
	return vec, nil
}

// Rank ensures the index is built, embeds query, and ranks subset against it.
// See Snapshot.Rank for the scoring and tie-break rules.
func (m *Manager) Rank(ctx context.Context, query string, subset []string, topK int, minScore *float64) ([]ScoredTool, error) {
	snap, err := m.EnsureBuilt(ctx)
	if err != nil {
		return nil, err
	}
	vec, err := m.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return snap.Rank(vec, subset, topK, minScore), nil
}

// renderParameters flattens a JSON-Schema parameter map into a compact text
// for embedding. Returns "" when the schema carries no signal.
func renderParameters(params map[string]any) string {
	data, err := json.Marshal(params)
	if err != nil || len(data) <= 2 {
		return ""
	}
	return string(data)
}
