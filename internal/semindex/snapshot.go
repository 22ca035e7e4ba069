// Package semindex maintains the semantic tool index: a persisted, versioned
// collection of per-tool embedding vectors that lets the selection strategies
// rank the catalog against a request without exposing every tool to the model.
//
// The index is an immutable Snapshot published through an atomic pointer. A
// snapshot is valid only while its Fingerprint matches the currently
// configured embedding provider; any mismatch marks it stale and the next
// query triggers a single-flight rebuild shared by all concurrent callers.
package semindex

import (
	"fmt"
	"time"
)

// Variant identifies which tool text a record's vector was produced from.
type Variant string

const (
	// VariantName embeds the tool's name text.
	VariantName Variant = "name"

	// VariantDescription embeds the tool's description text.
	VariantDescription Variant = "description"

	// VariantParameters embeds a textual rendering of the parameter schema.
	// Only produced when the parameters weight is positive.
	VariantParameters Variant = "parameters"
)

// IsValid reports whether v is a recognised variant.
func (v Variant) IsValid() bool {
	return v == VariantName || v == VariantDescription || v == VariantParameters
}

// Fingerprint identifies which embedding configuration produced an index.
// Snapshots are loadable and valid only under an exactly matching fingerprint;
// comparing fingerprints is how staleness is detected without re-embedding.
type Fingerprint struct {
	// Provider is the configured embedding backend name (e.g. "openai").
	Provider string

	// Model is the embedding model identifier.
	Model string

	// Dimension is the vector length the model produces.
	Dimension int

	// Instruction is the retrieval-instruction prefix applied to every
	// embedded text (may be empty).
	Instruction string
}

// Equal reports whether two fingerprints match exactly.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f == other
}

// String returns a compact human-readable form for logs.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s/%s/d%d", f.Provider, f.Model, f.Dimension)
}

// Record is one vector row: a single variant of a single tool.
type Record struct {
	// ToolName is the owning tool's unique name.
	ToolName string

	// Variant identifies which text produced the vector.
	Variant Variant

	// Vector is the embedding. Its length equals the snapshot's Dimension.
	Vector []float32

	// SourceText is the exact text that was embedded, retained for audit and
	// rebuild diffing.
	SourceText string
}

// Weights are the non-negative per-variant contributions to a tool's ranking
// score. They need not sum to 1. A zero Parameters weight also disables
// embedding of parameter texts during a build.
type Weights struct {
	Name        float64 `yaml:"name"`
	Description float64 `yaml:"description"`
	Parameters  float64 `yaml:"parameters"`
}

// DefaultWeights favour the description text, which carries the richest
// signal, and skip parameter schemas entirely.
var DefaultWeights = Weights{Name: 0.4, Description: 0.6, Parameters: 0}

// forVariant returns the weight applied to records of variant v.
func (w Weights) forVariant(v Variant) float64 {
	switch v {
	case VariantName:
		return w.Name
	case VariantDescription:
		return w.Description
	case VariantParameters:
		return w.Parameters
	default:
		return 0
	}
}

// Snapshot is the persisted, queryable index state. Once published it is
// never mutated: readers never block writers and vice versa.
type Snapshot struct {
	// Fingerprint records the embedding configuration that produced this
	// snapshot.
	Fingerprint Fingerprint

	// BuiltAt is the UTC build timestamp.
	BuiltAt time.Time

	// Weights are the per-variant contributions used by Rank.
	Weights Weights

	// Records holds every vector row. All vectors share Fingerprint.Dimension.
	Records []Record
}

// Validate checks the snapshot's internal invariants: recognised variants and
// uniform vector dimension.
func (s *Snapshot) Validate() error {
	for i, r := range s.Records {
		if !r.Variant.IsValid() {
			return fmt.Errorf("semindex: record %d (%s): unknown variant %q", i, r.ToolName, r.Variant)
		}
		if len(r.Vector) != s.Fingerprint.Dimension {
			return fmt.Errorf("semindex: record %d (%s/%s): vector length %d != dimension %d",
				i, r.ToolName, r.Variant, len(r.Vector), s.Fingerprint.Dimension)
		}
	}
	return nil
}
