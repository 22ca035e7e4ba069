package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/mirefall/quartermaster/internal/catalog"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}

	// Selection
	sel := cfg.Selection
	if sel.Mode != "" && !sel.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("selection.mode %q is invalid; valid values: expose_all, narrow_top_k, fast_top1, lightning, adaptive", sel.Mode))
	}
	if sel.TopK < 0 {
		errs = append(errs, fmt.Errorf("selection.top_k %d must not be negative", sel.TopK))
	}
	if sel.MinScore != nil && (*sel.MinScore < -1 || *sel.MinScore > 1) {
		errs = append(errs, fmt.Errorf("selection.min_score %.2f is out of range [-1, 1]", *sel.MinScore))
	}
	if sel.Top1Threshold < 0 || sel.Top1Threshold > 1 {
		errs = append(errs, fmt.Errorf("selection.top1_threshold %.2f is out of range [0, 1]", sel.Top1Threshold))
	}
	if sel.AdaptiveThreshold < 0 || sel.AdaptiveThreshold > 1 {
		errs = append(errs, fmt.Errorf("selection.adaptive_threshold %.2f is out of range [0, 1]", sel.AdaptiveThreshold))
	}

	// A ranking mode without an embedding provider can only ever fail (or, for
	// lightning, degrade). Legal, but almost certainly a mistake.
	if cfg.Providers.Embeddings.Name == "" {
		switch sel.Mode {
		case "", "expose_all", "lightning":
		default:
			slog.Warn("selection mode needs embeddings but providers.embeddings is not configured; requests will fail with embedding_disabled",
				"mode", sel.Mode,
			)
		}
	}

	// Index weights
	if w := cfg.Index.Weights; w != nil {
		if w.Name < 0 || w.Description < 0 || w.Parameters < 0 {
			errs = append(errs, errors.New("index.weights values must not be negative"))
		}
		if w.Name == 0 && w.Description == 0 && w.Parameters == 0 {
			errs = append(errs, errors.New("index.weights must have at least one non-zero weight"))
		}
	}

	// Gate
	if cfg.Gate.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("gate.concurrency %d must not be negative", cfg.Gate.Concurrency))
	}

	// MCP servers
	serverNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == catalog.MCPTransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == catalog.MCPTransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
		if srv.Tier < 0 || srv.Tier > catalog.TierMax {
			errs = append(errs, fmt.Errorf("%s.tier %d is out of range [0, %d]", prefix, srv.Tier, catalog.TierMax))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
