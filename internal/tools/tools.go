// Package tools defines the registration shape shared by all builtin tools.
package tools

import "github.com/mirefall/quartermaster/internal/catalog"

// Tool pairs a catalog descriptor with its handler, ready for registration.
type Tool struct {
	Descriptor catalog.Descriptor
	Handler    catalog.Handler
}

// RegisterAll registers every tool in ts with cat, stopping at the first
// failure.
func RegisterAll(cat *catalog.Catalog, ts []Tool) error {
	for _, t := range ts {
		if err := cat.Register(t.Descriptor, t.Handler); err != nil {
			return err
		}
	}
	return nil
}
