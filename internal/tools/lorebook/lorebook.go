// Package lorebook provides a builtin campaign-lore lookup tool.
//
// One tool is exported via [Tools]: "lore_lookup" searches an in-memory
// lorebook by keyword. Entries carry their own tier; the handler redacts
// entries above the caller's tier ceiling, so a low-tier caller can search
// the lorebook without ever seeing GM-only secrets.
//
// The tool itself is tier 2 and gated on the "campaign:lore" prerequisite,
// which makes it the canonical exercise of both gating dimensions.
package lorebook

import (
	"context"
	"fmt"
	"strings"

	"github.com/mirefall/quartermaster/internal/catalog"
	"github.com/mirefall/quartermaster/internal/tools"
	"github.com/mirefall/quartermaster/pkg/types"
)

// PrerequisiteLore is the capability identifier gating the lorebook tools.
const PrerequisiteLore = "campaign:lore"

// Entry is one lorebook article.
type Entry struct {
	// Topic is the article's canonical title.
	Topic string `json:"topic"`

	// Body is the article text.
	Body string `json:"body"`

	// Tier is the minimum caller tier required to see this entry. Entries
	// above the caller's ceiling are omitted from results, not errored.
	Tier int `json:"-"`

	// Keywords are additional match terms beyond the topic itself.
	Keywords []string `json:"-"`
}

// lookupResult is the payload of the "lore_lookup" tool.
type lookupResult struct {
	// Query echoes the search term.
	Query string `json:"query"`

	// Entries are the matching articles visible at the caller's tier.
	Entries []Entry `json:"entries"`

	// Redacted counts matching articles hidden by the caller's tier ceiling.
	Redacted int `json:"redacted"`
}

// Book is a searchable collection of lore entries.
type Book struct {
	entries []Entry
}

// NewBook creates a Book over the given entries. Entry tiers are clamped to
// the catalog's tier range.
func NewBook(entries []Entry) *Book {
	clamped := make([]Entry, len(entries))
	for i, e := range entries {
		e.Tier = catalog.ClampTier(e.Tier)
		clamped[i] = e
	}
	return &Book{entries: clamped}
}

// Search returns the entries matching query at or below tierCeiling, plus the
// count of matches redacted by the ceiling. Matching is case-insensitive
// substring match over topic and keywords.
func (b *Book) Search(query string, tierCeiling int) (visible []Entry, redacted int) {
	ceiling := catalog.ClampTier(tierCeiling)
	needle := strings.ToLower(strings.TrimSpace(query))

	for _, e := range b.entries {
		if !matches(e, needle) {
			continue
		}
		if e.Tier > ceiling {
			redacted++
			continue
		}
		visible = append(visible, e)
	}
	return visible, redacted
}

// matches reports whether needle occurs in the entry's topic or keywords.
func matches(e Entry, needle string) bool {
	if needle == "" {
		return false
	}
	if strings.Contains(strings.ToLower(e.Topic), needle) {
		return true
	}
	for _, kw := range e.Keywords {
		if strings.Contains(strings.ToLower(kw), needle) {
			return true
		}
	}
	return false
}

// lookupHandler implements the "lore_lookup" tool over b. The caller's tier
// ceiling arrives via the engine-injected argument; absent means the most
// restrictive tier.
func lookupHandler(b *Book) catalog.Handler {
	return func(_ context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return nil, fmt.Errorf("lorebook: %w: query must be a non-empty string", catalog.ErrValidation)
		}

		ceiling := catalog.TierMin
		// JSON round-trips put numbers through float64.
		switch v := args[catalog.ArgTierCeiling].(type) {
		case int:
			ceiling = v
		case float64:
			ceiling = int(v)
		}

		visible, redacted := b.Search(query, ceiling)
		return lookupResult{
			Query:    query,
			Entries:  visible,
			Redacted: redacted,
		}, nil
	}
}

// defaultEntries is the sample campaign lore shipped with the server.
var defaultEntries = []Entry{
	{
		Topic:    "The Sunken Citadel",
		Body:     "A fortress of the old empire that slid into the marsh two centuries ago. Its upper halls are picked clean; the lower vaults remain sealed.",
		Tier:     1,
		Keywords: []string{"citadel", "marsh", "ruins"},
	},
	{
		Topic:    "Greymantle the Sage",
		Body:     "Keeper of the northern archive. Trades answers for rare books and never forgets a debt.",
		Tier:     1,
		Keywords: []string{"sage", "archive", "scholar"},
	},
	{
		Topic:    "The Ashen Compact",
		Body:     "A truce between the border baronies and the hill clans, renewed each midwinter. Breaking it carries a blood price.",
		Tier:     2,
		Keywords: []string{"compact", "truce", "baronies"},
	},
	{
		Topic:    "The Hollow King",
		Body:     "The power behind the eastern throne is a lich wearing the dead king's face. Only the court physician suspects.",
		Tier:     3,
		Keywords: []string{"king", "lich", "throne", "secret"},
	},
}

// Tools returns the lorebook tools over the default entries. The lookup tool
// is tier 2 and gated on [PrerequisiteLore].
func Tools() []tools.Tool {
	return ToolsFor(NewBook(defaultEntries))
}

// ToolsFor returns the lorebook tools backed by b.
func ToolsFor(b *Book) []tools.Tool {
	return []tools.Tool{
		{
			Descriptor: catalog.Descriptor{
				Definition: types.ToolDefinition{
					Name:        "lore_lookup",
					Description: "Search the campaign lorebook by keyword and return matching articles. Secrets above the caller's access level are counted but not shown.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"query": map[string]any{
								"type":        "string",
								"description": "Keyword or phrase to search for, e.g. 'citadel' or 'truce'.",
							},
						},
						"required": []string{"query"},
					},
				},
				Tier:          2,
				Prerequisites: []string{PrerequisiteLore},
			},
			Handler: lookupHandler(b),
		},
	}
}
