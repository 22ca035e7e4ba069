// Package diceroller provides builtin tools for resolving dice rolls and
// random table lookups in a TTRPG session.
//
// Two tools are exported via [Tools]:
//   - "roll"       — evaluates a standard dice expression (e.g. "2d6+3").
//   - "roll_table" — rolls on a named in-memory random table.
//
// All handlers are safe for concurrent use. Randomness uses [math/rand/v2]
// with a per-process automatically-seeded source.
package diceroller

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/mirefall/quartermaster/internal/catalog"
	"github.com/mirefall/quartermaster/internal/tools"
	"github.com/mirefall/quartermaster/pkg/types"
)

// rollResult is the payload of the "roll" tool.
type rollResult struct {
	// Expression is the original dice expression, echoed back to the caller.
	Expression string `json:"expression"`

	// Rolls holds the individual die results (before the modifier is applied).
	Rolls []int `json:"rolls"`

	// Total is the sum of all rolls plus the modifier.
	Total int `json:"total"`
}

// rollTableResult is the payload of the "roll_table" tool.
type rollTableResult struct {
	// Table is the name of the table that was rolled on.
	Table string `json:"table"`

	// Roll is the raw die result (1-based index into the table).
	Roll int `json:"roll"`

	// Result is the textual entry from the table corresponding to Roll.
	Result string `json:"result"`
}

// parseExpression parses a dice expression of the form NdS, NdS+M, or NdS-M.
// N is the number of dice (defaults to 1 when omitted), S is the number of
// sides (must be ≥ 1), and M is an optional integer modifier (may be negative).
//
// Returns (count, sides, modifier, nil) on success, or a descriptive error.
func parseExpression(expr string) (count, sides, modifier int, err error) {
	expr = strings.ToLower(strings.TrimSpace(expr))

	dIdx := strings.Index(expr, "d")
	if dIdx == -1 {
		return 0, 0, 0, fmt.Errorf("diceroller: invalid expression %q: missing 'd' separator", expr)
	}

	// Parse count (the part before 'd').
	countStr := expr[:dIdx]
	if countStr == "" {
		count = 1
	} else {
		count, err = strconv.Atoi(countStr)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid dice count %q in expression %q", countStr, expr)
		}
	}
	if count < 1 {
		return 0, 0, 0, fmt.Errorf("diceroller: dice count must be ≥ 1, got %d in expression %q", count, expr)
	}

	// Parse sides and optional modifier (the part after 'd').
	rest := expr[dIdx+1:]

	plusIdx := strings.Index(rest, "+")
	minusIdx := strings.Index(rest, "-")

	switch {
	case plusIdx != -1:
		sides, err = strconv.Atoi(rest[:plusIdx])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid sides %q in expression %q", rest[:plusIdx], expr)
		}
		modifier, err = strconv.Atoi(rest[plusIdx+1:])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid modifier %q in expression %q", rest[plusIdx+1:], expr)
		}

	case minusIdx != -1:
		sides, err = strconv.Atoi(rest[:minusIdx])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid sides %q in expression %q", rest[:minusIdx], expr)
		}
		mod, err2 := strconv.Atoi(rest[minusIdx+1:])
		if err2 != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid modifier %q in expression %q", rest[minusIdx+1:], expr)
		}
		modifier = -mod

	default:
		sides, err = strconv.Atoi(rest)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid sides %q in expression %q", rest, expr)
		}
	}

	if sides < 1 {
		return 0, 0, 0, fmt.Errorf("diceroller: sides must be ≥ 1, got %d in expression %q", sides, expr)
	}

	return count, sides, modifier, nil
}

// rollHandler implements the "roll" tool.
func rollHandler(_ context.Context, args map[string]any) (any, error) {
	expr, _ := args["expression"].(string)
	if expr == "" {
		return nil, fmt.Errorf("diceroller: %w: expression must be a non-empty string", catalog.ErrValidation)
	}

	count, sides, modifier, err := parseExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", catalog.ErrValidation, err)
	}

	rolls := make([]int, count)
	total := modifier
	for i := range count {
		r := rand.IntN(sides) + 1
		rolls[i] = r
		total += r
	}

	return rollResult{
		Expression: expr,
		Rolls:      rolls,
		Total:      total,
	}, nil
}

// rollTableHandler implements the "roll_table" tool.
func rollTableHandler(_ context.Context, args map[string]any) (any, error) {
	tableName, _ := args["table_name"].(string)

	entries, ok := builtinTables[tableName]
	if !ok {
		known := make([]string, 0, len(builtinTables))
		for k := range builtinTables {
			known = append(known, k)
		}
		return nil, fmt.Errorf("diceroller: %w: unknown table %q; available tables: %v", catalog.ErrValidation, tableName, known)
	}

	roll := rand.IntN(len(entries)) + 1 // 1-based die result
	return rollTableResult{
		Table:  tableName,
		Roll:   roll,
		Result: entries[roll-1],
	}, nil
}

// builtinTables holds the in-memory random tables available to roll_table.
// Entries are 1-indexed by roll value; the slice index is roll-1.
var builtinTables = map[string][]string{
	"wild_magic": {
		"Flumph allies: 1d6 Flumphs appear and are friendly.",
		"You turn blue for 1d10 days. Any magic cast on you has a 10% chance of failing.",
		"You cast Fireball centred on yourself.",
		"You cast Levitate on yourself.",
		"You grow a long beard made of feathers that remains until you sneeze.",
		"You must shout when you speak for the next minute.",
		"A spectral shield hovers near you for the next minute (+2 AC).",
		"You are immune to being intoxicated by alcohol for the next 5d6 days.",
		"Your hair falls out and regrows in a bright colour.",
		"For the next minute, any flammable object you touch bursts into flame.",
		"You regain 2d10 hit points.",
		"You teleport up to 60 feet to an unoccupied space of your choice.",
	},
	"treasure_hoard": {
		"A pouch of 2d6 × 100 gold pieces.",
		"A gemstone worth 1d6 × 50 gp (roll: ruby).",
		"A magic weapon (+1 shortsword).",
		"A scroll of a 2nd-level spell.",
		"1d4 potions of healing.",
		"A small silver statuette worth 250 gp.",
		"An ornate golden goblet worth 150 gp.",
		"A sealed letter of credit worth 500 gp.",
		"A piece of jewellery worth 1d4 × 100 gp.",
		"A bag of holding (already used, contains mundane camping gear).",
		"A map to a hidden dungeon.",
		"A silvered dagger (+1 against lycanthropes).",
	},
	"random_encounter": {
		"A patrol of 1d6 town guards, suspicious but not hostile.",
		"A merchant caravan under attack by 1d4 bandits.",
		"An injured traveller in need of healing (DC 12 Medicine).",
		"A pack of 2d4 wolves stalking the party from the tree line.",
		"A friendly herbalist who trades potions for rare plants.",
		"A collapsed bridge — the party must find another route.",
		"A toll booth manned by corrupt guards demanding 5 gp per person.",
		"A travelling bard who knows a rumour about the party's current quest.",
		"A lone skeleton rises from a roadside grave.",
		"A goblin ambush — 2d6 goblins with a goblin boss.",
		"A lost child who was separated from a travelling circus.",
		"A hidden pit trap (DC 14 Perception to spot, 2d6 fall damage on failure).",
	},
}

// Tools returns the builtin dice-roller tools ready for catalog registration.
// Both are unconditional tier-1 tools.
func Tools() []tools.Tool {
	return []tools.Tool{
		{
			Descriptor: catalog.Descriptor{
				Definition: types.ToolDefinition{
					Name:        "roll",
					Description: "Evaluate a dice expression and return each individual die result and the total. Supports standard notation such as 2d6+3, 1d20, or 4d8-1.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"expression": map[string]any{
								"type":        "string",
								"description": "Dice expression to evaluate, e.g. 2d6+3, 1d20, 4d8-1",
							},
						},
						"required": []string{"expression"},
					},
				},
				Tier: 1,
			},
			Handler: rollHandler,
		},
		{
			Descriptor: catalog.Descriptor{
				Definition: types.ToolDefinition{
					Name:        "roll_table",
					Description: "Roll on a named random table and return the result. Useful for generating spontaneous encounters, treasure, or wild magic effects.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"table_name": map[string]any{
								"type":        "string",
								"description": "Name of the random table to roll on.",
								"enum":        []string{"wild_magic", "treasure_hoard", "random_encounter"},
							},
						},
						"required": []string{"table_name"},
					},
				},
				Tier: 1,
			},
			Handler: rollTableHandler,
		},
	}
}
