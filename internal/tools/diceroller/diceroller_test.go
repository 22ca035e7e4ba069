package diceroller

import (
	"context"
	"errors"
	"testing"

	"github.com/mirefall/quartermaster/internal/catalog"
)

func TestParseExpression(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr     string
		count    int
		sides    int
		modifier int
	}{
		{"2d6", 2, 6, 0},
		{"d20", 1, 20, 0},
		{"1d20", 1, 20, 0},
		{"2d6+3", 2, 6, 3},
		{"4d8-1", 4, 8, -1},
		{"  3D10+2 ", 3, 10, 2},
		{"100d100+100", 100, 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			count, sides, modifier, err := parseExpression(tt.expr)
			if err != nil {
				t.Fatalf("parseExpression(%q): %v", tt.expr, err)
			}
			if count != tt.count || sides != tt.sides || modifier != tt.modifier {
				t.Errorf("parseExpression(%q) = (%d, %d, %d), want (%d, %d, %d)",
					tt.expr, count, sides, modifier, tt.count, tt.sides, tt.modifier)
			}
		})
	}
}

func TestParseExpression_Invalid(t *testing.T) {
	t.Parallel()
	exprs := []string{
		"",
		"20",
		"2x6",
		"0d6",
		"-1d6",
		"2d0",
		"2d",
		"2d6+",
		"2d6-",
		"ad6",
		"2db",
		"2d6+c",
	}
	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			if _, _, _, err := parseExpression(expr); err == nil {
				t.Errorf("parseExpression(%q) expected error", expr)
			}
		})
	}
}

func TestRollHandler(t *testing.T) {
	t.Parallel()
	out, err := rollHandler(context.Background(), map[string]any{"expression": "3d6+2"})
	if err != nil {
		t.Fatalf("rollHandler: %v", err)
	}
	res, ok := out.(rollResult)
	if !ok {
		t.Fatalf("rollHandler returned %T, want rollResult", out)
	}
	if len(res.Rolls) != 3 {
		t.Fatalf("Rolls = %v, want 3 dice", res.Rolls)
	}
	sum := 2
	for _, r := range res.Rolls {
		if r < 1 || r > 6 {
			t.Errorf("die result %d out of range [1, 6]", r)
		}
		sum += r
	}
	if res.Total != sum {
		t.Errorf("Total = %d, want rolls plus modifier = %d", res.Total, sum)
	}
}

func TestRollHandler_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing expression", map[string]any{}},
		{"empty expression", map[string]any{"expression": ""}},
		{"non-string expression", map[string]any{"expression": 7}},
		{"malformed expression", map[string]any{"expression": "banana"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rollHandler(context.Background(), tt.args)
			if !errors.Is(err, catalog.ErrValidation) {
				t.Errorf("rollHandler(%v) = %v, want ErrValidation", tt.args, err)
			}
		})
	}
}

func TestRollTableHandler(t *testing.T) {
	t.Parallel()
	out, err := rollTableHandler(context.Background(), map[string]any{"table_name": "wild_magic"})
	if err != nil {
		t.Fatalf("rollTableHandler: %v", err)
	}
	res, ok := out.(rollTableResult)
	if !ok {
		t.Fatalf("rollTableHandler returned %T, want rollTableResult", out)
	}
	entries := builtinTables["wild_magic"]
	if res.Roll < 1 || res.Roll > len(entries) {
		t.Fatalf("Roll = %d, out of table range [1, %d]", res.Roll, len(entries))
	}
	if res.Result != entries[res.Roll-1] {
		t.Errorf("Result = %q, does not match table entry for roll %d", res.Result, res.Roll)
	}
}

func TestRollTableHandler_UnknownTable(t *testing.T) {
	t.Parallel()
	_, err := rollTableHandler(context.Background(), map[string]any{"table_name": "nonexistent"})
	if !errors.Is(err, catalog.ErrValidation) {
		t.Errorf("rollTableHandler(unknown) = %v, want ErrValidation", err)
	}
}

func TestTools(t *testing.T) {
	t.Parallel()
	ts := Tools()
	if len(ts) != 2 {
		t.Fatalf("Tools() returned %d tools, want 2", len(ts))
	}
	for _, tool := range ts {
		if tool.Descriptor.Tier != 1 {
			t.Errorf("%s tier = %d, want 1", tool.Descriptor.Definition.Name, tool.Descriptor.Tier)
		}
		if len(tool.Descriptor.Prerequisites) != 0 {
			t.Errorf("%s has prerequisites %v, want none", tool.Descriptor.Definition.Name, tool.Descriptor.Prerequisites)
		}
		if tool.Handler == nil {
			t.Errorf("%s has no handler", tool.Descriptor.Definition.Name)
		}
	}
	if ts[0].Descriptor.Definition.Name != "roll" || ts[1].Descriptor.Definition.Name != "roll_table" {
		t.Errorf("tool names = [%s %s]", ts[0].Descriptor.Definition.Name, ts[1].Descriptor.Definition.Name)
	}
}
