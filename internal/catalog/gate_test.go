package catalog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// setChecker satisfies exactly the given prerequisite identifiers.
type setChecker struct {
	mu        sync.Mutex
	satisfied map[string]bool
	errs      map[string]error
	asked     []string
}

func (c *setChecker) IsSatisfied(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asked = append(c.asked, id)
	if err := c.errs[id]; err != nil {
		return false, err
	}
	return c.satisfied[id], nil
}

func TestGateOpen_NoPrerequisites(t *testing.T) {
	t.Parallel()
	g := &Gate{}
	open, err := g.Open(context.Background(), testDescriptor("free", 1), nil)
	if err != nil || !open {
		t.Errorf("Open(no prereqs) = (%v, %v), want (true, nil)", open, err)
	}
}

func TestGateOpen_NilCheckerClosesGatedTool(t *testing.T) {
	t.Parallel()
	g := &Gate{}
	open, err := g.Open(context.Background(), testDescriptor("gated", 1, "quest:done"), nil)
	if open {
		t.Error("Open with nil checker must close a tool with prerequisites")
	}
	if err == nil {
		t.Error("Open with nil checker should report why the tool closed")
	}
}

func TestGateOpen_ShortCircuitsOnFirstUnmet(t *testing.T) {
	t.Parallel()
	g := &Gate{}
	checker := &setChecker{satisfied: map[string]bool{"a": false, "b": true}}

	open, err := g.Open(context.Background(), testDescriptor("gated", 1, "a", "b"), checker)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if open {
		t.Error("tool with unmet prerequisite must be closed")
	}
	if len(checker.asked) != 1 || checker.asked[0] != "a" {
		t.Errorf("asked = %v, want short-circuit after first unmet [a]", checker.asked)
	}
}

func TestGateFilter_KeepsOrderAndDropsClosed(t *testing.T) {
	t.Parallel()
	g := &Gate{}
	descs := []Descriptor{
		testDescriptor("always", 1),
		testDescriptor("locked", 1, "quest:locked"),
		testDescriptor("unlocked", 1, "quest:done"),
		testDescriptor("also_always", 1),
	}
	checker := &setChecker{satisfied: map[string]bool{"quest:done": true}}

	got, err := g.Filter(context.Background(), descs, checker)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	want := []string{"always", "unlocked", "also_always"}
	if !equalStrings(names(got), want) {
		t.Errorf("Filter = %v, want %v", names(got), want)
	}
}

func TestGateFilter_CheckErrorClosesOnlyThatTool(t *testing.T) {
	t.Parallel()
	g := &Gate{Concurrency: 2}
	descs := []Descriptor{
		testDescriptor("fine", 1, "ok"),
		testDescriptor("flaky", 1, "broken"),
	}
	checker := &setChecker{
		satisfied: map[string]bool{"ok": true},
		errs:      map[string]error{"broken": errors.New("registry unreachable")},
	}

	got, err := g.Filter(context.Background(), descs, checker)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if !equalStrings(names(got), []string{"fine"}) {
		t.Errorf("Filter = %v, want errored tool closed, others kept", names(got))
	}
}

func TestGateFilter_DiagnosticsUseInjectedLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	g := &Gate{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	checker := &setChecker{errs: map[string]error{"broken": errors.New("registry unreachable")}}

	got, err := g.Filter(context.Background(), []Descriptor{testDescriptor("flaky", 1, "broken")}, checker)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Filter = %v, want errored tool closed", names(got))
	}
	logged := buf.String()
	if !strings.Contains(logged, "flaky") || !strings.Contains(logged, "registry unreachable") {
		t.Errorf("injected logger missed the closure diagnostic: %q", logged)
	}
}

func TestGateFilter_CancelledContextFailsPass(t *testing.T) {
	t.Parallel()
	g := &Gate{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := &setChecker{satisfied: map[string]bool{"x": true}}
	_, err := g.Filter(ctx, []Descriptor{testDescriptor("gated", 1, "x")}, checker)
	if err == nil {
		t.Error("Filter under cancelled context expected error")
	}
}

func TestGateFilter_EmptyInput(t *testing.T) {
	t.Parallel()
	g := &Gate{}
	got, err := g.Filter(context.Background(), nil, nil)
	if err != nil || len(got) != 0 {
		t.Errorf("Filter(nil) = (%v, %v), want empty", got, err)
	}
}
