package orchestrator

// ProgressSink receives phase notifications during a run, in order:
// ToolsSelected, ModelDecided, zero or more ToolExecuted, then Completed.
// Implementations must be safe for concurrent use across runs and must not
// block; the engine calls them inline.
type ProgressSink interface {
	// ToolsSelected fires after the selection phase with the exposed names.
	ToolsSelected(mode string, exposed []string, degraded bool)

	// ModelDecided fires after the decision round with the number of
	// proposed calls (before the call budget applies).
	ModelDecided(proposedCalls int, hasContent bool)

	// ToolExecuted fires after each dispatched call.
	ToolExecuted(rec ExecutionRecord)

	// Completed fires once with the terminal status.
	Completed(status Status)
}

// NopSink discards all progress notifications.
type NopSink struct{}

var _ ProgressSink = NopSink{}

func (NopSink) ToolsSelected(string, []string, bool) {}
func (NopSink) ModelDecided(int, bool)               {}
func (NopSink) ToolExecuted(ExecutionRecord)         {}
func (NopSink) Completed(Status)                     {}
