package ai

import (
	"strings"
)

const (
	snapshotTextLimit      = 280
	snapshotToolGroupCount = 2
	snapshotToolCallCap    = 4
)

// collapseWhitespace folds runs of whitespace into single spaces and trims.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateForSnapshot(s string) string {
	s = collapseWhitespace(s)
	rs := []rune(s)
	if len(rs) <= snapshotTextLimit {
		return s
	}
	return string(rs[:snapshotTextLimit]) + "…"
}

// buildContextSnapshot produces the compact recovery snapshot embedded into
// synthesized recovery prompts and emitted as info text: the latest user text,
// the latest assistant text (pending buffer wins over finalized entries), and
// the calls of the last two tool groups as "name: status". Empty segments are
// omitted.
func buildContextSnapshot(history *HistoryStore) string {
	if history == nil {
		return ""
	}
	segments := make([]string, 0, 3)

	if entry, ok := history.lastEntryOfKind(HistoryKindUser); ok {
		if text := truncateForSnapshot(entry.Text); text != "" {
			segments = append(segments, "Last user message: "+text)
		}
	}

	assistantText := history.PendingText()
	if strings.TrimSpace(assistantText) == "" {
		if entry, ok := history.lastEntryOfKind(HistoryKindAssistant); ok {
			assistantText = entry.Text
		}
	}
	if text := truncateForSnapshot(assistantText); text != "" {
		segments = append(segments, "Last assistant message: "+text)
	}

	calls := make([]string, 0, snapshotToolCallCap)
	truncated := false
	for _, group := range history.lastToolGroups(snapshotToolGroupCount) {
		for _, tool := range group.Tools {
			if len(calls) >= snapshotToolCallCap {
				truncated = true
				break
			}
			calls = append(calls, strings.TrimSpace(tool.Name)+": "+strings.ToLower(string(tool.Status)))
		}
	}
	if len(calls) > 0 {
		line := "Recent tool calls: " + strings.Join(calls, ", ")
		if truncated {
			line += ", …"
		}
		segments = append(segments, line)
	}

	return strings.Join(segments, "\n")
}
