package ai

import "strings"

// splitBufferThreshold is the rune count past which the controller tries to
// cut the streaming buffer at a safe markdown boundary, so the renderer stops
// re-laying-out the whole message on every chunk.
const splitBufferThreshold = 4096

// lastSafeSplitPoint returns the byte offset of the last paragraph break that
// is safe to cut at: outside fenced code blocks and outside table blocks.
// Returns 0 when no safe boundary exists yet.
func lastSafeSplitPoint(text string) int {
	if text == "" {
		return 0
	}

	best := 0
	inFence := false
	offset := 0
	lines := strings.SplitAfter(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		// A blank line ending a paragraph is the candidate boundary. Skip it
		// inside fences and when the next line continues a table.
		if trimmed == "" && !inFence && i > 0 {
			next := ""
			if i+1 < len(lines) {
				next = strings.TrimSpace(lines[i+1])
			}
			prev := strings.TrimSpace(lines[i-1])
			if !strings.HasPrefix(next, "|") && !strings.HasPrefix(prev, "|") {
				best = offset + len(line)
			}
		}
		offset += len(line)
	}
	if best >= len(text) {
		return 0
	}
	return best
}

// splitAtSafeBoundary cuts text at the last safe boundary, returning the head
// to finalize and the tail to keep streaming. ok is false when the buffer has
// no safe split point yet.
func splitAtSafeBoundary(text string) (head string, tail string, ok bool) {
	at := lastSafeSplitPoint(text)
	if at <= 0 {
		return "", text, false
	}
	return text[:at], text[at:], true
}
