package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// loopDetectThreshold is how many times one signature must be observed since
// the last Forget (not necessarily consecutively) before the client raises
// LoopDetected.
const loopDetectThreshold = 3

// toolCallSignature hashes a tool call's name plus canonicalized arguments.
// Identical signatures mean the model is re-issuing the same call verbatim.
func toolCallSignature(name string, args map[string]any) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	canonical, err := canonicalJSON(args)
	if err != nil {
		canonical = "{}"
	}
	sum := sha256.Sum256([]byte(name + "|" + canonical))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(v any) (string, error) {
	b, err := json.Marshal(normalizeAnyForJSON(v))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func normalizeAnyForJSON(v any) any {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(x))
		for _, k := range keys {
			out[k] = normalizeAnyForJSON(x[k])
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeAnyForJSON(x[i])
		}
		return out
	default:
		return x
	}
}

// loopDetector counts repeated tool-call signatures within a session window.
type loopDetector struct {
	mu   sync.Mutex
	hits map[string]int
}

func newLoopDetector() *loopDetector {
	return &loopDetector{hits: make(map[string]int)}
}

// Observe records one tool call and reports whether its signature has now been
// seen at least loopDetectThreshold times.
func (d *loopDetector) Observe(name string, args map[string]any) bool {
	if d == nil {
		return false
	}
	sig := toolCallSignature(name, args)
	if sig == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hits[sig]++
	return d.hits[sig] >= loopDetectThreshold
}

// Forget clears the signature window (called by the clients' ResetChat, so the
// chat that follows a reset starts clean).
func (d *loopDetector) Forget() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.hits = make(map[string]int)
	d.mu.Unlock()
}
