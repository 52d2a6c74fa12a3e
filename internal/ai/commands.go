package ai

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/floegence/strand/internal/ai/checkpointstore"
	"github.com/floegence/strand/internal/monitor"
)

// BuiltinCommands is the default slash-command handler: /help, /about,
// /stats, /restore, /quit, /memory. Unknown slash commands fall through to
// the model as plain text.
type BuiltinCommands struct {
	History     *HistoryStore
	Monitor     *monitor.Service
	Checkpoints *checkpointstore.Store
	Version     string
	// OnQuit is invoked after the quit entry is recorded.
	OnQuit func()
}

var builtinCommandHelp = map[string]string{
	"/help":    "Show this help.",
	"/about":   "Show version and host information.",
	"/stats":   "Show a system statistics snapshot.",
	"/memory":  "Save a note to memory: /memory add <text>.",
	"/restore": "List restorable checkpoints.",
	"/quit":    "End the session.",
}

func (b *BuiltinCommands) Process(ctx context.Context, query string) (CommandOutcome, bool, error) {
	if b == nil || b.History == nil {
		return CommandOutcome{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) == 0 {
		return CommandOutcome{}, false, nil
	}

	switch fields[0] {
	case "/help":
		names := make([]string, 0, len(builtinCommandHelp))
		for name := range builtinCommandHelp {
			names = append(names, name)
		}
		sort.Strings(names)
		var sb strings.Builder
		sb.WriteString("Available commands:\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "  %s — %s\n", name, builtinCommandHelp[name])
		}
		b.History.Add(HistoryKindHelp, strings.TrimRight(sb.String(), "\n"), nil)
		return CommandOutcome{Kind: CommandOutcomeHandled}, true, nil

	case "/about":
		snap := monitor.Snapshot{}
		if b.Monitor != nil {
			snap = b.Monitor.Snapshot(ctx)
		}
		b.History.Add(HistoryKindAbout, monitor.FormatAbout(snap, strings.TrimSpace(b.Version)), nil)
		return CommandOutcome{Kind: CommandOutcomeHandled}, true, nil

	case "/stats":
		snap := monitor.Snapshot{}
		if b.Monitor != nil {
			snap = b.Monitor.Snapshot(ctx)
		}
		b.History.Add(HistoryKindStats, monitor.FormatStats(snap), nil)
		return CommandOutcome{Kind: CommandOutcomeHandled}, true, nil

	case "/memory":
		if len(fields) >= 3 && fields[1] == "add" {
			fact := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(query), "/memory add"))
			return CommandOutcome{
				Kind:     CommandOutcomeScheduleTool,
				ToolName: "save_memory",
				ToolArgs: map[string]any{"fact": fact},
			}, true, nil
		}
		return CommandOutcome{}, false, fmt.Errorf("usage: /memory add <text>")

	case "/restore":
		if b.Checkpoints == nil {
			b.History.AddInfo("Checkpointing is disabled; nothing to restore.")
			return CommandOutcome{Kind: CommandOutcomeHandled}, true, nil
		}
		recs, err := b.Checkpoints.List(ctx, 20)
		if err != nil {
			return CommandOutcome{}, false, err
		}
		if len(recs) == 0 {
			b.History.AddInfo("No checkpoints recorded yet.")
			return CommandOutcome{Kind: CommandOutcomeHandled}, true, nil
		}
		var sb strings.Builder
		sb.WriteString("Restorable checkpoints (newest first):\n")
		for _, rec := range recs {
			stamp := time.UnixMilli(rec.CreatedAtUnixMs).Format("2006-01-02 15:04:05")
			fmt.Fprintf(&sb, "  %s  %s → %s (%s)\n", stamp, rec.ToolName, rec.TargetPath, rec.FileName)
		}
		b.History.AddInfo(strings.TrimRight(sb.String(), "\n"))
		return CommandOutcome{Kind: CommandOutcomeHandled}, true, nil

	case "/quit":
		b.History.Add(HistoryKindQuit, "Session ended.", nil)
		if b.OnQuit != nil {
			b.OnQuit()
		}
		return CommandOutcome{Kind: CommandOutcomeHandled}, true, nil
	}

	return CommandOutcome{}, false, nil
}

// FileAtCommands resolves @path references by inlining the referenced file
// contents after the query text.
type FileAtCommands struct {
	Root         string
	MaxFileBytes int64
}

const defaultAtCommandMaxBytes = 256 * 1024

func (f *FileAtCommands) Process(ctx context.Context, query string) ([]Part, bool, error) {
	if f == nil {
		return nil, false, nil
	}
	refs := extractAtRefs(query)
	if len(refs) == 0 {
		return nil, false, nil
	}
	maxBytes := f.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultAtCommandMaxBytes
	}

	parts := []Part{{Text: query}}
	for _, ref := range refs {
		path := ref
		if !filepath.IsAbs(path) && strings.TrimSpace(f.Root) != "" {
			path = filepath.Join(f.Root, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, false, fmt.Errorf("cannot read %s: %w", ref, err)
		}
		if info.IsDir() {
			return nil, false, fmt.Errorf("%s is a directory", ref)
		}
		if info.Size() > maxBytes {
			return nil, false, fmt.Errorf("%s is too large (%d bytes)", ref, info.Size())
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("cannot read %s: %w", ref, err)
		}
		parts = append(parts, Part{Text: fmt.Sprintf("\n--- %s ---\n%s", ref, string(content))})
	}
	return parts, true, nil
}

// extractAtRefs pulls @path tokens out of the query. Bare "@" and mail-like
// tokens are ignored.
func extractAtRefs(query string) []string {
	var refs []string
	for _, field := range strings.Fields(query) {
		if !strings.HasPrefix(field, "@") || len(field) < 2 {
			continue
		}
		ref := strings.TrimPrefix(field, "@")
		ref = strings.TrimRight(ref, ",.;:!?")
		if ref == "" || strings.Contains(ref, "@") {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// BangShell treats "!"-prefixed queries as shell commands.
type BangShell struct {
	Exec func(ctx context.Context, command string) error
}

func (s *BangShell) IsShellCommand(query string) bool {
	return strings.HasPrefix(strings.TrimSpace(query), "!")
}

func (s *BangShell) Run(ctx context.Context, command string) error {
	if s == nil || s.Exec == nil {
		return fmt.Errorf("shell execution is not configured")
	}
	command = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(command), "!"))
	if command == "" {
		return fmt.Errorf("empty shell command")
	}
	return s.Exec(ctx, command)
}
