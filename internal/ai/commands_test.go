package ai

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/floegence/strand/internal/ai/checkpointstore"
)

func TestBuiltinCommandsHelpAndStats(t *testing.T) {
	t.Parallel()

	history := NewHistoryStore()
	cmds := &BuiltinCommands{History: history, Version: "1.2.3"}

	outcome, handled, err := cmds.Process(context.Background(), "/help")
	if err != nil || !handled || outcome.Kind != CommandOutcomeHandled {
		t.Fatalf("help outcome=%+v handled=%v err=%v", outcome, handled, err)
	}
	helps := entriesOfKind(history.Entries(), HistoryKindHelp)
	if len(helps) != 1 || !strings.Contains(helps[0].Text, "/stats") {
		t.Fatalf("help entry=%+v", helps)
	}

	if _, handled, _ := cmds.Process(context.Background(), "/stats"); !handled {
		t.Fatal("stats not handled")
	}
	if got := entriesOfKind(history.Entries(), HistoryKindStats); len(got) != 1 {
		t.Fatalf("stats entries=%d", len(got))
	}

	if _, handled, _ := cmds.Process(context.Background(), "/about"); !handled {
		t.Fatal("about not handled")
	}
	abouts := entriesOfKind(history.Entries(), HistoryKindAbout)
	if len(abouts) != 1 || !strings.Contains(abouts[0].Text, "1.2.3") {
		t.Fatalf("about entry=%+v", abouts)
	}
}

func TestBuiltinCommandsMemorySchedulesTool(t *testing.T) {
	t.Parallel()

	cmds := &BuiltinCommands{History: NewHistoryStore()}
	outcome, handled, err := cmds.Process(context.Background(), "/memory add prefers tabs over spaces")
	if err != nil || !handled {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	if outcome.Kind != CommandOutcomeScheduleTool || outcome.ToolName != "save_memory" {
		t.Fatalf("outcome=%+v", outcome)
	}
	if fact, _ := outcome.ToolArgs["fact"].(string); fact != "prefers tabs over spaces" {
		t.Fatalf("fact=%q", fact)
	}

	if _, _, err := cmds.Process(context.Background(), "/memory"); err == nil {
		t.Fatal("bare /memory must error with usage")
	}
}

func TestBuiltinCommandsQuit(t *testing.T) {
	t.Parallel()

	history := NewHistoryStore()
	quits := 0
	cmds := &BuiltinCommands{History: history, OnQuit: func() { quits++ }}
	if _, handled, _ := cmds.Process(context.Background(), "/quit"); !handled {
		t.Fatal("quit not handled")
	}
	if quits != 1 {
		t.Fatalf("quits=%d", quits)
	}
	if got := entriesOfKind(history.Entries(), HistoryKindQuit); len(got) != 1 {
		t.Fatalf("quit entries=%d", len(got))
	}
}

func TestBuiltinCommandsRestoreLists(t *testing.T) {
	t.Parallel()

	history := NewHistoryStore()
	cmds := &BuiltinCommands{History: history}

	// Disabled checkpointing still answers politely.
	if _, handled, err := cmds.Process(context.Background(), "/restore"); !handled || err != nil {
		t.Fatalf("handled=%v err=%v", handled, err)
	}

	store, err := checkpointstore.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	rec := checkpointstore.Record{
		FileName:        "2026-08-06T10-00-00_000-a.ts-edit.json",
		ToolName:        "edit",
		TargetPath:      "/p/a.ts",
		CommitHash:      "abc",
		CreatedAtUnixMs: 1754400000000,
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	cmds.Checkpoints = store
	if _, handled, err := cmds.Process(context.Background(), "/restore"); !handled || err != nil {
		t.Fatalf("handled=%v err=%v", handled, err)
	}
	infos := entriesOfKind(history.Entries(), HistoryKindInfo)
	found := false
	for _, entry := range infos {
		if strings.Contains(entry.Text, "/p/a.ts") && strings.Contains(entry.Text, "edit") {
			found = true
		}
	}
	if !found {
		t.Fatalf("restore listing missing: %+v", infos)
	}
}

func TestBuiltinCommandsUnknownFallsThrough(t *testing.T) {
	t.Parallel()

	cmds := &BuiltinCommands{History: NewHistoryStore()}
	if _, handled, err := cmds.Process(context.Background(), "/definitely-not-a-command"); handled || err != nil {
		t.Fatalf("handled=%v err=%v, want fall-through", handled, err)
	}
}

func TestFileAtCommandsEnrichesPayload(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("remember the milk"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	at := &FileAtCommands{Root: root}
	parts, ok, err := at.Process(context.Background(), "summarize @notes.txt please")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if len(parts) != 2 {
		t.Fatalf("parts=%d, want query + file", len(parts))
	}
	if !strings.Contains(parts[1].Text, "remember the milk") {
		t.Fatalf("file part=%q", parts[1].Text)
	}

	if _, ok, _ := at.Process(context.Background(), "no references here"); ok {
		t.Fatal("query without @refs must pass through")
	}
	if _, _, err := at.Process(context.Background(), "read @missing.txt"); err == nil {
		t.Fatal("missing file must error")
	}
}

func TestExtractAtRefs(t *testing.T) {
	t.Parallel()

	refs := extractAtRefs("check @a.go and @dir/b.go, ignore bob@example.com and bare @")
	if len(refs) != 2 || refs[0] != "a.go" || refs[1] != "dir/b.go" {
		t.Fatalf("refs=%v", refs)
	}
}

func TestBangShell(t *testing.T) {
	t.Parallel()

	var ran string
	sh := &BangShell{Exec: func(_ context.Context, command string) error {
		ran = command
		return nil
	}}
	if !sh.IsShellCommand("!ls -la") || sh.IsShellCommand("ls -la") {
		t.Fatal("bang detection wrong")
	}
	if err := sh.Run(context.Background(), "!ls -la"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran != "ls -la" {
		t.Fatalf("ran=%q, want stripped bang", ran)
	}
	if err := sh.Run(context.Background(), "!"); err == nil {
		t.Fatal("bare bang must error")
	}
}
