package ai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/floegence/strand/internal/ai/checkpointstore"
)

// checkpointPayload is the restorable snapshot written before an
// approval-gated mutating tool runs.
type checkpointPayload struct {
	History       []HistoryEntry  `json:"history"`
	ClientHistory []ClientMessage `json:"client_history"`
	ToolCall      struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args,omitempty"`
	} `json:"tool_call"`
	CommitHash string `json:"commit_hash"`
	FilePath   string `json:"file_path"`
}

// CheckpointWriter persists pre-approval snapshots: a git capture of the
// target file plus the conversation state, as one JSON blob per checkpoint,
// with a SQLite index for cheap listing.
type CheckpointWriter struct {
	log      *slog.Logger
	dir      string
	stateDir string
	history  *HistoryStore
	client   ModelClient
	index    *checkpointstore.Store
	nowFn    func() time.Time
}

type CheckpointWriterOptions struct {
	Log      *slog.Logger
	Dir      string
	StateDir string
	History  *HistoryStore
	Client   ModelClient
	Index    *checkpointstore.Store
}

func NewCheckpointWriter(opts CheckpointWriterOptions) (*CheckpointWriter, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing checkpoint dir")
	}
	if opts.History == nil {
		return nil, errors.New("missing history store")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &CheckpointWriter{
		log:      opts.Log,
		dir:      dir,
		stateDir: strings.TrimSpace(opts.StateDir),
		history:  opts.History,
		client:   opts.Client,
		index:    opts.Index,
		nowFn:    time.Now,
	}, nil
}

// checkpointTimestamp renders the filename stamp: 2026-08-06T14-03-27_512.
func checkpointTimestamp(t time.Time) string {
	return t.Format("2006-01-02T15-04-05") + "_" + t.Format(".000")[1:]
}

// Save snapshots the tool's target file and the conversation, writing
// <timestamp>-<basename>-<tool_name>.json into the checkpoint directory.
func (w *CheckpointWriter) Save(ctx context.Context, call ToolCallRequestInfo) error {
	if w == nil {
		return errors.New("nil checkpoint writer")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	filePath, _ := call.Args["file_path"].(string)
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return errors.New("tool call has no file_path argument")
	}

	commitHash, err := gitSnapshotFile(ctx, w.stateDir, filePath)
	if err != nil {
		// The conversation snapshot is still worth keeping for restore.
		w.log.Warn("checkpoint git snapshot failed", "file_path", filePath, "error", err)
		commitHash = ""
	}

	payload := checkpointPayload{
		History:    w.history.Entries(),
		CommitHash: commitHash,
		FilePath:   filePath,
	}
	if w.client != nil {
		payload.ClientHistory = w.client.History()
	}
	payload.ToolCall.Name = strings.TrimSpace(call.Name)
	payload.ToolCall.Args = call.Args

	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return err
	}
	now := w.nowFn()
	name := checkpointTimestamp(now) + "-" + filepath.Base(filePath) + "-" + payload.ToolCall.Name + ".json"
	path := filepath.Join(w.dir, name)

	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	if w.index != nil {
		rec := checkpointstore.Record{
			FileName:        name,
			ToolName:        payload.ToolCall.Name,
			TargetPath:      filePath,
			CommitHash:      commitHash,
			CreatedAtUnixMs: now.UnixMilli(),
		}
		if err := w.index.Insert(ctx, rec); err != nil {
			w.log.Warn("checkpoint index insert failed", "file", name, "error", err)
		}
	}

	w.log.Debug("checkpoint written", "file", name, "commit_hash", commitHash)
	return nil
}

// Hook adapts the writer to the scheduler's checkpoint hook.
func (w *CheckpointWriter) Hook() CheckpointHook {
	return func(ctx context.Context, call ToolCallRequestInfo) error {
		return w.Save(ctx, call)
	}
}
