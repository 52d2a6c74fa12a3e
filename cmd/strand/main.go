package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/strand/internal/ai"
	"github.com/floegence/strand/internal/ai/checkpointstore"
	"github.com/floegence/strand/internal/config"
	"github.com/floegence/strand/internal/lockfile"
	"github.com/floegence/strand/internal/monitor"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
)

func main() {
	fs := flag.NewFlagSet("strand", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	stateDir := fs.String("state-dir", config.DefaultStateDir(), "State directory")
	model := fs.String("model", "", "Model id override (<provider_id>/<model_name>)")
	logFormat := fs.String("log-format", "text", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	showVersion := fs.Bool("version", false, "Print build information and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("strand %s\n", Version)
		return
	}

	log := newLogger(*logFormat, *logLevel)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "No config at %s. Create one first.\n", *cfgPath)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}

	if err := run(log, cfg, *stateDir, *model); err != nil {
		log.Error("strand exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(format string, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(log *slog.Logger, cfg *config.Config, stateDir string, modelOverride string) error {
	lock, err := lockfile.AcquireStateDir(stateDir)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			pid := lockfile.HolderPID(filepath.Join(stateDir, "strand.lock"))
			return fmt.Errorf("another strand session is running (pid %d)", pid)
		}
		return err
	}
	defer lock.Release()

	rootDir := strings.TrimSpace(cfg.RootDir)
	if rootDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		rootDir = wd
	}

	settings, err := config.LoadSettings(rootDir)
	if err != nil {
		log.Warn("settings overlay ignored", "error", err)
	}
	limits := ai.RecoveryLimits{
		StreamRetryLimit:    settings.StreamRetryLimit,
		AutoMaxAttempts:     settings.AutoRecoveryMaxAttempts,
		LoopMaxAttempts:     settings.LoopRecoveryMaxAttempts,
		ProviderMaxAttempts: settings.ProviderRecoveryMaxAttempts,
		LimitMaxAttempts:    settings.LimitRecoveryMaxAttempts,
		FinishMaxAttempts:   settings.FinishRecoveryMaxAttempts,
	}

	modelID := strings.TrimSpace(modelOverride)
	if modelID == "" {
		modelID = strings.TrimSpace(cfg.DefaultModel)
	}
	if modelID == "" {
		return fmt.Errorf("no model configured; set default_model or pass -model")
	}
	client, err := buildClient(log, cfg, modelID)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	history := ai.NewHistoryStore()
	registry := ai.NewToolRegistry()
	memoryFile := filepath.Join(stateDir, "memory.md")
	if err := ai.RegisterBuiltinTools(registry, rootDir, memoryFile); err != nil {
		return err
	}

	var index *checkpointstore.Store
	var checkpoints *ai.CheckpointWriter
	if cfg.CheckpointingEnabled {
		checkpointDir := strings.TrimSpace(cfg.CheckpointDir)
		if checkpointDir == "" {
			checkpointDir = filepath.Join(stateDir, "checkpoints")
		}
		index, err = checkpointstore.Open(filepath.Join(checkpointDir, "index.db"))
		if err != nil {
			log.Warn("checkpoint index unavailable", "error", err)
			index = nil
		} else {
			defer index.Close()
		}
		checkpoints, err = ai.NewCheckpointWriter(ai.CheckpointWriterOptions{
			Log:      log,
			Dir:      checkpointDir,
			StateDir: stateDir,
			History:  history,
			Client:   client,
			Index:    index,
		})
		if err != nil {
			return err
		}
	}

	approvalMode := ai.ApprovalMode(strings.TrimSpace(cfg.ApprovalMode))
	if approvalMode == "" {
		approvalMode = ai.ApprovalModeDefault
	}
	approvalPrompts := make(chan ai.ToolCallRequestInfo, 8)
	schedOpts := ai.SchedulerOptions{
		Log:          log,
		Registry:     registry,
		ApprovalMode: approvalMode,
		OnApproval: func(call ai.ToolCallRequestInfo) {
			approvalPrompts <- call
		},
	}
	if checkpoints != nil {
		schedOpts.CheckpointHook = checkpoints.Hook()
	}
	scheduler, err := ai.NewToolScheduler(schedOpts)
	if err != nil {
		return err
	}

	mon := monitor.NewService(log)
	quit := make(chan struct{})
	commands := &ai.BuiltinCommands{
		History:     history,
		Monitor:     mon,
		Checkpoints: index,
		Version:     Version,
		OnQuit:      func() { close(quit) },
	}
	shell := &ai.BangShell{Exec: func(ctx context.Context, command string) error {
		cmd := exec.CommandContext(ctx, shellPath(), "-c", command)
		cmd.Dir = rootDir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}}

	controller, err := ai.NewController(ai.ControllerOptions{
		Log:        log,
		History:    history,
		Client:     client,
		Scheduler:  scheduler,
		Limits:     limits,
		SessionID:  sessionID,
		Commands:   commands,
		AtCommands: &ai.FileAtCommands{Root: rootDir},
		Shell:      shell,
		OnAuthError: func(err error) {
			fmt.Fprintf(os.Stderr, "Authentication failed: %v\nCheck the provider API key and restart.\n", err)
		},
	})
	if err != nil {
		return err
	}
	scheduler.SetCompletionHandler(controller.HandleCompletedTools)
	controller.SetShellMode(true)

	printWelcomeBanner(os.Stdout, welcomeBannerOptions{Version: Version, Model: modelID, Root: rootDir})

	return repl(controller, history, approvalPrompts, scheduler, quit)
}

func buildClient(log *slog.Logger, cfg *config.Config, modelID string) (ai.ModelClient, error) {
	providerID, modelName, ok := strings.Cut(modelID, "/")
	if !ok || strings.TrimSpace(modelName) == "" {
		return nil, fmt.Errorf("invalid model id %q", modelID)
	}
	provider, found := cfg.Lookup(providerID)
	if !found {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
	keyEnv := strings.TrimSpace(provider.APIKeyEnv)
	if keyEnv == "" {
		keyEnv = "STRAND_API_KEY"
	}
	apiKey := strings.TrimSpace(os.Getenv(keyEnv))
	if apiKey == "" {
		return nil, fmt.Errorf("provider %q is missing an API key in $%s", providerID, keyEnv)
	}
	clientLimits := ai.ClientLimits{
		MaxSessionTurns:   cfg.MaxSessionTurns,
		SessionTokenLimit: cfg.SessionTokenLimit,
		TurnBudgetTokens:  cfg.TurnBudgetTokens,
	}

	switch strings.TrimSpace(provider.Type) {
	case "anthropic":
		return ai.NewAnthropicClient(ai.AnthropicClientOptions{
			Log:     log,
			APIKey:  apiKey,
			BaseURL: provider.BaseURL,
			Model:   modelName,
			Limits:  clientLimits,
		})
	default:
		return ai.NewOpenAIClient(ai.OpenAIClientOptions{
			Log:     log,
			APIKey:  apiKey,
			BaseURL: provider.BaseURL,
			Model:   modelName,
			Limits:  clientLimits,
		})
	}
}

func shellPath() string {
	if sh := strings.TrimSpace(os.Getenv("SHELL")); sh != "" {
		return sh
	}
	return "/bin/bash"
}

// repl is the minimal line-oriented front end: read a query, run the turn,
// render the new history entries, answer approval prompts inline.
func repl(controller *ai.Controller, history *ai.HistoryStore, approvals <-chan ai.ToolCallRequestInfo, scheduler *ai.ToolScheduler, quit <-chan struct{}) error {
	reader := bufio.NewReader(os.Stdin)
	rendered := 0

	renderNew := func() {
		for _, entry := range history.Entries() {
			if entry.ID <= rendered {
				continue
			}
			rendered = entry.ID
			printEntry(os.Stdout, entry)
		}
	}

	for {
		select {
		case <-quit:
			return nil
		default:
		}

		fmt.Fprint(os.Stdout, "> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		controller.SubmitText(line)

		// Drain approvals and wait for the turn (plus continuations) to settle.
		settled := make(chan struct{})
		go func() {
			controller.Wait()
			close(settled)
		}()
	waitLoop:
		for {
			select {
			case call := <-approvals:
				if promptApproval(reader, call) {
					_ = scheduler.Approve(call.CallID, true)
				} else {
					_ = scheduler.Approve(call.CallID, false)
				}
			case <-settled:
				break waitLoop
			case <-quit:
				return nil
			}
		}

		// Give trailing tool continuations a moment to settle their entries.
		for controller.StreamingState() != ai.StreamingStateIdle {
			time.Sleep(50 * time.Millisecond)
		}
		renderNew()
	}
}

func promptApproval(reader *bufio.Reader, call ai.ToolCallRequestInfo) bool {
	fmt.Fprintf(os.Stdout, "Tool %s wants to run with args %v. Approve? [y/N] ", call.Name, call.Args)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printEntry(w *os.File, entry ai.HistoryEntry) {
	switch entry.Kind {
	case ai.HistoryKindUser, ai.HistoryKindUserShell:
		// Already echoed by the terminal.
	case ai.HistoryKindToolGroup:
		for _, tool := range entry.Tools {
			fmt.Fprintf(w, "[tool] %s → %s\n", tool.Name, tool.Status)
		}
	case ai.HistoryKindError:
		fmt.Fprintf(w, "[error] %s\n", entry.Text)
	case ai.HistoryKindInfo, ai.HistoryKindCompression:
		fmt.Fprintf(w, "[info] %s\n", entry.Text)
	default:
		fmt.Fprintln(w, entry.Text)
	}
}
