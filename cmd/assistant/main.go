// Toolkit Assistant - embedded conversational assistant core
// License: MIT
//
// Copyright (c) 2026 UE Toolkits contributors

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/agent"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/bus"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/config"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/logger"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/memory"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/promptcache"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/providers"
	"github.com/Awfp1314/ue-toolkits-assistant/pkg/tools"
)

var (
	version   = "dev"
	gitCommit string
)

const appName = "assistant"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime bundles everything a chat session needs, wired once.
type runtime struct {
	cfg         *config.Config
	memory      *memory.Service
	audit       *tools.AuditLog
	registry    *tools.Registry
	bus         *bus.MessageBus
	coordinator *agent.Coordinator
	maintenance *memory.MaintenanceWorker
	maintCancel context.CancelFunc
}

func buildRuntime(cfg *config.Config, confirmer tools.Confirmer) (*runtime, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetJSON(cfg.Logging.JSON)

	workspace := cfg.WorkspacePath()

	provider, err := providers.NewHTTPProvider(providers.HTTPProviderOptions{
		APIKey:      cfg.Provider.APIKey,
		APIBase:     cfg.Provider.APIBase,
		Proxy:       cfg.Provider.Proxy,
		Model:       cfg.Assistant.Model,
		MaxTokens:   cfg.Assistant.MaxTokens,
		Temperature: cfg.Assistant.Temperature,
	})
	if err != nil {
		return nil, err
	}

	mem, err := memory.NewService(memory.Options{
		Dir:                   filepath.Join(workspace, "state", "memory"),
		EmbeddingModel:        cfg.Memory.EmbeddingModel,
		RecallItems:           cfg.Memory.RecallItems,
		MinScore:              cfg.Memory.MinScore,
		CompressAfterTurns:    cfg.Memory.CompressAfterTurns,
		CompressKeepTurns:     cfg.Memory.CompressKeepTurns,
		TombstoneRebuildRatio: cfg.Memory.TombstoneRebuildRatio,
		TombstoneRebuildMin:   cfg.Memory.TombstoneRebuildMin,
		Summarize:             providerSummarizer(provider),
	})
	if err != nil {
		return nil, fmt.Errorf("init memory: %w", err)
	}

	audit, err := tools.OpenAuditLog(filepath.Join(workspace, "state"))
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("init audit log: %w", err)
	}

	registry := tools.NewRegistry(confirmer, audit, time.Duration(cfg.Tools.TimeoutSeconds)*time.Second)
	restrict := cfg.Tools.RestrictToWorkspace
	for _, tool := range []tools.Tool{
		tools.NewReadFileTool(workspace, restrict),
		tools.NewListDirTool(workspace, restrict),
		tools.NewWriteFileTool(workspace, restrict),
		tools.NewRememberTool(mem),
	} {
		if err := registry.Register(tool); err != nil {
			mem.Close()
			audit.Close()
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}

	cache := promptcache.NewCache(cfg.Cache.Capacity, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	estimator := agent.NewTokenEstimator()
	assembler := agent.NewAssembler(workspace, registry, mem, cache, estimator, cfg.Assistant.ContextWindow, cfg.Assistant.MaxTokens)

	msgBus := bus.NewMessageBus()
	coordinator := agent.NewCoordinator(provider, registry, mem, assembler, msgBus, estimator, agent.Options{
		SessionKey:    "local",
		MaxToolRounds: cfg.Assistant.MaxToolRounds,
		ProbeTimeout:  time.Duration(cfg.Assistant.ProbeTimeoutSeconds) * time.Second,
		StreamTimeout: time.Duration(cfg.Assistant.StreamTimeoutSeconds) * time.Second,
	})

	rt := &runtime{
		cfg:         cfg,
		memory:      mem,
		audit:       audit,
		registry:    registry,
		bus:         msgBus,
		coordinator: coordinator,
	}

	if cron := cfg.Memory.MaintenanceCron; cron != "" {
		worker, err := memory.NewMaintenanceWorker(mem, cron)
		if err != nil {
			rt.Close()
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		rt.maintenance = worker
		rt.maintCancel = cancel
		go worker.Start(ctx)
	}

	return rt, nil
}

func (rt *runtime) Close() {
	if rt.maintCancel != nil {
		rt.maintCancel()
		rt.maintenance.Stop()
	}
	rt.coordinator.Close()
	rt.bus.Close()
	rt.registry.Close()
	rt.audit.Close()
	rt.memory.Close()
}

// terminalConfirmer asks on stdout/stdin before any WRITE tool runs.
type terminalConfirmer struct {
	in *bufio.Reader
}

func newTerminalConfirmer() *terminalConfirmer {
	return &terminalConfirmer{in: bufio.NewReader(os.Stdin)}
}

func (t *terminalConfirmer) Confirm(ctx context.Context, req tools.ConfirmationRequest) (tools.ConfirmationDecision, error) {
	fmt.Printf("\n%s wants to run %s (%s)\n", appName, req.Tool, req.Description)
	for key, value := range req.Args {
		fmt.Printf("  %s: %v\n", key, value)
	}
	fmt.Print("Allow? [y/N] ")

	line, err := t.in.ReadString('\n')
	if err != nil {
		return tools.ConfirmationDecision{}, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer == "y" || answer == "yes" {
		return tools.ConfirmationDecision{Approved: true, ApprovedBy: "local-user"}, nil
	}
	return tools.ConfirmationDecision{Approved: false, Reason: "declined at terminal"}, nil
}

// providerSummarizer backs session compression with a plain probe call.
func providerSummarizer(p providers.LLMProvider) memory.SummaryFunc {
	return func(ctx context.Context, existingSummary, transcript string) (string, error) {
		messages := []providers.Message{
			{Role: "system", Content: "You maintain a rolling summary of a conversation. Merge the existing summary with the new turns into one concise summary that keeps decisions, facts and open tasks. Reply with the summary only."},
			{Role: "user", Content: fmt.Sprintf("Existing summary:\n%s\n\nNew turns:\n%s", existingSummary, transcript)},
		}
		result, err := p.Probe(ctx, messages, nil)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(result.Content), nil
	}
}

func runChat(rt *runtime) error {
	fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".assistant_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		turnID, err := rt.coordinator.Submit(input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		streamTurn(rt, turnID)
	}
}

// streamTurn prints the turn's deltas as they arrive and returns once
// the turn reaches a terminal event.
func streamTurn(rt *runtime, turnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	fmt.Printf("\n%s ", appName)
	printed := false
	for {
		msg, ok := rt.bus.SubscribeOutbound(ctx)
		if !ok {
			fmt.Println("\n(connection to assistant lost)")
			return
		}
		if msg.TurnID != turnID {
			continue
		}
		switch msg.Kind {
		case bus.EventDelta:
			fmt.Print(msg.Content)
			printed = true
		case bus.EventFinal:
			if !printed {
				fmt.Print(msg.Content)
			}
			fmt.Print("\n\n")
			return
		case bus.EventError:
			fmt.Printf("\n%s\n\n", msg.Content)
			return
		case bus.EventState:
			if msg.State == string(agent.StateCancelled) {
				fmt.Print("\n(cancelled)\n\n")
				return
			}
		}
	}
}
