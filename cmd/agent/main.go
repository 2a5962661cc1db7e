package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polzovatel/ai-agent-for-browser-fast/internal/actions"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/agentcore"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/browser"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/config"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/eventlog"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/llm"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/navigator"
	"github.com/polzovatel/ai-agent-for-browser-fast/internal/store"
)

type cliOptions struct {
	task        string
	storage     string
	saveState   string
	replayStore string
	replaySess  string
}

func main() {
	_ = godotenv.Load()
	opts := parseFlags()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmClient, err := llm.NewClientWithLogger(log.With().Str("comp", "llm").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("llm init")
	}

	launcher, err := browser.NewLauncher(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("browser init")
	}
	defer launcher.Close()

	ctrl, err := launcher.NewController(ctx, opts.storage)
	if err != nil {
		log.Fatal().Err(err).Msg("browser controller")
	}

	events := eventlog.NewManager(log.With().Str("comp", "events").Logger())
	events.Subscribe(func(ev eventlog.Event) {
		if ev.Err != "" {
			log.Warn().Str("actor", string(ev.Actor)).Str("state", string(ev.State)).Str("intent", ev.Intent).Str("error", ev.Err).Msg("event")
			return
		}
		log.Info().Str("actor", string(ev.Actor)).Str("state", string(ev.State)).Str("intent", ev.Intent).Msg("event")
	})

	sessionID := uuid.NewString()
	adapter := navigator.NewBrowserAdapter(ctrl)
	registry := actions.NewDefaultRegistry()
	nav := navigator.NewNavigator(llmClient, registry, adapter, events, sessionID)
	plan := navigator.NewPlanner(llmClient, events)
	val := navigator.NewValidator(llmClient, events)

	history := store.NewMessageHistory(cfg.MaxInputTokens)
	executor := agentcore.NewExecutor(agentcore.FromOptions(cfg), nav, plan, val, adapter, events, history, log.With().Str("comp", "executor").Logger())

	defer func() {
		if err := executor.Cleanup(context.Background()); err != nil {
			log.Error().Err(err).Msg("cleanup")
		}
	}()

	if opts.replaySess != "" {
		runReplay(ctx, executor, nav, opts)
		return
	}

	if opts.task == "" {
		task, cancelled, err := promptTask()
		if err != nil {
			log.Fatal().Err(err).Msg("prompt task failed")
		}
		if cancelled {
			fmt.Println("Cancelled.")
			return
		}
		opts.task = task
	}

	fmt.Println("Starting task...")
	if err := executor.Execute(ctx, sessionID, opts.task); err != nil {
		log.Error().Err(err).Msg("run finished with error")
		return
	}

	if opts.saveState != "" {
		if err := ctrl.SaveState(ctx, opts.saveState); err != nil {
			log.Error().Err(err).Msg("save state")
		} else {
			log.Info().Str("path", opts.saveState).Msg("storage saved")
		}
	}
}

func runReplay(ctx context.Context, executor *agentcore.Executor, nav *navigator.Navigator, opts cliOptions) {
	replayStore, err := store.NewReplayStore(opts.replayStore)
	if err != nil {
		log.Fatal().Err(err).Msg("open replay store")
	}
	defer replayStore.Close()

	err = executor.ReplayHistory(ctx, opts.replaySess, replayStore, nav, agentcore.ReplayOptions{
		MaxRetries: 2,
	})
	if err != nil {
		log.Error().Err(err).Msg("replay finished with error")
	}
}

func parseFlags() cliOptions {
	task := flag.String("task", "", "Task description")
	storage := flag.String("storage", "", "Path to Playwright storage state")
	save := flag.String("save-state", "", "Path to save updated storage state")
	replayStore := flag.String("replay-db", "replay.db", "Path to the replay SQLite store")
	replaySess := flag.String("replay", "", "Session id to replay instead of running a live task")
	flag.Parse()
	return cliOptions{
		task:        strings.TrimSpace(*task),
		storage:     strings.TrimSpace(*storage),
		saveState:   strings.TrimSpace(*save),
		replayStore: strings.TrimSpace(*replayStore),
		replaySess:  strings.TrimSpace(*replaySess),
	}
}

func promptTask() (string, bool, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Enter task (leave empty to cancel): ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", false, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", true, nil
	}

	const maxTaskLength = 2000
	if len(line) > maxTaskLength {
		fmt.Printf("Task too long (max %d characters), truncated\n", maxTaskLength)
		line = line[:maxTaskLength]
	}

	var sanitized strings.Builder
	for _, r := range line {
		if r >= 32 || r == '\n' || r == '\r' || r == '\t' {
			sanitized.WriteRune(r)
		}
	}

	return sanitized.String(), false, nil
}
