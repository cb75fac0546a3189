package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	isatty "github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"ask/internal/cache"
	"ask/internal/chat"
	"ask/internal/config"
	"ask/internal/ollama"
	"ask/internal/session"
	"ask/internal/telemetry"
)

const version = "1.0.0"

var (
	cfgFile    string
	listModels bool
	noStream   bool
)

var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:   "ask [prompt...]",
	Short: "Query local LLMs over the Ollama HTTP API",
	Long: `ask is a fast command-line client for a local Ollama server.
It supports one-shot queries, piped input, interactive chat with
persisted sessions, streaming output, and JSON-constrained responses.`,
	Version:       version,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&cfg.Model, "model", "m", cfg.Model, "model to use")
	f.StringVarP(&cfg.System, "system", "s", "", "system prompt")
	f.BoolVarP(&cfg.Think, "think", "t", false, "enable thinking/reasoning mode")
	f.BoolVar(&cfg.JSON, "json", false, "force JSON output format")
	f.BoolVar(&noStream, "no-stream", false, "disable streaming output")
	f.Float64Var(&cfg.Temperature, "temperature", 0, "sampling temperature")
	f.IntVar(&cfg.NumCtx, "ctx", 0, "context window size (num_ctx)")
	f.StringVar(&cfg.LoadName, "load", "", "load a previous session by name")
	f.StringVarP(&cfg.Output, "output", "o", "", "write output to file")
	f.BoolVar(&listModels, "list-models", false, "list available models")
	f.StringVar(&cfgFile, "config", "", "config file (default is ~/.config/ask/config.yaml)")
	f.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")

	rootCmd.SetVersionTemplate(fmt.Sprintf("ask version %s\n", version))
}

func run(cmd *cobra.Command, args []string) error {
	// Precedence: defaults < config file < environment < flags. Flags are
	// bound to cfg directly, so file and env values only fill in fields
	// the user did not set on the command line.
	fileCfg := config.Default()
	if cfgFile != "" {
		if err := config.Load(cfgFile, &fileCfg); err != nil {
			return err
		}
	} else if err := config.LoadDefault(&fileCfg); err != nil {
		return err
	}
	fileCfg.ApplyEnv()
	mergeUnset(cmd, &fileCfg)
	cfg.Stream = !noStream

	logger, err := telemetry.InitLogger(cfg.HistoryDir, cfg.Debug)
	if err != nil {
		return err
	}
	cleanup, err := telemetry.InitTelemetry(cmd.Context(), cfg.HistoryDir)
	if err != nil {
		return err
	}
	defer cleanup()

	client := ollama.NewClient(cfg.Host, config.DefaultTimeout, logger)
	store := session.NewStore(cfg.HistoryDir, cfg.HistoryLimit)

	respCache, err := cache.Open(filepath.Join(cfg.HistoryDir, "cache.db"), config.DefaultCacheTTL, logger)
	if err != nil {
		logger.Warn("failed to open response cache, continuing without it", "error", err)
		respCache = nil
	} else {
		defer respCache.Close()
	}

	c := chat.New(cfg, client, store, respCache, logger)

	if listModels {
		return c.ListModels(cmd.Context())
	}

	prompt := assemblePrompt(args, os.Stdin)
	if prompt == "" {
		return c.RunInteractive(cmd.Context())
	}
	return c.RunOnce(cmd.Context(), prompt)
}

// mergeUnset copies file/env values into cfg for every field whose flag
// the user did not pass explicitly.
func mergeUnset(cmd *cobra.Command, from *config.Config) {
	f := cmd.Flags()
	if !f.Changed("model") {
		cfg.Model = from.Model
	}
	if !f.Changed("system") && from.System != "" {
		cfg.System = from.System
	}
	if !f.Changed("temperature") {
		cfg.Temperature = from.Temperature
	}
	if !f.Changed("ctx") {
		cfg.NumCtx = from.NumCtx
	}
	if !f.Changed("think") {
		cfg.Think = from.Think
	}
	if !f.Changed("json") {
		cfg.JSON = from.JSON
	}
	if !f.Changed("no-stream") {
		noStream = !from.Stream
	}
	if !f.Changed("debug") {
		cfg.Debug = from.Debug
	}
	cfg.Host = from.Host
	cfg.Color = from.Color && isatty.IsTerminal(os.Stdout.Fd())
	cfg.HistoryDir = from.HistoryDir
	cfg.HistoryLimit = from.HistoryLimit
	cfg.ContextBudget = from.ContextBudget
}

// assemblePrompt joins the argv prompt with piped stdin. When both are
// present the piped text is appended as context, so
// `cat file | ask "summarize"` works as expected.
func assemblePrompt(args []string, stdin *os.File) string {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if isatty.IsTerminal(stdin.Fd()) || isatty.IsCygwinTerminal(stdin.Fd()) {
		return prompt
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return prompt
	}
	piped := strings.TrimSpace(string(data))
	switch {
	case piped == "":
		return prompt
	case prompt == "":
		return piped
	default:
		return prompt + "\n\nContext:\n" + piped
	}
}

func execute() int {
	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return 1
}
