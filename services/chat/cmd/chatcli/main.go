// Command chatcli is a terminal chat client that runs page sessions locally
// against a completion provider.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"streamchat/internal/util"
	"streamchat/pkg/ai"
	"streamchat/pkg/store"
)

type options struct {
	provider    string
	model       string
	baseURL     string
	apiKey      string
	system      string
	databaseURL string
	owner       string
	logLevel    string
	noColor     bool
}

func main() {
	_ = godotenv.Load()
	opts := options{}

	rootCmd := &cobra.Command{
		Use:   "chatcli",
		Short: "Streaming chat in the terminal",
		Long: `chatcli runs an interactive chat session against a completion provider.

Type a message and press enter. Lines starting with / are commands;
use /help to list them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sh, cleanup, err := newShellFromOptions(opts)
			if err != nil {
				return err
			}
			defer cleanup()
			return sh.run(cmd.Context(), os.Stdin)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.provider, "provider", envOr("AI_PROVIDER", ai.ProviderOllama), "completion provider (openai|ollama|gemini)")
	flags.StringVar(&opts.model, "model", os.Getenv("AI_MODEL"), "model name")
	flags.StringVar(&opts.baseURL, "base-url", os.Getenv("AI_BASE_URL"), "provider base URL")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv("AI_API_KEY"), "provider API key")
	flags.StringVar(&opts.system, "system", os.Getenv("AI_SYSTEM_PROMPT"), "system prompt")
	flags.StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres DSN; transcripts stay in memory when empty")
	flags.StringVar(&opts.owner, "owner", envOr("CHATCLI_OWNER", "local"), "owner id used for stored conversations")
	flags.StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(askCmd(&opts), listCmd(&opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func askCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the streamed reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sh, cleanup, err := newShellFromOptions(*opts)
			if err != nil {
				return err
			}
			defer cleanup()
			return sh.send(cmd.Context(), args[0])
		},
	}
}

func listCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sh, cleanup, err := newShellFromOptions(*opts)
			if err != nil {
				return err
			}
			defer cleanup()
			return sh.list(cmd.Context(), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum conversations to show")
	return cmd
}

func newShellFromOptions(opts options) (*shell, func(), error) {
	// stdout carries the conversation, so logs go to stderr as text.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: util.ParseLevel(opts.logLevel)}))
	slog.SetDefault(logger)
	source, err := ai.NewStreamSource(ai.Config{
		Provider:     opts.provider,
		Model:        opts.model,
		BaseURL:      opts.baseURL,
		APIKey:       opts.apiKey,
		SystemPrompt: opts.system,
	})
	if err != nil {
		return nil, nil, err
	}
	var conversations store.ConversationStore
	cleanup := func() {}
	if opts.databaseURL != "" {
		gs, err := store.NewGormStore(opts.databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		conversations = gs
		cleanup = func() { _ = gs.Close() }
	} else {
		conversations = store.NewMemoryStore()
	}
	sh := newShell(shellConfig{
		Owner:   opts.owner,
		Store:   conversations,
		Source:  source,
		Logger:  logger,
		Out:     os.Stdout,
		NoColor: opts.noColor,
	})
	return sh, func() {
		sh.close()
		cleanup()
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
