package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/suPer8Hu/chat-memory/internal/app"
	"github.com/suPer8Hu/chat-memory/internal/chatmemory"
	"github.com/suPer8Hu/chat-memory/internal/config"
	"github.com/suPer8Hu/chat-memory/internal/logger"
)

var (
	envFile string
	backend string
	verbose bool

	agent, userID, sessionID string
)

var rootCmd = &cobra.Command{
	Use:          "memctl",
	Short:        "Inspect and maintain the chat memory index",
	SilenceUsage: true,
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "override VECTOR_BACKEND (redis|memory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log store activity to stderr")
}

func conversationFlags(c *cobra.Command) {
	c.Flags().StringVar(&agent, "agent", "", "agent name (defaults to AGENT_NAME)")
	c.Flags().StringVar(&userID, "user", "", "user id")
	c.Flags().StringVar(&sessionID, "session", "", "session id")
}

func conversation(cfg config.Config) chatmemory.Conversation {
	a := agent
	if a == "" {
		a = cfg.AgentName
	}
	return chatmemory.Conversation{Agent: a, UserID: userID, SessionID: sessionID}
}

// open builds the store stack the same way the server does.
func open(ctx context.Context) (*app.App, config.Config, error) {
	_ = godotenv.Load(envFile)
	cfg := config.Load()
	if backend != "" {
		cfg.VectorBackend = backend
	}

	log := logger.Nop()
	if verbose {
		l, err := logger.New("dev")
		if err != nil {
			return nil, cfg, err
		}
		log = l
	}
	a, err := app.Build(ctx, cfg, log)
	return a, cfg, err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
