package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"EdgeChat/internal/chatbot"
	"EdgeChat/internal/config"
)

// stringList collects a repeatable flag
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	cfg := config.Default()
	var system stringList

	flag.StringVar(&cfg.ConfigFile, "config", "", "Path to a YAML config file")
	flag.StringVar(&cfg.Model, "model", cfg.Model, "Model identifier")
	flag.IntVar(&cfg.MaxHistory, "max-history", cfg.MaxHistory, "Number of user/assistant pairs kept in history")
	flag.IntVar(&cfg.TimeoutMs, "timeout-ms", cfg.TimeoutMs, "Request timeout in milliseconds (0 = none)")
	flag.StringVar(&cfg.Host, "host", cfg.Host, "API host")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "API port")
	flag.StringVar(&cfg.Path, "path", cfg.Path, "Chat completions path")
	flag.StringVar(&cfg.RootCAFile, "root-ca", "", "PEM file with the root certificate to trust")
	flag.BoolVar(&cfg.Stream, "stream", cfg.Stream, "Stream replies as they are generated")
	flag.Var(&system, "system", "System prompt segment (repeatable)")
	flag.StringVar(&cfg.SessionID, "session-id", "", "Continue an existing transcript by ID")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite transcript database (empty disables)")
	flag.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for logs, traces and metrics")
	flag.StringVar(&cfg.RelayURL, "relay-url", "", "WebSocket URL that mirrors streamed fragments")
	flag.Parse()

	if cfg.ConfigFile != "" {
		if err := config.LoadFile(cfg.ConfigFile, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		// Command-line flags win over file values
		system = nil
		_ = flag.CommandLine.Parse(os.Args[1:])
	}
	cfg.System = append(cfg.System, system...)

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "OPENAI_API_KEY not set")
		os.Exit(1)
	}

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		// A second interrupt falls through to the default handler
		<-ctx.Done()
		stop()
	}()

	if err := bot.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
