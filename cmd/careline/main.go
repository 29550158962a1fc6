package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/careline/internal/app"
	"github.com/carebridge/careline/internal/config"
	"github.com/carebridge/careline/internal/pipeline"
	"github.com/carebridge/careline/internal/secrets"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "set-key":
		setKeyCmd(os.Args[2:])
	case "ask":
		askCmd(os.Args[2:])
	case "chat":
		chatCmd(os.Args[2:])
	case "version":
		fmt.Printf("careline %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `careline

Usage:
  careline init [flags]
  careline set-key -provider <id> [flags]
  careline ask -user <id> [flags] [question]
  careline chat -user <id> [flags]
  careline version

Commands:
  init      Write a starter config file.
  set-key   Store a provider API key in the local secrets file.
  ask       Run one question through the pipeline and print the response.
  chat      Interactive session (one session id across turns).
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	if _, err := os.Stat(*cfgPath); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists: %s\n", *cfgPath)
		os.Exit(1)
	}

	cfg := starterConfig()
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
	fmt.Println("Next: careline set-key -provider openai")
}

// starterConfig is a working single-provider layout the operator edits.
func starterConfig() *config.Config {
	return &config.Config{
		HealthcareMode: true,
		Providers: []config.Provider{
			{
				ID:   "openai",
				Type: "openai",
				Models: []config.ProviderModel{
					{ModelName: "gpt-4o", HealthcareTier: true, IsDefault: true},
					{ModelName: "gpt-4o-mini"},
				},
			},
		},
		RoutingTable: []config.Route{
			{Class: "critical", ProviderID: "openai", Model: "gpt-4o"},
			{Class: "complex", ProviderID: "openai", Model: "gpt-4o"},
			{Class: "simple", ProviderID: "openai", Model: "gpt-4o"},
		},
		Embedding: config.EmbeddingConfig{
			Model:        "nomic-embed-text",
			ModelVersion: "nomic-embed-text-v1",
		},
		Index: config.IndexConfig{
			Collection: "careline_corpus",
		},
	}
}

func setKeyCmd(args []string) {
	fs := flag.NewFlagSet("set-key", flag.ExitOnError)
	provider := fs.String("provider", "", "Provider id from the config")
	secretsPath := fs.String("secrets", secrets.DefaultPath(), "Secrets file path")
	_ = fs.Parse(args)

	if strings.TrimSpace(*provider) == "" {
		fs.Usage()
		os.Exit(2)
	}

	// The key is read from the environment or the terminal, never from
	// argv, so it cannot leak through the process table.
	key := strings.TrimSpace(os.Getenv("CARELINE_API_KEY"))
	if key == "" {
		fmt.Fprintf(os.Stderr, "Enter API key for %s: ", *provider)
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read key: %v\n", err)
			os.Exit(1)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "empty key")
		os.Exit(1)
	}

	store := secrets.NewStore(*secretsPath)
	if err := store.SetProviderAPIKey(*provider, key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store key: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Key stored for provider %q\n", *provider)
}

func askCmd(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	userID := fs.String("user", "", "User id")
	sessionID := fs.String("session", "", "Session id (default: new)")
	locale := fs.String("locale", "en-US", "Declared locale")
	asJSON := fs.Bool("json", false, "Print the raw response JSON")
	_ = fs.Parse(args)

	if strings.TrimSpace(*userID) == "" {
		fs.Usage()
		os.Exit(2)
	}

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		b, err := readAllStdin()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read stdin: %v\n", err)
			os.Exit(1)
		}
		question = strings.TrimSpace(string(b))
	}
	if question == "" {
		fmt.Fprintln(os.Stderr, "empty question")
		os.Exit(2)
	}

	a := mustApp(*cfgPath)
	defer func() { _ = a.Close() }()

	session := strings.TrimSpace(*sessionID)
	if session == "" {
		session = uuid.NewString()
	}

	ctx, cancel := signalContext()
	defer cancel()

	resp, err := a.Process(ctx, pipeline.UserInput{
		UserID:         *userID,
		SessionID:      session,
		Modality:       pipeline.ModalityText,
		Text:           question,
		DeclaredLocale: *locale,
		Timestamp:      time.Now(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
		return
	}
	printResponse(resp)
}

func chatCmd(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	userID := fs.String("user", "", "User id")
	locale := fs.String("locale", "en-US", "Declared locale")
	_ = fs.Parse(args)

	if strings.TrimSpace(*userID) == "" {
		fs.Usage()
		os.Exit(2)
	}

	a := mustApp(*cfgPath)
	defer func() { _ = a.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	session := uuid.NewString()
	fmt.Printf("careline chat (session %s) — blank line or Ctrl-D to exit\n", session)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}

		resp, err := a.Process(ctx, pipeline.UserInput{
			UserID:         *userID,
			SessionID:      session,
			Modality:       pipeline.ModalityText,
			Text:           line,
			DeclaredLocale: *locale,
			Timestamp:      time.Now(),
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
			continue
		}
		printResponse(resp)
	}
}

func printResponse(resp pipeline.AgentResponse) {
	fmt.Println(resp.Text)
	if resp.Disclaimer != "" {
		fmt.Printf("\n%s\n", resp.Disclaimer)
	}
	if len(resp.Citations) > 0 {
		fmt.Println("\nSources:")
		for i, c := range resp.Citations {
			fmt.Printf("  [%d] %s (tier %d)", i+1, c.Title, c.AuthorityTier)
			if c.URL != "" {
				fmt.Printf(" %s", c.URL)
			}
			fmt.Println()
		}
	}
	fmt.Printf("\n(model=%s confidence=%.2f latency=%dms)\n", resp.ModelUsed, resp.Confidence, resp.LatencyMs)
}

func mustApp(cfgPath string) *app.App {
	cfg, err := config.Load(filepath.Clean(cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	a, err := app.New(app.Options{Config: cfg, Version: Version})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init: %v\n", err)
		os.Exit(1)
	}
	return a
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()
	return ctx, cancel
}
