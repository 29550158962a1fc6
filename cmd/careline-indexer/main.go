// careline-indexer builds the knowledge index from a corpus directory.
// It is an offline batch job; the chat pipeline only reads the index.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/carebridge/careline/internal/config"
	"github.com/carebridge/careline/internal/embedding"
	"github.com/carebridge/careline/internal/knowledge"
)

func main() {
	fs := flag.NewFlagSet("careline-indexer", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	corpus := fs.String("corpus", "", "Corpus directory of markdown documents")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	_ = fs.Parse(os.Args[1:])

	if strings.TrimSpace(*corpus) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "unknown log level: %s\n", *logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	embedder, err := embedding.NewOllamaService(cfg.EffectiveEmbeddingBaseURL(), cfg.Embedding.Model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "embedding service: %v\n", err)
		os.Exit(1)
	}

	index, err := knowledge.NewQdrantIndex(cfg.EffectiveIndexHost(), cfg.EffectiveIndexPort(), cfg.Index.Collection)
	if err != nil {
		fmt.Fprintf(os.Stderr, "knowledge index: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = index.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	report, err := knowledge.BuildIndex(ctx, index, embedder, knowledge.BuildOptions{
		Logger:       logger,
		CorpusRoot:   filepath.Clean(*corpus),
		ModelVersion: cfg.Embedding.ModelVersion,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "index build failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Indexed %d documents (%d chunks) into %q\n",
		report.Documents, report.Chunks, cfg.Index.Collection)
}
