package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/ingestion"
	"github.com/cluebase/backend/internal/llm"
	"github.com/cluebase/backend/internal/retrieval/chromem"
	"github.com/cluebase/backend/internal/retrieval/graph"
	"github.com/cluebase/backend/internal/retrieval/zilliz"
	"github.com/cluebase/backend/pkg/config"
	"github.com/cluebase/backend/pkg/logger"
)

func main() {
	var (
		workspaceID = flag.String("workspace", "", "workspace id the documents belong to")
		botID       = flag.String("bot", "", "restrict documents to one bot; empty shares them")
		dir         = flag.String("dir", "", "directory of html, markdown or text files")
		baseURL     = flag.String("base-url", "", "URL prefix for files read from -dir")
	)
	flag.Parse()

	if *workspaceID == "" || (*dir == "" && flag.NArg() == 0) {
		fmt.Fprintln(os.Stderr, "usage: ingest -workspace ID [-bot ID] [-dir DIR [-base-url URL]] [URL...]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	llmClient := llm.NewClient(cfg.LLM)

	var (
		index ingestion.Indexer
		flush = func(context.Context) error { return nil }
	)
	switch cfg.Retrieval.Backend {
	case "zilliz":
		client, err := zilliz.NewClient(ctx, cfg.Zilliz, llmClient, cfg.Retrieval.TopK)
		if err != nil {
			logger.Fatal("Failed to connect to vector store", zap.Error(err))
		}
		defer client.Close()
		if err := client.EnsureCollection(ctx); err != nil {
			logger.Fatal("Failed to ensure collection", zap.Error(err))
		}
		index, flush = client, client.Flush
	default:
		store, err := chromem.Open(cfg.Chromem.Path, cfg.Chromem.Collection, llmClient, cfg.Retrieval.TopK)
		if err != nil {
			logger.Fatal("Failed to open vector store", zap.Error(err))
		}
		index = store
	}

	var opts []ingestion.Option
	if cfg.Retrieval.GraphEnabled {
		kg, err := graph.NewClient(ctx, cfg.Neo4j)
		if err != nil {
			logger.Fatal("Failed to connect to knowledge graph", zap.Error(err))
		}
		defer kg.Close(context.Background())
		opts = append(opts, ingestion.WithGraph(ingestion.NewGraphBuilder(llmClient, kg)))
	}

	fetcher := ingestion.NewFetcher(15 * time.Second)
	processor := ingestion.NewProcessor(index, opts...)

	var docs []ingestion.Document
	if *dir != "" {
		docs, err = fetcher.ReadDir(*workspaceID, *botID, *dir, *baseURL)
		if err != nil {
			logger.Fatal("Failed to read documents", zap.Error(err))
		}
	}
	for _, u := range flag.Args() {
		doc, err := fetcher.FetchURL(ctx, *workspaceID, *botID, u)
		if err != nil {
			logger.Error("Failed to fetch page", zap.String("url", u), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}

	var total, failed int
	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		n, err := processor.ProcessDocument(ctx, doc)
		if err != nil {
			failed++
			logger.Error("Failed to ingest document", zap.String("url", doc.URL), zap.Error(err))
			continue
		}
		total += n
	}

	if err := flush(ctx); err != nil {
		logger.Error("Failed to flush vector store", zap.Error(err))
	}

	logger.Info("Ingestion complete",
		zap.Int("documents", len(docs)-failed),
		zap.Int("failed", failed),
		zap.Int("chunks", total),
	)
	if failed > 0 {
		os.Exit(1)
	}
}
