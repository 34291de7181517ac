package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/bootstrap"
	"github.com/legal-rag/backend/internal/evaluation"
	"github.com/legal-rag/backend/pkg/config"
	appLogger "github.com/legal-rag/backend/pkg/logger"
)

func main() {
	datasetPath := flag.String("dataset", "", "path to the JSON evaluation dataset")
	configPath := flag.String("config", "", "config file (defaults to the standard search paths)")
	docsDir := flag.String("docs", "", "directory to index before evaluating")
	jsonOut := flag.String("json", "", "write the full report as JSON to this path")
	flag.Parse()

	if *datasetPath == "" {
		fmt.Fprintln(os.Stderr, "usage: evaluate -dataset items.json [-config config.yaml] [-docs dir] [-json report.json]")
		os.Exit(2)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := appLogger.Init(cfg.Logging.Level, "console", "stderr"); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	raw, err := os.ReadFile(*datasetPath)
	if err != nil {
		appLogger.Fatal("Failed to read dataset", zap.Error(err))
	}
	dataset, err := evaluation.LoadDatasetFromJSON(raw)
	if err != nil {
		appLogger.Fatal("Failed to parse dataset", zap.Error(err))
	}

	services, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if *docsDir != "" {
		result, err := services.Indexer.IndexDirectory(ctx, *docsDir)
		if err != nil {
			appLogger.Fatal("Failed to index documents", zap.Error(err))
		}
		appLogger.Info("Documents indexed",
			zap.Int("processed", len(result.ProcessedFiles)),
			zap.Int("failed", len(result.FailedFiles)),
		)
	}

	report, err := evaluation.NewEvaluator(services.Engine, services.Embedder).RunDatasetEvaluation(ctx, dataset)
	if err != nil {
		appLogger.Fatal("Evaluation failed", zap.Error(err))
	}

	fmt.Print(evaluation.GenerateReport(report))

	if *jsonOut != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			appLogger.Fatal("Failed to encode report", zap.Error(err))
		}
		if err := os.WriteFile(*jsonOut, data, 0o644); err != nil {
			appLogger.Fatal("Failed to write report", zap.Error(err))
		}
	}
}
