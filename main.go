package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mudler/xlog"
	"github.com/policyrecall/policyrecall/pkg/answer"
	"github.com/policyrecall/policyrecall/pkg/batch"
	"github.com/policyrecall/policyrecall/pkg/config"
	"github.com/policyrecall/policyrecall/pkg/eval"
	"github.com/policyrecall/policyrecall/rag"
	"github.com/policyrecall/policyrecall/rag/engine/rerank"
	"github.com/policyrecall/policyrecall/rag/sources"
	"github.com/policyrecall/policyrecall/rag/types"
	"github.com/sashabaranov/go-openai"
	"github.com/schollz/progressbar/v3"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		xlog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(cfg, os.Args[2:])
	case "eval":
		evalCmd(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: policyrecall <run|eval> [flags]")
	fmt.Fprintln(os.Stderr, "  run   fetch, index and answer the question set for every application")
	fmt.Fprintln(os.Stderr, "  eval  score generated answers against ground truth")
}

// newProviderClient builds an OpenAI-compatible client for the given
// key, honoring the optional base URL override.
func newProviderClient(apiKey, baseURL string) *openai.Client {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(clientConfig)
}

func runCmd(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	force := fs.Bool("force", false, "regenerate output files that already exist")
	fs.Parse(args)

	embeddingsClient := newProviderClient(cfg.EmbeddingsAPIKey, cfg.APIBaseURL)
	llmClient := newProviderClient(cfg.LLMAPIKey, cfg.APIBaseURL)

	var reranker types.Reranker = rerank.NewReranker(
		rerank.NewClient(cfg.RerankBaseURL, cfg.EmbeddingsAPIKey, cfg.RerankModel))

	factory := func(appID int) (batch.Collection, error) {
		return rag.NewEphemeralCollection(appID, embeddingsClient, rag.CollectionOptions{
			EmbeddingModel: cfg.EmbeddingModel,
			EmbeddingRate:  cfg.EmbeddingRate,
			Reranker:       reranker,
		})
	}

	runner := batch.NewRunner(
		cfg,
		sources.NewFetcher(cfg.FetchTimeout, cfg.FetchRate),
		factory,
		answer.NewGenerator(llmClient, cfg.GenerationModel),
	)
	runner.Force = *force

	apps, err := batch.LoadIndexTable(cfg.IndexTablePath)
	if err != nil {
		xlog.Error("Failed to load index table", "path", cfg.IndexTablePath, "error", err)
		os.Exit(1)
	}
	bar := progressbar.Default(int64(len(apps)), "applications")
	runner.OnProgress = func(batch.ApplicationRecord) { bar.Add(1) }

	// SIGINT stops after the current application so no partial answer
	// file is written.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := runner.Run(ctx)
	if err != nil {
		xlog.Error("Batch run failed", "error", err)
		os.Exit(1)
	}

	xlog.Info("Batch complete",
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"existing", summary.Existing,
		"stopped", summary.Stopped)
}

func evalCmd(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	fs.Parse(args)

	gt, err := eval.LoadGroundTruth(cfg.GroundTruthPath)
	if err != nil {
		xlog.Error("Failed to load ground truth", "path", cfg.GroundTruthPath, "error", err)
		os.Exit(1)
	}

	evaluator := eval.NewEvaluator(
		newProviderClient(cfg.LLMAPIKey, cfg.APIBaseURL),
		cfg.EmbeddingModel,
		cfg.GenerationModel,
	)

	report, err := evaluator.Evaluate(context.Background(), gt, cfg.OutputDir)
	if err != nil {
		xlog.Error("Evaluation failed", "error", err)
		os.Exit(1)
	}

	if err := eval.WriteReport(cfg.EvalReportPath, report); err != nil {
		xlog.Error("Failed to write evaluation report", "path", cfg.EvalReportPath, "error", err)
		os.Exit(1)
	}

	xlog.Info("Evaluation complete", "report", cfg.EvalReportPath, "cells", len(report.Cells))
}
