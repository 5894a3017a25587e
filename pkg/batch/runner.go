package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mudler/xlog"
	"github.com/policyrecall/policyrecall/pkg/answer"
	"github.com/policyrecall/policyrecall/pkg/chunk"
	"github.com/policyrecall/policyrecall/pkg/config"
	"github.com/policyrecall/policyrecall/pkg/questions"
	"github.com/policyrecall/policyrecall/rag/sources"
	"github.com/policyrecall/policyrecall/rag/types"
)

// ApplicationRecord is one entry of the input index table.
type ApplicationRecord struct {
	ID      int    `json:"id"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// LoadIndexTable reads the application list. Duplicate ids are
// rejected so the one-output-file-per-application invariant holds.
func LoadIndexTable(path string) ([]ApplicationRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var apps []ApplicationRecord
	if err := json.Unmarshal(data, &apps); err != nil {
		return nil, fmt.Errorf("parsing index table %s: %w", path, err)
	}

	seen := map[int]bool{}
	for _, app := range apps {
		if seen[app.ID] {
			return nil, fmt.Errorf("duplicate application id %d in %s", app.ID, path)
		}
		seen[app.ID] = true
	}
	return apps, nil
}

// PageFetcher retrieves a policy page for a URL.
type PageFetcher interface {
	Fetch(url string) (*sources.Page, error)
}

// Collection is the per-application store lifecycle the runner drives.
type Collection interface {
	Populate(chunks []string, sourceURL string) error
	Query(question string, topN, topK int) ([]types.Result, error)
	Release()
}

// CollectionFactory creates a fresh store for one application.
type CollectionFactory func(appID int) (Collection, error)

// AnswerGenerator produces one Record per question.
type AnswerGenerator interface {
	Answer(ctx context.Context, meta answer.Meta, q questions.Question, contexts []types.Result) (answer.Record, error)
}

// Summary reports what a batch run did.
type Summary struct {
	Processed int
	Skipped   int
	Existing  int
	Stopped   bool
}

// Runner drives the per-application pipeline: fetch → prepare → index
// → answer ×6 → write, one application at a time.
type Runner struct {
	cfg           *config.Config
	fetcher       PageFetcher
	newCollection CollectionFactory
	generator     AnswerGenerator

	// Force regenerates output files that already exist.
	Force bool
	// OnProgress, when set, is called after each application finishes
	// (processed, skipped or pre-existing).
	OnProgress func(app ApplicationRecord)
}

// NewRunner wires the pipeline stages together.
func NewRunner(cfg *config.Config, fetcher PageFetcher, factory CollectionFactory, generator AnswerGenerator) *Runner {
	return &Runner{
		cfg:           cfg,
		fetcher:       fetcher,
		newCollection: factory,
		generator:     generator,
	}
}

// Run processes every application in the index table sequentially.
// Per-application failures are logged and skipped; cancellation is
// honored between applications so no partial answer file is written.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	apps, err := LoadIndexTable(r.cfg.IndexTablePath)
	if err != nil {
		return Summary{}, err
	}

	if err := os.MkdirAll(r.cfg.OutputDir, 0755); err != nil {
		return Summary{}, err
	}

	summary := Summary{}
	for _, app := range apps {
		if ctx.Err() != nil {
			xlog.Info("Stop requested, ending batch", "remaining", len(apps)-summary.Processed-summary.Skipped-summary.Existing)
			summary.Stopped = true
			break
		}

		outputPath := r.outputPath(app.ID)
		if !r.Force {
			if _, err := os.Stat(outputPath); err == nil {
				xlog.Info("Skipping existing output", "id", app.ID, "path", outputPath)
				summary.Existing++
				r.progress(app)
				continue
			}
		}

		if err := r.processApplication(ctx, app); err != nil {
			xlog.Error("Skipping application", "id", app.ID, "url", app.URL, "error", err)
			summary.Skipped++
			r.progress(app)
			continue
		}

		summary.Processed++
		r.progress(app)
	}

	return summary, nil
}

func (r *Runner) processApplication(ctx context.Context, app ApplicationRecord) error {
	content := app.Content
	resolvedURL := app.URL
	title := ""

	if content == "" {
		page, err := r.fetcher.Fetch(app.URL)
		if err != nil {
			return err
		}
		content = page.Content
		resolvedURL = page.ResolvedURL
		title = page.Title
	}

	chunks := chunk.BuildChunks(content, r.cfg.MaxChunkSize, r.cfg.OverlapSentences)
	if len(chunks) == 0 {
		return fmt.Errorf("no indexable text for %s", app.URL)
	}

	collection, err := r.newCollection(app.ID)
	if err != nil {
		return err
	}
	defer collection.Release()

	if err := collection.Populate(chunks, resolvedURL); err != nil {
		return err
	}

	meta := answer.Meta{ID: app.ID, URL: resolvedURL, Title: title}
	records := make([]answer.Record, 0, len(questions.Set))
	for _, q := range questions.Set {
		contexts, err := collection.Query(q.Text, r.cfg.TopN, r.cfg.TopK)
		if err != nil {
			return fmt.Errorf("retrieval for %d/%s: %w", app.ID, q.QID, err)
		}

		rec, err := r.generator.Answer(ctx, meta, q, contexts)
		if err != nil {
			return fmt.Errorf("generation for %d/%s: %w", app.ID, q.QID, err)
		}
		records = append(records, rec)
	}

	answer.ApplySuppression(records)

	if err := WriteAnswers(r.cfg.OutputDir, app.ID, records); err != nil {
		return err
	}

	xlog.Info("Processed application", "id", app.ID, "url", resolvedURL, "records", len(records))
	return nil
}

func (r *Runner) outputPath(id int) string {
	return filepath.Join(r.cfg.OutputDir, fmt.Sprintf("%d.json", id))
}

func (r *Runner) progress(app ApplicationRecord) {
	if r.OnProgress != nil {
		r.OnProgress(app)
	}
}

// WriteAnswers serializes the six answer records for one application.
func WriteAnswers(dir string, id int, records []answer.Record) error {
	if len(records) != len(questions.Set) {
		return errors.New("refusing to write a partial answer set")
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.json", id)), data, 0644)
}
