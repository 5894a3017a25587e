package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mudler/xlog"
	"github.com/policyrecall/policyrecall/pkg/answer"
	"github.com/policyrecall/policyrecall/pkg/jsonrepair"
	"github.com/policyrecall/policyrecall/pkg/questions"
	"github.com/policyrecall/policyrecall/rag/types"
	"github.com/sashabaranov/go-openai"
)

// Metric names used in cells, means and unscored counters.
const (
	MetricFaithfulness     = "faithfulness"
	MetricSAS              = "semantic_answer_similarity"
	MetricContextRelevance = "context_relevance"
	MetricBinaryAccuracy   = "binary_accuracy"
)

// GroundTruth maps application id -> qid -> expected answer text.
type GroundTruth map[string]map[string]string

// LoadGroundTruth reads the hand-labeled expected answers.
func LoadGroundTruth(path string) (GroundTruth, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	gt := GroundTruth{}
	if err := json.Unmarshal(data, &gt); err != nil {
		return nil, fmt.Errorf("parsing ground truth %s: %w", path, err)
	}
	return gt, nil
}

// Cell holds the scores for one (application, question) pair. A nil
// score means the metric was not computable for this cell; the metric
// name then appears in Unscored.
type Cell struct {
	AppID            int      `json:"id"`
	QID              string   `json:"qid"`
	Faithfulness     *float64 `json:"faithfulness,omitempty"`
	SAS              *float64 `json:"semantic_answer_similarity,omitempty"`
	ContextRelevance *float64 `json:"context_relevance,omitempty"`
	BinaryMatch      *bool    `json:"binary_match,omitempty"`
	Unscored         []string `json:"unscored,omitempty"`
}

// Report is the consolidated evaluation output, written once.
type Report struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Cells       []Cell             `json:"cells"`
	Means       map[string]float64 `json:"means"`
	Unscored    map[string]int     `json:"unscored"`
}

// Evaluator scores generated answers against ground truth using the
// same providers the pipeline uses: embeddings for semantic answer
// similarity, the generation model as judge for faithfulness and
// context relevance.
type Evaluator struct {
	client         *openai.Client
	embeddingModel string
	judgeModel     string
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(client *openai.Client, embeddingModel, judgeModel string) *Evaluator {
	return &Evaluator{
		client:         client,
		embeddingModel: embeddingModel,
		judgeModel:     judgeModel,
	}
}

// Evaluate scores every output file in outputsDir against the ground
// truth. Missing cells on either side are counted unscored, never
// treated as zero.
func (e *Evaluator) Evaluate(ctx context.Context, gt GroundTruth, outputsDir string) (*Report, error) {
	generated, err := loadOutputs(outputsDir)
	if err != nil {
		return nil, err
	}

	report := &Report{
		GeneratedAt: time.Now().UTC(),
		Means:       map[string]float64{},
		Unscored:    map[string]int{},
	}
	sums := map[string]float64{}
	counts := map[string]int{}
	binaryHits, binaryTotal := 0, 0

	for _, appID := range sortedIDs(generated, gt) {
		records := generated[appID]
		truth := gt[strconv.Itoa(appID)]

		for _, q := range questions.Set {
			cell := Cell{AppID: appID, QID: q.QID}

			rec := findRecord(records, q.QID)
			expected, hasTruth := "", false
			if truth != nil {
				expected, hasTruth = truth[q.QID]
			}

			if rec == nil || !hasTruth {
				// One side is missing entirely; nothing to score.
				cell.Unscored = allMetrics(q)
				for _, m := range cell.Unscored {
					report.Unscored[m]++
				}
				report.Cells = append(report.Cells, cell)
				continue
			}

			e.scoreCell(ctx, &cell, rec, expected, q)

			for _, m := range cell.Unscored {
				report.Unscored[m]++
			}
			accumulate(sums, counts, MetricFaithfulness, cell.Faithfulness)
			accumulate(sums, counts, MetricSAS, cell.SAS)
			accumulate(sums, counts, MetricContextRelevance, cell.ContextRelevance)
			if cell.BinaryMatch != nil {
				binaryTotal++
				if *cell.BinaryMatch {
					binaryHits++
				}
			}
			report.Cells = append(report.Cells, cell)
		}
	}

	for metric, sum := range sums {
		report.Means[metric] = sum / float64(counts[metric])
	}
	if binaryTotal > 0 {
		report.Means[MetricBinaryAccuracy] = float64(binaryHits) / float64(binaryTotal)
	}

	return report, nil
}

// scoreCell computes all applicable metrics for one answered cell.
// Provider failures downgrade individual metrics to unscored.
func (e *Evaluator) scoreCell(ctx context.Context, cell *Cell, rec *answer.Record, expected string, q questions.Question) {
	genAnswer := rec.Reply.Answer.FullAnswer
	if strings.TrimSpace(genAnswer) == "" {
		genAnswer = rec.Reply.Answer.SimpleAnswer
	}

	if sas, err := e.semanticSimilarity(ctx, genAnswer, expected); err != nil {
		xlog.Warn("SAS unscored", "id", cell.AppID, "qid", cell.QID, "error", err)
		cell.Unscored = append(cell.Unscored, MetricSAS)
	} else {
		cell.SAS = &sas
	}

	excerpts := excerptBlock(rec)
	if excerpts == "" {
		cell.Unscored = append(cell.Unscored, MetricFaithfulness, MetricContextRelevance)
	} else {
		if score, err := e.judge(ctx, faithfulnessPrompt(genAnswer, excerpts)); err != nil {
			xlog.Warn("Faithfulness unscored", "id", cell.AppID, "qid", cell.QID, "error", err)
			cell.Unscored = append(cell.Unscored, MetricFaithfulness)
		} else {
			cell.Faithfulness = &score
		}

		if score, err := e.judge(ctx, relevancePrompt(rec.Reply.Question, excerpts)); err != nil {
			xlog.Warn("Context relevance unscored", "id", cell.AppID, "qid", cell.QID, "error", err)
			cell.Unscored = append(cell.Unscored, MetricContextRelevance)
		} else {
			cell.ContextRelevance = &score
		}
	}

	if q.Category == questions.Binary {
		got, gotOK := answer.CanonicalizeBinary(rec.Reply.Answer.SimpleAnswer)
		want, wantOK := answer.CanonicalizeBinary(expected)
		if gotOK && wantOK {
			match := got == want
			cell.BinaryMatch = &match
		} else {
			// A NOTUSED fallback or unparseable label cannot be
			// compared; count it, don't score it.
			cell.Unscored = append(cell.Unscored, MetricBinaryAccuracy)
		}
	}
}

func (e *Evaluator) semanticSimilarity(ctx context.Context, generatedText, expected string) (float64, error) {
	vectors, err := e.embed(ctx, []string{generatedText, expected})
	if err != nil {
		return 0, err
	}
	return cosine(vectors[0], vectors[1]), nil
}

func (e *Evaluator) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	var out [][]float32
	op := func() error {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: inputs,
			Model: openai.EmbeddingModel(e.embeddingModel),
		})
		if err != nil {
			return types.MarkPermanent(err)
		}
		if len(resp.Data) != len(inputs) {
			return backoff.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(resp.Data)))
		}
		out = make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			out[i] = d.Embedding
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
		return nil, &types.ProviderError{Provider: "embeddings", Op: "CreateEmbeddings", Err: err}
	}
	return out, nil
}

// judge asks the generation model for a bounded score and parses it
// through the same repair path as answers.
func (e *Evaluator) judge(ctx context.Context, prompt string) (float64, error) {
	var raw string
	op := func() error {
		resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       e.judgeModel,
			Temperature: 0,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
		})
		if err != nil {
			return types.MarkPermanent(err)
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("empty completion response"))
		}
		raw = resp.Choices[0].Message.Content
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
		return 0, &types.ProviderError{Provider: "generation", Op: "CreateChatCompletion", Err: err}
	}

	repaired, err := jsonrepair.Repair(raw)
	if err != nil {
		return 0, err
	}
	var verdict struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(repaired), &verdict); err != nil {
		return 0, &jsonrepair.ParseError{Reason: err.Error()}
	}
	return math.Max(0, math.Min(1, verdict.Score)), nil
}

func faithfulnessPrompt(generatedText, excerpts string) string {
	return fmt.Sprintf(`Rate from 0.0 to 1.0 how well every claim in the answer below is supported by the provided context excerpts.
Return strictly JSON: {"score": <number>}

Context:
%s

Answer:
%s
`, excerpts, generatedText)
}

func relevancePrompt(question, excerpts string) string {
	return fmt.Sprintf(`Rate from 0.0 to 1.0 how relevant the context excerpts below are to answering the question.
Return strictly JSON: {"score": <number>}

Question: %s

Context:
%s
`, question, excerpts)
}

// WriteReport serializes the report to path, creating the directory.
func WriteReport(path string, report *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// loadOutputs reads every outputs/{id}.json file produced by the
// batch run.
func loadOutputs(dir string) (map[int][]answer.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	out := map[int][]answer.Record{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		var records []answer.Record
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		out[id] = records
	}
	return out, nil
}

func findRecord(records []answer.Record, qid string) *answer.Record {
	for i := range records {
		if records[i].Reply.QID == qid {
			return &records[i]
		}
	}
	return nil
}

func excerptBlock(rec *answer.Record) string {
	var b strings.Builder
	for _, doc := range rec.SourceDocuments {
		b.WriteString(doc.Excerpt)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func allMetrics(q questions.Question) []string {
	metrics := []string{MetricFaithfulness, MetricSAS, MetricContextRelevance}
	if q.Category == questions.Binary {
		metrics = append(metrics, MetricBinaryAccuracy)
	}
	return metrics
}

func accumulate(sums map[string]float64, counts map[string]int, metric string, v *float64) {
	if v == nil {
		return
	}
	sums[metric] += *v
	counts[metric]++
}

func sortedIDs(generated map[int][]answer.Record, gt GroundTruth) []int {
	seen := map[int]bool{}
	for id := range generated {
		seen[id] = true
	}
	for key := range gt {
		if id, err := strconv.Atoi(key); err == nil {
			seen[id] = true
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
