package batch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/policyrecall/policyrecall/pkg/answer"
	"github.com/policyrecall/policyrecall/pkg/batch"
	"github.com/policyrecall/policyrecall/pkg/config"
	"github.com/policyrecall/policyrecall/pkg/questions"
	"github.com/policyrecall/policyrecall/rag"
	"github.com/policyrecall/policyrecall/rag/sources"
	"github.com/policyrecall/policyrecall/rag/types"
	"github.com/sashabaranov/go-openai"
)

type fakeFetcher struct {
	pages map[string]*sources.Page
	calls []string
}

func (f *fakeFetcher) Fetch(url string) (*sources.Page, error) {
	f.calls = append(f.calls, url)
	if page, ok := f.pages[url]; ok {
		return page, nil
	}
	return nil, &sources.FetchError{URL: url, Attempted: []string{url}, LastErr: errors.New("unreachable")}
}

type fakeCollection struct {
	chunks    []string
	sourceURL string
	released  bool
}

func (c *fakeCollection) Populate(chunks []string, sourceURL string) error {
	c.chunks = chunks
	c.sourceURL = sourceURL
	return nil
}

func (c *fakeCollection) Query(question string, topN, topK int) ([]types.Result, error) {
	n := topK
	if n > len(c.chunks) {
		n = len(c.chunks)
	}
	results := make([]types.Result, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, types.Result{
			ID:         fmt.Sprint(i + 1),
			Content:    c.chunks[i],
			ChunkIndex: i,
			Metadata:   map[string]string{"source": c.sourceURL},
		})
	}
	return results, nil
}

func (c *fakeCollection) Release() { c.released = true }

// fakeGenerator answers from a fixed qid -> simple_answer table.
type fakeGenerator struct {
	answers map[string]string
	asked   []string
}

func (g *fakeGenerator) Answer(_ context.Context, meta answer.Meta, q questions.Question, contexts []types.Result) (answer.Record, error) {
	g.asked = append(g.asked, q.QID)
	rec := answer.Record{
		Meta: meta,
		Reply: answer.Reply{
			QID:      q.QID,
			Question: q.Text,
			Answer: answer.Answer{
				SimpleAnswer: g.answers[q.QID],
				FullAnswer:   "Answer for " + q.QID,
			},
		},
	}
	for _, r := range contexts {
		rec.SourceDocuments = append(rec.SourceDocuments, answer.SourceDocument{
			ID: r.ID, Excerpt: r.Content, URL: r.Metadata["source"],
		})
	}
	return rec, nil
}

func writeIndexTable(dir string, apps []batch.ApplicationRecord) string {
	data, err := json.Marshal(apps)
	Expect(err).ToNot(HaveOccurred())
	path := filepath.Join(dir, "index_table.json")
	Expect(os.WriteFile(path, data, 0644)).To(Succeed())
	return path
}

func readRecords(dir string, id int) []answer.Record {
	data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("%d.json", id)))
	Expect(err).ToNot(HaveOccurred())
	var records []answer.Record
	Expect(json.Unmarshal(data, &records)).To(Succeed())
	return records
}

var _ = Describe("Runner", func() {
	var (
		workDir   string
		cfg       *config.Config
		fetcher   *fakeFetcher
		generator *fakeGenerator
		created   []*fakeCollection
	)

	allYes := map[string]string{
		"q1": "Yes", "q2": "analytics data", "q3": "Yes",
		"q4": "No", "q5": "Yes", "q6": "advertising partners",
	}

	newRunner := func(apps []batch.ApplicationRecord) *batch.Runner {
		cfg.IndexTablePath = writeIndexTable(workDir, apps)
		factory := func(appID int) (batch.Collection, error) {
			c := &fakeCollection{}
			created = append(created, c)
			return c, nil
		}
		return batch.NewRunner(cfg, fetcher, factory, generator)
	}

	BeforeEach(func() {
		var err error
		workDir, err = os.MkdirTemp("", "batch_*")
		Expect(err).ToNot(HaveOccurred())

		cfg = &config.Config{
			OutputDir:        filepath.Join(workDir, "outputs"),
			MaxChunkSize:     1000,
			OverlapSentences: 1,
			TopN:             15,
			TopK:             4,
		}
		fetcher = &fakeFetcher{pages: map[string]*sources.Page{
			"https://one.example": {
				Content:     "We collect analytics data. We share it with partners. Contact us anytime.",
				ResolvedURL: "https://one.example/privacy",
				Title:       "Privacy Policy",
			},
		}}
		generator = &fakeGenerator{answers: allYes}
		created = nil
	})

	AfterEach(func() {
		os.RemoveAll(workDir)
	})

	It("should write six records per application in question order", func() {
		runner := newRunner([]batch.ApplicationRecord{{ID: 1, URL: "https://one.example"}})

		summary, err := runner.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Processed).To(Equal(1))

		records := readRecords(cfg.OutputDir, 1)
		Expect(records).To(HaveLen(6))
		for i, q := range questions.Set {
			Expect(records[i].Reply.QID).To(Equal(q.QID))
			Expect(records[i].Reply.Question).To(Equal(q.Text))
			Expect(records[i].Meta.ID).To(Equal(1))
			Expect(records[i].Meta.URL).To(Equal("https://one.example/privacy"))
		}
		Expect(generator.asked).To(Equal([]string{"q1", "q2", "q3", "q4", "q5", "q6"}))
	})

	It("should release the collection after each application", func() {
		runner := newRunner([]batch.ApplicationRecord{{ID: 1, URL: "https://one.example"}})
		_, err := runner.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(HaveLen(1))
		Expect(created[0].released).To(BeTrue())
	})

	It("should suppress dependent answers when the governing answer is No", func() {
		generator.answers = map[string]string{
			"q1": "No", "q2": "should be discarded", "q3": "Yes",
			"q4": "No", "q5": "Yes", "q6": "advertising partners",
		}
		runner := newRunner([]batch.ApplicationRecord{{ID: 1, URL: "https://one.example"}})
		_, err := runner.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())

		records := readRecords(cfg.OutputDir, 1)
		Expect(records[1].Reply.QID).To(Equal("q2"))
		Expect(records[1].Reply.Answer.SimpleAnswer).To(Equal(answer.NotUsed))
		Expect(records[1].Reply.Answer.ExtendedSimpleAnswer.Comment).To(Equal(answer.CommentNotApplicable))
		// q5 answered Yes, so q6 stays.
		Expect(records[5].Reply.Answer.SimpleAnswer).To(Equal("advertising partners"))
	})

	It("should skip an unreachable application and keep going", func() {
		runner := newRunner([]batch.ApplicationRecord{
			{ID: 1, URL: "https://down.example"},
			{ID: 2, URL: "https://one.example"},
		})

		summary, err := runner.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Skipped).To(Equal(1))
		Expect(summary.Processed).To(Equal(1))

		Expect(filepath.Join(cfg.OutputDir, "1.json")).ToNot(BeAnExistingFile())
		Expect(filepath.Join(cfg.OutputDir, "2.json")).To(BeAnExistingFile())
	})

	It("should use inline content without fetching", func() {
		runner := newRunner([]batch.ApplicationRecord{
			{ID: 3, URL: "https://inline.example", Content: "We collect nothing. We store nothing."},
		})

		summary, err := runner.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Processed).To(Equal(1))
		Expect(fetcher.calls).To(BeEmpty())

		records := readRecords(cfg.OutputDir, 3)
		Expect(records[0].Meta.URL).To(Equal("https://inline.example"))
	})

	It("should leave existing outputs alone unless forced", func() {
		runner := newRunner([]batch.ApplicationRecord{{ID: 1, URL: "https://one.example"}})
		_, err := runner.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())

		stale, err := os.Stat(filepath.Join(cfg.OutputDir, "1.json"))
		Expect(err).ToNot(HaveOccurred())

		summary, err := runner.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Existing).To(Equal(1))
		Expect(summary.Processed).To(BeZero())

		fresh, err := os.Stat(filepath.Join(cfg.OutputDir, "1.json"))
		Expect(err).ToNot(HaveOccurred())
		Expect(fresh.ModTime()).To(Equal(stale.ModTime()))

		runner.Force = true
		summary, err = runner.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Processed).To(Equal(1))
	})

	It("should stop between applications when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		runner := newRunner([]batch.ApplicationRecord{
			{ID: 1, URL: "https://one.example"},
			{ID: 2, URL: "https://one.example"},
		})
		summary, err := runner.Run(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Stopped).To(BeTrue())
		Expect(summary.Processed).To(BeZero())
		Expect(filepath.Join(cfg.OutputDir, "1.json")).ToNot(BeAnExistingFile())
	})

	It("should report progress for every application", func() {
		runner := newRunner([]batch.ApplicationRecord{
			{ID: 1, URL: "https://one.example"},
			{ID: 2, URL: "https://down.example"},
		})
		var seen []int
		runner.OnProgress = func(app batch.ApplicationRecord) { seen = append(seen, app.ID) }

		_, err := runner.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(seen).To(Equal([]int{1, 2}))
	})
})

var _ = Describe("LoadIndexTable", func() {
	It("should reject duplicate application ids", func() {
		dir, err := os.MkdirTemp("", "index_*")
		Expect(err).ToNot(HaveOccurred())
		defer os.RemoveAll(dir)

		path := writeIndexTable(dir, []batch.ApplicationRecord{
			{ID: 1, URL: "https://a.example"},
			{ID: 1, URL: "https://b.example"},
		})
		_, err = batch.LoadIndexTable(path)
		Expect(err).To(MatchError(ContainSubstring("duplicate application id 1")))
	})
})

var _ = Describe("WriteAnswers", func() {
	It("should refuse a partial answer set", func() {
		dir, err := os.MkdirTemp("", "answers_*")
		Expect(err).ToNot(HaveOccurred())
		defer os.RemoveAll(dir)

		err = batch.WriteAnswers(dir, 1, []answer.Record{{}})
		Expect(err).To(HaveOccurred())
		Expect(filepath.Join(dir, "1.json")).ToNot(BeAnExistingFile())
	})
})

// The full pipeline against fake upstreams: a policy page server, an
// embeddings endpoint and a chat endpoint.
var _ = Describe("Pipeline", func() {
	var qidPattern = regexp.MustCompile(`"qid": "(q\d)"`)

	modelReply := func(qid string) string {
		simple := map[string]string{
			"q1": "Yes", "q2": "It collects analytics and usage data.", "q3": "Yes",
			"q4": "No", "q5": "Yes", "q6": "It shares data with advertising partners.",
		}[qid]
		rec := map[string]any{
			"meta": map[string]any{"id": 1, "url": "ignored", "title": "ignored"},
			"reply": map[string]any{
				"qid": qid,
				"answer": map[string]any{
					"full_answer":   "According to the policy, " + simple,
					"simple_answer": simple,
				},
				"analysis":  "Derived from the declared data practices.",
				"reference": "We collect analytics and usage data.",
			},
		}
		data, err := json.Marshal(rec)
		Expect(err).ToNot(HaveOccurred())
		return string(data)
	}

	It("should produce a complete answer file from a live page", func() {
		policy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><head><title>Example Privacy Policy</title></head><body>
<p>We collect analytics and usage data from your device.</p>
<p>Collected data is used to improve the service.</p>
<p>We share data with advertising partners.</p>
<p>We do not provide an in-app deletion mechanism.</p>
</body></html>`)
		}))
		defer policy.Close()

		provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			switch r.URL.Path {
			case "/v1/embeddings":
				var req struct {
					Input []string `json:"input"`
				}
				Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
				data := make([]map[string]any, len(req.Input))
				for i, text := range req.Input {
					vec := []float32{0.1, 0.1, 0.1}
					for j, word := range []string{"collect", "share", "delet"} {
						vec[j] += float32(strings.Count(strings.ToLower(text), word))
					}
					data[i] = map[string]any{"object": "embedding", "index": i, "embedding": vec}
				}
				Expect(json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})).To(Succeed())
			case "/v1/chat/completions":
				var req openai.ChatCompletionRequest
				Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
				match := qidPattern.FindStringSubmatch(req.Messages[0].Content)
				Expect(match).To(HaveLen(2))
				resp := map[string]any{
					"choices": []map[string]any{
						{"message": map[string]any{"role": "assistant", "content": modelReply(match[1])}},
					},
				}
				Expect(json.NewEncoder(w).Encode(resp)).To(Succeed())
			default:
				http.NotFound(w, r)
			}
		}))
		defer provider.Close()

		workDir, err := os.MkdirTemp("", "pipeline_*")
		Expect(err).ToNot(HaveOccurred())
		defer os.RemoveAll(workDir)

		cfg := &config.Config{
			OutputDir:        filepath.Join(workDir, "outputs"),
			MaxChunkSize:     1000,
			OverlapSentences: 1,
			TopN:             15,
			TopK:             4,
		}
		cfg.IndexTablePath = writeIndexTable(workDir, []batch.ApplicationRecord{{ID: 1, URL: policy.URL}})

		clientConfig := openai.DefaultConfig("sk-test")
		clientConfig.BaseURL = provider.URL + "/v1"
		client := openai.NewClientWithConfig(clientConfig)

		factory := func(appID int) (batch.Collection, error) {
			return rag.NewEphemeralCollection(appID, client, rag.CollectionOptions{
				EmbeddingModel: "text-embedding-3-small",
			})
		}
		runner := batch.NewRunner(cfg,
			sources.NewFetcher(5*time.Second, 0),
			factory,
			answer.NewGenerator(client, "gpt-4o-mini"),
		)

		summary, err := runner.Run(context.Background())
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Processed).To(Equal(1))

		records := readRecords(cfg.OutputDir, 1)
		Expect(records).To(HaveLen(6))

		byQID := map[string]answer.Record{}
		for _, rec := range records {
			byQID[rec.Reply.QID] = rec
		}
		Expect(byQID["q1"].Reply.Answer.SimpleAnswer).To(Equal(answer.Yes))
		Expect(byQID["q2"].Reply.Answer.SimpleAnswer).ToNot(Equal(answer.NotUsed))
		Expect(byQID["q1"].Meta.URL).To(Equal(policy.URL))
		Expect(byQID["q1"].SourceDocuments).ToNot(BeEmpty())
		Expect(byQID["q1"].SourceDocuments[0].URL).To(Equal(policy.URL))
	})
})
