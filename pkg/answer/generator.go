package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/mudler/xlog"
	"github.com/policyrecall/policyrecall/pkg/jsonrepair"
	"github.com/policyrecall/policyrecall/pkg/questions"
	"github.com/policyrecall/policyrecall/rag/types"
	"github.com/sashabaranov/go-openai"
)

// maxContextBytes caps how much retrieved context goes into the
// prompt.
const maxContextBytes = 7000

const generationMaxRetries = 3

// Generator answers one question at a time against retrieved context,
// producing a strictly structured Record.
type Generator struct {
	client *openai.Client
	model  string
}

// NewGenerator creates a Generator using the given generation model.
func NewGenerator(client *openai.Client, model string) *Generator {
	return &Generator{client: client, model: model}
}

// generated is the wire shape the model is instructed to return.
type generated struct {
	Meta  Meta  `json:"meta"`
	Reply Reply `json:"reply"`
}

// Answer prompts the model with the question and the reranked context
// and returns a validated Record. Malformed or non-canonical model
// output degrades to a fallback record; only a provider failure is
// returned as an error so the caller can decide to skip the
// application.
func (g *Generator) Answer(ctx context.Context, meta Meta, q questions.Question, contexts []types.Result) (Record, error) {
	prompt := buildPrompt(meta, q, contexts)

	var raw string
	op := func() error {
		resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       g.model,
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
	if err := backoff.Retry(op, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), generationMaxRetries)); err != nil {
		return Record{}, &types.ProviderError{Provider: "generation", Op: "CreateChatCompletion", Err: err}
	}

	rec, err := g.parse(raw, meta, q)
	if err != nil {
		xlog.Warn("Generation output unusable, emitting fallback record",
			"id", meta.ID, "qid", q.QID, "error", err)
		rec = Fallback(meta, q, fmt.Sprintf("generation output unusable: %v", err))
	}

	rec.SourceDocuments = sourceDocuments(contexts)
	return rec, nil
}

// parse turns raw model output into a Record, running the repair pass
// when strict parsing fails and canonicalizing binary answers.
func (g *Generator) parse(raw string, meta Meta, q questions.Question) (Record, error) {
	var gen generated
	if err := json.Unmarshal([]byte(raw), &gen); err != nil {
		repaired, repErr := jsonrepair.Repair(raw)
		if repErr != nil {
			return Record{}, repErr
		}
		if err := json.Unmarshal([]byte(repaired), &gen); err != nil {
			return Record{}, &jsonrepair.ParseError{Reason: err.Error()}
		}
	}

	rec := Record{
		// The model echoes meta back; ours is authoritative.
		Meta:  meta,
		Reply: gen.Reply,
	}
	rec.Reply.QID = q.QID
	rec.Reply.Question = q.Text

	if q.Category == questions.Binary {
		canonical, ok := CanonicalizeBinary(rec.Reply.Answer.SimpleAnswer)
		if !ok {
			// Binary questions never pass raw model text through.
			return Record{}, &SchemaError{QID: q.QID, Reason: fmt.Sprintf("cannot canonicalize %q", rec.Reply.Answer.SimpleAnswer)}
		}
		rec.Reply.Answer.SimpleAnswer = canonical
	} else if strings.TrimSpace(rec.Reply.Answer.SimpleAnswer) == "" {
		if full := strings.TrimSpace(rec.Reply.Answer.FullAnswer); full != "" {
			rec.Reply.Answer.SimpleAnswer = full
		}
	}

	if err := Validate(&rec, q); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func sourceDocuments(contexts []types.Result) []SourceDocument {
	docs := make([]SourceDocument, 0, len(contexts))
	for _, r := range contexts {
		docs = append(docs, SourceDocument{
			ID:      r.ID,
			Score:   float64(r.RerankScore),
			Excerpt: r.Content,
			URL:     r.Metadata["source"],
		})
	}
	return docs
}

func buildPrompt(meta Meta, q questions.Question, contexts []types.Result) string {
	var ctxBuilder strings.Builder
	for _, r := range contexts {
		entry := fmt.Sprintf("[chunk %s, %s]\n%s\n\n", r.ID, r.Metadata["source"], r.Content)
		if ctxBuilder.Len()+len(entry) > maxContextBytes {
			break
		}
		ctxBuilder.WriteString(entry)
	}

	return fmt.Sprintf(`You are a privacy policy expert. You are provided with excerpts of the privacy policy document published at %[1]s for an app.
Your task is to:
 - answer the question based only on the provided excerpts,
 - provide references for your answers based on the excerpt from which your answer is generated,
 - produce your results strictly in the JSON format below (no extra text beyond JSON),
 - for yes/no questions, set 'simple_answer' to exactly "Yes" or "No",
 - ensure that the 'url' in the 'meta' section is exactly %[1]s.

JSON format:
{
   "meta": {
       "id": %[2]d,
       "url": "%[1]s",
       "title": "%[3]s"
   },
   "reply": {
       "qid": "%[4]s",
       "question": "",
       "answer": {
           "full_answer": "",
           "simple_answer": "",
           "extended_simple_answer": {
               "comment": "",
               "content": ""
           }
       },
       "analysis": "",
       "reference": ""
   }
}

Context:
%[5]s
Question: %[6]s
Answer:
`, meta.URL, meta.ID, meta.Title, q.QID, ctxBuilder.String(), q.Text)
}
