package answer

import (
	"fmt"
	"strings"

	"github.com/policyrecall/policyrecall/pkg/questions"
)

// Canonical simple-answer values.
const (
	Yes     = "Yes"
	No      = "No"
	NotUsed = "NOTUSED"
)

// Comments distinguishing why an answer carries NOTUSED: a gated open
// question is "not applicable", a repair-proof generation is
// "unanswered".
const (
	CommentNotApplicable = "not applicable"
	CommentUnanswered    = "unanswered"
)

// Meta identifies the application an answer belongs to.
type Meta struct {
	ID    int    `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// ExtendedSimpleAnswer carries qualification of the simple answer.
type ExtendedSimpleAnswer struct {
	Comment string `json:"comment"`
	Content string `json:"content"`
}

// Answer is the structured answer body.
type Answer struct {
	FullAnswer           string               `json:"full_answer"`
	SimpleAnswer         string               `json:"simple_answer"`
	ExtendedSimpleAnswer ExtendedSimpleAnswer `json:"extended_simple_answer"`
}

// Reply holds the model's response to one question.
type Reply struct {
	QID       string `json:"qid"`
	Question  string `json:"question"`
	Answer    Answer `json:"answer"`
	Analysis  string `json:"analysis"`
	Reference string `json:"reference"`
}

// SourceDocument is one retrieved evidence snippet backing an answer.
type SourceDocument struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Excerpt string  `json:"excerpt"`
	URL     string  `json:"url"`
}

// Record is the full per-question output unit: one of exactly six per
// application.
type Record struct {
	Meta            Meta             `json:"meta"`
	Reply           Reply            `json:"reply"`
	SourceDocuments []SourceDocument `json:"source_documents"`
}

// SchemaError reports a generated record missing required fields after
// repair.
type SchemaError struct {
	QID    string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("answer for %s fails schema: %s", e.QID, e.Reason)
}

// CanonicalizeBinary maps raw model text onto exactly "Yes" or "No".
// The second return is false when the text cannot be canonicalized.
func CanonicalizeBinary(raw string) (string, bool) {
	fields := strings.Fields(strings.ToLower(raw))
	if len(fields) == 0 {
		return "", false
	}
	first := strings.Trim(fields[0], ".,:;!?\"'")
	switch first {
	case "yes", "true":
		return Yes, true
	case "no", "false":
		return No, true
	}
	return "", false
}

// Validate checks that a record satisfies the output contract for its
// question.
func Validate(rec *Record, q questions.Question) error {
	if rec.Reply.QID != q.QID {
		return &SchemaError{QID: q.QID, Reason: fmt.Sprintf("qid mismatch: %q", rec.Reply.QID)}
	}
	simple := rec.Reply.Answer.SimpleAnswer
	switch q.Category {
	case questions.Binary:
		if simple != Yes && simple != No && simple != NotUsed {
			return &SchemaError{QID: q.QID, Reason: fmt.Sprintf("binary simple_answer %q not canonical", simple)}
		}
	case questions.Open:
		if simple == "" {
			return &SchemaError{QID: q.QID, Reason: "empty simple_answer"}
		}
	}
	return nil
}

// Fallback builds the degraded record emitted when generation output
// stays unusable after repair. The batch always ends with six records
// per application, so malformed output becomes a NOTUSED record with
// the failure noted instead of a missing entry.
func Fallback(meta Meta, q questions.Question, note string) Record {
	return Record{
		Meta: meta,
		Reply: Reply{
			QID:      q.QID,
			Question: q.Text,
			Answer: Answer{
				SimpleAnswer: NotUsed,
				ExtendedSimpleAnswer: ExtendedSimpleAnswer{
					Comment: CommentUnanswered,
				},
			},
			Analysis: note,
		},
	}
}

// ApplySuppression enforces the dependency between binary and open
// questions: when the governing binary answer is "No" the dependent
// open question is moot and its simple answer becomes NOTUSED.
func ApplySuppression(records []Record) {
	byQID := map[string]*Record{}
	for i := range records {
		byQID[records[i].Reply.QID] = &records[i]
	}

	for _, q := range questions.Set {
		if q.DependsOn == "" {
			continue
		}
		governing, ok := byQID[q.DependsOn]
		if !ok || governing.Reply.Answer.SimpleAnswer != No {
			continue
		}
		dependent, ok := byQID[q.QID]
		if !ok {
			continue
		}
		dependent.Reply.Answer.SimpleAnswer = NotUsed
		dependent.Reply.Answer.ExtendedSimpleAnswer.Comment = CommentNotApplicable
	}
}
