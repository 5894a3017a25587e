package questions

// Category distinguishes yes/no questions from free-text ones.
type Category string

const (
	Binary Category = "binary"
	Open   Category = "open"
)

// Question is one entry of the fixed compliance question set.
type Question struct {
	QID      string
	Text     string
	Category Category

	// DependsOn names the binary question that gates this one. When
	// the gating answer is "No" the open question is moot and its
	// simple answer is forced to NOTUSED.
	DependsOn string
}

// Set is the fixed, ordered question set asked of every application.
var Set = []Question{
	{QID: "q1", Text: "1. Does the app declare the collection of data?", Category: Binary},
	{QID: "q2", Text: "2. If the app declares the collection of data, what type of data does it collect?", Category: Open, DependsOn: "q1"},
	{QID: "q3", Text: "3. Does the app declare the purpose of data collection and use?", Category: Binary},
	{QID: "q4", Text: "4. Can the user opt out of data collection or delete data?", Category: Binary},
	{QID: "q5", Text: "5. Does the app share data with third parties?", Category: Binary},
	{QID: "q6", Text: "6. If the app shares data with third parties, what third parties does the app share data with?", Category: Open, DependsOn: "q5"},
}

// ByQID returns the question with the given qid.
func ByQID(qid string) (Question, bool) {
	for _, q := range Set {
		if q.QID == qid {
			return q, true
		}
	}
	return Question{}, false
}
