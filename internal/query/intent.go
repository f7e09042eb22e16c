package query

import "regexp"

type Intent int

const (
	IntentQuestion Intent = iota
	IntentSummary
)

func (i Intent) String() string {
	if i == IntentSummary {
		return "summary"
	}
	return "question"
}

type IntentClassifier interface {
	Classify(text string) Intent
}

var summaryKeywords = regexp.MustCompile(`(?i)(summari[sz]e|summary|tl;\s?dr|tldr|short version|condense|recap|\bgist\b)`)

// KeywordClassifier routes a message to the summary path when it mentions
// any summarisation phrase.
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(text string) Intent {
	if summaryKeywords.MatchString(text) {
		return IntentSummary
	}
	return IntentQuestion
}
