// Package quality scores produced answers and reports low quality turns.
package quality

import (
	"context"
	"strings"
	"unicode"
)

// Sample is one question/answer pair with its grounding.
type Sample struct {
	Question  string
	Answer    string
	Contexts  []string
	Reference string
}

// Scores are all in [0,1]. Similarity is only set when the sample carries a
// reference answer.
type Scores struct {
	Faithfulness     float64
	AnswerRelevance  float64
	ContextPrecision float64
	Similarity       *float64
}

// Scorer computes Scores for a Sample.
type Scorer interface {
	Score(ctx context.Context, s Sample) (Scores, error)
}

// LexicalScorer approximates RAGAS metrics with token overlap.
//
//   - faithfulness: share of answer terms found in the contexts
//   - answer relevance: share of question terms covered by the answer
//   - context precision: share of contexts sharing a term with the question
//   - similarity: Jaccard index of answer and reference terms
type LexicalScorer struct{}

// Score implements Scorer.
func (LexicalScorer) Score(ctx context.Context, s Sample) (Scores, error) {
	if err := ctx.Err(); err != nil {
		return Scores{}, err
	}
	question := terms(s.Question)
	answer := terms(s.Answer)

	var scores Scores
	if len(s.Contexts) == 0 {
		scores.Faithfulness = 1
		scores.ContextPrecision = 1
	} else {
		all := make(map[string]struct{})
		relevant := 0
		for _, c := range s.Contexts {
			ct := terms(c)
			for t := range ct {
				all[t] = struct{}{}
			}
			if overlap(question, ct) > 0 {
				relevant++
			}
		}
		scores.Faithfulness = coverage(answer, all)
		scores.ContextPrecision = float64(relevant) / float64(len(s.Contexts))
	}
	scores.AnswerRelevance = coverage(question, answer)

	if strings.TrimSpace(s.Reference) != "" {
		ref := terms(s.Reference)
		union := len(ref)
		for t := range answer {
			if _, ok := ref[t]; !ok {
				union++
			}
		}
		sim := 0.0
		if union > 0 {
			sim = float64(overlap(answer, ref)) / float64(union)
		}
		scores.Similarity = &sim
	}
	return scores, nil
}

// coverage is the share of want found in have; an empty want is covered.
func coverage(want, have map[string]struct{}) float64 {
	if len(want) == 0 {
		return 1
	}
	return float64(overlap(want, have)) / float64(len(want))
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for t := range a {
		if _, ok := b[t]; ok {
			n++
		}
	}
	return n
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"can": {}, "do": {}, "does": {}, "for": {}, "from": {}, "how": {}, "i": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"this": {}, "to": {}, "was": {}, "what": {}, "which": {}, "who": {}, "why": {},
	"with": {}, "you": {},
}

func terms(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if _, stop := stopwords[f]; stop {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}
