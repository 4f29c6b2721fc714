package quality

import (
	"context"
	"log/slog"
)

// Thresholds under which a turn is logged as low quality.
const (
	FaithfulnessThreshold = 0.8
	RelevanceThreshold    = 0.8
)

// Exporter publishes scores. observability.Metrics implements it.
type Exporter interface {
	SetQualityScores(faithfulness, answerRelevance, contextPrecision float64, similarity *float64)
}

// Evaluator scores turns on a best effort basis.
type Evaluator struct {
	scorer   Scorer
	exporter Exporter
	logger   *slog.Logger
}

// NewEvaluator wires a scorer to an exporter. A nil logger uses slog.Default.
func NewEvaluator(scorer Scorer, exporter Exporter, logger *slog.Logger) *Evaluator {
	if scorer == nil {
		scorer = LexicalScorer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{scorer: scorer, exporter: exporter, logger: logger}
}

// Evaluate scores the sample, exports every score and logs a
// low_quality_response record below threshold. Scoring errors are logged
// and swallowed; ok reports whether scores were produced.
func (e *Evaluator) Evaluate(ctx context.Context, s Sample) (scores Scores, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("quality scoring panicked", "panic", r)
			scores, ok = Scores{}, false
		}
	}()

	scores, err := e.scorer.Score(ctx, s)
	if err != nil {
		e.logger.Error("quality scoring failed", "error", err)
		return Scores{}, false
	}
	scores = clamp(scores)
	if e.exporter != nil {
		e.exporter.SetQualityScores(scores.Faithfulness, scores.AnswerRelevance, scores.ContextPrecision, scores.Similarity)
	}

	if scores.Faithfulness < FaithfulnessThreshold || scores.AnswerRelevance < RelevanceThreshold {
		e.logger.Warn("low_quality_response",
			"event", "low_quality_response",
			"question", s.Question,
			"answer", s.Answer,
			"faithfulness", scores.Faithfulness,
			"answer_relevance", scores.AnswerRelevance,
			"context", s.Contexts,
		)
	}
	return scores, true
}

func clamp(s Scores) Scores {
	s.Faithfulness = unit(s.Faithfulness)
	s.AnswerRelevance = unit(s.AnswerRelevance)
	s.ContextPrecision = unit(s.ContextPrecision)
	if s.Similarity != nil {
		v := unit(*s.Similarity)
		s.Similarity = &v
	}
	return s
}

func unit(v float64) float64 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
