package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgchat/internal/observability"
)

type fixedScorer struct {
	scores Scores
	err    error
}

func (f fixedScorer) Score(context.Context, Sample) (Scores, error) { return f.scores, f.err }

func newLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func TestLexicalScorer(t *testing.T) {
	s, err := LexicalScorer{}.Score(context.Background(), Sample{
		Question: "What is product X?",
		Answer:   "Product X is a widget.",
		Contexts: []string{"Product X is a blue widget.", "Shipping takes two days."},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Faithfulness)
	assert.Equal(t, 1.0, s.AnswerRelevance)
	assert.Equal(t, 0.5, s.ContextPrecision)
	assert.Nil(t, s.Similarity)
}

func TestLexicalScorerWithoutContextsAndWithReference(t *testing.T) {
	s, err := LexicalScorer{}.Score(context.Background(), Sample{
		Question:  "What colour is the widget?",
		Answer:    "The widget is red.",
		Reference: "The widget is blue.",
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Faithfulness)
	assert.Equal(t, 0.5, s.AnswerRelevance)
	require.NotNil(t, s.Similarity)
	assert.InDelta(t, 1.0/3.0, *s.Similarity, 1e-9)
}

func TestEvaluateLowFaithfulnessExportsAndLogs(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	var buf bytes.Buffer
	e := NewEvaluator(fixedScorer{scores: Scores{Faithfulness: 0.5, AnswerRelevance: 0.9, ContextPrecision: 0.7}}, m, newLogger(&buf))

	scores, ok := e.Evaluate(context.Background(), Sample{Question: "What is X?", Answer: "X is a widget."})
	require.True(t, ok)
	assert.Equal(t, 0.5, scores.Faithfulness)
	assert.Equal(t, 0.5, testutil.ToFloat64(m.Faithfulness))
	assert.Equal(t, 0.9, testutil.ToFloat64(m.AnswerRelevance))
	assert.Equal(t, 0.7, testutil.ToFloat64(m.ContextPrecision))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "low_quality_response", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "What is X?", rec["question"])
	assert.Equal(t, "X is a widget.", rec["answer"])
	assert.Equal(t, 0.5, rec["faithfulness"])
}

func TestEvaluateAboveThresholdIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	sim := 0.95
	m := observability.NewMetrics(prometheus.NewRegistry())
	e := NewEvaluator(fixedScorer{scores: Scores{Faithfulness: 0.9, AnswerRelevance: 0.85, ContextPrecision: 1.2, Similarity: &sim}}, m, newLogger(&buf))

	scores, ok := e.Evaluate(context.Background(), Sample{})
	require.True(t, ok)
	assert.Equal(t, 1.0, scores.ContextPrecision)
	assert.Equal(t, 0.95, testutil.ToFloat64(m.Similarity))
	assert.Empty(t, buf.String())
}

func TestEvaluateSwallowsScoringErrors(t *testing.T) {
	var buf bytes.Buffer
	e := NewEvaluator(fixedScorer{err: errors.New("model offline")}, nil, newLogger(&buf))
	_, ok := e.Evaluate(context.Background(), Sample{})
	assert.False(t, ok)
	assert.True(t, strings.Contains(buf.String(), "model offline"))
}
