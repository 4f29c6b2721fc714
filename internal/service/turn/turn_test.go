package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgchat/internal/audit"
	"kgchat/internal/models"
	"kgchat/internal/ratelimit"
	"kgchat/internal/service/feedback"
	"kgchat/internal/service/guardrail"
	"kgchat/internal/service/knowledge"
	"kgchat/internal/service/quality"
	"kgchat/internal/service/translator"
	"kgchat/internal/worker"
)

type fakeStore struct {
	mu        sync.Mutex
	users     map[string]*models.User
	chats     map[string]*models.Chat
	responses map[string][]*models.Response
	insertErr error
	seq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:     map[string]*models.User{},
		chats:     map[string]*models.Chat{},
		responses: map[string][]*models.Response{},
	}
}

func (f *fakeStore) addChat(chatID, email string) {
	u, _ := f.EnsureUser(context.Background(), email)
	f.chats[chatID] = &models.Chat{ID: chatID, UserID: u.ID}
}

func (f *fakeStore) EnsureUser(_ context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[email]; ok {
		return u, nil
	}
	u := &models.User{ID: "user-" + email, Email: email}
	f.users[email] = u
	return u, nil
}

func (f *fakeStore) ValidateChatAccess(_ context.Context, chatID, userID string) (*models.Chat, error) {
	c, ok := f.chats[chatID]
	if !ok {
		return nil, feedback.ErrChatNotFound
	}
	if c.UserID != userID {
		return nil, feedback.ErrAccessDenied
	}
	return c, nil
}

func (f *fakeStore) ListResponses(_ context.Context, chatID string, page feedback.Page) ([]*models.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.responses[chatID]
	var out []*models.Response
	for i := len(all) - 1; i >= 0 && len(out) < page.Limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeStore) InsertResponse(_ context.Context, r feedback.NewResponse) (*models.Response, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	resp := &models.Response{
		ID:               fmt.Sprintf("resp-%d", f.seq),
		ChatID:           r.ChatID,
		Input:            r.Input,
		Query:            r.Query,
		Output:           r.Output,
		OriginalResponse: r.OriginalResponse,
		CreatedAt:        time.Date(2025, 10, 10, 9, 0, f.seq, 0, time.UTC),
	}
	for i, ref := range r.References {
		ref.Idx = i
		ref.ResponseID = resp.ID
		resp.References = append(resp.References, ref)
	}
	f.responses[r.ChatID] = append(f.responses[r.ChatID], resp)
	return resp, nil
}

func (f *fakeStore) count(chatID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses[chatID])
}

type fakeTranslator struct {
	detected string
	toWork   map[string]string
	back     map[string]string
	backCall []string
	err      error
}

func (f *fakeTranslator) ToWorkingLanguage(_ context.Context, text string) (translator.Translation, error) {
	if f.err != nil {
		return translator.Translation{}, f.err
	}
	tr := translator.Translation{SourceLanguage: f.detected, TargetLanguage: "en", Text: text}
	if t, ok := f.toWork[text]; ok && f.detected != "en" {
		tr.Text = t
	}
	return tr, nil
}

func (f *fakeTranslator) Translate(_ context.Context, text, target string) (string, error) {
	f.backCall = append(f.backCall, target)
	if t, ok := f.back[text]; ok {
		return t, nil
	}
	return text, nil
}

type fakeKG struct {
	payload  string
	err      error
	requests []knowledge.LocalSearchRequest
}

func (f *fakeKG) SearchLocal(_ context.Context, req knowledge.LocalSearchRequest) (json.RawMessage, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.payload), nil
}

type fakeGuardrail struct {
	verdict guardrail.Verdict
	calls   int
}

func (f *fakeGuardrail) Classify(context.Context, string) (guardrail.Verdict, error) {
	f.calls++
	return f.verdict, nil
}

type fakeLimiter struct {
	allowed bool
	err     error
}

func (f fakeLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: f.allowed, RetryAfter: 30 * time.Second}, f.err
}

type fakeEvaluator struct {
	samples []quality.Sample
}

func (f *fakeEvaluator) Evaluate(_ context.Context, s quality.Sample) (quality.Scores, bool) {
	f.samples = append(f.samples, s)
	return quality.Scores{}, true
}

type syncJobs struct{}

func (syncJobs) Submit(job worker.Job) error { return job.Fn(context.Background()) }

type fakeAuditor struct {
	entries []audit.Entry
}

func (f *fakeAuditor) Append(_ context.Context, e audit.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

type fixture struct {
	store      *fakeStore
	translator *fakeTranslator
	kg         *fakeKG
	guard      *fakeGuardrail
	eval       *fakeEvaluator
	auditor    *fakeAuditor
	limiter    fakeLimiter
}

func newFixture() *fixture {
	f := &fixture{
		store:      newFakeStore(),
		translator: &fakeTranslator{detected: "en"},
		kg:         &fakeKG{payload: `{"answer":"X is a widget.","references":[{"id":"r1","type":"doc"}]}`},
		guard:      &fakeGuardrail{verdict: guardrail.Verdict{Relevant: true}},
		eval:       &fakeEvaluator{},
		auditor:    &fakeAuditor{},
		limiter:    fakeLimiter{allowed: true},
	}
	f.store.addChat("C1", "u@x.com")
	return f
}

func (f *fixture) service(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Deps{
		Store:      f.store,
		Limiter:    f.limiter,
		Translator: f.translator,
		Guardrail:  f.guard,
		Knowledge:  f.kg,
		Evaluator:  f.eval,
		Auditor:    f.auditor,
		Jobs:       syncJobs{},
	}, Options{SecondaryLanguages: []string{"de", "fr"}, MaxConversationTurns: 5})
	require.NoError(t, err)
	return svc
}

func request(content string) Request {
	return Request{ChatID: "C1", Email: "u@x.com", Content: content, SessionID: "s-1"}
}

func TestCreateResponsePersistsAnswerAndReference(t *testing.T) {
	f := newFixture()
	resp, err := f.service(t).CreateResponse(context.Background(), request("What is product X?"))
	require.NoError(t, err)

	assert.Equal(t, "resp-1", resp.ID)
	assert.Equal(t, "What is product X?", resp.Input)
	assert.Contains(t, resp.Output, "X is a widget.")
	require.Len(t, resp.References, 1)
	assert.Equal(t, "r1", resp.References[0].ID)

	stored := f.store.responses["C1"]
	require.Len(t, stored, 1)
	assert.Contains(t, stored[0].Output, "X is a widget.")
	require.Len(t, stored[0].References, 1)
	assert.Equal(t, 0, stored[0].References[0].Idx)
	assert.Equal(t, "r1", stored[0].References[0].ID)
	assert.JSONEq(t, f.kg.payload, string(stored[0].OriginalResponse))

	require.Len(t, f.kg.requests, 1)
	req := f.kg.requests[0]
	assert.Equal(t, "What is product X?", req.Message.Content)
	assert.Equal(t, 0.5, req.Temperature)
	assert.Equal(t, 200, req.MaxTokens)
	assert.Empty(t, req.ConversationHistory)

	assert.Zero(t, f.guard.calls, "guardrail is off unless enabled")
	require.Len(t, f.eval.samples, 1)
	require.Len(t, f.auditor.entries, 1)
	assert.Equal(t, "user-u@x.com", f.auditor.entries[0].UserID)
	assert.Equal(t, "resp-1", f.auditor.entries[0].ID)
}

func TestUnsupportedLanguageShortCircuits(t *testing.T) {
	f := newFixture()
	f.translator.detected = "es"
	before := f.store.count("C1")

	resp, err := f.service(t).CreateResponse(context.Background(), request("¿Qué es el producto X?"))
	require.NoError(t, err)
	assert.Equal(t, UnsupportedLanguageMessage, resp.Output)
	assert.Equal(t, NilResponseID, resp.ID)
	assert.Empty(t, resp.References)
	assert.Equal(t, before, f.store.count("C1"))
	assert.Empty(t, f.kg.requests)
	assert.Empty(t, f.auditor.entries)
}

func TestGuardrailRejectionIsVerbatim(t *testing.T) {
	f := newFixture()
	f.guard.verdict = guardrail.Verdict{Relevant: false, Message: "I can only help with product questions."}
	req := request("Tell me a joke")
	req.GuardrailEnabled = true

	resp, err := f.service(t).CreateResponse(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "I can only help with product questions.", resp.Output)
	assert.Equal(t, NilResponseID, resp.ID)
	assert.Equal(t, 1, f.guard.calls)
	assert.Zero(t, f.store.count("C1"))
	assert.Empty(t, f.kg.requests)
}

func TestAccessValidation(t *testing.T) {
	f := newFixture()
	f.store.addChat("C2", "other@x.com")
	svc := f.service(t)

	req := request("What is X?")
	req.ChatID = "C2"
	_, err := svc.CreateResponse(context.Background(), req)
	assert.ErrorIs(t, err, feedback.ErrAccessDenied)

	req.ChatID = "missing"
	_, err = svc.CreateResponse(context.Background(), req)
	assert.ErrorIs(t, err, feedback.ErrChatNotFound)
	assert.Empty(t, f.kg.requests)
}

func TestRateLimited(t *testing.T) {
	f := newFixture()
	f.limiter = fakeLimiter{allowed: false}
	_, err := f.service(t).CreateResponse(context.Background(), request("What is X?"))
	require.ErrorIs(t, err, ErrRateLimited)
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 30*time.Second, rle.RetryAfter)
	assert.Empty(t, f.kg.requests)
	assert.Zero(t, f.store.count("C1"))
	assert.Empty(t, f.auditor.entries)
}

func TestLimiterStoreFailureFailsOpen(t *testing.T) {
	f := newFixture()
	f.limiter = fakeLimiter{allowed: true, err: errors.New("redis down")}
	_, err := f.service(t).CreateResponse(context.Background(), request("What is X?"))
	require.NoError(t, err)
}

func TestRoundTripTranslationKeepsReferences(t *testing.T) {
	f := newFixture()
	f.translator.detected = "de"
	f.translator.toWork = map[string]string{"Was ist Produkt X?": "What is product X?"}
	f.translator.back = map[string]string{"X is a widget [Data: Sources (r1)].": "X ist ein Widget [Data: Sources (r1)]."}
	f.kg.payload = `{"answer":"X is a widget [Data: Sources (r1)].","references":[{"id":"r1","type":"sources"},{"id":"r2","type":"doc"}]}`

	resp, err := f.service(t).CreateResponse(context.Background(), request("Was ist Produkt X?"))
	require.NoError(t, err)
	assert.Equal(t, "X ist ein Widget [1].", resp.Output)
	assert.Equal(t, []string{"de"}, f.translator.backCall)
	assert.Equal(t, "What is product X?", f.kg.requests[0].Message.Content)

	stored := f.store.responses["C1"][0]
	require.Len(t, stored.References, 2)
	for i, id := range []string{"r1", "r2"} {
		assert.Equal(t, id, stored.References[i].ID)
		assert.Equal(t, i, stored.References[i].Idx)
		assert.Equal(t, id, resp.References[i].ID)
	}
	assert.Equal(t, "Was ist Produkt X?", stored.Input)
	assert.Equal(t, "What is product X?", stored.Query)

	require.Len(t, f.eval.samples, 1)
	sample := f.eval.samples[0]
	assert.Equal(t, "What is product X?", sample.Question)
	assert.Equal(t, "X is a widget.", sample.Answer)
}

func TestHistoryIsChronological(t *testing.T) {
	f := newFixture()
	svc := f.service(t)
	for i := 1; i <= 7; i++ {
		f.kg.payload = fmt.Sprintf(`{"answer":"a%d"}`, i)
		_, err := svc.CreateResponse(context.Background(), request(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
	}

	last := f.kg.requests[len(f.kg.requests)-1]
	require.Len(t, last.ConversationHistory, 10)
	var got []string
	for _, m := range last.ConversationHistory {
		got = append(got, m.Role+":"+m.Content)
	}
	assert.Equal(t, "user:q2,assistant:a2,user:q3,assistant:a3,user:q4,assistant:a4,user:q5,assistant:a5,user:q6,assistant:a6", strings.Join(got, ","))
}

func TestUpstreamAndPersistenceFailures(t *testing.T) {
	f := newFixture()
	f.kg.err = errors.New("connection refused")
	_, err := f.service(t).CreateResponse(context.Background(), request("What is X?"))
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Zero(t, f.store.count("C1"))

	f = newFixture()
	f.kg.payload = `{"references":[]}`
	_, err = f.service(t).CreateResponse(context.Background(), request("What is X?"))
	assert.ErrorIs(t, err, ErrUpstream)

	f = newFixture()
	f.translator.err = errors.New("quota")
	_, err = f.service(t).CreateResponse(context.Background(), request("What is X?"))
	assert.ErrorIs(t, err, ErrUpstream)

	f = newFixture()
	f.store.insertErr = errors.New("disk full")
	_, err = f.service(t).CreateResponse(context.Background(), request("What is X?"))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, f.eval.samples)
}

type scriptedScorer struct {
	scores quality.Scores
	err    error
	panic  bool
}

func (s scriptedScorer) Score(context.Context, quality.Sample) (quality.Scores, error) {
	if s.panic {
		panic("scorer bug")
	}
	return s.scores, s.err
}

func TestQualityScoringNeverChangesTheAnswer(t *testing.T) {
	cases := map[string]scriptedScorer{
		"low faithfulness": {scores: quality.Scores{Faithfulness: 0.5, AnswerRelevance: 0.9, ContextPrecision: 0.9}},
		"scorer error":     {err: errors.New("scorer unavailable")},
		"scorer panic":     {panic: true},
	}
	for name, scorer := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			svc, err := NewService(Deps{
				Store:      f.store,
				Limiter:    f.limiter,
				Translator: f.translator,
				Knowledge:  f.kg,
				Evaluator:  quality.NewEvaluator(scorer, nil, nil),
				Auditor:    f.auditor,
				Jobs:       syncJobs{},
			}, Options{SecondaryLanguages: []string{"de", "fr"}})
			require.NoError(t, err)

			resp, err := svc.CreateResponse(context.Background(), request("What is product X?"))
			require.NoError(t, err)
			assert.Equal(t, "resp-1", resp.ID)
			assert.Contains(t, resp.Output, "X is a widget.")
			assert.Equal(t, 1, f.store.count("C1"))
			assert.Len(t, f.auditor.entries, 1)
		})
	}
}
