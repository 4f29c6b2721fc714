// Package turn runs one chat turn: from a user message to a persisted,
// referenced answer.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kgchat/internal/audit"
	"kgchat/internal/models"
	"kgchat/internal/ratelimit"
	"kgchat/internal/service/compose"
	"kgchat/internal/service/feedback"
	"kgchat/internal/service/guardrail"
	"kgchat/internal/service/knowledge"
	"kgchat/internal/service/quality"
	"kgchat/internal/service/translator"
	"kgchat/internal/worker"
)

// UnsupportedLanguageMessage answers questions asked in a language the
// knowledge graph cannot be queried in.
const UnsupportedLanguageMessage = "Language not supported. Supported languages are English, German and French"

// NilResponseID identifies answers that were not persisted.
var NilResponseID = uuid.Nil.String()

var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrUpstream    = errors.New("upstream service failed")
	ErrPersistence = errors.New("persistence failed")
)

// Store is the slice of the persistence gateway a turn needs.
type Store interface {
	EnsureUser(ctx context.Context, email string) (*models.User, error)
	ValidateChatAccess(ctx context.Context, chatID, userID string) (*models.Chat, error)
	ListResponses(ctx context.Context, chatID string, page feedback.Page) ([]*models.Response, error)
	InsertResponse(ctx context.Context, r feedback.NewResponse) (*models.Response, error)
}

type Translator interface {
	ToWorkingLanguage(ctx context.Context, text string) (translator.Translation, error)
	Translate(ctx context.Context, text, target string) (string, error)
}

type KnowledgeGraph interface {
	SearchLocal(ctx context.Context, req knowledge.LocalSearchRequest) (json.RawMessage, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, s quality.Sample) (quality.Scores, bool)
}

type Auditor interface {
	Append(ctx context.Context, e audit.Entry) error
}

type Submitter interface {
	Submit(job worker.Job) error
}

// Deps are the collaborators of a Service. Guardrail, Evaluator, Auditor
// and Jobs are optional.
type Deps struct {
	Store      Store
	Limiter    ratelimit.Limiter
	Translator Translator
	Guardrail  guardrail.Classifier
	Knowledge  KnowledgeGraph
	Catalog    *compose.Catalog
	Evaluator  Evaluator
	Auditor    Auditor
	Jobs       Submitter
	Logger     *slog.Logger
}

// Options tune a Service.
type Options struct {
	SecondaryLanguages   []string
	MaxConversationTurns int
}

// Request is one user message.
type Request struct {
	ChatID    string
	Email     string
	Content   string
	Stream    bool
	SessionID string
	// GuardrailEnabled comes from configuration; it is not a per call choice
	// of the client.
	GuardrailEnabled bool
}

// Service orchestrates chat turns.
type Service struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService validates the mandatory dependencies.
func NewService(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("turn: store is required")
	case deps.Limiter == nil:
		return nil, errors.New("turn: limiter is required")
	case deps.Translator == nil:
		return nil, errors.New("turn: translator is required")
	case deps.Knowledge == nil:
		return nil, errors.New("turn: knowledge graph client is required")
	}
	if opts.MaxConversationTurns <= 0 {
		opts.MaxConversationTurns = 5
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer("turn"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateResponse answers req.Content inside chat req.ChatID.
//
// Unsupported languages and guardrail rejections are answered with a fixed
// message, NilResponseID and no persistence. Validation failures return the
// feedback sentinels; ErrRateLimited, ErrUpstream and ErrPersistence wrap
// the remaining failures.
func (s *Service) CreateResponse(ctx context.Context, req Request) (_ *models.ChatResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "turn.CreateResponse", trace.WithAttributes(
		attribute.String("chat.id", req.ChatID),
		attribute.String("session.id", req.SessionID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	user, err := s.deps.Store.EnsureUser(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("%w: ensure user: %v", ErrPersistence, err)
	}
	if _, err := s.deps.Store.ValidateChatAccess(ctx, req.ChatID, user.ID); err != nil {
		if errors.Is(err, feedback.ErrChatNotFound) || errors.Is(err, feedback.ErrAccessDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: validate chat: %v", ErrPersistence, err)
	}

	decision, err := s.deps.Limiter.Allow(ctx, req.Email)
	if err != nil {
		s.logger.Warn("rate limiter degraded", "user", user.ID, "error", err)
	}
	if !decision.Allowed {
		return nil, &RateLimitError{RetryAfter: decision.RetryAfter}
	}

	translation, err := s.deps.Translator.ToWorkingLanguage(ctx, req.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: translate input: %v", ErrUpstream, err)
	}
	span.SetAttributes(attribute.String("language.source", translation.SourceLanguage))
	if !translation.Identity() && !slices.Contains(s.opts.SecondaryLanguages, translation.SourceLanguage) {
		s.logger.Info("unsupported language", "chat_id", req.ChatID, "language", translation.SourceLanguage)
		return s.shortCircuit(req.Content, UnsupportedLanguageMessage), nil
	}
	query := translation.Text

	if req.GuardrailEnabled && s.deps.Guardrail != nil {
		verdict, err := s.deps.Guardrail.Classify(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("%w: guardrail: %v", ErrUpstream, err)
		}
		if !verdict.Relevant {
			s.logger.Info("guardrail rejected query", "chat_id", req.ChatID)
			return s.shortCircuit(req.Content, verdict.Message), nil
		}
	}

	query = compose.PrepareQuery(query, s.deps.Catalog)

	history, err := s.history(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}

	payload, err := s.deps.Knowledge.SearchLocal(ctx, knowledge.NewLocalSearchRequest(query, req.Stream, history))
	if err != nil {
		return nil, fmt.Errorf("%w: knowledge graph: %v", ErrUpstream, err)
	}

	answer, err := compose.Compose(req.Content, payload, s.deps.Catalog, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("%w: compose answer: %v", ErrUpstream, err)
	}
	// scores compare the answer with the retrieved passages, which are in
	// the working language
	scored := compose.StripReferences(answer.Output)
	if !translation.Identity() {
		back, err := s.deps.Translator.Translate(ctx, answer.Output, translation.SourceLanguage)
		if err != nil {
			return nil, fmt.Errorf("%w: translate answer: %v", ErrUpstream, err)
		}
		answer.Output = back
	}
	answer.Output = compose.FormatReferences(answer.Output, answer.References)

	saved, err := s.deps.Store.InsertResponse(ctx, feedback.NewResponse{
		ChatID:           req.ChatID,
		Input:            req.Content,
		Query:            query,
		Output:           answer.Output,
		OriginalResponse: payload,
		References:       compose.ReferenceRows(answer.References),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: insert response: %v", ErrPersistence, err)
	}
	answer.ID = saved.ID
	answer.CreatedAt = saved.CreatedAt

	if s.deps.Evaluator != nil {
		s.deps.Evaluator.Evaluate(ctx, quality.Sample{
			Question: translation.Text,
			Answer:   scored,
			Contexts: compose.Contexts(payload),
		})
	}
	s.enqueueAudit(user.ID, req.Content, answer)

	return answer, nil
}

// history returns the last turns of the chat, oldest first, as user and
// assistant messages.
func (s *Service) history(ctx context.Context, chatID string) ([]knowledge.Message, error) {
	prior, err := s.deps.Store.ListResponses(ctx, chatID, feedback.Page{
		Limit: s.opts.MaxConversationTurns,
		Order: feedback.OrderDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list history: %v", ErrPersistence, err)
	}
	history := make([]knowledge.Message, 0, 2*len(prior))
	for i := len(prior) - 1; i >= 0; i-- {
		history = append(history,
			knowledge.Message{Role: "user", Content: prior[i].Query},
			knowledge.Message{Role: "assistant", Content: prior[i].Output},
		)
	}
	return history, nil
}

func (s *Service) shortCircuit(input, message string) *models.ChatResponse {
	return &models.ChatResponse{
		ID:         NilResponseID,
		CreatedAt:  s.now(),
		Input:      input,
		Output:     message,
		References: []models.Reference{},
	}
}

func (s *Service) enqueueAudit(userID, question string, answer *models.ChatResponse) {
	if s.deps.Auditor == nil || s.deps.Jobs == nil {
		return
	}
	entry := audit.Entry{
		Timestamp: s.now(),
		UserID:    userID,
		Question:  question,
		Response:  answer.Output,
		ID:        answer.ID,
	}
	err := s.deps.Jobs.Submit(worker.Job{
		Key:  userID,
		Name: "audit.append",
		Fn: func(ctx context.Context) error {
			return s.deps.Auditor.Append(ctx, entry)
		},
	})
	if err != nil {
		s.logger.Warn("audit entry dropped", "user", userID, "response_id", answer.ID, "error", err)
	}
}

// RateLimitError is returned when the caller exhausted its quota.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
