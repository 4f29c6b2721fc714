package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kgchat/internal/auth"
	"kgchat/internal/models"
	"kgchat/internal/service/feedback"
	"kgchat/internal/service/knowledge"
	"kgchat/internal/service/turn"
)

// SessionHeader carries the client session id used for trace correlation.
const SessionHeader = "X-Session-ID"

// Feedback is the persistence gateway as seen by the HTTP layer.
type Feedback interface {
	EnsureUser(ctx context.Context, email string) (*models.User, error)
	CreateChat(ctx context.Context, userID string) (*models.Chat, error)
	ListChats(ctx context.Context, userID string, page feedback.Page, withResponses bool) ([]*models.Chat, error)
	ValidateChatAccess(ctx context.Context, chatID, userID string) (*models.Chat, error)
	ListResponses(ctx context.Context, chatID string, page feedback.Page) ([]*models.Response, error)
	GetResponse(ctx context.Context, chatID, responseID string) (*models.Response, error)
	UpdateRating(ctx context.Context, chatID, responseID string, rating *models.Rating) (*models.Response, error)
}

type TurnService interface {
	CreateResponse(ctx context.Context, req turn.Request) (*models.ChatResponse, error)
}

type QuestionSuggester interface {
	SuggestQuestions(ctx context.Context, history []string) (json.RawMessage, error)
}

// Options configure a Handler.
type Options struct {
	GuardrailEnabled bool
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready func(ctx context.Context) error
}

// Handler wires HTTP routes to the chat services.
type Handler struct {
	feedback  Feedback
	turns     TurnService
	questions QuestionSuggester
	auth      *auth.Service
	opts      Options
}

// NewHandler constructs a Handler instance.
func NewHandler(fb Feedback, turns TurnService, questions QuestionSuggester, authService *auth.Service, opts Options) *Handler {
	return &Handler{
		feedback:  fb,
		turns:     turns,
		questions: questions,
		auth:      authService,
		opts:      opts,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)

	api := router.Group("/api/v1")
	api.Use(h.auth.Middleware())
	api.GET("/chats", h.listChats)
	api.POST("/chats", h.createChat)
	api.GET("/chats/:chatId/responses", h.listResponses)
	api.POST("/chats/:chatId/responses", h.createResponse)
	rating := api.Group("/chats/:chatId/responses/:responseId/rating")
	rating.GET("", h.getRating)
	rating.POST("", h.setRating)
	rating.PUT("", h.setRating)
	rating.DELETE("", h.deleteRating)
	api.POST("/questions", h.suggestQuestions)
}

func (h *Handler) health(c *gin.Context) {
	if h.opts.Ready != nil {
		if err := h.opts.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// currentUser resolves the authenticated identity to its user row.
func (h *Handler) currentUser(c *gin.Context) (auth.Identity, *models.User, bool) {
	id, ok := auth.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return auth.Identity{}, nil, false
	}
	user, err := h.feedback.EnsureUser(c.Request.Context(), id.Email)
	if err != nil {
		writeError(c, err)
		return auth.Identity{}, nil, false
	}
	return id, user, true
}

// chatOwnedBy validates the chat path parameter against the caller.
func (h *Handler) chatOwnedBy(c *gin.Context, user *models.User) (string, bool) {
	chatID := c.Param("chatId")
	if _, err := h.feedback.ValidateChatAccess(c.Request.Context(), chatID, user.ID); err != nil {
		writeError(c, err)
		return "", false
	}
	return chatID, true
}

func (h *Handler) listChats(c *gin.Context) {
	_, user, ok := h.currentUser(c)
	if !ok {
		return
	}
	page, ok := parsePage(c, feedback.OrderDesc)
	if !ok {
		return
	}
	fields := make(map[string]bool)
	for _, f := range strings.Split(c.DefaultQuery("fields", "id,createdAt"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields[f] = true
		}
	}
	if !fields[models.ChatFieldID] {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid fields parameter, 'id' is required"})
		return
	}

	chats, err := h.feedback.ListChats(c.Request.Context(), user.ID, page, fields[models.ChatFieldResponses])
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]models.ChatView, 0, len(chats))
	for _, chat := range chats {
		views = append(views, chat.Project(fields))
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handler) createChat(c *gin.Context) {
	_, user, ok := h.currentUser(c)
	if !ok {
		return
	}
	chat, err := h.feedback.CreateChat(c.Request.Context(), user.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (h *Handler) listResponses(c *gin.Context) {
	_, user, ok := h.currentUser(c)
	if !ok {
		return
	}
	chatID, ok := h.chatOwnedBy(c, user)
	if !ok {
		return
	}
	page, ok := parsePage(c, feedback.OrderAsc)
	if !ok {
		return
	}
	responses, err := h.feedback.ListResponses(c.Request.Context(), chatID, page)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]*models.ChatResponse, 0, len(responses))
	for _, r := range responses {
		views = append(views, r.View())
	}
	c.JSON(http.StatusOK, views)
}

type createResponseRequest struct {
	Content string `json:"content"`
	Stream  bool   `json:"stream"`
}

func (h *Handler) createResponse(c *gin.Context) {
	id, ok := auth.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req createResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "content is required"})
		return
	}

	sessionID := c.GetHeader(SessionHeader)
	span := trace.SpanFromContext(c.Request.Context())
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("chat_id", c.Param("chatId")),
	)

	resp, err := h.turns.CreateResponse(c.Request.Context(), turn.Request{
		ChatID:           c.Param("chatId"),
		Email:            id.Email,
		Content:          req.Content,
		Stream:           req.Stream,
		SessionID:        sessionID,
		GuardrailEnabled: h.opts.GuardrailEnabled,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) getRating(c *gin.Context) {
	_, user, ok := h.currentUser(c)
	if !ok {
		return
	}
	chatID, ok := h.chatOwnedBy(c, user)
	if !ok {
		return
	}
	resp, err := h.feedback.GetResponse(c.Request.Context(), chatID, c.Param("responseId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.RatingObject{Rating: resp.Rating})
}

type ratingRequest struct {
	Rating string `json:"rating"`
}

func (h *Handler) setRating(c *gin.Context) {
	_, user, ok := h.currentUser(c)
	if !ok {
		return
	}
	chatID, ok := h.chatOwnedBy(c, user)
	if !ok {
		return
	}
	var req ratingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	rating, err := models.ParseRating(req.Rating)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	resp, err := h.feedback.UpdateRating(c.Request.Context(), chatID, c.Param("responseId"), &rating)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.RatingObject{Rating: resp.Rating})
}

func (h *Handler) deleteRating(c *gin.Context) {
	_, user, ok := h.currentUser(c)
	if !ok {
		return
	}
	chatID, ok := h.chatOwnedBy(c, user)
	if !ok {
		return
	}
	if _, err := h.feedback.UpdateRating(c.Request.Context(), chatID, c.Param("responseId"), nil); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type questionsRequest struct {
	QuestionHistory []string `json:"question_history"`
}

func (h *Handler) suggestQuestions(c *gin.Context) {
	var req questionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	payload, err := h.questions.SuggestQuestions(c.Request.Context(), req.QuestionHistory)
	if err != nil {
		writeError(c, fmt.Errorf("%w: %v", turn.ErrUpstream, err))
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func parsePage(c *gin.Context, defaultOrder feedback.Order) (feedback.Page, bool) {
	page := feedback.Page{Limit: 10, Order: defaultOrder}
	var err error
	if v := c.Query("limit"); v != "" {
		if page.Limit, err = strconv.Atoi(v); err != nil || page.Limit <= 0 || page.Limit > 100 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "limit must be between 1 and 100"})
			return feedback.Page{}, false
		}
	}
	if v := c.Query("offset"); v != "" {
		if page.Offset, err = strconv.Atoi(v); err != nil || page.Offset < 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "offset must be a non-negative integer"})
			return feedback.Page{}, false
		}
	}
	if v := c.Query("sort"); v != "" {
		if page.Order, err = feedback.ParseOrder(v); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "sort must be asc or desc"})
			return feedback.Page{}, false
		}
	}
	return page, true
}

// writeError maps service errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	var rle *turn.RateLimitError
	switch {
	case errors.Is(err, feedback.ErrChatNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
	case errors.Is(err, feedback.ErrResponseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "response not found"})
	case errors.Is(err, feedback.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "access to chat denied"})
	case errors.As(err, &rle):
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rle.RetryAfter.Seconds()))))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	case errors.Is(err, turn.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	case errors.Is(err, turn.ErrUpstream), errors.Is(err, knowledge.ErrStatus):
		slog.Error("upstream failure", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream service unavailable"})
	default:
		slog.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
