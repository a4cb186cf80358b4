package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"careerbot/internal/app"
	"careerbot/internal/transport/http/response"
)

type ChatHandler struct {
	chatService *app.ChatService
	turnService *app.TurnService
}

type CreateSessionRequest struct {
	Title string `json:"title"`
}

type RenameSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

type SendMessageRequest struct {
	SessionID uint   `json:"session_id" binding:"required,gt=0"`
	Content   string `json:"content"`
}

func NewChatHandler(chatService *app.ChatService, turnService *app.TurnService) *ChatHandler {
	return &ChatHandler{chatService: chatService, turnService: turnService}
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, err := h.chatService.CreateSession(c.Request.Context(), userID, req.Title)
	if err != nil {
		respondError(c, err, "create session failed")
		return
	}
	response.Created(c, session)
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	limit, cursor, ok := parsePaging(c)
	if !ok {
		return
	}

	page, err := h.chatService.ListSessions(c.Request.Context(), userID, limit, cursor)
	if err != nil {
		respondError(c, err, "list sessions failed")
		return
	}
	response.OK(c, page)
}

func (h *ChatHandler) RenameSession(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	sessionID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req RenameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	session, err := h.chatService.RenameSession(c.Request.Context(), userID, sessionID, req.Title)
	if err != nil {
		respondError(c, err, "rename session failed")
		return
	}
	response.OK(c, session)
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	sessionID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.chatService.DeleteSession(c.Request.Context(), userID, sessionID); err != nil {
		respondError(c, err, "delete session failed")
		return
	}
	response.OK(c, gin.H{"deleted_session_id": sessionID})
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	sessionID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	limit, cursor, ok := parsePaging(c)
	if !ok {
		return
	}

	page, err := h.chatService.GetMessages(c.Request.Context(), userID, sessionID, limit, cursor)
	if err != nil {
		respondError(c, err, "list messages failed")
		return
	}
	response.OK(c, page)
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.turnService.Send(c.Request.Context(), app.TurnInput{
		UserID:    userID,
		SessionID: req.SessionID,
		Content:   req.Content,
	})
	if err != nil {
		respondError(c, err, "send message failed")
		return
	}
	response.OK(c, result)
}

// StreamMessage relays the reply as raw UTF-8 text, flushing after every
// fragment. Validation failures still get a JSON error because nothing has
// been written when the turn service rejects a request.
func (h *ChatHandler) StreamMessage(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	started := false
	begin := func() {
		started = true
		header := c.Writer.Header()
		header.Set("Content-Type", "text/plain; charset=utf-8")
		header.Set("Cache-Control", "no-cache, no-transform")
		header.Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
	}

	_, err := h.turnService.Stream(c.Request.Context(), app.TurnInput{
		UserID:    userID,
		SessionID: req.SessionID,
		Content:   req.Content,
	}, func(fragment string) error {
		if err := c.Request.Context().Err(); err != nil {
			return err
		}
		if !started {
			begin()
		}
		if _, err := c.Writer.WriteString(fragment); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		respondError(c, err, "stream message failed")
		return
	}
	if !started {
		begin()
		c.Writer.WriteHeaderNow()
	}
}

func (h *ChatHandler) ListModels(c *gin.Context) {
	models, err := h.chatService.ListModels(c.Request.Context())
	if err != nil {
		respondError(c, err, "list models failed")
		return
	}
	response.OK(c, gin.H{"models": models})
}
