package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"careerbot/internal/ai"
	"careerbot/internal/model"
	"careerbot/internal/repository"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type HistoryCache interface {
	HistoryInvalidator
	GetHistory(ctx context.Context, sessionID uint, limit int) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, sessionID uint, limit int, messages []model.Message) error
	IsDirty(ctx context.Context, sessionID uint) (bool, error)
}

type ChatService struct {
	sessionRepo  *repository.SessionRepository
	messageRepo  *repository.MessageRepository
	historyCache HistoryCache
	generator    ai.Generator
	logger       *zap.Logger
	maxTitle     int
	defaultTitle string
}

type SessionPage struct {
	Sessions   []model.SessionSummary `json:"sessions"`
	NextCursor uint                   `json:"next_cursor,omitempty"`
}

type MessagePage struct {
	Messages   []model.Message `json:"messages"`
	NextCursor uint            `json:"next_cursor,omitempty"`
}

func NewChatService(
	sessionRepo *repository.SessionRepository,
	messageRepo *repository.MessageRepository,
	historyCache HistoryCache,
	generator ai.Generator,
	logger *zap.Logger,
	maxTitle int,
	defaultTitle string,
) *ChatService {
	if maxTitle <= 0 {
		maxTitle = 100
	}
	if strings.TrimSpace(defaultTitle) == "" {
		defaultTitle = "New Career Chat"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		sessionRepo:  sessionRepo,
		messageRepo:  messageRepo,
		historyCache: historyCache,
		generator:    generator,
		logger:       logger.Named("chat"),
		maxTitle:     maxTitle,
		defaultTitle: defaultTitle,
	}
}

func (s *ChatService) CreateSession(ctx context.Context, userID uint, title string) (*model.ChatSession, error) {
	if userID == 0 {
		return nil, ErrUnauthorized
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = s.defaultTitle
	}
	if utf8.RuneCountInString(title) > s.maxTitle {
		return nil, ErrTitleInvalid
	}

	session := &model.ChatSession{
		UserID: userID,
		Title:  title,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns the user's sessions, most recently active first, each
// with its message count and latest message.
func (s *ChatService) ListSessions(ctx context.Context, userID uint, limit int, cursor uint) (*SessionPage, error) {
	if userID == 0 {
		return nil, ErrUnauthorized
	}
	limit = clampPageSize(limit)

	sessions, err := s.sessionRepo.ListByUserID(ctx, userID, limit+1, cursor)
	if err != nil {
		return nil, err
	}

	page := &SessionPage{}
	if len(sessions) > limit {
		sessions = sessions[:limit]
		page.NextCursor = sessions[limit-1].ID
	}

	ids := make([]uint, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}
	counts, err := s.messageRepo.CountBySessionIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	page.Sessions = make([]model.SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summary := model.SessionSummary{ChatSession: session, MessageCount: counts[session.ID]}
		if summary.MessageCount > 0 {
			last, err := s.messageRepo.LastBySessionID(ctx, session.ID)
			if err != nil {
				return nil, err
			}
			summary.LastMessage = last
		}
		page.Sessions = append(page.Sessions, summary)
	}
	return page, nil
}

func (s *ChatService) RenameSession(ctx context.Context, userID, sessionID uint, title string) (*model.ChatSession, error) {
	if userID == 0 {
		return nil, ErrUnauthorized
	}
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > s.maxTitle {
		return nil, ErrTitleInvalid
	}

	ok, err := s.sessionRepo.UpdateTitle(ctx, sessionID, userID, title)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	session, err := s.sessionRepo.GetByIDAndUserID(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *ChatService) DeleteSession(ctx context.Context, userID, sessionID uint) error {
	if userID == 0 {
		return ErrUnauthorized
	}
	ok, err := s.sessionRepo.DeleteWithMessages(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	if s.historyCache != nil {
		if err := s.historyCache.Invalidate(ctx, sessionID); err != nil {
			s.logger.Debug("invalidate history cache failed", zap.Uint("session_id", sessionID), zap.Error(err))
		}
	}
	return nil
}

// GetMessages pages through a session's transcript in conversation order.
// First pages are served from the history cache when it is clean.
func (s *ChatService) GetMessages(ctx context.Context, userID, sessionID uint, limit int, cursor uint) (*MessagePage, error) {
	if userID == 0 {
		return nil, ErrUnauthorized
	}
	session, err := s.sessionRepo.GetByIDAndUserID(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	limit = clampPageSize(limit)

	useCache := s.historyCache != nil && cursor == 0
	if useCache {
		dirty, err := s.historyCache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, sessionID, limit); cacheErr == nil && hit {
				return newMessagePage(cached, limit), nil
			}
		}
	}

	messages, err := s.messageRepo.ListBySessionID(ctx, sessionID, limit+1, cursor)
	if err != nil {
		return nil, err
	}
	if useCache {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, sessionID); dirtyErr == nil && !dirty {
			if err := s.historyCache.SetHistory(ctx, sessionID, limit, messages); err != nil {
				s.logger.Debug("fill history cache failed", zap.Uint("session_id", sessionID), zap.Error(err))
			}
		}
	}
	return newMessagePage(messages, limit), nil
}

// ListModels reports the models available to the configured generator.
func (s *ChatService) ListModels(ctx context.Context) ([]ai.ModelInfo, error) {
	if s.generator == nil || !s.generator.Configured() {
		return nil, ErrUpstreamUnavailable
	}
	lister, ok := s.generator.(ai.ModelLister)
	if !ok {
		return []ai.ModelInfo{{Name: s.generator.Model()}}, nil
	}
	return lister.ListModels(ctx)
}

func newMessagePage(messages []model.Message, limit int) *MessagePage {
	page := &MessagePage{Messages: messages}
	if len(messages) > limit {
		page.Messages = messages[:limit]
		page.NextCursor = messages[limit-1].ID
	}
	if page.Messages == nil {
		page.Messages = []model.Message{}
	}
	return page
}

func clampPageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
