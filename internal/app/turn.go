package app

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"careerbot/internal/ai"
	"careerbot/internal/model"
	"careerbot/internal/repository"
)

const persistTimeout = 10 * time.Second

type TurnEventPublisher interface {
	Publish(ctx context.Context, entry model.TurnLog) error
}

// HistoryInvalidator drops cached transcript pages after a session changes.
type HistoryInvalidator interface {
	Invalidate(ctx context.Context, sessionID uint) error
}

// Sink receives fragments in arrival order. An error means the consumer is
// gone; the turn carries on without it.
type Sink func(fragment string) error

type TurnConfig struct {
	MaxContentLength   int
	MaxContextMessages int
	GenerationTimeout  time.Duration
}

type TurnInput struct {
	UserID    uint
	SessionID uint
	Content   string
}

type TurnResult struct {
	UserMessage      model.Message     `json:"user_message"`
	AssistantMessage model.Message     `json:"assistant_message"`
	Outcome          model.TurnOutcome `json:"outcome"`
}

// TurnService runs one chat turn: it stores the user's message, asks the
// generator for a reply and stores exactly one assistant message for it, even
// when generation fails or the client goes away.
type TurnService struct {
	sessionRepo *repository.SessionRepository
	messageRepo *repository.MessageRepository
	generator   ai.Generator
	cache       HistoryInvalidator
	events      TurnEventPublisher
	logger      *zap.Logger
	cfg         TurnConfig
	now         func() time.Time
}

func NewTurnService(
	sessionRepo *repository.SessionRepository,
	messageRepo *repository.MessageRepository,
	generator ai.Generator,
	cache HistoryInvalidator,
	events TurnEventPublisher,
	logger *zap.Logger,
	cfg TurnConfig,
) *TurnService {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 2000
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = 20
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TurnService{
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		generator:   generator,
		cache:       cache,
		events:      events,
		logger:      logger.Named("turn"),
		cfg:         cfg,
		now:         time.Now,
	}
}

// Stream runs a turn and relays fragments to sink as they arrive. A non-nil
// error means nothing was persisted and nothing was written to sink.
func (s *TurnService) Stream(ctx context.Context, input TurnInput, sink Sink) (*TurnResult, error) {
	started := time.Now()
	session, content, err := s.prepare(ctx, input)
	if err != nil {
		return nil, err
	}
	userMsg, err := s.persistUserMessage(ctx, session.ID, content)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(zap.Uint("session_id", session.ID), zap.Uint("user_message_id", userMsg.ID))
	out := newRelay(sink)
	var reply strings.Builder
	fragments := 0

	genCtx, cancel := s.generationContext(ctx)
	defer cancel()

	genErr := s.buildAndStream(genCtx, session.ID, userMsg.ID, content, func(fragment string) {
		fragments++
		reply.WriteString(fragment)
		if out.write(fragment) {
			log.Info("client disconnected, continuing generation",
				zap.Error(out.err), zap.Int("delivered_bytes", out.delivered))
		}
	})

	text := reply.String()
	outcome := model.TurnOutcomeCompleted
	switch {
	case genErr != nil:
		outcome = model.TurnOutcomeFallback
		log.Warn("generation failed", zap.Error(genErr), zap.Int("generated_bytes", len(text)))
		if text == "" {
			text = FallbackText
			out.write(text)
		}
	case text == "":
		outcome = model.TurnOutcomeEmpty
		text = EmptyReplyText
		out.write(text)
	}

	assistantMsg, saveErr := s.persistAssistantMessage(ctx, session.ID, userMsg.CreatedAt, text)
	if saveErr != nil {
		log.Error("persist assistant message failed", zap.Error(saveErr), zap.String("outcome", string(outcome)))
	}

	s.publish(ctx, model.TurnLog{
		SessionID:          session.ID,
		UserID:             input.UserID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantMsg.ID,
		Outcome:            outcome,
		Streamed:           true,
		Fragments:          fragments,
		Bytes:              len(text),
		Model:              s.generator.Model(),
		DurationMS:         time.Since(started).Milliseconds(),
	})

	return &TurnResult{UserMessage: *userMsg, AssistantMessage: assistantMsg, Outcome: outcome}, nil
}

// Send is the non-streaming variant of Stream.
func (s *TurnService) Send(ctx context.Context, input TurnInput) (*TurnResult, error) {
	started := time.Now()
	session, content, err := s.prepare(ctx, input)
	if err != nil {
		return nil, err
	}
	userMsg, err := s.persistUserMessage(ctx, session.ID, content)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := s.generationContext(ctx)
	defer cancel()

	outcome := model.TurnOutcomeCompleted
	text, genErr := s.buildAndComplete(genCtx, session.ID, userMsg.ID, content)
	switch {
	case genErr != nil:
		outcome = model.TurnOutcomeFallback
		text = FallbackText
		s.logger.Warn("generation failed",
			zap.Uint("session_id", session.ID),
			zap.Uint("user_message_id", userMsg.ID),
			zap.Error(genErr))
	case text == "":
		outcome = model.TurnOutcomeEmpty
		text = EmptyReplyText
	}

	assistantMsg, saveErr := s.persistAssistantMessage(ctx, session.ID, userMsg.CreatedAt, text)
	if saveErr != nil {
		s.logger.Error("persist assistant message failed",
			zap.Uint("session_id", session.ID),
			zap.Error(saveErr),
			zap.String("outcome", string(outcome)))
		if outcome == model.TurnOutcomeCompleted {
			return nil, saveErr
		}
	}

	s.publish(ctx, model.TurnLog{
		SessionID:          session.ID,
		UserID:             input.UserID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantMsg.ID,
		Outcome:            outcome,
		Bytes:              len(text),
		Model:              s.generator.Model(),
		DurationMS:         time.Since(started).Milliseconds(),
	})

	return &TurnResult{UserMessage: *userMsg, AssistantMessage: assistantMsg, Outcome: outcome}, nil
}

// prepare performs every check that must pass before anything is written.
func (s *TurnService) prepare(ctx context.Context, input TurnInput) (*model.ChatSession, string, error) {
	if input.UserID == 0 {
		return nil, "", ErrUnauthorized
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, "", ErrContentEmpty
	}
	if utf8.RuneCountInString(content) > s.cfg.MaxContentLength {
		return nil, "", fmt.Errorf("%w (max %d characters)", ErrContentTooLong, s.cfg.MaxContentLength)
	}
	if s.generator == nil || !s.generator.Configured() {
		return nil, "", ErrUpstreamUnavailable
	}
	if input.SessionID == 0 {
		return nil, "", ErrSessionNotFound
	}

	session, err := s.sessionRepo.GetByIDAndUserID(ctx, input.SessionID, input.UserID)
	if err != nil {
		return nil, "", err
	}
	if session == nil {
		return nil, "", ErrSessionNotFound
	}
	return session, content, nil
}

func (s *TurnService) persistUserMessage(ctx context.Context, sessionID uint, content string) (*model.Message, error) {
	msg := &model.Message{
		SessionID: sessionID,
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.messageRepo.Create(ctx, msg); err != nil {
		return nil, err
	}
	s.invalidate(ctx, sessionID)
	return msg, nil
}

// persistAssistantMessage runs detached from the request so a client that
// hung up still gets its reply stored. The session is touched on every path.
func (s *TurnService) persistAssistantMessage(ctx context.Context, sessionID uint, after time.Time, content string) (model.Message, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	createdAt := s.now()
	if floor := after.Add(time.Millisecond); createdAt.Before(floor) {
		createdAt = floor
	}
	msg := model.Message{
		SessionID: sessionID,
		Role:      model.RoleAssistant,
		Content:   content,
		CreatedAt: createdAt,
	}
	if err := s.messageRepo.Create(ctx, &msg); err != nil {
		return msg, err
	}
	if err := s.sessionRepo.Touch(ctx, sessionID, createdAt); err != nil {
		s.logger.Warn("touch session failed", zap.Uint("session_id", sessionID), zap.Error(err))
	}
	s.invalidate(ctx, sessionID)
	return msg, nil
}

func (s *TurnService) buildPrompt(ctx context.Context, sessionID, userMessageID uint, content string) (string, error) {
	prior, err := s.messageRepo.ListRecentBySessionID(ctx, sessionID, s.cfg.MaxContextMessages, userMessageID)
	if err != nil {
		return "", err
	}
	return AssemblePrompt(CounselorPreamble, prior, content), nil
}

// buildAndStream feeds every fragment to emit and returns the error that
// ended generation, if any.
func (s *TurnService) buildAndStream(ctx context.Context, sessionID, userMessageID uint, content string, emit func(string)) error {
	prompt, err := s.buildPrompt(ctx, sessionID, userMessageID, content)
	if err != nil {
		return err
	}

	chunks, err := s.generator.Stream(ctx, prompt)
	if err != nil {
		return err
	}
	for chunk := range chunks {
		err := chunk.Err
		if err == nil {
			// nothing that arrives after the deadline is relayed or stored
			err = ctx.Err()
		}
		if err != nil {
			// drain so the producer can exit
			for range chunks {
			}
			return err
		}
		if chunk.Text != "" {
			emit(chunk.Text)
		}
	}
	// a cancelled producer may close without delivering its error chunk
	return ctx.Err()
}

func (s *TurnService) buildAndComplete(ctx context.Context, sessionID, userMessageID uint, content string) (string, error) {
	prompt, err := s.buildPrompt(ctx, sessionID, userMessageID, content)
	if err != nil {
		return "", err
	}
	return s.generator.Complete(ctx, prompt)
}

func (s *TurnService) generationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.GenerationTimeout)
}

func (s *TurnService) invalidate(ctx context.Context, sessionID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, sessionID); err != nil {
		s.logger.Debug("invalidate history cache failed", zap.Uint("session_id", sessionID), zap.Error(err))
	}
}

func (s *TurnService) publish(ctx context.Context, entry model.TurnLog) {
	if s.events == nil {
		return
	}
	entry.CreatedAt = s.now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, entry); err != nil {
		s.logger.Warn("publish turn event failed", zap.Uint("session_id", entry.SessionID), zap.Error(err))
	}
}

// relay forwards fragments to a Sink and remembers the first failure.
type relay struct {
	sink      Sink
	delivered int
	err       error
}

func newRelay(sink Sink) *relay {
	return &relay{sink: sink}
}

// write reports true only on the write that first fails.
func (r *relay) write(fragment string) bool {
	if r.sink == nil || r.err != nil {
		return false
	}
	if err := r.sink(fragment); err != nil {
		r.err = err
		return true
	}
	r.delivered += len(fragment)
	return false
}
