package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"careerbot/internal/ai"
	"careerbot/internal/model"
	"careerbot/internal/repository"
	"careerbot/internal/testutil"
)

type recordingPublisher struct {
	mu      sync.Mutex
	entries []model.TurnLog
}

func (p *recordingPublisher) Publish(_ context.Context, entry model.TurnLog) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
	return nil
}

func (p *recordingPublisher) last(t *testing.T) model.TurnLog {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.entries)
	return p.entries[len(p.entries)-1]
}

type turnFixture struct {
	db      *gorm.DB
	svc     *TurnService
	gen     *ai.ScriptedGenerator
	events  *recordingPublisher
	owner   *model.User
	other   *model.User
	session *model.ChatSession
	past    time.Time
}

func newTurnFixture(t *testing.T, gen *ai.ScriptedGenerator, cfg TurnConfig) *turnFixture {
	t.Helper()
	db := testutil.NewDB(t)
	sessions := repository.NewSessionRepository(db)
	events := &recordingPublisher{}

	f := &turnFixture{
		db:     db,
		gen:    gen,
		events: events,
		owner:  testutil.CreateUser(t, db, "owner@example.com"),
		other:  testutil.CreateUser(t, db, "other@example.com"),
		past:   time.Now().Add(-24 * time.Hour),
	}
	f.session = testutil.CreateSession(t, db, f.owner.ID, "Career chat")
	require.NoError(t, sessions.Touch(context.Background(), f.session.ID, f.past))

	f.svc = NewTurnService(sessions, repository.NewMessageRepository(db), gen, nil, events, zaptest.NewLogger(t), cfg)
	return f
}

func (f *turnFixture) messages(t *testing.T) []model.Message {
	t.Helper()
	var out []model.Message
	require.NoError(t, f.db.Where("session_id = ?", f.session.ID).Order("created_at ASC").Order("id ASC").Find(&out).Error)
	return out
}

func (f *turnFixture) reloadSession(t *testing.T) model.ChatSession {
	t.Helper()
	var s model.ChatSession
	require.NoError(t, f.db.First(&s, f.session.ID).Error)
	return s
}

func (f *turnFixture) input(content string) TurnInput {
	return TurnInput{UserID: f.owner.ID, SessionID: f.session.ID, Content: content}
}

type captureSink struct {
	fragments []string
	failAfter int
	calls     int
}

func (c *captureSink) write(fragment string) error {
	c.calls++
	if c.failAfter > 0 && c.calls > c.failAfter {
		return errors.New("broken pipe")
	}
	c.fragments = append(c.fragments, fragment)
	return nil
}

func (c *captureSink) text() string {
	return strings.Join(c.fragments, "")
}

func TestStreamRelaysFragmentsAndPersistsReply(t *testing.T) {
	f := newTurnFixture(t, ai.NewScriptedGenerator("Great", " question", "!"), TurnConfig{})
	sink := &captureSink{}

	result, err := f.svc.Stream(context.Background(), f.input("  How do I prep for a PM interview?  "), sink.write)
	require.NoError(t, err)

	assert.Equal(t, []string{"Great", " question", "!"}, sink.fragments)
	assert.Equal(t, model.TurnOutcomeCompleted, result.Outcome)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "How do I prep for a PM interview?", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, sink.text(), msgs[1].Content)
	assert.True(t, msgs[0].CreatedAt.Before(msgs[1].CreatedAt))

	assert.True(t, f.reloadSession(t).UpdatedAt.After(f.past))

	entry := f.events.last(t)
	assert.Equal(t, model.TurnOutcomeCompleted, entry.Outcome)
	assert.Equal(t, 3, entry.Fragments)
	assert.Equal(t, msgs[1].ID, entry.AssistantMessageID)
	assert.True(t, entry.Streamed)
}

func TestStreamRejectsInvalidContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"whitespace only", "   \n\t ", ErrContentEmpty},
		{"empty", "", ErrContentEmpty},
		{"over limit", strings.Repeat("a", 2001), ErrContentTooLong},
		{"over limit in runes", strings.Repeat("é", 2001), ErrContentTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTurnFixture(t, ai.NewScriptedGenerator("x"), TurnConfig{})
			sink := &captureSink{}

			_, err := f.svc.Stream(context.Background(), f.input(tt.content), sink.write)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Zero(t, sink.calls)
			assert.Empty(t, f.messages(t))
			assert.Empty(t, f.gen.Prompts())
		})
	}
}

func TestStreamAcceptsContentAtLimit(t *testing.T) {
	f := newTurnFixture(t, ai.NewScriptedGenerator("ok"), TurnConfig{})

	_, err := f.svc.Stream(context.Background(), f.input(strings.Repeat("é", 2000)), nil)
	require.NoError(t, err)
	assert.Len(t, f.messages(t), 2)
}

func TestStreamRejectsForeignSession(t *testing.T) {
	f := newTurnFixture(t, ai.NewScriptedGenerator("x"), TurnConfig{})
	sink := &captureSink{}

	input := f.input("hello")
	input.UserID = f.other.ID
	_, err := f.svc.Stream(context.Background(), input, sink.write)

	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Zero(t, sink.calls)
	assert.Empty(t, f.messages(t))
}

func TestStreamRejectsMissingSessionAndUser(t *testing.T) {
	f := newTurnFixture(t, ai.NewScriptedGenerator("x"), TurnConfig{})

	_, err := f.svc.Stream(context.Background(), TurnInput{UserID: f.owner.ID, SessionID: 9999, Content: "hi"}, nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.svc.Stream(context.Background(), TurnInput{SessionID: f.session.ID, Content: "hi"}, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Empty(t, f.messages(t))
}

func TestStreamFailsClosedWithoutAPIKey(t *testing.T) {
	gen := ai.NewScriptedGenerator("x")
	gen.Unconfigured = true
	f := newTurnFixture(t, gen, TurnConfig{})

	_, err := f.svc.Stream(context.Background(), f.input("hello"), nil)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Empty(t, f.messages(t))
	assert.Empty(t, gen.Prompts())
}

func TestStreamFallbackWhenGeneratorFailsImmediately(t *testing.T) {
	gen := ai.NewScriptedGenerator("never")
	gen.FailErr = errors.New("upstream exploded")
	f := newTurnFixture(t, gen, TurnConfig{})
	sink := &captureSink{}

	result, err := f.svc.Stream(context.Background(), f.input("hello"), sink.write)
	require.NoError(t, err)

	assert.Equal(t, FallbackText, sink.text())
	assert.Equal(t, model.TurnOutcomeFallback, result.Outcome)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, FallbackText, msgs[1].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.True(t, f.reloadSession(t).UpdatedAt.After(f.past))
}

func TestStreamFallbackWhenStreamCannotOpen(t *testing.T) {
	gen := ai.NewScriptedGenerator()
	gen.OpenErr = errors.New("connection refused")
	f := newTurnFixture(t, gen, TurnConfig{})
	sink := &captureSink{}

	result, err := f.svc.Stream(context.Background(), f.input("hello"), sink.write)
	require.NoError(t, err)
	assert.Equal(t, model.TurnOutcomeFallback, result.Outcome)
	assert.Equal(t, FallbackText, sink.text())
	assert.Equal(t, FallbackText, f.messages(t)[1].Content)
}

func TestStreamMidStreamFailureKeepsPartialReply(t *testing.T) {
	gen := ai.NewScriptedGenerator("Start ", "with ", "never")
	gen.FailAfter = 2
	gen.FailErr = errors.New("stream reset")
	f := newTurnFixture(t, gen, TurnConfig{})
	sink := &captureSink{}

	result, err := f.svc.Stream(context.Background(), f.input("hello"), sink.write)
	require.NoError(t, err)

	assert.Equal(t, "Start with ", sink.text())
	assert.Equal(t, model.TurnOutcomeFallback, result.Outcome)
	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Start with ", msgs[1].Content)
}

func TestStreamEmptyReplyUsesPlaceholder(t *testing.T) {
	f := newTurnFixture(t, ai.NewScriptedGenerator(), TurnConfig{})
	sink := &captureSink{}

	result, err := f.svc.Stream(context.Background(), f.input("hello"), sink.write)
	require.NoError(t, err)

	assert.Equal(t, model.TurnOutcomeEmpty, result.Outcome)
	assert.Equal(t, EmptyReplyText, sink.text())
	assert.Equal(t, EmptyReplyText, f.messages(t)[1].Content)
}

func TestStreamSurvivesClientDisconnect(t *testing.T) {
	f := newTurnFixture(t, ai.NewScriptedGenerator("one ", "two ", "three"), TurnConfig{})
	sink := &captureSink{failAfter: 1}

	result, err := f.svc.Stream(context.Background(), f.input("hello"), sink.write)
	require.NoError(t, err)

	assert.Equal(t, []string{"one "}, sink.fragments)
	assert.Equal(t, 2, sink.calls, "no writes after the sink failed")
	assert.Equal(t, model.TurnOutcomeCompleted, result.Outcome)
	assert.Equal(t, "one two three", f.messages(t)[1].Content)
}

func TestStreamPersistsAfterRequestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := ai.NewScriptedGenerator("a", "b", "c")
	gen.BeforeFragment = func(i int) {
		if i == 1 {
			cancel()
		}
	}
	f := newTurnFixture(t, gen, TurnConfig{})

	result, err := f.svc.Stream(ctx, f.input("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.TurnOutcomeCompleted, result.Outcome)
	assert.Equal(t, "abc", f.messages(t)[1].Content)
}

func TestStreamGenerationTimeoutFallsBack(t *testing.T) {
	gen := ai.NewScriptedGenerator("partial", "late")
	gen.BeforeFragment = func(i int) {
		if i == 1 {
			time.Sleep(300 * time.Millisecond)
		}
	}
	f := newTurnFixture(t, gen, TurnConfig{GenerationTimeout: 50 * time.Millisecond})
	sink := &captureSink{}

	result, err := f.svc.Stream(context.Background(), f.input("hello"), sink.write)
	require.NoError(t, err)

	assert.Equal(t, model.TurnOutcomeFallback, result.Outcome)
	assert.Equal(t, "partial", sink.text())
	assert.Equal(t, "partial", f.messages(t)[1].Content)
}

func TestStreamSwallowsAssistantPersistFailure(t *testing.T) {
	gen := ai.NewScriptedGenerator()
	gen.FailErr = errors.New("upstream down")
	f := newTurnFixture(t, gen, TurnConfig{})
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("fail_assistant", func(tx *gorm.DB) {
		if m, ok := tx.Statement.Dest.(*model.Message); ok && m.Role == model.RoleAssistant {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))
	sink := &captureSink{}

	result, err := f.svc.Stream(context.Background(), f.input("hello"), sink.write)
	require.NoError(t, err)

	assert.Equal(t, FallbackText, sink.text())
	assert.Zero(t, result.AssistantMessage.ID)
	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestAssistantTimestampFollowsUserMessage(t *testing.T) {
	f := newTurnFixture(t, ai.NewScriptedGenerator("hi"), TurnConfig{})
	frozen := time.Now()
	f.svc.now = func() time.Time { return frozen }

	result, err := f.svc.Stream(context.Background(), f.input("hello"), nil)
	require.NoError(t, err)
	assert.True(t, result.AssistantMessage.CreatedAt.After(result.UserMessage.CreatedAt))

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
}

func TestSequentialTurnsCarryContext(t *testing.T) {
	gen := ai.NewScriptedGenerator("Great question!")
	f := newTurnFixture(t, gen, TurnConfig{})

	_, err := f.svc.Stream(context.Background(), f.input("How do I start?"), nil)
	require.NoError(t, err)
	_, err = f.svc.Stream(context.Background(), f.input("Next?"), nil)
	require.NoError(t, err)

	prompts := gen.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "Previous conversation:\n\n\nCurrent user message: How do I start?")
	assert.Contains(t, prompts[1], "Previous conversation:\nUser: How do I start?\nAssistant: Great question!\n\nCurrent user message: Next?")
	assert.Len(t, f.messages(t), 4)
}

func TestContextWindowIsBounded(t *testing.T) {
	gen := ai.NewScriptedGenerator("ok")
	f := newTurnFixture(t, gen, TurnConfig{MaxContextMessages: 20})

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 30; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		require.NoError(t, f.db.Create(&model.Message{
			SessionID: f.session.ID,
			Role:      role,
			Content:   fmt.Sprintf("msg-%02d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}).Error)
	}

	_, err := f.svc.Stream(context.Background(), f.input("latest"), nil)
	require.NoError(t, err)

	prompt := gen.Prompts()[0]
	history := prompt[strings.Index(prompt, "Previous conversation:"):strings.Index(prompt, "Current user message:")]
	assert.Equal(t, 20, strings.Count(history, "msg-"))
	assert.NotContains(t, history, "msg-09")
	assert.NotContains(t, history, "latest")
	assert.Less(t, strings.Index(history, "msg-10"), strings.Index(history, "msg-29"))
}

func TestSendPersistsPair(t *testing.T) {
	f := newTurnFixture(t, ai.NewScriptedGenerator("Polish ", "your resume."), TurnConfig{})

	result, err := f.svc.Send(context.Background(), f.input("Any tips?"))
	require.NoError(t, err)

	assert.Equal(t, model.TurnOutcomeCompleted, result.Outcome)
	assert.Equal(t, "Any tips?", result.UserMessage.Content)
	assert.Equal(t, "Polish your resume.", result.AssistantMessage.Content)
	assert.NotZero(t, result.AssistantMessage.ID)
	assert.Len(t, f.messages(t), 2)
	assert.False(t, f.events.last(t).Streamed)
}

func TestSendFallsBackOnGenerationError(t *testing.T) {
	gen := ai.NewScriptedGenerator()
	gen.FailErr = errors.New("quota exceeded")
	f := newTurnFixture(t, gen, TurnConfig{})

	result, err := f.svc.Send(context.Background(), f.input("Any tips?"))
	require.NoError(t, err)
	assert.Equal(t, model.TurnOutcomeFallback, result.Outcome)
	assert.Equal(t, FallbackText, result.AssistantMessage.Content)
	assert.True(t, f.reloadSession(t).UpdatedAt.After(f.past))
}

func TestSendValidatesBeforePersisting(t *testing.T) {
	f := newTurnFixture(t, ai.NewScriptedGenerator("x"), TurnConfig{MaxContentLength: 5})

	_, err := f.svc.Send(context.Background(), f.input("too long"))
	assert.ErrorIs(t, err, ErrContentTooLong)
	assert.Empty(t, f.messages(t))
}

// deadlineBlindGenerator keeps producing after its context expires, the way a
// remote stream can deliver a buffered chunk after the caller gave up.
type deadlineBlindGenerator struct {
	*ai.ScriptedGenerator
}

func (g *deadlineBlindGenerator) Stream(ctx context.Context, _ string) (<-chan ai.Chunk, error) {
	out := make(chan ai.Chunk, 2)
	go func() {
		defer close(out)
		out <- ai.Chunk{Text: "partial"}
		<-ctx.Done()
		out <- ai.Chunk{Text: "late"}
	}()
	return out, nil
}

func TestStreamDropsFragmentsAfterDeadline(t *testing.T) {
	f := newTurnFixture(t, ai.NewScriptedGenerator(), TurnConfig{})
	gen := &deadlineBlindGenerator{ScriptedGenerator: ai.NewScriptedGenerator()}
	svc := NewTurnService(
		repository.NewSessionRepository(f.db),
		repository.NewMessageRepository(f.db),
		gen, nil, nil, zaptest.NewLogger(t),
		TurnConfig{GenerationTimeout: 30 * time.Millisecond},
	)
	sink := &captureSink{}

	for i := 0; i < 5; i++ {
		sink.fragments = nil
		result, err := svc.Stream(context.Background(), f.input(fmt.Sprintf("attempt %d", i)), sink.write)
		require.NoError(t, err)

		assert.Equal(t, model.TurnOutcomeFallback, result.Outcome)
		assert.Equal(t, "partial", sink.text())
		assert.Equal(t, "partial", result.AssistantMessage.Content)
	}
}

type invalidationRecorder struct {
	mu       sync.Mutex
	sessions []uint
}

func (r *invalidationRecorder) Invalidate(_ context.Context, sessionID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	return nil
}

func TestStreamInvalidatesHistoryOnEachWrite(t *testing.T) {
	f := newTurnFixture(t, ai.NewScriptedGenerator("ok"), TurnConfig{})
	invalidations := &invalidationRecorder{}
	svc := NewTurnService(
		repository.NewSessionRepository(f.db),
		repository.NewMessageRepository(f.db),
		f.gen, invalidations, nil, zaptest.NewLogger(t), TurnConfig{},
	)

	_, err := svc.Stream(context.Background(), f.input("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, []uint{f.session.ID, f.session.ID}, invalidations.sessions)
}
