package mjbot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentReply struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

// mockDiscordSession implements DiscordSessionHandler, recording replies
// instead of sending them.
type mockDiscordSession struct {
	mu      sync.Mutex
	replies []sentReply
	sendErr error

	closeDelay time.Duration
	closeErr   error
	closed     atomic.Bool
}

func (m *mockDiscordSession) Open() error { return nil }

func (m *mockDiscordSession) Close() error {
	if m.closeDelay > 0 {
		time.Sleep(m.closeDelay)
	}
	m.closed.Store(true)
	return m.closeErr
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.replies = append(
		m.replies, sentReply{
			ChannelID: channelID,
			Content:   content,
			Reference: reference,
		},
	)
	return &discordgo.Message{
		ID:        fmt.Sprintf("sent-%d", len(m.replies)),
		ChannelID: channelID,
		Content:   content,
	}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(_ string) error { return nil }

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error { return nil }

func (m *mockDiscordSession) sentReplies() []sentReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentReply{}, m.replies...)
}

type testBot struct {
	bot     *MJBot
	session *mockDiscordSession
	client  *mockOpenAIClient
	backend *testPocketBaseServer
}

func newTestBot(t testing.TB) *testBot {
	t.Helper()
	backend := newTestPocketBaseServer(t)
	cfg := DefaultTestConfig(t)
	cfg.PocketBase.URL = backend.server.URL

	bot, err := New(cfg)
	require.NoError(t, err)

	session := &mockDiscordSession{}
	client := &mockOpenAIClient{response: completionResponse("Bienvenue, aventurier.")}
	bot.discord.session = session
	bot.openai.client = client

	return &testBot{
		bot:     bot,
		session: session,
		client:  client,
		backend: backend,
	}
}

func newTestMessage(content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        "m1",
		ChannelID: "chan1",
		GuildID:   "guild1",
		Content:   content,
		Author: &discordgo.User{
			ID:       "u1",
			Username: "alice",
		},
	}
}

func (tb *testBot) messageLogs(t testing.TB) []MessageLog {
	t.Helper()
	var logs []MessageLog
	require.NoError(t, tb.bot.writeDB.DB().Find(&logs).Error)
	return logs
}

func TestHandleMessageEndToEnd(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)
	ctx := context.Background()

	tb.bot.handleDiscordMessage(ctx, newTestMessage("Bonjour"))

	// the reply was delivered to the originating channel
	replies := tb.session.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, "chan1", replies[0].ChannelID)
	assert.Equal(t, "Bienvenue, aventurier.", replies[0].Content)
	require.NotNil(t, replies[0].Reference)
	assert.Equal(t, "m1", replies[0].Reference.MessageID)

	// a player record was created from the author
	require.Len(t, tb.backend.players, 1)
	player := tb.backend.players[0]
	assert.Equal(t, "u1", player.DiscordID)
	assert.Equal(t, "alice", player.DisplayName)

	// the completion prompt held exactly the system block and the message
	request := tb.client.lastRequest(t)
	require.Len(t, request.Messages, 2)
	assert.Equal(t, DefaultSystemPrompt, request.Messages[0].Content)
	assert.Equal(t, "Bonjour", request.Messages[1].Content)

	// the turn was persisted against the player, outside any campaign
	require.Len(t, tb.backend.turns, 1)
	turn := tb.backend.turns[0]
	assert.Equal(t, player.ID, turn.Player)
	assert.Equal(t, "", turn.Campaign)

	var content TurnContent
	require.NoError(t, json.Unmarshal(turn.Content, &content))
	assert.Equal(
		t, TurnContent{
			{Role: turnRoleUser, Content: "Bonjour"},
			{Role: turnRoleAssistant, Content: "Bienvenue, aventurier."},
		}, content,
	)

	// the outcome was recorded locally
	logs := tb.messageLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "m1", logs[0].MessageID)
	assert.Equal(t, "u1", logs[0].UserID)
	assert.Equal(t, player.ID, logs[0].PlayerID)
	assert.Equal(t, "Bienvenue, aventurier.", logs[0].Reply)
	assert.Empty(t, logs[0].Error)

	assert.Equal(t, int64(1), tb.bot.messagesHandled.Load())
	assert.Equal(t, int64(0), tb.bot.messagesFailed.Load())
}

func TestHandleMessageSecondTurnSeesHistory(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)
	ctx := context.Background()

	tb.bot.handleDiscordMessage(ctx, newTestMessage("Bonjour"))

	second := newTestMessage("Et ensuite ?")
	second.ID = "m2"
	tb.bot.handleDiscordMessage(ctx, second)

	require.Len(t, tb.session.sentReplies(), 2)

	// the second prompt replays the first exchange before the new message
	request := tb.client.lastRequest(t)
	require.Len(t, request.Messages, 4)
	assert.Equal(t, "system", request.Messages[0].Role)
	assert.Equal(t, "Bonjour", request.Messages[1].Content)
	assert.Equal(t, "Bienvenue, aventurier.", request.Messages[2].Content)
	assert.Equal(t, turnRoleAssistant, request.Messages[2].Role)
	assert.Equal(t, "Et ensuite ?", request.Messages[3].Content)

	// still one player, now two turn records
	assert.Len(t, tb.backend.players, 1)
	assert.Len(t, tb.backend.turns, 2)
}

func TestHandleMessageCompletionFailure(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)
	tb.client.err = fmt.Errorf("model overloaded")

	tb.bot.handleDiscordMessage(context.Background(), newTestMessage("Bonjour"))

	// one fallback reply, no persisted turn
	replies := tb.session.sentReplies()
	require.Len(t, replies, 1)
	assert.Equal(t, DefaultDiscordErrorMessage, replies[0].Content)
	assert.Empty(t, tb.backend.turns)

	logs := tb.messageLogs(t)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "model overloaded")
	assert.Empty(t, logs[0].Reply)

	assert.Equal(t, int64(1), tb.bot.messagesFailed.Load())
}

func TestHandleMessageSaveFailureStillReplies(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)
	tb.backend.failTurnSave = true

	tb.bot.handleDiscordMessage(context.Background(), newTestMessage("Bonjour"))

	// the real reply goes out first, then the fallback for the failed save
	replies := tb.session.sentReplies()
	require.Len(t, replies, 2)
	assert.Equal(t, "Bienvenue, aventurier.", replies[0].Content)
	assert.Equal(t, DefaultDiscordErrorMessage, replies[1].Content)

	logs := tb.messageLogs(t)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "saving turn")
}

func TestHandleMessageSendFailure(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)
	tb.session.sendErr = fmt.Errorf("channel gone")

	tb.bot.handleDiscordMessage(context.Background(), newTestMessage("Bonjour"))

	// neither the reply nor the fallback could be delivered, and the
	// turn was not persisted
	assert.Empty(t, tb.session.sentReplies())
	assert.Empty(t, tb.backend.turns)

	logs := tb.messageLogs(t)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "sending reply")
}

func TestHandleMessageFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		message func() *discordgo.Message
	}{
		{
			name: "bot author",
			message: func() *discordgo.Message {
				m := newTestMessage("Bonjour")
				m.Author.Bot = true
				return m
			},
		},
		{
			name: "nil author",
			message: func() *discordgo.Message {
				m := newTestMessage("Bonjour")
				m.Author = nil
				return m
			},
		},
		{
			name: "direct message",
			message: func() *discordgo.Message {
				m := newTestMessage("Bonjour")
				m.GuildID = ""
				return m
			},
		},
		{
			name: "whitespace content",
			message: func() *discordgo.Message {
				return newTestMessage("   \n\t ")
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				tb := newTestBot(t)

				tb.bot.handleDiscordMessage(context.Background(), tc.message())

				assert.Empty(t, tb.session.sentReplies())
				assert.Empty(t, tb.backend.players)
				assert.Empty(t, tb.messageLogs(t))
				assert.Equal(t, 0, tb.backend.loginCount)
				assert.Equal(t, int64(0), tb.bot.messagesHandled.Load())
			},
		)
	}
}

func TestHandleMessageTruncatesLongReply(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)
	long := strings.Repeat("a", discordMaxMessageLength+500)
	tb.client.response = completionResponse(long)

	tb.bot.handleDiscordMessage(context.Background(), newTestMessage("Bonjour"))

	replies := tb.session.sentReplies()
	require.Len(t, replies, 1)
	assert.Len(t, replies[0].Content, discordMaxMessageLength)

	// the stored turn keeps the full reply
	require.Len(t, tb.backend.turns, 1)
	var content TurnContent
	require.NoError(t, json.Unmarshal(tb.backend.turns[0].Content, &content))
	require.Len(t, content, 2)
	assert.Len(t, content[1].Content, len(long))
}

func TestHandleMessageTrimsUserContent(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)

	tb.bot.handleDiscordMessage(
		context.Background(),
		newTestMessage("  Bonjour  \n"),
	)

	request := tb.client.lastRequest(t)
	assert.Equal(t, "Bonjour", request.Messages[len(request.Messages)-1].Content)

	var content TurnContent
	require.Len(t, tb.backend.turns, 1)
	require.NoError(t, json.Unmarshal(tb.backend.turns[0].Content, &content))
	assert.Equal(t, "Bonjour", content[0].Content)
}

func TestShutdownClosesSession(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)

	require.NoError(t, tb.bot.shutdown())
	assert.True(t, tb.session.closed.Load())
}

func TestShutdownHonorsTimeout(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)
	tb.bot.config.ShutdownTimeout = 20 * time.Millisecond
	tb.session.closeDelay = 500 * time.Millisecond

	err := tb.bot.shutdown()
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShutdownPropagatesCloseError(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)
	tb.session.closeErr = fmt.Errorf("websocket already closed")

	err := tb.bot.shutdown()
	require.ErrorIs(t, err, tb.session.closeErr)
}

func TestDiscordConnectionMetrics(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)
	d := tb.bot.discord

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.Equal(t, int64(1), d.metricConnects.Load())
	assert.True(t, d.connected.Load())

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
	assert.False(t, d.connected.Load())
}

func TestStopSignalsRun(t *testing.T) {
	t.Parallel()
	tb := newTestBot(t)

	// Stop before Run: the buffered signal makes Run return immediately
	// after startup.
	tb.bot.Stop()
	select {
	case <-tb.bot.signalStop:
	default:
		t.Fatal("expected stop signal to be buffered")
	}
}
