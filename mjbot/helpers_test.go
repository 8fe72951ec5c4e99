package mjbot

import (
	"context"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayerDisplayName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		user     *discordgo.User
		expected string
	}{
		{
			name:     "username preferred",
			user:     &discordgo.User{Username: "alice", GlobalName: "Alice G"},
			expected: "alice",
		},
		{
			name:     "global name fallback",
			user:     &discordgo.User{GlobalName: "Alice G"},
			expected: "Alice G",
		},
		{
			name:     "no names",
			user:     &discordgo.User{},
			expected: DefaultPlayerDisplayName,
		},
		{
			name:     "nil user",
			user:     nil,
			expected: DefaultPlayerDisplayName,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tc.expected, playerDisplayName(tc.user))
			},
		)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "", truncate("", 5))

	// multi-byte runes count as one character
	assert.Equal(t, "héé", truncate("hééllo", 3))
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	logger, ok := ContextLogger(ctx)
	assert.False(t, ok)
	assert.Nil(t, logger)

	expected := slog.Default().With("test", t.Name())
	ctx = WithLogger(ctx, expected)
	logger, ok = ContextLogger(ctx)
	require.True(t, ok)
	assert.Equal(t, expected, logger)
}

func TestStructToSlogValueRedaction(t *testing.T) {
	t.Parallel()
	cfg := &DiscordConfig{Token: "super-secret"}

	value := structToSlogValue(cfg)
	require.Equal(t, slog.KindGroup, value.Kind())

	var tokenValue string
	for _, attr := range value.Group() {
		if attr.Key == "token" {
			tokenValue = attr.Value.String()
		}
	}
	assert.Equal(t, "[redacted]", tokenValue)
	assert.NotContains(t, value.String(), "super-secret")
}
