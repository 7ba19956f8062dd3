package asuka

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartPoll(t *testing.T) {
	t.Parallel()
	bot, session := newTestAsuka(t)
	ctx := context.Background()

	poll, err := bot.startPoll(
		ctx, startPollOptions{
			Title:       "Movie night pick",
			Description: "Vote for next week's movie",
			Options:     []string{"Akira", "Paprika", "Redline"},
			ChannelID:   "poll-channel",
			EndsAt:      time.Now().UTC().Add(24 * time.Hour),
		},
	)
	require.NoError(t, err)
	require.NotNil(t, poll)
	assert.True(t, poll.Enabled)
	assert.NotEmpty(t, poll.MessageID)

	// One seed reaction per option, in order.
	assert.Equal(
		t, []string{"1️⃣", "2️⃣", "3️⃣"}, session.reactions,
	)

	sends := session.complexSends["poll-channel"]
	require.Len(t, sends, 1)
	require.Len(t, sends[0].Embeds, 1)
	assert.Contains(t, sends[0].Embeds[0].Description, "1️⃣ Akira")
	assert.Contains(t, sends[0].Embeds[0].Description, "3️⃣ Redline")

	var options []PollOption
	require.NoError(
		t,
		bot.db.Where("poll_id = ?", poll.ID).Order("index_num").
			Find(&options).Error,
	)
	require.Len(t, options, 3)
	assert.Equal(t, "Akira", options[0].Name)
	assert.Equal(t, "1️⃣", options[0].Emoji())
}

func TestFinishPolls(t *testing.T) {
	t.Parallel()
	bot, session := newTestAsuka(t)
	ctx := context.Background()

	poll, err := bot.startPoll(
		ctx, startPollOptions{
			Title:     "Best girl",
			Options:   []string{"Asuka", "Rei"},
			ChannelID: "poll-channel",
			EndsAt:    time.Now().UTC().Add(-time.Minute),
		},
	)
	require.NoError(t, err)

	// Reaction counts include the bot's own seed reaction.
	session.channelMessageFunc = func(channelID, messageID string) (
		*discordgo.Message,
		error,
	) {
		return &discordgo.Message{
			ID:        messageID,
			ChannelID: channelID,
			Reactions: []*discordgo.MessageReactions{
				{Count: 3, Emoji: &discordgo.Emoji{Name: "1️⃣"}},
				{Count: 6, Emoji: &discordgo.Emoji{Name: "2️⃣"}},
			},
		}, nil
	}

	bot.finishPolls(ctx, time.Now().UTC())

	var updated Poll
	require.NoError(t, bot.db.First(&updated, poll.ID).Error)
	assert.False(t, updated.Enabled)

	sends := session.complexSends["poll-channel"]
	require.Len(t, sends, 2, "poll message plus results message")
	results := sends[1].Embeds[0]
	assert.Contains(t, results.Title, "Best girl")
	assert.Equal(t, "Poll ended", results.Footer.Text)

	// Winner first, seed reaction subtracted.
	assert.Contains(t, results.Description, "2️⃣ Rei: **5** vote(s)")
	assert.Contains(t, results.Description, "1️⃣ Asuka: **2** vote(s)")
	assert.Less(
		t,
		strings.Index(results.Description, "Rei"),
		strings.Index(results.Description, "Asuka"),
	)
}

func TestFinishPollsSkipsActive(t *testing.T) {
	t.Parallel()
	bot, session := newTestAsuka(t)
	ctx := context.Background()

	poll, err := bot.startPoll(
		ctx, startPollOptions{
			Title:     "Still running",
			Options:   []string{"Yes", "No"},
			ChannelID: "poll-channel",
			EndsAt:    time.Now().UTC().Add(time.Hour),
		},
	)
	require.NoError(t, err)

	bot.finishPolls(ctx, time.Now().UTC())

	var unchanged Poll
	require.NoError(t, bot.db.First(&unchanged, poll.ID).Error)
	assert.True(t, unchanged.Enabled)
	assert.Len(t, session.complexSends["poll-channel"], 1)
}
