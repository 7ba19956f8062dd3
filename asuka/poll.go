package asuka

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// pollNumberEmoji are the reaction emoji used for poll choices, in
// option order. Their length caps the number of options per poll.
var pollNumberEmoji = []string{
	"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣", "6️⃣", "7️⃣", "8️⃣", "9️⃣",
}

// Poll is a reaction-based poll posted to a channel. While Enabled,
// the scheduler watches for EndsAt to pass, then tallies reactions and
// posts the results.
type Poll struct {
	ModelUintID
	ModelUnixTime

	Title       string `json:"title" gorm:"type:string"`
	Description string `json:"description" gorm:"type:string"`
	EndsAt      int64  `json:"ends_at" gorm:"column:ends_at"`
	ChannelID   string `json:"channel_id" gorm:"column:channel_id"`
	MessageID   string `json:"message_id" gorm:"column:message_id"`
	Enabled     bool   `json:"enabled"`
}

func (p Poll) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(p.ID)),
		slog.String("title", p.Title),
		slog.String("channel_id", p.ChannelID),
		slog.Bool("enabled", p.Enabled),
	)
}

// PollOption is one poll choice. IndexNum is the option's position,
// which determines its reaction emoji.
type PollOption struct {
	ModelUintID
	ModelUnixTime

	PollID   uint   `json:"poll_id" gorm:"column:poll_id;index"`
	Name     string `json:"name" gorm:"type:string"`
	IndexNum int    `json:"index_num" gorm:"column:index_num"`
}

// Emoji returns the reaction emoji for this option's position.
func (o PollOption) Emoji() string {
	if o.IndexNum < 0 || o.IndexNum >= len(pollNumberEmoji) {
		return ""
	}
	return pollNumberEmoji[o.IndexNum]
}

type startPollOptions struct {
	Title       string
	Description string
	Options     []string
	ChannelID   string
	EndsAt      time.Time
}

// startPoll posts the poll embed, seeds one reaction per option so
// voters can tap instead of hunting for emoji, and persists the poll.
func (a *Asuka) startPoll(
	ctx context.Context,
	opts startPollOptions,
) (*Poll, error) {
	lines := make([]string, len(opts.Options))
	for i, option := range opts.Options {
		lines[i] = fmt.Sprintf("%s %s", pollNumberEmoji[i], option)
	}
	description := strings.Join(lines, "\n")
	if opts.Description != "" {
		description = opts.Description + "\n\n" + description
	}

	message, err := a.discord.session.ChannelMessageSendComplex(
		opts.ChannelID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       opts.Title,
					Description: description,
					Color:       0x5865f2,
					Footer: &discordgo.MessageEmbedFooter{
						Text: "Vote by reacting below",
					},
				},
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error posting poll: %w", err)
	}

	for i := range opts.Options {
		if err = a.discord.session.MessageReactionAdd(
			opts.ChannelID, message.ID, pollNumberEmoji[i],
		); err != nil {
			a.logger.WarnContext(
				ctx,
				"error seeding poll reaction",
				"emoji", pollNumberEmoji[i],
				tint.Err(err),
			)
		}
	}

	poll := &Poll{
		Title:       opts.Title,
		Description: opts.Description,
		EndsAt:      opts.EndsAt.UnixMilli(),
		ChannelID:   opts.ChannelID,
		MessageID:   message.ID,
		Enabled:     true,
	}
	err = a.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			if txErr := tx.Create(poll).Error; txErr != nil {
				return txErr
			}
			for i, option := range opts.Options {
				pollOption := &PollOption{
					PollID:   poll.ID,
					Name:     option,
					IndexNum: i,
				}
				if txErr := tx.Create(pollOption).Error; txErr != nil {
					return txErr
				}
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error saving poll: %w", err)
	}
	return poll, nil
}

// getEndedPolls returns enabled polls whose end time has passed.
func getEndedPolls(db *gorm.DB, now time.Time) ([]Poll, error) {
	var polls []Poll
	err := db.Where(
		"enabled = ? AND ends_at <= ?", true, now.UnixMilli(),
	).Order("id").Find(&polls).Error
	return polls, err
}

// finishPolls tallies and closes every poll that has ended as of now.
func (a *Asuka) finishPolls(ctx context.Context, now time.Time) {
	polls, err := getEndedPolls(a.db, now)
	if err != nil {
		a.logger.ErrorContext(
			ctx, "error loading ended polls", tint.Err(err),
		)
		return
	}
	for i := range polls {
		if err = a.finishPoll(ctx, &polls[i]); err != nil {
			a.logger.ErrorContext(
				ctx,
				"error finishing poll",
				"poll", polls[i],
				tint.Err(err),
			)
		}
	}
}

type pollResult struct {
	Option PollOption
	Votes  int
}

// finishPoll tallies the poll message's reactions, posts a results
// embed, and disables the poll. The bot's own seed reaction is
// subtracted from each count.
func (a *Asuka) finishPoll(ctx context.Context, poll *Poll) error {
	var options []PollOption
	err := a.db.Where("poll_id = ?", poll.ID).Order("index_num").
		Find(&options).Error
	if err != nil {
		return fmt.Errorf("error loading poll options: %w", err)
	}

	message, err := a.discord.session.ChannelMessage(
		poll.ChannelID, poll.MessageID,
	)
	if err != nil {
		return fmt.Errorf("error fetching poll message: %w", err)
	}

	votesByEmoji := make(map[string]int, len(message.Reactions))
	for _, reaction := range message.Reactions {
		if reaction == nil || reaction.Emoji == nil {
			continue
		}
		count := reaction.Count - 1
		if count < 0 {
			count = 0
		}
		votesByEmoji[reaction.Emoji.Name] = count
	}

	results := make([]pollResult, len(options))
	for i, option := range options {
		results[i] = pollResult{
			Option: option,
			Votes:  votesByEmoji[option.Emoji()],
		}
	}
	sort.SliceStable(
		results, func(i, j int) bool {
			return results[i].Votes > results[j].Votes
		},
	)

	lines := make([]string, len(results))
	for i, result := range results {
		lines[i] = fmt.Sprintf(
			"%s %s: **%d** vote(s)",
			result.Option.Emoji(), result.Option.Name, result.Votes,
		)
	}

	_, err = a.discord.session.ChannelMessageSendComplex(
		poll.ChannelID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       fmt.Sprintf("Results: %s", poll.Title),
					Description: strings.Join(lines, "\n"),
					Color:       0x57f287,
					Footer: &discordgo.MessageEmbedFooter{
						Text: "Poll ended",
					},
				},
			},
			Reference: &discordgo.MessageReference{
				MessageID: poll.MessageID,
				ChannelID: poll.ChannelID,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("error posting poll results: %w", err)
	}

	_, err = a.writeDB.UpdatesWhere(
		ctx,
		&Poll{},
		map[string]any{"enabled": false},
		"id = ?",
		poll.ID,
	)
	if err != nil {
		return fmt.Errorf("error disabling poll: %w", err)
	}
	a.logger.InfoContext(ctx, "poll finished", "poll", poll)
	return nil
}
