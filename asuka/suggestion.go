package asuka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	suggestionMessagePrefix = "exchange"
	anilistLinkHost         = "anilist.co"
)

// suggestionMessage is a parsed DM submission: the target exchange,
// the AniList media IDs referenced, and free-text notes.
type suggestionMessage struct {
	ExchangeID uint
	MediaIDs   []int
	Links      []string
	Notes      []string
}

// parseSuggestionMessage parses a DM body. The first line must start
// with "exchange" followed by the exchange number; subsequent lines
// holding anilist.co links become media references, and everything
// else becomes notes. A false return means the message isn't a
// submission at all and should be ignored without replying.
func parseSuggestionMessage(content string) (*suggestionMessage, bool) {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		// A header alone isn't a submission.
		return nil, false
	}

	header := strings.TrimSpace(strings.ToLower(lines[0]))
	if !strings.HasPrefix(header, suggestionMessagePrefix) {
		return nil, false
	}
	digits := strings.Builder{}
	for _, r := range header {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return nil, false
	}
	exchangeID, err := strconv.Atoi(digits.String())
	if err != nil {
		return nil, false
	}

	msg := &suggestionMessage{ExchangeID: uint(exchangeID)}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Contains(line, anilistLinkHost) {
			link, id, linkOK := parseAniListLink(line)
			if !linkOK {
				// Keep the bad link around so validation can name it
				// in the error reply.
				msg.Links = append(msg.Links, line)
				msg.MediaIDs = append(msg.MediaIDs, 0)
				continue
			}
			msg.Links = append(msg.Links, link)
			msg.MediaIDs = append(msg.MediaIDs, id)
			continue
		}
		msg.Notes = append(msg.Notes, line)
	}
	return msg, true
}

// parseAniListLink truncates an anilist.co URL to its first five
// slash-separated segments (scheme, host, media type, ID) and parses
// the ID from the final segment.
func parseAniListLink(line string) (link string, id int, ok bool) {
	segments := strings.Split(line, "/")
	if len(segments) < 5 {
		return line, 0, false
	}
	segments = segments[:5]
	id, err := strconv.Atoi(segments[4])
	if err != nil {
		return line, 0, false
	}
	return strings.Join(segments, "/"), id, true
}

// handleSuggestionMessage processes a DM as a suggestion submission.
// Messages that don't parse as submissions are silently ignored;
// submissions that fail validation get an error reply in the same DM
// channel.
func (a *Asuka) handleSuggestionMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	logger := a.logger.With(
		slog.Group(
			"message",
			"id", m.ID,
			"user_id", m.Author.ID,
		),
	)

	msg, ok := parseSuggestionMessage(m.Content)
	if !ok {
		logger.DebugContext(ctx, "ignoring non-submission DM")
		return
	}
	logger = logger.With("exchange_id", msg.ExchangeID)

	reply := func(content string) {
		if _, err := a.discord.channelMessageSend(m.ChannelID, content); err != nil {
			logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
		}
	}
	replyError := func(content string) {
		reply(fmt.Sprintf("**ERROR:**\n> %s", content))
	}

	exchange, err := GetExchange(a.db, msg.ExchangeID)
	if err != nil {
		if errors.Is(err, ErrExchangeNotFound) {
			replyError(
				fmt.Sprintf("Exchange %d doesn't exist!", msg.ExchangeID),
			)
			return
		}
		logger.ErrorContext(ctx, "error loading exchange", tint.Err(err))
		replyError("Something went wrong, try again later.")
		return
	}

	user, err := GetExchangeUser(a.db, exchange.ID, m.Author.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			replyError(
				fmt.Sprintf(
					"You aren't registered for **%s**!", exchange.Name,
				),
			)
			return
		}
		logger.ErrorContext(ctx, "error loading participant", tint.Err(err))
		replyError("Something went wrong, try again later.")
		return
	}

	if !user.Paired() {
		replyError(
			"You don't have a pair yet! Wait until registration closes.",
		)
		return
	}

	existing, err := user.SuggestionIDs()
	if err != nil {
		logger.ErrorContext(
			ctx, "error parsing stored suggestions", tint.Err(err),
		)
		replyError("Something went wrong, try again later.")
		return
	}
	if len(existing) >= maxSuggestions {
		replyError(
			fmt.Sprintf(
				"You've already used all %d suggestions for this exchange!",
				maxSuggestions,
			),
		)
		return
	}
	if len(msg.MediaIDs) == 0 {
		replyError(
			"I didn't find any anilist.co links in that message.",
		)
		return
	}
	if len(existing)+len(msg.MediaIDs) > maxSuggestions {
		replyError(
			fmt.Sprintf(
				"That's too many: you have %d suggestion(s) left and sent %d links.",
				maxSuggestions-len(existing), len(msg.MediaIDs),
			),
		)
		return
	}

	// Duplicates are reported before malformed links.
	seen := make(map[int]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for i, id := range msg.MediaIDs {
		if id == 0 {
			continue
		}
		if seen[id] {
			replyError(
				fmt.Sprintf(
					"You've already suggested this one: %s", msg.Links[i],
				),
			)
			return
		}
		seen[id] = true
	}
	for i, id := range msg.MediaIDs {
		if id == 0 {
			replyError(
				fmt.Sprintf(
					"This doesn't look like a valid AniList link: %s",
					msg.Links[i],
				),
			)
			return
		}
	}

	// One batched lookup over the stored IDs plus the new ones, so the
	// pair's DM carries the participant's full suggestion list.
	allIDs := make([]int, 0, len(existing)+len(msg.MediaIDs))
	allIDs = append(allIDs, existing...)
	allIDs = append(allIDs, msg.MediaIDs...)
	media, err := a.anilist.Media(ctx, allIDs)
	if err != nil {
		logger.ErrorContext(ctx, "anilist lookup failed", tint.Err(err))
		replyError("Couldn't reach AniList, try again later.")
		return
	}
	if len(media) != len(allIDs) {
		replyError(
			"I couldn't find all of those on AniList - check your links.",
		)
		return
	}

	for _, entry := range media {
		if entry.Status != statusFinished {
			replyError(
				fmt.Sprintf(
					"**%s** hasn't finished airing - only finished shows "+
						"can be suggested.",
					entry.DisplayTitle(),
				),
			)
			return
		}
	}
	if exchange.Theme != "" {
		for _, entry := range media {
			if !entry.HasGenre(exchange.Theme) {
				replyError(
					fmt.Sprintf(
						"**%s** doesn't match this exchange's theme (**%s**).",
						entry.DisplayTitle(), exchange.Theme,
					),
				)
				return
			}
		}
	}

	if err = a.deliverSuggestion(exchange, user, msg, media); err != nil {
		logger.ErrorContext(
			ctx, "error delivering suggestion", tint.Err(err),
		)
		replyError("Something went wrong, try again later.")
		return
	}

	updated := joinSuggestionIDs(append(existing, msg.MediaIDs...))
	_, err = a.writeDB.UpdatesWhere(
		ctx,
		&ExchangeUser{},
		map[string]any{columnExchangeUserSuggestions: updated},
		"id = ?",
		user.ID,
	)
	if err != nil {
		logger.ErrorContext(
			ctx, "error saving suggestions", tint.Err(err),
		)
		replyError("Something went wrong, try again later.")
		return
	}

	links := make([]string, len(media))
	for i, entry := range media {
		links[i] = fmt.Sprintf(
			"- [%s](%s)", entry.DisplayTitle(), entry.SiteURL,
		)
	}
	reply(
		fmt.Sprintf(
			"**SUCCESS:**\nSent to your pair:\n%s",
			strings.Join(links, "\n"),
		),
	)
	logger.InfoContext(
		ctx,
		"suggestion delivered",
		"media_ids", msg.MediaIDs,
		"total_suggestions", len(existing)+len(msg.MediaIDs),
	)
}

// deliverSuggestion DMs the submitter's pair an embed describing the
// suggested media. The submitter stays anonymous.
func (a *Asuka) deliverSuggestion(
	exchange *Exchange,
	user *ExchangeUser,
	msg *suggestionMessage,
	media []AniListMedia,
) error {
	fields := make([]*discordgo.MessageEmbedField, 0, len(media)+1)
	for _, entry := range media {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  entry.DisplayTitle(),
				Value: entry.SiteURL,
			},
		)
	}
	if len(msg.Notes) > 0 {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name:  "Notes",
				Value: truncate(strings.Join(msg.Notes, "\n"), 1024),
			},
		)
	}

	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("New suggestion for %s!", exchange.Name),
		Description: "Your exchange partner has a recommendation " +
			"for you:",
		Color:  0xeb459e,
		Fields: fields,
	}
	return a.discord.userDM(stringPointerValue(user.Pair), embed)
}
