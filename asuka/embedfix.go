package asuka

import (
	"context"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// embedFixHosts maps hosts with broken Discord embeds to mirrors that
// render properly.
var embedFixHosts = map[string]string{
	"x.com":         "fxtwitter.com",
	"twitter.com":   "fxtwitter.com",
	"reddit.com":    "rxddit.com",
	"tiktok.com":    "txktok.com",
	"instagram.com": "ddinstagram.com",
}

var embedFixPattern = regexp.MustCompile(
	`https?://(?:www\.)?(x\.com|twitter\.com|reddit\.com|tiktok\.com|instagram\.com)(/\S*)?`,
)

// handleGuildMessage runs the passive guild message features: embed
// fixing and Spotify link unfurling.
func (a *Asuka) handleGuildMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	a.fixEmbeds(ctx, m)
	if a.spotify != nil {
		a.unfurlSpotifyLinks(ctx, m)
	}
}

// fixedEmbedLinks rewrites any broken-embed links in content to their
// mirror equivalents, preserving order and dropping duplicates.
func fixedEmbedLinks(content string) []string {
	matches := embedFixPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	links := make([]string, 0, len(matches))
	for _, match := range matches {
		host := strings.ToLower(match[1])
		replacement, ok := embedFixHosts[host]
		if !ok {
			continue
		}
		link := "https://" + replacement + match[2]
		if seen[link] {
			continue
		}
		seen[link] = true
		links = append(links, link)
	}
	return links
}

// fixEmbeds replies to messages containing broken-embed links with
// fixed mirrors, and suppresses the original (broken) embeds. The
// reply doesn't ping the author.
func (a *Asuka) fixEmbeds(ctx context.Context, m *discordgo.MessageCreate) {
	links := fixedEmbedLinks(m.Content)
	if len(links) == 0 {
		return
	}

	_, err := a.discord.session.ChannelMessageSendComplex(
		m.ChannelID, &discordgo.MessageSend{
			Content: strings.Join(links, "\n"),
			Reference: &discordgo.MessageReference{
				MessageID: m.ID,
				ChannelID: m.ChannelID,
				GuildID:   m.GuildID,
			},
			AllowedMentions: &discordgo.MessageAllowedMentions{
				RepliedUser: false,
			},
		},
	)
	if err != nil {
		a.logger.ErrorContext(
			ctx, "error sending fixed links", tint.Err(err),
		)
		return
	}

	suppressFlags := m.Flags | discordgo.MessageFlagsSuppressEmbeds
	_, err = a.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:      m.ID,
			Channel: m.ChannelID,
			Flags:   suppressFlags,
		},
	)
	if err != nil {
		// Editing someone else's message flags needs Manage Messages;
		// the fixed links were already posted, so just log it.
		a.logger.WarnContext(
			ctx, "error suppressing original embeds", tint.Err(err),
		)
	}
}
