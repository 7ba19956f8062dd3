package asuka

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	spotify "github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"
)

const spotifyEmbedColor = 0x1db954

var spotifyLinkPattern = regexp.MustCompile(
	`https?://open\.spotify\.com/(track|album|playlist)/([A-Za-z0-9]+)`,
)

// Spotify unfurls open.spotify.com links into embeds, since Discord's
// own Spotify embeds are bare-bones.
type Spotify struct {
	client *spotify.Client
	logger *slog.Logger
}

// newSpotify builds a client using the client-credentials flow - no
// user authorization, just catalog reads.
func newSpotify(
	ctx context.Context,
	cfg *SpotifyConfig,
	handler slog.Handler,
) *Spotify {
	auth := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}
	return &Spotify{
		client: spotify.New(auth.Client(ctx)),
		logger: slog.New(handler).With(loggerNameKey, "spotify"),
	}
}

// unfurlSpotifyLinks posts one embed per Spotify link in the message.
func (a *Asuka) unfurlSpotifyLinks(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	matches := spotifyLinkPattern.FindAllStringSubmatch(m.Content, -1)
	if len(matches) == 0 {
		return
	}

	embeds := make([]*discordgo.MessageEmbed, 0, len(matches))
	for _, match := range matches {
		kind, id := match[1], spotify.ID(match[2])
		embed, err := a.spotify.embed(ctx, kind, id)
		if err != nil {
			a.spotify.logger.WarnContext(
				ctx,
				"error unfurling spotify link",
				"kind", kind,
				"id", id,
				tint.Err(err),
			)
			continue
		}
		embeds = append(embeds, embed)
	}
	if len(embeds) == 0 {
		return
	}

	_, err := a.discord.session.ChannelMessageSendComplex(
		m.ChannelID, &discordgo.MessageSend{
			Embeds: embeds,
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
			ctx, "error sending spotify embeds", tint.Err(err),
		)
	}
}

func (s *Spotify) embed(
	ctx context.Context,
	kind string,
	id spotify.ID,
) (*discordgo.MessageEmbed, error) {
	switch kind {
	case "track":
		return s.trackEmbed(ctx, id)
	case "album":
		return s.albumEmbed(ctx, id)
	case "playlist":
		return s.playlistEmbed(ctx, id)
	default:
		return nil, fmt.Errorf("unsupported spotify link type: %s", kind)
	}
}

func (s *Spotify) trackEmbed(
	ctx context.Context,
	id spotify.ID,
) (*discordgo.MessageEmbed, error) {
	track, err := s.client.GetTrack(ctx, id)
	if err != nil {
		return nil, err
	}
	embed := &discordgo.MessageEmbed{
		Title: track.Name,
		Color: spotifyEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Artists",
				Value:  artistNames(track.Artists),
				Inline: true,
			},
			{
				Name:   "Album",
				Value:  track.Album.Name,
				Inline: true,
			},
		},
	}
	if track.Album.ReleaseDate != "" {
		embed.Fields = append(
			embed.Fields, &discordgo.MessageEmbedField{
				Name:   "Released",
				Value:  track.Album.ReleaseDate,
				Inline: true,
			},
		)
	}
	if len(track.Album.Images) > 0 {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{
			URL: track.Album.Images[0].URL,
		}
	}
	return embed, nil
}

func (s *Spotify) albumEmbed(
	ctx context.Context,
	id spotify.ID,
) (*discordgo.MessageEmbed, error) {
	album, err := s.client.GetAlbum(ctx, id)
	if err != nil {
		return nil, err
	}
	trackLines := make([]string, 0, len(album.Tracks.Tracks))
	for i, track := range album.Tracks.Tracks {
		trackLines = append(
			trackLines, fmt.Sprintf("%d. %s", i+1, track.Name),
		)
	}
	embed := &discordgo.MessageEmbed{
		Title: album.Name,
		Color: spotifyEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Artists",
				Value:  artistNames(album.Artists),
				Inline: true,
			},
			{
				Name:   "Released",
				Value:  album.ReleaseDate,
				Inline: true,
			},
			{
				Name:  "Tracks",
				Value: truncate(strings.Join(trackLines, "\n"), 1024),
			},
		},
	}
	if len(album.Images) > 0 {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{
			URL: album.Images[0].URL,
		}
	}
	return embed, nil
}

func (s *Spotify) playlistEmbed(
	ctx context.Context,
	id spotify.ID,
) (*discordgo.MessageEmbed, error) {
	playlist, err := s.client.GetPlaylist(ctx, id)
	if err != nil {
		return nil, err
	}
	trackLines := make([]string, 0, len(playlist.Tracks.Tracks))
	for i, entry := range playlist.Tracks.Tracks {
		trackLines = append(
			trackLines,
			fmt.Sprintf(
				"%d. %s - %s",
				i+1, entry.Track.Name, artistNames(entry.Track.Artists),
			),
		)
	}
	embed := &discordgo.MessageEmbed{
		Title: playlist.Name,
		Color: spotifyEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Curator",
				Value:  playlist.Owner.DisplayName,
				Inline: true,
			},
			{
				Name:   "Total tracks",
				Value:  fmt.Sprintf("%d", playlist.Tracks.Total),
				Inline: true,
			},
			{
				Name:  "Tracks",
				Value: truncate(strings.Join(trackLines, "\n"), 1024),
			},
		},
	}
	if len(playlist.Images) > 0 {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{
			URL: playlist.Images[0].URL,
		}
	}
	return embed, nil
}

func artistNames(artists []spotify.SimpleArtist) string {
	names := make([]string, len(artists))
	for i, artist := range artists {
		names[i] = artist.Name
	}
	return strings.Join(names, ", ")
}
