package asuka

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	commandExchange = "exchange"
	commandPoll     = "poll"
	commandEvent    = "event"
	commandWhatis   = "whatis"

	subcommandStart      = "start"
	subcommandRegister   = "register"
	subcommandForcePair  = "forcepair"
	subcommandClearPairs = "clearpairs"
	subcommandListUsers  = "listusers"
	subcommandEnd        = "end"
	subcommandAdd        = "add"
	subcommandList       = "list"
	subcommandRemove     = "remove"
)

// DiscordSessionHandler is implemented by [DiscordSession], which
// forwards to an actual [discordgo.Session]. It exists to enable
// testing with a mocked session.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(any) func()
	UpdateCustomStatus(state string) error
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)
	User(
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.User, error)
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)
}

// DiscordSession forwards [DiscordSessionHandler] calls to a real
// [discordgo.Session].
type DiscordSession struct {
	session *discordgo.Session
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) UpdateCustomStatus(state string) error {
	return d.session.UpdateCustomStatus(state)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(
		channelID, messageID, emojiID, options...,
	)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID, guildID, commands, options...,
	)
}

// Discord manages the bot's gateway connection and slash commands.
type Discord struct {
	session   DiscordSessionHandler
	config    *DiscordConfig
	logger    *slog.Logger
	asuka     *Asuka
	connected atomic.Bool

	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(
	ctx context.Context,
	config *DiscordConfig,
	handler slog.Handler,
) (*Discord, error) {
	logger := slog.New(handler).With(loggerNameKey, "discord")
	d := &Discord{
		config: config,
		logger: logger,
	}
	session, err := newSession(ctx, config, handler)
	if err != nil {
		return nil, err
	}
	d.session = session
	return d, nil
}

// newSession creates and configures a discordgo session per the config
// (but doesn't open it).
func newSession(
	ctx context.Context,
	config *DiscordConfig,
	handler slog.Handler,
) (DiscordSessionHandler, error) {
	session, err := discordgo.New(fmt.Sprintf("Bot %s", config.Token))
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = config.GatewayIntents

	// Process gateway events in-order. Handlers hand off their own
	// goroutines where needed.
	session.SyncEvents = true
	session.LogLevel = discordgo.LogInformational
	if config.httpClient != nil {
		session.Client = config.httpClient
	}

	discordgoLogger := handler.WithAttrs(
		[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
	)
	discordgo.Logger = discordgoLoggerFunc(ctx, discordgoLogger)
	return DiscordSession{session: session}, nil
}

// commandDefinitions returns the application commands registered on
// startup.
func commandDefinitions() []*discordgo.ApplicationCommand {
	genreChoices := make(
		[]*discordgo.ApplicationCommandOptionChoice, 0, len(Genres),
	)
	for _, g := range Genres {
		genreChoices = append(
			genreChoices, &discordgo.ApplicationCommandOptionChoice{
				Name:  g,
				Value: g,
			},
		)
	}

	exchangeIDOption := func(desc string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionInteger,
			Name:        "id",
			Description: desc,
			Required:    true,
		}
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        commandExchange,
			Description: "Manage and join anime exchanges",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandStart,
					Description: "Start a new exchange",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "name",
							Description: "Exchange name",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "description",
							Description: "What this exchange is about",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "duration_days",
							Description: "Total exchange length in days",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "theme",
							Description: "Restrict suggestions to one genre",
							Choices:     genreChoices,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandRegister,
					Description: "Register for an open exchange",
					Options: []*discordgo.ApplicationCommandOption{
						exchangeIDOption("Exchange number"),
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "preferences",
							Description: "What you like - shown to whoever suggests to you",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandForcePair,
					Description: "Run pairing now, without waiting for registration to close",
					Options: []*discordgo.ApplicationCommandOption{
						exchangeIDOption("Exchange number"),
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandClearPairs,
					Description: "Clear all pairs and reopen registration",
					Options: []*discordgo.ApplicationCommandOption{
						exchangeIDOption("Exchange number"),
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandListUsers,
					Description: "List an exchange's participants",
					Options: []*discordgo.ApplicationCommandOption{
						exchangeIDOption("Exchange number"),
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandEnd,
					Description: "End an exchange immediately",
					Options: []*discordgo.ApplicationCommandOption{
						exchangeIDOption("Exchange number"),
					},
				},
			},
		},
		{
			Name:        commandPoll,
			Description: "Run reaction polls",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandStart,
					Description: "Start a poll in this channel",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "title",
							Description: "Poll title",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "options",
							Description: "Choices, separated by semicolons (2-9)",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "duration_hours",
							Description: "How long the poll runs",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "description",
							Description: "Extra context for the poll",
						},
					},
				},
			},
		},
		{
			Name:        commandEvent,
			Description: "Manage scheduled community events",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandAdd,
					Description: "Schedule an event",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "name",
							Description: "Event name",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "type",
							Description: "Kind of event",
							Required:    true,
							Choices: []*discordgo.ApplicationCommandOptionChoice{
								{Name: "Group watch", Value: eventTypeGroupwatch},
								{Name: "Gaming", Value: eventTypeGaming},
								{Name: "Game show", Value: eventTypeGameshow},
								{Name: "Other", Value: eventTypeOther},
							},
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "starts_at",
							Description: "Start time, like 2026-09-12 19:00 (UTC)",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "duration_hours",
							Description: "Event length in hours",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "description",
							Description: "Event details",
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "repeat_days",
							Description: "Repeat every N days (omit for one-off)",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandList,
					Description: "List upcoming events",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        subcommandRemove,
					Description: "Remove a scheduled event",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "id",
							Description: "Event number (see /event list)",
							Required:    true,
						},
					},
				},
			},
		},
		{
			Name:        commandWhatis,
			Description: "Explain how part of the bot works",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "topic",
					Description: "What to explain",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "Exchanges", Value: whatisTopicExchanges},
						{Name: "Suggestions", Value: whatisTopicSuggestions},
						{Name: "Themes", Value: whatisTopicThemes},
						{Name: "Polls", Value: whatisTopicPolls},
						{Name: "Events", Value: whatisTopicEvents},
					},
				},
			},
		},
	}
}

// registerCommands overwrites the guild's application commands with
// the current definitions.
func (d *Discord) registerCommands(ctx context.Context) error {
	commands, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commandDefinitions(),
	)
	if err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.Name
	}
	d.logger.InfoContext(ctx, "registered commands", "commands", names)
	return nil
}

// connect opens the gateway connection, registers event handlers and
// slash commands, and sets the bot's presence.
func (d *Discord) connect(ctx context.Context) error {
	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handleReady(ctx)),
		d.session.AddHandler(d.handleConnect(ctx)),
		d.session.AddHandler(d.handleDisconnect(ctx)),
		d.session.AddHandler(d.handleInteractionCreate(ctx)),
		d.session.AddHandler(d.handleMessageCreate(ctx)),
	}
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	if err := d.registerCommands(ctx); err != nil {
		return err
	}
	if d.config.CustomStatus != "" {
		if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
			d.logger.WarnContext(
				ctx, "error setting custom status", tint.Err(err),
			)
		}
	}
	return nil
}

func (d *Discord) close() error {
	for _, removeHandler := range d.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	d.discordgoRemoveHandlerFuncs = nil
	return d.session.Close()
}

func (d *Discord) handleReady(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		d.logger.InfoContext(
			ctx,
			"discord ready",
			"username", r.User.Username,
			"session_id", r.SessionID,
		)
	}
}

func (d *Discord) handleConnect(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.Connect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		d.logger.InfoContext(ctx, "discord connected")
	}
}

func (d *Discord) handleDisconnect(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.logger.WarnContext(ctx, "discord disconnected")
	}
}

func (d *Discord) handleInteractionCreate(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		go d.asuka.handleCommand(WithLogger(ctx, d.logger), i)
	}
}

func (d *Discord) handleMessageCreate(ctx context.Context) func(
	*discordgo.Session,
	*discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if s.State != nil && s.State.User != nil &&
			m.Author.ID == s.State.User.ID {
			return
		}
		if m.GuildID == "" {
			go d.asuka.handleSuggestionMessage(ctx, m)
			return
		}
		go d.asuka.handleGuildMessage(ctx, m)
	}
}

// userDM opens (or reuses) a DM channel with the user and sends the
// given embeds.
func (d *Discord) userDM(
	userID string,
	embeds ...*discordgo.MessageEmbed,
) error {
	channel, err := d.session.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}
	_, err = d.session.ChannelMessageSendComplex(
		channel.ID, &discordgo.MessageSend{Embeds: embeds},
	)
	if err != nil {
		return fmt.Errorf("error sending DM: %w", err)
	}
	return nil
}

func (d *Discord) channelMessageSend(
	channelID string,
	content string,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(
		channelID, truncate(content, discordMaxMessageLength),
	)
}

// startupMessage posts the configured startup message to the exchange
// channel once connected.
func (d *Discord) startupMessage(ctx context.Context, channelID string) {
	if d.config.StartupMessage == "" || channelID == "" {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for !d.connected.Load() {
		select {
		case <-waitCtx.Done():
			d.logger.WarnContext(
				ctx, "gave up waiting to send startup message",
			)
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
	if _, err := d.channelMessageSend(
		channelID, d.config.StartupMessage,
	); err != nil {
		d.logger.ErrorContext(
			ctx, "error sending startup message", tint.Err(err),
		)
	}
}
