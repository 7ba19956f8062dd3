package asuka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	whatisTopicExchanges   = "exchanges"
	whatisTopicSuggestions = "suggestions"
	whatisTopicThemes      = "themes"
	whatisTopicPolls       = "polls"
	whatisTopicEvents      = "events"
)

var whatisTopics = map[string]string{
	whatisTopicExchanges: "An **exchange** is a community event where " +
		"everyone who registers gets secretly paired with another " +
		"participant and suggests anime to them. Register with " +
		"`/exchange register` while registration is open - once it " +
		"closes, I'll DM you your pair.",
	whatisTopicSuggestions: "Once you're paired, DM me your suggestions. " +
		"Start the message with `exchange <number>`, then one anilist.co " +
		"link per line (up to 3 total per exchange), plus any notes. " +
		"I'll pass them to your pair anonymously.",
	whatisTopicThemes: "A **themed** exchange only accepts suggestions " +
		"matching one genre - I check each link against AniList before " +
		"passing it on. Unthemed exchanges accept anything that's " +
		"finished airing.",
	whatisTopicPolls: "Mods can run reaction polls with `/poll start`. " +
		"Vote by reacting with the numbered emoji; I'll tally and post " +
		"the results when the poll ends.",
	whatisTopicEvents: "Mods schedule community events with `/event add`. " +
		"See what's coming up with `/event list`, or subscribe to the " +
		"calendar feed at `/api/calendar.ics` on the bot's web server.",
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil {
		return i.Member.User
	}
	return i.User
}

func hasManageServer(i *discordgo.InteractionCreate) bool {
	return i.Member != nil &&
		i.Member.Permissions&discordgo.PermissionManageServer != 0
}

// ackEphemeral sends a deferred, ephemeral acknowledgement so handlers
// have the full 15-minute window to do real work.
func (a *Asuka) ackEphemeral(i *discordgo.InteractionCreate) error {
	return a.discord.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

func (a *Asuka) editReply(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	content = truncate(content, discordMaxMessageLength)
	_, err := a.discord.session.InteractionResponseEdit(
		i.Interaction, &discordgo.WebhookEdit{Content: &content},
	)
	if err != nil {
		a.logger.ErrorContext(
			ctx, "error editing interaction response", tint.Err(err),
		)
	}
}

// handleCommand dispatches an application command interaction.
func (a *Asuka) handleCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	data := i.ApplicationCommandData()
	user := interactionUser(i)
	logger := a.logger.With(
		"command", data.Name,
		"user_id", user.ID,
	)
	ctx = WithLogger(ctx, logger)

	if err := a.ackEphemeral(i); err != nil {
		logger.ErrorContext(
			ctx, "error acknowledging interaction", tint.Err(err),
		)
		return
	}

	switch data.Name {
	case commandExchange:
		a.handleExchangeCommand(ctx, i, data)
	case commandPoll:
		a.handlePollCommand(ctx, i, data)
	case commandEvent:
		a.handleEventCommand(ctx, i, data)
	case commandWhatis:
		a.handleWhatisCommand(ctx, i, data)
	default:
		logger.WarnContext(ctx, "unknown command")
		a.editReply(ctx, i, "I don't know that command.")
	}
}

func (a *Asuka) handleExchangeCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	sub := data.Options[0]
	opts := discordInteractionOptions(sub.Options)

	switch sub.Name {
	case subcommandStart:
		if !hasManageServer(i) {
			a.editReply(ctx, i, "You need **Manage Server** to do that.")
			return
		}
		a.exchangeStart(ctx, i, opts)
	case subcommandRegister:
		a.exchangeRegister(ctx, i, opts)
	case subcommandForcePair:
		if !hasManageServer(i) {
			a.editReply(ctx, i, "You need **Manage Server** to do that.")
			return
		}
		a.exchangeForcePair(ctx, i, opts)
	case subcommandClearPairs:
		if !hasManageServer(i) {
			a.editReply(ctx, i, "You need **Manage Server** to do that.")
			return
		}
		a.exchangeClearPairs(ctx, i, opts)
	case subcommandListUsers:
		a.exchangeListUsers(ctx, i, opts)
	case subcommandEnd:
		if !hasManageServer(i) {
			a.editReply(ctx, i, "You need **Manage Server** to do that.")
			return
		}
		a.exchangeEnd(ctx, i, opts)
	}
}

func (a *Asuka) exchangeStart(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	createOpts := CreateExchangeOptions{
		Name:         opts["name"].StringValue(),
		Description:  opts["description"].StringValue(),
		DurationDays: int(opts["duration_days"].IntValue()),
	}
	if theme, ok := opts["theme"]; ok {
		createOpts.Theme = theme.StringValue()
	}

	exchange, err := CreateExchange(
		ctx, a.writeDB, a.config.Exchange, createOpts,
	)
	switch {
	case errors.Is(err, ErrRegisterDaysNotConfigured):
		a.editReply(
			ctx, i,
			"The registration period (`exchange.register_days`) isn't "+
				"configured - I can't start exchanges until it is.",
		)
		return
	case errors.Is(err, ErrDurationTooShort):
		a.editReply(
			ctx, i,
			fmt.Sprintf(
				"The exchange has to run at least as long as the %d-day "+
					"registration period.",
				a.config.Exchange.RegisterDays,
			),
		)
		return
	case errors.Is(err, ErrUnknownTheme):
		a.editReply(ctx, i, "That's not a genre I know.")
		return
	case err != nil:
		a.logger.ErrorContext(ctx, "error creating exchange", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
		return
	}

	deadline := exchange.RegistrationDeadline(a.config.Exchange.RegisterDays)
	if a.config.Exchange.ChannelID != "" {
		announcement := fmt.Sprintf(
			"A new exchange is open: **%s** (exchange %d)!\n%s\n"+
				"Register with `/exchange register` before <t:%d:F>.",
			exchange.Name,
			exchange.ID,
			exchange.Description,
			deadline.Unix(),
		)
		if exchange.Theme != "" {
			announcement += fmt.Sprintf(
				"\nThis one's themed: **%s** suggestions only.",
				exchange.Theme,
			)
		}
		if _, err = a.discord.channelMessageSend(
			a.config.Exchange.ChannelID, announcement,
		); err != nil {
			a.logger.ErrorContext(
				ctx, "error announcing exchange", tint.Err(err),
			)
		}
	}

	a.editReply(
		ctx, i,
		fmt.Sprintf(
			"Created exchange %d (**%s**). Registration closes <t:%d:R>.",
			exchange.ID, exchange.Name, deadline.Unix(),
		),
	)
}

func (a *Asuka) exchangeRegister(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	exchangeID := uint(opts["id"].IntValue())
	preferences := opts["preferences"].StringValue()
	user := interactionUser(i)

	_, err := RegisterParticipant(
		ctx, a.writeDB, exchangeID, user.ID, preferences,
	)
	switch {
	case errors.Is(err, ErrNoOpenExchange):
		a.editReply(
			ctx, i, "No exchange is open for registration right now.",
		)
	case errors.Is(err, ErrExchangeNotFound):
		a.editReply(
			ctx, i,
			fmt.Sprintf(
				"Exchange %d isn't open for registration.", exchangeID,
			),
		)
	case errors.Is(err, ErrAlreadyRegistered):
		a.editReply(ctx, i, "You're already registered for that exchange!")
	case errors.Is(err, ErrEmptyPreferences):
		a.editReply(
			ctx, i,
			"Tell me a bit about what you like - your pair needs "+
				"something to go on.",
		)
	case err != nil:
		a.logger.ErrorContext(ctx, "error registering", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
	default:
		a.editReply(
			ctx, i,
			fmt.Sprintf(
				"You're in! I'll DM you your pair when exchange %d's "+
					"registration closes.",
				exchangeID,
			),
		)
	}
}

func (a *Asuka) exchangeForcePair(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	exchangeID := uint(opts["id"].IntValue())
	exchange, err := GetExchange(a.db, exchangeID)
	if err != nil {
		if errors.Is(err, ErrExchangeNotFound) {
			a.editReply(
				ctx, i, fmt.Sprintf("Exchange %d doesn't exist.", exchangeID),
			)
			return
		}
		a.logger.ErrorContext(ctx, "error loading exchange", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
		return
	}

	report, err := a.PairExchange(ctx, exchange)
	switch {
	case errors.Is(err, ErrLonelyParticipant):
		a.editReply(
			ctx, i,
			fmt.Sprintf(
				"Only one unpaired participant - there's nobody to pair "+
					"them with. Policy is `%s`: either recruit another "+
					"participant or end the exchange.",
				a.config.Exchange.OnLonelyParticipant,
			),
		)
	case err != nil:
		a.logger.ErrorContext(ctx, "pairing failed", tint.Err(err))
		a.editReply(ctx, i, "Pairing failed - check the logs.")
	case report.AlreadyPaired:
		a.editReply(ctx, i, "Everyone in that exchange is already paired.")
	default:
		a.editReply(
			ctx, i,
			fmt.Sprintf(
				"Paired %d participant(s) (%d pair(s)%s, %d DM failure(s)).",
				report.Paired,
				report.Pairs,
				map[bool]string{true: " plus a 3-cycle", false: ""}[report.Cycle],
				report.NotifyFailures,
			),
		)
	}
}

func (a *Asuka) exchangeClearPairs(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	exchangeID := uint(opts["id"].IntValue())
	err := ClearPairs(ctx, a.writeDB, exchangeID)
	switch {
	case errors.Is(err, ErrExchangeNotFound):
		a.editReply(
			ctx, i, fmt.Sprintf("Exchange %d doesn't exist.", exchangeID),
		)
	case err != nil:
		a.logger.ErrorContext(ctx, "error clearing pairs", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
	default:
		a.editReply(
			ctx, i,
			fmt.Sprintf(
				"Cleared all pairs for exchange %d and reopened "+
					"registration. Any pairings already sent out are gone.",
				exchangeID,
			),
		)
	}
}

func (a *Asuka) exchangeListUsers(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	exchangeID := uint(opts["id"].IntValue())
	if _, err := GetExchange(a.db, exchangeID); err != nil {
		if errors.Is(err, ErrExchangeNotFound) {
			a.editReply(
				ctx, i, fmt.Sprintf("Exchange %d doesn't exist.", exchangeID),
			)
			return
		}
		a.logger.ErrorContext(ctx, "error loading exchange", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
		return
	}

	users, err := GetExchangeUsers(a.db, exchangeID)
	if err != nil {
		a.logger.ErrorContext(ctx, "error loading participants", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
		return
	}
	if len(users) == 0 {
		a.editReply(ctx, i, "Nobody's registered for that exchange yet.")
		return
	}

	showPairs := hasManageServer(i)
	lines := make([]string, 0, len(users)+1)
	lines = append(
		lines,
		fmt.Sprintf("%d participant(s) in exchange %d:", len(users), exchangeID),
	)
	for _, u := range users {
		line := fmt.Sprintf("- <@%s>", u.UserID)
		if showPairs && u.Paired() {
			suggested, _ := u.SuggestionIDs()
			line += fmt.Sprintf(
				" → <@%s> (%d/%d suggestions)",
				stringPointerValue(u.Pair), len(suggested), maxSuggestions,
			)
		}
		lines = append(lines, line)
	}
	a.editReply(ctx, i, strings.Join(lines, "\n"))
}

func (a *Asuka) exchangeEnd(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	exchangeID := uint(opts["id"].IntValue())
	exchange, err := GetExchange(a.db, exchangeID)
	if err != nil {
		if errors.Is(err, ErrExchangeNotFound) {
			a.editReply(
				ctx, i, fmt.Sprintf("Exchange %d doesn't exist.", exchangeID),
			)
			return
		}
		a.logger.ErrorContext(ctx, "error loading exchange", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
		return
	}

	_, err = a.writeDB.UpdatesWhere(
		ctx,
		&Exchange{},
		map[string]any{
			columnExchangeRegisterAccepted: false,
			"ends_at":                      time.Now().UTC().UnixMilli(),
		},
		"id = ?",
		exchange.ID,
	)
	if err != nil {
		a.logger.ErrorContext(ctx, "error ending exchange", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
		return
	}
	a.editReply(
		ctx, i,
		fmt.Sprintf("Ended **%s** (exchange %d).", exchange.Name, exchange.ID),
	)
}

func (a *Asuka) handlePollCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	if !hasManageServer(i) {
		a.editReply(ctx, i, "You need **Manage Server** to do that.")
		return
	}
	sub := data.Options[0]
	if sub.Name != subcommandStart {
		return
	}
	opts := discordInteractionOptions(sub.Options)

	title := opts["title"].StringValue()
	rawOptions := opts["options"].StringValue()
	durationHours := int(opts["duration_hours"].IntValue())
	description := ""
	if d, ok := opts["description"]; ok {
		description = d.StringValue()
	}

	choices := splitPollOptions(rawOptions)
	if len(choices) < 2 || len(choices) > len(pollNumberEmoji) {
		a.editReply(
			ctx, i,
			fmt.Sprintf(
				"Polls need between 2 and %d options, separated by "+
					"semicolons.",
				len(pollNumberEmoji),
			),
		)
		return
	}
	if durationHours < 1 {
		a.editReply(ctx, i, "Polls have to run for at least an hour.")
		return
	}

	poll, err := a.startPoll(
		ctx, startPollOptions{
			Title:       title,
			Description: description,
			Options:     choices,
			ChannelID:   i.ChannelID,
			EndsAt: time.Now().UTC().Add(
				time.Duration(durationHours) * time.Hour,
			),
		},
	)
	if err != nil {
		a.logger.ErrorContext(ctx, "error starting poll", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
		return
	}
	a.editReply(
		ctx, i,
		fmt.Sprintf(
			"Poll %d is live - results post <t:%d:R>.",
			poll.ID, poll.EndsAt/1000,
		),
	)
}

func (a *Asuka) handleEventCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	sub := data.Options[0]
	opts := discordInteractionOptions(sub.Options)

	switch sub.Name {
	case subcommandAdd:
		if !hasManageServer(i) {
			a.editReply(ctx, i, "You need **Manage Server** to do that.")
			return
		}
		a.eventAdd(ctx, i, opts)
	case subcommandList:
		a.eventList(ctx, i)
	case subcommandRemove:
		if !hasManageServer(i) {
			a.editReply(ctx, i, "You need **Manage Server** to do that.")
			return
		}
		a.eventRemove(ctx, i, opts)
	}
}

func (a *Asuka) eventAdd(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	startsAt, err := parseEventTime(opts["starts_at"].StringValue())
	if err != nil {
		a.editReply(
			ctx, i,
			"I couldn't read that start time - use `YYYY-MM-DD HH:MM` (UTC).",
		)
		return
	}
	durationHours := int(opts["duration_hours"].IntValue())
	if durationHours < 1 {
		a.editReply(ctx, i, "Events have to run for at least an hour.")
		return
	}

	event := &ScheduledEvent{
		Name:      opts["name"].StringValue(),
		Type:      opts["type"].StringValue(),
		StartsAt:  startsAt.UnixMilli(),
		EndsAt:    startsAt.Add(time.Duration(durationHours) * time.Hour).UnixMilli(),
		ChannelID: i.ChannelID,
	}
	if desc, ok := opts["description"]; ok {
		event.Description = desc.StringValue()
	}
	if repeat, ok := opts["repeat_days"]; ok && repeat.IntValue() > 0 {
		event.Repeat = true
		event.RepeatIntervalDays = int(repeat.IntValue())
	}

	if _, err = a.writeDB.Create(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "error creating event", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
		return
	}
	a.editReply(
		ctx, i,
		fmt.Sprintf(
			"Scheduled **%s** (event %d) for <t:%d:F>.",
			event.Name, event.ID, startsAt.Unix(),
		),
	)
}

func (a *Asuka) eventList(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	events, err := GetUpcomingEvents(a.db, time.Now().UTC())
	if err != nil {
		a.logger.ErrorContext(ctx, "error loading events", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
		return
	}
	if len(events) == 0 {
		a.editReply(ctx, i, "Nothing on the calendar.")
		return
	}
	lines := make([]string, 0, len(events))
	for _, e := range events {
		line := fmt.Sprintf(
			"- **%d**: %s (%s) <t:%d:F>",
			e.ID, e.Name, e.Type, e.StartsAt/1000,
		)
		if e.Repeat {
			line += fmt.Sprintf(", repeats every %d day(s)", e.RepeatIntervalDays)
		}
		lines = append(lines, line)
	}
	a.editReply(ctx, i, strings.Join(lines, "\n"))
}

func (a *Asuka) eventRemove(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	eventID := uint(opts["id"].IntValue())
	rows, err := a.writeDB.UpdatesWhere(
		ctx,
		&ScheduledEvent{},
		map[string]any{"disabled": true},
		"id = ? AND disabled = ?",
		eventID,
		false,
	)
	if err != nil {
		a.logger.ErrorContext(ctx, "error removing event", tint.Err(err))
		a.editReply(ctx, i, "Something went wrong, try again later.")
		return
	}
	if rows == 0 {
		a.editReply(
			ctx, i, fmt.Sprintf("Event %d doesn't exist.", eventID),
		)
		return
	}
	a.editReply(ctx, i, fmt.Sprintf("Removed event %d.", eventID))
}

func (a *Asuka) handleWhatisCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	data discordgo.ApplicationCommandInteractionData,
) {
	opts := discordInteractionOptions(data.Options)
	topic := opts["topic"].StringValue()
	explanation, ok := whatisTopics[topic]
	if !ok {
		a.editReply(ctx, i, "I don't have an explanation for that.")
		return
	}
	a.editReply(ctx, i, explanation)
}

// parseEventTime accepts "YYYY-MM-DD HH:MM" (treated as UTC) or
// RFC 3339.
func parseEventTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func splitPollOptions(raw string) []string {
	parts := strings.Split(raw, ";")
	options := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			options = append(options, p)
		}
	}
	return options
}
