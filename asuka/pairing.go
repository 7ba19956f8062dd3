package asuka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// ErrLonelyParticipant indicates an exchange has exactly one unpaired
// participant. There is no partner to assign, so pairing makes no
// writes and the exchange stays open until an operator intervenes.
var ErrLonelyParticipant = errors.New(
	"exchange has a single unpaired participant",
)

// PairingReport summarizes one pairing run.
type PairingReport struct {
	ExchangeID uint `json:"exchange_id"`

	// Paired is the number of participants assigned a partner this run
	Paired int `json:"paired"`

	// Pairs is the number of symmetric two-person pairs created
	Pairs int `json:"pairs"`

	// Cycle is true when an odd participant count forced a 3-cycle
	Cycle bool `json:"cycle"`

	// AlreadyPaired is true when no unpaired participants remained and
	// the run was a no-op
	AlreadyPaired bool `json:"already_paired"`

	// NotifyFailures counts participants whose DM could not be sent.
	// Their pair assignment is still committed.
	NotifyFailures int `json:"notify_failures"`

	Elapsed time.Duration `json:"elapsed"`
}

func (p PairingReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("exchange_id", uint64(p.ExchangeID)),
		slog.Int("paired", p.Paired),
		slog.Int("pairs", p.Pairs),
		slog.Bool("cycle", p.Cycle),
		slog.Bool("already_paired", p.AlreadyPaired),
		slog.Int("notify_failures", p.NotifyFailures),
		slog.Duration("elapsed", p.Elapsed),
	)
}

// getUnpairedUsers returns the exchange's participants with no pair
// assignment, in registration order.
func getUnpairedUsers(db *gorm.DB, exchangeID uint) ([]ExchangeUser, error) {
	var users []ExchangeUser
	err := db.Where(
		"exchange_id = ? AND pair IS NULL", exchangeID,
	).Order("id").Find(&users).Error
	return users, err
}

// PairExchange assigns every unpaired participant of the exchange a
// partner, notifies each one by DM, announces the pairing to the
// exchange channel, and closes registration.
//
// Participants are shuffled, then matched two at a time in both
// directions. An odd count is resolved by a directed 3-cycle among
// three participants; everyone still gets exactly one assignment.
// Each pair (and the cycle) commits in its own transaction, so a
// failure partway leaves earlier pairs assigned - rerunning picks up
// only the still-unpaired remainder.
func (a *Asuka) PairExchange(
	ctx context.Context,
	exchange *Exchange,
) (*PairingReport, error) {
	started := time.Now()
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = a.logger
	}
	logger = logger.With("exchange", exchange)

	report := &PairingReport{ExchangeID: exchange.ID}

	users, err := getUnpairedUsers(a.db, exchange.ID)
	if err != nil {
		return nil, fmt.Errorf("error loading unpaired participants: %w", err)
	}

	switch len(users) {
	case 0:
		report.AlreadyPaired = true
		report.Elapsed = time.Since(started)
		if exchange.RegisterAccepted {
			if err = CloseRegistration(ctx, a.writeDB, exchange.ID); err != nil {
				return report, err
			}
		}
		logger.InfoContext(ctx, "no unpaired participants", "report", report)
		return report, nil
	case 1:
		logger.WarnContext(
			ctx,
			"cannot pair a single participant",
			"user", users[0],
			"on_lonely_participant", a.config.Exchange.OnLonelyParticipant,
		)
		return nil, fmt.Errorf(
			"%w: exchange %d, user %s",
			ErrLonelyParticipant, exchange.ID, users[0].UserID,
		)
	}

	rand.Shuffle(
		len(users), func(i, j int) {
			users[i], users[j] = users[j], users[i]
		},
	)

	rest := users
	if len(users)%2 == 1 {
		// Directed cycle: first suggests to second, second to last,
		// last to first.
		first := &users[0]
		second := &users[1]
		last := &users[len(users)-1]

		err = a.writeDB.Transaction(
			ctx, func(tx *gorm.DB) error {
				for _, assignment := range [][2]*ExchangeUser{
					{first, second},
					{second, last},
					{last, first},
				} {
					if txErr := setPair(tx, assignment[0], assignment[1]); txErr != nil {
						return txErr
					}
				}
				return nil
			},
		)
		if err != nil {
			return report, fmt.Errorf("error persisting 3-cycle: %w", err)
		}
		report.Cycle = true
		report.Paired += 3

		for _, u := range []*ExchangeUser{first, second, last} {
			a.notifyPaired(ctx, logger, exchange, u, report)
		}

		rest = users[2 : len(users)-1]
	}

	for i := 0; i+1 < len(rest); i += 2 {
		left := &rest[i]
		right := &rest[i+1]

		err = a.writeDB.Transaction(
			ctx, func(tx *gorm.DB) error {
				if txErr := setPair(tx, left, right); txErr != nil {
					return txErr
				}
				return setPair(tx, right, left)
			},
		)
		if err != nil {
			return report, fmt.Errorf("error persisting pair: %w", err)
		}
		report.Pairs++
		report.Paired += 2

		a.notifyPaired(ctx, logger, exchange, left, report)
		a.notifyPaired(ctx, logger, exchange, right, report)
	}

	if a.config.Exchange.ChannelID != "" {
		_, err = a.discord.channelMessageSend(
			a.config.Exchange.ChannelID,
			fmt.Sprintf(
				"Pairings for **%s** are out! Check your DMs for your "+
					"partner and instructions on submitting suggestions.",
				exchange.Name,
			),
		)
		if err != nil {
			logger.ErrorContext(
				ctx, "error announcing pairing", tint.Err(err),
			)
		}
	}

	if err = CloseRegistration(ctx, a.writeDB, exchange.ID); err != nil {
		return report, fmt.Errorf("error closing registration: %w", err)
	}

	report.Elapsed = time.Since(started)
	logger.InfoContext(ctx, "pairing complete", "report", report)
	return report, nil
}

// setPair points user at partner and updates the in-memory record to
// match.
func setPair(tx *gorm.DB, user *ExchangeUser, partner *ExchangeUser) error {
	err := tx.Model(&ExchangeUser{}).Where("id = ?", user.ID).Update(
		columnExchangeUserPair, partner.UserID,
	).Error
	if err != nil {
		return err
	}
	pairID := partner.UserID
	user.Pair = &pairID
	return nil
}

// notifyPaired DMs a participant their assignment. Delivery failures
// are logged and counted but never roll back the pairing.
func (a *Asuka) notifyPaired(
	ctx context.Context,
	logger *slog.Logger,
	exchange *Exchange,
	user *ExchangeUser,
	report *PairingReport,
) {
	partner, err := GetExchangeUser(
		a.db, exchange.ID, stringPointerValue(user.Pair),
	)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error loading partner record",
			"user", user,
			tint.Err(err),
		)
		report.NotifyFailures++
		return
	}

	embeds := pairingEmbeds(exchange, partner)
	if err = a.discord.userDM(user.UserID, embeds...); err != nil {
		logger.ErrorContext(
			ctx,
			"error sending pairing DM",
			"user", user,
			tint.Err(err),
		)
		report.NotifyFailures++
	}
}

// pairingEmbeds builds the DM sent to a freshly paired participant:
// who their partner is, how to submit suggestions, and (for themed
// exchanges) the theme constraint.
func pairingEmbeds(
	exchange *Exchange,
	partner *ExchangeUser,
) []*discordgo.MessageEmbed {
	embeds := []*discordgo.MessageEmbed{
		{
			Title: fmt.Sprintf("You've been paired for %s!", exchange.Name),
			Description: fmt.Sprintf(
				"Your partner is <@%s>. You'll be suggesting anime "+
					"*to* them - pick something that fits their tastes!",
				partner.UserID,
			),
			Color: 0x57f287,
			Fields: []*discordgo.MessageEmbedField{
				{
					Name:  "Their preferences",
					Value: partner.Preferences,
				},
			},
		},
		{
			Title: "How to submit suggestions",
			Description: fmt.Sprintf(
				"DM me a message in this format (up to %d suggestions "+
					"total, one link per line, anything after the links "+
					"is passed along as notes):\n"+
					"```md\n"+
					"exchange %d\n"+
					"https://anilist.co/anime/12345/Some-Title/\n"+
					"https://anilist.co/anime/67890/Another-Title/\n"+
					"These both have great soundtracks!\n"+
					"```",
				maxSuggestions, exchange.ID,
			),
			Color: 0x5865f2,
		},
	}
	if exchange.Theme != "" {
		embeds = append(
			embeds, &discordgo.MessageEmbed{
				Title: "Theme",
				Description: fmt.Sprintf(
					"This exchange is themed: suggestions must carry the "+
						"**%s** genre, or they'll be rejected.",
					exchange.Theme,
				),
				Color: 0xfee75c,
			},
		)
	}
	return embeds
}
